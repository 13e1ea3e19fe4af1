package types

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound means a document or request id is unknown to the server.
	// It signals a protocol violation by the editor and is never retried.
	ErrNotFound = errors.New("not found")

	// ErrInvalidPosition means the cursor lies outside the document
	ErrInvalidPosition = errors.New("invalid position")

	// ErrTimeout means the completion stream exceeded its deadline
	ErrTimeout = errors.New("completion stream timed out")

	// ErrUpstream covers network failures and unexpected responses from the inference service
	ErrUpstream = errors.New("upstream error")
)

// ReasonFor maps a pipeline error onto the cancellation reason shown to the editor.
// Upstream errors keep their message so the failure stays diagnosable.
func ReasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return ReasonTimeout
	case errors.Is(err, ErrInvalidPosition):
		return ReasonInvalidPosition
	case errors.Is(err, ErrUpstream):
		msg := strings.TrimPrefix(err.Error(), ErrUpstream.Error()+": ")
		return ReasonUpstream + ": " + msg
	default:
		return ReasonUpstream + ": " + err.Error()
	}
}
