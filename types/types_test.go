package types

import (
	"errors"
	"fmt"
	"testing"

	"copilotd/assert"
)

func TestResultConstructors(t *testing.T) {
	ok := Completed(nil)
	assert.False(t, ok.IsCancelled(), "completed result has no reason")
	assert.True(t, ok.Candidates != nil, "candidates never nil")
	assert.Len(t, 0, ok.Candidates, "no candidates")

	c := Cancelled(ReasonSuperseded)
	assert.True(t, c.IsCancelled(), "cancelled result")
	assert.Len(t, 0, c.Candidates, "cancelled result carries no candidates")
	assert.Equal(t, "Superseded", c.CancellationReason, "reason")
}

func TestReasonFor(t *testing.T) {
	assert.Equal(t, "", ReasonFor(nil), "nil error")
	assert.Equal(t, ReasonTimeout, ReasonFor(fmt.Errorf("fetch: %w", ErrTimeout)), "timeout")
	assert.Equal(t, ReasonInvalidPosition, ReasonFor(ErrInvalidPosition), "invalid position")

	upstream := fmt.Errorf("%w: request failed with status 500: boom", ErrUpstream)
	assert.Equal(t, "UpstreamError: request failed with status 500: boom", ReasonFor(upstream), "upstream message kept")

	assert.Equal(t, "UpstreamError: dial tcp: refused", ReasonFor(errors.New("dial tcp: refused")), "unclassified errors")
}
