package cancellation

import (
	"fmt"
	"sync"
	"sync/atomic"

	"copilotd/types"
)

// Notifier is told once when a request is cancelled
type Notifier func(requestID int64)

// Token is the shared cancellation flag of one completion request.
// It is safe to share between the caller and the fetcher goroutines.
type Token struct {
	id        int64
	cancelled atomic.Bool
	done      chan struct{}
	notify    Notifier
}

// NewToken creates an uncancelled token. notify may be nil.
func NewToken(id int64, notify Notifier) *Token {
	return &Token{
		id:     id,
		done:   make(chan struct{}),
		notify: notify,
	}
}

// ID returns the request id the token belongs to
func (t *Token) ID() int64 { return t.id }

// Cancel marks the token cancelled. Only the first call has an effect: it
// closes Done and sends the cancel notification.
func (t *Token) Cancel() bool {
	if !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	close(t.done)
	if t.notify != nil {
		t.notify(t.id)
	}
	return true
}

// IsCancelled reports whether Cancel was called
func (t *Token) IsCancelled() bool {
	return t.cancelled.Load()
}

// Done is closed when the token is cancelled
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Reason is the cancellation reason reported for a cancelled request
func (t *Token) Reason() string {
	return types.ReasonCancelled
}

// Registry maps in-flight request ids to their tokens
type Registry struct {
	mu     sync.Mutex
	tokens map[int64]*Token
}

func NewRegistry() *Registry {
	return &Registry{tokens: make(map[int64]*Token)}
}

// Register creates and tracks a token for id. A token already registered
// under the same id is replaced.
func (r *Registry) Register(id int64, notify Notifier) *Token {
	tok := NewToken(id, notify)
	r.mu.Lock()
	r.tokens[id] = tok
	r.mu.Unlock()
	return tok
}

// Cancel cancels the request with the given id
func (r *Registry) Cancel(id int64) error {
	r.mu.Lock()
	tok, ok := r.tokens[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("request %d: %w", id, types.ErrNotFound)
	}
	tok.Cancel()
	return nil
}

// Release forgets tok once its request has finished. A newer token registered
// under the same id is left alone.
func (r *Registry) Release(tok *Token) {
	r.mu.Lock()
	if r.tokens[tok.id] == tok {
		delete(r.tokens, tok.id)
	}
	r.mu.Unlock()
}

// Len returns the number of in-flight requests
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
