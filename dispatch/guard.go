package dispatch

import (
	"context"
	"sync"
	"time"
)

// slot tracks the newest admitted request of one document
type slot struct {
	mu        sync.Mutex
	seq       uint64
	done      chan struct{}
	forgotten bool
}

// Ticket identifies one admitted request. It goes stale as soon as a newer
// request for the same document is admitted or the document is forgotten.
// The zero Ticket is never stale.
type Ticket struct {
	URI  string
	Seq  uint64
	done chan struct{}
	slot *slot
}

// Done is closed once the ticket is stale
func (t Ticket) Done() <-chan struct{} {
	return t.done
}

// Stopped reports whether the ticket has gone stale
func (t Ticket) Stopped() bool {
	if t.slot == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// current must be called with the slot lock held
func (t Ticket) current() bool {
	return !t.slot.forgotten && t.slot.seq == t.Seq
}

// Guard implements per-document single flight: every new request supersedes
// the ones admitted before it for the same document.
type Guard struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func NewGuard() *Guard {
	return &Guard{slots: make(map[string]*slot)}
}

// Admit issues a ticket with the next sequence number for uri and marks every
// earlier ticket for uri stale
func (g *Guard) Admit(uri string) Ticket {
	g.mu.Lock()
	s, ok := g.slots[uri]
	if !ok {
		s = &slot{}
		g.slots[uri] = s
	}
	g.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if s.done != nil {
		close(s.done)
	}
	s.done = make(chan struct{})
	return Ticket{URI: uri, Seq: s.seq, done: s.done, slot: s}
}

// IsCurrent reports whether t is still the newest ticket for its document
func (g *Guard) IsCurrent(t Ticket) bool {
	if t.slot == nil {
		return true
	}
	t.slot.mu.Lock()
	defer t.slot.mu.Unlock()
	return t.current()
}

// Commit runs fn only if t is still current, holding the document's slot so
// no newer request can be admitted while fn runs. It reports whether fn ran.
func (g *Guard) Commit(t Ticket, fn func()) bool {
	if t.slot == nil {
		fn()
		return true
	}
	t.slot.mu.Lock()
	defer t.slot.mu.Unlock()
	if !t.current() {
		return false
	}
	fn()
	return true
}

// Wait holds an admitted request back for delay. It returns false if the
// ticket goes stale or ctx ends first.
func (g *Guard) Wait(ctx context.Context, t Ticket, delay time.Duration) bool {
	if delay <= 0 {
		return g.IsCurrent(t)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return g.IsCurrent(t)
	case <-t.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// Forget drops the document's sequence. Outstanding tickets become stale and
// the next Admit starts over.
func (g *Guard) Forget(uri string) {
	g.mu.Lock()
	s, ok := g.slots[uri]
	delete(g.slots, uri)
	g.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.forgotten = true
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	s.mu.Unlock()
}
