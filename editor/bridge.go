package editor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"copilotd/engine"
	"copilotd/logger"
	"copilotd/types"
)

// RPC method names registered on every connection
const (
	MethodOpen     = "copilotd_open"
	MethodChange   = "copilotd_change"
	MethodClose    = "copilotd_close"
	MethodComplete = "copilotd_complete"
	MethodCancel   = "copilotd_cancel"
)

const (
	luaOnCompletions = "require('copilotd').on_completions(...)"
	luaOnCancelled   = "require('copilotd').on_cancelled(...)"
)

var log = logger.Scope("editor")

// Client is the part of *nvim.Nvim the bridge talks to
type Client interface {
	RegisterHandler(method string, fn any) error
	ExecLua(code string, result any, args ...any) error
}

// Service is the completion pipeline exposed to the editor
type Service interface {
	OpenDocument(uri, content string, version int, languageID string)
	ChangeDocument(uri, content string, version int) error
	CloseDocument(uri string)
	RequestCompletions(ctx context.Context, uri string, pos types.Position, requestID int64) (types.Result, error)
	Cancel(requestID int64) error
	SetCancelNotifier(fn engine.CancelNotifier)
}

// Hub routes engine callbacks to the connection that issued the request.
// Editors number their requests per connection, so every request gets a
// daemon-wide id before it reaches the service.
type Hub struct {
	ctx     context.Context
	service Service

	mu      sync.Mutex
	closed  bool
	lastID  int64
	pending map[int64]pending // daemon id -> issuing connection
	wg      sync.WaitGroup
}

type pending struct {
	bridge   *Bridge
	editorID int64
}

// NewHub creates a hub and installs it as the service's cancel notifier.
// Completions run under ctx.
func NewHub(ctx context.Context, service Service) *Hub {
	h := &Hub{
		ctx:     ctx,
		service: service,
		pending: make(map[int64]pending),
	}
	service.SetCancelNotifier(h.notifyCancelled)
	return h
}

// Attach registers the RPC handlers of one editor connection
func (h *Hub) Attach(client Client) (*Bridge, error) {
	b := &Bridge{hub: h, client: client, ids: make(map[int64]int64)}
	handlers := map[string]any{
		MethodOpen:     b.open,
		MethodChange:   b.change,
		MethodClose:    b.close,
		MethodComplete: b.complete,
		MethodCancel:   b.cancel,
	}
	for method, fn := range handlers {
		if err := client.RegisterHandler(method, fn); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", method, err)
		}
	}
	return b, nil
}

// Detach cancels the requests still running for a closed connection
func (h *Hub) Detach(b *Bridge) {
	h.mu.Lock()
	ids := make([]int64, 0, len(b.ids))
	for _, id := range b.ids {
		ids = append(ids, id)
	}
	b.detached = true
	h.mu.Unlock()

	for _, id := range ids {
		if err := h.service.Cancel(id); err != nil {
			log.Debug("cancel %d on detach: %v", id, err)
		}
	}
}

// Wait refuses new completions and blocks until every started one was delivered
func (h *Hub) Wait() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.wg.Wait()
}

// start assigns a daemon id to an editor request, or reports false once the
// hub is shutting down
func (h *Hub) start(b *Bridge, editorID int64) (int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.ctx.Err() != nil {
		return 0, false
	}
	h.lastID++
	id := h.lastID
	h.pending[id] = pending{bridge: b, editorID: editorID}
	b.ids[editorID] = id
	h.wg.Add(1)
	return id, true
}

func (h *Hub) finish(b *Bridge, editorID, id int64) {
	h.mu.Lock()
	delete(h.pending, id)
	if b.ids[editorID] == id {
		delete(b.ids, editorID)
	}
	h.mu.Unlock()
	h.wg.Done()
}

// resolve maps an editor request id of b to its daemon id
func (h *Hub) resolve(b *Bridge, editorID int64) (int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := b.ids[editorID]
	return id, ok
}

func (h *Hub) notifyCancelled(id int64, res types.Result) {
	h.mu.Lock()
	p, ok := h.pending[id]
	h.mu.Unlock()
	if !ok {
		log.Debug("cancel notice for request %d has no connection", id)
		return
	}
	p.bridge.deliver(luaOnCancelled, p.editorID, res)
}

// Bridge serves one editor connection
type Bridge struct {
	hub    *Hub
	client Client

	// guarded by hub.mu
	ids      map[int64]int64 // editor id -> daemon id
	detached bool
}

func (b *Bridge) open(uri, content string, version int, languageID string) {
	defer recoverPanic(MethodOpen)
	b.hub.service.OpenDocument(uri, content, version, languageID)
}

func (b *Bridge) change(uri, content string, version int) error {
	defer recoverPanic(MethodChange)
	if err := b.hub.service.ChangeDocument(uri, content, version); err != nil {
		log.Warn("change %s: %v", uri, err)
		return err
	}
	return nil
}

func (b *Bridge) close(uri string) {
	defer recoverPanic(MethodClose)
	b.hub.service.CloseDocument(uri)
}

func (b *Bridge) cancel(requestID int64) error {
	defer recoverPanic(MethodCancel)
	id, ok := b.hub.resolve(b, requestID)
	if !ok {
		log.Debug("cancel %d: not running", requestID)
		return fmt.Errorf("request %d: %w", requestID, types.ErrNotFound)
	}
	if err := b.hub.service.Cancel(id); err != nil {
		log.Debug("cancel %d: %v", requestID, err)
		return err
	}
	return nil
}

// complete returns at once; the result is pushed back through on_completions
func (b *Bridge) complete(uri string, line, character int, requestID int64) {
	id, ok := b.hub.start(b, requestID)
	if !ok {
		b.deliver(luaOnCompletions, requestID, types.Cancelled(types.ReasonCancelled))
		return
	}
	go func() {
		defer b.hub.finish(b, requestID, id)
		defer recoverPanic(MethodComplete)

		pos := types.Position{Line: line, Character: character}
		res, err := b.hub.service.RequestCompletions(b.hub.ctx, uri, pos, id)
		if err != nil {
			if !errors.Is(err, types.ErrNotFound) {
				log.Error("request %d: %v", requestID, err)
			}
			res = types.Cancelled(err.Error())
		}
		b.deliver(luaOnCompletions, requestID, res)
	}()
}

func (b *Bridge) deliver(code string, requestID int64, res types.Result) {
	b.hub.mu.Lock()
	detached := b.detached
	b.hub.mu.Unlock()
	if detached {
		return
	}
	if err := b.client.ExecLua(code, nil, requestID, Payload(res)); err != nil {
		log.Error("failed to deliver result of request %d: %v", requestID, err)
	}
}

func recoverPanic(method string) {
	if r := recover(); r != nil {
		logger.Error("panic in %s: %v\n%s", method, r, debug.Stack())
	}
}
