package engine

import (
	"context"
	"net/http"
	"sync"
	"time"

	"copilotd/cache"
	"copilotd/cancellation"
	"copilotd/client/copilot"
	"copilotd/dispatch"
	"copilotd/document"
	"copilotd/logger"
	"copilotd/metrics"
	"copilotd/types"
)

// RequestBuilder turns a prompt into an upstream request
type RequestBuilder interface {
	Build(ctx context.Context, pc types.PromptContext) (*http.Request, error)
}

// StreamFetcher sends a request and assembles its streamed candidates
type StreamFetcher interface {
	Fetch(ctx context.Context, req *http.Request, s copilot.Stream) (types.Result, error)
}

// CancelNotifier delivers the result of an explicitly cancelled request
type CancelNotifier func(requestID int64, result types.Result)

type EngineConfig struct {
	Debounce time.Duration // quiet period after admission; zero sends at once
	Cache    cache.Options
	Metrics  *metrics.Instruments // may be nil
}

// Engine runs the completion pipeline for every open document
type Engine struct {
	docs     *document.Store
	cache    *cache.Cache
	guard    *dispatch.Guard
	requests *cancellation.Registry
	builder  RequestBuilder
	fetcher  StreamFetcher
	metrics  *metrics.Instruments
	config   EngineConfig

	mu       sync.RWMutex
	notifier CancelNotifier

	// Main context and cancel for the engine lifecycle
	mainCtx    context.Context
	mainCancel context.CancelFunc
	stopped    bool
	stopOnce   sync.Once
	inflight   sync.WaitGroup
}

func NewEngine(builder RequestBuilder, fetcher StreamFetcher, config EngineConfig) *Engine {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	return &Engine{
		docs:       document.NewStore(),
		cache:      cache.New(config.Cache),
		guard:      dispatch.NewGuard(),
		requests:   cancellation.NewRegistry(),
		builder:    builder,
		fetcher:    fetcher,
		metrics:    config.Metrics,
		config:     config,
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
	}
}

// Start ties the engine lifecycle to ctx
func (e *Engine) Start(ctx context.Context) {
	e.mu.RLock()
	stopped := e.stopped
	e.mu.RUnlock()
	if stopped {
		return
	}

	context.AfterFunc(ctx, e.Stop)
	logger.Info("engine started")
}

// Stop cancels every in-flight request and waits for them to return
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		logger.Info("stopping engine...")

		e.mu.Lock()
		// Mark as stopped to prevent new requests
		e.stopped = true
		e.mu.Unlock()

		e.mainCancel()
		e.inflight.Wait()

		logger.Info("engine stopped")
	})
}

// SetCancelNotifier installs the callback told about explicitly cancelled requests
func (e *Engine) SetCancelNotifier(fn CancelNotifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier = fn
}

func (e *Engine) notifyCancelled(requestID int64) {
	e.mu.RLock()
	fn := e.notifier
	e.mu.RUnlock()
	if fn != nil {
		fn(requestID, types.Cancelled(types.ReasonCancelled))
	}
}

// OpenDocument starts tracking a document
func (e *Engine) OpenDocument(uri, content string, version int, languageID string) {
	e.docs.Open(uri, content, version, languageID)
	e.cache.Open(uri, version)
	logger.Debug("opened %s (version %d, %s)", uri, version, languageID)
}

// ChangeDocument replaces the full text of an open document
func (e *Engine) ChangeDocument(uri, content string, version int) error {
	prev, err := e.docs.ApplyFullEdit(uri, content, version)
	if err != nil {
		return err
	}
	e.cache.Invalidate(uri, prev.Text.String(), content, version)
	logger.Debug("changed %s to version %d", uri, version)
	return nil
}

// CloseDocument stops tracking a document and drops everything kept for it
func (e *Engine) CloseDocument(uri string) {
	e.docs.Close(uri)
	e.cache.Drop(uri)
	e.guard.Forget(uri)
	logger.Debug("closed %s", uri)
}

// Cancel cancels an in-flight completion request
func (e *Engine) Cancel(requestID int64) error {
	return e.requests.Cancel(requestID)
}

// Documents returns the number of open documents
func (e *Engine) Documents() int {
	return e.docs.Len()
}

// Pending returns the number of completion requests still running
func (e *Engine) Pending() int {
	return e.requests.Len()
}
