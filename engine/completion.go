package engine

import (
	"context"
	"errors"

	"copilotd/client/copilot"
	"copilotd/logger"
	"copilotd/metrics"
	"copilotd/text"
	"copilotd/types"
)

// RequestCompletions produces completion candidates for the cursor at pos.
// Only an unknown document is reported as an error; every other failure is
// folded into the result's cancellation reason.
func (e *Engine) RequestCompletions(ctx context.Context, uri string, pos types.Position, requestID int64) (types.Result, error) {
	defer logger.Trace("engine.RequestCompletions")()

	e.mu.RLock()
	stopped := e.stopped
	if !stopped {
		e.inflight.Add(1)
	}
	e.mu.RUnlock()
	if stopped {
		return types.Cancelled(types.ReasonCancelled), nil
	}
	defer e.inflight.Done()

	tok := e.requests.Register(requestID, e.notifyCancelled)
	defer e.requests.Release(tok)

	// The request context ends on explicit cancel, engine stop or caller cancel
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopOnShutdown := context.AfterFunc(e.mainCtx, cancel)
	defer stopOnShutdown()
	go func() {
		select {
		case <-tok.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	doc, err := e.docs.Snapshot(uri)
	if err != nil {
		return types.Result{}, err
	}

	prompt, err := text.Extract(doc.Text, pos)
	if err != nil {
		logger.Debug("request %d: %v", requestID, err)
		return e.finish(ctx, requestID, types.Cancelled(types.ReasonFor(err))), nil
	}

	if entry, ok := e.cache.Get(uri, pos.Line, doc.Version); ok && entry.Character == pos.Character {
		e.metrics.CacheLookup(ctx, true)
		logger.Debug("request %d: cache hit for %s:%d", requestID, uri, pos.Line)
		return e.record(ctx, requestID, metrics.OutcomeCached, entry.Result), nil
	}
	e.metrics.CacheLookup(ctx, false)

	ticket := e.guard.Admit(uri)
	if !e.guard.Wait(ctx, ticket, e.config.Debounce) {
		return e.finish(ctx, requestID, stopReason(tok.IsCancelled())), nil
	}

	handle, fetchCtx := e.metrics.StartFetch(ctx, uri, requestID)
	req, err := e.builder.Build(fetchCtx, prompt.Context(uri, doc.Language, pos))
	if err != nil {
		e.metrics.FinishFetch(handle, 0, types.ReasonFor(err))
		logger.Warn("request %d: %v", requestID, err)
		return e.finish(ctx, requestID, types.Cancelled(types.ReasonFor(err))), nil
	}

	res, err := e.fetcher.Fetch(fetchCtx, req, copilot.Stream{
		LinePrefix: prompt.LinePrefix,
		Position:   pos,
		Token:      tok,
		Ticket:     ticket,
	})
	if err != nil {
		res = types.Cancelled(types.ReasonFor(err))
		if errors.Is(err, types.ErrTimeout) {
			logger.Debug("request %d: %v", requestID, err)
		} else {
			logger.Warn("request %d: %v", requestID, err)
		}
	}
	e.metrics.FinishFetch(handle, len(res.Candidates), res.CancellationReason)
	if res.IsCancelled() {
		return e.finish(ctx, requestID, res), nil
	}

	// A stop that fired after the last event still discards the result
	if tok.IsCancelled() {
		return e.finish(ctx, requestID, types.Cancelled(types.ReasonCancelled)), nil
	}
	committed := e.guard.Commit(ticket, func() {
		e.cache.Put(uri, pos, res, doc.Version)
	})
	if !committed {
		return e.finish(ctx, requestID, types.Cancelled(types.ReasonSuperseded)), nil
	}

	return e.finish(ctx, requestID, res), nil
}

// stopReason picks the reason for a request stopped before sending
func stopReason(cancelled bool) types.Result {
	if cancelled {
		return types.Cancelled(types.ReasonCancelled)
	}
	return types.Cancelled(types.ReasonSuperseded)
}

// finish records the outcome of a request from its result
func (e *Engine) finish(ctx context.Context, requestID int64, res types.Result) types.Result {
	outcome := metrics.OutcomeCompleted
	switch res.CancellationReason {
	case "":
	case types.ReasonSuperseded, types.ReasonCancelled:
		outcome = metrics.OutcomeCancelled
		logger.Debug("request %d: %s", requestID, res.CancellationReason)
	default:
		outcome = metrics.OutcomeError
	}
	return e.record(ctx, requestID, outcome, res)
}

func (e *Engine) record(ctx context.Context, requestID int64, outcome string, res types.Result) types.Result {
	e.metrics.Completion(context.WithoutCancel(ctx), outcome, res.CancellationReason)
	return res
}
