package metrics

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Completion outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeCached    = "cached"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Instruments record pipeline metrics and fetch spans. Every method is a
// no-op on a nil receiver or when the signal is disabled.
type Instruments struct {
	meterEnabled  bool
	traceEnabled  bool
	propagateHTTP bool

	counterCompletions metric.Int64Counter
	counterCache       metric.Int64Counter
	histFetch          metric.Int64Histogram
	histCandidates     metric.Int64Histogram

	tracer trace.Tracer
}

// FetchHandle tracks one upstream fetch
type FetchHandle struct {
	ctx   context.Context
	span  trace.Span
	start time.Time
	attrs []attribute.KeyValue
}

func newInstruments(p *Provider) *Instruments {
	inst := &Instruments{
		meterEnabled:  p.meterProvider != nil,
		traceEnabled:  p.tracerProvider != nil,
		propagateHTTP: p.cfg.PropagateHTTP,
	}
	if inst.meterEnabled {
		m := p.meter()
		inst.counterCompletions, _ = m.Int64Counter(
			"copilotd.completions_total",
			metric.WithDescription("Completion requests by outcome"),
		)
		inst.counterCache, _ = m.Int64Counter(
			"copilotd.cache.lookups_total",
			metric.WithDescription("Completion cache lookups by result"),
		)
		inst.histFetch, _ = m.Int64Histogram(
			"copilotd.fetch.duration",
			metric.WithDescription("Duration of upstream completion streams in milliseconds"),
			metric.WithUnit("ms"),
		)
		inst.histCandidates, _ = m.Int64Histogram(
			"copilotd.fetch.candidates",
			metric.WithDescription("Candidates assembled per completed stream"),
		)
	}
	if inst.traceEnabled {
		inst.tracer = p.tracer()
	}
	return inst
}

// Completion counts a finished completion request
func (i *Instruments) Completion(ctx context.Context, outcome, reason string) {
	if i == nil || !i.meterEnabled {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	if reason != "" {
		attrs = append(attrs, attribute.String("reason", reasonClass(reason)))
	}
	i.counterCompletions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// CacheLookup counts a cache hit or miss
func (i *Instruments) CacheLookup(ctx context.Context, hit bool) {
	if i == nil || !i.meterEnabled {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	i.counterCache.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// StartFetch opens a span for an upstream fetch when tracing is enabled
func (i *Instruments) StartFetch(parent context.Context, uri string, requestID int64) (*FetchHandle, context.Context) {
	if i == nil {
		return nil, parent
	}
	h := &FetchHandle{
		ctx:   parent,
		start: time.Now(),
		attrs: []attribute.KeyValue{
			attribute.String("document.uri", uri),
			attribute.Int64("request.id", requestID),
		},
	}
	if i.traceEnabled && i.tracer != nil {
		ctx, span := i.tracer.Start(parent, "copilotd.fetch", trace.WithAttributes(h.attrs...))
		h.ctx = ctx
		h.span = span
	}
	return h, h.ctx
}

// FinishFetch records the duration and outcome of a fetch and ends its span
func (i *Instruments) FinishFetch(h *FetchHandle, candidates int, reason string) {
	if i == nil || h == nil {
		return
	}
	elapsed := time.Since(h.start)
	attrs := append([]attribute.KeyValue{}, h.attrs...)
	if reason != "" {
		attrs = append(attrs, attribute.String("reason", reasonClass(reason)))
	}

	if i.meterEnabled {
		// URIs would explode metric cardinality; spans keep them
		outcome := metric.WithAttributes(attrs[2:]...)
		i.histFetch.Record(h.ctx, elapsed.Milliseconds(), outcome)
		if reason == "" {
			i.histCandidates.Record(h.ctx, int64(candidates))
		}
	}

	if h.span != nil {
		h.span.SetAttributes(attrs...)
		h.span.SetAttributes(attribute.Int("candidates", candidates))
		if reason != "" {
			h.span.SetStatus(codes.Error, reason)
		}
		h.span.End()
	}
}

// InjectHTTP writes trace propagation headers for ctx into hdr
func (i *Instruments) InjectHTTP(ctx context.Context, hdr http.Header) {
	if i == nil || !i.traceEnabled || !i.propagateHTTP {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(hdr))
}

// reasonClass drops the free-form message from upstream error reasons
func reasonClass(reason string) string {
	for j := 0; j < len(reason); j++ {
		if reason[j] == ':' {
			return reason[:j]
		}
	}
	return reason
}
