package metrics

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"copilotd/assert"
)

func TestSetup_Disabled(t *testing.T) {
	p, err := Setup(context.Background(), Config{})
	assert.NoError(t, err, "Setup")

	inst := p.Instruments()
	assert.NotNil(t, inst, "instruments always present")

	// All calls are no-ops
	ctx := context.Background()
	inst.Completion(ctx, OutcomeCompleted, "")
	inst.CacheLookup(ctx, true)
	h, _ := inst.StartFetch(ctx, "file:///a.go", 1)
	inst.FinishFetch(h, 2, "")

	totals, err := p.Totals(ctx)
	assert.NoError(t, err, "Totals")
	assert.Len(t, 0, totals, "nothing recorded")
	assert.NoError(t, p.Shutdown(ctx), "Shutdown")
}

func TestNilProviderAndInstruments(t *testing.T) {
	var p *Provider
	var inst *Instruments
	ctx := context.Background()

	assert.Nil(t, p.Instruments(), "nil provider has no instruments")
	inst.Completion(ctx, OutcomeError, "UpstreamError: boom")
	inst.CacheLookup(ctx, false)
	h, got := inst.StartFetch(ctx, "file:///a.go", 1)
	assert.Nil(t, h, "no handle")
	assert.Equal(t, ctx, got, "context passed through")
	inst.FinishFetch(h, 0, "")
	inst.InjectHTTP(ctx, http.Header{})
	assert.NoError(t, p.Shutdown(ctx), "Shutdown of nil provider")
}

func TestInstruments_Counters(t *testing.T) {
	ctx := context.Background()
	p, err := Setup(ctx, Config{EnableMetrics: true})
	assert.NoError(t, err, "Setup")
	defer p.Shutdown(ctx)

	inst := p.Instruments()
	inst.Completion(ctx, OutcomeCompleted, "")
	inst.Completion(ctx, OutcomeCompleted, "")
	inst.Completion(ctx, OutcomeCancelled, "Superseded")
	inst.Completion(ctx, OutcomeError, "UpstreamError: status 500")
	inst.CacheLookup(ctx, true)
	inst.CacheLookup(ctx, false)
	inst.CacheLookup(ctx, false)

	totals, err := p.Totals(ctx)
	assert.NoError(t, err, "Totals")
	assert.Equal(t, int64(2), totals["copilotd.completions_total{outcome=completed}"], "completed")
	assert.Equal(t, int64(1), totals["copilotd.completions_total{outcome=cancelled,reason=Superseded}"], "superseded")
	assert.Equal(t, int64(1), totals["copilotd.completions_total{outcome=error,reason=UpstreamError}"], "upstream message dropped")
	assert.Equal(t, int64(1), totals["copilotd.cache.lookups_total{result=hit}"], "hits")
	assert.Equal(t, int64(2), totals["copilotd.cache.lookups_total{result=miss}"], "misses")
}

func TestInstruments_FetchSpanAndPropagation(t *testing.T) {
	ctx := context.Background()
	var spans bytes.Buffer
	p, err := Setup(ctx, Config{EnableTraces: true, PropagateHTTP: true, TraceWriter: &spans})
	assert.NoError(t, err, "Setup")

	inst := p.Instruments()
	h, fetchCtx := inst.StartFetch(ctx, "file:///a.go", 9)
	assert.NotNil(t, h, "handle")

	hdr := http.Header{}
	inst.InjectHTTP(fetchCtx, hdr)
	assert.True(t, hdr.Get("Traceparent") != "", "traceparent header injected")

	inst.FinishFetch(h, 3, "")
	assert.NoError(t, p.Shutdown(ctx), "Shutdown")
	assert.Contains(t, spans.String(), "copilotd.fetch", "span exported")
	assert.Contains(t, spans.String(), "file:///a.go", "span carries the document")
}

func TestReasonClass(t *testing.T) {
	assert.Equal(t, "UpstreamError", reasonClass("UpstreamError: bad json"), "message dropped")
	assert.Equal(t, "Timeout", reasonClass("Timeout"), "plain reason")
}
