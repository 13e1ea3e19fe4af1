package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"copilotd/logger"
)

const instrumentationName = "copilotd/pipeline"

// Config controls which telemetry signals are produced
type Config struct {
	ServiceName   string
	EnableMetrics bool
	EnableTraces  bool
	PropagateHTTP bool
	// TraceWriter receives finished spans; defaults to the log file
	TraceWriter io.Writer
}

// Provider owns the meter and tracer providers and the pipeline instruments.
// A nil *Provider is valid and records nothing.
type Provider struct {
	cfg            Config
	reader         *sdkmetric.ManualReader
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider

	instruments  *Instruments
	shutdownOnce sync.Once
}

// Setup builds the providers the config asks for and installs them globally
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = "copilotd"
	}
	p := &Provider{cfg: cfg}
	if !cfg.EnableMetrics && !cfg.EnableTraces {
		p.instruments = &Instruments{}
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	if cfg.EnableMetrics {
		p.reader = sdkmetric.NewManualReader()
		p.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(p.reader),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(p.meterProvider)
	}

	if cfg.EnableTraces {
		w := cfg.TraceWriter
		if w == nil {
			w = logWriter{}
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("init trace exporter: %w", err)
		}
		p.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSyncer(exp),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(p.tracerProvider)
		if cfg.PropagateHTTP {
			otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			))
		}
	}

	p.instruments = newInstruments(p)
	return p, nil
}

// Instruments returns the pipeline instruments
func (p *Provider) Instruments() *Instruments {
	if p == nil {
		return nil
	}
	return p.instruments
}

// Totals collects the current value of every counter, keyed by
// "<metric>{<attr>=<value>,...}" for logging
func (p *Provider) Totals(ctx context.Context) (map[string]int64, error) {
	totals := make(map[string]int64)
	if p == nil || p.reader == nil {
		return totals, nil
	}

	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[seriesName(m.Name, dp.Attributes)] += dp.Value
			}
		}
	}
	return totals, nil
}

func seriesName(name string, set attribute.Set) string {
	if set.Len() == 0 {
		return name
	}
	parts := make([]string, 0, set.Len())
	for _, kv := range set.ToSlice() {
		parts = append(parts, string(kv.Key)+"="+kv.Value.Emit())
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}

// Shutdown flushes and stops the configured providers
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var err error
	p.shutdownOnce.Do(func() {
		var errs []error
		if p.meterProvider != nil {
			if shutdownErr := p.meterProvider.Shutdown(ctx); shutdownErr != nil {
				errs = append(errs, shutdownErr)
			}
		}
		if p.tracerProvider != nil {
			if shutdownErr := p.tracerProvider.Shutdown(ctx); shutdownErr != nil {
				errs = append(errs, shutdownErr)
			}
		}
		if len(errs) > 0 {
			err = errors.Join(errs...)
		}
	})
	return err
}

func (p *Provider) meter() metric.Meter {
	return p.meterProvider.Meter(instrumentationName)
}

func (p *Provider) tracer() trace.Tracer {
	return p.tracerProvider.Tracer(instrumentationName)
}

// logWriter forwards exported spans to the debug log
type logWriter struct{}

func (logWriter) Write(b []byte) (int, error) {
	logger.Debug("trace: %s", strings.TrimSpace(string(b)))
	return len(b), nil
}
