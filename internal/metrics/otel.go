package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "clinicalai/internal/metrics"

// OpenTelemetry mirrors of the completion and extraction counters. They
// report through the global MeterProvider, a no-op unless the process
// installs one.
type otelInstruments struct {
	completions        metric.Int64Counter
	completionDuration metric.Float64Histogram
	extractions        metric.Int64Counter
	droppedFields      metric.Int64Counter
}

var (
	otelMu   sync.Mutex
	otelInst *otelInstruments
)

func instruments() *otelInstruments {
	otelMu.Lock()
	defer otelMu.Unlock()
	if otelInst == nil {
		otelInst = newInstruments(otel.GetMeterProvider())
	}
	return otelInst
}

// useMeterProvider rebuilds the instruments against mp. nil falls back to
// the global provider on next use.
func useMeterProvider(mp metric.MeterProvider) {
	otelMu.Lock()
	defer otelMu.Unlock()
	if mp == nil {
		otelInst = nil
		return
	}
	otelInst = newInstruments(mp)
}

// newInstruments returns nil when any instrument cannot be created; the
// text counters keep working regardless.
func newInstruments(mp metric.MeterProvider) *otelInstruments {
	meter := mp.Meter(meterName)

	completions, err := meter.Int64Counter(
		"clinicalai.llm.completions",
		metric.WithDescription("Completion service calls by model and outcome"),
	)
	if err != nil {
		return nil
	}
	completionDuration, err := meter.Float64Histogram(
		"clinicalai.llm.completion.duration",
		metric.WithDescription("Completion service call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil
	}
	extractions, err := meter.Int64Counter(
		"clinicalai.extractions",
		metric.WithDescription("Extraction operations by final outcome"),
	)
	if err != nil {
		return nil
	}
	droppedFields, err := meter.Int64Counter(
		"clinicalai.extractions.dropped_fields",
		metric.WithDescription("Model values removed by schema validation"),
	)
	if err != nil {
		return nil
	}

	return &otelInstruments{
		completions:        completions,
		completionDuration: completionDuration,
		extractions:        extractions,
		droppedFields:      droppedFields,
	}
}

func otelCompletion(model, outcome string, latencyMs int64) {
	inst := instruments()
	if inst == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("llm.model", model),
		attribute.String("outcome", outcome),
	)
	inst.completions.Add(ctx, 1, attrs)
	inst.completionDuration.Record(ctx, float64(latencyMs), attrs)
}

func otelExtraction(operation, outcome string) {
	inst := instruments()
	if inst == nil {
		return
	}
	inst.extractions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

func otelDroppedFields(operation string, n int) {
	inst := instruments()
	if inst == nil {
		return
	}
	inst.droppedFields.Add(context.Background(), int64(n), metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
