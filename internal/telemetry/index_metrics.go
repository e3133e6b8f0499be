package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// IndexMetrics holds the metric instruments of the index access layer.
type IndexMetrics struct {
	OpsStartedCounter          metric.Int64Counter
	OpsHandledCounter          metric.Int64Counter
	OpLatencyHistogram         metric.Int64Histogram
	OpenIteratorsUpDownCounter metric.Int64UpDownCounter
	IteratorStepsCounter       metric.Int64Counter
}

// NewIndexMetrics creates and registers all the metrics of the index layer.
func NewIndexMetrics(meter metric.Meter) (*IndexMetrics, error) {
	opsStartedCounter, err := meter.Int64Counter(
		"xtc.index.ops.started_total",
		metric.WithDescription("Total number of index operations started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opsHandledCounter, err := meter.Int64Counter(
		"xtc.index.ops.handled_total",
		metric.WithDescription("Total number of index operations completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opLatencyHistogram, err := meter.Int64Histogram(
		"xtc.index.ops.duration",
		metric.WithDescription("The latency of index operations."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	openIterators, err := meter.Int64UpDownCounter(
		"xtc.index.iterators.open",
		metric.WithDescription("Number of open index iterators."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	steps, err := meter.Int64Counter(
		"xtc.index.iterators.steps_total",
		metric.WithDescription("Total number of iterator next/previous moves."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &IndexMetrics{
		OpsStartedCounter:          opsStartedCounter,
		OpsHandledCounter:          opsHandledCounter,
		OpLatencyHistogram:         opLatencyHistogram,
		OpenIteratorsUpDownCounter: openIterators,
		IteratorStepsCounter:       steps,
	}, nil
}
