package engine

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// engineMetrics holds the OpenTelemetry instruments the engine reports on.
// Gauges observe live state through callbacks; counters are driven from the
// operation paths.
type engineMetrics struct {
	inserts     metric.Int64Counter
	deletes     metric.Int64Counter
	commits     metric.Int64Counter
	rollbacks   metric.Int64Counter
	checkpoints metric.Int64Counter

	registration metric.Registration
}

func newEngineMetrics(meter metric.Meter, e *Engine) (*engineMetrics, error) {
	m := &engineMetrics{}

	var err error
	if m.inserts, err = meter.Int64Counter("litedb.documents.inserted"); err != nil {
		return nil, err
	}
	if m.deletes, err = meter.Int64Counter("litedb.documents.deleted"); err != nil {
		return nil, err
	}
	if m.commits, err = meter.Int64Counter("litedb.transactions.committed"); err != nil {
		return nil, err
	}
	if m.rollbacks, err = meter.Int64Counter("litedb.transactions.rolledback"); err != nil {
		return nil, err
	}
	if m.checkpoints, err = meter.Int64Counter("litedb.checkpoints"); err != nil {
		return nil, err
	}

	cacheHits, err := meter.Int64ObservableGauge("litedb.cache.hits")
	if err != nil {
		return nil, err
	}
	cacheMisses, err := meter.Int64ObservableGauge("litedb.cache.misses")
	if err != nil {
		return nil, err
	}
	cacheEvictions, err := meter.Int64ObservableGauge("litedb.cache.evictions")
	if err != nil {
		return nil, err
	}
	walLength, err := meter.Int64ObservableGauge("litedb.wal.length_bytes")
	if err != nil {
		return nil, err
	}

	m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := e.cache.Stats()
		o.ObserveInt64(cacheHits, stats.Hits)
		o.ObserveInt64(cacheMisses, stats.Misses)
		o.ObserveInt64(cacheEvictions, stats.Evictions)
		o.ObserveInt64(walLength, e.disk.LogLength())
		return nil
	}, cacheHits, cacheMisses, cacheEvictions, walLength)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *engineMetrics) unregister() {
	if m != nil && m.registration != nil {
		_ = m.registration.Unregister()
	}
}
