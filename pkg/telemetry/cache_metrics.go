package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// CacheMetrics bundles the page cache instruments. A nil *CacheMetrics is a
// valid no-op receiver, so the buffer pool can run uninstrumented.
type CacheMetrics struct {
	meter      metric.Meter
	hits       metric.Int64Counter
	misses     metric.Int64Counter
	evictions  metric.Int64Counter
	writeBacks metric.Int64Counter
	flushes    metric.Int64Counter
}

// NewCacheMetrics registers the page cache instruments on the given meter.
func NewCacheMetrics(meter metric.Meter) (*CacheMetrics, error) {
	m := &CacheMetrics{meter: meter}
	var err error

	if m.hits, err = meter.Int64Counter("pagecache.hits",
		metric.WithDescription("Fetches satisfied from a resident frame")); err != nil {
		return nil, fmt.Errorf("failed to create hits counter: %w", err)
	}
	if m.misses, err = meter.Int64Counter("pagecache.misses",
		metric.WithDescription("Fetches that went to disk")); err != nil {
		return nil, fmt.Errorf("failed to create misses counter: %w", err)
	}
	if m.evictions, err = meter.Int64Counter("pagecache.evictions",
		metric.WithDescription("Pages pushed out of the pool")); err != nil {
		return nil, fmt.Errorf("failed to create evictions counter: %w", err)
	}
	if m.writeBacks, err = meter.Int64Counter("pagecache.write_backs",
		metric.WithDescription("Dirty pages written to disk during eviction")); err != nil {
		return nil, fmt.Errorf("failed to create write_backs counter: %w", err)
	}
	if m.flushes, err = meter.Int64Counter("pagecache.flushes",
		metric.WithDescription("Explicit page flushes")); err != nil {
		return nil, fmt.Errorf("failed to create flushes counter: %w", err)
	}
	return m, nil
}

// RegisterPinnedFrames exposes the current pinned-frame count as an
// observable gauge. The buffer pool calls this once when it is wired up,
// passing a closure over its own frame table.
func (m *CacheMetrics) RegisterPinnedFrames(observe func() int64) error {
	if m == nil {
		return nil
	}
	gauge, err := m.meter.Int64ObservableGauge("pagecache.pinned_frames",
		metric.WithDescription("Frames currently pinned by borrowers"))
	if err != nil {
		return fmt.Errorf("failed to create pinned_frames gauge: %w", err)
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, observe())
		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("failed to register pinned_frames callback: %w", err)
	}
	return nil
}

func (m *CacheMetrics) Hit(ctx context.Context) {
	if m != nil {
		m.hits.Add(ctx, 1)
	}
}

func (m *CacheMetrics) Miss(ctx context.Context) {
	if m != nil {
		m.misses.Add(ctx, 1)
	}
}

func (m *CacheMetrics) Eviction(ctx context.Context) {
	if m != nil {
		m.evictions.Add(ctx, 1)
	}
}

func (m *CacheMetrics) WriteBack(ctx context.Context) {
	if m != nil {
		m.writeBacks.Add(ctx, 1)
	}
}

func (m *CacheMetrics) Flush(ctx context.Context) {
	if m != nil {
		m.flushes.Add(ctx, 1)
	}
}
