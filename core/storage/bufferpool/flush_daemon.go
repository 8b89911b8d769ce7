package bufferpool

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chronolog-db/chronolog/pkg/logger"
)

// FlushDaemon periodically writes dirty pages back to disk in the
// background so that an explicit FlushAllPages at shutdown has less to do.
// Write-back bandwidth is capped by a rate limiter to keep the daemon from
// starving foreground I/O. It changes no cache semantics: a flushed page
// simply has its dirty flag cleared, exactly as FlushPage does.
type FlushDaemon struct {
	bpm      *BufferPoolManager
	interval time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewFlushDaemon creates a daemon that wakes every interval and flushes
// dirty pages at no more than pagesPerSecond.
func NewFlushDaemon(bpm *BufferPoolManager, interval time.Duration, pagesPerSecond float64, lg *zap.Logger) *FlushDaemon {
	if pagesPerSecond <= 0 {
		pagesPerSecond = float64(rate.Inf)
	}
	return &FlushDaemon{
		bpm:      bpm,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(pagesPerSecond), 1),
		logger:   logger.Component(lg, logger.ComponentFlushDaemon),
	}
}

// Start launches the background loop. It returns immediately.
func (fd *FlushDaemon) Start(ctx context.Context) {
	ctx, fd.cancel = context.WithCancel(ctx)
	fd.done = make(chan struct{})

	go func() {
		defer close(fd.done)
		ticker := time.NewTicker(fd.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fd.sweep(ctx)
			}
		}
	}()
	fd.logger.Info("flush daemon started", zap.Duration("interval", fd.interval))
}

// Stop cancels the loop and waits for the in-flight sweep to finish.
func (fd *FlushDaemon) Stop() {
	if fd.cancel == nil {
		return
	}
	fd.cancel()
	<-fd.done
	fd.logger.Info("flush daemon stopped")
}

// sweep flushes every page that was dirty at the start of the pass. Pages
// dirtied mid-sweep wait for the next tick.
func (fd *FlushDaemon) sweep(ctx context.Context) {
	dirty := fd.bpm.DirtyPageIDs()
	if len(dirty) == 0 {
		return
	}

	flushed := 0
	for _, pageID := range dirty {
		if err := fd.limiter.Wait(ctx); err != nil {
			return
		}
		ok, err := fd.bpm.FlushPage(pageID)
		if err != nil {
			fd.logger.Error("background flush failed",
				zap.Int32("page_id", int32(pageID)),
				zap.Error(err),
			)
			continue
		}
		// The page may have been evicted or deleted since the snapshot.
		if ok {
			flushed++
		}
	}
	fd.logger.Debug("flush sweep complete",
		zap.Int("dirty", len(dirty)),
		zap.Int("flushed", flushed),
	)
}
