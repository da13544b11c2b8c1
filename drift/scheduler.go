package drift

import (
	"context"
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"docquery_back/cache"
)

// DefaultScanInterval is how often the scheduler wakes up.
const DefaultScanInterval = time.Hour

const schedulerLockKey = "drift:scan:lock"

// Scheduler periodically runs a drift scan followed by a queue-draining
// pass. A Redis lock keeps overlapping runs from executing concurrently
// when several instances are deployed.
type Scheduler struct {
	detector  *Detector
	reindexer *Reindexer
	interval  time.Duration
	batchSize int
}

// NewScheduler builds the periodic runner. Interval comes from
// DRIFT_SCAN_INTERVAL_MINUTES and batch size from DRIFT_BATCH_SIZE.
func NewScheduler(detector *Detector, reindexer *Reindexer) (*Scheduler, error) {
	if detector == nil || reindexer == nil {
		return nil, errors.New("drift: detector and reindexer are required")
	}

	interval := DefaultScanInterval
	if raw := strings.TrimSpace(os.Getenv("DRIFT_SCAN_INTERVAL_MINUTES")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			interval = time.Duration(parsed) * time.Minute
		}
	}
	batchSize := 10
	if raw := strings.TrimSpace(os.Getenv("DRIFT_BATCH_SIZE")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			batchSize = parsed
		}
	}

	return &Scheduler{detector: detector, reindexer: reindexer, interval: interval, batchSize: batchSize}, nil
}

// Run blocks until the context is cancelled, executing one scan-and-drain
// cycle per interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("drift: scheduler started (interval %s, batch %d)", s.interval, s.batchSize)
	for {
		select {
		case <-ctx.Done():
			log.Printf("drift: scheduler stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	client, err := cache.GetRedisClient()
	if err != nil {
		log.Printf("drift: redis unavailable, running cycle without lock: %v", err)
		client = nil
	}
	lock := cache.NewLock(client, schedulerLockKey, s.interval)

	acquired, err := lock.TryAcquire(ctx)
	if err != nil {
		log.Printf("drift: acquire scan lock failed: %v", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			log.Printf("drift: release scan lock failed: %v", err)
		}
	}()

	enqueued, err := s.detector.Scan(ctx)
	if err != nil {
		log.Printf("drift: scan failed: %v", err)
	} else if enqueued > 0 {
		log.Printf("drift: scan enqueued %d documents", enqueued)
	}

	report, err := s.reindexer.Run(ctx, s.batchSize, false)
	if err != nil {
		log.Printf("drift: drain failed: %v", err)
		return
	}
	if report.Processed > 0 {
		log.Printf("drift: drained queue (%d processed, %d succeeded, %d failed)",
			report.Processed, report.Succeeded, report.Failed)
	}
}
