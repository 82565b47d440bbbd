package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rallye-app/rallye/backend/internal/catalog"
	"github.com/rallye-app/rallye/backend/internal/ephemeral"
	"github.com/rallye-app/rallye/backend/internal/room"
	"go.uber.org/zap"
)

const defaultInterval = time.Hour

// ErrItemNotEnded indicates a manual trigger against an item whose lifecycle
// is still running.
var ErrItemNotEnded = errors.New("cleanup: item has not ended")

// CatalogSource lists catalog items whose lifecycle has ended.
type CatalogSource interface {
	EndedActiveItems(ctx context.Context, kind room.Kind, now time.Time) ([]catalog.Item, error)
	GetItem(ctx context.Context, kind room.Kind, id string) (catalog.Item, error)
}

// LiveCleaner soft-deletes a live room's messages.
type LiveCleaner interface {
	CleanupRoom(ctx context.Context, ref room.Ref, reason string) (int64, error)
}

// SchedulerConfig describes the cleanup dependencies.
type SchedulerConfig struct {
	Catalog  CatalogSource
	Live     LiveCleaner
	Clock    func() time.Time
	Interval time.Duration
	Logger   *zap.Logger
}

// Scheduler soft-deletes live-room chat for activities and treasure hunts
// whose end date has passed. One run at a time: the scheduled tick and the
// manual trigger share a single in-progress flag, and a competing trigger
// returns immediately without queueing. The durable Discussion store is
// never touched; history survives activity end by design.
type Scheduler struct {
	catalog  CatalogSource
	live     LiveCleaner
	clock    func() time.Time
	interval time.Duration
	logger   *zap.Logger
	running  atomic.Bool
}

// Report summarizes one cleanup run.
type Report struct {
	ItemsProcessed  int
	MessagesCleaned int64
	ItemErrors      int
}

// NewScheduler constructs the cleanup scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("cleanup: catalog dependency is required")
	}
	if cfg.Live == nil {
		return nil, fmt.Errorf("cleanup: live store dependency is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		catalog:  cfg.Catalog,
		live:     cfg.Live,
		clock:    clock,
		interval: interval,
		logger:   logger,
	}, nil
}

// Run executes the scheduled loop until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("cleanup scheduler started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cleanup scheduler stopped")
			return
		case <-ticker.C:
			if report, ran := s.RunOnce(ctx); ran {
				s.logger.Info("cleanup run finished",
					zap.Int("items", report.ItemsProcessed),
					zap.Int64("messages", report.MessagesCleaned),
					zap.Int("item_errors", report.ItemErrors))
			}
		}
	}
}

// RunOnce performs one full sweep over ended activities and treasure hunts.
// ran is false when another run holds the flag; the trigger is dropped, not
// queued. A failing item never aborts the rest of the sweep.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, bool) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, false
	}
	defer s.running.Store(false)

	var report Report
	now := s.clock().UTC()
	for _, kind := range []room.Kind{room.KindActivity, room.KindTreasureHunt} {
		items, err := s.catalog.EndedActiveItems(ctx, kind, now)
		if err != nil {
			s.logger.Error("cleanup scan failed", zap.String("kind", string(kind)), zap.Error(err))
			report.ItemErrors++
			continue
		}
		for _, item := range items {
			cleaned, err := s.cleanItem(ctx, item)
			report.ItemsProcessed++
			if err != nil {
				report.ItemErrors++
				s.logger.Error("cleanup item failed",
					zap.String("kind", string(item.Kind)),
					zap.String("item_id", item.ID),
					zap.Error(err))
				continue
			}
			report.MessagesCleaned += cleaned
		}
	}
	return report, true
}

// CleanupItem is the manual per-item trigger. It shares the single
// in-progress flag with the scheduled run: ran is false while any run is
// active, and the caller receives no error for the dropped trigger. The
// item must satisfy the same precondition the scheduled sweep scans for;
// an ongoing room's chat stays readable until its end date has passed.
func (s *Scheduler) CleanupItem(ctx context.Context, kind room.Kind, itemID string) (cleaned int64, ran bool, err error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, false, nil
	}
	defer s.running.Store(false)

	item, err := s.catalog.GetItem(ctx, kind, itemID)
	if err != nil {
		return 0, true, err
	}
	if !item.Active || item.EndDate == nil || !item.EndDate.Before(s.clock().UTC()) {
		return 0, true, fmt.Errorf("%w: %s %q", ErrItemNotEnded, string(item.Kind), item.ID)
	}
	cleaned, err = s.cleanItem(ctx, item)
	return cleaned, true, err
}

func (s *Scheduler) cleanItem(ctx context.Context, item catalog.Item) (int64, error) {
	var ref room.Ref
	var err error
	reason := ephemeral.DeletionReasonActivityEnded
	switch item.Kind {
	case room.KindTreasureHunt:
		ref, err = room.TreasureHuntRoom(item.ID)
		reason = ephemeral.DeletionReasonTreasureHuntEnded
	default:
		ref, err = room.ActivityRoom(item.ID)
	}
	if err != nil {
		return 0, err
	}
	return s.live.CleanupRoom(ctx, ref, reason)
}
