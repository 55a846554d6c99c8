// Package reconcile hosts the background pass that applies scheduled
// permission and ban changes, expires nonces and files, refreshes per-room
// activity counts, and trims old audit history. The pass is idempotent: each
// task observes durable due-state, so a crashed or doubled run converges to
// the same outcome.
package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const defaultInterval = 10 * time.Second

var errMissingTasks = errors.New("reconcile: futures, nonces, and rooms are required")

// FutureApplier applies scheduled permission and ban changes that have come
// due.
type FutureApplier interface {
	ApplyDue(ctx context.Context, now time.Time) (int, error)
}

// NoncePurger drops expired signing nonces.
type NoncePurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// RoomMaintainer covers the room engine's periodic upkeep.
type RoomMaintainer interface {
	RefreshActiveUsers(ctx context.Context, cutoff time.Time) error
	PurgeHistory(ctx context.Context, before time.Time) (int64, error)
}

// FilePurger collects expired uploads.
type FilePurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Config describes reconciler dependencies and cadence.
type Config struct {
	Futures  FutureApplier
	Nonces   NoncePurger
	Rooms    RoomMaintainer
	Files    FilePurger
	Interval time.Duration
	// ActivityCutoff is the rolling window behind the active-user counts.
	ActivityCutoff time.Duration
	// HistoryRetention bounds how long deleted-post audit rows are kept.
	HistoryRetention time.Duration
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Reconciler runs the periodic maintenance pass.
type Reconciler struct {
	futures          FutureApplier
	nonces           NoncePurger
	rooms            RoomMaintainer
	files            FilePurger
	interval         time.Duration
	activityCutoff   time.Duration
	historyRetention time.Duration
	now              func() time.Time
	logger           *zap.Logger
}

// NewReconciler constructs a reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Futures == nil || cfg.Nonces == nil || cfg.Rooms == nil {
		return nil, errMissingTasks
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	activityCutoff := cfg.ActivityCutoff
	if activityCutoff <= 0 {
		activityCutoff = 10 * time.Minute
	}
	historyRetention := cfg.HistoryRetention
	if historyRetention <= 0 {
		historyRetention = 30 * 24 * time.Hour
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		futures:          cfg.Futures,
		nonces:           cfg.Nonces,
		rooms:            cfg.Rooms,
		files:            cfg.Files,
		interval:         interval,
		activityCutoff:   activityCutoff,
		historyRetention: historyRetention,
		now:              clock,
		logger:           logger,
	}, nil
}

// Run executes the pass on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepNow(ctx)
		}
	}
}

// SweepNow executes one maintenance pass. Tasks are isolated: a failing task
// is logged and the rest of the pass still runs.
func (r *Reconciler) SweepNow(ctx context.Context) {
	now := r.now().UTC()

	if _, err := r.futures.ApplyDue(ctx, now); err != nil {
		r.logger.Warn("scheduled change application failed", zap.Error(err))
	}

	if _, err := r.nonces.PurgeExpired(ctx, now); err != nil {
		r.logger.Warn("nonce purge failed", zap.Error(err))
	}

	if err := r.rooms.RefreshActiveUsers(ctx, now.Add(-r.activityCutoff)); err != nil {
		r.logger.Warn("active user refresh failed", zap.Error(err))
	}

	if _, err := r.rooms.PurgeHistory(ctx, now.Add(-r.historyRetention)); err != nil {
		r.logger.Warn("history purge failed", zap.Error(err))
	}

	if r.files != nil {
		if _, err := r.files.PurgeExpired(ctx, now); err != nil {
			r.logger.Warn("file purge failed", zap.Error(err))
		}
	}
}
