package automation

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"time"

	"github.com/loomworks/loom/pkg/store"
)

// Job is one cron-driven scan. Run executes inside a transaction that
// already holds the job's advisory lock; long jobs should re-check the
// fencing token via the heart's CheckToken closure if they loop.
type Job interface {
	Name() string
	Run(ctx context.Context, tx *sql.Tx) error
}

// Heart ticks the registered jobs. Exactly one process runs a given job at
// a time: the advisory lock serializes holders and the fencing token in
// cron_locks detects takeovers mid-tick. A watchdog halts a job after
// consecutive failures; the halt clears on the next recorded success
// (manual recovery runs the job once by hand).
type Heart struct {
	db     *sql.DB
	crons  *store.CronStore
	logger *slog.Logger

	interval    time.Duration
	jitter      time.Duration
	tickTimeout time.Duration
	watchdogMax int
	now         func() time.Time

	jobs []Job
}

// NewHeart builds the scheduler.
func NewHeart(db *sql.DB, crons *store.CronStore, logger *slog.Logger,
	interval, jitter, tickTimeout time.Duration, watchdogMax int) *Heart {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Heart{
		db:          db,
		crons:       crons,
		logger:      logger,
		interval:    interval,
		jitter:      jitter,
		tickTimeout: tickTimeout,
		watchdogMax: watchdogMax,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Register adds a job.
func (h *Heart) Register(jobs ...Job) {
	h.jobs = append(h.jobs, jobs...)
}

// Run ticks until ctx is cancelled. Jitter desynchronizes replicas so lock
// contention stays rare.
func (h *Heart) Run(ctx context.Context) {
	for {
		wait := h.interval
		if h.jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(h.jitter)))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			h.TickAll(ctx)
		}
	}
}

// TickAll runs every registered job once.
func (h *Heart) TickAll(ctx context.Context) {
	for _, job := range h.jobs {
		if err := h.Tick(ctx, job); err != nil {
			h.logger.Error("cron tick failed", "cron", job.Name(), "error", err)
		}
	}
}

// Tick runs one job once, honoring the watchdog and the lock.
func (h *Heart) Tick(ctx context.Context, job Job) error {
	halted, err := h.crons.Halted(ctx, job.Name())
	if err != nil {
		return err
	}
	if halted {
		h.logger.Warn("cron halted by watchdog", "cron", job.Name())
		return nil
	}

	if h.tickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.tickTimeout)
		defer cancel()
	}

	ran := false
	err = store.WithTx(ctx, h.db, func(tx *sql.Tx) error {
		token, ok, err := h.crons.TryLock(ctx, tx, job.Name())
		if err != nil {
			return err
		}
		if !ok {
			// Another replica holds the job this tick.
			return nil
		}
		ran = true
		if err := job.Run(ctx, tx); err != nil {
			return err
		}
		// Re-verify the fence before commit; a takeover mid-tick must not
		// land partial work.
		return h.crons.CheckToken(ctx, tx, job.Name(), token)
	})

	if !ran && err == nil {
		return nil
	}
	if err != nil {
		failures, nowHalted, recErr := h.crons.RecordFailure(ctx, job.Name(), h.watchdogMax, h.now())
		if recErr != nil {
			h.logger.Error("cron failure not recorded", "cron", job.Name(), "error", recErr)
		}
		if nowHalted {
			h.logger.Error("cron watchdog halt", "cron", job.Name(), "consecutive_failures", failures)
		}
		return err
	}
	return h.crons.RecordSuccess(ctx, job.Name(), h.now())
}
