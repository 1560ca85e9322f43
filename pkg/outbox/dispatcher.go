// Package outbox drains the transactional work queue the event store writes
// alongside events. Workers claim rows with SKIP LOCKED, run the bound
// automation handler, and delete the row on success. Handler failures never
// touch the producing request; they accumulate in the DLQ and poison
// entries are promoted to incidents after three strikes.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/projection"
	"github.com/loomworks/loom/pkg/store"
)

// MaxAttempts is the strike count before an entry is promoted to a
// poison_message incident and dropped from the queue.
const MaxAttempts = 3

// HandlerFunc processes one claimed entry inside the drain transaction. It
// re-enters the append path with events.DerivedKey(handler, entry.ID) so
// retries stay exactly-once.
type HandlerFunc func(ctx context.Context, tx *sql.Tx, entry *store.OutboxEntry, ev *events.Event) error

// Dispatcher runs the drain loop.
type Dispatcher struct {
	db      *sql.DB
	outbox  *store.OutboxStore
	dlq     *store.DLQStore
	log     *store.EventStore
	proj    *projection.Engine
	logger  *slog.Logger
	now     func() time.Time
	tick    time.Duration
	workers int
	batch   int

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewDispatcher builds a dispatcher with the given parallelism and claim
// batch size.
func NewDispatcher(db *sql.DB, outbox *store.OutboxStore, dlq *store.DLQStore,
	log *store.EventStore, proj *projection.Engine, logger *slog.Logger,
	workers, batch int, tick time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	if batch <= 0 {
		batch = 10
	}
	if tick <= 0 {
		tick = time.Second
	}
	return &Dispatcher{
		db:       db,
		outbox:   outbox,
		dlq:      dlq,
		log:      log,
		proj:     proj,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		tick:     tick,
		workers:  workers,
		batch:    batch,
		handlers: map[string]HandlerFunc{},
	}
}

// Register binds a handler name to its function. Outbox rows are written
// under these names by the event store's bindings.
func (d *Dispatcher) Register(name string, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = fn
}

// Run drains until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			ticker := time.NewTicker(d.tick)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n, err := d.DrainOnce(ctx); err != nil {
						d.logger.Error("outbox drain failed", "worker", worker, "error", err)
					} else if n > 0 {
						d.logger.Debug("outbox drained", "worker", worker, "entries", n)
					}
				}
			}
		}(i)
	}
	wg.Wait()
}

// DrainOnce claims and processes one batch, returning how many entries it
// handled. Handler failures are contained per entry; only infrastructure
// errors surface.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	var handled int
	err := store.WithTx(ctx, d.db, func(tx *sql.Tx) error {
		handled = 0
		entries, err := d.outbox.Claim(ctx, tx, d.batch)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := d.process(ctx, tx, entry); err != nil {
				return err
			}
			handled++
		}
		return nil
	})
	return handled, err
}

func (d *Dispatcher) process(ctx context.Context, tx *sql.Tx, entry *store.OutboxEntry) error {
	d.mu.RLock()
	fn, ok := d.handlers[entry.Handler]
	d.mu.RUnlock()
	if !ok {
		// Unroutable entries would loop forever; treat as a handler failure.
		return d.fail(ctx, tx, entry, fmt.Errorf("no handler registered for %q", entry.Handler))
	}

	ev, err := d.log.GetByID(ctx, entry.WorkspaceID, entry.EventID)
	if err != nil {
		return d.fail(ctx, tx, entry, fmt.Errorf("load event %s: %w", entry.EventID, err))
	}

	if err := fn(ctx, tx, entry, ev); err != nil {
		return d.fail(ctx, tx, entry, err)
	}
	return d.outbox.Delete(ctx, tx, entry.ID)
}

// fail records the strike and, on the third, promotes the entry to a
// poison_message incident and drops it.
func (d *Dispatcher) fail(ctx context.Context, tx *sql.Tx, entry *store.OutboxEntry, cause error) error {
	d.logger.Warn("outbox handler failed",
		"handler", entry.Handler, "event_id", entry.EventID, "attempts", entry.Attempts+1, "error", cause)

	attempts, err := d.outbox.Fail(ctx, tx, entry.ID)
	if err != nil {
		return err
	}
	count, err := d.dlq.RecordFailure(ctx, tx, entry.WorkspaceID, entry.EventID, cause.Error(), d.now())
	if err != nil {
		return err
	}
	if attempts < MaxAttempts && count < MaxAttempts {
		return nil
	}

	if err := d.openPoisonIncident(ctx, tx, entry, cause); err != nil {
		return err
	}
	return d.outbox.Delete(ctx, tx, entry.ID)
}

func (d *Dispatcher) openPoisonIncident(ctx context.Context, tx *sql.Tx, entry *store.OutboxEntry, cause error) error {
	incidentID := "inc_poison_" + entry.EventID
	results, err := d.log.Append(ctx, tx, entry.WorkspaceID, &events.Draft{
		EventType:      events.TypeIncidentOpened,
		WorkspaceID:    entry.WorkspaceID,
		Actor:          events.Actor{Type: events.ActorSystem, ID: "outbox"},
		Stream:         events.Stream{Type: events.StreamIncident, ID: incidentID},
		IdempotencyKey: events.PoisonIncidentKey(entry.WorkspaceID, entry.EventID),
		EntityType:     "incident",
		EntityID:       incidentID,
		Data: events.IncidentData{
			Category: "poison_message",
			Severity: "high",
			Title:    fmt.Sprintf("handler %s poisoned on event %s: %v", entry.Handler, entry.EventID, cause),
		},
	})
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Replayed {
			continue
		}
		if err := d.proj.Apply(ctx, tx, r.Event); err != nil {
			return err
		}
	}
	return nil
}
