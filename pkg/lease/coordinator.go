// Package lease implements the work-item lease coordinator: a soft,
// renewable exclusive claim per (workspace, work_item_type, work_item_id),
// fenced by a version counter that increments on every heartbeat. A writer
// holding a stale lease_id or version is rejected on its next heartbeat or
// release, so preemption can never race a live holder.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/projection"
	"github.com/loomworks/loom/pkg/store"
)

// DefaultTTL is the lease lifetime granted by claim and extended by each
// heartbeat.
const DefaultTTL = 60 * time.Second

// Claim outcomes.
type Outcome string

const (
	// OutcomeCreated means a fresh lease row was written.
	OutcomeCreated Outcome = "created"
	// OutcomeReplay means the same agent re-claimed its alive lease.
	OutcomeReplay Outcome = "replay"
	// OutcomePreempted means an expired lease was taken over.
	OutcomePreempted Outcome = "preempted"
)

var (
	// ErrAlreadyClaimed rejects a claim against another agent's alive lease.
	ErrAlreadyClaimed = errors.New("work item already claimed by another agent")
	// ErrCorrelationMismatch rejects a re-claim whose correlation differs
	// from the one bound at claim time.
	ErrCorrelationMismatch = errors.New("correlation_id differs from the claimed lease")
	// ErrInvalidWorkItemType rejects types outside the allowed set.
	ErrInvalidWorkItemType = errors.New("invalid work item type")
	// ErrExpiredOrPreempted rejects heartbeat/release for a lease that no
	// longer exists under the presented lease_id.
	ErrExpiredOrPreempted = errors.New("lease expired or preempted")
	// ErrHeartbeatRateLimited rejects heartbeats under the minimum interval.
	ErrHeartbeatRateLimited = errors.New("heartbeat below minimum interval")
)

// VersionMismatchError carries the current fencing state back to the caller
// so it can decide between catching up and abandoning the work item.
type VersionMismatchError struct {
	LeaseID        string
	CurrentVersion int64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("lease version mismatch: %s is at version %d", e.LeaseID, e.CurrentVersion)
}

// Coordinator runs the lease state machine. All transitions happen inside a
// single transaction with the events they emit.
type Coordinator struct {
	db     *sql.DB
	leases *store.LeaseStore
	log    *store.EventStore
	proj   *projection.Engine
	logger *slog.Logger

	ttl            time.Duration
	heartbeatFloor time.Duration
	now            func() time.Time
}

// New builds a coordinator. heartbeatFloor is the minimum interval between
// accepted heartbeats per lease.
func New(db *sql.DB, leases *store.LeaseStore, log *store.EventStore, proj *projection.Engine, logger *slog.Logger, heartbeatFloor time.Duration) *Coordinator {
	return &Coordinator{
		db:             db,
		leases:         leases,
		log:            log,
		proj:           proj,
		logger:         logger,
		ttl:            DefaultTTL,
		heartbeatFloor: heartbeatFloor,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// ClaimResult reports a claim transition.
type ClaimResult struct {
	Lease   *store.LeaseRow
	Outcome Outcome
}

// Claim acquires or re-acquires the lease on a work item.
func (c *Coordinator) Claim(ctx context.Context, workspaceID string, itemType events.WorkItemType, itemID, agentID, correlationID string) (*ClaimResult, error) {
	if !events.ValidWorkItemType(itemType) {
		return nil, ErrInvalidWorkItemType
	}
	var result *ClaimResult
	err := store.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		var err error
		result, err = c.claimTx(ctx, tx, workspaceID, itemType, itemID, agentID, correlationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Coordinator) claimTx(ctx context.Context, tx *sql.Tx, workspaceID string, itemType events.WorkItemType, itemID, agentID, correlationID string) (*ClaimResult, error) {
	now := c.now()
	cur, err := c.leases.LockByKey(ctx, tx, workspaceID, itemType, itemID)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}

	if cur == nil {
		fresh := c.newRow(workspaceID, itemType, itemID, agentID, correlationID, now)
		if err := c.leases.Insert(ctx, tx, fresh); err != nil {
			return nil, err
		}
		if err := c.emitClaimed(ctx, tx, fresh, "", events.ClaimKey(workspaceID, itemType, itemID, fresh.LeaseID)); err != nil {
			return nil, err
		}
		return &ClaimResult{Lease: fresh, Outcome: OutcomeCreated}, nil
	}

	if cur.Alive(now) {
		if cur.AgentID != agentID {
			return nil, ErrAlreadyClaimed
		}
		if cur.CorrelationID != correlationID {
			return nil, ErrCorrelationMismatch
		}
		// Same agent, same flow: hand the alive lease back without a new
		// event.
		return &ClaimResult{Lease: cur, Outcome: OutcomeReplay}, nil
	}

	// Expired row: preempt in place. The preempted event is appended first
	// so its stream_seq is strictly below the claimed event's.
	fresh := c.newRow(workspaceID, itemType, itemID, agentID, correlationID, now)
	preemptKey := events.PreemptKey(workspaceID, itemType, itemID, cur.LeaseID, fresh.LeaseID)
	if err := c.emit(ctx, tx, workspaceID, events.TypeLeasePreempted, itemType, itemID, correlationID, preemptKey, events.LeaseData{
		LeaseID:    fresh.LeaseID,
		OldLeaseID: cur.LeaseID,
		AgentID:    agentID,
		WorkItem:   string(itemType),
		ExpiresAt:  fresh.ExpiresAt.Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}
	if err := c.leases.Replace(ctx, tx, fresh); err != nil {
		return nil, err
	}
	if err := c.emitClaimed(ctx, tx, fresh, cur.LeaseID, events.ClaimKey(workspaceID, itemType, itemID, fresh.LeaseID)); err != nil {
		return nil, err
	}
	c.logger.Info("lease preempted",
		"workspace_id", workspaceID, "work_item_type", itemType, "work_item_id", itemID,
		"old_lease_id", cur.LeaseID, "new_lease_id", fresh.LeaseID)
	return &ClaimResult{Lease: fresh, Outcome: OutcomePreempted}, nil
}

func (c *Coordinator) newRow(workspaceID string, itemType events.WorkItemType, itemID, agentID, correlationID string, now time.Time) *store.LeaseRow {
	return &store.LeaseRow{
		WorkspaceID:     workspaceID,
		WorkItemType:    itemType,
		WorkItemID:      itemID,
		LeaseID:         "lease_" + uuid.NewString(),
		AgentID:         agentID,
		CorrelationID:   correlationID,
		ClaimedAt:       now,
		LastHeartbeatAt: now,
		ExpiresAt:       now.Add(c.ttl),
		Version:         1,
	}
}

func (c *Coordinator) emitClaimed(ctx context.Context, tx *sql.Tx, r *store.LeaseRow, oldLeaseID, key string) error {
	return c.emit(ctx, tx, r.WorkspaceID, events.TypeLeaseClaimed, r.WorkItemType, r.WorkItemID, r.CorrelationID, key, events.LeaseData{
		LeaseID:    r.LeaseID,
		OldLeaseID: oldLeaseID,
		AgentID:    r.AgentID,
		WorkItem:   string(r.WorkItemType),
		ExpiresAt:  r.ExpiresAt.Format(time.RFC3339),
	})
}

// emit appends a lease event to the workspace stream and applies its
// projections in the same transaction.
func (c *Coordinator) emit(ctx context.Context, tx *sql.Tx, workspaceID, eventType string, itemType events.WorkItemType, itemID, correlationID, idemKey string, data events.LeaseData) error {
	results, err := c.log.Append(ctx, tx, workspaceID, &events.Draft{
		EventType:      eventType,
		WorkspaceID:    workspaceID,
		Actor:          events.Actor{Type: events.ActorAgent, ID: data.AgentID},
		Stream:         events.Stream{Type: events.StreamWorkspace, ID: workspaceID},
		CorrelationID:  correlationID,
		IdempotencyKey: idemKey,
		EntityType:     string(itemType),
		EntityID:       itemID,
		Data:           data,
	})
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Replayed {
			continue
		}
		if err := c.proj.Apply(ctx, tx, r.Event); err != nil {
			return err
		}
	}
	return nil
}

// HeartbeatResult reports the extended lease.
type HeartbeatResult struct {
	LeaseID   string
	Version   int64
	ExpiresAt time.Time
}

// Heartbeat extends the lease by one TTL, fenced on (lease_id, version). No
// event is emitted; heartbeats at scale would flood the log.
func (c *Coordinator) Heartbeat(ctx context.Context, workspaceID, leaseID string, version int64) (*HeartbeatResult, error) {
	var result *HeartbeatResult
	err := store.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		now := c.now()
		cur, err := c.leases.LockByLeaseID(ctx, tx, workspaceID, leaseID)
		if err == store.ErrNotFound {
			return ErrExpiredOrPreempted
		}
		if err != nil {
			return err
		}
		if cur.Version != version {
			return &VersionMismatchError{LeaseID: cur.LeaseID, CurrentVersion: cur.Version}
		}
		if c.heartbeatFloor > 0 && now.Sub(cur.LastHeartbeatAt) < c.heartbeatFloor {
			return ErrHeartbeatRateLimited
		}
		newVersion, err := c.leases.Heartbeat(ctx, tx, cur, now, now.Add(c.ttl))
		if err == store.ErrNotFound {
			// Version raced between the lock and the fenced update.
			return &VersionMismatchError{LeaseID: cur.LeaseID, CurrentVersion: cur.Version}
		}
		if err != nil {
			return err
		}
		result = &HeartbeatResult{LeaseID: cur.LeaseID, Version: newVersion, ExpiresAt: now.Add(c.ttl)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReleaseResult reports a release attempt. Stale means the presented
// lease_id no longer owns the work item; that is a successful no-op, not an
// error, so crashed holders can always fire-and-forget a release.
type ReleaseResult struct {
	Released bool
	Stale    bool
}

// Release drops the lease if leaseID is still the alive holder.
func (c *Coordinator) Release(ctx context.Context, workspaceID, leaseID string) (*ReleaseResult, error) {
	var result *ReleaseResult
	err := store.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		cur, err := c.leases.LockByLeaseID(ctx, tx, workspaceID, leaseID)
		if err == store.ErrNotFound {
			result = &ReleaseResult{Released: false, Stale: true}
			return nil
		}
		if err != nil {
			return err
		}
		if !cur.Alive(c.now()) {
			result = &ReleaseResult{Released: false, Stale: true}
			return nil
		}
		if err := c.releaseTx(ctx, tx, cur); err != nil {
			return err
		}
		result = &ReleaseResult{Released: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AutoRelease drops any lease on the work item inside the caller's
// transaction. Terminal-intent writes call it so a resolved item never
// leaves a dangling lease behind.
func (c *Coordinator) AutoRelease(ctx context.Context, tx *sql.Tx, workspaceID string, itemType events.WorkItemType, itemID string) error {
	cur, err := c.leases.LockByKey(ctx, tx, workspaceID, itemType, itemID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return c.releaseTx(ctx, tx, cur)
}

func (c *Coordinator) releaseTx(ctx context.Context, tx *sql.Tx, cur *store.LeaseRow) error {
	if err := c.leases.Delete(ctx, tx, cur.WorkspaceID, cur.WorkItemType, cur.WorkItemID); err != nil {
		return err
	}
	key := events.ReleaseKey(cur.WorkspaceID, cur.WorkItemType, cur.WorkItemID, cur.LeaseID)
	return c.emit(ctx, tx, cur.WorkspaceID, events.TypeLeaseReleased, cur.WorkItemType, cur.WorkItemID, cur.CorrelationID, key, events.LeaseData{
		LeaseID:  cur.LeaseID,
		AgentID:  cur.AgentID,
		WorkItem: string(cur.WorkItemType),
	})
}
