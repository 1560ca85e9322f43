package events

import (
	"fmt"
	"strings"
)

// Idempotency keys follow the canonical grammar
// scope:{verb}:{workspace}:{entity_type}:{entity_id}[:{discriminator}].
// The store enforces at-most-once append per (workspace_id, key).

// IdemKey builds a canonical idempotency key from its segments. Empty
// trailing segments are dropped.
func IdemKey(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// ClaimKey keys the lease.claimed event of a fresh claim.
func ClaimKey(workspaceID string, itemType WorkItemType, itemID, leaseID string) string {
	return fmt.Sprintf("claim:%s:%s:%s:%s", workspaceID, itemType, itemID, leaseID)
}

// PreemptKey keys the lease.preempted event of an expired-lease takeover.
func PreemptKey(workspaceID string, itemType WorkItemType, itemID, oldLeaseID, newLeaseID string) string {
	return fmt.Sprintf("preempt:%s:%s:%s:%s:%s", workspaceID, itemType, itemID, oldLeaseID, newLeaseID)
}

// ReleaseKey keys the lease.released event.
func ReleaseKey(workspaceID string, itemType WorkItemType, itemID, leaseID string) string {
	return fmt.Sprintf("release:%s:%s:%s:%s", workspaceID, itemType, itemID, leaseID)
}

// PoisonIncidentKey keys the single poison_message incident per DLQ entry.
func PoisonIncidentKey(workspaceID, messageID string) string {
	return fmt.Sprintf("incident:poison_message:%s:%s", workspaceID, messageID)
}

// PromotionKey keys promotion-loop emissions:
// message:{intent}:[category:]{ws}:{entity_id}.
func PromotionKey(intent, category, workspaceID, entityID string) string {
	if category == "" {
		return fmt.Sprintf("message:%s:%s:%s", intent, workspaceID, entityID)
	}
	return fmt.Sprintf("message:%s:%s:%s:%s", intent, category, workspaceID, entityID)
}

// CronIncidentKey keys the single incident per (cron_job, work_item).
func CronIncidentKey(workspaceID, cronJob, workItemID string) string {
	return fmt.Sprintf("incident:%s:%s:%s", cronJob, workspaceID, workItemID)
}

// FloodIncidentKey keys the single agent_flooding incident per agent.
func FloodIncidentKey(workspaceID, agentID string) string {
	return fmt.Sprintf("incident:agent_flooding:%s:%s", workspaceID, agentID)
}

// DerivedKey namespaces an automation handler's re-entrant append under the
// outbox entry that triggered it, making the drain exactly-once.
func DerivedKey(handler, outboxID string) string {
	return fmt.Sprintf("outbox:%s:%s", handler, outboxID)
}
