package events

// Event type constants. The string values are the wire contract: they are
// persisted, replayed, and bound to projection and automation handlers by
// exact match.
const (
	TypeRoomCreated    = "room.created"
	TypeThreadCreated  = "thread.created"
	TypeMessageCreated = "message.created"

	TypeRunCreated   = "run.created"
	TypeRunStarted   = "run.started"
	TypeRunSucceeded = "run.succeeded"
	TypeRunFailed    = "run.failed"
	TypeRunStep      = "run.step.recorded"
	TypeToolCalled   = "run.tool.called"

	TypeLeaseClaimed   = "lease.claimed"
	TypeLeasePreempted = "lease.preempted"
	TypeLeaseReleased  = "lease.released"

	TypeApprovalRequested = "approval.requested"
	TypeApprovalDecided   = "approval.decided"

	TypeIncidentOpened   = "incident.opened"
	TypeIncidentRCA      = "incident.rca.recorded"
	TypeIncidentLearning = "incident.learning.recorded"
	TypeIncidentClosed   = "incident.closed"

	TypeExperimentCreated = "experiment.created"
	TypeExperimentClosed  = "experiment.closed"

	TypeScorecardRecorded = "scorecard.recorded"
	TypeEvidenceAttached  = "evidence.attached"

	TypeAgentRegistered       = "agent.registered"
	TypeAgentStateChanged     = "agent.state.changed"
	TypeAgentQuarantined      = "agent.quarantined"
	TypeAgentQuarantineLifted = "agent.quarantine.lifted"

	TypePolicyAllowed         = "policy.allowed"
	TypePolicyDenied          = "policy.denied"
	TypePolicyRequireApproval = "policy.require_approval"
	TypeEgressBlocked         = "egress.blocked"

	TypeDataAccessDenied      = "data.access.denied"
	TypeDataAccessJustified   = "data.access.justified"
	TypeDataAccessUnjustified = "data.access.unjustified"
	TypeDataPurposeMismatch   = "data.access.purpose_hint_mismatch"

	TypeMistakeRepeated   = "mistake.repeated"
	TypeConstraintLearned = "constraint.learned"

	TypeCapabilityGranted = "capability.granted"
	TypeCapabilityRevoked = "capability.revoked"
)

// WorkItemType enumerates the objects the lease coordinator may fence.
// "run" is deliberately absent: runs have their own claim mechanism and the
// database CHECK rejects it.
type WorkItemType string

const (
	WorkItemApproval   WorkItemType = "approval"
	WorkItemExperiment WorkItemType = "experiment"
	WorkItemIncident   WorkItemType = "incident"
	WorkItemMessage    WorkItemType = "message"
	WorkItemArtifact   WorkItemType = "artifact"
)

var workItemTypes = map[WorkItemType]bool{
	WorkItemApproval:   true,
	WorkItemExperiment: true,
	WorkItemIncident:   true,
	WorkItemMessage:    true,
	WorkItemArtifact:   true,
}

// ValidWorkItemType reports whether t may carry a lease.
func ValidWorkItemType(t WorkItemType) bool { return workItemTypes[t] }
