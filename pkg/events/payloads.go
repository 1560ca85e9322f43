package events

import "encoding/json"

// Typed payloads for the event types the projection engine and automation
// loop consume. Data stays an opaque blob at rest; known consumers decode
// into one of these. Unknown event types pass through as raw bytes.

// RoomData is carried by room.created.
type RoomData struct {
	Name string `json:"name"`
}

// ThreadData is carried by thread.created.
type ThreadData struct {
	RoomID string `json:"room_id"`
	Title  string `json:"title,omitempty"`
}

// MessageData is carried by message.created.
type MessageData struct {
	ThreadID string `json:"thread_id,omitempty"`
	RoomID   string `json:"room_id,omitempty"`
	Intent   string `json:"intent,omitempty"`
	Category string `json:"category,omitempty"`
	Body     string `json:"body,omitempty"`
}

// RunData is carried by the run.* lifecycle events.
type RunData struct {
	ExperimentID string `json:"experiment_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	Status       string `json:"status,omitempty"`
	FailureClass string `json:"failure_class,omitempty"`
	Summary      string `json:"summary,omitempty"`
}

// StepData is carried by run.step.recorded.
type StepData struct {
	StepIndex  int    `json:"step_index"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// ToolCallData is carried by run.tool.called.
type ToolCallData struct {
	Tool       string `json:"tool"`
	TargetHost string `json:"target_host,omitempty"`
	Decision   string `json:"decision,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// LeaseData is carried by lease.claimed / lease.preempted / lease.released.
type LeaseData struct {
	LeaseID    string `json:"lease_id"`
	OldLeaseID string `json:"old_lease_id,omitempty"`
	AgentID    string `json:"agent_id"`
	WorkItem   string `json:"work_item_type"`
	ExpiresAt  string `json:"expires_at,omitempty"`
}

// ApprovalData is carried by approval.requested / approval.decided.
type ApprovalData struct {
	Action     string `json:"action,omitempty"`
	TargetHost string `json:"target_host,omitempty"`
	ReasonCode string `json:"reason_code,omitempty"`
	Decision   string `json:"decision,omitempty"`
	DecidedBy  string `json:"decided_by,omitempty"`
}

// IncidentData is carried by the incident.* lifecycle events.
type IncidentData struct {
	Category string `json:"category,omitempty"`
	Severity string `json:"severity,omitempty"`
	Title    string `json:"title,omitempty"`
	RCA      string `json:"rca,omitempty"`
	Learning string `json:"learning,omitempty"`
}

// ScorecardData is carried by scorecard.recorded.
type ScorecardData struct {
	RunID     string  `json:"run_id"`
	Verdict   string  `json:"verdict"`
	Score     float64 `json:"score"`
	RiskTier  string  `json:"risk_tier"`
	Iteration int     `json:"iteration,omitempty"`
}

// EvidenceData is carried by evidence.attached.
type EvidenceData struct {
	ArtifactID  string `json:"artifact_id"`
	ArtifactURL string `json:"artifact_url,omitempty"`
	Digest      string `json:"digest,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// AgentData is carried by the agent.* events.
type AgentData struct {
	Name       string `json:"name,omitempty"`
	State      string `json:"state,omitempty"`
	PriorState string `json:"prior_state,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// PolicyDecisionData is carried by policy.allowed/denied/require_approval
// and egress.blocked.
type PolicyDecisionData struct {
	Action     string `json:"action"`
	Decision   string `json:"decision"`
	ReasonCode string `json:"reason_code,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
	TargetHost string `json:"target_host,omitempty"`
	Mode       string `json:"mode,omitempty"`
}

// MistakeData is carried by mistake.repeated and constraint.learned.
type MistakeData struct {
	ReasonCode string `json:"reason_code"`
	Pattern    string `json:"pattern"`
	Count      int    `json:"count"`
}

// CapabilityData is carried by capability.granted / capability.revoked.
type CapabilityData struct {
	TokenID string `json:"token_id"`
	Subject string `json:"subject,omitempty"`
	Issuer  string `json:"issuer,omitempty"`
}

// Decode unmarshals an event's opaque payload into a typed struct.
func Decode[T any](ev *Event) (T, error) {
	var out T
	if len(ev.Data) == 0 {
		return out, nil
	}
	err := json.Unmarshal(ev.Data, &out)
	return out, err
}
