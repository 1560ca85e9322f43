package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loomworks/loom/pkg/auth"
	"github.com/loomworks/loom/pkg/lease"
	"github.com/loomworks/loom/pkg/ratelimit"
	"github.com/loomworks/loom/pkg/store"
)

// Reason codes of the HTTP error taxonomy. Each maps to a fixed status;
// clients key retries and UX off the code, never the message.
const (
	ReasonMissingWorkspaceHeader = "missing_workspace_header"
	ReasonUnauthorizedWorkspace  = "unauthorized_workspace"
	ReasonUnknownAgent           = "unknown_agent"
	ReasonInvalidCredentials     = "invalid_credentials"
	ReasonBootstrapForbidden     = "bootstrap_forbidden"

	ReasonUnsupportedVersion   = "unsupported_version"
	ReasonMissingRequiredField = "missing_required_field"
	ReasonInvalidIntent        = "invalid_intent_for_type"
	ReasonPayloadTooLarge      = "payload_too_large"

	ReasonDuplicateReplay      = "duplicate_idempotent_replay"
	ReasonIdempotencyConflict  = "idempotency_conflict_unresolved"
	ReasonAlreadyClaimed       = "already_claimed"
	ReasonCorrelationMismatch  = "correlation_id_mismatch"
	ReasonLeaseExpired         = "lease_expired_or_preempted"
	ReasonLeaseVersionMismatch = "lease_version_mismatch"
	ReasonHeartbeatRateLimited = "heartbeat_rate_limited"
	ReasonRateLimited          = "rate_limited"

	ReasonArtifactNotFound     = "artifact_not_found"
	ReasonCloseMissingRCA      = "incident_close_blocked_missing_rca"
	ReasonCloseMissingLearning = "incident_close_blocked_missing_learning"
	ReasonExperimentActiveRuns = "experiment_has_active_runs"
	ReasonExperimentNotOpen    = "experiment_not_open"

	ReasonNotFound = "not_found"
	ReasonInternal = "internal_error"
)

var reasonStatus = map[string]int{
	ReasonMissingWorkspaceHeader: http.StatusUnauthorized,
	ReasonUnauthorizedWorkspace:  http.StatusForbidden,
	ReasonUnknownAgent:           http.StatusForbidden,
	ReasonInvalidCredentials:     http.StatusUnauthorized,
	ReasonBootstrapForbidden:     http.StatusForbidden,

	ReasonUnsupportedVersion:   http.StatusBadRequest,
	ReasonMissingRequiredField: http.StatusBadRequest,
	ReasonInvalidIntent:        http.StatusBadRequest,
	ReasonPayloadTooLarge:      http.StatusRequestEntityTooLarge,

	ReasonIdempotencyConflict:  http.StatusConflict,
	ReasonAlreadyClaimed:       http.StatusConflict,
	ReasonCorrelationMismatch:  http.StatusConflict,
	ReasonLeaseExpired:         http.StatusForbidden,
	ReasonLeaseVersionMismatch: http.StatusConflict,
	ReasonHeartbeatRateLimited: http.StatusTooManyRequests,
	ReasonRateLimited:          http.StatusTooManyRequests,

	ReasonArtifactNotFound:     http.StatusUnprocessableEntity,
	ReasonCloseMissingRCA:      http.StatusConflict,
	ReasonCloseMissingLearning: http.StatusConflict,
	ReasonExperimentActiveRuns: http.StatusConflict,
	ReasonExperimentNotOpen:    http.StatusConflict,

	ReasonNotFound: http.StatusNotFound,
	ReasonInternal: http.StatusInternalServerError,
}

// StatusFor returns the fixed HTTP status for a reason code.
func StatusFor(reason string) int {
	if s, ok := reasonStatus[reason]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is the wire shape of every error response.
type Error struct {
	Err        bool           `json:"error"`
	ReasonCode string         `json:"reason_code"`
	Reason     string         `json:"reason"`
	Details    map[string]any `json:"details,omitempty"`
}

// apiError lets handlers raise a taxonomy error directly.
type apiError struct {
	reason  string
	message string
	details map[string]any
}

func (e *apiError) Error() string { return e.message }

func failWith(reason, message string) error {
	return &apiError{reason: reason, message: message}
}

func failWithDetails(reason, message string, details map[string]any) error {
	return &apiError{reason: reason, message: message, details: details}
}

func missingField(name string) error {
	return failWithDetails(ReasonMissingRequiredField, "missing required field", map[string]any{"field": name})
}

// writeError renders err as the structured error body. Domain errors map to
// their taxonomy codes; anything unrecognized is a scrubbed 500.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		ae       *apiError
		vm       *lease.VersionMismatchError
		rejected *ratelimit.RejectedError
	)
	body := Error{Err: true}

	switch {
	case errors.As(err, &ae):
		body.ReasonCode = ae.reason
		body.Reason = ae.message
		body.Details = ae.details
	case errors.As(err, &vm):
		body.ReasonCode = ReasonLeaseVersionMismatch
		body.Reason = "lease version mismatch"
		body.Details = map[string]any{"lease_id": vm.LeaseID, "current_version": vm.CurrentVersion}
	case errors.As(err, &rejected):
		body.ReasonCode = ReasonRateLimited
		body.Reason = "rate limited"
		body.Details = map[string]any{"scope": string(rejected.Scope), "limit": rejected.Limit}
	case errors.Is(err, auth.ErrUnauthorized):
		body.ReasonCode = ReasonMissingWorkspaceHeader
		body.Reason = "no workspace credential presented"
	case errors.Is(err, auth.ErrWorkspaceMismatch):
		body.ReasonCode = ReasonUnauthorizedWorkspace
		body.Reason = "credential is bound to another workspace"
	case errors.Is(err, auth.ErrBootstrapClosed):
		body.ReasonCode = ReasonBootstrapForbidden
		body.Reason = "bootstrap is closed"
	case errors.Is(err, auth.ErrInvalidCredentials):
		body.ReasonCode = ReasonInvalidCredentials
		body.Reason = "invalid credentials"
	case errors.Is(err, store.ErrUnauthorizedWorkspace):
		body.ReasonCode = ReasonUnauthorizedWorkspace
		body.Reason = "event workspace does not match the bound workspace"
	case errors.Is(err, store.ErrIdempotencyConflict):
		body.ReasonCode = ReasonIdempotencyConflict
		body.Reason = "idempotency key reused with a different actor or payload"
	case errors.Is(err, store.ErrStreamBusy), errors.Is(err, store.ErrLeaseBusy):
		body.ReasonCode = ReasonRateLimited
		body.Reason = "write contention, retry"
		body.Details = map[string]any{"scope": "row_lock"}
	case errors.Is(err, store.ErrNotFound):
		body.ReasonCode = ReasonNotFound
		body.Reason = "not found"
	case errors.Is(err, lease.ErrAlreadyClaimed):
		body.ReasonCode = ReasonAlreadyClaimed
		body.Reason = "work item already claimed by another agent"
	case errors.Is(err, lease.ErrCorrelationMismatch):
		body.ReasonCode = ReasonCorrelationMismatch
		body.Reason = "correlation_id differs from the claimed lease"
	case errors.Is(err, lease.ErrInvalidWorkItemType):
		body.ReasonCode = ReasonInvalidIntent
		body.Reason = "work_item_type is not leaseable"
	case errors.Is(err, lease.ErrExpiredOrPreempted):
		body.ReasonCode = ReasonLeaseExpired
		body.Reason = "lease expired or preempted"
	case errors.Is(err, lease.ErrHeartbeatRateLimited):
		body.ReasonCode = ReasonHeartbeatRateLimited
		body.Reason = "heartbeat below minimum interval"
	case isBodyTooLarge(err):
		body.ReasonCode = ReasonPayloadTooLarge
		body.Reason = "request body too large"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		body.ReasonCode = ReasonInternal
		body.Reason = "request cancelled"
	default:
		logger.Error("request failed", "error", err)
		body.ReasonCode = ReasonInternal
		body.Reason = "internal error"
	}

	status := StatusFor(body.ReasonCode)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func isBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
