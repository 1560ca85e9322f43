package api

import (
	"net/http"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/lease"
)

func (s *Server) handleWorkItemClaim(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkItemType string `json:"work_item_type"`
		WorkItemID   string `json:"work_item_id"`
		AgentID      string `json:"agent_id"`
	}
	env, err := decodeBody(w, r, &body)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	p, ws, err := s.bind(r, env.WorkspaceID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if body.WorkItemType == "" {
		writeError(w, s.logger, missingField("work_item_type"))
		return
	}
	if body.WorkItemID == "" {
		writeError(w, s.logger, missingField("work_item_id"))
		return
	}
	if body.AgentID == "" {
		body.AgentID = p.ID
	}
	if err := s.allowMutation(r.Context(), ws, body.AgentID, ""); err != nil {
		writeError(w, s.logger, err)
		return
	}

	result, err := s.leases.Claim(r.Context(), ws,
		events.WorkItemType(body.WorkItemType), body.WorkItemID, body.AgentID, correlationOf(env))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	status := http.StatusCreated
	if result.Outcome == lease.OutcomeReplay {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"outcome":        string(result.Outcome),
		"lease_id":       result.Lease.LeaseID,
		"version":        result.Lease.Version,
		"expires_at":     result.Lease.ExpiresAt,
		"correlation_id": result.Lease.CorrelationID,
		"work_item_type": string(result.Lease.WorkItemType),
		"work_item_id":   result.Lease.WorkItemID,
	})
}

func (s *Server) handleWorkItemHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LeaseID string `json:"lease_id"`
		Version int64  `json:"version"`
	}
	env, err := decodeBody(w, r, &body)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	p, ws, err := s.bind(r, env.WorkspaceID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if body.LeaseID == "" {
		writeError(w, s.logger, missingField("lease_id"))
		return
	}
	if err := s.limiter.AllowHeartbeat(r.Context(), ws, p.ID); err != nil {
		writeError(w, s.logger, err)
		return
	}

	result, err := s.leases.Heartbeat(r.Context(), ws, body.LeaseID, body.Version)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lease_id":   result.LeaseID,
		"version":    result.Version,
		"expires_at": result.ExpiresAt,
	})
}

func (s *Server) handleWorkItemRelease(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LeaseID string `json:"lease_id"`
	}
	env, err := decodeBody(w, r, &body)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	_, ws, err := s.bind(r, env.WorkspaceID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if body.LeaseID == "" {
		writeError(w, s.logger, missingField("lease_id"))
		return
	}

	result, err := s.leases.Release(r.Context(), ws, body.LeaseID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"released": result.Released,
		"stale":    result.Stale,
	})
}
