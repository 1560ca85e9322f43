package api

import (
	"database/sql"
	"net/http"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/store"
)

func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action     string `json:"action"`
		TargetHost string `json:"target_host"`
		ReasonCode string `json:"reason_code"`
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
	if body.Action == "" {
		writeError(w, s.logger, missingField("action"))
		return
	}
	if err := s.allowMutation(r.Context(), ws, p.ID, ""); err != nil {
		writeError(w, s.logger, err)
		return
	}

	approvalID := "apr_" + uuid.NewString()
	result, err := s.appendAndProject(r.Context(), ws, &events.Draft{
		EventType:      events.TypeApprovalRequested,
		EventVersion:   1,
		OccurredAt:     s.now(),
		WorkspaceID:    ws,
		Actor:          actorOf(p),
		Stream:         events.Stream{Type: events.StreamWorkspace, ID: ws},
		CorrelationID:  correlationOf(env),
		IdempotencyKey: env.IdempotencyKey,
		EntityType:     "approval",
		EntityID:       approvalID,
		Data: events.ApprovalData{
			Action:     body.Action,
			TargetHost: body.TargetHost,
			ReasonCode: body.ReasonCode,
		},
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeEntityResult(w, "approval_id", result)
}

var approvalDecisions = map[string]bool{"approved": true, "held": true, "denied": true}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision string `json:"decision"`
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
	if !approvalDecisions[body.Decision] {
		writeError(w, s.logger, failWithDetails(ReasonInvalidIntent,
			"decision must be approved, held or denied", map[string]any{"decision": body.Decision}))
		return
	}
	approvalID := r.PathValue("id")

	var (
		result  store.AppendResult
		already *store.ApprovalRow
	)
	err = store.WithTx(r.Context(), s.db, func(tx *sql.Tx) error {
		cur, err := s.projRead.GetApproval(r.Context(), tx, ws, approvalID)
		if err != nil {
			return err
		}
		if cur == nil {
			return failWith(ReasonNotFound, "approval not found")
		}
		if cur.Status != "pending" {
			// Decided approvals never re-pend; repeating the decision is a
			// no-op the caller can treat as success.
			already = cur
			return nil
		}
		results, err := s.log.Append(r.Context(), tx, ws, &events.Draft{
			EventType:      events.TypeApprovalDecided,
			EventVersion:   1,
			OccurredAt:     s.now(),
			WorkspaceID:    ws,
			Actor:          actorOf(p),
			Stream:         events.Stream{Type: events.StreamWorkspace, ID: ws},
			CorrelationID:  correlationOf(env),
			IdempotencyKey: env.IdempotencyKey,
			EntityType:     "approval",
			EntityID:       approvalID,
			Data: events.ApprovalData{
				Decision:  body.Decision,
				DecidedBy: p.ID,
			},
		})
		if err != nil {
			return err
		}
		result = results[0]
		if result.Replayed {
			return nil
		}
		if err := s.proj.Apply(r.Context(), tx, result.Event); err != nil {
			return err
		}
		return s.leases.AutoRelease(r.Context(), tx, ws, events.WorkItemApproval, approvalID)
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if already != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"approval_id":       approvalID,
			"status":            already.Status,
			"decided_by":        already.DecidedBy,
			"idempotent_replay": true,
		})
		return
	}
	status := http.StatusOK
	writeJSON(w, status, map[string]any{
		"approval_id":       approvalID,
		"status":            body.Decision,
		"event_id":          result.Event.EventID,
		"idempotent_replay": result.Replayed,
	})
}
