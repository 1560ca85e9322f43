package api

import (
	"database/sql"
	"net/http"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/store"
)

func (s *Server) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Category string `json:"category"`
		Severity string `json:"severity"`
		Title    string `json:"title"`
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
	if body.Category == "" {
		writeError(w, s.logger, missingField("category"))
		return
	}
	if err := s.allowMutation(r.Context(), ws, p.ID, ""); err != nil {
		writeError(w, s.logger, err)
		return
	}

	incidentID := "inc_" + uuid.NewString()
	result, err := s.appendAndProject(r.Context(), ws, &events.Draft{
		EventType:      events.TypeIncidentOpened,
		EventVersion:   1,
		OccurredAt:     s.now(),
		WorkspaceID:    ws,
		Actor:          actorOf(p),
		Stream:         events.Stream{Type: events.StreamIncident, ID: incidentID},
		CorrelationID:  correlationOf(env),
		IdempotencyKey: env.IdempotencyKey,
		EntityType:     "incident",
		EntityID:       incidentID,
		Data: events.IncidentData{
			Category: body.Category,
			Severity: body.Severity,
			Title:    body.Title,
		},
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeEntityResult(w, "incident_id", result)
}

func (s *Server) handleIncidentRCA(w http.ResponseWriter, r *http.Request) {
	s.incidentNote(w, r, events.TypeIncidentRCA, "rca")
}

func (s *Server) handleIncidentLearning(w http.ResponseWriter, r *http.Request) {
	s.incidentNote(w, r, events.TypeIncidentLearning, "learning")
}

func (s *Server) incidentNote(w http.ResponseWriter, r *http.Request, eventType, field string) {
	var body struct {
		RCA      string `json:"rca"`
		Learning string `json:"learning"`
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
	data := events.IncidentData{RCA: body.RCA, Learning: body.Learning}
	if field == "rca" && body.RCA == "" {
		writeError(w, s.logger, missingField("rca"))
		return
	}
	if field == "learning" && body.Learning == "" {
		writeError(w, s.logger, missingField("learning"))
		return
	}
	incidentID := r.PathValue("id")

	var result store.AppendResult
	err = store.WithTx(r.Context(), s.db, func(tx *sql.Tx) error {
		cur, err := s.projRead.GetIncident(r.Context(), tx, ws, incidentID)
		if err != nil {
			return err
		}
		if cur == nil {
			return failWith(ReasonNotFound, "incident not found")
		}
		results, err := s.log.Append(r.Context(), tx, ws, &events.Draft{
			EventType:      eventType,
			EventVersion:   1,
			OccurredAt:     s.now(),
			WorkspaceID:    ws,
			Actor:          actorOf(p),
			Stream:         events.Stream{Type: events.StreamIncident, ID: incidentID},
			CorrelationID:  correlationOf(env),
			IdempotencyKey: env.IdempotencyKey,
			EntityType:     "incident",
			EntityID:       incidentID,
			Data:           data,
		})
		if err != nil {
			return err
		}
		result = results[0]
		if !result.Replayed {
			return s.proj.Apply(r.Context(), tx, result.Event)
		}
		return nil
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeEntityResult(w, "incident_id", result)
}

// handleIncidentClose enforces the close gate: an incident may only close
// after both an RCA and a learning have been recorded.
func (s *Server) handleIncidentClose(w http.ResponseWriter, r *http.Request) {
	env, err := decodeBody(w, r, nil)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	p, ws, err := s.bind(r, env.WorkspaceID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	incidentID := r.PathValue("id")

	var (
		result        store.AppendResult
		alreadyClosed bool
	)
	err = store.WithTx(r.Context(), s.db, func(tx *sql.Tx) error {
		cur, err := s.projRead.GetIncident(r.Context(), tx, ws, incidentID)
		if err != nil {
			return err
		}
		if cur == nil {
			return failWith(ReasonNotFound, "incident not found")
		}
		if cur.Status == "closed" {
			alreadyClosed = true
			return nil
		}
		if !cur.HasRCA {
			return failWith(ReasonCloseMissingRCA, "incident cannot close without an RCA")
		}
		if !cur.HasLearning {
			return failWith(ReasonCloseMissingLearning, "incident cannot close without a learning")
		}
		results, err := s.log.Append(r.Context(), tx, ws, &events.Draft{
			EventType:      events.TypeIncidentClosed,
			EventVersion:   1,
			OccurredAt:     s.now(),
			WorkspaceID:    ws,
			Actor:          actorOf(p),
			Stream:         events.Stream{Type: events.StreamIncident, ID: incidentID},
			CorrelationID:  correlationOf(env),
			IdempotencyKey: env.IdempotencyKey,
			EntityType:     "incident",
			EntityID:       incidentID,
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
		return s.leases.AutoRelease(r.Context(), tx, ws, events.WorkItemIncident, incidentID)
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if alreadyClosed {
		writeJSON(w, http.StatusOK, map[string]any{
			"incident_id":       incidentID,
			"status":            "closed",
			"idempotent_replay": true,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incident_id":       incidentID,
		"status":            "closed",
		"event_id":          result.Event.EventID,
		"idempotent_replay": result.Replayed,
	})
}
