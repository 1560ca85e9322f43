package api

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/lease"
	"github.com/loomworks/loom/pkg/store"
)

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
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
	if err := s.allowMutation(r.Context(), ws, p.ID, ""); err != nil {
		writeError(w, s.logger, err)
		return
	}

	experimentID := "exp_" + uuid.NewString()
	result, err := s.appendAndProject(r.Context(), ws, &events.Draft{
		EventType:      events.TypeExperimentCreated,
		EventVersion:   1,
		OccurredAt:     s.now(),
		WorkspaceID:    ws,
		Actor:          actorOf(p),
		Stream:         events.Stream{Type: events.StreamWorkspace, ID: ws},
		CorrelationID:  correlationOf(env),
		IdempotencyKey: env.IdempotencyKey,
		EntityType:     "experiment",
		EntityID:       experimentID,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeEntityResult(w, "experiment_id", result)
}

func (s *Server) handleCloseExperiment(w http.ResponseWriter, r *http.Request) {
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
	experimentID := r.PathValue("id")

	var result store.AppendResult
	err = store.WithTx(r.Context(), s.db, func(tx *sql.Tx) error {
		exp, err := s.projRead.GetExperiment(r.Context(), tx, ws, experimentID)
		if err != nil {
			return err
		}
		if exp == nil {
			return failWith(ReasonNotFound, "experiment not found")
		}
		if exp.Status != "open" {
			return failWith(ReasonExperimentNotOpen, "experiment is not open")
		}
		if exp.ActiveRuns > 0 {
			return failWithDetails(ReasonExperimentActiveRuns, "experiment still has active runs",
				map[string]any{"active_runs": exp.ActiveRuns})
		}
		results, err := s.log.Append(r.Context(), tx, ws, &events.Draft{
			EventType:      events.TypeExperimentClosed,
			EventVersion:   1,
			OccurredAt:     s.now(),
			WorkspaceID:    ws,
			Actor:          actorOf(p),
			Stream:         events.Stream{Type: events.StreamWorkspace, ID: ws},
			CorrelationID:  correlationOf(env),
			IdempotencyKey: env.IdempotencyKey,
			EntityType:     "experiment",
			EntityID:       experimentID,
		})
		if err != nil {
			return err
		}
		result = results[0]
		if !result.Replayed {
			if err := s.proj.Apply(r.Context(), tx, result.Event); err != nil {
				return err
			}
			return s.leases.AutoRelease(r.Context(), tx, ws, events.WorkItemExperiment, experimentID)
		}
		return nil
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeEntityResult(w, "experiment_id", result)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ExperimentID string `json:"experiment_id"`
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
	if body.AgentID == "" {
		body.AgentID = p.ID
	}
	if err := s.allowMutation(r.Context(), ws, body.AgentID, body.ExperimentID); err != nil {
		writeError(w, s.logger, err)
		return
	}

	runID := "run_" + uuid.NewString()
	var result store.AppendResult
	err = store.WithTx(r.Context(), s.db, func(tx *sql.Tx) error {
		if body.ExperimentID != "" {
			exp, err := s.projRead.GetExperiment(r.Context(), tx, ws, body.ExperimentID)
			if err != nil {
				return err
			}
			if exp == nil {
				return failWith(ReasonNotFound, "experiment not found")
			}
			if exp.Status != "open" {
				return failWith(ReasonExperimentNotOpen, "experiment is not open")
			}
		}
		results, err := s.log.Append(r.Context(), tx, ws, &events.Draft{
			EventType:      events.TypeRunCreated,
			EventVersion:   1,
			OccurredAt:     s.now(),
			WorkspaceID:    ws,
			Actor:          actorOf(p),
			Stream:         events.Stream{Type: events.StreamRun, ID: runID},
			CorrelationID:  correlationOf(env),
			IdempotencyKey: env.IdempotencyKey,
			EntityType:     "run",
			EntityID:       runID,
			Data: events.RunData{
				ExperimentID: body.ExperimentID,
				AgentID:      body.AgentID,
				Status:       "queued",
			},
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
	writeEntityResult(w, "run_id", result)
}

// handleClaimRun hands the oldest claimable queued run to the calling
// engine: a run lease row plus a run.started event, all in one transaction.
func (s *Server) handleClaimRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
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
	if body.AgentID == "" {
		body.AgentID = p.ID
	}
	if err := s.allowMutation(r.Context(), ws, body.AgentID, ""); err != nil {
		writeError(w, s.logger, err)
		return
	}

	correlationID := correlationOf(env)
	var claimed *store.RunLeaseRow
	err = store.WithTx(r.Context(), s.db, func(tx *sql.Tx) error {
		now := s.now()
		runID, err := s.runLease.NextClaimable(r.Context(), tx, ws, now)
		if err != nil {
			return err
		}
		claimed = &store.RunLeaseRow{
			WorkspaceID:     ws,
			RunID:           runID,
			LeaseID:         "rlease_" + uuid.NewString(),
			AgentID:         body.AgentID,
			CorrelationID:   correlationID,
			ClaimedAt:       now,
			LastHeartbeatAt: now,
			ExpiresAt:       now.Add(lease.DefaultTTL),
			Version:         1,
		}
		if err := s.runLease.Upsert(r.Context(), tx, claimed); err != nil {
			return err
		}
		results, err := s.log.Append(r.Context(), tx, ws, &events.Draft{
			EventType:      events.TypeRunStarted,
			EventVersion:   1,
			OccurredAt:     now,
			WorkspaceID:    ws,
			Actor:          events.Actor{Type: events.ActorAgent, ID: body.AgentID},
			Stream:         events.Stream{Type: events.StreamRun, ID: runID},
			CorrelationID:  correlationID,
			IdempotencyKey: events.IdemKey("run", "start", ws, runID, claimed.LeaseID),
			EntityType:     "run",
			EntityID:       runID,
			Data:           events.RunData{AgentID: body.AgentID, Status: "running"},
		})
		if err != nil {
			return err
		}
		if !results[0].Replayed {
			return s.proj.Apply(r.Context(), tx, results[0].Event)
		}
		return nil
	})
	if err == store.ErrNotFound {
		writeJSON(w, http.StatusOK, map[string]any{"claimed": false})
		return
	}
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"claimed":        true,
		"run_id":         claimed.RunID,
		"lease_id":       claimed.LeaseID,
		"version":        claimed.Version,
		"expires_at":     claimed.ExpiresAt,
		"correlation_id": claimed.CorrelationID,
	})
}

func (s *Server) handleRunLeaseHeartbeat(w http.ResponseWriter, r *http.Request) {
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

	var version int64
	var expiresAt time.Time
	err = store.WithTx(r.Context(), s.db, func(tx *sql.Tx) error {
		now := s.now()
		cur, err := s.runLease.LockByLeaseID(r.Context(), tx, ws, body.LeaseID)
		if err == store.ErrNotFound {
			return lease.ErrExpiredOrPreempted
		}
		if err != nil {
			return err
		}
		if cur.Version != body.Version {
			return &lease.VersionMismatchError{LeaseID: cur.LeaseID, CurrentVersion: cur.Version}
		}
		expiresAt = now.Add(lease.DefaultTTL)
		version, err = s.runLease.Heartbeat(r.Context(), tx, cur, now, expiresAt)
		if err == store.ErrNotFound {
			return &lease.VersionMismatchError{LeaseID: cur.LeaseID, CurrentVersion: cur.Version}
		}
		return err
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lease_id":   body.LeaseID,
		"version":    version,
		"expires_at": expiresAt,
	})
}

func (s *Server) handleRunLeaseRelease(w http.ResponseWriter, r *http.Request) {
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
	runID := r.PathValue("id")

	released := false
	err = store.WithTx(r.Context(), s.db, func(tx *sql.Tx) error {
		cur, err := s.runLease.LockByRun(r.Context(), tx, ws, runID)
		if err == store.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.LeaseID != body.LeaseID || !cur.Alive(s.now()) {
			return nil
		}
		if err := s.runLease.Delete(r.Context(), tx, ws, runID); err != nil {
			return err
		}
		released = true
		return nil
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": released, "stale": !released})
}

func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, events.TypeRunStarted, "running")
}

func (s *Server) handleRunComplete(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, events.TypeRunSucceeded, "succeeded")
}

func (s *Server) handleRunFail(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, events.TypeRunFailed, "failed")
}

func (s *Server) runTransition(w http.ResponseWriter, r *http.Request, eventType, status string) {
	var body struct {
		FailureClass string `json:"failure_class"`
		Summary      string `json:"summary"`
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
	runID := r.PathValue("id")

	terminal := status == "succeeded" || status == "failed"
	var result store.AppendResult
	err = store.WithTx(r.Context(), s.db, func(tx *sql.Tx) error {
		cur, err := s.projRead.GetRun(r.Context(), tx, ws, runID)
		if err != nil {
			return err
		}
		if cur == nil {
			return failWith(ReasonNotFound, "run not found")
		}
		results, err := s.log.Append(r.Context(), tx, ws, &events.Draft{
			EventType:      eventType,
			EventVersion:   1,
			OccurredAt:     s.now(),
			WorkspaceID:    ws,
			Actor:          actorOf(p),
			Stream:         events.Stream{Type: events.StreamRun, ID: runID},
			CorrelationID:  correlationOf(env),
			IdempotencyKey: env.IdempotencyKey,
			EntityType:     "run",
			EntityID:       runID,
			Data: events.RunData{
				Status:       status,
				FailureClass: body.FailureClass,
				Summary:      body.Summary,
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
		if terminal {
			return s.runLease.Delete(r.Context(), tx, ws, runID)
		}
		return nil
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeEntityResult(w, "run_id", result)
}

func (s *Server) handleRunStep(w http.ResponseWriter, r *http.Request) {
	var body events.StepData
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
	if body.Name == "" {
		writeError(w, s.logger, missingField("name"))
		return
	}
	runID := r.PathValue("id")
	result, err := s.appendAndProject(r.Context(), ws, &events.Draft{
		EventType:      events.TypeRunStep,
		EventVersion:   1,
		OccurredAt:     s.now(),
		WorkspaceID:    ws,
		Actor:          actorOf(p),
		Stream:         events.Stream{Type: events.StreamRun, ID: runID},
		CorrelationID:  correlationOf(env),
		IdempotencyKey: env.IdempotencyKey,
		EntityType:     "run",
		EntityID:       runID,
		Data:           body,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeEntityResult(w, "run_id", result)
}

func (s *Server) handleRunScorecard(w http.ResponseWriter, r *http.Request) {
	var body events.ScorecardData
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
	if body.Verdict == "" {
		writeError(w, s.logger, missingField("verdict"))
		return
	}
	runID := r.PathValue("id")
	body.RunID = runID
	result, err := s.appendAndProject(r.Context(), ws, &events.Draft{
		EventType:      events.TypeScorecardRecorded,
		EventVersion:   1,
		OccurredAt:     s.now(),
		WorkspaceID:    ws,
		Actor:          actorOf(p),
		Stream:         events.Stream{Type: events.StreamRun, ID: runID},
		CorrelationID:  correlationOf(env),
		IdempotencyKey: env.IdempotencyKey,
		EntityType:     "scorecard",
		EntityID:       "sc_" + uuid.NewString(),
		Data:           body,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeEntityResult(w, "scorecard_id", result)
}
