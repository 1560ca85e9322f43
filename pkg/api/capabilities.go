package api

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/capabilities"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/store"
)

func (s *Server) handleCapabilityGrant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subject       string              `json:"subject"`
		Scopes        capabilities.Scopes `json:"scopes"`
		NotBefore     *time.Time          `json:"not_before"`
		ExpiresAt     time.Time           `json:"expires_at"`
		ParentTokenID string              `json:"parent_token_id"`
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
	if body.Subject == "" {
		writeError(w, s.logger, missingField("subject"))
		return
	}
	if body.ExpiresAt.IsZero() {
		writeError(w, s.logger, missingField("expires_at"))
		return
	}

	now := s.now()
	var token *capabilities.Token
	var replayed bool
	err = store.WithTx(r.Context(), s.db, func(tx *sql.Tx) error {
		// The token ID is minted here, so a retry under the same key must be
		// resolved against the stored event before generating a fresh one.
		if env.IdempotencyKey != "" {
			existing, err := s.log.FindByIdempotencyKey(r.Context(), tx, ws, env.IdempotencyKey)
			if err != nil && err != store.ErrNotFound {
				return err
			}
			if err == nil {
				granted, derr := events.Decode[events.CapabilityData](existing)
				if derr != nil {
					return derr
				}
				if existing.Actor != actorOf(p) || granted.Subject != body.Subject || granted.Issuer != p.ID {
					return store.ErrIdempotencyConflict
				}
				token, err = s.caps.GetTx(r.Context(), tx, ws, existing.EntityID)
				if err != nil {
					return err
				}
				replayed = true
				return nil
			}
		}

		token = &capabilities.Token{
			TokenID:       "cap_" + uuid.NewString(),
			WorkspaceID:   ws,
			Issuer:        p.ID,
			Subject:       body.Subject,
			Scopes:        body.Scopes,
			NotBefore:     now,
			ExpiresAt:     body.ExpiresAt,
			ParentTokenID: body.ParentTokenID,
			CreatedAt:     now,
		}
		if body.NotBefore != nil {
			token.NotBefore = *body.NotBefore
		}

		if body.ParentTokenID != "" {
			parent, err := s.caps.GetTx(r.Context(), tx, ws, body.ParentTokenID)
			if err != nil {
				return err
			}
			if err := capabilities.ValidateDelegation(parent, token); err != nil {
				return failWithDetails(ReasonInvalidIntent, err.Error(),
					map[string]any{"parent_token_id": body.ParentTokenID})
			}
		}
		if err := s.caps.Insert(r.Context(), tx, token); err != nil {
			return err
		}
		results, err := s.log.Append(r.Context(), tx, ws, &events.Draft{
			EventType:      events.TypeCapabilityGranted,
			EventVersion:   1,
			OccurredAt:     now,
			WorkspaceID:    ws,
			Actor:          actorOf(p),
			Stream:         events.Stream{Type: events.StreamWorkspace, ID: ws},
			CorrelationID:  correlationOf(env),
			IdempotencyKey: env.IdempotencyKey,
			EntityType:     "capability_token",
			EntityID:       token.TokenID,
			Data:           events.CapabilityData{TokenID: token.TokenID, Subject: token.Subject, Issuer: token.Issuer},
		})
		if err != nil {
			return err
		}
		if !results[0].Replayed {
			return s.proj.Apply(r.Context(), tx, results[0].Event)
		}
		return nil
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	status := http.StatusCreated
	out := map[string]any{
		"token_id":          token.TokenID,
		"subject":           token.Subject,
		"expires_at":        token.ExpiresAt,
		"idempotent_replay": replayed,
	}
	if replayed {
		status = http.StatusOK
		out["reason_code"] = ReasonDuplicateReplay
	}
	writeJSON(w, status, out)
}

func (s *Server) handleCapabilityRevoke(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TokenID string `json:"token_id"`
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
	if body.TokenID == "" {
		writeError(w, s.logger, missingField("token_id"))
		return
	}

	now := s.now()
	err = store.WithTx(r.Context(), s.db, func(tx *sql.Tx) error {
		if err := s.caps.Revoke(r.Context(), tx, ws, body.TokenID, now); err != nil {
			return err
		}
		results, err := s.log.Append(r.Context(), tx, ws, &events.Draft{
			EventType:      events.TypeCapabilityRevoked,
			EventVersion:   1,
			OccurredAt:     now,
			WorkspaceID:    ws,
			Actor:          actorOf(p),
			Stream:         events.Stream{Type: events.StreamWorkspace, ID: ws},
			CorrelationID:  correlationOf(env),
			IdempotencyKey: events.IdemKey("capability", "revoke", ws, body.TokenID),
			EntityType:     "capability_token",
			EntityID:       body.TokenID,
			Data:           events.CapabilityData{TokenID: body.TokenID},
		})
		if err != nil {
			return err
		}
		if !results[0].Replayed {
			return s.proj.Apply(r.Context(), tx, results[0].Event)
		}
		return nil
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token_id": body.TokenID, "revoked": true})
}
