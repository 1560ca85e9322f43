package api

import (
	"database/sql"
	"net/http"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/policy"
	"github.com/loomworks/loom/pkg/store"
)

type policyRequest struct {
	Action        string `json:"action"`
	RoomID        string `json:"room_id"`
	TokenID       string `json:"capability_token_id"`
	TargetURL     string `json:"target_url"`
	Tool          string `json:"tool"`
	ResourceID    string `json:"resource_id"`
	AccessMode    string `json:"access_mode"`
	PurposeTag    string `json:"purpose_tag"`
	Justification string `json:"justification"`
}

func (s *Server) evaluatePolicy(w http.ResponseWriter, r *http.Request, defaultAction string, created bool) {
	var body policyRequest
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
	if err := checkSchemaVersion(env.SchemaVersion, false); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if body.Action == "" {
		body.Action = defaultAction
	}
	if body.Action == "" {
		writeError(w, s.logger, missingField("action"))
		return
	}
	if err := s.allowMutation(r.Context(), ws, p.ID, ""); err != nil {
		writeError(w, s.logger, err)
		return
	}

	in := &policy.Input{
		Action:        body.Action,
		ActorType:     actorOf(p).Type,
		ActorID:       p.ID,
		PrincipalID:   p.ID,
		WorkspaceID:   ws,
		RoomID:        body.RoomID,
		TokenID:       body.TokenID,
		TargetURL:     body.TargetURL,
		Tool:          body.Tool,
		ResourceID:    body.ResourceID,
		AccessMode:    body.AccessMode,
		PurposeTag:    body.PurposeTag,
		Justification: body.Justification,
		CorrelationID: correlationOf(env),
	}

	var decision *policy.Decision
	err = store.WithTx(r.Context(), s.db, func(tx *sql.Tx) error {
		var err error
		decision, err = s.policy.Evaluate(r.Context(), tx, in)
		return err
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	out := map[string]any{
		"decision":    string(decision.Outcome),
		"effective":   string(decision.Effective),
		"reason_code": decision.ReasonCode,
		"request_id":  decision.RequestID,
		"mode":        decision.Mode,
	}
	if decision.ApprovalID != "" {
		out["approval_id"] = decision.ApprovalID
	}
	writeJSON(w, status, out)
}

func (s *Server) handlePolicyEvaluate(w http.ResponseWriter, r *http.Request) {
	s.evaluatePolicy(w, r, "", false)
}

func (s *Server) handleEgressRequest(w http.ResponseWriter, r *http.Request) {
	s.evaluatePolicy(w, r, "external.write", true)
}

func (s *Server) handleDataAccessRequest(w http.ResponseWriter, r *http.Request) {
	s.evaluatePolicy(w, r, "data.access.read", true)
}

// handleAttachEvidence verifies the artifact actually exists in storage
// (HTTP HEAD) before the manifest event is appended.
func (s *Server) handleAttachEvidence(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EntityType  string `json:"entity_type"`
		EntityID    string `json:"entity_id"`
		ArtifactID  string `json:"artifact_id"`
		ArtifactURL string `json:"artifact_url"`
		Digest      string `json:"digest"`
		Kind        string `json:"kind"`
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
	if body.ArtifactID == "" {
		writeError(w, s.logger, missingField("artifact_id"))
		return
	}

	headURL := body.ArtifactURL
	if headURL == "" && s.cfg.ArtifactHeadURL != "" {
		headURL = s.cfg.ArtifactHeadURL + body.ArtifactID
	}
	if headURL != "" {
		req, err := http.NewRequestWithContext(r.Context(), http.MethodHead, headURL, nil)
		if err != nil {
			writeError(w, s.logger, failWith(ReasonArtifactNotFound, "artifact URL is invalid"))
			return
		}
		resp, err := s.artifact.Do(req)
		if err != nil || resp.StatusCode != http.StatusOK {
			if resp != nil {
				resp.Body.Close()
			}
			writeError(w, s.logger, failWithDetails(ReasonArtifactNotFound,
				"artifact not present in storage", map[string]any{"artifact_id": body.ArtifactID}))
			return
		}
		resp.Body.Close()
	}

	result, err := s.appendAndProject(r.Context(), ws, &events.Draft{
		EventType:      events.TypeEvidenceAttached,
		EventVersion:   1,
		OccurredAt:     s.now(),
		WorkspaceID:    ws,
		Actor:          actorOf(p),
		Stream:         events.Stream{Type: events.StreamWorkspace, ID: ws},
		CorrelationID:  correlationOf(env),
		IdempotencyKey: env.IdempotencyKey,
		EntityType:     body.EntityType,
		EntityID:       body.EntityID,
		Data: events.EvidenceData{
			ArtifactID:  body.ArtifactID,
			ArtifactURL: body.ArtifactURL,
			Digest:      body.Digest,
			Kind:        body.Kind,
		},
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"artifact_id":       body.ArtifactID,
		"event_id":          result.Event.EventID,
		"idempotent_replay": result.Replayed,
	})
}
