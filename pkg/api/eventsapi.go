package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/store"
)

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	_, ws, err := s.bind(r, "")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	evs, err := s.log.List(r.Context(), store.EventQuery{
		WorkspaceID:   ws,
		EntityType:    q.Get("entity_type"),
		EntityID:      q.Get("entity_id"),
		CorrelationID: q.Get("correlation_id"),
		EventType:     q.Get("event_type"),
		Limit:         limit,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs, "count": len(evs)})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	_, ws, err := s.bind(r, "")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	ev, err := s.log.GetByID(r.Context(), ws, r.PathValue("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if _, _, err := s.bind(r, ""); err != nil {
		writeError(w, s.logger, err)
		return
	}
	streamType := events.StreamType(r.PathValue("type"))
	if !events.ValidStreamType(streamType) {
		writeError(w, s.logger, failWithDetails(ReasonInvalidIntent,
			"unknown stream type", map[string]any{"stream_type": string(streamType)}))
		return
	}
	fromSeq, _ := strconv.ParseInt(r.URL.Query().Get("from_seq"), 10, 64)
	s.fanout.Serve(w, r, streamType, r.PathValue("id"), fromSeq)
}

// pipelineStages are the six columns of the Kanban projection, in display
// order.
var pipelineStages = []struct {
	name   string
	status string // proj_runs status, empty for non-run stages
}{
	{name: "queued", status: "queued"},
	{name: "running", status: "running"},
	{name: "succeeded", status: "succeeded"},
	{name: "failed", status: "failed"},
	{name: "awaiting_approval"},
	{name: "open_incidents"},
}

func (s *Server) handlePipelineProjection(w http.ResponseWriter, r *http.Request) {
	_, ws, err := s.bind(r, "")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	q := r.URL.Query()
	if err := checkSchemaVersion(q.Get("schema_version"), q.Get("format") == "envelope"); err != nil {
		writeError(w, s.logger, err)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var cursor time.Time
	if raw := q.Get("cursor_updated_after"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, s.logger, failWith(ReasonMissingRequiredField, "cursor_updated_after is not RFC3339"))
			return
		}
		cursor = parsed
	}

	stages := make([]map[string]any, 0, len(pipelineStages))
	var next time.Time
	for _, stage := range pipelineStages {
		var (
			items []store.PipelineItem
			err   error
		)
		switch stage.name {
		case "awaiting_approval":
			items, err = s.projRead.PendingApprovalItems(r.Context(), ws, cursor, limit)
		case "open_incidents":
			items, err = s.projRead.OpenIncidentItems(r.Context(), ws, cursor, limit)
		default:
			items, err = s.projRead.PipelineStage(r.Context(), ws, stage.status, cursor, limit)
		}
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		for _, item := range items {
			if item.UpdatedAt.After(next) {
				next = item.UpdatedAt
			}
		}
		stages = append(stages, map[string]any{"name": stage.name, "items": items})
	}

	out := map[string]any{
		"workspace_id": ws,
		"stages":       stages,
	}
	if !next.IsZero() {
		out["cursor_updated_after"] = next.Format(time.RFC3339Nano)
	}
	if q.Get("format") == "envelope" {
		writeJSON(w, http.StatusOK, map[string]any{
			"schema_version": SchemaVersion,
			"kind":           "pipeline_projection",
			"payload":        out,
		})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	_, ws, err := s.bind(r, "")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	report, err := s.health.Report(r.Context(), ws)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
