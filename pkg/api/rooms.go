package api

import (
	"database/sql"
	"net/http"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/store"
)

// Room, thread and message events all land on the room's stream so one
// cursor replays the whole conversation in order.

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
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
	if body.Name == "" {
		writeError(w, s.logger, missingField("name"))
		return
	}
	if err := s.allowMutation(r.Context(), ws, p.ID, ""); err != nil {
		writeError(w, s.logger, err)
		return
	}

	roomID := "room_" + uuid.NewString()
	result, err := s.appendAndProject(r.Context(), ws, &events.Draft{
		EventType:      events.TypeRoomCreated,
		EventVersion:   1,
		OccurredAt:     s.now(),
		WorkspaceID:    ws,
		Actor:          actorOf(p),
		Stream:         events.Stream{Type: events.StreamRoom, ID: roomID},
		CorrelationID:  correlationOf(env),
		IdempotencyKey: env.IdempotencyKey,
		EntityType:     "room",
		EntityID:       roomID,
		Data:           events.RoomData{Name: body.Name},
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeEntityResult(w, "room_id", result)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	_, ws, err := s.bind(r, "")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	roomID := r.PathValue("id")
	evs, err := s.log.Read(r.Context(), events.StreamRoom, roomID, 0, 200)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if len(evs) == 0 || evs[0].WorkspaceID != ws {
		writeError(w, s.logger, failWith(ReasonNotFound, "room not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room_id": roomID, "events": evs})
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
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
	if err := s.allowMutation(r.Context(), ws, p.ID, ""); err != nil {
		writeError(w, s.logger, err)
		return
	}

	roomID := r.PathValue("id")
	threadID := "thr_" + uuid.NewString()
	result, err := s.appendAndProject(r.Context(), ws, &events.Draft{
		EventType:      events.TypeThreadCreated,
		EventVersion:   1,
		OccurredAt:     s.now(),
		WorkspaceID:    ws,
		Actor:          actorOf(p),
		Stream:         events.Stream{Type: events.StreamRoom, ID: roomID},
		CorrelationID:  correlationOf(env),
		IdempotencyKey: env.IdempotencyKey,
		EntityType:     "thread",
		EntityID:       threadID,
		Data:           events.ThreadData{RoomID: roomID, Title: body.Title},
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeEntityResult(w, "thread_id", result)
}

type messageRequest struct {
	ThreadID     string `json:"thread_id"`
	RoomID       string `json:"room_id"`
	Intent       string `json:"intent"`
	Category     string `json:"category"`
	Body         string `json:"body"`
	WorkItemType string `json:"work_item_type"`
	WorkItemID   string `json:"work_item_id"`
}

// terminalIntents auto-release the lease on the work item the message
// addresses.
var terminalIntents = map[string]bool{"resolve": true}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var body messageRequest
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
	if id := r.PathValue("id"); id != "" {
		body.ThreadID = id
	}
	if body.RoomID == "" {
		writeError(w, s.logger, missingField("room_id"))
		return
	}
	if err := s.allowMutation(r.Context(), ws, p.ID, ""); err != nil {
		writeError(w, s.logger, err)
		return
	}

	messageID := "msg_" + uuid.NewString()
	draft := &events.Draft{
		EventType:      events.TypeMessageCreated,
		EventVersion:   1,
		OccurredAt:     s.now(),
		WorkspaceID:    ws,
		Actor:          actorOf(p),
		Stream:         events.Stream{Type: events.StreamRoom, ID: body.RoomID},
		CorrelationID:  correlationOf(env),
		IdempotencyKey: env.IdempotencyKey,
		EntityType:     "message",
		EntityID:       messageID,
		Data: events.MessageData{
			ThreadID: body.ThreadID,
			RoomID:   body.RoomID,
			Intent:   body.Intent,
			Category: body.Category,
			Body:     body.Body,
		},
	}

	var result store.AppendResult
	err = store.WithTx(r.Context(), s.db, func(tx *sql.Tx) error {
		results, err := s.log.Append(r.Context(), tx, ws, draft)
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
		if terminalIntents[body.Intent] && body.WorkItemType != "" && body.WorkItemID != "" {
			return s.leases.AutoRelease(r.Context(), tx, ws,
				events.WorkItemType(body.WorkItemType), body.WorkItemID)
		}
		return nil
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeEntityResult(w, "message_id", result)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	_, ws, err := s.bind(r, "")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	evs, err := s.log.List(r.Context(), store.EventQuery{
		WorkspaceID: ws,
		EventType:   events.TypeMessageCreated,
		EntityType:  "message",
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	threadID := r.PathValue("id")
	out := make([]*events.Event, 0, len(evs))
	for _, ev := range evs {
		data, err := events.Decode[events.MessageData](ev)
		if err == nil && data.ThreadID == threadID {
			out = append(out, ev)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread_id": threadID, "messages": out})
}

// writeEntityResult renders the standard creation response: 201 for a fresh
// event, 200 with idempotent_replay and its reason code for a replay.
func writeEntityResult(w http.ResponseWriter, idField string, result store.AppendResult) {
	status := http.StatusCreated
	body := map[string]any{
		idField:             result.Event.EntityID,
		"event_id":          result.Event.EventID,
		"stream_seq":        result.Event.StreamSeq,
		"correlation_id":    result.Event.CorrelationID,
		"idempotent_replay": result.Replayed,
	}
	if result.Replayed {
		status = http.StatusOK
		body["reason_code"] = ReasonDuplicateReplay
	}
	writeJSON(w, status, body)
}
