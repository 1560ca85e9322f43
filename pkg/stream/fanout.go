// Package stream serves the live event fanout: a server-sent-events long
// poll over the event log, cursored by (stream_type, stream_id, from_seq).
// The reader sees exactly the committed log; there is no separate pub/sub
// path to drift from it.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/store"
)

const (
	defaultPollInterval      = 500 * time.Millisecond
	defaultHeartbeatInterval = 15 * time.Second
	batchLimit               = 100
)

// Fanout streams events to SSE subscribers.
type Fanout struct {
	log    *store.EventStore
	logger *slog.Logger

	pollInterval      time.Duration
	heartbeatInterval time.Duration
}

// New builds a fanout with default intervals.
func New(log *store.EventStore, logger *slog.Logger) *Fanout {
	return &Fanout{
		log:               log,
		logger:            logger,
		pollInterval:      defaultPollInterval,
		heartbeatInterval: defaultHeartbeatInterval,
	}
}

// Serve streams events with stream_seq > fromSeq until the client
// disconnects. The caller has already authenticated and workspace-bound
// the request.
func (f *Fanout) Serve(w http.ResponseWriter, r *http.Request, streamType events.StreamType, streamID string, fromSeq int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	cursor := fromSeq
	heartbeat := time.NewTicker(f.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		n, last, err := f.push(ctx, w, flusher, streamType, streamID, cursor)
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Warn("stream read failed",
					"stream_type", streamType, "stream_id", streamID, "error", err)
			}
			return
		}
		if n > 0 {
			cursor = last
			// Drain immediately while the stream is hot.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			// Comment frame keeps intermediaries from timing the
			// connection out.
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-time.After(f.pollInterval):
		}
	}
}

// push writes every event past the cursor as one SSE data frame each and
// returns how many were sent plus the new cursor.
func (f *Fanout) push(ctx context.Context, w http.ResponseWriter, flusher http.Flusher,
	streamType events.StreamType, streamID string, cursor int64) (int, int64, error) {
	evs, err := f.log.Read(ctx, streamType, streamID, cursor, batchLimit)
	if err != nil {
		return 0, cursor, err
	}
	for _, ev := range evs {
		payload, err := json.Marshal(ev)
		if err != nil {
			return 0, cursor, err
		}
		if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.StreamSeq, payload); err != nil {
			return 0, cursor, err
		}
		cursor = ev.StreamSeq
	}
	if len(evs) > 0 {
		flusher.Flush()
	}
	return len(evs), cursor, nil
}
