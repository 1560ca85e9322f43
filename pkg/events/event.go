// Package events defines the immutable event model: the envelope persisted
// by the event store, the stream and event-type taxonomy, the hash-chain
// arithmetic, and the idempotency key grammar.
package events

import (
	"encoding/json"
	"errors"
	"time"
)

// StreamType identifies the unit of sequencing and hashing. Each
// (StreamType, StreamID) pair is an independent, gapless, hash-chained
// sequence.
type StreamType string

const (
	StreamWorkspace StreamType = "workspace"
	StreamRoom      StreamType = "room"
	StreamRun       StreamType = "run"
	StreamThread    StreamType = "thread"
	StreamAgent     StreamType = "agent"
	StreamIncident  StreamType = "incident"
)

var streamTypes = map[StreamType]bool{
	StreamWorkspace: true,
	StreamRoom:      true,
	StreamRun:       true,
	StreamThread:    true,
	StreamAgent:     true,
	StreamIncident:  true,
}

// ValidStreamType reports whether t is a known stream type.
func ValidStreamType(t StreamType) bool { return streamTypes[t] }

// ActorType classifies who caused an event.
type ActorType string

const (
	ActorHuman  ActorType = "human"
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
)

// Actor identifies the principal that caused an event.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// Stream names the sequence an event belongs to.
type Stream struct {
	Type StreamType `json:"type"`
	ID   string     `json:"id"`
}

// Event is one immutable row of the append-only log. Once written it is
// never mutated; the two hash fields chain it to its stream predecessor.
type Event struct {
	EventID         string          `json:"event_id"`
	EventType       string          `json:"event_type"`
	EventVersion    int             `json:"event_version"`
	OccurredAt      time.Time       `json:"occurred_at"`
	RecordedAt      time.Time       `json:"recorded_at"`
	WorkspaceID     string          `json:"workspace_id"`
	Actor           Actor           `json:"actor"`
	Stream          Stream          `json:"stream"`
	StreamSeq       int64           `json:"stream_seq"`
	CorrelationID   string          `json:"correlation_id"`
	CausationID     string          `json:"causation_id,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Data            json.RawMessage `json:"data"`
	ContainsSecrets bool            `json:"contains_secrets"`
	PrevEventHash   string          `json:"prev_event_hash"`
	EventHash       string          `json:"event_hash"`
}

// Draft is the caller-supplied portion of an event. The store assigns
// EventID (when empty), StreamSeq, RecordedAt and both hashes.
type Draft struct {
	EventID         string
	EventType       string
	EventVersion    int
	OccurredAt      time.Time
	WorkspaceID     string
	Actor           Actor
	Stream          Stream
	CorrelationID   string
	CausationID     string
	IdempotencyKey  string
	EntityType      string
	EntityID        string
	Data            any
	ContainsSecrets bool
}

var (
	// ErrInvalidStreamType rejects drafts naming an unknown stream type.
	ErrInvalidStreamType = errors.New("invalid stream type")
	// ErrMissingWorkspace rejects drafts without a workspace scope.
	ErrMissingWorkspace = errors.New("event draft missing workspace_id")
	// ErrMissingEventType rejects drafts without an event type.
	ErrMissingEventType = errors.New("event draft missing event_type")
)

// Validate checks the fields the store cannot default.
func (d *Draft) Validate() error {
	if d.WorkspaceID == "" {
		return ErrMissingWorkspace
	}
	if d.EventType == "" {
		return ErrMissingEventType
	}
	if !ValidStreamType(d.Stream.Type) {
		return ErrInvalidStreamType
	}
	return nil
}

// MarshalData renders the draft payload as the opaque blob stored on disk.
// A nil payload becomes the empty JSON object so that hashing never sees
// Go-level nil.
func (d *Draft) MarshalData() (json.RawMessage, error) {
	if d.Data == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := d.Data.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(d.Data)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
