package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomworks/loom/pkg/canonical"
)

// Timestamps participate in the hash at microsecond precision so that a
// value read back from Postgres (timestamptz, microsecond resolution)
// re-hashes to the same digest.
const hashTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// HashableBytes returns the canonical encoding of the event with the two
// hash fields excluded. This is the exact byte string covered by EventHash.
func HashableBytes(ev *Event) ([]byte, error) {
	var data any
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return nil, fmt.Errorf("events: decode data for hashing: %w", err)
		}
	} else {
		data = map[string]any{}
	}

	hashable := map[string]any{
		"event_id":         ev.EventID,
		"event_type":       ev.EventType,
		"event_version":    ev.EventVersion,
		"occurred_at":      ev.OccurredAt.UTC().Truncate(time.Microsecond).Format(hashTimeLayout),
		"recorded_at":      ev.RecordedAt.UTC().Truncate(time.Microsecond).Format(hashTimeLayout),
		"workspace_id":     ev.WorkspaceID,
		"actor":            map[string]any{"type": string(ev.Actor.Type), "id": ev.Actor.ID},
		"stream":           map[string]any{"type": string(ev.Stream.Type), "id": ev.Stream.ID},
		"stream_seq":       ev.StreamSeq,
		"correlation_id":   ev.CorrelationID,
		"causation_id":     ev.CausationID,
		"idempotency_key":  ev.IdempotencyKey,
		"entity_type":      ev.EntityType,
		"entity_id":        ev.EntityID,
		"data":             data,
		"contains_secrets": ev.ContainsSecrets,
	}
	return canonical.Marshal(hashable)
}

// ComputeHash returns SHA256(canonical_bytes(event_without_hashes) || prev).
// For the first event of a stream prev is the empty string.
func ComputeHash(ev *Event, prev string) (string, error) {
	b, err := HashableBytes(ev)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(b, []byte(prev)...))
	return hex.EncodeToString(sum[:]), nil
}

// ChainError describes where and how a stream's hash chain is broken.
type ChainError struct {
	Stream Stream
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain broken at (%s,%s) seq %d: %s",
		e.Stream.Type, e.Stream.ID, e.Seq, e.Reason)
}

// VerifyChain checks a single stream's events, ordered by StreamSeq
// ascending: gapless sequencing from 1, each prev link matching its
// predecessor's hash, and each stored hash recomputing correctly.
func VerifyChain(evs []*Event) error {
	prev := ""
	for i, ev := range evs {
		if ev.StreamSeq != int64(i+1) {
			return &ChainError{Stream: ev.Stream, Seq: ev.StreamSeq,
				Reason: fmt.Sprintf("expected seq %d", i+1)}
		}
		if ev.PrevEventHash != prev {
			return &ChainError{Stream: ev.Stream, Seq: ev.StreamSeq,
				Reason: fmt.Sprintf("prev_event_hash %q does not match predecessor hash %q", ev.PrevEventHash, prev)}
		}
		computed, err := ComputeHash(ev, prev)
		if err != nil {
			return &ChainError{Stream: ev.Stream, Seq: ev.StreamSeq,
				Reason: "hash recompute failed: " + err.Error()}
		}
		if computed != ev.EventHash {
			return &ChainError{Stream: ev.Stream, Seq: ev.StreamSeq,
				Reason: fmt.Sprintf("stored hash %q, recomputed %q", ev.EventHash, computed)}
		}
		prev = ev.EventHash
	}
	return nil
}
