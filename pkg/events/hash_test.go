package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedEvent(seq int64) *Event {
	return &Event{
		EventID:       "evt_0000000000000001",
		EventType:     TypeRoomCreated,
		EventVersion:  1,
		OccurredAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		RecordedAt:    time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC),
		WorkspaceID:   "ws_contract",
		Actor:         Actor{Type: ActorAgent, ID: "agent_a"},
		Stream:        Stream{Type: StreamRoom, ID: "room_1"},
		StreamSeq:     seq,
		CorrelationID: "corr_1",
		EntityType:    "room",
		EntityID:      "room_1",
		Data:          json.RawMessage(`{"name":"control"}`),
	}
}

// The hashable encoding is part of the on-disk contract. This golden test
// pins it; the chain becomes unverifiable if it drifts.
func TestHashableBytesGolden(t *testing.T) {
	b, err := HashableBytes(fixedEvent(1))
	require.NoError(t, err)
	want := `{"actor":{"id":"agent_a","type":"agent"},` +
		`"causation_id":"",` +
		`"contains_secrets":false,` +
		`"correlation_id":"corr_1",` +
		`"data":{"name":"control"},` +
		`"entity_id":"room_1",` +
		`"entity_type":"room",` +
		`"event_id":"evt_0000000000000001",` +
		`"event_type":"room.created",` +
		`"event_version":1,` +
		`"idempotency_key":"",` +
		`"occurred_at":"2026-03-01T12:00:00.000000Z",` +
		`"recorded_at":"2026-03-01T12:00:00.123456Z",` +
		`"stream":{"id":"room_1","type":"room"},` +
		`"stream_seq":1,` +
		`"workspace_id":"ws_contract"}`
	assert.Equal(t, want, string(b))
}

func TestComputeHashDeterministic(t *testing.T) {
	ev := fixedEvent(1)
	h1, err := ComputeHash(ev, "")
	require.NoError(t, err)
	h2, err := ComputeHash(ev, "")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	// Different prev hash must produce a different digest.
	h3, err := ComputeHash(ev, h1)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestComputeHashNanosecondsTruncated(t *testing.T) {
	a := fixedEvent(1)
	b := fixedEvent(1)
	b.RecordedAt = b.RecordedAt.Add(300 * time.Nanosecond) // below pg precision
	ha, err := ComputeHash(a, "")
	require.NoError(t, err)
	hb, err := ComputeHash(b, "")
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func chainOf(t *testing.T, n int) []*Event {
	t.Helper()
	evs := make([]*Event, 0, n)
	prev := ""
	for i := 1; i <= n; i++ {
		ev := fixedEvent(int64(i))
		ev.EventID = ev.EventID[:len(ev.EventID)-1] + string(rune('0'+i))
		ev.PrevEventHash = prev
		h, err := ComputeHash(ev, prev)
		require.NoError(t, err)
		ev.EventHash = h
		prev = h
		evs = append(evs, ev)
	}
	return evs
}

func TestVerifyChain(t *testing.T) {
	evs := chainOf(t, 5)
	require.NoError(t, VerifyChain(evs))

	// First link must anchor on the empty string.
	assert.Equal(t, "", evs[0].PrevEventHash)

	t.Run("tampered payload", func(t *testing.T) {
		bad := chainOf(t, 3)
		bad[1].Data = json.RawMessage(`{"name":"forged"}`)
		err := VerifyChain(bad)
		require.Error(t, err)
		var ce *ChainError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, int64(2), ce.Seq)
	})

	t.Run("gap in sequence", func(t *testing.T) {
		bad := chainOf(t, 3)
		bad[2].StreamSeq = 4
		err := VerifyChain(bad)
		require.Error(t, err)
	})

	t.Run("broken prev link", func(t *testing.T) {
		bad := chainOf(t, 3)
		bad[2].PrevEventHash = "deadbeef"
		err := VerifyChain(bad)
		require.Error(t, err)
	})
}

func TestDraftValidate(t *testing.T) {
	d := &Draft{WorkspaceID: "ws", EventType: TypeRunCreated, Stream: Stream{Type: StreamRun, ID: "r1"}}
	require.NoError(t, d.Validate())

	assert.ErrorIs(t, (&Draft{EventType: "x", Stream: Stream{Type: StreamRun}}).Validate(), ErrMissingWorkspace)
	assert.ErrorIs(t, (&Draft{WorkspaceID: "ws", Stream: Stream{Type: StreamRun}}).Validate(), ErrMissingEventType)
	assert.ErrorIs(t, (&Draft{WorkspaceID: "ws", EventType: "x", Stream: Stream{Type: "bogus"}}).Validate(), ErrInvalidStreamType)
}

func TestIdemKeys(t *testing.T) {
	assert.Equal(t, "claim:ws:incident:inc_x:ls_1", ClaimKey("ws", WorkItemIncident, "inc_x", "ls_1"))
	assert.Equal(t, "preempt:ws:incident:inc_x:old:new", PreemptKey("ws", WorkItemIncident, "inc_x", "old", "new"))
	assert.Equal(t, "incident:poison_message:ws:m1", PoisonIncidentKey("ws", "m1"))
	assert.Equal(t, "message:request_approval:ws:e1", PromotionKey("request_approval", "", "ws", "e1"))
	assert.Equal(t, "message:escalate:iteration_overflow:ws:e1", PromotionKey("escalate", "iteration_overflow", "ws", "e1"))
	assert.Equal(t, "a:b:c", IdemKey("a", "", "b", "c"))
}
