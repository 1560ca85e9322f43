package migrations

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// The outbox insert uses ON CONFLICT (event_id, handler); Postgres rejects
// that statement unless a unique index over exactly those columns exists, so
// the arbiter has to ship with the table.
func TestOutboxConflictArbiterExists(t *testing.T) {
	raw, err := files.ReadFile("0004_outbox.sql")
	require.NoError(t, err)
	require.Contains(t, string(raw),
		"CREATE UNIQUE INDEX outbox_entries_event_handler_uq ON outbox_entries (event_id, handler)")
}
