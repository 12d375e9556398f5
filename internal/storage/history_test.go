package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndListHistory(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	started := time.Now().Add(-10 * time.Minute)
	require.NoError(t, db.RecordCall(HistoryRow{
		CallID:       "c1",
		CallType:     "video",
		Status:       "active",
		InitiatorID:  "alice",
		Participants: 2,
		StartedAt:    started,
	}))

	// Terminal status replaces the earlier row for the same call.
	ended := time.Now()
	require.NoError(t, db.RecordCall(HistoryRow{
		CallID:       "c1",
		CallType:     "video",
		Status:       "ended",
		InitiatorID:  "alice",
		Title:        "standup",
		Participants: 3,
		StartedAt:    started,
		EndedAt:      &ended,
	}))

	rows, err := db.History(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ended", rows[0].Status)
	assert.Equal(t, "standup", rows[0].Title)
	assert.Equal(t, 3, rows[0].Participants)
	require.NotNil(t, rows[0].EndedAt)
}

func TestHistoryOrderNewestFirst(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, db.RecordCall(HistoryRow{
			CallID: id, CallType: "voice", Status: "ended", StartedAt: time.Now(),
		}))
	}

	rows, err := db.History(2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}
