package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragbase/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	client, err := NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.InitSchema())
	return client
}

func record(id, sessionID string, createdAt time.Time) models.RetrievalRecord {
	return models.RetrievalRecord{
		ID:          id,
		SessionID:   sessionID,
		Query:       "what is solar power",
		Intent:      "factual",
		GraphCount:  3,
		VectorCount: 5,
		FinalCount:  6,
		LatencyMS:   42,
		CreatedAt:   createdAt,
	}
}

func TestInsertAndListRetrievalRecords(t *testing.T) {
	client := newTestClient(t)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, client.InsertRetrievalRecord(record("r1", "s1", base)))
	require.NoError(t, client.InsertRetrievalRecord(record("r2", "s1", base.Add(time.Minute))))
	require.NoError(t, client.InsertRetrievalRecord(record("r3", "s2", base.Add(2*time.Minute))))

	t.Run("lists newest first", func(t *testing.T) {
		records, err := client.ListRecent("", 10)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, "r3", records[0].ID)
		assert.Equal(t, "r1", records[2].ID)
	})

	t.Run("filters by session", func(t *testing.T) {
		records, err := client.ListRecent("s1", 10)
		require.NoError(t, err)
		require.Len(t, records, 2)
		for _, r := range records {
			assert.Equal(t, "s1", r.SessionID)
		}
	})

	t.Run("applies limit", func(t *testing.T) {
		records, err := client.ListRecent("", 1)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "r3", records[0].ID)
	})

	t.Run("round trips fields", func(t *testing.T) {
		records, err := client.ListRecent("s2", 1)
		require.NoError(t, err)
		require.Len(t, records, 1)

		got := records[0]
		assert.Equal(t, "what is solar power", got.Query)
		assert.Equal(t, "factual", got.Intent)
		assert.Equal(t, 3, got.GraphCount)
		assert.Equal(t, 5, got.VectorCount)
		assert.Equal(t, 6, got.FinalCount)
		assert.Equal(t, 42, got.LatencyMS)
		assert.Equal(t, base.Add(2*time.Minute).Unix(), got.CreatedAt.Unix())
	})
}

func TestSessionStats(t *testing.T) {
	client := newTestClient(t)

	base := time.Now().Truncate(time.Second)
	require.NoError(t, client.InsertRetrievalRecord(record("r1", "s1", base)))
	require.NoError(t, client.InsertRetrievalRecord(record("r2", "s1", base.Add(time.Second))))

	stats, err := client.SessionStats("s1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Retrievals)
	assert.InDelta(t, 42.0, stats.AvgLatencyMS, 1e-9)
	assert.Equal(t, base.Add(time.Second).Unix(), stats.LastQueryAt.Unix())

	empty, err := client.SessionStats("missing")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Retrievals)
}
