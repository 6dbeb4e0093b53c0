package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ragbase/backend/internal/storage/models"
	"github.com/ragbase/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS retrieval_history (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		query_text TEXT NOT NULL,
		intent TEXT,
		graph_count INTEGER NOT NULL DEFAULT 0,
		vector_count INTEGER NOT NULL DEFAULT 0,
		final_count INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER,
		error TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_retrieval_session ON retrieval_history(session_id);
	CREATE INDEX IF NOT EXISTS idx_retrieval_created ON retrieval_history(created_at);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InsertRetrievalRecord(record models.RetrievalRecord) error {
	query := `
	INSERT INTO retrieval_history
		(id, session_id, query_text, intent, graph_count, vector_count, final_count, latency_ms, error, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(query,
		record.ID,
		record.SessionID,
		record.Query,
		record.Intent,
		record.GraphCount,
		record.VectorCount,
		record.FinalCount,
		record.LatencyMS,
		record.Error,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert retrieval record: %w", err)
	}

	return nil
}

// ListRecent returns up to limit records ordered newest first, optionally
// filtered to one session.
func (c *Client) ListRecent(sessionID string, limit int) ([]models.RetrievalRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
	SELECT id, session_id, query_text, intent, graph_count, vector_count, final_count, latency_ms, error, created_at
	FROM retrieval_history
	`
	args := []interface{}{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list retrieval records: %w", err)
	}
	defer rows.Close()

	var records []models.RetrievalRecord
	for rows.Next() {
		var record models.RetrievalRecord
		var createdAt int64
		if err := rows.Scan(
			&record.ID,
			&record.SessionID,
			&record.Query,
			&record.Intent,
			&record.GraphCount,
			&record.VectorCount,
			&record.FinalCount,
			&record.LatencyMS,
			&record.Error,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan retrieval record: %w", err)
		}
		record.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, record)
	}

	return records, rows.Err()
}

// SessionStats aggregates activity for one session.
func (c *Client) SessionStats(sessionID string) (*models.SessionStats, error) {
	query := `
	SELECT COUNT(*), COALESCE(AVG(latency_ms), 0), COALESCE(MAX(created_at), 0)
	FROM retrieval_history
	WHERE session_id = ?
	`

	var stats models.SessionStats
	var lastQueryAt int64
	err := c.db.QueryRow(query, sessionID).Scan(&stats.Retrievals, &stats.AvgLatencyMS, &lastQueryAt)
	if err != nil {
		return nil, fmt.Errorf("failed to query session stats: %w", err)
	}

	stats.SessionID = sessionID
	stats.LastQueryAt = time.Unix(lastQueryAt, 0)
	return &stats, nil
}
