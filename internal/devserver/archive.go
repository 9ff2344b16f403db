package devserver

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // CGO-free SQLite
)

// Archive stores received batches for local inspection.
type Archive struct {
	db *sql.DB
}

func NewArchive(path string) (*Archive, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("devserver.NewArchive: open: %w", err)
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS batches(
	  id           INTEGER PRIMARY KEY,
	  project_id   TEXT    NOT NULL,
	  session_id   TEXT    NOT NULL,
	  batch_id     TEXT    NOT NULL UNIQUE,
	  ended        INTEGER NOT NULL,
	  start_time   INTEGER NOT NULL,
	  end_time     INTEGER NOT NULL,
	  event_count  INTEGER NOT NULL,
	  payload_json TEXT    NOT NULL CHECK (json_valid(payload_json)),
	  received_at  INTEGER NOT NULL DEFAULT (unixepoch('subsec') * 1000)
	);
	CREATE INDEX IF NOT EXISTS idx_batches_session ON batches(session_id, start_time);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("devserver.NewArchive: create tables: %w", err)
	}

	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// Insert stores one batch. Re-uploads of the same batch id are ignored:
// delivery is at-least-once and the server deduplicates.
func (a *Archive) Insert(projectID, sessionID, batchID string, ended bool, startTime, endTime int64, eventCount int, payload []byte) error {
	_, err := a.db.Exec(
		`INSERT INTO batches(project_id, session_id, batch_id, ended, start_time, end_time, event_count, payload_json)
		 VALUES(?,?,?,?,?,?,?,json(?))
		 ON CONFLICT(batch_id) DO NOTHING`,
		projectID, sessionID, batchID, ended, startTime, endTime, eventCount, string(payload),
	)
	if err != nil {
		return fmt.Errorf("devserver.Archive.Insert: %w", err)
	}
	return nil
}

// SessionBatchCount reports how many batches a session has stored.
func (a *Archive) SessionBatchCount(sessionID string) (int, error) {
	var n int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM batches WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("devserver.Archive.SessionBatchCount: %w", err)
	}
	return n, nil
}
