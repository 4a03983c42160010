package logsink

import (
	"database/sql"
	"fmt"

	_ "github.com/glebarez/go-sqlite"
)

// sqliteIndex is the SQLite-backed store behind Sink: a single
// WAL-mode database, opened once, with indexes on the columns
// looked up most often.
type sqliteIndex struct {
	db *sql.DB
}

func openIndex(path string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening log sink database %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS requests (
			seq           INTEGER NOT NULL DEFAULT 0,
			client_id     TEXT PRIMARY KEY,
			provider_id   TEXT NOT NULL DEFAULT '',
			method        TEXT NOT NULL DEFAULT '',
			path          TEXT NOT NULL DEFAULT '',
			request_body  TEXT,
			route_type    TEXT NOT NULL DEFAULT '',
			model         TEXT,
			status_code   INTEGER,
			response_body TEXT,
			duration_ms   INTEGER NOT NULL DEFAULT 0,
			success       INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			status        TEXT NOT NULL DEFAULT 'pending',
			prev_hash     TEXT NOT NULL DEFAULT '',
			hash          TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		);
		CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);
		CREATE INDEX IF NOT EXISTS idx_requests_provider ON requests(provider_id);
		CREATE INDEX IF NOT EXISTS idx_requests_created_at ON requests(created_at);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating log sink schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}

func (idx *sqliteIndex) insertPending(row LogRow) error {
	_, err := idx.db.Exec(`
		INSERT OR REPLACE INTO requests (client_id, provider_id, method, path, request_body, route_type, model, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending')`,
		row.ClientID, row.ProviderID, row.Method, row.Path, row.RequestBody, row.RouteType, row.Model,
	)
	return err
}

func (idx *sqliteIndex) updateCompleted(clientID string, statusCode *int, responseBody *string, durationMs int64, success bool, errorMessage *string, seq uint64, prevHash, hash string) error {
	_, err := idx.db.Exec(`
		UPDATE requests
		SET status_code = ?, response_body = ?, duration_ms = ?, success = ?, error_message = ?,
		    status = 'completed', seq = ?, prev_hash = ?, hash = ?
		WHERE client_id = ?`,
		statusCode, responseBody, durationMs, success, errorMessage, seq, prevHash, hash, clientID,
	)
	return err
}

// recoverChainState resumes the hash chain after a restart by reading
// back the highest seq/hash written so far.
func (idx *sqliteIndex) recoverChainState() (uint64, string, error) {
	var seq uint64
	var hash string
	row := idx.db.QueryRow(`SELECT seq, hash FROM requests WHERE status = 'completed' ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&seq, &hash); err != nil {
		if err == sql.ErrNoRows {
			return 0, "", nil
		}
		return 0, "", fmt.Errorf("recovering log sink chain state: %w", err)
	}
	return seq, hash, nil
}

// counts returns the total, completed, and pending row counts — used
// by `ccrelay status` to summarize the request log.
func (idx *sqliteIndex) counts() (total, completed, pending int64, err error) {
	row := idx.db.QueryRow(`SELECT COUNT(*), SUM(status = 'completed'), SUM(status = 'pending') FROM requests`)
	var completedN, pendingN sql.NullInt64
	if err := row.Scan(&total, &completedN, &pendingN); err != nil {
		return 0, 0, 0, fmt.Errorf("counting log sink rows: %w", err)
	}
	return total, completedN.Int64, pendingN.Int64, nil
}

// recentCompleted returns the most recently completed rows, most
// recent first. Only this package's tests call it.
func (idx *sqliteIndex) recentCompleted(limit int) ([]LogRow, error) {
	rows, err := idx.db.Query(`
		SELECT client_id, provider_id, method, path, route_type, model, status_code, duration_ms, success, error_message, status
		FROM requests WHERE status = 'completed' ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogRow
	for rows.Next() {
		var r LogRow
		if err := rows.Scan(&r.ClientID, &r.ProviderID, &r.Method, &r.Path, &r.RouteType, &r.Model, &r.StatusCode, &r.DurationMs, &r.Success, &r.ErrorMessage, &r.Status); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
