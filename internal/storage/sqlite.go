// Package storage provides the optional on-disk capture persistence
// backing the `--db-path` flag (spec.md §6): a table of flow records
// upserted by flow id, queryable independently of the in-memory capture.Store
// ring buffer.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"module/internal/flow"
)

// FlowRecord is the persisted form of a flow.Snapshot.
type FlowRecord struct {
	ID            uint64    `json:"id"`
	StartTime     time.Time `json:"start_time"`
	ClientAddr    string    `json:"client_addr"`
	Scheme        string    `json:"scheme"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	Method        string    `json:"method"`
	URL           string    `json:"url"`
	Status        int       `json:"status"`
	Tags          []string  `json:"tags,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	ScopeIncluded bool      `json:"scope_included"`
	Complete      bool      `json:"complete"`
}

func recordFromSnapshot(snap flow.Snapshot) FlowRecord {
	return FlowRecord{
		ID:            snap.ID,
		StartTime:     snap.StartTime,
		ClientAddr:    snap.ClientAddr,
		Scheme:        string(snap.Scheme),
		Host:          snap.Host,
		Port:          snap.Port,
		Method:        snap.Method,
		URL:           snap.URL,
		Status:        snap.Status,
		Tags:          snap.Tags,
		Notes:         snap.Notes,
		ScopeIncluded: snap.ScopeIncluded,
		Complete:      snap.Complete,
	}
}

// SQLiteStore persists flow records to an on-disk SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("SQLite capture storage initialized", "path", dbPath)
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS flows (
		id INTEGER PRIMARY KEY,
		start_time DATETIME NOT NULL,
		client_addr TEXT NOT NULL,
		scheme TEXT NOT NULL,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		status INTEGER NOT NULL DEFAULT 0,
		tags TEXT,
		notes TEXT,
		scope_included INTEGER NOT NULL DEFAULT 0,
		complete INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_flows_start_time ON flows(start_time);
	CREATE INDEX IF NOT EXISTS idx_flows_host ON flows(host);
	CREATE INDEX IF NOT EXISTS idx_flows_status ON flows(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveFlow upserts a flow record. It satisfies capture.Persister.
func (s *SQLiteStore) SaveFlow(snap flow.Snapshot) error {
	record := recordFromSnapshot(snap)
	tags, err := json.Marshal(record.Tags)
	if err != nil {
		tags = []byte("[]")
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO flows
		(id, start_time, client_addr, scheme, host, port, method, url, status, tags, notes, scope_included, complete)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.StartTime,
		record.ClientAddr,
		record.Scheme,
		record.Host,
		record.Port,
		record.Method,
		record.URL,
		record.Status,
		string(tags),
		record.Notes,
		record.ScopeIncluded,
		record.Complete,
	)
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}
	return nil
}

// ListFlowsOptions narrows a ListFlows query.
type ListFlowsOptions struct {
	Limit  int
	Offset int
	Host   string
	Since  *time.Time
}

// ListFlows retrieves persisted flow records, most recent first.
func (s *SQLiteStore) ListFlows(opts ListFlowsOptions) ([]FlowRecord, error) {
	query := `
		SELECT id, start_time, client_addr, scheme, host, port, method, url, status, tags, notes, scope_included, complete
		FROM flows WHERE 1=1`
	args := []interface{}{}

	if opts.Host != "" {
		query += " AND host = ?"
		args = append(args, opts.Host)
	}
	if opts.Since != nil {
		query += " AND start_time >= ?"
		args = append(args, *opts.Since)
	}

	query += " ORDER BY start_time DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()

	var records []FlowRecord
	for rows.Next() {
		var record FlowRecord
		var tagsStr sql.NullString
		err := rows.Scan(
			&record.ID,
			&record.StartTime,
			&record.ClientAddr,
			&record.Scheme,
			&record.Host,
			&record.Port,
			&record.Method,
			&record.URL,
			&record.Status,
			&tagsStr,
			&record.Notes,
			&record.ScopeIncluded,
			&record.Complete,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		if tagsStr.Valid && tagsStr.String != "" {
			_ = json.Unmarshal([]byte(tagsStr.String), &record.Tags)
		}
		records = append(records, record)
	}
	return records, nil
}

// Stats holds aggregate counters over persisted flows.
type Stats struct {
	TotalFlows    int64           `json:"total_flows"`
	TotalByStatus map[string]int64 `json:"total_by_status"`
	TotalByHost   map[string]int64 `json:"total_by_host"`
}

// GetStats computes aggregate statistics, optionally since a cutoff.
func (s *SQLiteStore) GetStats(since *time.Time) (*Stats, error) {
	stats := &Stats{
		TotalByStatus: make(map[string]int64),
		TotalByHost:   make(map[string]int64),
	}

	whereClause := "WHERE 1=1"
	args := []interface{}{}
	if since != nil {
		whereClause += " AND start_time >= ?"
		args = append(args, *since)
	}

	row := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM flows %s`, whereClause), args...)
	if err := row.Scan(&stats.TotalFlows); err != nil {
		return nil, fmt.Errorf("failed to get aggregate stats: %w", err)
	}

	rows, err := s.db.Query(fmt.Sprintf(`SELECT status, COUNT(*) FROM flows %s GROUP BY status`, whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get status stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status int
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.TotalByStatus[fmt.Sprintf("%d", status)] = count
	}

	rows, err = s.db.Query(fmt.Sprintf(`SELECT host, COUNT(*) FROM flows %s GROUP BY host`, whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get host stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var host string
		var count int64
		if err := rows.Scan(&host, &count); err != nil {
			return nil, err
		}
		stats.TotalByHost[host] = count
	}

	return stats, nil
}

// Cleanup deletes flow records older than retentionDays, returning the
// number of rows removed.
func (s *SQLiteStore) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result, err := s.db.Exec("DELETE FROM flows WHERE start_time < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old flows: %w", err)
	}
	return result.RowsAffected()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
