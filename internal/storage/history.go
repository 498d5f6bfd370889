package storage

import (
	"fmt"
	"time"
)

// DefaultHistoryLimit bounds History when limit <= 0.
const DefaultHistoryLimit = 20

// Run is one recorded operation outcome.
type Run struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"`
	Success    bool      `json:"success"`
	Port       int       `json:"port"`
	Status     string    `json:"status"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RecordRun appends an outcome to the run history.
func (s *SQLiteStore) RecordRun(kind string, success bool, port int, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(
		"INSERT INTO run_history (kind, success, port, status, recorded_at) VALUES (?, ?, ?, ?, ?)",
		kind, boolToInt(success), port, status, s.timestamp(),
	); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// History returns up to limit runs, newest first.
func (s *SQLiteStore) History(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, kind, success, port, status, recorded_at FROM run_history ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			success  int
			recorded string
		)
		if err := rows.Scan(&r.ID, &r.Kind, &success, &r.Port, &r.Status, &recorded); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.Success = success != 0
		if t, err := time.Parse(time.RFC3339, recorded); err == nil {
			r.RecordedAt = t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// PruneHistory deletes runs older than retention and returns how many
// rows were removed.
func (s *SQLiteStore) PruneHistory(retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-retention).Format(time.RFC3339)
	res, err := s.db.Exec("DELETE FROM run_history WHERE recorded_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}
