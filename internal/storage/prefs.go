package storage

import (
	"fmt"
	"time"
)

// Prefs is the persisted preference record.
type Prefs struct {
	IsPaired      bool
	HasPermission bool
	LastStatus    string
	LastPort      int
	UpdatedAt     time.Time
}

// Prefs returns the current preference record.
func (s *SQLiteStore) Prefs() (Prefs, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p                 Prefs
		paired, permitted int
		updated           string
	)
	err := s.db.QueryRow(
		"SELECT is_paired, has_permission, last_status, last_port, updated_at FROM prefs WHERE id = 1",
	).Scan(&paired, &permitted, &p.LastStatus, &p.LastPort, &updated)
	if err != nil {
		return Prefs{}, fmt.Errorf("read prefs: %w", err)
	}
	p.IsPaired = paired != 0
	p.HasPermission = permitted != 0
	if t, err := time.Parse(time.RFC3339, updated); err == nil {
		p.UpdatedAt = t
	}
	return p, nil
}

// SetPaired records whether the daemon trusts our identity.
func (s *SQLiteStore) SetPaired(paired bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(
		"UPDATE prefs SET is_paired = ?, updated_at = ? WHERE id = 1",
		boolToInt(paired), s.timestamp(),
	); err != nil {
		return fmt.Errorf("set paired: %w", err)
	}
	return nil
}

// RecordSwitch stores the outcome of the latest switch or self-test.
// port is the discovered daemon port, or -1.
func (s *SQLiteStore) RecordSwitch(status string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(
		"UPDATE prefs SET last_status = ?, last_port = ?, updated_at = ? WHERE id = 1",
		status, port, s.timestamp(),
	); err != nil {
		return fmt.Errorf("record switch: %w", err)
	}
	return nil
}

// RecordPermission stores whether the last grant attempt left the
// permission granted.
func (s *SQLiteStore) RecordPermission(granted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(
		"UPDATE prefs SET has_permission = ?, updated_at = ? WHERE id = 1",
		boolToInt(granted), s.timestamp(),
	); err != nil {
		return fmt.Errorf("record permission: %w", err)
	}
	return nil
}

// ResetPairing clears the paired and permission flags. The last switch
// status is kept.
func (s *SQLiteStore) ResetPairing() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(
		"UPDATE prefs SET is_paired = 0, has_permission = 0, updated_at = ? WHERE id = 1",
		s.timestamp(),
	); err != nil {
		return fmt.Errorf("reset pairing: %w", err)
	}
	return nil
}
