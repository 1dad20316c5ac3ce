package store

import (
	"database/sql"
	"time"
)

// SetValue upserts a key-value pair in the kv table.
func (s *Store) SetValue(key string, value []byte) error {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?, updated_at = ?`,
		key, value, now, value, now,
	)
	return err
}

// GetValue returns the value for key.
// Returns nil and nil error if the key is missing.
func (s *Store) GetValue(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return value, err
}

// DeleteValue removes key. Deleting a missing key is not an error.
func (s *Store) DeleteValue(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// DeleteStaleValues removes entries not written since before and returns
// how many were removed.
func (s *Store) DeleteStaleValues(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM kv WHERE updated_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SessionStore persists one assessment session blob under a fixed key.
type SessionStore struct {
	store *Store
	key   string
}

// SessionStore returns the durable session port backed by the kv table.
func (s *Store) SessionStore(key string) *SessionStore {
	return &SessionStore{store: s, key: key}
}

func (ss *SessionStore) Load() ([]byte, error) {
	v, err := ss.store.GetValue(ss.key)
	if err != nil {
		return nil, err
	}
	if len(v) == 0 {
		return nil, nil
	}
	return v, nil
}

func (ss *SessionStore) Save(data []byte) error {
	return ss.store.SetValue(ss.key, data)
}

func (ss *SessionStore) Clear() error {
	return ss.store.DeleteValue(ss.key)
}
