package store

import (
	"context"
	"database/sql"
	"errors"
)

// SaveDevice maps a session key to the paired device identity of the transport.
func (s *Store) SaveDevice(ctx context.Context, sessionKey, deviceJID string) error {
	_, err := s.exec(ctx, `
		INSERT INTO transport_devices (session_key, device_jid, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (session_key) DO UPDATE SET device_jid = excluded.device_jid, updated_at = excluded.updated_at`,
		sessionKey, deviceJID, s.nowMillis())
	return err
}

func (s *Store) DeviceJID(ctx context.Context, sessionKey string) (string, error) {
	var jid string
	err := s.queryRow(ctx, `SELECT device_jid FROM transport_devices WHERE session_key = ?`, sessionKey).Scan(&jid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return jid, err
}

func (s *Store) DeleteDevice(ctx context.Context, sessionKey string) error {
	_, err := s.exec(ctx, `DELETE FROM transport_devices WHERE session_key = ?`, sessionKey)
	return err
}
