package store

import (
	"context"
	"database/sql"
	"errors"

	"wamator/internal/model"
)

// LookupAdmission loads the number, its owner, the owner's live subscription and quota
// in one read. ErrNotFound means the tenant does not own the (user, number) pair.
func (s *Store) LookupAdmission(ctx context.Context, tenantID, userID int64, address string) (model.Admission, error) {
	var (
		a         model.Admission
		isActive  int
		subID     sql.NullInt64
		maxPhones sql.NullInt64
	)
	err := s.queryRow(ctx, `
		SELECT wn.id, wn.is_active, au.id, sub.id, p.max_phone_numbers
		FROM app_users au
		JOIN whatsapp_numbers wn ON wn.app_user_id = au.id
		LEFT JOIN subscriptions sub ON sub.app_user_id = au.id AND sub.status = 'active'
		     AND (sub.ends_at IS NULL OR sub.ends_at > ?)
		LEFT JOIN plans p ON p.id = sub.plan_id
		WHERE au.id = ? AND au.api_consumer_id = ? AND wn.phone_number = ?
		ORDER BY sub.id DESC
		LIMIT 1`, s.nowMillis(), userID, tenantID, address).
		Scan(&a.WhatsAppNumberID, &isActive, &a.AppUserID, &subID, &maxPhones)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Admission{}, ErrNotFound
	}
	if err != nil {
		return model.Admission{}, err
	}
	if a.ActiveAddresses, err = s.activeAddresses(ctx, a.AppUserID); err != nil {
		return model.Admission{}, err
	}
	a.ActiveNumbers = len(a.ActiveAddresses)
	a.IsActive = isActive == 1
	a.HasSubscription = subID.Valid
	a.MaxPhoneNumbers = int(maxPhones.Int64)
	return a, nil
}

func (s *Store) activeAddresses(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.query(ctx, `
		SELECT phone_number FROM whatsapp_numbers
		WHERE app_user_id = ? AND is_active = 1
		ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

func (s *Store) MarkSessionActive(ctx context.Context, userID int64, address, sessionKey string) error {
	_, err := s.exec(ctx, `
		UPDATE whatsapp_numbers SET session_id = ?, is_active = 1
		WHERE app_user_id = ? AND phone_number = ?`, sessionKey, userID, address)
	return err
}

func (s *Store) ClearSession(ctx context.Context, userID int64, address string) error {
	_, err := s.exec(ctx, `
		UPDATE whatsapp_numbers SET session_id = NULL, is_active = 0
		WHERE app_user_id = ? AND phone_number = ?`, userID, address)
	return err
}

// ListActiveSessions returns every record that claims a live session, oldest first.
func (s *Store) ListActiveSessions(ctx context.Context) ([]model.SessionRecord, error) {
	rows, err := s.query(ctx, `
		SELECT au.api_consumer_id, wn.app_user_id, wn.phone_number, wn.session_id
		FROM whatsapp_numbers wn
		JOIN app_users au ON au.id = wn.app_user_id
		WHERE wn.is_active = 1 AND wn.session_id IS NOT NULL
		ORDER BY wn.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SessionRecord
	for rows.Next() {
		var r model.SessionRecord
		if err := rows.Scan(&r.TenantID, &r.UserID, &r.Address, &r.SessionKey); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveSessionForUser returns the first active number of the user.
func (s *Store) ActiveSessionForUser(ctx context.Context, userID int64) (model.SessionRecord, error) {
	r := model.SessionRecord{UserID: userID}
	err := s.queryRow(ctx, `
		SELECT au.api_consumer_id, wn.phone_number, wn.session_id
		FROM whatsapp_numbers wn
		JOIN app_users au ON au.id = wn.app_user_id
		WHERE wn.app_user_id = ? AND wn.is_active = 1 AND wn.session_id IS NOT NULL
		ORDER BY wn.id
		LIMIT 1`, userID).Scan(&r.TenantID, &r.Address, &r.SessionKey)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return model.SessionRecord{}, err
	}
	return r, nil
}
