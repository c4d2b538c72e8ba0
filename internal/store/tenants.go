package store

import (
	"context"
	"database/sql"
	"errors"

	"wamator/internal/model"
)

func (s *Store) ConsumerByAPIKey(ctx context.Context, apiKey string) (model.Consumer, error) {
	var c model.Consumer
	err := s.queryRow(ctx, `SELECT id, name FROM api_consumer WHERE api_key = ?`, apiKey).Scan(&c.ID, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Consumer{}, ErrNotFound
	}
	return c, err
}

func (s *Store) UserOwned(ctx context.Context, tenantID, userID int64) (bool, error) {
	var id int64
	err := s.queryRow(ctx, `SELECT id FROM app_users WHERE id = ? AND api_consumer_id = ?`, userID, tenantID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// HasActiveSubscription treats a missing ends_at as open-ended.
func (s *Store) HasActiveSubscription(ctx context.Context, userID int64) (bool, error) {
	var id int64
	err := s.queryRow(ctx, `
		SELECT id FROM subscriptions
		WHERE app_user_id = ? AND status = 'active' AND (ends_at IS NULL OR ends_at > ?)
		LIMIT 1`, userID, s.nowMillis()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// AuthorizedContacts returns the subset of numbers present in the user's contact list.
func (s *Store) AuthorizedContacts(ctx context.Context, tenantID, userID int64, numbers []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(numbers) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(numbers)+2)
	args = append(args, userID, tenantID)
	for _, n := range numbers {
		args = append(args, n)
	}
	rows, err := s.query(ctx, `
		SELECT phone_number FROM contact_lists
		WHERE app_user_id = ? AND api_consumer_id = ? AND phone_number IN (`+placeholders(len(numbers))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var phone string
		if err := rows.Scan(&phone); err != nil {
			return nil, err
		}
		out[phone] = true
	}
	return out, rows.Err()
}

func (s *Store) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	err := s.queryRow(ctx, query+" RETURNING id", args...).Scan(&id)
	return id, err
}

func (s *Store) CreateConsumer(ctx context.Context, name, apiKey string) (int64, error) {
	return s.insertID(ctx, `INSERT INTO api_consumer (name, api_key) VALUES (?, ?)`, name, apiKey)
}

func (s *Store) CreateUser(ctx context.Context, tenantID int64, name string) (int64, error) {
	return s.insertID(ctx, `INSERT INTO app_users (api_consumer_id, name) VALUES (?, ?)`, tenantID, name)
}

func (s *Store) CreatePlan(ctx context.Context, name string, maxPhoneNumbers int) (int64, error) {
	return s.insertID(ctx, `INSERT INTO plans (name, max_phone_numbers) VALUES (?, ?)`, name, maxPhoneNumbers)
}

// CreateSubscription stores endsAt as unix millis; zero means open-ended.
func (s *Store) CreateSubscription(ctx context.Context, userID, planID int64, status string, endsAt int64) (int64, error) {
	var ends any
	if endsAt > 0 {
		ends = endsAt
	}
	return s.insertID(ctx, `INSERT INTO subscriptions (app_user_id, plan_id, status, ends_at) VALUES (?, ?, ?, ?)`,
		userID, planID, status, ends)
}

func (s *Store) AddNumber(ctx context.Context, userID int64, phone string) (int64, error) {
	return s.insertID(ctx, `INSERT INTO whatsapp_numbers (app_user_id, phone_number) VALUES (?, ?)`, userID, phone)
}

func (s *Store) AddContact(ctx context.Context, tenantID, userID int64, phone, name string) (int64, error) {
	return s.insertID(ctx, `INSERT INTO contact_lists (api_consumer_id, app_user_id, phone_number, name) VALUES (?, ?, ?, ?)`,
		tenantID, userID, phone, name)
}
