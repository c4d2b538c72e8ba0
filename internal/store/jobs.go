package store

import (
	"context"
	"database/sql"
	"errors"

	"wamator/internal/model"
)

type PendingJob struct {
	BatchID   string
	TenantID  int64
	UserID    int64
	Recipient string
	Message   string
	Type      model.MessageType
	MediaURL  string
}

func (s *Store) InsertPendingJob(ctx context.Context, j PendingJob) error {
	var mediaURL any
	if j.MediaURL != "" {
		mediaURL = j.MediaURL
	}
	_, err := s.exec(ctx, `
		INSERT INTO sent_messages (batch_id, recipient, api_consumer_id, app_user_id, message, channel, status, message_type, media_url, created_at)
		VALUES (?, ?, ?, ?, ?, 'whatsapp', 'pending', ?, ?, ?)`,
		j.BatchID, j.Recipient, j.TenantID, j.UserID, j.Message, string(j.Type), mediaURL, s.nowMillis())
	return err
}

func (s *Store) JobStatus(ctx context.Context, batchID, recipient string) (model.JobStatus, error) {
	var status string
	err := s.queryRow(ctx, `SELECT status FROM sent_messages WHERE batch_id = ? AND recipient = ?`, batchID, recipient).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return model.JobStatus(status), err
}

// MarkDelivered moves a non-terminal row to delivered. It reports whether a row changed.
func (s *Store) MarkDelivered(ctx context.Context, batchID, recipient string) (bool, error) {
	now := s.nowMillis()
	res, err := s.exec(ctx, `
		UPDATE sent_messages SET status = 'delivered', delivered_at = ?, sent_at = COALESCE(sent_at, ?)
		WHERE batch_id = ? AND recipient = ? AND status IN ('pending', 'sent')`,
		now, now, batchID, recipient)
	return changed(res, err)
}

// MarkFailed moves a non-terminal row to failed with reason.
func (s *Store) MarkFailed(ctx context.Context, batchID, recipient, reason string) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE sent_messages SET status = 'failed', error_message = ?, sent_at = ?
		WHERE batch_id = ? AND recipient = ? AND status IN ('pending', 'sent')`,
		reason, s.nowMillis(), batchID, recipient)
	return changed(res, err)
}

func (s *Store) ListBatch(ctx context.Context, tenantID int64, batchID string) ([]model.JobRow, error) {
	rows, err := s.query(ctx, `
		SELECT batch_id, recipient, status, message_type, error_message, sent_at, delivered_at
		FROM sent_messages
		WHERE api_consumer_id = ? AND batch_id = ?
		ORDER BY recipient`, tenantID, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.JobRow
	for rows.Next() {
		var (
			r           model.JobRow
			status      string
			msgType     string
			errMsg      sql.NullString
			sentAt      sql.NullInt64
			deliveredAt sql.NullInt64
		)
		if err := rows.Scan(&r.BatchID, &r.Recipient, &status, &msgType, &errMsg, &sentAt, &deliveredAt); err != nil {
			return nil, err
		}
		r.Status = model.JobStatus(status)
		r.MessageType = model.MessageType(msgType)
		r.ErrorMessage = errMsg.String
		r.SentAt = sentAt.Int64
		r.DeliveredAt = deliveredAt.Int64
		out = append(out, r)
	}
	return out, rows.Err()
}

func changed(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
