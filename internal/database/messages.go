package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/umar/guestchat/internal/apperr"
	"github.com/umar/guestchat/internal/models"
)

const messageColumns = `id, room_id, sender_id, sender_username, content, type,
	file_url, file_name, file_size, edited, edited_at, read_by, created_at`

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	var fileURL, fileName sql.NullString
	var fileSize sql.NullInt64
	var editedAt sql.NullTime
	if err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderUsername, &m.Content, &m.Type,
		&fileURL, &fileName, &fileSize, &m.Edited, &editedAt, pq.Array(&m.ReadBy), &m.CreatedAt); err != nil {
		return nil, err
	}
	if fileURL.Valid && fileURL.String != "" {
		m.FileMeta = &models.FileMeta{URL: fileURL.String, Name: fileName.String, Size: fileSize.Int64}
	}
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	return &m, nil
}

// InsertMessage stores m and sets its generated id.
func (s *Store) InsertMessage(ctx context.Context, m *models.Message) error {
	var fileURL, fileName, fileSize interface{}
	if m.FileMeta != nil {
		fileURL, fileName, fileSize = m.FileMeta.URL, m.FileMeta.Name, m.FileMeta.Size
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (room_id, sender_id, sender_username, content, type, file_url, file_name, file_size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, m.RoomID, m.SenderID, m.SenderUsername, m.Content, m.Type, fileURL, fileName, fileSize, m.CreatedAt,
	).Scan(&m.ID)
	if err != nil {
		return apperr.Unavailable("failed to insert message", err)
	}
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || invalidID(err) {
			return nil, nil
		}
		return nil, apperr.Unavailable("failed to get message", err)
	}
	return m, nil
}

func (s *Store) UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = $2, edited = TRUE, edited_at = $3 WHERE id = $1`,
		id, content, editedAt)
	if err != nil {
		return apperr.Unavailable("failed to update message", err)
	}
	return nil
}

// DeleteMessage hard-deletes a message and reports whether it existed.
func (s *Store) DeleteMessage(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		if invalidID(err) {
			return false, nil
		}
		return false, apperr.Unavailable("failed to delete message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Unavailable("failed to delete message", err)
	}
	return n > 0, nil
}

// LatestMessage is the newest message left in roomID, or nil.
func (s *Store) LatestMessage(ctx context.Context, roomID string) (*models.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE room_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1
	`, roomID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || invalidID(err) {
			return nil, nil
		}
		return nil, apperr.Unavailable("failed to get latest message", err)
	}
	return m, nil
}

// GetMessages returns up to limit messages of roomID created strictly before
// before (any time when zero), newest first.
func (s *Store) GetMessages(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE room_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC, id DESC LIMIT $3
	`, roomID, nullTime(before), limit)
	if err != nil {
		if invalidID(err) {
			return []models.Message{}, nil
		}
		return nil, apperr.Unavailable("failed to get messages", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.Unavailable("failed to scan message", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Unavailable("failed to get messages", err)
	}
	return messages, nil
}

// MarkRead adds userID to read_by on every message in roomID that lacks it
// and returns how many messages changed.
func (s *Store) MarkRead(ctx context.Context, roomID, userID string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read_by = array_append(read_by, $2)
		WHERE room_id = $1 AND NOT ($2 = ANY(read_by))
	`, roomID, userID)
	if err != nil {
		return 0, apperr.Unavailable("failed to mark messages read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Unavailable("failed to mark messages read", err)
	}
	return n, nil
}
