package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/umar/guestchat/internal/apperr"
	"github.com/umar/guestchat/internal/models"
)

const roomColumns = `id, name, description, type, owner_id, owner_username, last_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRoom(row rowScanner) (*models.Room, error) {
	var r models.Room
	var last []byte
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Type, &r.OwnerID, &r.OwnerUsername,
		&last, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if len(last) > 0 && string(last) != "null" {
		var sum models.Summary
		if err := json.Unmarshal(last, &sum); err != nil {
			return nil, fmt.Errorf("failed to decode room summary: %w", err)
		}
		r.LastMessage = &sum
	}
	return &r, nil
}

// summaryParam encodes s for a JSONB column; nil stays SQL NULL.
func summaryParam(s *models.Summary) (interface{}, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode room summary: %w", err)
	}
	return string(b), nil
}

// CreateRoom inserts r with an empty summary and fills in the generated
// id and timestamps.
func (s *Store) CreateRoom(ctx context.Context, r *models.Room) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO rooms (name, description, type, owner_id, owner_username)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		r.Name, r.Description, r.Type, r.OwnerID, r.OwnerUsername,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return apperr.Unavailable("failed to create room", err)
	}
	r.LastMessage = nil
	return nil
}

func (s *Store) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	r, err := scanRoom(s.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || invalidID(err) {
			return nil, nil
		}
		return nil, apperr.Unavailable("failed to get room", err)
	}
	return r, nil
}

// ListRooms returns public rooms by most recent activity, strictly older than
// before when it is set.
func (s *Store) ListRooms(ctx context.Context, before time.Time, limit int) ([]models.Room, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+roomColumns+` FROM rooms
		WHERE type = 'public' AND ($1::timestamptz IS NULL OR updated_at < $1)
		ORDER BY updated_at DESC LIMIT $2
	`, nullTime(before), limit)
	if err != nil {
		return nil, apperr.Unavailable("failed to list rooms", err)
	}
	defer rows.Close()

	rooms := []models.Room{}
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Unavailable("failed to list rooms", err)
	}
	return rooms, nil
}

// AdvanceRoomSummary installs sum unless the room already shows a newer
// message.
func (s *Store) AdvanceRoomSummary(ctx context.Context, roomID string, sum *models.Summary) error {
	if sum == nil {
		return nil
	}
	param, err := summaryParam(sum)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
		UPDATE rooms SET last_message = $2::jsonb, updated_at = $3
		WHERE id = $1
		  AND (last_message IS NULL OR (last_message->>'createdAt')::timestamptz <= $3)
	`, roomID, param, sum.CreatedAt)
	if err != nil {
		return apperr.Unavailable("failed to advance room summary", err)
	}
	return nil
}

// ReplaceRoomSummary installs sum (nil clears it) only while the room still
// shows expectedID. It reports whether the row changed.
func (s *Store) ReplaceRoomSummary(ctx context.Context, roomID, expectedID string, sum *models.Summary) (bool, error) {
	param, err := summaryParam(sum)
	if err != nil {
		return false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE rooms SET last_message = $3::jsonb, updated_at = NOW()
		WHERE id = $1 AND last_message->>'_id' = $2
	`, roomID, expectedID, param)
	if err != nil {
		if invalidID(err) {
			return false, nil
		}
		return false, apperr.Unavailable("failed to replace room summary", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Unavailable("failed to replace room summary", err)
	}
	return n > 0, nil
}
