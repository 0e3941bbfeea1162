package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Create ensures the type T is saved to the database.
func Create[T any](ctx context.Context, db *gorm.DB, entity *T) error {
	return gorm.G[T](db).Create(ctx, entity)
}

// FindByID finds a record of type T by its ID.
func FindByID[T any](ctx context.Context, db *gorm.DB, id uint) (*T, error) {
	entity, err := gorm.G[T](db).Where("id = ?", id).First(ctx)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

// ConnectionLog records when sessions open and close.
type ConnectionLog struct {
	db  *gorm.DB
	now func() time.Time
}

func NewConnectionLog(db *gorm.DB) *ConnectionLog {
	return &ConnectionLog{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// RecordOpen stores a new open session and returns its record id.
func (l *ConnectionLog) RecordOpen(ctx context.Context, roomID, userID, remoteAddr string) (uint, error) {
	record := ConnectionRecord{
		RoomID:      roomID,
		UserID:      userID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: l.now(),
	}
	if err := Create(ctx, l.db, &record); err != nil {
		return 0, fmt.Errorf("record open connection: %w", err)
	}
	return record.ID, nil
}

// RecordClose stamps the disconnect time once. Closing an already closed
// record is a no-op.
func (l *ConnectionLog) RecordClose(ctx context.Context, id uint) error {
	result := l.db.WithContext(ctx).
		Model(&ConnectionRecord{}).
		Where("id = ? AND disconnected_at IS NULL", id).
		Update("disconnected_at", l.now())
	if result.Error != nil {
		return fmt.Errorf("record close connection %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := FindByID[ConnectionRecord](ctx, l.db, id); err != nil {
			return fmt.Errorf("record close connection %d: %w", id, err)
		}
	}
	return nil
}

// ForRoom lists the sessions of a room, newest first.
func (l *ConnectionLog) ForRoom(ctx context.Context, roomID string, limit int) ([]ConnectionRecord, error) {
	var records []ConnectionRecord
	q := l.db.WithContext(ctx).Where("room_id = ?", roomID).Order("connected_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list connections for room %s: %w", roomID, err)
	}
	return records, nil
}
