package callstore

import (
	"context"
	"errors"
	"time"

	"github.com/eleven-am/call-relay/internal/shared"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&CallRecord{})
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Upsert inserts the record or overwrites every column of an existing one.
func (s *Store) Upsert(ctx context.Context, rec *CallRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(rec).Error
}

func (s *Store) MarkStreaming(ctx context.Context, callID string, at time.Time) error {
	return s.update(ctx, callID, map[string]any{
		"state":        "streaming",
		"streaming_at": at,
	})
}

func (s *Store) UpdateState(ctx context.Context, callID, state string) error {
	return s.update(ctx, callID, map[string]any{"state": state})
}

// Finish writes the final counters of a closed call. A call that was never
// recorded as started is inserted.
func (s *Store) Finish(ctx context.Context, rec *CallRecord) error {
	if rec.EndedAt == nil {
		now := time.Now().UTC()
		rec.EndedAt = &now
	}
	rec.State = "closed"

	result := s.db.WithContext(ctx).
		Model(&CallRecord{}).
		Where("call_id = ?", rec.CallID).
		Updates(map[string]any{
			"state":           rec.State,
			"close_reason":    rec.CloseReason,
			"inbound_frames":  rec.InboundFrames,
			"inbound_bytes":   rec.InboundBytes,
			"outbound_frames": rec.OutboundFrames,
			"outbound_bytes":  rec.OutboundBytes,
			"marks_sent":      rec.MarksSent,
			"dropped_frames":  rec.DroppedFrames,
			"ended_at":        rec.EndedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.Upsert(ctx, rec)
	}
	return nil
}

func (s *Store) update(ctx context.Context, callID string, fields map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&CallRecord{}).
		Where("call_id = ?", callID).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, callID string) (*CallRecord, error) {
	var rec CallRecord
	err := s.db.WithContext(ctx).Where("call_id = ?", callID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecent returns calls newest first.
func (s *Store) ListRecent(ctx context.Context, filter ListFilter) ([]*CallRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := s.db.WithContext(ctx).Model(&CallRecord{})
	if filter.AgentID != "" {
		query = query.Where("agent_id = ?", filter.AgentID)
	}
	if filter.State != "" {
		query = query.Where("state = ?", filter.State)
	}

	var records []*CallRecord
	err := query.Order("started_at DESC").Limit(limit).Find(&records).Error
	return records, err
}
