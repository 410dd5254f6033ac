package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aneshas/eventcore/bus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type checkpoint struct {
	SubscriberID           string `gorm:"primaryKey"`
	LastDispatchedSequence uint64
	Status                 string
	UpdatedAt              time.Time
}

// TableName returns gorm table name
func (checkpoint) TableName() string { return "subscription_checkpoint" }

type deadLetter struct {
	ID           uint   `gorm:"primaryKey"`
	SubscriberID string `gorm:"uniqueIndex:idx_dead_letter_event"`
	Sequence     uint64 `gorm:"uniqueIndex:idx_dead_letter_event"`
	EventID      string
	EventType    string
	StreamID     string
	Attempts     int
	Error        string
	FailedAt     time.Time
}

// TableName returns gorm table name
func (deadLetter) TableName() string { return "subscription_dead_letter" }

// NewCheckpointStore constructs a gorm backed checkpoint store, the
// subscription_checkpoint table is created if missing
func NewCheckpointStore(db *gorm.DB) (*CheckpointStore, error) {
	if err := db.AutoMigrate(&checkpoint{}); err != nil {
		return nil, fmt.Errorf("migrate checkpoints: %w", err)
	}

	return &CheckpointStore{db: db}, nil
}

// CheckpointStore persists subscriber checkpoints in a relational database
type CheckpointStore struct {
	db *gorm.DB
}

// Load returns the checkpoint of a subscriber, subscribers without one start
// at position 0
func (s *CheckpointStore) Load(ctx context.Context, subscriberID string) (bus.Checkpoint, error) {
	var cp checkpoint

	err := s.db.WithContext(ctx).
		Where("subscriber_id = ?", subscriberID).
		Take(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return bus.Checkpoint{SubscriberID: subscriberID, Status: bus.StatusActive}, nil
	}

	if err != nil {
		return bus.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", subscriberID, err)
	}

	return cp.toBus(), nil
}

// Save upserts the checkpoint of a subscriber
func (s *CheckpointStore) Save(ctx context.Context, cp bus.Checkpoint) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&checkpoint{
			SubscriberID:           cp.SubscriberID,
			LastDispatchedSequence: cp.Position,
			Status:                 string(cp.Status),
			UpdatedAt:              time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.SubscriberID, err)
	}

	return nil
}

// List returns every stored checkpoint ordered by subscriber id
func (s *CheckpointStore) List(ctx context.Context) ([]bus.Checkpoint, error) {
	var cps []checkpoint

	if err := s.db.WithContext(ctx).Order("subscriber_id asc").Find(&cps).Error; err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	out := make([]bus.Checkpoint, len(cps))

	for i, cp := range cps {
		out[i] = cp.toBus()
	}

	return out, nil
}

func (cp checkpoint) toBus() bus.Checkpoint {
	return bus.Checkpoint{
		SubscriberID: cp.SubscriberID,
		Position:     cp.LastDispatchedSequence,
		Status:       bus.Status(cp.Status),
		UpdatedAt:    cp.UpdatedAt,
	}
}

// NewDeadLetterStore constructs a gorm backed dead letter store, the
// subscription_dead_letter table is created if missing
func NewDeadLetterStore(db *gorm.DB) (*DeadLetterStore, error) {
	if err := db.AutoMigrate(&deadLetter{}); err != nil {
		return nil, fmt.Errorf("migrate dead letters: %w", err)
	}

	return &DeadLetterStore{db: db}, nil
}

// DeadLetterStore persists the events subscribers gave up on
type DeadLetterStore struct {
	db *gorm.DB
}

// Record stores a dead letter, recording the same subscriber and sequence again is a no-op
func (s *DeadLetterStore) Record(ctx context.Context, dl bus.DeadLetter) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subscriber_id"}, {Name: "sequence"}},
			DoNothing: true,
		}).
		Create(&deadLetter{
			SubscriberID: dl.SubscriberID,
			Sequence:     dl.Sequence,
			EventID:      dl.EventID,
			EventType:    dl.EventType,
			StreamID:     dl.StreamID,
			Attempts:     dl.Attempts,
			Error:        dl.Error,
			FailedAt:     dl.FailedAt,
		}).Error
	if err != nil {
		return fmt.Errorf("record dead letter %s/%d: %w", dl.SubscriberID, dl.Sequence, err)
	}

	return nil
}

// List returns the dead letters of a subscriber ordered by sequence
func (s *DeadLetterStore) List(ctx context.Context, subscriberID string) ([]bus.DeadLetter, error) {
	var dls []deadLetter

	err := s.db.WithContext(ctx).
		Where("subscriber_id = ?", subscriberID).
		Order("sequence asc").
		Find(&dls).Error
	if err != nil {
		return nil, fmt.Errorf("list dead letters %s: %w", subscriberID, err)
	}

	out := make([]bus.DeadLetter, len(dls))

	for i, dl := range dls {
		out[i] = bus.DeadLetter{
			SubscriberID: dl.SubscriberID,
			Sequence:     dl.Sequence,
			EventID:      dl.EventID,
			EventType:    dl.EventType,
			StreamID:     dl.StreamID,
			Attempts:     dl.Attempts,
			Error:        dl.Error,
			FailedAt:     dl.FailedAt,
		}
	}

	return out, nil
}
