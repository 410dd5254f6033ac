package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Snapshot is a serialized aggregate state at a given stream version.
// Loading an aggregate from a snapshot only needs the events after Version
type Snapshot struct {
	StreamID   string
	StreamType string
	Version    int
	State      []byte
	CreatedAt  time.Time
}

type gormSnapshot struct {
	StreamID   string `gorm:"primaryKey"`
	StreamType string
	Version    int
	State      []byte
	CreatedAt  time.Time
}

// TableName returns gorm table name
func (gs *gormSnapshot) TableName() string { return "snapshot" }

// SaveSnapshot stores (replaces) the snapshot of a stream
func (es *EventStore) SaveSnapshot(ctx context.Context, s Snapshot) error {
	if len(s.StreamID) == 0 {
		return fmt.Errorf("stream name must be provided")
	}

	row := gormSnapshot{
		StreamID:   s.StreamID,
		StreamType: s.StreamType,
		Version:    s.Version,
		State:      s.State,
		CreatedAt:  time.Now().UTC(),
	}

	err := es.Conn(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error

	return storageErr("save snapshot", err)
}

// LoadSnapshot returns the latest snapshot of a stream or nil if there is none
func (es *EventStore) LoadSnapshot(ctx context.Context, stream string) (*Snapshot, error) {
	var row gormSnapshot

	err := es.Conn(ctx).Where("stream_id = ?", stream).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, storageErr("load snapshot", err)
	}

	return &Snapshot{
		StreamID:   row.StreamID,
		StreamType: row.StreamType,
		Version:    row.Version,
		State:      row.State,
		CreatedAt:  row.CreatedAt,
	}, nil
}
