package outbox

import (
	"errors"
	"fmt"
	"time"
)

// ErrPublish marks failures to hand events over to the publisher
var ErrPublish = errors.New("publish failed")

// PublishError is returned by Tick when a batch could not be published
// within the configured number of attempts
type PublishError struct {
	FromSequence uint64
	ToSequence   uint64
	Attempts     int
	Err          error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish events %d-%d (%d attempts): %v", e.FromSequence, e.ToSequence, e.Attempts, e.Err)
}

// Unwrap exposes both ErrPublish and the publisher error
func (e *PublishError) Unwrap() []error { return []error{ErrPublish, e.Err} }

// Entry tracks the delivery of a single stored event by one relay
type Entry struct {
	Relay            string `gorm:"primaryKey"`
	Sequence         uint64 `gorm:"primaryKey;autoIncrement:false"`
	EventID          string
	EventType        string
	StreamID         string
	Dispatched       bool `gorm:"index"`
	DispatchAttempts int
	LastAttemptAt    *time.Time
	DispatchedAt     *time.Time
	Failed           bool
	LastError        string
}

// TableName returns gorm table name
func (Entry) TableName() string { return "outbox_entry" }

type cursor struct {
	Name      string `gorm:"primaryKey"`
	Position  uint64
	UpdatedAt time.Time
}

// TableName returns gorm table name
func (cursor) TableName() string { return "relay_cursor" }
