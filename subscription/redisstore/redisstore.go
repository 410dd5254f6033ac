// Package redisstore keeps subscriber checkpoints in Redis hashes, for buses
// whose subscribers should not write to the event database
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aneshas/eventcore/bus"
	"github.com/redis/go-redis/v9"
)

const (
	fieldPosition  = "position"
	fieldStatus    = "status"
	fieldUpdatedAt = "updated_at"
)

// New constructs a checkpoint store, keys are "<prefix>:<subscriber id>"
func New(rdb redis.Cmdable, prefix string) *CheckpointStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "checkpoint"
	}

	return &CheckpointStore{rdb: rdb, prefix: prefix}
}

// CheckpointStore implements bus.CheckpointStore on Redis
type CheckpointStore struct {
	rdb    redis.Cmdable
	prefix string
}

// Load returns the checkpoint of a subscriber, subscribers without one start at position 0
func (s *CheckpointStore) Load(ctx context.Context, subscriberID string) (bus.Checkpoint, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(subscriberID)).Result()
	if err != nil {
		return bus.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", subscriberID, err)
	}

	cp := bus.Checkpoint{
		SubscriberID: subscriberID,
		Status:       bus.StatusActive,
	}

	if len(fields) == 0 {
		return cp, nil
	}

	if v, ok := fields[fieldPosition]; ok {
		cp.Position, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			return bus.Checkpoint{}, fmt.Errorf("checkpoint %s: bad position %q: %w", subscriberID, v, err)
		}
	}

	if v := fields[fieldStatus]; v != "" {
		cp.Status = bus.Status(v)
	}

	if v := fields[fieldUpdatedAt]; v != "" {
		cp.UpdatedAt, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return bus.Checkpoint{}, fmt.Errorf("checkpoint %s: bad updated_at %q: %w", subscriberID, v, err)
		}
	}

	return cp, nil
}

// Save stores the checkpoint of a subscriber
func (s *CheckpointStore) Save(ctx context.Context, cp bus.Checkpoint) error {
	err := s.rdb.HSet(ctx, s.key(cp.SubscriberID),
		fieldPosition, strconv.FormatUint(cp.Position, 10),
		fieldStatus, string(cp.Status),
		fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.SubscriberID, err)
	}

	return nil
}

func (s *CheckpointStore) key(subscriberID string) string {
	return s.prefix + ":" + subscriberID
}
