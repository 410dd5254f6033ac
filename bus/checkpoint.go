package bus

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// Status of a subscriber
type Status string

// Subscriber statuses
const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	// StatusFailed means the subscriber stopped because a dead letter could not be recorded.
	// It resumes with Resume or Replay
	StatusFailed Status = "failed"
)

// Checkpoint is the persisted progress of a subscriber. Position is the
// global sequence of the last event the subscriber is done with
type Checkpoint struct {
	SubscriberID string
	Position     uint64
	Status       Status
	UpdatedAt    time.Time
}

// CheckpointStore persists checkpoints. Load returns an active checkpoint at
// position 0 for unknown subscribers
type CheckpointStore interface {
	Load(ctx context.Context, subscriberID string) (Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) error
}

// DeadLetter is an event a subscriber gave up on
type DeadLetter struct {
	SubscriberID string
	Sequence     uint64
	EventID      string
	EventType    string
	StreamID     string
	Attempts     int
	Error        string
	FailedAt     time.Time
}

// DeadLetterStore persists dead letters. Recording the same subscriber and
// sequence twice keeps the first record
type DeadLetterStore interface {
	Record(ctx context.Context, dl DeadLetter) error
	List(ctx context.Context, subscriberID string) ([]DeadLetter, error)
}

// NewMemoryCheckpoints constructs an in memory checkpoint store
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{cps: make(map[string]Checkpoint)}
}

// MemoryCheckpoints keeps checkpoints in memory, progress is lost on restart
type MemoryCheckpoints struct {
	mu  sync.Mutex
	cps map[string]Checkpoint
}

// Load returns the checkpoint of a subscriber
func (m *MemoryCheckpoints) Load(_ context.Context, subscriberID string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, ok := m.cps[subscriberID]
	if !ok {
		return Checkpoint{SubscriberID: subscriberID, Status: StatusActive}, nil
	}

	return cp, nil
}

// Save stores the checkpoint of a subscriber
func (m *MemoryCheckpoints) Save(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp.UpdatedAt = time.Now().UTC()

	m.cps[cp.SubscriberID] = cp

	return nil
}

// NewMemoryDeadLetters constructs an in memory dead letter store
func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{dls: make(map[string]map[uint64]DeadLetter)}
}

// MemoryDeadLetters keeps dead letters in memory
type MemoryDeadLetters struct {
	mu  sync.Mutex
	dls map[string]map[uint64]DeadLetter
}

// Record stores a dead letter unless one exists for the same subscriber and sequence
func (m *MemoryDeadLetters) Record(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dls[dl.SubscriberID] == nil {
		m.dls[dl.SubscriberID] = make(map[uint64]DeadLetter)
	}

	if _, ok := m.dls[dl.SubscriberID][dl.Sequence]; ok {
		return nil
	}

	m.dls[dl.SubscriberID][dl.Sequence] = dl

	return nil
}

// List returns the dead letters of a subscriber ordered by sequence
func (m *MemoryDeadLetters) List(_ context.Context, subscriberID string) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []DeadLetter

	for _, dl := range m.dls[subscriberID] {
		out = append(out, dl)
	}

	slices.SortFunc(out, func(a, b DeadLetter) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})

	return out, nil
}
