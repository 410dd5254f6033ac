// Package subscription tracks and controls the progress of bus subscribers.
// Checkpoints and dead letters are kept in the database next to the events so
// that a restarted subscriber resumes right after the last event it processed
package subscription

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aneshas/eventcore/bus"
)

// Checkpoint is the persisted progress of a subscriber
type Checkpoint = bus.Checkpoint

// Controller controls running subscribers, implemented by *bus.Bus
type Controller interface {
	Pause(ctx context.Context, subscriberID string) error
	Resume(ctx context.Context, subscriberID string) error
	Replay(ctx context.Context, subscriberID string, fromSequence uint64) error
	Position(subscriberID string) (uint64, error)
	Status(subscriberID string) (bus.Status, error)
	Subscribers() []string
}

// Cfg represents manager configuration
type Cfg struct {
	Logger *slog.Logger
}

// Option represents manager configuration option
type Option func(Cfg) Cfg

// WithLogger sets the manager logger
func WithLogger(l *slog.Logger) Option {
	return func(cfg Cfg) Cfg {
		if l != nil {
			cfg.Logger = l
		}

		return cfg
	}
}

// New constructs a subscription manager. checkpoints and deadLetters have to be
// the stores the controlled bus was configured with
func New(ctrl Controller, checkpoints bus.CheckpointStore, deadLetters bus.DeadLetterStore, opts ...Option) (*Manager, error) {
	if ctrl == nil || checkpoints == nil || deadLetters == nil {
		return nil, fmt.Errorf("controller, checkpoint store and dead letter store must be provided")
	}

	cfg := Cfg{
		Logger: slog.Default(),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	return &Manager{
		ctrl:        ctrl,
		checkpoints: checkpoints,
		deadLetters: deadLetters,
		logger:      cfg.Logger,
	}, nil
}

// Manager exposes operational control over subscribers
type Manager struct {
	ctrl        Controller
	checkpoints bus.CheckpointStore
	deadLetters bus.DeadLetterStore
	logger      *slog.Logger
}

// Pause stops delivery to a subscriber without losing its checkpoint
func (m *Manager) Pause(ctx context.Context, subscriberID string) error {
	if err := m.ctrl.Pause(ctx, subscriberID); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "subscriber paused", "subscriber", subscriberID)

	return nil
}

// Resume continues delivery right after the checkpoint
func (m *Manager) Resume(ctx context.Context, subscriberID string) error {
	if err := m.ctrl.Resume(ctx, subscriberID); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "subscriber resumed", "subscriber", subscriberID)

	return nil
}

// Replay re-delivers events to a subscriber starting with fromSequence,
// overriding its checkpoint
func (m *Manager) Replay(ctx context.Context, subscriberID string, fromSequence uint64) error {
	if err := m.ctrl.Replay(ctx, subscriberID, fromSequence); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "subscriber replay requested", "subscriber", subscriberID, "from_sequence", fromSequence)

	return nil
}

// Checkpoint returns the checkpoint of a subscriber. Position is the live
// position of the subscriber which may be ahead of the stored one
func (m *Manager) Checkpoint(ctx context.Context, subscriberID string) (Checkpoint, error) {
	pos, err := m.ctrl.Position(subscriberID)
	if err != nil {
		return Checkpoint{}, err
	}

	status, err := m.ctrl.Status(subscriberID)
	if err != nil {
		return Checkpoint{}, err
	}

	cp, err := m.checkpoints.Load(ctx, subscriberID)
	if err != nil {
		return Checkpoint{}, err
	}

	cp.SubscriberID = subscriberID
	cp.Status = status
	cp.Position = max(cp.Position, pos)

	return cp, nil
}

// Checkpoints returns the checkpoints of every registered subscriber
func (m *Manager) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	ids := m.ctrl.Subscribers()

	cps := make([]Checkpoint, 0, len(ids))

	for _, id := range ids {
		cp, err := m.Checkpoint(ctx, id)
		if err != nil {
			return nil, err
		}

		cps = append(cps, cp)
	}

	return cps, nil
}

// Status returns the status of a subscriber
func (m *Manager) Status(subscriberID string) (bus.Status, error) {
	return m.ctrl.Status(subscriberID)
}

// DeadLetters lists the events a subscriber gave up on
func (m *Manager) DeadLetters(ctx context.Context, subscriberID string) ([]bus.DeadLetter, error) {
	if _, err := m.ctrl.Status(subscriberID); err != nil {
		return nil, err
	}

	return m.deadLetters.List(ctx, subscriberID)
}
