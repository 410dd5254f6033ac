package eventstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// SubAllConfig (configure using SubAllOpt)
type SubAllConfig struct {
	offset       uint64
	batchSize    int
	pollInterval time.Duration
}

// SubAllOpt represents subscribe to all events option
type SubAllOpt func(SubAllConfig) SubAllConfig

// WithOffset is a subscription / read all option that indicates an offset
// (global sequence) in the event store from which to start reading events (exclusive)
func WithOffset(offset uint64) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.offset = offset

		return cfg
	}
}

// WithBatchSize is a subscription/read all option that specifies the read
// batch size (limit) when reading events from the event store
func WithBatchSize(size int) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.batchSize = size

		return cfg
	}
}

// WithPollInterval is a subscription/read all option that specifies the polling
// interval of the underlying database
func WithPollInterval(d time.Duration) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.pollInterval = d

		return cfg
	}
}

// Subscription represents ReadAll subscription that is used for streaming
// incoming events
type Subscription struct {
	// Err chan will produce any errors that might occur while reading events
	// If Err produces io.EOF error, that indicates that we have caught up
	// with the event store and that there are no more events to read after which
	// the subscription itself will continue polling the event store for new events
	// each time we empty the Err channel. This means that reading from Err (in
	// case of io.EOF) can be strategically used in order to achieve backpressure
	Err       chan error
	EventData chan StoredEvent

	close chan struct{}
}

// Close closes the subscription and halts the polling of sqldb
func (s Subscription) Close() {
	if s.close == nil {
		return
	}

	select {
	case s.close <- struct{}{}:
	default:
	}
}

// ReadAll will read all events from the event store by internally creating a
// a subscription and depleting it until io.EOF is encountered
// WARNING: Use with caution as this method will read the entire event store
// in a blocking fashion (probably best used in combination with offset option)
func (es *EventStore) ReadAll(ctx context.Context, opts ...SubAllOpt) ([]StoredEvent, error) {
	sub, err := es.SubscribeAll(ctx, opts...)
	if err != nil {
		return nil, err
	}

	defer sub.Close()

	var events []StoredEvent

	for {
		select {
		case data := <-sub.EventData:
			events = append(events, data)

		case err := <-sub.Err:
			if errors.Is(err, io.EOF) {
				// drain whatever was buffered before EOF
				for len(sub.EventData) > 0 {
					events = append(events, <-sub.EventData)
				}

				return events, nil
			}

			return nil, err
		}
	}
}

// SubscribeAll will create a subscription which can be used to stream all events in an
// orderly fashion. This mechanism should probably be mostly useful for building
// ad-hoc projections and audit tooling; delivery with checkpoints is provided by package bus
func (es *EventStore) SubscribeAll(ctx context.Context, opts ...SubAllOpt) (Subscription, error) {
	cfg := SubAllConfig{
		offset:       0,
		batchSize:    100,
		pollInterval: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.batchSize < 1 {
		return Subscription{}, fmt.Errorf("batch size should be at least 1")
	}

	if cfg.pollInterval <= 0 {
		return Subscription{}, fmt.Errorf("poll interval should be positive")
	}

	p := poller{
		es:     es,
		offset: cfg.offset,
		batch:  cfg.batchSize,
		sub: Subscription{
			Err:       make(chan error, 1),
			EventData: make(chan StoredEvent, cfg.batchSize),
			close:     make(chan struct{}, 1),
		},
	}

	go p.run(ctx, cfg.pollInterval)

	return p.sub, nil
}

// poller feeds a subscription from the global log. offset is the sequence of
// the last event sent
type poller struct {
	es     *EventStore
	offset uint64
	batch  int
	sub    Subscription
}

func (p *poller) run(ctx context.Context, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		if err := p.wait(ctx, tick.C); err != nil {
			p.stop(err)

			return
		}

		n, err := p.poll(ctx)
		if err != nil {
			p.stop(p.drained(ctx, tick.C, err))

			return
		}

		if n > 0 {
			continue
		}

		select {
		case p.sub.Err <- io.EOF:
		case <-p.sub.close:
			p.stop(ErrSubscriptionClosedByClient)

			return
		case <-ctx.Done():
			p.stop(ctx.Err())

			return
		}
	}
}

// stop reports the terminal error. An io.EOF the client never read is
// replaced, so the poller never blocks on an abandoned subscription
func (p *poller) stop(err error) {
	for {
		select {
		case p.sub.Err <- err:
			return
		default:
		}

		select {
		case <-p.sub.Err:
		default:
		}
	}
}

func (p *poller) wait(ctx context.Context, tick <-chan time.Time) error {
	select {
	case <-p.sub.close:
		return ErrSubscriptionClosedByClient
	case <-ctx.Done():
		return ctx.Err()
	case <-tick:
		return nil
	}
}

// poll sends the next batch and returns the number of events sent
func (p *poller) poll(ctx context.Context) (int, error) {
	var n int

	for evt, err := range p.es.ReadAllFrom(ctx, p.offset+1, p.batch) {
		if err != nil {
			return n, err
		}

		select {
		case p.sub.EventData <- evt:
		case <-p.sub.close:
			return n, ErrSubscriptionClosedByClient
		case <-ctx.Done():
			return n, ctx.Err()
		}

		p.offset = evt.Sequence
		n++
	}

	return n, nil
}

// drained waits for the client to read every buffered event before err is reported
func (p *poller) drained(ctx context.Context, tick <-chan time.Time, err error) error {
	if errors.Is(err, ErrSubscriptionClosedByClient) {
		return err
	}

	for len(p.sub.EventData) > 0 {
		if werr := p.wait(ctx, tick); werr != nil {
			return werr
		}
	}

	return err
}
