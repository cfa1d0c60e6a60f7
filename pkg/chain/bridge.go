package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"scm_multichain/pkg/notify"
	"scm_multichain/pkg/utils"
)

// settled lists the events that change on-chain state. Everything else is
// informational and is not submitted.
var settled = map[notify.EventType]bool{
	notify.EventBatchValidated:       true,
	notify.EventShipmentApproved:     true,
	notify.EventDisputeDecided:       true,
	notify.EventEscrowReleased:       true,
	notify.EventEscrowWithheld:       true,
	notify.EventOwnershipTransferred: true,
}

// Bridge is a notify.Publisher that submits settled events to a chain.
// Publish only queues; a worker started by Start drains the queue so a slow
// or unreachable chain never holds up the operation that raised the event.
type Bridge struct {
	client  Client
	chainID string
	logger  *zap.Logger
	queue   chan *Transition

	initialInterval time.Duration
	maxInterval     time.Duration
	maxElapsed      time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBridge creates a bridge holding up to queueSize pending transitions.
func NewBridge(client Client, chainID string, queueSize int, logger *zap.Logger) *Bridge {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Bridge{
		client:          client,
		chainID:         chainID,
		logger:          logger.Named("chain"),
		queue:           make(chan *Transition, queueSize),
		initialInterval: time.Second,
		maxInterval:     4 * time.Second,
		maxElapsed:      10 * time.Second,
	}
}

// Start launches the submission worker. Submissions run under their own
// context, cancelled by Stop.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		return fmt.Errorf("chain bridge already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.cancel, b.done = cancel, done

	utils.SafeGo(b.logger, func() {
		defer close(done)
		b.run(ctx)
	})
	b.logger.Info("Chain bridge started", zap.Int("queue_capacity", cap(b.queue)))
	return nil
}

// Stop cancels in-flight submissions and waits for the worker to exit or ctx
// to expire. Transitions still queued are dropped.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for chain bridge: %w", ctx.Err())
	}
	if pending := len(b.queue); pending > 0 {
		b.logger.Warn("Dropping unsubmitted transitions", zap.Int("pending", pending))
	}
	b.logger.Info("Chain bridge stopped")
	return nil
}

// Pending reports how many transitions are waiting for the worker.
func (b *Bridge) Pending() int {
	return len(b.queue)
}

func (b *Bridge) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-b.queue:
			if err := b.submit(ctx, t); err != nil && ctx.Err() == nil {
				b.logger.Error("Transition not settled",
					zap.String("type", t.EventType),
					zap.String("aggregate_id", t.AggregateID),
					zap.Error(err))
			}
		}
	}
}

// Transition converts an event into a sealed transition for this bridge's
// chain.
func (b *Bridge) Transition(e *notify.Event) (*Transition, error) {
	attrs := make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	t := &Transition{
		ChainID:     b.chainID,
		EventType:   string(e.Type),
		EventID:     e.ID,
		AggregateID: e.AggregateID,
		Status:      e.Status,
		Attributes:  attrs,
		Timestamp:   e.Timestamp.UTC(),
	}
	if err := t.Seal(); err != nil {
		return nil, err
	}
	return t, nil
}

// Publish queues e for submission if it settles state. A full queue drops
// the event with a warning rather than block the caller.
func (b *Bridge) Publish(ctx context.Context, e *notify.Event) error {
	if !settled[e.Type] {
		return nil
	}
	t, err := b.Transition(e)
	if err != nil {
		return err
	}

	select {
	case b.queue <- t:
	default:
		b.logger.Warn("Chain queue full, dropping transition",
			zap.String("type", t.EventType),
			zap.String("aggregate_id", t.AggregateID),
			zap.String("digest", t.Digest))
	}
	return nil
}

// Submit sends e to the chain now if it settles state, retrying transient
// failures until the backoff budget or ctx runs out.
func (b *Bridge) Submit(ctx context.Context, e *notify.Event) error {
	if !settled[e.Type] {
		return nil
	}
	t, err := b.Transition(e)
	if err != nil {
		return err
	}
	return b.submit(ctx, t)
}

func (b *Bridge) submit(ctx context.Context, t *Transition) error {
	var receipt *Receipt
	operation := func() error {
		r, err := b.client.Submit(ctx, t)
		if err != nil {
			if errors.Is(err, ErrRejected) {
				return backoff.Permanent(err)
			}
			return err
		}
		receipt = r
		return nil
	}

	backoffConfig := backoff.NewExponentialBackOff()
	backoffConfig.InitialInterval = b.initialInterval
	backoffConfig.Multiplier = 1.5
	backoffConfig.MaxInterval = b.maxInterval
	backoffConfig.MaxElapsedTime = b.maxElapsed

	if err := backoff.Retry(operation, backoff.WithContext(backoffConfig, ctx)); err != nil {
		return fmt.Errorf("submitting %s for %s: %w", t.EventType, t.AggregateID, err)
	}

	if receipt.Status == StatusReverted {
		b.logger.Warn("Transition reverted",
			zap.String("type", t.EventType),
			zap.String("aggregate_id", t.AggregateID),
			zap.String("digest", t.Digest),
			zap.String("tx", receipt.TxHash))
		return fmt.Errorf("%w: %s", ErrReverted, receipt.TxHash)
	}
	b.logger.Info("Transition accepted",
		zap.String("type", t.EventType),
		zap.String("aggregate_id", t.AggregateID),
		zap.String("digest", t.Digest),
		zap.String("tx", receipt.TxHash),
		zap.Uint64("block", receipt.BlockNumber))
	return nil
}
