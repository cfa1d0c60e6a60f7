// Package notify carries terminal state changes to the notification layer.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"scm_multichain/pkg/data"
)

// EventType names a terminal state change.
type EventType string

const (
	EventBatchValidated       EventType = "batch.validated"
	EventBatchRejected        EventType = "batch.rejected"
	EventShipmentApproved     EventType = "shipment.approved"
	EventShipmentRejected     EventType = "shipment.rejected"
	EventShipmentAdvanced     EventType = "shipment.advanced"
	EventDisputeDecided       EventType = "dispute.decided"
	EventDeliveryAssigned     EventType = "delivery.assigned"
	EventDeliveryDelivered    EventType = "delivery.delivered"
	EventDeliveryConfirmed    EventType = "delivery.confirmed"
	EventEscrowReleased       EventType = "escrow.released"
	EventEscrowWithheld       EventType = "escrow.withheld"
	EventOwnershipTransferred EventType = "ownership.transferred"
)

// EventVersion is the version of the event envelope.
const EventVersion = "1.0.0"

// Event is the JSON envelope published for every terminal state change.
type Event struct {
	Type        EventType         `json:"type"`
	Version     string            `json:"version"`
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	AggregateID string            `json:"aggregate_id"`
	Status      string            `json:"status"`
	Attributes  map[string]string `json:"attributes"`
}

// NewEvent creates an event stamped with a fresh id and the current time.
func NewEvent(eventType EventType, aggregateID, status string, attrs map[string]string) *Event {
	if attrs == nil {
		attrs = make(map[string]string)
	}
	return &Event{
		Type:        eventType,
		Version:     EventVersion,
		ID:          data.NewID(),
		Timestamp:   time.Now().UTC(),
		AggregateID: aggregateID,
		Status:      status,
		Attributes:  attrs,
	}
}

// Marshal serializes the event
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent parses an event envelope.
func UnmarshalEvent(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if e.Type == "" || e.ID == "" {
		return nil, fmt.Errorf("decoding event: missing type or id")
	}
	return &e, nil
}

// Publisher delivers events to the notification layer.
type Publisher interface {
	Publish(ctx context.Context, e *Event) error
}

// PublishAll sends e to p and logs, rather than returns, a failure.
// Notification failures never roll back committed state.
func PublishAll(ctx context.Context, p Publisher, logger *zap.Logger, e *Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		logger.Warn("Event publish failed",
			zap.String("type", string(e.Type)),
			zap.String("aggregate_id", e.AggregateID),
			zap.Error(err))
	}
}

// LogPublisher writes events to a logger.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.Named("events")}
}

func (p *LogPublisher) Publish(_ context.Context, e *Event) error {
	p.logger.Info("Event",
		zap.String("type", string(e.Type)),
		zap.String("id", e.ID),
		zap.String("aggregate_id", e.AggregateID),
		zap.String("status", e.Status),
		zap.Any("attributes", e.Attributes))
	return nil
}

// MultiPublisher fans an event out to every publisher. All publishers are
// attempted; their errors are joined.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, e *Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t in publish order.
func (r *Recorder) OfType(t EventType) []*Event {
	var out []*Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
