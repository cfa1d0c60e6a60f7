// Package delivery assigns transporters to delivery requests and tracks each
// leg through to the buyer's receipt.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"scm_multichain/pkg/config"
	"scm_multichain/pkg/data"
	"scm_multichain/pkg/incentive"
	"scm_multichain/pkg/notify"
	"scm_multichain/pkg/registry"
)

type Options struct {
	// TierBoundsMiles are ascending distance bounds; a route needs one
	// transporter plus one per bound it reaches.
	TierBoundsMiles     []float64
	AverageSpeedMPH     float64
	LateFactor          float64
	UrgentMinReputation float64
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		TierBoundsMiles:     append([]float64{}, cfg.Delivery.TierBoundsMiles...),
		AverageSpeedMPH:     cfg.Delivery.AverageSpeedMPH,
		LateFactor:          cfg.Delivery.LateFactor,
		UrgentMinReputation: cfg.Delivery.UrgentMinReputation,
	}
}

// RequestInput is a buyer's order for delivery of a product.
type RequestInput struct {
	ProductID    string
	Buyer        string
	Manufacturer string
	Priority     data.Priority
}

// Tracker owns the delivery request lifecycle.
type Tracker struct {
	repo      data.Repository
	registry  *registry.Registry
	ledger    *incentive.Ledger
	publisher notify.Publisher
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// NewTracker creates a delivery tracker. publisher may be nil.
func NewTracker(repo data.Repository, reg *registry.Registry, ledger *incentive.Ledger, publisher notify.Publisher, opts Options, logger *zap.Logger) *Tracker {
	return &Tracker{
		repo:      repo,
		registry:  reg,
		ledger:    ledger,
		publisher: publisher,
		opts:      opts,
		logger:    logger.Named("delivery"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// TransporterCount returns how many staged transporters a route of
// distanceMiles needs under bounds.
func TransporterCount(distanceMiles float64, bounds []float64) int {
	n := 1
	for _, b := range bounds {
		if distanceMiles >= b {
			n++
		}
	}
	return n
}

// CreateRequest registers a delivery awaiting transporter assignment.
func (t *Tracker) CreateRequest(ctx context.Context, in RequestInput) (*data.DeliveryRequest, error) {
	if in.ProductID == "" {
		return nil, fmt.Errorf("%w: product id is required", data.ErrValidation)
	}
	if in.Priority == "" {
		in.Priority = data.PriorityStandard
	}
	if !in.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", data.ErrValidation, in.Priority)
	}

	buyer, err := t.requireRole(ctx, in.Buyer, data.RoleBuyer)
	if err != nil {
		return nil, err
	}
	manufacturer, err := t.requireRole(ctx, in.Manufacturer, data.RoleManufacturer)
	if err != nil {
		return nil, err
	}

	d := &data.DeliveryRequest{
		ID:                   data.NewID(),
		ProductID:            in.ProductID,
		Buyer:                buyer,
		Manufacturer:         manufacturer,
		AssignedTransporters: []string{},
		Priority:             in.Priority,
		Status:               data.DeliveryPendingAssignment,
		StageUpdates:         []data.StageUpdate{},
		CreatedAt:            t.now(),
	}
	if err := t.repo.CreateDeliveryRequest(ctx, d); err != nil {
		return nil, fmt.Errorf("storing delivery request: %w", err)
	}

	t.logger.Info("Delivery requested",
		zap.String("request_id", d.ID),
		zap.String("product_id", d.ProductID),
		zap.String("buyer", d.Buyer),
		zap.String("priority", string(d.Priority)))
	return d, nil
}

func (t *Tracker) requireRole(ctx context.Context, id string, role data.Role) (string, error) {
	p, err := t.registry.Get(ctx, id)
	if err != nil {
		if errors.Is(err, data.ErrUnknownParticipant) {
			return "", fmt.Errorf("%w: %s is not registered", data.ErrInvalidParty, id)
		}
		return "", err
	}
	if p.Role != role || !p.Active {
		return "", fmt.Errorf("%w: %s is not an active %s", data.ErrInvalidParty, p.ID, role)
	}
	return p.ID, nil
}

// AssignTransporters picks the best reputed available transporters for the
// route and marks them busy.
func (t *Tracker) AssignTransporters(ctx context.Context, requestID string, distanceMiles float64) (*data.DeliveryRequest, error) {
	if distanceMiles <= 0 {
		return nil, data.ErrInvalidDistance
	}
	current, err := t.repo.GetDeliveryRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if current.Status != data.DeliveryPendingAssignment {
		return nil, data.ErrAlreadyAssigned
	}

	needed := TransporterCount(distanceMiles, t.opts.TierBoundsMiles)
	minReputation := 0.0
	if current.Priority == data.PriorityUrgent {
		minReputation = t.opts.UrgentMinReputation
	}
	ranked, err := t.registry.RankTransporters(ctx, minReputation)
	if err != nil {
		return nil, fmt.Errorf("ranking transporters: %w", err)
	}
	if len(ranked) < needed {
		return nil, fmt.Errorf("%w: need %d, %d available", data.ErrInsufficientTransporters, needed, len(ranked))
	}

	claimed := make([]string, 0, needed)
	for _, p := range ranked {
		if len(claimed) == needed {
			break
		}
		if p.ID == current.Buyer || p.ID == current.Manufacturer {
			continue
		}
		ok, err := t.registry.Claim(ctx, p.ID)
		if err != nil {
			t.logger.Warn("Claiming transporter failed", zap.String("transporter", p.ID), zap.Error(err))
			continue
		}
		if ok {
			claimed = append(claimed, p.ID)
		}
	}
	if len(claimed) < needed {
		t.releaseAll(ctx, claimed)
		return nil, fmt.Errorf("%w: need %d, claimed %d", data.ErrInsufficientTransporters, needed, len(claimed))
	}

	var request *data.DeliveryRequest
	err = data.RetryOnConflict(ctx, func() error {
		d, err := t.repo.GetDeliveryRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if d.Status != data.DeliveryPendingAssignment {
			return data.ErrAlreadyAssigned
		}
		now := t.now()
		d.AssignedTransporters = append([]string{}, claimed...)
		d.DistanceMiles = distanceMiles
		d.EstimatedHours = distanceMiles / t.opts.AverageSpeedMPH
		d.AssignedAt = &now
		d.Status = data.DeliveryAssigned
		if err := t.repo.UpdateDeliveryRequest(ctx, d); err != nil {
			return err
		}
		request = d
		return nil
	})
	if err != nil {
		t.releaseAll(ctx, claimed)
		return nil, err
	}

	t.logger.Info("Transporters assigned",
		zap.String("request_id", request.ID),
		zap.Float64("distance_miles", distanceMiles),
		zap.Strings("transporters", request.AssignedTransporters),
		zap.Float64("estimated_hours", request.EstimatedHours))
	notify.PublishAll(ctx, t.publisher, t.logger, notify.NewEvent(notify.EventDeliveryAssigned, request.ID, string(request.Status), map[string]string{
		"product_id":   request.ProductID,
		"transporters": fmt.Sprint(request.AssignedTransporters),
	}))
	return request, nil
}

// GetRequest returns a delivery request by id.
func (t *Tracker) GetRequest(ctx context.Context, requestID string) (*data.DeliveryRequest, error) {
	return t.repo.GetDeliveryRequest(ctx, requestID)
}

// ListRequests returns delivery requests matching filter.
func (t *Tracker) ListRequests(ctx context.Context, filter data.DeliveryFilter) ([]*data.DeliveryRequest, error) {
	return t.repo.ListDeliveryRequests(ctx, filter)
}

func (t *Tracker) releaseAll(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := t.registry.SetAvailability(ctx, id, true); err != nil {
			t.logger.Warn("Releasing transporter failed", zap.String("transporter", id), zap.Error(err))
		}
	}
}
