package consensus

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"scm_multichain/pkg/data"
	"scm_multichain/pkg/metadata"
	"scm_multichain/pkg/notify"
	"scm_multichain/pkg/registry"
)

// ShipmentProposal describes a shipment put to a vote.
type ShipmentProposal struct {
	ProductID     string
	StartLocation string
	EndLocation   string
	Distance      float64
	TransportFee  float64
	MetadataCID   string
	Proposer      string
}

// ProposeShipment opens a shipment for approval by the active primaries.
func (e *Engine) ProposeShipment(ctx context.Context, in ShipmentProposal) (*data.Shipment, error) {
	if in.ProductID == "" {
		return nil, fmt.Errorf("%w: missing product id", data.ErrInvalidTransaction)
	}
	if in.Distance <= 0 {
		return nil, data.ErrInvalidDistance
	}
	if in.MetadataCID != "" {
		if _, err := metadata.ValidateCID(in.MetadataCID); err != nil {
			return nil, err
		}
	}

	proposer, err := e.registry.Get(ctx, in.Proposer)
	if err != nil {
		if errors.Is(err, data.ErrUnknownParticipant) {
			return nil, fmt.Errorf("%w: proposer %s is not registered", data.ErrInvalidParty, in.Proposer)
		}
		return nil, err
	}
	if !proposer.Active {
		return nil, fmt.Errorf("%w: proposer %s is inactive", data.ErrInvalidParty, proposer.ID)
	}

	eligible, err := e.primaryVoters(ctx)
	if err != nil {
		return nil, err
	}
	if totalWeight(eligible) <= 0 {
		return nil, data.ErrNoEligibleVoters
	}

	now := e.now()
	s := &data.Shipment{
		ID:             data.NewID(),
		ProductID:      in.ProductID,
		StartLocation:  in.StartLocation,
		EndLocation:    in.EndLocation,
		Distance:       in.Distance,
		TransportFee:   in.TransportFee,
		MetadataCID:    in.MetadataCID,
		Proposer:       proposer.ID,
		Status:         data.ShipmentPending,
		EligibleVoters: eligible,
		Votes:          []data.Vote{},
		VotingDeadline: now.Add(e.opts.VotingWindow),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if ev, ok := data.FindEligible(eligible, proposer.ID); ok {
		s.Votes = append(s.Votes, data.Vote{Voter: proposer.ID, Approve: true, Weight: ev.Weight, Reason: "proposer", Timestamp: now})
	}

	if err := e.repo.CreateShipment(ctx, s); err != nil {
		return nil, fmt.Errorf("storing shipment: %w", err)
	}
	e.metrics.IncrementStarted()
	if e.deadlines != nil {
		e.deadlines.Track(DeadlineShipment, s.ID, s.VotingDeadline)
	}
	e.logger.Info("Shipment proposed",
		zap.String("shipment_id", s.ID),
		zap.String("product_id", s.ProductID),
		zap.String("proposer", s.Proposer),
		zap.Float64("distance", s.Distance))

	if e.opts.AutoFinalize && e.tally(s.Votes, s.EligibleVoters).Decided {
		return e.FinalizeShipment(ctx, s.ID)
	}
	return s, nil
}

// VoteShipment records a primary's vote on a pending shipment.
func (e *Engine) VoteShipment(ctx context.Context, shipmentID, voterID string, approve bool, reason string) (*data.Shipment, error) {
	voterID = registry.NormalizeID(voterID)

	var shipment *data.Shipment
	err := data.RetryOnConflict(ctx, func() error {
		s, err := e.repo.GetShipment(ctx, shipmentID)
		if err != nil {
			return err
		}
		if s.Status != data.ShipmentPending || e.now().After(s.VotingDeadline) {
			return data.ErrVotingClosed
		}
		ev, ok := data.FindEligible(s.EligibleVoters, voterID)
		if !ok {
			return fmt.Errorf("%w: %s is not eligible for shipment %s", data.ErrInvalidParty, voterID, s.ID)
		}
		if data.HasVoted(s.Votes, voterID) {
			return data.ErrDuplicateVote
		}
		s.Votes = append(s.Votes, data.Vote{Voter: voterID, Approve: approve, Weight: ev.Weight, Reason: reason, Timestamp: e.now()})
		s.UpdatedAt = e.now()
		if err := e.repo.UpdateShipment(ctx, s); err != nil {
			return err
		}
		shipment = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	if e.opts.AutoFinalize && e.tally(shipment.Votes, shipment.EligibleVoters).Decided {
		return e.FinalizeShipment(ctx, shipment.ID)
	}
	return shipment, nil
}

// FinalizeShipment closes voting on a shipment. Shipments past pending are
// returned unchanged.
func (e *Engine) FinalizeShipment(ctx context.Context, shipmentID string) (*data.Shipment, error) {
	var (
		shipment  *data.Shipment
		finalized bool
	)
	err := data.RetryOnConflict(ctx, func() error {
		finalized = false
		s, err := e.repo.GetShipment(ctx, shipmentID)
		if err != nil {
			return err
		}
		shipment = s
		if s.Status != data.ShipmentPending {
			return nil
		}
		res := e.tally(s.Votes, s.EligibleVoters)
		s.ApprovalShare = res.Share
		s.Status = data.ShipmentRejected
		if res.Accepted {
			s.Status = data.ShipmentApproved
		}
		s.UpdatedAt = e.now()
		if err := e.repo.UpdateShipment(ctx, s); err != nil {
			return err
		}
		finalized = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !finalized {
		return shipment, nil
	}

	if e.deadlines != nil {
		e.deadlines.Forget(DeadlineShipment, shipment.ID)
	}
	approved := shipment.Status == data.ShipmentApproved
	e.metrics.RecordFinalized(approved, shipment.UpdatedAt.Sub(shipment.CreatedAt))
	e.logger.Info("Shipment finalized",
		zap.String("shipment_id", shipment.ID),
		zap.String("status", string(shipment.Status)),
		zap.Float64("approval_share", shipment.ApprovalShare))

	eventType := notify.EventShipmentRejected
	if approved {
		eventType = notify.EventShipmentApproved
	}
	notify.PublishAll(ctx, e.publisher, e.logger, notify.NewEvent(eventType, shipment.ID, string(shipment.Status), map[string]string{
		"product_id":   shipment.ProductID,
		"metadata_cid": shipment.MetadataCID,
	}))
	return shipment, nil
}

// GetShipment returns a shipment by id.
func (e *Engine) GetShipment(ctx context.Context, shipmentID string) (*data.Shipment, error) {
	return e.repo.GetShipment(ctx, shipmentID)
}

// OpenShipments lists shipments still collecting votes.
func (e *Engine) OpenShipments(ctx context.Context) ([]*data.Shipment, error) {
	return e.repo.ListShipments(ctx, data.ShipmentFilter{Status: data.ShipmentPending})
}

// advanceShipments moves the shipments referenced by tx from one status to
// the next. A transaction without a shipment_id applies to every shipment
// of its product in the from status.
func (e *Engine) advanceShipments(ctx context.Context, tx data.TransactionRecord, from, to data.ShipmentStatus) {
	var ids []string
	if id := tx.Metadata[data.MetaShipmentID]; id != "" {
		ids = []string{id}
	} else {
		shipments, err := e.repo.ListShipments(ctx, data.ShipmentFilter{ProductID: tx.ProductID, Status: from})
		if err != nil {
			e.logger.Error("Listing shipments failed", zap.String("product_id", tx.ProductID), zap.Error(err))
			return
		}
		for _, s := range shipments {
			ids = append(ids, s.ID)
		}
	}

	for _, id := range ids {
		advanced := false
		err := data.RetryOnConflict(ctx, func() error {
			advanced = false
			s, err := e.repo.GetShipment(ctx, id)
			if err != nil {
				return err
			}
			if s.Status != from || s.ProductID != tx.ProductID {
				return nil
			}
			s.Status = to
			s.UpdatedAt = e.now()
			if err := e.repo.UpdateShipment(ctx, s); err != nil {
				return err
			}
			advanced = true
			return nil
		})
		if err != nil {
			e.logger.Warn("Advancing shipment failed", zap.String("shipment_id", id), zap.Error(err))
			continue
		}
		if !advanced {
			e.logger.Debug("Shipment not advanced",
				zap.String("shipment_id", id),
				zap.String("expected_status", string(from)))
			continue
		}
		notify.PublishAll(ctx, e.publisher, e.logger, notify.NewEvent(notify.EventShipmentAdvanced, id, string(to), map[string]string{
			"product_id": tx.ProductID,
			"from":       string(from),
		}))
	}
}
