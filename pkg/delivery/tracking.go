package delivery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"scm_multichain/pkg/data"
	"scm_multichain/pkg/incentive"
	"scm_multichain/pkg/notify"
	"scm_multichain/pkg/registry"
)

func sameStage(a, b data.StageUpdate) bool {
	return a.StageNumber == b.StageNumber &&
		a.TotalStages == b.TotalStages &&
		a.LocationFrom == b.LocationFrom &&
		a.LocationTo == b.LocationTo &&
		a.Transporter == b.Transporter &&
		a.IsFinalStage == b.IsFinalStage
}

// RecordStageUpdate appends the next leg of a delivery. Stages are numbered
// from 1 without gaps and leg n belongs to the n-th assigned transporter.
// Re-sending an already recorded stage unchanged is a no-op.
func (t *Tracker) RecordStageUpdate(ctx context.Context, requestID string, stage data.StageUpdate) (*data.DeliveryRequest, error) {
	stage.Transporter = registry.NormalizeID(stage.Transporter)

	var (
		request   *data.DeliveryRequest
		delivered bool
	)
	err := data.RetryOnConflict(ctx, func() error {
		delivered = false
		d, err := t.repo.GetDeliveryRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if d.Status == data.DeliveryPendingAssignment {
			return data.ErrNotAssigned
		}
		total := len(d.AssignedTransporters)
		if stage.TotalStages == 0 {
			stage.TotalStages = total
		}

		last := len(d.StageUpdates)
		if stage.StageNumber >= 1 && stage.StageNumber <= last {
			if sameStage(d.StageUpdates[stage.StageNumber-1], stage) {
				request = d
				return nil
			}
			return fmt.Errorf("%w: stage %d already recorded", data.ErrOutOfOrderStage, stage.StageNumber)
		}
		if stage.StageNumber != last+1 {
			return fmt.Errorf("%w: expected stage %d, got %d", data.ErrOutOfOrderStage, last+1, stage.StageNumber)
		}
		if stage.TotalStages != total || stage.StageNumber > total {
			return fmt.Errorf("%w: delivery has %d stages", data.ErrInvalidStage, total)
		}
		if stage.IsFinalStage != (stage.StageNumber == total) {
			return fmt.Errorf("%w: only stage %d is final", data.ErrInvalidStage, total)
		}
		if stage.Transporter != d.AssignedTransporters[stage.StageNumber-1] {
			return fmt.Errorf("%w: stage %d is carried by %s", data.ErrInvalidParty, stage.StageNumber, d.AssignedTransporters[stage.StageNumber-1])
		}

		now := t.now()
		if stage.Timestamp.IsZero() {
			stage.Timestamp = now
		}
		d.StageUpdates = append(d.StageUpdates, stage)
		d.Status = data.DeliveryInProgress
		if stage.IsFinalStage {
			d.Status = data.DeliveryDelivered
			d.DeliveredAt = &now
		}
		if err := t.repo.UpdateDeliveryRequest(ctx, d); err != nil {
			return err
		}
		request = d
		delivered = stage.IsFinalStage
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.logger.Debug("Stage recorded",
		zap.String("request_id", request.ID),
		zap.Int("stage", stage.StageNumber),
		zap.Int("total", stage.TotalStages),
		zap.String("transporter", stage.Transporter))

	if delivered {
		t.releaseAll(ctx, request.AssignedTransporters)
		t.logger.Info("Delivery completed",
			zap.String("request_id", request.ID),
			zap.Duration("elapsed", request.DeliveredAt.Sub(*request.AssignedAt)))
		notify.PublishAll(ctx, t.publisher, t.logger, notify.NewEvent(notify.EventDeliveryDelivered, request.ID, string(request.Status), map[string]string{
			"product_id": request.ProductID,
			"buyer":      request.Buyer,
		}))
	}
	return request, nil
}

// ConfirmReceipt records the buyer's inspection of a delivered request and
// settles it. The receipt can be recorded once.
func (t *Tracker) ConfirmReceipt(ctx context.Context, requestID string, receipt data.Receipt) (*data.DeliveryRequest, error) {
	receipt.Buyer = registry.NormalizeID(receipt.Buyer)

	var request *data.DeliveryRequest
	err := data.RetryOnConflict(ctx, func() error {
		d, err := t.repo.GetDeliveryRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if d.Status != data.DeliveryDelivered {
			return data.ErrNotDelivered
		}
		if receipt.Buyer != d.Buyer {
			return fmt.Errorf("%w: only the buyer may confirm receipt", data.ErrInvalidParty)
		}
		if d.Receipt != nil {
			return data.ErrReceiptConfirmed
		}
		r := receipt
		r.ConfirmedAt = t.now()
		d.Receipt = &r
		if err := t.repo.UpdateDeliveryRequest(ctx, d); err != nil {
			return err
		}
		request = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.settle(ctx, request)
	return request, nil
}

// Outcomes returns the ledger outcomes a confirmed delivery earns each of
// its transporters.
func (t *Tracker) Outcomes(d *data.DeliveryRequest) []data.LedgerKind {
	if d.Receipt == nil {
		return nil
	}
	var kinds []data.LedgerKind
	if d.Receipt.VerificationPassed && d.Receipt.AuthenticityPassed {
		kinds = append(kinds, data.OutcomeSuccessfulDelivery)
	} else {
		kinds = append(kinds, data.OutcomeFailedDelivery)
	}
	if t.isLate(d) {
		kinds = append(kinds, data.OutcomeLateDelivery)
	} else {
		kinds = append(kinds, data.OutcomeOnTime)
	}
	if d.Receipt.ConditionSatisfactory {
		kinds = append(kinds, data.OutcomeExcellentCondition)
	} else {
		kinds = append(kinds, data.OutcomePoorCondition)
	}
	return kinds
}

func (t *Tracker) isLate(d *data.DeliveryRequest) bool {
	if d.AssignedAt == nil || d.DeliveredAt == nil || d.EstimatedHours <= 0 {
		return false
	}
	allowed := time.Duration(d.EstimatedHours * t.opts.LateFactor * float64(time.Hour))
	return d.DeliveredAt.Sub(*d.AssignedAt) > allowed
}

func (t *Tracker) settle(ctx context.Context, d *data.DeliveryRequest) {
	for _, transporter := range d.AssignedTransporters {
		for _, kind := range t.Outcomes(d) {
			t.ledger.RecordOutcome(ctx, transporter, incentive.Outcome{Kind: kind, Reference: d.ID})
		}
	}

	accepted := d.Receipt.VerificationPassed && d.Receipt.AuthenticityPassed
	escrow := incentive.EscrowInstruction{
		Reference: d.ID,
		ProductID: d.ProductID,
		Note:      d.Receipt.Notes,
	}
	if accepted {
		escrow.Action = data.EscrowRelease
		escrow.Beneficiary = d.Manufacturer
	} else {
		escrow.Action = data.EscrowWithhold
		escrow.Beneficiary = d.Buyer
	}
	t.ledger.SignalEscrow(ctx, escrow)

	if accepted {
		notify.PublishAll(ctx, t.publisher, t.logger, notify.NewEvent(notify.EventOwnershipTransferred, d.ProductID, "delivered", map[string]string{
			"from":       d.Manufacturer,
			"to":         d.Buyer,
			"request_id": d.ID,
		}))
	}
	notify.PublishAll(ctx, t.publisher, t.logger, notify.NewEvent(notify.EventDeliveryConfirmed, d.ID, string(d.Status), map[string]string{
		"product_id":   d.ProductID,
		"verification": fmt.Sprint(d.Receipt.VerificationPassed),
		"authenticity": fmt.Sprint(d.Receipt.AuthenticityPassed),
		"condition":    fmt.Sprint(d.Receipt.ConditionSatisfactory),
	}))

	t.logger.Info("Receipt confirmed",
		zap.String("request_id", d.ID),
		zap.Bool("accepted", accepted),
		zap.Strings("transporters", d.AssignedTransporters))
}
