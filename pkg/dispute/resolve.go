package dispute

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"scm_multichain/pkg/consensus"
	"scm_multichain/pkg/data"
	"scm_multichain/pkg/incentive"
	"scm_multichain/pkg/notify"
)

// Resolve decides the dispute from the votes cast so far. Approve weight at
// or above the supermajority upholds it; anything else dismisses it. A
// decided dispute is returned unchanged.
func (e *Engine) Resolve(ctx context.Context, disputeID string) (*data.Dispute, error) {
	var (
		dispute *data.Dispute
		decided bool
	)
	err := data.RetryOnConflict(ctx, func() error {
		decided = false
		d, err := e.repo.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		dispute = d
		if d.Status == data.DisputeDecided {
			return nil
		}

		res := consensus.Tally(d.Votes, d.EligibleVoters, e.opts.Supermajority)
		now := e.now()
		d.ApprovalShare = res.Share
		d.Decision = data.DecisionDismissed
		if res.Accepted {
			d.Decision = data.DecisionUpheld
		}
		d.Status = data.DisputeDecided
		d.DecidedAt = &now
		if err := e.repo.UpdateDispute(ctx, d); err != nil {
			return err
		}
		decided = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !decided {
		return dispute, nil
	}

	if e.deadlines != nil {
		e.deadlines.Forget(DeadlineDispute, dispute.ID)
	}
	e.logger.Info("Dispute decided",
		zap.String("dispute_id", dispute.ID),
		zap.String("decision", string(dispute.Decision)),
		zap.Float64("approval_share", dispute.ApprovalShare),
		zap.Int("votes", len(dispute.Votes)))

	e.settle(ctx, dispute)
	return dispute, nil
}

// settle applies the consequences of a decided dispute.
func (e *Engine) settle(ctx context.Context, d *data.Dispute) {
	upheld := d.Decision == data.DecisionUpheld

	if arb := d.AssignedArbitrator; arb != "" {
		aligned := false
		for _, v := range d.Votes {
			if v.Voter == arb {
				aligned = v.Approve == upheld
				break
			}
		}
		if err := e.registry.RecordArbitration(ctx, arb, aligned); err != nil {
			e.logger.Error("Recording arbitration failed", zap.String("arbitrator", arb), zap.Error(err))
		}
		if aligned {
			e.ledger.RecordOutcome(ctx, arb, incentive.Outcome{Kind: data.OutcomeArbitrationAligned, Reference: d.ID})
		}
		e.release(ctx, arb)
	}

	losers := []string{d.Initiator}
	if upheld {
		losers = d.InvolvedParties
	}
	for _, id := range losers {
		e.ledger.RecordOutcome(ctx, id, incentive.Outcome{Kind: data.OutcomeDisputeLost, Reference: d.ID, Note: d.Type})
	}

	escrow := incentive.EscrowInstruction{
		Reference: d.ID,
		ProductID: d.ProductID,
		Note:      fmt.Sprintf("dispute %s %s", d.Type, d.Decision),
	}
	if upheld {
		escrow.Action = data.EscrowWithhold
		escrow.Beneficiary = d.Initiator
	} else {
		escrow.Action = data.EscrowRelease
		escrow.Beneficiary = e.releaseBeneficiary(ctx, d)
	}
	e.ledger.SignalEscrow(ctx, escrow)

	notify.PublishAll(ctx, e.publisher, e.logger, notify.NewEvent(notify.EventDisputeDecided, d.ID, string(d.Decision), map[string]string{
		"product_id":     d.ProductID,
		"type":           d.Type,
		"initiator":      d.Initiator,
		"arbitrator":     d.AssignedArbitrator,
		"approval_share": fmt.Sprintf("%.4f", d.ApprovalShare),
	}))
}

// releaseBeneficiary is the product owner, or the first accused party when
// the product has no committed owner.
func (e *Engine) releaseBeneficiary(ctx context.Context, d *data.Dispute) string {
	if ps, err := e.repo.GetProductState(ctx, d.ProductID); err == nil && ps.Owner != "" && ps.Owner != d.Initiator {
		return ps.Owner
	}
	if len(d.InvolvedParties) > 0 {
		return d.InvolvedParties[0]
	}
	return ""
}
