// Package incentive converts observed outcomes into reputation and stake
// adjustments and records escrow signals.
package incentive

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"scm_multichain/pkg/data"
	"scm_multichain/pkg/notify"
	"scm_multichain/pkg/registry"
)

// Reputation deltas per outcome
const (
	SuccessfulDeliveryBonus = 0.02
	OnTimeBonus             = 0.01
	ExcellentConditionBonus = 0.01
	FailedDeliveryPenalty   = -0.05
	LateDeliveryPenalty     = -0.03
	PoorConditionPenalty    = -0.02
	ProposalValidatedBonus  = 0.01
	ProposalRejectedPenalty = -0.05
	DisputeLostPenalty      = -0.02
	ArbitrationAlignedBonus = 0.01
	DefaultSlashFraction    = 0.05
)

// DeltaFor returns the reputation delta for an outcome kind. Unknown kinds
// carry no delta.
func DeltaFor(kind data.LedgerKind) float64 {
	switch kind {
	case data.OutcomeSuccessfulDelivery:
		return SuccessfulDeliveryBonus
	case data.OutcomeOnTime:
		return OnTimeBonus
	case data.OutcomeExcellentCondition:
		return ExcellentConditionBonus
	case data.OutcomeFailedDelivery:
		return FailedDeliveryPenalty
	case data.OutcomeLateDelivery:
		return LateDeliveryPenalty
	case data.OutcomePoorCondition:
		return PoorConditionPenalty
	case data.OutcomeProposalValidated:
		return ProposalValidatedBonus
	case data.OutcomeProposalRejected:
		return ProposalRejectedPenalty
	case data.OutcomeDisputeLost:
		return DisputeLostPenalty
	case data.OutcomeArbitrationAligned:
		return ArbitrationAlignedBonus
	}
	return 0
}

// Slashes reports whether kind also forfeits part of the participant's stake.
func Slashes(kind data.LedgerKind) bool {
	return kind == data.OutcomeProposalRejected || kind == data.OutcomeDisputeLost
}

// Outcome is an observed result attributed to one participant.
type Outcome struct {
	Kind      data.LedgerKind
	Reference string
	Note      string
}

// Adjustment is what RecordOutcome applied.
type Adjustment struct {
	ParticipantID   string
	Kind            data.LedgerKind
	ReputationDelta float64
	StakeDelta      float64
	Reputation      float64
	Stake           float64
	Applied         bool
}

// EscrowInstruction signals the settlement layer to move escrowed funds.
type EscrowInstruction struct {
	Action      data.EscrowAction
	Reference   string
	ProductID   string
	Beneficiary string
	Note        string
}

// Ledger applies outcome adjustments through the registry and keeps an
// append-only audit trail.
type Ledger struct {
	registry      *registry.Registry
	repo          data.Repository
	publisher     notify.Publisher
	slashFraction float64
	logger        *zap.Logger
	now           func() time.Time
}

// NewLedger creates a ledger. publisher may be nil.
func NewLedger(reg *registry.Registry, repo data.Repository, publisher notify.Publisher, slashFraction float64, logger *zap.Logger) *Ledger {
	return &Ledger{
		registry:      reg,
		repo:          repo,
		publisher:     publisher,
		slashFraction: slashFraction,
		logger:        logger.Named("ledger"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// RecordOutcome applies the delta for outcome to participantID. It never
// fails: registry or storage errors are logged and reflected in
// Adjustment.Applied.
func (l *Ledger) RecordOutcome(ctx context.Context, participantID string, outcome Outcome) Adjustment {
	adj := Adjustment{
		ParticipantID:   participantID,
		Kind:            outcome.Kind,
		ReputationDelta: DeltaFor(outcome.Kind),
	}

	var (
		updated *data.Participant
		err     error
	)
	if Slashes(outcome.Kind) {
		adj.StakeDelta, updated, err = l.registry.Slash(ctx, participantID, l.slashFraction, adj.ReputationDelta)
	} else {
		updated, err = l.registry.Adjust(ctx, participantID, adj.ReputationDelta, 0)
	}
	if errors.Is(err, data.ErrNotFound) {
		l.logger.Warn("Outcome for unknown participant",
			zap.String("participant", participantID),
			zap.String("kind", string(outcome.Kind)),
			zap.Error(err))
		return adj
	}
	if err != nil {
		l.logger.Error("Applying outcome failed",
			zap.String("participant", participantID),
			zap.String("kind", string(outcome.Kind)),
			zap.Error(err))
		return adj
	}
	adj.Applied = true
	adj.Reputation = updated.Reputation
	adj.Stake = updated.Stake

	entry := &data.LedgerEntry{
		ID:              data.NewID(),
		ParticipantID:   updated.ID,
		Kind:            outcome.Kind,
		ReputationDelta: adj.ReputationDelta,
		StakeDelta:      adj.StakeDelta,
		Reference:       outcome.Reference,
		Note:            outcome.Note,
		Timestamp:       l.now(),
	}
	if err := l.repo.AppendLedgerEntry(ctx, entry); err != nil {
		l.logger.Error("Ledger append failed", zap.String("participant", updated.ID), zap.Error(err))
	}

	l.logger.Info("Outcome recorded",
		zap.String("participant", updated.ID),
		zap.String("kind", string(outcome.Kind)),
		zap.Float64("reputation_delta", adj.ReputationDelta),
		zap.Float64("stake_delta", adj.StakeDelta),
		zap.Float64("reputation", adj.Reputation),
		zap.String("reference", outcome.Reference))
	return adj
}

// SignalEscrow records an escrow release or withhold and publishes it.
func (l *Ledger) SignalEscrow(ctx context.Context, in EscrowInstruction) {
	entry := &data.LedgerEntry{
		ID:            data.NewID(),
		ParticipantID: in.Beneficiary,
		Kind:          data.LedgerEscrow,
		Reference:     in.Reference,
		EscrowAction:  in.Action,
		Beneficiary:   in.Beneficiary,
		Note:          in.Note,
		Timestamp:     l.now(),
	}
	if err := l.repo.AppendLedgerEntry(ctx, entry); err != nil {
		l.logger.Error("Escrow entry append failed", zap.String("reference", in.Reference), zap.Error(err))
	}

	eventType := notify.EventEscrowReleased
	if in.Action == data.EscrowWithhold {
		eventType = notify.EventEscrowWithheld
	}
	notify.PublishAll(ctx, l.publisher, l.logger, notify.NewEvent(eventType, in.Reference, string(in.Action), map[string]string{
		"beneficiary": in.Beneficiary,
		"product_id":  in.ProductID,
		"note":        in.Note,
	}))

	l.logger.Info("Escrow signaled",
		zap.String("action", string(in.Action)),
		zap.String("reference", in.Reference),
		zap.String("beneficiary", in.Beneficiary))
}

// History returns the ledger entries for a participant in append order.
func (l *Ledger) History(ctx context.Context, participantID string) ([]*data.LedgerEntry, error) {
	return l.repo.ListLedgerEntries(ctx, data.LedgerFilter{ParticipantID: registry.NormalizeID(participantID)})
}
