// Package dispute resolves challenges raised by product stakeholders through
// a weighted vote led by a neutral arbitrator.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"scm_multichain/pkg/config"
	"scm_multichain/pkg/consensus"
	"scm_multichain/pkg/data"
	"scm_multichain/pkg/incentive"
	"scm_multichain/pkg/metadata"
	"scm_multichain/pkg/notify"
	"scm_multichain/pkg/registry"
	"scm_multichain/pkg/utils"
)

// DeadlineDispute is the sweeper kind for dispute voting windows.
const DeadlineDispute = "dispute"

type Options struct {
	Supermajority     float64
	ArbitratorWeight  float64
	StakeholderWeight float64
	VotingWindow      time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Supermajority:     cfg.Dispute.Supermajority,
		ArbitratorWeight:  cfg.Dispute.ArbitratorWeight,
		StakeholderWeight: cfg.Dispute.StakeholderWeight,
		VotingWindow:      cfg.Dispute.VotingWindow,
	}
}

// Initiation is the input for a new dispute.
type Initiation struct {
	Type            string
	InvolvedParties []string
	ProductID       string
	Description     string
	Evidence        []data.Evidence
	Initiator       string
}

// Engine runs the dispute lifecycle: initiated, voting, decided.
type Engine struct {
	repo      data.Repository
	registry  *registry.Registry
	ledger    *incentive.Ledger
	publisher notify.Publisher
	deadlines consensus.DeadlineTracker
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates a dispute engine. publisher may be nil.
func NewEngine(repo data.Repository, reg *registry.Registry, ledger *incentive.Ledger, publisher notify.Publisher, opts Options, logger *zap.Logger) *Engine {
	return &Engine{
		repo:      repo,
		registry:  reg,
		ledger:    ledger,
		publisher: publisher,
		opts:      opts,
		logger:    logger.Named("dispute"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) SetDeadlineTracker(t consensus.DeadlineTracker) {
	e.deadlines = t
}

// Stakeholders returns everyone with a stake in productID: the parties of
// its committed transactions and of its delivery requests.
func (e *Engine) Stakeholders(ctx context.Context, productID string) ([]string, error) {
	var ids []string
	ps, err := e.repo.GetProductState(ctx, productID)
	switch {
	case err == nil:
		ids = append(ids, ps.Stakeholders...)
		if ps.Owner != "" {
			ids = append(ids, ps.Owner)
		}
	case !errors.Is(err, data.ErrUnknownProduct):
		return nil, err
	}

	requests, err := e.repo.ListDeliveryRequests(ctx, data.DeliveryFilter{ProductID: productID})
	if err != nil {
		return nil, err
	}
	for _, r := range requests {
		ids = append(ids, r.Buyer, r.Manufacturer)
		ids = append(ids, r.AssignedTransporters...)
	}
	return utils.Unique(ids), nil
}

// InitiateDispute opens a dispute raised by a stakeholder of the product and
// ranks the arbitrators that could hear it.
func (e *Engine) InitiateDispute(ctx context.Context, in Initiation) (*data.Dispute, error) {
	in.Type = strings.TrimSpace(in.Type)
	if in.Type == "" {
		return nil, fmt.Errorf("%w: dispute type is required", data.ErrValidation)
	}
	if in.ProductID == "" {
		return nil, fmt.Errorf("%w: product id is required", data.ErrValidation)
	}

	stakeholders, err := e.Stakeholders(ctx, in.ProductID)
	if err != nil {
		return nil, fmt.Errorf("loading stakeholders: %w", err)
	}
	initiator := registry.NormalizeID(in.Initiator)
	if !utils.Contains(stakeholders, initiator) {
		return nil, fmt.Errorf("%w: %s is not a stakeholder of %s", data.ErrInvalidParty, initiator, in.ProductID)
	}

	var parties []string
	for _, p := range in.InvolvedParties {
		id := registry.NormalizeID(p)
		if id == initiator {
			continue
		}
		if !utils.Contains(stakeholders, id) {
			return nil, fmt.Errorf("%w: involved party %s is not a stakeholder of %s", data.ErrInvalidParty, id, in.ProductID)
		}
		parties = append(parties, id)
	}
	parties = utils.Unique(parties)

	now := e.now()
	evidence := make([]data.Evidence, 0, len(in.Evidence))
	for _, ev := range in.Evidence {
		normalized, err := e.normalizeEvidence(ev, initiator, now)
		if err != nil {
			return nil, err
		}
		evidence = append(evidence, normalized)
	}

	exclude := append([]string{initiator}, stakeholders...)
	candidates, err := e.rankCandidates(ctx, in.Type, exclude)
	if err != nil {
		return nil, err
	}

	eligible := []data.EligibleVoter{{ID: initiator, Weight: e.opts.StakeholderWeight}}
	for _, p := range parties {
		eligible = append(eligible, data.EligibleVoter{ID: p, Weight: e.opts.StakeholderWeight})
	}

	d := &data.Dispute{
		ID:                   data.NewID(),
		Type:                 in.Type,
		InvolvedParties:      parties,
		ProductID:            in.ProductID,
		Description:          in.Description,
		Initiator:            initiator,
		Evidence:             evidence,
		CandidateArbitrators: candidates,
		EligibleVoters:       eligible,
		Votes:                []data.Vote{},
		Status:               data.DisputeInitiated,
		Decision:             data.DecisionNone,
		VotingDeadline:       now.Add(e.opts.VotingWindow),
		CreatedAt:            now,
	}
	if err := e.repo.CreateDispute(ctx, d); err != nil {
		return nil, fmt.Errorf("storing dispute: %w", err)
	}
	if e.deadlines != nil {
		e.deadlines.Track(DeadlineDispute, d.ID, d.VotingDeadline)
	}

	e.logger.Info("Dispute initiated",
		zap.String("dispute_id", d.ID),
		zap.String("type", d.Type),
		zap.String("product_id", d.ProductID),
		zap.String("initiator", d.Initiator),
		zap.Strings("involved", d.InvolvedParties),
		zap.Strings("candidates", d.CandidateArbitrators))
	return d, nil
}

// rankCandidates lists active, available arbitrators with expertise in
// disputeType, best success rate first, then the least loaded, then by id.
func (e *Engine) rankCandidates(ctx context.Context, disputeType string, exclude []string) ([]string, error) {
	active, available := true, true
	arbitrators, err := e.registry.List(ctx, data.ParticipantFilter{
		Role:      data.RoleArbitrator,
		Active:    &active,
		Available: &available,
	})
	if err != nil {
		return nil, fmt.Errorf("listing arbitrators: %w", err)
	}

	var eligible []*data.Participant
	for _, a := range arbitrators {
		if a.HasExpertise(disputeType) && !utils.Contains(exclude, a.ID) {
			eligible = append(eligible, a)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.ResolutionSuccessRate != b.ResolutionSuccessRate {
			return a.ResolutionSuccessRate > b.ResolutionSuccessRate
		}
		if a.TotalCasesHandled != b.TotalCasesHandled {
			return a.TotalCasesHandled < b.TotalCasesHandled
		}
		return a.ID < b.ID
	})

	ids := make([]string, len(eligible))
	for i, a := range eligible {
		ids[i] = a.ID
	}
	return ids, nil
}

// SelectArbitrator assigns the best ranked candidate that is still
// available. The arbitrator stays busy until the dispute is resolved and
// votes with arbitratorWeight.
func (e *Engine) SelectArbitrator(ctx context.Context, disputeID string) (*data.Dispute, error) {
	d, err := e.repo.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status == data.DisputeDecided || e.now().After(d.VotingDeadline) {
		return nil, data.ErrVotingClosed
	}
	if d.AssignedArbitrator != "" {
		return nil, data.ErrAlreadyAssigned
	}

	var chosen string
	for _, id := range d.CandidateArbitrators {
		claimed, err := e.registry.Claim(ctx, id)
		if err != nil {
			e.logger.Warn("Claiming arbitrator failed", zap.String("arbitrator", id), zap.Error(err))
			continue
		}
		if claimed {
			chosen = id
			break
		}
	}
	if chosen == "" {
		return nil, data.ErrNoAvailableArbitrator
	}

	var dispute *data.Dispute
	err = data.RetryOnConflict(ctx, func() error {
		d, err := e.repo.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status == data.DisputeDecided || e.now().After(d.VotingDeadline) {
			return data.ErrVotingClosed
		}
		if d.AssignedArbitrator != "" {
			return data.ErrAlreadyAssigned
		}
		d.AssignedArbitrator = chosen
		d.EligibleVoters = append(d.EligibleVoters, data.EligibleVoter{ID: chosen, Weight: e.arbitratorWeight(d.EligibleVoters)})
		d.Status = data.DisputeVoting
		if err := e.repo.UpdateDispute(ctx, d); err != nil {
			return err
		}
		dispute = d
		return nil
	})
	if err != nil {
		e.release(ctx, chosen)
		return nil, err
	}

	e.logger.Info("Arbitrator selected",
		zap.String("dispute_id", dispute.ID),
		zap.String("arbitrator", chosen),
		zap.Float64("weight", dispute.EligibleVoters[len(dispute.EligibleVoters)-1].Weight))
	return dispute, nil
}

// arbitratorWeight is the configured weight, raised to the combined weight
// of the stakeholders when they outweigh it, so that the arbitrator always
// settles an even stakeholder split.
func (e *Engine) arbitratorWeight(stakeholders []data.EligibleVoter) float64 {
	var total float64
	for _, v := range stakeholders {
		total += v.Weight
	}
	return math.Max(e.opts.ArbitratorWeight, total)
}

// CastVote records a stakeholder's or the arbitrator's vote. Every vote must
// carry a reason.
func (e *Engine) CastVote(ctx context.Context, disputeID, voterID string, approve bool, reason string) (*data.Dispute, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, data.ErrEmptyReason
	}
	voterID = registry.NormalizeID(voterID)

	var dispute *data.Dispute
	err := data.RetryOnConflict(ctx, func() error {
		d, err := e.repo.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status == data.DisputeDecided || e.now().After(d.VotingDeadline) {
			return data.ErrVotingClosed
		}
		ev, ok := data.FindEligible(d.EligibleVoters, voterID)
		if !ok {
			return fmt.Errorf("%w: %s may not vote on dispute %s", data.ErrInvalidParty, voterID, d.ID)
		}
		if data.HasVoted(d.Votes, voterID) {
			return data.ErrDuplicateVote
		}
		d.Votes = append(d.Votes, data.Vote{
			Voter:     voterID,
			Approve:   approve,
			Weight:    ev.Weight,
			Reason:    reason,
			Timestamp: e.now(),
		})
		d.Status = data.DisputeVoting
		if err := e.repo.UpdateDispute(ctx, d); err != nil {
			return err
		}
		dispute = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Dispute vote recorded",
		zap.String("dispute_id", dispute.ID),
		zap.String("voter", voterID),
		zap.Bool("approve", approve))
	return dispute, nil
}

// AddEvidence appends evidence to an open dispute. Only voters may submit.
func (e *Engine) AddEvidence(ctx context.Context, disputeID string, ev data.Evidence) (*data.Dispute, error) {
	submitter := registry.NormalizeID(ev.SubmittedBy)
	normalized, err := e.normalizeEvidence(ev, submitter, e.now())
	if err != nil {
		return nil, err
	}

	var dispute *data.Dispute
	err = data.RetryOnConflict(ctx, func() error {
		d, err := e.repo.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status == data.DisputeDecided {
			return data.ErrVotingClosed
		}
		if _, ok := data.FindEligible(d.EligibleVoters, submitter); !ok {
			return fmt.Errorf("%w: %s may not submit evidence for %s", data.ErrInvalidParty, submitter, d.ID)
		}
		for _, existing := range d.Evidence {
			if existing.CID == normalized.CID {
				dispute = d
				return nil
			}
		}
		d.Evidence = append(d.Evidence, normalized)
		if err := e.repo.UpdateDispute(ctx, d); err != nil {
			return err
		}
		dispute = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dispute, nil
}

func (e *Engine) normalizeEvidence(ev data.Evidence, submitter string, at time.Time) (data.Evidence, error) {
	c, err := metadata.ValidateCID(strings.TrimSpace(ev.CID))
	if err != nil {
		return data.Evidence{}, err
	}
	ev.CID = c.String()
	if ev.SubmittedBy == "" {
		ev.SubmittedBy = submitter
	} else {
		ev.SubmittedBy = registry.NormalizeID(ev.SubmittedBy)
	}
	if ev.SubmittedAt.IsZero() {
		ev.SubmittedAt = at
	}
	return ev, nil
}

// GetDispute returns a dispute by id.
func (e *Engine) GetDispute(ctx context.Context, disputeID string) (*data.Dispute, error) {
	return e.repo.GetDispute(ctx, disputeID)
}

// OpenDisputes lists disputes that are not yet decided.
func (e *Engine) OpenDisputes(ctx context.Context) ([]*data.Dispute, error) {
	initiated, err := e.repo.ListDisputes(ctx, data.DisputeFilter{Status: data.DisputeInitiated})
	if err != nil {
		return nil, err
	}
	voting, err := e.repo.ListDisputes(ctx, data.DisputeFilter{Status: data.DisputeVoting})
	if err != nil {
		return nil, err
	}
	return append(initiated, voting...), nil
}

func (e *Engine) release(ctx context.Context, arbitrator string) {
	if err := e.registry.SetAvailability(ctx, arbitrator, true); err != nil {
		e.logger.Warn("Releasing arbitrator failed", zap.String("arbitrator", arbitrator), zap.Error(err))
	}
}
