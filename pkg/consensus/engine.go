package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"scm_multichain/pkg/config"
	"scm_multichain/pkg/data"
	"scm_multichain/pkg/incentive"
	"scm_multichain/pkg/notify"
	"scm_multichain/pkg/registry"
	"scm_multichain/pkg/security"
)

// Options controls voting behaviour.
type Options struct {
	Supermajority       float64
	PrimarySelfValidate bool
	AutoFinalize        bool
	VotingWindow        time.Duration
	RequireSignatures   bool
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Supermajority:       cfg.Consensus.Supermajority,
		PrimarySelfValidate: cfg.Consensus.PrimarySelfValidate,
		AutoFinalize:        cfg.Consensus.AutoFinalize,
		VotingWindow:        cfg.Consensus.VotingWindow,
		RequireSignatures:   cfg.Security.RequireVoteSignatures,
	}
}

// Engine validates batches and shipments by weighted vote of primary nodes.
type Engine struct {
	repo      data.Repository
	registry  *registry.Registry
	ledger    *incentive.Ledger
	publisher notify.Publisher
	deadlines DeadlineTracker
	metrics   *Metrics
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates a consensus engine. publisher may be nil.
func NewEngine(repo data.Repository, reg *registry.Registry, ledger *incentive.Ledger, publisher notify.Publisher, opts Options, logger *zap.Logger) *Engine {
	return &Engine{
		repo:      repo,
		registry:  reg,
		ledger:    ledger,
		publisher: publisher,
		metrics:   NewMetrics(),
		opts:      opts,
		logger:    logger.Named("consensus"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetDeadlineTracker registers the sweeper that finalizes expired rounds.
func (e *Engine) SetDeadlineTracker(t DeadlineTracker) {
	e.deadlines = t
}

// Metrics returns the engine's voting metrics.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// BatchDigest is the Keccak-256 hash of the JSON encoded transactions.
func BatchDigest(txs []data.TransactionRecord) (string, error) {
	raw, err := json.Marshal(txs)
	if err != nil {
		return "", fmt.Errorf("encoding transactions: %w", err)
	}
	return crypto.Keccak256Hash(raw).Hex(), nil
}

// ProposeBatch opens a batch for voting.
func (e *Engine) ProposeBatch(ctx context.Context, txs []data.TransactionRecord, proposerID string) (*data.Batch, error) {
	if len(txs) == 0 {
		return nil, data.ErrEmptyBatch
	}

	proposer, err := e.registry.Get(ctx, proposerID)
	if err != nil {
		if errors.Is(err, data.ErrUnknownParticipant) {
			return nil, fmt.Errorf("%w: proposer %s is not registered", data.ErrInvalidParty, proposerID)
		}
		return nil, err
	}
	if !proposer.Active || !proposer.Role.IsNode() {
		return nil, fmt.Errorf("%w: %s cannot propose batches", data.ErrInvalidParty, proposer.ID)
	}

	records := make([]data.TransactionRecord, len(txs))
	for i, tx := range txs {
		if err := tx.Validate(); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		tx.From = registry.NormalizeID(tx.From)
		tx.To = registry.NormalizeID(tx.To)
		records[i] = tx
	}

	digest, err := BatchDigest(records)
	if err != nil {
		return nil, err
	}

	selfValidate := proposer.Role == data.RolePrimary && e.opts.PrimarySelfValidate
	var eligible []data.EligibleVoter
	if selfValidate {
		eligible = []data.EligibleVoter{{ID: proposer.ID, Weight: registry.Weight(proposer)}}
	} else {
		eligible, err = e.primaryVoters(ctx)
		if err != nil {
			return nil, err
		}
	}
	if totalWeight(eligible) <= 0 {
		return nil, data.ErrNoEligibleVoters
	}

	now := e.now()
	batch := &data.Batch{
		ID:             data.NewID(),
		Transactions:   records,
		Digest:         digest,
		Proposer:       proposer.ID,
		NodeType:       proposer.Role,
		Status:         data.BatchProposed,
		EligibleVoters: eligible,
		Votes:          []data.Vote{},
		VotingDeadline: now.Add(e.opts.VotingWindow),
		CreatedAt:      now,
	}
	if proposer.Role == data.RolePrimary {
		if ev, ok := data.FindEligible(eligible, proposer.ID); ok {
			batch.Votes = append(batch.Votes, data.Vote{
				Voter:     proposer.ID,
				Approve:   true,
				Weight:    ev.Weight,
				Reason:    "proposer",
				Timestamp: now,
			})
		}
	}

	if err := e.repo.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("storing batch: %w", err)
	}
	e.metrics.IncrementStarted()
	if e.deadlines != nil {
		e.deadlines.Track(DeadlineBatch, batch.ID, batch.VotingDeadline)
	}

	e.logger.Info("Batch proposed",
		zap.String("batch_id", batch.ID),
		zap.String("proposer", batch.Proposer),
		zap.String("node_type", string(batch.NodeType)),
		zap.Int("transactions", len(records)),
		zap.Int("eligible_voters", len(eligible)),
		zap.String("digest", digest))

	if selfValidate || (e.opts.AutoFinalize && e.tally(batch.Votes, batch.EligibleVoters).Decided) {
		return e.Finalize(ctx, batch.ID)
	}
	return batch, nil
}

// SubmitVote records an unsigned vote on a batch.
func (e *Engine) SubmitVote(ctx context.Context, batchID, voterID string, approve bool) (*data.Batch, error) {
	return e.submitVote(ctx, batchID, voterID, approve, "")
}

// SubmitSignedVote records a vote whose signature must recover to the voter.
func (e *Engine) SubmitSignedVote(ctx context.Context, batchID, voterID string, approve bool, sig string) (*data.Batch, error) {
	if sig == "" {
		return nil, fmt.Errorf("%w: missing signature", data.ErrInvalidSignature)
	}
	return e.submitVote(ctx, batchID, voterID, approve, sig)
}

func (e *Engine) submitVote(ctx context.Context, batchID, voterID string, approve bool, sig string) (*data.Batch, error) {
	voterID = registry.NormalizeID(voterID)
	if sig == "" && e.opts.RequireSignatures {
		return nil, fmt.Errorf("%w: missing signature", data.ErrInvalidSignature)
	}

	var batch *data.Batch
	err := data.RetryOnConflict(ctx, func() error {
		b, err := e.repo.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if b.IsTerminal() || e.now().After(b.VotingDeadline) {
			return data.ErrVotingClosed
		}
		ev, ok := data.FindEligible(b.EligibleVoters, voterID)
		if !ok {
			return fmt.Errorf("%w: %s is not eligible for batch %s", data.ErrInvalidParty, voterID, b.ID)
		}
		if data.HasVoted(b.Votes, voterID) {
			return data.ErrDuplicateVote
		}
		if sig != "" {
			if err := security.VerifyVote(voterID, security.VoteDigest(b.ID, b.Digest, voterID, approve), sig); err != nil {
				return err
			}
		}
		b.Votes = append(b.Votes, data.Vote{
			Voter:     voterID,
			Approve:   approve,
			Weight:    ev.Weight,
			Signature: sig,
			Timestamp: e.now(),
		})
		if err := e.repo.UpdateBatch(ctx, b); err != nil {
			return err
		}
		batch = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Batch vote recorded",
		zap.String("batch_id", batch.ID),
		zap.String("voter", voterID),
		zap.Bool("approve", approve))

	if e.opts.AutoFinalize && e.tally(batch.Votes, batch.EligibleVoters).Decided {
		return e.Finalize(ctx, batch.ID)
	}
	return batch, nil
}

// Finalize closes voting on a batch. A batch that is already terminal is
// returned unchanged and no side effects are repeated.
func (e *Engine) Finalize(ctx context.Context, batchID string) (*data.Batch, error) {
	var (
		batch     *data.Batch
		finalized bool
	)
	err := data.RetryOnConflict(ctx, func() error {
		finalized = false
		b, err := e.repo.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		batch = b
		if b.IsTerminal() {
			return nil
		}

		res := e.tally(b.Votes, b.EligibleVoters)
		now := e.now()
		b.ApprovalShare = res.Share
		b.ConsensusReached = res.Accepted
		b.Status = data.BatchRejected
		if res.Accepted {
			b.Status = data.BatchValidated
		}
		b.FinalizedAt = &now
		if err := e.repo.UpdateBatch(ctx, b); err != nil {
			return err
		}
		finalized = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !finalized {
		return batch, nil
	}

	if e.deadlines != nil {
		e.deadlines.Forget(DeadlineBatch, batch.ID)
	}
	e.metrics.RecordFinalized(batch.ConsensusReached, batch.FinalizedAt.Sub(batch.CreatedAt))
	e.logger.Info("Batch finalized",
		zap.String("batch_id", batch.ID),
		zap.String("status", string(batch.Status)),
		zap.Float64("approval_share", batch.ApprovalShare),
		zap.Int("votes", len(batch.Votes)))

	eventType := notify.EventBatchRejected
	outcome := data.OutcomeProposalRejected
	if batch.Status == data.BatchValidated {
		eventType = notify.EventBatchValidated
		outcome = data.OutcomeProposalValidated
		e.commitTransactions(ctx, batch)
	}
	e.ledger.RecordOutcome(ctx, batch.Proposer, incentive.Outcome{Kind: outcome, Reference: batch.ID})
	notify.PublishAll(ctx, e.publisher, e.logger, notify.NewEvent(eventType, batch.ID, string(batch.Status), map[string]string{
		"digest":         batch.Digest,
		"proposer":       batch.Proposer,
		"approval_share": fmt.Sprintf("%.4f", batch.ApprovalShare),
	}))
	return batch, nil
}

// GetBatch returns a batch by id.
func (e *Engine) GetBatch(ctx context.Context, batchID string) (*data.Batch, error) {
	return e.repo.GetBatch(ctx, batchID)
}

// OpenBatches lists batches still collecting votes.
func (e *Engine) OpenBatches(ctx context.Context) ([]*data.Batch, error) {
	return e.repo.ListBatches(ctx, data.BatchFilter{Status: data.BatchProposed})
}

func (e *Engine) tally(votes []data.Vote, eligible []data.EligibleVoter) Result {
	return Tally(votes, eligible, e.opts.Supermajority)
}

// primaryVoters snapshots every active primary with its current weight.
func (e *Engine) primaryVoters(ctx context.Context) ([]data.EligibleVoter, error) {
	primaries, err := e.registry.ActiveByRole(ctx, data.RolePrimary)
	if err != nil {
		return nil, fmt.Errorf("listing primaries: %w", err)
	}
	if len(primaries) == 0 {
		return nil, data.ErrNoEligibleVoters
	}
	eligible := make([]data.EligibleVoter, 0, len(primaries))
	for _, p := range primaries {
		eligible = append(eligible, data.EligibleVoter{ID: p.ID, Weight: registry.Weight(p)})
	}
	return eligible, nil
}

func totalWeight(eligible []data.EligibleVoter) float64 {
	var total float64
	for _, e := range eligible {
		total += e.Weight
	}
	return total
}
