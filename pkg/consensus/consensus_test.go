package consensus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"scm_multichain/pkg/config"
	"scm_multichain/pkg/data"
	"scm_multichain/pkg/incentive"
	"scm_multichain/pkg/notify"
	"scm_multichain/pkg/registry"
	"scm_multichain/pkg/security"
)

type fakeTracker struct {
	mu      sync.Mutex
	tracked map[string]time.Time
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{tracked: make(map[string]time.Time)}
}

func (f *fakeTracker) Track(kind, id string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked[kind+"/"+id] = at
}

func (f *fakeTracker) Forget(kind, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tracked, kind+"/"+id)
}

func (f *fakeTracker) has(kind, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tracked[kind+"/"+id]
	return ok
}

type fixture struct {
	repo     *data.MemoryRepository
	registry *registry.Registry
	events   *notify.Recorder
	tracker  *fakeTracker
	engine   *Engine
}

func newFixture(t *testing.T, modify func(o *Options)) *fixture {
	logger := zaptest.NewLogger(t)
	cfg := config.Default()
	repo := data.NewMemoryRepository(logger)
	reg := registry.New(repo, registry.OptionsFromConfig(cfg), logger)
	events := notify.NewRecorder()
	ledger := incentive.NewLedger(reg, repo, events, cfg.Incentive.SlashFraction, logger)

	opts := OptionsFromConfig(cfg)
	opts.PrimarySelfValidate = false
	if modify != nil {
		modify(&opts)
	}
	engine := NewEngine(repo, reg, ledger, events, opts, logger)
	tracker := newFakeTracker()
	engine.SetDeadlineTracker(tracker)
	return &fixture{repo: repo, registry: reg, events: events, tracker: tracker, engine: engine}
}

func (f *fixture) register(t *testing.T, id string, role data.Role, stake float64) {
	t.Helper()
	_, err := f.registry.Register(context.Background(), registry.Registration{ID: id, Role: role, Stake: stake})
	require.NoError(t, err)
}

// withPrimaries registers n primaries of equal weight and one secondary proposer.
func (f *fixture) withPrimaries(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("primary-%d", i+1)
		f.register(t, ids[i], data.RolePrimary, 100)
	}
	f.register(t, "secondary-1", data.RoleSecondary, 200)
	return ids
}

func sampleTxs() []data.TransactionRecord {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return []data.TransactionRecord{
		{To: "manufacturer-1", ProductID: "prod-1", Type: data.TxManufacture, Timestamp: ts, ChainID: "local"},
		{From: "manufacturer-1", To: "buyer-1", ProductID: "prod-1", Type: data.TxTransfer, Value: 250, Timestamp: ts.Add(time.Hour)},
	}
}

func TestTally(t *testing.T) {
	eligible := []data.EligibleVoter{{ID: "a", Weight: 1}, {ID: "b", Weight: 1}, {ID: "c", Weight: 1}}
	approve := func(id string) data.Vote { return data.Vote{Voter: id, Approve: true} }
	reject := func(id string) data.Vote { return data.Vote{Voter: id, Approve: false} }

	tests := []struct {
		name     string
		votes    []data.Vote
		eligible []data.EligibleVoter
		accepted bool
		decided  bool
		share    float64
	}{
		{"no votes", nil, eligible, false, false, 0},
		{"two of three pending", []data.Vote{approve("a"), approve("b")}, eligible, false, false, 2.0 / 3},
		{"two of three final", []data.Vote{approve("a"), approve("b"), reject("c")}, eligible, false, true, 2.0 / 3},
		{"unanimous", []data.Vote{approve("a"), approve("b"), approve("c")}, eligible, true, true, 1},
		{"early rejection", []data.Vote{reject("a")}, eligible, false, true, 0},
		{"ineligible ignored", []data.Vote{approve("x"), approve("a")}, eligible, false, false, 1.0 / 3},
		{"repeat ignored", []data.Vote{approve("a"), approve("a"), approve("a")}, eligible, false, false, 1.0 / 3},
		{"weighted", []data.Vote{approve("big")}, []data.EligibleVoter{{ID: "big", Weight: 7}, {ID: "small", Weight: 3}}, true, true, 0.7},
		{"empty snapshot", nil, nil, false, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Tally(tt.votes, tt.eligible, 0.67)
			assert.Equal(t, tt.accepted, res.Accepted)
			assert.Equal(t, tt.decided, res.Decided)
			assert.InDelta(t, tt.share, res.Share, 1e-9)
		})
	}

	t.Run("threshold is inclusive", func(t *testing.T) {
		res := Tally([]data.Vote{approve("a"), approve("b")}, []data.EligibleVoter{{ID: "a", Weight: 1}, {ID: "b", Weight: 1}, {ID: "c", Weight: 2}}, 0.5)
		assert.True(t, res.Accepted)
	})
}

func TestBatchRejectedTwoOfThree(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	primaries := f.withPrimaries(t, 3)

	batch, err := f.engine.ProposeBatch(ctx, sampleTxs(), "secondary-1")
	require.NoError(t, err)
	assert.Equal(t, data.BatchProposed, batch.Status)
	assert.Len(t, batch.EligibleVoters, 3)
	assert.Empty(t, batch.Votes)
	assert.True(t, f.tracker.has(DeadlineBatch, batch.ID))

	batch, err = f.engine.SubmitVote(ctx, batch.ID, primaries[0], true)
	require.NoError(t, err)
	batch, err = f.engine.SubmitVote(ctx, batch.ID, primaries[1], true)
	require.NoError(t, err)
	assert.Equal(t, data.BatchProposed, batch.Status, "outcome still open with one voter left")

	batch, err = f.engine.SubmitVote(ctx, batch.ID, primaries[2], false)
	require.NoError(t, err)
	assert.Equal(t, data.BatchRejected, batch.Status)
	assert.False(t, batch.ConsensusReached)
	assert.InDelta(t, 2.0/3, batch.ApprovalShare, 1e-9)
	require.NotNil(t, batch.FinalizedAt)
	assert.False(t, f.tracker.has(DeadlineBatch, batch.ID))

	proposer, err := f.registry.Get(ctx, "secondary-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.65, proposer.Reputation, 1e-9)
	assert.InDelta(t, 190.0, proposer.Stake, 1e-9)

	assert.Len(t, f.events.OfType(notify.EventBatchRejected), 1)
	_, err = f.repo.GetProductState(ctx, "prod-1")
	assert.ErrorIs(t, err, data.ErrUnknownProduct)
}

func TestBatchValidatedUnanimous(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	primaries := f.withPrimaries(t, 3)

	batch, err := f.engine.ProposeBatch(ctx, sampleTxs(), "secondary-1")
	require.NoError(t, err)
	for _, p := range primaries {
		batch, err = f.engine.SubmitVote(ctx, batch.ID, p, true)
		require.NoError(t, err)
	}

	assert.Equal(t, data.BatchValidated, batch.Status)
	assert.True(t, batch.ConsensusReached)
	assert.InDelta(t, 1.0, batch.ApprovalShare, 1e-9)

	ps, err := f.engine.GetProductState(ctx, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, "buyer-1", ps.Owner)
	assert.ElementsMatch(t, []string{"manufacturer-1", "buyer-1"}, ps.Stakeholders)
	assert.Equal(t, []string{batch.ID}, ps.CommittedBatches)
	assert.Equal(t, data.TxTransfer, ps.LastTransactionType)
	assert.Equal(t, "local", ps.ChainID)

	proposer, err := f.registry.Get(ctx, "secondary-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.71, proposer.Reputation, 1e-9)

	validated := f.events.OfType(notify.EventBatchValidated)
	require.Len(t, validated, 1)
	assert.Equal(t, batch.Digest, validated[0].Attributes["digest"])
	assert.Len(t, f.events.OfType(notify.EventOwnershipTransferred), 2)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) { o.AutoFinalize = false })
	primaries := f.withPrimaries(t, 3)

	batch, err := f.engine.ProposeBatch(ctx, sampleTxs(), "secondary-1")
	require.NoError(t, err)
	for _, p := range primaries {
		_, err = f.engine.SubmitVote(ctx, batch.ID, p, true)
		require.NoError(t, err)
	}

	first, err := f.engine.Finalize(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, data.BatchValidated, first.Status)

	entries, err := f.repo.ListLedgerEntries(ctx, data.LedgerFilter{})
	require.NoError(t, err)
	eventCount := len(f.events.Events())

	second, err := f.engine.Finalize(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Version, second.Version)
	require.NotNil(t, second.FinalizedAt)
	assert.True(t, first.FinalizedAt.Equal(*second.FinalizedAt))

	after, err := f.repo.ListLedgerEntries(ctx, data.LedgerFilter{})
	require.NoError(t, err)
	assert.Len(t, after, len(entries))
	assert.Len(t, f.events.Events(), eventCount)

	stats := f.engine.Metrics().GetStats()
	assert.Equal(t, int64(1), stats.Started)
	assert.Equal(t, int64(1), stats.Accepted)
	assert.Equal(t, int64(0), stats.Open)
}

func TestFinalizeCountsAbstentionsAgainst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) { o.AutoFinalize = false })
	primaries := f.withPrimaries(t, 3)

	batch, err := f.engine.ProposeBatch(ctx, sampleTxs(), "secondary-1")
	require.NoError(t, err)
	_, err = f.engine.SubmitVote(ctx, batch.ID, primaries[0], true)
	require.NoError(t, err)
	_, err = f.engine.SubmitVote(ctx, batch.ID, primaries[1], true)
	require.NoError(t, err)

	batch, err = f.engine.Finalize(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, data.BatchRejected, batch.Status)
}

func TestSubmitVoteErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) { o.AutoFinalize = false })
	primaries := f.withPrimaries(t, 3)
	f.register(t, "transporter-1", data.RoleTransporter, 10)

	batch, err := f.engine.ProposeBatch(ctx, sampleTxs(), "secondary-1")
	require.NoError(t, err)

	_, err = f.engine.SubmitVote(ctx, "missing", primaries[0], true)
	assert.ErrorIs(t, err, data.ErrUnknownBatch)

	_, err = f.engine.SubmitVote(ctx, batch.ID, "transporter-1", true)
	assert.ErrorIs(t, err, data.ErrInvalidParty)

	_, err = f.engine.SubmitVote(ctx, batch.ID, primaries[0], true)
	require.NoError(t, err)
	_, err = f.engine.SubmitVote(ctx, batch.ID, primaries[0], false)
	assert.ErrorIs(t, err, data.ErrDuplicateVote)
	assert.ErrorIs(t, err, data.ErrConflict)

	_, err = f.engine.Finalize(ctx, batch.ID)
	require.NoError(t, err)
	_, err = f.engine.SubmitVote(ctx, batch.ID, primaries[1], true)
	assert.ErrorIs(t, err, data.ErrVotingClosed)

	stored, err := f.engine.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Votes, 1)
}

func TestVoteAfterDeadline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	primaries := f.withPrimaries(t, 3)

	batch, err := f.engine.ProposeBatch(ctx, sampleTxs(), "secondary-1")
	require.NoError(t, err)

	f.engine.now = func() time.Time { return batch.VotingDeadline.Add(time.Second) }
	_, err = f.engine.SubmitVote(ctx, batch.ID, primaries[0], true)
	assert.ErrorIs(t, err, data.ErrVotingClosed)
}

func TestProposeBatchValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.withPrimaries(t, 1)
	f.register(t, "buyer-1", data.RoleBuyer, 0)

	_, err := f.engine.ProposeBatch(ctx, nil, "secondary-1")
	assert.ErrorIs(t, err, data.ErrEmptyBatch)

	_, err = f.engine.ProposeBatch(ctx, sampleTxs(), "nobody")
	assert.ErrorIs(t, err, data.ErrInvalidParty)

	_, err = f.engine.ProposeBatch(ctx, sampleTxs(), "buyer-1")
	assert.ErrorIs(t, err, data.ErrInvalidParty)

	bad := []data.TransactionRecord{{ProductID: "prod-1", Type: data.TxTransfer}}
	_, err = f.engine.ProposeBatch(ctx, bad, "secondary-1")
	assert.ErrorIs(t, err, data.ErrInvalidTransaction)

	require.NoError(t, f.registry.Deactivate(ctx, "secondary-1"))
	_, err = f.engine.ProposeBatch(ctx, sampleTxs(), "secondary-1")
	assert.ErrorIs(t, err, data.ErrInvalidParty)
}

func TestProposeBatchWithoutPrimaries(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "secondary-1", data.RoleSecondary, 200)

	_, err := f.engine.ProposeBatch(context.Background(), sampleTxs(), "secondary-1")
	assert.ErrorIs(t, err, data.ErrNoEligibleVoters)
	assert.ErrorIs(t, err, data.ErrResource)
}

func TestPrimaryProposer(t *testing.T) {
	ctx := context.Background()

	t.Run("SelfValidates", func(t *testing.T) {
		f := newFixture(t, func(o *Options) { o.PrimarySelfValidate = true })
		primaries := f.withPrimaries(t, 3)

		batch, err := f.engine.ProposeBatch(ctx, sampleTxs(), primaries[0])
		require.NoError(t, err)
		assert.Equal(t, data.BatchValidated, batch.Status)
		require.Len(t, batch.EligibleVoters, 1)
		require.Len(t, batch.Votes, 1)
		assert.Equal(t, primaries[0], batch.Votes[0].Voter)
		assert.True(t, batch.Votes[0].Approve)
	})

	t.Run("VotesWithPeers", func(t *testing.T) {
		f := newFixture(t, nil)
		primaries := f.withPrimaries(t, 3)

		batch, err := f.engine.ProposeBatch(ctx, sampleTxs(), primaries[0])
		require.NoError(t, err)
		assert.Equal(t, data.BatchProposed, batch.Status)
		assert.Len(t, batch.EligibleVoters, 3)
		require.Len(t, batch.Votes, 1)

		_, err = f.engine.SubmitVote(ctx, batch.ID, primaries[0], true)
		assert.ErrorIs(t, err, data.ErrDuplicateVote)

		batch, err = f.engine.SubmitVote(ctx, batch.ID, primaries[1], true)
		require.NoError(t, err)
		batch, err = f.engine.SubmitVote(ctx, batch.ID, primaries[2], true)
		require.NoError(t, err)
		assert.Equal(t, data.BatchValidated, batch.Status)
	})
}

func TestSignedVotes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) { o.RequireSignatures = true })

	signers := make([]*security.Signer, 2)
	for i := range signers {
		s, err := security.GenerateSigner()
		require.NoError(t, err)
		signers[i] = s
		f.register(t, s.Address(), data.RolePrimary, 100)
	}
	f.register(t, "secondary-1", data.RoleSecondary, 100)

	batch, err := f.engine.ProposeBatch(ctx, sampleTxs(), "secondary-1")
	require.NoError(t, err)

	_, err = f.engine.SubmitVote(ctx, batch.ID, signers[0].Address(), true)
	assert.ErrorIs(t, err, data.ErrInvalidSignature)

	forged, err := signers[1].SignVote(batch.ID, batch.Digest, true)
	require.NoError(t, err)
	_, err = f.engine.SubmitSignedVote(ctx, batch.ID, signers[0].Address(), true, forged)
	assert.ErrorIs(t, err, data.ErrInvalidSignature)

	for _, s := range signers {
		sig, err := s.SignVote(batch.ID, batch.Digest, true)
		require.NoError(t, err)
		batch, err = f.engine.SubmitSignedVote(ctx, batch.ID, s.Address(), true, sig)
		require.NoError(t, err)
	}
	assert.Equal(t, data.BatchValidated, batch.Status)
	for _, v := range batch.Votes {
		assert.NotEmpty(t, v.Signature)
	}
}

func TestConcurrentVotesAreLinearized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) { o.AutoFinalize = false })
	primaries := f.withPrimaries(t, 10)

	batch, err := f.engine.ProposeBatch(ctx, sampleTxs(), "secondary-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, len(primaries)*2)
	for _, p := range primaries {
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(voter string) {
				defer wg.Done()
				_, err := f.engine.SubmitVote(ctx, batch.ID, voter, true)
				errs <- err
			}(p)
		}
	}
	wg.Wait()
	close(errs)

	var ok, dup int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, data.ErrDuplicateVote):
			dup++
		}
	}
	assert.Equal(t, len(primaries), ok)
	assert.Equal(t, len(primaries), dup)

	stored, err := f.engine.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Votes, len(primaries))

	open, err := f.engine.OpenBatches(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestShipmentLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	primaries := f.withPrimaries(t, 3)
	f.register(t, "manufacturer-1", data.RoleManufacturer, 0)

	_, err := f.engine.ProposeShipment(ctx, ShipmentProposal{ProductID: "prod-1", Distance: 0, Proposer: "manufacturer-1"})
	assert.ErrorIs(t, err, data.ErrInvalidDistance)

	_, err = f.engine.ProposeShipment(ctx, ShipmentProposal{ProductID: "prod-1", Distance: 10, MetadataCID: "not-a-cid", Proposer: "manufacturer-1"})
	assert.ErrorIs(t, err, data.ErrInvalidEvidence)

	s, err := f.engine.ProposeShipment(ctx, ShipmentProposal{
		ProductID:     "prod-1",
		StartLocation: "Shenzhen",
		EndLocation:   "Rotterdam",
		Distance:      420,
		TransportFee:  1200,
		Proposer:      "manufacturer-1",
	})
	require.NoError(t, err)
	assert.Equal(t, data.ShipmentPending, s.Status)
	assert.True(t, f.tracker.has(DeadlineShipment, s.ID))

	for _, p := range primaries {
		s, err = f.engine.VoteShipment(ctx, s.ID, p, true, "route ok")
		require.NoError(t, err)
	}
	assert.Equal(t, data.ShipmentApproved, s.Status)
	assert.Len(t, f.events.OfType(notify.EventShipmentApproved), 1)

	_, err = f.engine.VoteShipment(ctx, s.ID, primaries[0], false, "late")
	assert.ErrorIs(t, err, data.ErrVotingClosed)

	dispatch := []data.TransactionRecord{{
		From: "manufacturer-1", To: "transporter-1", ProductID: "prod-1", Type: data.TxShipmentDispatch,
		Metadata: map[string]string{data.MetaShipmentID: s.ID},
	}}
	f.register(t, "secondary-2", data.RoleSecondary, 10)
	batch, err := f.engine.ProposeBatch(ctx, dispatch, "secondary-2")
	require.NoError(t, err)
	for _, p := range primaries {
		batch, err = f.engine.SubmitVote(ctx, batch.ID, p, true)
		require.NoError(t, err)
	}
	require.Equal(t, data.BatchValidated, batch.Status)

	s, err = f.engine.GetShipment(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, data.ShipmentInTransit, s.Status)

	delivery := []data.TransactionRecord{{From: "transporter-1", To: "buyer-1", ProductID: "prod-1", Type: data.TxShipmentDelivery}}
	batch, err = f.engine.ProposeBatch(ctx, delivery, "secondary-2")
	require.NoError(t, err)
	for _, p := range primaries {
		batch, err = f.engine.SubmitVote(ctx, batch.ID, p, true)
		require.NoError(t, err)
	}

	s, err = f.engine.GetShipment(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, data.ShipmentDelivered, s.Status)
	assert.Len(t, f.events.OfType(notify.EventShipmentAdvanced), 2)
}

func TestShipmentRejectedAtDeadline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) { o.AutoFinalize = false })
	primaries := f.withPrimaries(t, 3)

	s, err := f.engine.ProposeShipment(ctx, ShipmentProposal{ProductID: "prod-1", Distance: 50, Proposer: primaries[0]})
	require.NoError(t, err)
	require.Len(t, s.Votes, 1, "a primary proposer approves its own shipment")

	s, err = f.engine.FinalizeShipment(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, data.ShipmentRejected, s.Status)

	again, err := f.engine.FinalizeShipment(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Version, again.Version)
	assert.Len(t, f.events.OfType(notify.EventShipmentRejected), 1)

	open, err := f.engine.OpenShipments(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestBatchDigestIsStable(t *testing.T) {
	a, err := BatchDigest(sampleTxs())
	require.NoError(t, err)
	b, err := BatchDigest(sampleTxs())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 66)

	changed := sampleTxs()
	changed[1].Value = 251
	c, err := BatchDigest(changed)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()
	m.IncrementStarted()
	m.IncrementStarted()
	m.RecordFinalized(true, 10*time.Second)
	m.RecordFinalized(false, 20*time.Second)

	stats := m.GetStats()
	assert.Equal(t, int64(2), stats.Started)
	assert.Equal(t, int64(1), stats.Accepted)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.InDelta(t, float64(11*time.Second), float64(stats.AverageLatency), float64(time.Millisecond))
}
