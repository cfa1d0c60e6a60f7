package data

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupTestDB(t *testing.T) *PostgresRepository {
	connStr := os.Getenv("TEST_DATABASE_URL")
	if connStr == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	logger := zaptest.NewLogger(t)
	repo, err := NewPostgresRepository(context.Background(), connStr, logger)
	require.NoError(t, err)

	clearTestData(t, repo)
	return repo
}

func clearTestData(t *testing.T, repo *PostgresRepository) {
	ctx := context.Background()
	for _, table := range []string{
		tableParticipants, tableBatches, tableShipments, tableProductStates,
		tableDeliveryRequests, tableDisputes, "ledger_entries",
	} {
		_, err := repo.pool.Exec(ctx, "DELETE FROM "+table)
		require.NoError(t, err)
	}
}

func testParticipant(id string, role Role) *Participant {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Participant{
		ID:           id,
		Role:         role,
		Stake:        100,
		TrustScore:   0.9,
		Reputation:   0.7,
		Available:    true,
		Active:       true,
		Expertise:    []string{},
		RegisteredAt: now,
		UpdatedAt:    now,
	}
}

func TestMemoryRepository(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T) Repository {
		return NewMemoryRepository(zaptest.NewLogger(t))
	})
}

func TestPostgresRepository(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T) Repository {
		return setupTestDB(t)
	})
}

func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("participant CRUD", func(t *testing.T) {
		repo := newRepo(t)
		defer repo.Close()

		p := testParticipant("p1", RolePrimary)
		require.NoError(t, repo.CreateParticipant(ctx, p))
		assert.Equal(t, int64(1), p.Version)

		got, err := repo.GetParticipant(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, p, got)

		got.Reputation = 0.8
		require.NoError(t, repo.UpdateParticipant(ctx, got))
		assert.Equal(t, int64(2), got.Version)

		reread, err := repo.GetParticipant(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 0.8, reread.Reputation)
		assert.Equal(t, int64(2), reread.Version)

		_, err = repo.GetParticipant(ctx, "missing")
		assert.ErrorIs(t, err, ErrUnknownParticipant)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate participant", func(t *testing.T) {
		repo := newRepo(t)
		defer repo.Close()

		require.NoError(t, repo.CreateParticipant(ctx, testParticipant("p1", RolePrimary)))
		err := repo.CreateParticipant(ctx, testParticipant("p1", RoleSecondary))
		assert.ErrorIs(t, err, ErrDuplicateParticipant)
		assert.ErrorIs(t, err, ErrConflict)

		got, err := repo.GetParticipant(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, RolePrimary, got.Role)
	})

	t.Run("stale version is rejected", func(t *testing.T) {
		repo := newRepo(t)
		defer repo.Close()

		require.NoError(t, repo.CreateParticipant(ctx, testParticipant("p1", RolePrimary)))
		a, err := repo.GetParticipant(ctx, "p1")
		require.NoError(t, err)
		b, err := repo.GetParticipant(ctx, "p1")
		require.NoError(t, err)

		a.Stake = 150
		require.NoError(t, repo.UpdateParticipant(ctx, a))

		b.Stake = 10
		err = repo.UpdateParticipant(ctx, b)
		assert.ErrorIs(t, err, ErrConcurrentModification)
		assert.Equal(t, int64(1), b.Version)

		got, err := repo.GetParticipant(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 150.0, got.Stake)
	})

	t.Run("reads are copies", func(t *testing.T) {
		repo := newRepo(t)
		defer repo.Close()

		p := testParticipant("p1", RoleArbitrator)
		p.Expertise = []string{"quality"}
		require.NoError(t, repo.CreateParticipant(ctx, p))

		got, err := repo.GetParticipant(ctx, "p1")
		require.NoError(t, err)
		got.Expertise[0] = "tampered"

		again, err := repo.GetParticipant(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, []string{"quality"}, again.Expertise)
	})

	t.Run("list participants with filter", func(t *testing.T) {
		repo := newRepo(t)
		defer repo.Close()

		for _, p := range []*Participant{
			testParticipant("t2", RoleTransporter),
			testParticipant("t1", RoleTransporter),
			testParticipant("p1", RolePrimary),
		} {
			require.NoError(t, repo.CreateParticipant(ctx, p))
		}
		busy, err := repo.GetParticipant(ctx, "t2")
		require.NoError(t, err)
		busy.Available = false
		require.NoError(t, repo.UpdateParticipant(ctx, busy))

		all, err := repo.ListParticipants(ctx, ParticipantFilter{Role: RoleTransporter})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "t1", all[0].ID)
		assert.Equal(t, "t2", all[1].ID)

		available := true
		free, err := repo.ListParticipants(ctx, ParticipantFilter{Role: RoleTransporter, Available: &available})
		require.NoError(t, err)
		require.Len(t, free, 1)
		assert.Equal(t, "t1", free[0].ID)
	})

	t.Run("batch lifecycle", func(t *testing.T) {
		repo := newRepo(t)
		defer repo.Close()

		b := &Batch{
			ID:             "b1",
			Transactions:   []TransactionRecord{{From: "m1", To: "b1", ProductID: "prod-1", Type: TxTransfer, Metadata: map[string]string{}}},
			Proposer:       "s1",
			NodeType:       RoleSecondary,
			Status:         BatchProposed,
			EligibleVoters: []EligibleVoter{{ID: "p1", Weight: 90}},
			Votes:          []Vote{},
		}
		require.NoError(t, repo.CreateBatch(ctx, b))

		proposed, err := repo.ListBatches(ctx, BatchFilter{Status: BatchProposed})
		require.NoError(t, err)
		require.Len(t, proposed, 1)

		b.Status = BatchValidated
		require.NoError(t, repo.UpdateBatch(ctx, b))

		proposed, err = repo.ListBatches(ctx, BatchFilter{Status: BatchProposed})
		require.NoError(t, err)
		assert.Empty(t, proposed)

		_, err = repo.GetBatch(ctx, "nope")
		assert.ErrorIs(t, err, ErrUnknownBatch)
		assert.ErrorIs(t, repo.UpdateBatch(ctx, &Batch{ID: "nope", Version: 1}), ErrUnknownBatch)
	})

	t.Run("ledger is append only and ordered", func(t *testing.T) {
		repo := newRepo(t)
		defer repo.Close()

		for _, kind := range []LedgerKind{OutcomeSuccessfulDelivery, OutcomeOnTime, OutcomeLateDelivery} {
			require.NoError(t, repo.AppendLedgerEntry(ctx, &LedgerEntry{
				ParticipantID: "t1",
				Kind:          kind,
				Reference:     "dr-1",
				Timestamp:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
			}))
		}
		require.NoError(t, repo.AppendLedgerEntry(ctx, &LedgerEntry{ParticipantID: "t2", Kind: OutcomeOnTime, Reference: "dr-2"}))

		entries, err := repo.ListLedgerEntries(ctx, LedgerFilter{ParticipantID: "t1"})
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, OutcomeSuccessfulDelivery, entries[0].Kind)
		assert.Equal(t, OutcomeLateDelivery, entries[2].Kind)
		assert.NotEmpty(t, entries[0].ID)

		byRef, err := repo.ListLedgerEntries(ctx, LedgerFilter{Reference: "dr-2"})
		require.NoError(t, err)
		assert.Len(t, byRef, 1)
	})

	t.Run("concurrent updates linearize under retry", func(t *testing.T) {
		repo := newRepo(t)
		defer repo.Close()

		p := testParticipant("p1", RolePrimary)
		p.Stake = 0
		require.NoError(t, repo.CreateParticipant(ctx, p))

		const workers = 10
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- RetryOnConflict(ctx, func() error {
					cur, err := repo.GetParticipant(ctx, "p1")
					if err != nil {
						return err
					}
					cur.Stake++
					return repo.UpdateParticipant(ctx, cur)
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := repo.GetParticipant(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, float64(workers), got.Stake)
		assert.Equal(t, int64(workers+1), got.Version)
	})
}

func TestRetryOnConflictStopsOnPermanentError(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := RetryOnConflict(context.Background(), func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryOnConflictRetriesConflicts(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), func() error {
		calls++
		if calls < 3 {
			return ErrConcurrentModification
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}
