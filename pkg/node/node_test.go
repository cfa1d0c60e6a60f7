package node

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"scm_multichain/pkg/chain"
	"scm_multichain/pkg/config"
	"scm_multichain/pkg/data"
	"scm_multichain/pkg/registry"
)

func newTestNode(t *testing.T, modify func(*config.Config)) *Node {
	t.Helper()
	cfg := config.Default()
	cfg.Consensus.PrimarySelfValidate = false
	if modify != nil {
		modify(cfg)
	}
	require.NoError(t, cfg.Validate())

	n, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Stop(context.Background()) })

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := n.Registry.Register(ctx, registry.Registration{ID: fmt.Sprintf("primary-%d", i), Role: data.RolePrimary, Stake: 100})
		require.NoError(t, err)
	}
	_, err = n.Registry.Register(ctx, registry.Registration{ID: "secondary-1", Role: data.RoleSecondary, Stake: 200})
	require.NoError(t, err)
	return n
}

func sampleTxs() []data.TransactionRecord {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return []data.TransactionRecord{
		{To: "manufacturer-1", ProductID: "prod-1", Type: data.TxManufacture, Timestamp: ts},
		{From: "manufacturer-1", To: "buyer-1", ProductID: "prod-1", Type: data.TxTransfer, Value: 250, Timestamp: ts.Add(time.Hour)},
	}
}

func TestValidatedBatchReachesChain(t *testing.T) {
	n := newTestNode(t, nil)
	ctx := context.Background()
	require.NoError(t, n.Start(ctx))
	assert.Error(t, n.Start(ctx))

	batch, err := n.Consensus.ProposeBatch(ctx, sampleTxs(), "secondary-1")
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		batch, err = n.Consensus.SubmitVote(ctx, batch.ID, fmt.Sprintf("primary-%d", i), true)
		require.NoError(t, err)
	}
	assert.Equal(t, data.BatchValidated, batch.Status)

	local, ok := n.Chain().(*chain.LocalClient)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return len(local.Transitions()) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	var types []string
	for _, tr := range local.Transitions() {
		types = append(types, tr.EventType)
		assert.Equal(t, "local", tr.ChainID)
	}
	assert.Contains(t, types, "batch.validated")
	assert.Contains(t, types, "ownership.transferred")
	assert.NotContains(t, types, "batch.rejected")
}

func TestUnavailableRelayerDoesNotDelayVotes(t *testing.T) {
	tests := []struct {
		name   string
		handle func(w http.ResponseWriter, r *http.Request, release <-chan struct{})
	}{
		{
			name: "ServiceUnavailable",
			handle: func(w http.ResponseWriter, r *http.Request, _ <-chan struct{}) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
		},
		{
			name: "Hung",
			handle: func(w http.ResponseWriter, r *http.Request, release <-chan struct{}) {
				select {
				case <-release:
				case <-r.Context().Done():
				}
				w.WriteHeader(http.StatusServiceUnavailable)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			release := make(chan struct{})
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				tt.handle(w, r, release)
			}))
			defer server.Close()
			defer close(release)

			n := newTestNode(t, func(cfg *config.Config) {
				cfg.Chain.RelayerURL = server.URL
				cfg.Chain.Timeout = 30 * time.Second
			})
			ctx := context.Background()
			require.NoError(t, n.Start(ctx))

			batch, err := n.Consensus.ProposeBatch(ctx, sampleTxs(), "secondary-1")
			require.NoError(t, err)

			start := time.Now()
			for i := 1; i <= 3; i++ {
				batch, err = n.Consensus.SubmitVote(ctx, batch.ID, fmt.Sprintf("primary-%d", i), true)
				require.NoError(t, err)
			}
			assert.Less(t, time.Since(start), time.Second)
			assert.Equal(t, data.BatchValidated, batch.Status)

			assert.Eventually(t, func() bool {
				return atomic.LoadInt32(&calls) > 0
			}, 2*time.Second, 10*time.Millisecond)

			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			require.NoError(t, n.Stop(stopCtx))
		})
	}
}

func TestDeadlinesAreSweptAndRestored(t *testing.T) {
	n := newTestNode(t, func(cfg *config.Config) {
		cfg.Consensus.VotingWindow = 200 * time.Millisecond
	})
	ctx := context.Background()

	batch, err := n.Consensus.ProposeBatch(ctx, sampleTxs(), "secondary-1")
	require.NoError(t, err)
	_, err = n.Consensus.SubmitVote(ctx, batch.ID, "primary-1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, n.deadlines.Pending())

	// Forgetting the in-memory deadline simulates a restart.
	n.deadlines.Forget("batch", batch.ID)
	restored, err := n.RestoreDeadlines(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	time.Sleep(250 * time.Millisecond)
	require.NoError(t, n.SweepDeadlines(ctx))
	assert.Zero(t, n.deadlines.Pending())

	got, err := n.Consensus.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, data.BatchRejected, got.Status)
	assert.NotNil(t, got.FinalizedAt)

	restored, err = n.RestoreDeadlines(ctx)
	require.NoError(t, err)
	assert.Zero(t, restored)
}

func TestStartSchedulesSweep(t *testing.T) {
	n := newTestNode(t, nil)
	require.NoError(t, n.Start(context.Background()))

	task, err := n.scheduler.GetTask("deadline-sweep")
	require.NoError(t, err)
	assert.Equal(t, "*/10 * * * * *", task.Schedule)

	require.NoError(t, n.Stop(context.Background()))
	require.NoError(t, n.Stop(context.Background()))
}
