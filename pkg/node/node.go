// Package node assembles a running supply-chain node from configuration.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"scm_multichain/pkg/chain"
	"scm_multichain/pkg/config"
	"scm_multichain/pkg/consensus"
	"scm_multichain/pkg/data"
	"scm_multichain/pkg/database"
	"scm_multichain/pkg/delivery"
	"scm_multichain/pkg/dispute"
	"scm_multichain/pkg/incentive"
	"scm_multichain/pkg/notify"
	"scm_multichain/pkg/registry"
	"scm_multichain/pkg/scheduler"
)

// Node owns every component of a node and their lifecycle.
type Node struct {
	cfg    *config.Config
	logger *zap.Logger

	db     *database.Service
	repo   data.Repository
	gossip *notify.GossipPublisher
	chain  chain.Client
	bridge *chain.Bridge

	Registry   *registry.Registry
	Ledger     *incentive.Ledger
	Consensus  *consensus.Engine
	Disputes   *dispute.Engine
	Deliveries *delivery.Tracker

	deadlines *scheduler.Deadlines
	scheduler *scheduler.Scheduler

	mu      sync.Mutex
	running bool
}

// New builds a node. Storage and, when enabled, the gossip host are
// brought up here because every engine depends on them.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Node, error) {
	n := &Node{cfg: cfg, logger: logger.Named("node")}

	if err := n.initStorage(ctx); err != nil {
		return nil, err
	}

	publisher, err := n.initPublishers(ctx)
	if err != nil {
		n.closeStorage(ctx)
		return nil, err
	}

	n.Registry = registry.New(n.repo, registry.OptionsFromConfig(cfg), logger)
	n.Ledger = incentive.NewLedger(n.Registry, n.repo, publisher, cfg.Incentive.SlashFraction, logger)
	n.Consensus = consensus.NewEngine(n.repo, n.Registry, n.Ledger, publisher, consensus.OptionsFromConfig(cfg), logger)
	n.Disputes = dispute.NewEngine(n.repo, n.Registry, n.Ledger, publisher, dispute.OptionsFromConfig(cfg), logger)
	n.Deliveries = delivery.NewTracker(n.repo, n.Registry, n.Ledger, publisher, delivery.OptionsFromConfig(cfg), logger)

	n.deadlines = scheduler.NewDeadlines(logger)
	n.deadlines.Register(consensus.DeadlineBatch, func(ctx context.Context, id string) error {
		_, err := n.Consensus.Finalize(ctx, id)
		return err
	})
	n.deadlines.Register(consensus.DeadlineShipment, func(ctx context.Context, id string) error {
		_, err := n.Consensus.FinalizeShipment(ctx, id)
		return err
	})
	n.deadlines.Register(dispute.DeadlineDispute, func(ctx context.Context, id string) error {
		_, err := n.Disputes.Resolve(ctx, id)
		return err
	})
	n.Consensus.SetDeadlineTracker(n.deadlines)
	n.Disputes.SetDeadlineTracker(n.deadlines)

	n.scheduler = scheduler.NewScheduler(&cfg.Scheduler, logger)
	return n, nil
}

func (n *Node) initStorage(ctx context.Context) error {
	switch n.cfg.Database.Driver {
	case "postgres":
		n.db = database.NewService(&n.cfg.Database, n.logger)
		if err := n.db.Start(ctx); err != nil {
			return fmt.Errorf("starting database: %w", err)
		}
		n.repo = n.db.Repository()
	default:
		n.repo = data.NewMemoryRepository(n.logger)
	}
	n.logger.Info("Storage ready", zap.String("driver", n.cfg.Database.Driver))
	return nil
}

func (n *Node) initPublishers(ctx context.Context) (notify.Publisher, error) {
	publishers := notify.MultiPublisher{notify.NewLogPublisher(n.logger)}

	if n.cfg.P2P.Enabled {
		gossip, err := notify.NewGossipPublisher(ctx, notify.GossipConfigFrom(&n.cfg.P2P), n.logger)
		if err != nil {
			return nil, fmt.Errorf("starting gossip publisher: %w", err)
		}
		n.gossip = gossip
		publishers = append(publishers, gossip)
	}

	if n.cfg.Chain.RelayerURL != "" {
		n.chain = chain.NewRelayerClient(n.cfg.Chain.RelayerURL, n.cfg.Chain.AuthToken, n.cfg.Chain.Timeout)
	} else {
		n.chain = chain.NewLocalClient()
	}
	n.bridge = chain.NewBridge(n.chain, n.cfg.Chain.ChainID, n.cfg.Chain.QueueSize, n.logger)
	publishers = append(publishers, n.bridge)

	return publishers, nil
}

// Start restores pending deadlines from storage, starts the chain
// submission worker and the sweeper.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return fmt.Errorf("node already running")
	}

	restored, err := n.RestoreDeadlines(ctx)
	if err != nil {
		return err
	}

	if err := n.bridge.Start(); err != nil {
		return fmt.Errorf("starting chain bridge: %w", err)
	}

	task := n.deadlines.Task(n.cfg.Scheduler.SweepSchedule, n.cfg.Scheduler.RetryAttempts)
	if err := n.scheduler.ScheduleTask(task); err != nil {
		_ = n.bridge.Stop(ctx)
		return fmt.Errorf("scheduling deadline sweep: %w", err)
	}
	if err := n.scheduler.Start(); err != nil {
		_ = n.bridge.Stop(ctx)
		return fmt.Errorf("starting scheduler: %w", err)
	}

	n.running = true
	n.logger.Info("Node started",
		zap.Int("restored_deadlines", restored),
		zap.String("sweep_schedule", n.cfg.Scheduler.SweepSchedule))
	return nil
}

// RestoreDeadlines tracks the deadline of every open batch, shipment and
// dispute in storage and returns how many were tracked.
func (n *Node) RestoreDeadlines(ctx context.Context) (int, error) {
	count := 0

	batches, err := n.Consensus.OpenBatches(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing open batches: %w", err)
	}
	for _, b := range batches {
		n.deadlines.Track(consensus.DeadlineBatch, b.ID, b.VotingDeadline)
		count++
	}

	shipments, err := n.Consensus.OpenShipments(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing open shipments: %w", err)
	}
	for _, s := range shipments {
		n.deadlines.Track(consensus.DeadlineShipment, s.ID, s.VotingDeadline)
		count++
	}

	disputes, err := n.Disputes.OpenDisputes(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing open disputes: %w", err)
	}
	for _, d := range disputes {
		n.deadlines.Track(dispute.DeadlineDispute, d.ID, d.VotingDeadline)
		count++
	}
	return count, nil
}

// SweepDeadlines finalizes every elapsed deadline now.
func (n *Node) SweepDeadlines(ctx context.Context) error {
	return n.deadlines.Sweep(ctx)
}

// Chain returns the client settled events are submitted to.
func (n *Node) Chain() chain.Client {
	return n.chain
}

// Stop shuts the node down in reverse start order.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs []error
	if n.running {
		if err := n.scheduler.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping scheduler: %w", err))
		}
		if err := n.bridge.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping chain bridge: %w", err))
		}
		n.running = false
	}
	if n.gossip != nil {
		if err := n.gossip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing gossip publisher: %w", err))
		}
		n.gossip = nil
	}
	if err := n.closeStorage(ctx); err != nil {
		errs = append(errs, err)
	}

	for _, err := range errs {
		n.logger.Error("Shutdown error", zap.Error(err))
	}
	n.logger.Info("Node stopped")
	return errors.Join(errs...)
}

func (n *Node) closeStorage(ctx context.Context) error {
	if n.db != nil {
		if err := n.db.Stop(ctx); err != nil {
			return fmt.Errorf("stopping database: %w", err)
		}
		return nil
	}
	if n.repo != nil {
		n.repo.Close()
	}
	return nil
}
