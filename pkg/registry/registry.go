package registry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"scm_multichain/pkg/config"
	"scm_multichain/pkg/data"
	"scm_multichain/pkg/utils"
)

// Options controls participant defaults.
type Options struct {
	InitialReputation float64
	TrustDefaults     map[data.Role]float64
}

// OptionsFromConfig reads registry defaults from the application config.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		InitialReputation: cfg.Registry.InitialReputation,
		TrustDefaults:     make(map[data.Role]float64, len(data.Roles)),
	}
	for _, role := range data.Roles {
		opts.TrustDefaults[role] = cfg.TrustDefault(string(role))
	}
	return opts
}

// Registration describes a participant joining the network. Nil pointer
// fields take their defaults.
type Registration struct {
	ID         string
	Role       data.Role
	Stake      float64
	TrustScore *float64
	Available  *bool
	Expertise  []string
}

// Registry is the authoritative store of participants, their weights and
// their reputations.
type Registry struct {
	repo   data.Repository
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// New creates a registry backed by repo.
func New(repo data.Repository, opts Options, logger *zap.Logger) *Registry {
	return &Registry{
		repo:   repo,
		opts:   opts,
		logger: logger.Named("registry"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NormalizeID returns the canonical form of a participant identifier. EVM
// addresses are converted to their checksummed hex form; other identifiers
// are trimmed.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	if common.IsHexAddress(id) {
		return common.HexToAddress(id).Hex()
	}
	return id
}

// Register adds a new participant. Reputation always starts at the
// configured initial value.
func (r *Registry) Register(ctx context.Context, reg Registration) (*data.Participant, error) {
	now := r.now()
	p := &data.Participant{
		ID:           NormalizeID(reg.ID),
		Role:         reg.Role,
		Stake:        reg.Stake,
		TrustScore:   r.opts.TrustDefaults[reg.Role],
		Reputation:   r.opts.InitialReputation,
		Available:    true,
		Active:       true,
		Expertise:    append([]string{}, reg.Expertise...),
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if reg.TrustScore != nil {
		p.TrustScore = *reg.TrustScore
	}
	if reg.Available != nil {
		p.Available = *reg.Available
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := r.repo.CreateParticipant(ctx, p); err != nil {
		return nil, fmt.Errorf("registering %s: %w", p.ID, err)
	}

	r.logger.Info("Participant registered",
		zap.String("id", p.ID),
		zap.String("role", string(p.Role)),
		zap.Float64("stake", p.Stake),
		zap.Float64("trust", p.TrustScore))
	return p, nil
}

// Get returns the participant with the given id.
func (r *Registry) Get(ctx context.Context, id string) (*data.Participant, error) {
	return r.repo.GetParticipant(ctx, NormalizeID(id))
}

// List returns participants matching filter ordered by id.
func (r *Registry) List(ctx context.Context, filter data.ParticipantFilter) ([]*data.Participant, error) {
	return r.repo.ListParticipants(ctx, filter)
}

// ActiveByRole returns all active participants with role.
func (r *Registry) ActiveByRole(ctx context.Context, role data.Role) ([]*data.Participant, error) {
	active := true
	return r.repo.ListParticipants(ctx, data.ParticipantFilter{Role: role, Active: &active})
}

// Weight is the voting weight of p.
func Weight(p *data.Participant) float64 {
	return p.Weight()
}

// mutate applies fn to the current participant state and persists it,
// retrying on version conflicts.
func (r *Registry) mutate(ctx context.Context, id string, fn func(p *data.Participant) error) (*data.Participant, error) {
	id = NormalizeID(id)
	var out *data.Participant
	err := data.RetryOnConflict(ctx, func() error {
		p, err := r.repo.GetParticipant(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		p.UpdatedAt = r.now()
		if err := r.repo.UpdateParticipant(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Adjust applies a reputation delta and a stake delta in a single update.
// Reputation is clamped to [0,1] and stake never drops below zero.
func (r *Registry) Adjust(ctx context.Context, id string, reputationDelta, stakeDelta float64) (*data.Participant, error) {
	return r.mutate(ctx, id, func(p *data.Participant) error {
		p.Reputation = utils.Clamp01(p.Reputation + reputationDelta)
		p.Stake = math.Max(0, p.Stake+stakeDelta)
		return nil
	})
}

// Slash forfeits fraction of the participant's current stake and applies
// reputationDelta in the same update. It returns the stake delta applied.
func (r *Registry) Slash(ctx context.Context, id string, fraction, reputationDelta float64) (float64, *data.Participant, error) {
	var stakeDelta float64
	p, err := r.mutate(ctx, id, func(p *data.Participant) error {
		stakeDelta = -p.Stake * fraction
		p.Reputation = utils.Clamp01(p.Reputation + reputationDelta)
		p.Stake = math.Max(0, p.Stake+stakeDelta)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return stakeDelta, p, nil
}

// AdjustReputation changes a participant's reputation by delta and returns the new value.
func (r *Registry) AdjustReputation(ctx context.Context, id string, delta float64) (float64, error) {
	p, err := r.Adjust(ctx, id, delta, 0)
	if err != nil {
		return 0, err
	}
	r.logger.Debug("Reputation adjusted",
		zap.String("id", p.ID),
		zap.Float64("delta", delta),
		zap.Float64("reputation", p.Reputation))
	return p.Reputation, nil
}

// AdjustStake changes a participant's stake by delta and returns the new value.
func (r *Registry) AdjustStake(ctx context.Context, id string, delta float64) (float64, error) {
	p, err := r.Adjust(ctx, id, 0, delta)
	if err != nil {
		return 0, err
	}
	return p.Stake, nil
}

// SetAvailability marks a participant available or busy. Stake is untouched.
func (r *Registry) SetAvailability(ctx context.Context, id string, available bool) error {
	_, err := r.mutate(ctx, id, func(p *data.Participant) error {
		p.Available = available
		return nil
	})
	return err
}

// Claim marks an available, active participant as busy. It reports false
// without error when the participant is already busy or inactive.
func (r *Registry) Claim(ctx context.Context, id string) (bool, error) {
	claimed := false
	_, err := r.mutate(ctx, id, func(p *data.Participant) error {
		claimed = p.Available && p.Active
		p.Available = false
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// Deactivate removes a participant from all future selections.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	p, err := r.mutate(ctx, id, func(p *data.Participant) error {
		p.Active = false
		p.Available = false
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("Participant deactivated", zap.String("id", p.ID))
	return nil
}

// RecordArbitration folds one resolved case into an arbitrator's running
// success rate.
func (r *Registry) RecordArbitration(ctx context.Context, id string, success bool) error {
	p, err := r.mutate(ctx, id, func(p *data.Participant) error {
		outcome := 0.0
		if success {
			outcome = 1.0
		}
		n := float64(p.TotalCasesHandled)
		p.ResolutionSuccessRate = (p.ResolutionSuccessRate*n + outcome) / (n + 1)
		p.TotalCasesHandled++
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("Arbitration recorded",
		zap.String("arbitrator", p.ID),
		zap.Bool("success", success),
		zap.Float64("success_rate", p.ResolutionSuccessRate),
		zap.Int("cases", p.TotalCasesHandled))
	return nil
}

// RankTransporters returns available, active transporters with reputation of
// at least minReputation, best first. Ties are broken by id.
func (r *Registry) RankTransporters(ctx context.Context, minReputation float64) ([]*data.Participant, error) {
	active, available := true, true
	ps, err := r.repo.ListParticipants(ctx, data.ParticipantFilter{
		Role:          data.RoleTransporter,
		Active:        &active,
		Available:     &available,
		MinReputation: &minReputation,
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Reputation != ps[j].Reputation {
			return ps[i].Reputation > ps[j].Reputation
		}
		return ps[i].ID < ps[j].ID
	})
	return ps, nil
}
