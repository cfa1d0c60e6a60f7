package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"scm_multichain/pkg/data"
)

// DeadlineSweepTaskID identifies the periodic deadline sweep.
const DeadlineSweepTaskID = "deadline-sweep"

// Finalizer closes the voting aggregate id once its deadline has elapsed.
type Finalizer func(ctx context.Context, id string) error

type deadlineKey struct {
	kind string
	id   string
}

// Deadline is a pending voting deadline.
type Deadline struct {
	Kind string
	ID   string
	At   time.Time
}

// Deadlines remembers open voting deadlines and finalizes them once they
// pass. It satisfies consensus.DeadlineTracker.
type Deadlines struct {
	mu         sync.Mutex
	entries    map[deadlineKey]time.Time
	finalizers map[string]Finalizer
	logger     *zap.Logger
	now        func() time.Time
}

func NewDeadlines(logger *zap.Logger) *Deadlines {
	return &Deadlines{
		entries:    make(map[deadlineKey]time.Time),
		finalizers: make(map[string]Finalizer),
		logger:     logger.Named("deadlines"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Register installs the finalizer for deadlines of kind.
func (d *Deadlines) Register(kind string, fn Finalizer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalizers[kind] = fn
}

func (d *Deadlines) Track(kind, id string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[deadlineKey{kind, id}] = at
}

func (d *Deadlines) Forget(kind, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, deadlineKey{kind, id})
}

// Pending returns the number of tracked deadlines.
func (d *Deadlines) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Due returns the deadlines at or before now, earliest first.
func (d *Deadlines) Due(now time.Time) []Deadline {
	d.mu.Lock()
	defer d.mu.Unlock()

	var due []Deadline
	for k, at := range d.entries {
		if !at.After(now) {
			due = append(due, Deadline{Kind: k.kind, ID: k.id, At: at})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].At.Equal(due[j].At) {
			return due[i].At.Before(due[j].At)
		}
		if due[i].Kind != due[j].Kind {
			return due[i].Kind < due[j].Kind
		}
		return due[i].ID < due[j].ID
	})
	return due
}

// Sweep finalizes every elapsed deadline. Successfully finalized or vanished
// aggregates are forgotten; failures stay tracked for the next sweep.
func (d *Deadlines) Sweep(ctx context.Context) error {
	due := d.Due(d.now())
	if len(due) == 0 {
		return nil
	}

	var errs []error
	finalized := 0
	for _, dl := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.mu.Lock()
		fn := d.finalizers[dl.Kind]
		d.mu.Unlock()
		if fn == nil {
			d.logger.Warn("No finalizer for deadline kind",
				zap.String("kind", dl.Kind),
				zap.String("id", dl.ID))
			continue
		}

		err := fn(ctx, dl.ID)
		if err != nil && !errors.Is(err, data.ErrNotFound) {
			errs = append(errs, fmt.Errorf("finalizing %s %s: %w", dl.Kind, dl.ID, err))
			continue
		}
		d.Forget(dl.Kind, dl.ID)
		finalized++
	}

	d.logger.Debug("Deadline sweep finished",
		zap.Int("due", len(due)),
		zap.Int("finalized", finalized),
		zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// Task wraps Sweep as a scheduler task.
func (d *Deadlines) Task(schedule string, maxRetries int) *Task {
	return &Task{
		ID:          DeadlineSweepTaskID,
		Name:        "Voting deadline sweep",
		Schedule:    schedule,
		MaxRetries:  maxRetries,
		ExecutionFn: d.Sweep,
	}
}
