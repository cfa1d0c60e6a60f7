// Package scheduler runs periodic tasks on a cron schedule with bounded
// concurrency and retries. The deadline sweeper is one such task.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"scm_multichain/pkg/config"
)

// TaskStatus represents the current state of a scheduled task
type TaskStatus string

const (
	TaskStatusPending  TaskStatus = "pending"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusComplete TaskStatus = "complete"
	TaskStatusFailed   TaskStatus = "failed"
)

// Schedules accept an optional leading seconds field.
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Task is a unit of periodic work.
type Task struct {
	ID          string
	Name        string
	Schedule    string
	LastRun     time.Time
	NextRun     time.Time
	Status      TaskStatus
	Error       error
	RetryCount  int
	MaxRetries  int
	CronID      cron.EntryID
	Metadata    map[string]string
	ExecutionFn func(context.Context) error
}

// Scheduler manages task scheduling and execution
type Scheduler struct {
	cron       *cron.Cron
	tasks      map[string]*Task
	config     *config.SchedConfig
	logger     *zap.Logger
	metrics    *SchedulerMetrics
	workerPool chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.RWMutex
}

// SchedulerMetrics tracks scheduler performance
type SchedulerMetrics struct {
	TasksScheduled int64
	TasksCompleted int64
	TasksFailed    int64
	AverageLatency time.Duration
	LastUpdate     time.Time
	mu             sync.RWMutex
}

// SchedulerStats represents scheduler statistics
type SchedulerStats struct {
	TasksScheduled  int64
	TasksCompleted  int64
	TasksFailed     int64
	AverageLatency  time.Duration
	ConcurrentTasks int
	LastUpdate      time.Time
}

// NewScheduler creates a new scheduler instance
func NewScheduler(cfg *config.SchedConfig, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	workers := cfg.MaxConcurrent
	if workers <= 0 {
		workers = 1
	}

	return &Scheduler{
		cron:       cron.New(cron.WithParser(scheduleParser)),
		tasks:      make(map[string]*Task),
		config:     cfg,
		logger:     logger.Named("scheduler"),
		metrics:    &SchedulerMetrics{},
		workerPool: make(chan struct{}, workers),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins the scheduler
func (s *Scheduler) Start() error {
	s.logger.Info("Starting scheduler",
		zap.Int("maxConcurrent", cap(s.workerPool)))
	s.cron.Start()
	return nil
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() error {
	s.logger.Info("Stopping scheduler")
	s.cancel()
	<-s.cron.Stop().Done()
	return nil
}

// ScheduleTask adds a new task to the scheduler. A task without MaxRetries
// uses the configured retry attempts.
func (s *Scheduler) ScheduleTask(task *Task) error {
	if err := validateTask(task); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = s.config.RetryAttempts
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}

	cronID, err := s.cron.AddFunc(task.Schedule, func() {
		s.executeTask(s.ctx, task)
	})
	if err != nil {
		return fmt.Errorf("scheduling task: %w", err)
	}

	task.CronID = cronID
	task.Status = TaskStatusPending
	task.NextRun = s.cron.Entry(cronID).Next
	s.tasks[task.ID] = task

	s.metrics.mu.Lock()
	s.metrics.TasksScheduled++
	s.metrics.LastUpdate = time.Now()
	s.metrics.mu.Unlock()

	s.logger.Info("Task scheduled",
		zap.String("taskID", task.ID),
		zap.String("schedule", task.Schedule),
		zap.Time("nextRun", task.NextRun))
	return nil
}

// UnscheduleTask removes a task from the scheduler
func (s *Scheduler) UnscheduleTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}
	s.cron.Remove(task.CronID)
	delete(s.tasks, taskID)

	s.logger.Info("Task unscheduled", zap.String("taskID", taskID))
	return nil
}

// RunNow executes a scheduled task immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	s.mu.RLock()
	task, exists := s.tasks[taskID]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}
	s.executeTask(ctx, task)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return task.Error
}

// GetTask returns a snapshot of a task.
func (s *Scheduler) GetTask(taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return Task{}, fmt.Errorf("task %s not found", taskID)
	}
	return *task, nil
}

// ListTasks returns snapshots of all scheduled tasks
func (s *Scheduler) ListTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, *task)
	}
	return tasks
}

// UpdateTaskSchedule moves an existing task to a new schedule
func (s *Scheduler) UpdateTaskSchedule(taskID string, schedule string) error {
	if _, err := scheduleParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}

	s.cron.Remove(task.CronID)
	cronID, err := s.cron.AddFunc(schedule, func() {
		s.executeTask(s.ctx, task)
	})
	if err != nil {
		return fmt.Errorf("updating task schedule: %w", err)
	}

	task.Schedule = schedule
	task.CronID = cronID
	task.NextRun = s.cron.Entry(cronID).Next

	s.logger.Info("Task schedule updated",
		zap.String("taskID", taskID),
		zap.String("schedule", schedule),
		zap.Time("nextRun", task.NextRun))
	return nil
}

// GetSchedulerStats returns current scheduler statistics
func (s *Scheduler) GetSchedulerStats() SchedulerStats {
	s.mu.RLock()
	running := 0
	for _, task := range s.tasks {
		if task.Status == TaskStatusRunning {
			running++
		}
	}
	s.mu.RUnlock()

	s.metrics.mu.RLock()
	defer s.metrics.mu.RUnlock()
	return SchedulerStats{
		TasksScheduled:  s.metrics.TasksScheduled,
		TasksCompleted:  s.metrics.TasksCompleted,
		TasksFailed:     s.metrics.TasksFailed,
		AverageLatency:  s.metrics.AverageLatency,
		ConcurrentTasks: running,
		LastUpdate:      s.metrics.LastUpdate,
	}
}

func (s *Scheduler) executeTask(ctx context.Context, task *Task) {
	select {
	case s.workerPool <- struct{}{}:
		defer func() { <-s.workerPool }()
	case <-ctx.Done():
		return
	}

	start := time.Now()
	s.mu.Lock()
	task.Status = TaskStatusRunning
	task.LastRun = start
	s.mu.Unlock()

	err := s.runTaskWithRetries(ctx, task)
	elapsed := time.Since(start)

	s.mu.Lock()
	task.Error = err
	task.Status = TaskStatusComplete
	if err != nil {
		task.Status = TaskStatusFailed
	}
	task.NextRun = s.cron.Entry(task.CronID).Next
	s.mu.Unlock()

	s.metrics.mu.Lock()
	if err != nil {
		s.metrics.TasksFailed++
	} else {
		s.metrics.TasksCompleted++
	}
	s.metrics.AverageLatency = (s.metrics.AverageLatency*9 + elapsed) / 10
	s.metrics.LastUpdate = time.Now()
	s.metrics.mu.Unlock()

	if err != nil {
		s.logger.Warn("Task execution failed",
			zap.String("taskID", task.ID),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		return
	}
	s.logger.Debug("Task execution completed",
		zap.String("taskID", task.ID),
		zap.Duration("duration", elapsed))
}

func (s *Scheduler) runTaskWithRetries(ctx context.Context, task *Task) error {
	var lastErr error
	for attempt := 0; attempt <= task.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.config.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		s.mu.Lock()
		task.RetryCount = attempt
		s.mu.Unlock()

		err := runAttempt(ctx, task.ExecutionFn)
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Debug("Task attempt failed",
			zap.String("taskID", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return fmt.Errorf("task failed after %d retries: %w", task.MaxRetries, lastErr)
}

// runAttempt turns a panicking attempt into an ordinary failure.
func runAttempt(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func validateTask(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if task.Schedule == "" {
		return fmt.Errorf("task schedule cannot be empty")
	}
	if task.ExecutionFn == nil {
		return fmt.Errorf("task execution function cannot be nil")
	}
	if _, err := scheduleParser.Parse(task.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}
	return nil
}
