package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/config"
)

// Runner starts a turn for a conversation. The manager satisfies this.
type Runner interface {
	StartExecution(ctx context.Context, conversationID string, req agent.ExecuteRequest) (*agent.Execution, error)
}

// Job is a configured schedule bound to its runtime state.
type Job struct {
	ID           string
	Conversation string
	Message      string
	Model        string
	Schedule     Schedule

	NextRun   time.Time
	LastRun   time.Time
	LastError string
}

// Scheduler ticks through configured jobs and hands due ones to the
// runner as scheduled executions.
type Scheduler struct {
	runner       Runner
	logger       *slog.Logger
	systemPrompt string
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	jobs    []*Job
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger overrides the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSystemPrompt sets the system prompt passed to scheduled turns.
func WithSystemPrompt(prompt string) Option {
	return func(s *Scheduler) { s.systemPrompt = prompt }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// NewScheduler builds a scheduler from config. Invalid or disabled jobs
// are skipped with a warning rather than failing startup.
func NewScheduler(cfg config.SchedulerConfig, runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:       runner,
		logger:       slog.Default().With("component", "schedule"),
		now:          time.Now,
		tickInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	now := s.now()
	for _, entry := range cfg.Jobs {
		if !entry.IsEnabled() {
			continue
		}
		sched, err := NewSchedule(entry)
		if err != nil {
			s.logger.Warn("job skipped", "id", entry.ID, "error", err)
			continue
		}
		job := &Job{
			ID:           entry.ID,
			Conversation: entry.ConversationID(),
			Message:      entry.Message,
			Model:        entry.Model,
			Schedule:     sched,
		}
		if next, ok, err := sched.Next(now); err == nil && ok {
			job.NextRun = next
		}
		s.jobs = append(s.jobs, job)
	}
	return s
}

// Jobs returns a snapshot of the scheduler's jobs.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.jobs))
	for i, job := range s.jobs {
		out[i] = *job
	}
	return out
}

// Start ticks until the context is cancelled. It returns immediately;
// Wait blocks until the loop exits.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Wait blocks until the tick loop has exited.
func (s *Scheduler) Wait() { s.wg.Wait() }

// tick fires every due job and advances its next run.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if !job.NextRun.IsZero() && !job.NextRun.After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.fire(ctx, job, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, job *Job, now time.Time) {
	s.logger.Info("job firing", "id", job.ID, "conversation_id", job.Conversation)

	exec, err := s.runner.StartExecution(ctx, job.Conversation, agent.ExecuteRequest{
		UserMessage:  job.Message,
		SystemPrompt: s.systemPrompt,
		Model:        job.Model,
		Context:      agent.Scheduled(job.ID, now),
	})

	s.mu.Lock()
	job.LastRun = now
	job.LastError = ""
	if err != nil {
		job.LastError = err.Error()
	}
	if next, ok, nextErr := job.Schedule.Next(now); nextErr == nil && ok {
		job.NextRun = next
	} else {
		// One-shot or exhausted schedule.
		job.NextRun = time.Time{}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed to start", "id", job.ID, "error", err)
		return
	}

	go func() {
		if _, waitErr := exec.Wait(); waitErr != nil {
			s.logger.Error("job run failed", "id", job.ID, "error", waitErr)
			s.mu.Lock()
			job.LastError = waitErr.Error()
			s.mu.Unlock()
		}
	}()
}
