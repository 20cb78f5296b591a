package schedule

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/storage"
	"github.com/haasonsaas/loom/pkg/models"
)

// stubClient answers every completion immediately and records the
// requests it saw.
type stubClient struct {
	mu       sync.Mutex
	requests []*agent.CompletionRequest
}

func (c *stubClient) Name() string { return "stub" }

func (c *stubClient) Complete(_ context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	c.mu.Lock()
	cp := *req
	cp.Messages = append([]models.Message(nil), req.Messages...)
	c.requests = append(c.requests, &cp)
	c.mu.Unlock()

	return &agent.Completion{Choices: []agent.Choice{{
		Message:      models.Message{Role: models.RoleAssistant, Content: "report done"},
		FinishReason: agent.FinishStop,
	}}}, nil
}

func (c *stubClient) seen() []*agent.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*agent.CompletionRequest(nil), c.requests...)
}

func newSchedulerHarness(t *testing.T, jobs []config.JobConfig, now func() time.Time) (*Scheduler, *stubClient) {
	t.Helper()
	client := &stubClient{}
	manager := agent.NewManager(agent.ManagerConfig{
		Client:   client,
		Registry: agent.NewRegistry(),
		Store:    storage.NewMemoryStore(),
	})
	s := NewScheduler(config.SchedulerConfig{Enabled: true, Jobs: jobs},
		manager,
		WithNow(now),
		WithTickInterval(5*time.Millisecond),
		WithSystemPrompt("You are the scheduler"))
	return s, client
}

func TestSchedulerFiresDueJob(t *testing.T) {
	base := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	current := base
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	s, client := newSchedulerHarness(t, []config.JobConfig{
		{ID: "report", Every: time.Minute, Message: "produce the report"},
	}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	// Advance past the first due time and wait for the tick to fire it.
	mu.Lock()
	current = base.Add(2 * time.Minute)
	mu.Unlock()

	deadline := time.After(2 * time.Second)
	for len(client.seen()) == 0 {
		select {
		case <-deadline:
			t.Fatal("job never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}

	req := client.seen()[0]
	if req.ConversationID != "job:report" {
		t.Fatalf("conversation id wrong: %q", req.ConversationID)
	}

	// The scheduled context shaped the system prompt.
	system := req.Messages[0]
	if system.Role != models.RoleSystem {
		t.Fatalf("expected a system message, got %s", system.Role)
	}
	if !strings.Contains(system.Content, "triggered by a schedule") || !strings.Contains(system.Content, "report") {
		t.Fatalf("scheduled shaping missing: %q", system.Content)
	}

	cancel()
	s.Wait()
}

func TestSchedulerSkipsDisabledAndInvalidJobs(t *testing.T) {
	off := false
	s, _ := newSchedulerHarness(t, []config.JobConfig{
		{ID: "off", Every: time.Minute, Message: "no", Enabled: &off},
		{ID: "broken", Cron: "nonsense", Message: "no"},
		{ID: "ok", Every: time.Minute, Message: "yes"},
	}, time.Now)

	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].ID != "ok" {
		t.Fatalf("expected only the valid enabled job, got %+v", jobs)
	}
}

func TestSchedulerOneShotDoesNotRepeat(t *testing.T) {
	base := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	current := base
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	s, client := newSchedulerHarness(t, []config.JobConfig{
		{ID: "once", At: "2026-08-25T08:01:00Z", Message: "one time"},
	}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	mu.Lock()
	current = base.Add(5 * time.Minute)
	mu.Unlock()

	deadline := time.After(2 * time.Second)
	for len(client.seen()) == 0 {
		select {
		case <-deadline:
			t.Fatal("one-shot never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Let several more ticks pass; the job must not fire again.
	time.Sleep(50 * time.Millisecond)
	if got := len(client.seen()); got != 1 {
		t.Fatalf("one-shot fired %d times", got)
	}

	jobs := s.Jobs()
	if !jobs[0].NextRun.IsZero() {
		t.Fatalf("one-shot still has a next run: %v", jobs[0].NextRun)
	}
}
