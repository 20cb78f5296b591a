package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/storage"
	"github.com/haasonsaas/loom/pkg/models"
)

// executionStoppedMarker is persisted when a run is cancelled so stored
// history reflects the interruption.
const executionStoppedMarker = "[Execution stopped]"

// ErrExecutionRunning is returned by operations that need exclusive
// access to a conversation while a turn is still in flight.
var ErrExecutionRunning = errors.New("an execution is already running for this conversation")

// ManagerConfig wires the manager's shared collaborators.
type ManagerConfig struct {
	Client   Client
	Registry *Registry
	Store    storage.Store
	Memory   MemorySink
	Logger   *slog.Logger
	Metrics  *observability.Metrics

	// ContextWindow in tokens, applied to every coordinator.
	ContextWindow int
	// SummarizeThreshold applied to every coordinator; zero means default.
	SummarizeThreshold float64
}

// Execution is a handle to one running conversation turn.
type Execution struct {
	ID             string
	ConversationID string

	coordinator *Coordinator
	cancel      context.CancelFunc
	done        chan struct{}

	mu     sync.Mutex
	answer string
	err    error
}

// Wait blocks until the execution finishes and returns its outcome.
func (e *Execution) Wait() (string, error) {
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.answer, e.err
}

// Done exposes completion for select-based callers.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Coordinator returns the execution's coordinator, for state inspection.
func (e *Execution) Coordinator() *Coordinator { return e.coordinator }

// Manager enforces single-flight execution per conversation id. Starting
// a new execution cancels and waits out any prior one for the same id
// before registering the replacement.
type Manager struct {
	cfg     ManagerConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	// startMu serializes the cancel-wait-register sequence so two
	// concurrent starts for one id cannot interleave.
	startMu sync.Mutex

	mu      sync.Mutex
	running map[string]*Execution

	// coordinators holds one live coordinator per conversation id.
	// Coordinators outlive individual executions so activated tool
	// categories and the in-memory summary carry across turns; Release
	// disposes one.
	coordinators map[string]*Coordinator
}

// NewManager builds a manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NopMetrics()
	}
	return &Manager{
		cfg:          cfg,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		running:      make(map[string]*Execution),
		coordinators: make(map[string]*Coordinator),
	}
}

// StartExecution begins a turn for a conversation. The returned handle
// can be waited on; the turn itself runs in its own goroutine.
func (m *Manager) StartExecution(ctx context.Context, conversationID string, req ExecuteRequest) (*Execution, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.Lock()
	prior := m.running[conversationID]
	m.mu.Unlock()

	if prior != nil {
		prior.cancel()
		<-prior.done
	}

	coordinator, err := m.coordinatorFor(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	exec := &Execution{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		coordinator:    coordinator,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	m.mu.Lock()
	m.running[conversationID] = exec
	m.mu.Unlock()
	m.metrics.ActiveExecutions.Inc()

	go m.run(runCtx, exec, req)
	return exec, nil
}

func (m *Manager) run(ctx context.Context, exec *Execution, req ExecuteRequest) {
	defer func() {
		// The coordinator stays registered for the conversation's next
		// turn; only Release disposes it.
		if ctx.Err() != nil {
			exec.coordinator.Cancel()
			m.persistStoppedMarker(exec.ConversationID)
		}

		// Only the still-registered job may remove itself; a superseded
		// job's late cleanup must not clobber its replacement.
		m.mu.Lock()
		if m.running[exec.ConversationID] == exec {
			delete(m.running, exec.ConversationID)
		}
		m.mu.Unlock()

		m.metrics.ActiveExecutions.Dec()
		exec.cancel()
		close(exec.done)
	}()

	answer, err := exec.coordinator.Execute(ctx, req)
	exec.mu.Lock()
	exec.answer = answer
	exec.err = err
	exec.mu.Unlock()
}

// Stop cancels the running execution for a conversation, if any, and
// waits for its cleanup to finish.
func (m *Manager) Stop(conversationID string) bool {
	m.mu.Lock()
	exec := m.running[conversationID]
	m.mu.Unlock()

	if exec == nil {
		return false
	}
	exec.cancel()
	<-exec.done
	return true
}

// Inject pushes a user message into a running execution. It reports
// whether an execution was running to receive it.
func (m *Manager) Inject(conversationID, text string) bool {
	m.mu.Lock()
	exec := m.running[conversationID]
	m.mu.Unlock()

	if exec == nil {
		return false
	}
	exec.coordinator.Inject(text)
	return true
}

// IsRunning reports whether a conversation has a live execution.
func (m *Manager) IsRunning(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[conversationID] != nil
}

// ForceSummarize compresses the conversation's older history immediately
// and returns a user-facing status string. It refuses while an execution
// is in flight.
func (m *Manager) ForceSummarize(ctx context.Context, conversationID, model string) (string, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.IsRunning(conversationID) {
		return "", ErrExecutionRunning
	}
	coordinator, err := m.coordinatorFor(ctx, conversationID)
	if err != nil {
		return "", err
	}
	return coordinator.ForceSummarize(ctx, model)
}

// Release stops any running execution for the conversation and discards
// its coordinator, revoking the coordinator's meta-tool registrations.
// The next StartExecution re-seeds from storage.
func (m *Manager) Release(conversationID string) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.Lock()
	exec := m.running[conversationID]
	m.mu.Unlock()
	if exec != nil {
		exec.cancel()
		<-exec.done
	}

	m.mu.Lock()
	coordinator := m.coordinators[conversationID]
	delete(m.coordinators, conversationID)
	m.mu.Unlock()
	if coordinator != nil {
		coordinator.Cleanup()
	}
}

// coordinatorFor returns the conversation's live coordinator, building
// and seeding one from storage on first use. Callers hold startMu, so
// at most one coordinator exists per conversation id.
func (m *Manager) coordinatorFor(ctx context.Context, conversationID string) (*Coordinator, error) {
	m.mu.Lock()
	coordinator := m.coordinators[conversationID]
	m.mu.Unlock()
	if coordinator != nil {
		return coordinator, nil
	}

	history, summary, err := m.seedHistory(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	coordinator = NewCoordinator(CoordinatorConfig{
		ConversationID:     conversationID,
		Client:             m.cfg.Client,
		Registry:           m.cfg.Registry,
		Executor:           NewToolExecutor(m.cfg.Registry, m.cfg.Store, m.logger, m.metrics),
		Store:              m.cfg.Store,
		Memory:             m.cfg.Memory,
		Logger:             m.logger,
		Metrics:            m.metrics,
		ContextWindow:      m.cfg.ContextWindow,
		SummarizeThreshold: m.cfg.SummarizeThreshold,
		History:            history,
		Summary:            summary,
	})

	m.mu.Lock()
	m.coordinators[conversationID] = coordinator
	m.mu.Unlock()
	return coordinator, nil
}

// seedHistory rebuilds in-memory state from stored records for a cold
// start. Replay resumes after the last summary boundary: the boundary's
// meta record supplies the summary and only records past it become
// history, so summarized turns are not re-fed to the model. User,
// assistant, and tool records replay; system records and other meta
// records are rebuilt per run instead. An absent conversation yields
// empty history.
func (m *Manager) seedHistory(ctx context.Context, conversationID string) ([]models.Message, string, error) {
	if m.cfg.Store == nil {
		return nil, "", nil
	}
	recs, err := m.cfg.Store.Messages(ctx, conversationID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, "", nil
		}
		return nil, "", err
	}

	var history []models.Message
	var summary string
	for _, rec := range recs {
		switch models.Role(rec.Role) {
		case models.RoleUser, models.RoleAssistant:
			msg := models.Message{Role: models.Role(rec.Role), Content: rec.Content}
			if rec.ToolCallsJSON != "" {
				var calls []models.ToolCall
				if jsonErr := json.Unmarshal([]byte(rec.ToolCallsJSON), &calls); jsonErr == nil {
					msg.ToolCalls = calls
				}
			}
			history = append(history, msg)
		case models.RoleTool:
			history = append(history, models.Message{
				Role:       models.RoleTool,
				Content:    rec.Content,
				ToolCallID: rec.ToolCallID,
				ToolName:   rec.ToolName,
			})
		case models.RoleMeta:
			if rec.ToolName == summaryRecordName {
				summary = rec.Content
				history = history[:0]
			}
		}
	}
	return history, summary, nil
}

func (m *Manager) persistStoppedMarker(conversationID string) {
	if m.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := &storage.MessageRecord{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           string(models.RoleMeta),
		Content:        executionStoppedMarker,
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.cfg.Store.Insert(ctx, rec); err != nil {
		m.logger.Warn("failed to persist stopped marker",
			"conversation_id", conversationID,
			"error", err)
	}
}
