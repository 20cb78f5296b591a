package agent

import (
	"sync"

	"github.com/haasonsaas/loom/pkg/models"
)

// InjectionQueue is a thread-safe FIFO of user messages pushed into a
// running loop. The loop drains it once per iteration, so an injected
// message never interrupts an in-flight model or tool call; it only
// shapes the next iteration's prompt.
type InjectionQueue struct {
	mu      sync.Mutex
	pending []models.Message
}

// NewInjectionQueue returns an empty queue.
func NewInjectionQueue() *InjectionQueue {
	return &InjectionQueue{}
}

// Push appends a message to the queue.
func (q *InjectionQueue) Push(msg models.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, msg)
}

// PushText appends a user message with the given text.
func (q *InjectionQueue) PushText(text string) {
	q.Push(models.Message{Role: models.RoleUser, Content: text})
}

// Drain removes and returns all queued messages in FIFO order.
func (q *InjectionQueue) Drain() []models.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.pending
	q.pending = nil
	return msgs
}

// Len reports the number of queued messages.
func (q *InjectionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
