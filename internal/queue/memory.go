package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var errClosed = errors.New("queue closed")

// Memory is an in-process queue with the same contract as Queue, used when
// no Redis is configured. Each queue name is a buffered channel.
type Memory struct {
	mu       sync.Mutex
	capacity int
	queues   map[string]chan []byte
	closed   bool
}

var _ JobQueue = (*Memory)(nil)

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 64
	}
	return &Memory{capacity: capacity, queues: make(map[string]chan []byte)}
}

func (m *Memory) queue(name string) (chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	ch, ok := m.queues[name]
	if !ok {
		ch = make(chan []byte, m.capacity)
		m.queues[name] = ch
	}
	return ch, nil
}

func (m *Memory) Enqueue(ctx context.Context, queueName string, job *Job) error {
	job.CreatedAt = time.Now()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	ch, err := m.queue(queueName)
	if err != nil {
		return err
	}
	select {
	case ch <- data:
		return nil
	default:
		return fmt.Errorf("%w: %s has %d jobs", ErrFull, queueName, len(ch))
	}
}

func (m *Memory) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	ch, err := m.queue(queueName)
	if err != nil {
		return nil, err
	}
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case data := <-ch:
		return decodeJob(data)
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close rejects further operations. Jobs still buffered are dropped.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len returns the number of buffered jobs in queueName.
func (m *Memory) Len(queueName string) int {
	ch, err := m.queue(queueName)
	if err != nil {
		return 0
	}
	return len(ch)
}
