package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	QueueRunJob = "queue:run_job"

	TypeKeyword = "keyword"
	TypeStory   = "story"
)

// ErrFull is returned by Enqueue when a bounded queue has no room.
var ErrFull = errors.New("queue is full")

// JobQueue carries accepted jobs from the API to the workers.
type JobQueue interface {
	Enqueue(ctx context.Context, queueName string, job *Job) error
	// Dequeue waits up to timeout for a job; it returns nil, nil when none arrived.
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error)
	Close() error
}

// Job is the queued payload. The storyboard travels with the job so any
// worker process can run it.
type Job struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Keyword   string          `json:"keyword,omitempty"`
	Story     json.RawMessage `json:"story,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue is a Redis list per queue name: RPUSH to enqueue, BLPOP to dequeue.
type Queue struct {
	client   *redis.Client
	capacity int64
}

var _ JobQueue = (*Queue)(nil)

// New connects to redisURL. capacity bounds each list; 0 means unbounded.
func New(redisURL string, capacity int) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client, capacity: int64(capacity)}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, job *Job) error {
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if q.capacity > 0 {
		n, err := q.GetQueueLength(ctx, queueName)
		if err != nil {
			return fmt.Errorf("failed to read queue length: %w", err)
		}
		if n >= q.capacity {
			return fmt.Errorf("%w: %s has %d jobs", ErrFull, queueName, n)
		}
	}

	return q.client.RPush(ctx, queueName, data).Err()
}

func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	return decodeJob([]byte(result[1]))
}

func (q *Queue) GetQueueLength(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, queueName).Result()
}

func decodeJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("queued job has no id")
	}
	return &job, nil
}

// EnqueueRunJob enqueues a generation job for keyword or story.
func EnqueueRunJob(ctx context.Context, q JobQueue, jobID, keyword string, story json.RawMessage) error {
	job := &Job{ID: jobID, Type: TypeKeyword, Keyword: keyword}
	if len(story) > 0 {
		job.Type = TypeStory
		job.Keyword = ""
		job.Story = story
	}
	return q.Enqueue(ctx, QueueRunJob, job)
}
