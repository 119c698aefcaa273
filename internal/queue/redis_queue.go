package queue

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

const readyKey = "reconstruction:queue:ready"

// ReadyQueue is the Redis list between the queued transition and the runner
// loop. It is durable: jobs still queued when the server restarts are picked
// up again on the next boot.
type ReadyQueue struct {
	client *redis.Client
}

// NewReadyQueue builds a queue over the given Redis client.
func NewReadyQueue(client *redis.Client) *ReadyQueue {
	return &ReadyQueue{client: client}
}

// Push appends a job id to the ready queue.
func (q *ReadyQueue) Push(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, readyKey, jobID).Err()
}

// Pop removes and returns the oldest ready job id. Returns empty when the
// queue is empty.
func (q *ReadyQueue) Pop(ctx context.Context) (string, error) {
	res, err := q.client.LPop(ctx, readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return res, nil
}

// Remove deletes all occurrences of a job id from the ready queue. Returns
// how many entries were removed; zero means the job was no longer queued.
func (q *ReadyQueue) Remove(ctx context.Context, jobID string) (int64, error) {
	return q.client.LRem(ctx, readyKey, 0, jobID).Result()
}

// Depth reports the current ready-queue length.
func (q *ReadyQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}
