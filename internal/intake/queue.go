package intake

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evka/callrater/internal/engine"
)

// QueueConsumer pulls call requests off a Redis list. Each worker
// blocks on BRPOP and runs the resulting call to completion, so the
// worker count also caps how many queued calls run at once.
type QueueConsumer struct {
	client  *redis.Client
	queue   string
	workers int
	engine  CallPlacer
	log     *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewQueueConsumer(addr, queue string, workers int, eng CallPlacer, log *slog.Logger) *QueueConsumer {
	if log == nil {
		log = slog.Default()
	}
	if workers <= 0 {
		workers = 1
	}
	return &QueueConsumer{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		queue:   queue,
		workers: workers,
		engine:  eng,
		log:     log,
		stopCh:  make(chan struct{}),
	}
}

// Start verifies the Redis connection and launches the workers.
func (q *QueueConsumer) Start(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := q.client.Ping(pingCtx).Err(); err != nil {
		return err
	}

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.log.Info("[Queue] Consuming", "queue", q.queue, "workers", q.workers)
	return nil
}

func (q *QueueConsumer) worker(id int) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		res, err := q.client.BRPop(context.Background(), 2*time.Second, q.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			q.log.Warn("[Queue] Pop failed", "worker", id, "error", err)
			select {
			case <-q.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(res) < 2 {
			continue
		}

		var req engine.CallRequest
		if err := json.Unmarshal([]byte(res[1]), &req); err != nil {
			q.log.Warn("[Queue] Bad request payload", "payload", res[1], "error", err)
			continue
		}

		o, err := q.engine.PlaceCall(context.Background(), req)
		if err != nil {
			q.log.Warn("[Queue] Call rejected",
				"worker", id,
				"phone", req.Phone,
				"error", err,
			)
			continue
		}
		q.log.Info("[Queue] Call finished",
			"worker", id,
			"request", req.RequestID,
			"status", string(o.Status),
		)
	}
}

// Stop halts the workers and closes the Redis client.
func (q *QueueConsumer) Stop() {
	close(q.stopCh)
	q.wg.Wait()
	q.client.Close()
}
