package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/derril-tech/researchflow/internal/cache"
	"github.com/derril-tech/researchflow/internal/metrics"
	"github.com/derril-tech/researchflow/pkg/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	relayTimeout    = 2 * time.Second
	flushTimeout    = 5 * time.Second
	recentRetention = 24 * time.Hour
	relayQueueSize  = 1024
)

// envelope tags relayed events with the instance that produced them so an
// instance ignores its own messages.
type envelope struct {
	Origin string               `json:"origin"`
	Event  models.ProgressEvent `json:"event"`
}

// RedisRelay shares progress events between API instances. Locally
// published events are queued and pushed by Run to a per-job Redis channel
// and a capped recent-events list; events from other instances are fed into
// the local Hub.
type RedisRelay struct {
	client *redis.Client
	hub    *Hub
	origin string
	recent int64
	queue  chan models.ProgressEvent
	logger *slog.Logger
}

var (
	_ Sink    = (*RedisRelay)(nil)
	_ History = (*RedisRelay)(nil)
)

// NewRedisRelay creates a relay and registers it as a sink on hub.
func NewRedisRelay(client *redis.Client, hub *Hub, recent int, logger *slog.Logger) *RedisRelay {
	if recent <= 0 {
		recent = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &RedisRelay{
		client: client,
		hub:    hub,
		origin: uuid.NewString(),
		recent: int64(recent),
		queue:  make(chan models.ProgressEvent, relayQueueSize),
		logger: logger,
	}
	hub.AddSink(r)
	return r
}

// Append queues a local event for Run to push. It never blocks the
// publisher: when the queue is full the event is dropped, since live
// subscribers on this instance already have it.
func (r *RedisRelay) Append(ev models.ProgressEvent) {
	select {
	case r.queue <- ev:
	default:
		metrics.IncRelayDropped()
		r.logger.Warn("relay queue full, event not shared", "job_id", ev.JobID, "sequence", ev.Sequence)
	}
}

// push writes one event to Redis. Failures are logged.
func (r *RedisRelay) push(parent context.Context, ev models.ProgressEvent) {
	payload, err := json.Marshal(envelope{Origin: r.origin, Event: ev})
	if err != nil {
		r.logger.Error("encode relayed event", "job_id", ev.JobID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(parent, relayTimeout)
	defer cancel()

	listKey := cache.RecentEventsKey(ev.JobID)
	pipe := r.client.TxPipeline()
	pipe.Publish(ctx, cache.EventChannelKey(ev.JobID), payload)
	pipe.RPush(ctx, listKey, payload)
	pipe.LTrim(ctx, listKey, -r.recent, -1)
	pipe.Expire(ctx, listKey, recentRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("relay event to redis failed", "job_id", ev.JobID, "sequence", ev.Sequence, "error", err)
	}
}

// Run pushes queued local events and consumes events from other instances
// until ctx ends. Events still queued at shutdown get a short grace period.
// A failed subscription does not stop local events from being pushed.
func (r *RedisRelay) Run(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		r.forward(ctx)
		return nil
	})
	g.Go(func() error {
		err := r.consume(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("event relay ingest stopped", "error", err)
		}
		return err
	})
	return g.Wait()
}

// forward drains the queue. Pushes outlive ctx so an event taken off the
// queue is not lost to shutdown.
func (r *RedisRelay) forward(ctx context.Context) {
	detached := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			r.flush(detached)
			return
		case ev := <-r.queue:
			r.push(detached, ev)
		}
	}
}

func (r *RedisRelay) flush(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, flushTimeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			if n := len(r.queue); n > 0 {
				r.logger.Warn("relay stopped with events still queued", "count", n)
			}
			return
		case ev := <-r.queue:
			r.push(ctx, ev)
		default:
			return
		}
	}
}

func (r *RedisRelay) consume(ctx context.Context) error {
	ps := r.client.PSubscribe(ctx, cache.EventChannelPattern)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to event channels: %w", err)
	}
	r.logger.Info("event relay subscribed", "pattern", cache.EventChannelPattern)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("discarding malformed relayed event", "channel", msg.Channel, "error", err)
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			r.hub.Ingest(env.Event)
		}
	}
}

// Recent reads up to limit of the newest events for a job from Redis,
// oldest first. It sees events published by every instance.
func (r *RedisRelay) Recent(ctx context.Context, jobID uuid.UUID, limit int) ([]models.ProgressEvent, error) {
	if limit <= 0 || int64(limit) > r.recent {
		limit = int(r.recent)
	}
	raw, err := r.client.LRange(ctx, cache.RecentEventsKey(jobID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent events: %w", err)
	}
	out := make([]models.ProgressEvent, 0, len(raw))
	for _, item := range raw {
		var env envelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			continue
		}
		out = append(out, env.Event)
	}
	return out, nil
}
