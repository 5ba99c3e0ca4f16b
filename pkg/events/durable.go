package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/minoots/pkg/log"
	"github.com/cuemby/minoots/pkg/metrics"
	"github.com/cuemby/minoots/pkg/types"
	"github.com/redis/go-redis/v9"
)

// DurableBusConfig configures the Redis Streams-backed event bus. The
// NATS_URL/NATS_SUBJECT/NATS_DLQ_SUBJECT environment variable names are
// kept as the operator-facing contract even though the wire transport
// here is a Redis Stream, not NATS.
type DurableBusConfig struct {
	Addr         string
	Password     string
	DB           int
	Stream       string
	DLQStream    string
	Group        string
	Consumer     string
	MaxDeliver   int64
	ClaimMinIdle time.Duration
	// MaxLen bounds the primary stream's retention with an approximate
	// XADD MAXLEN trim, so StreamEvents resume has a well-defined
	// replay window instead of growing the stream unbounded. Zero
	// disables trimming.
	MaxLen int64
}

// DurableBus publishes EventEnvelopes to a Redis Stream and consumes them
// through a consumer group, moving any entry that exceeds MaxDeliver
// attempts to a dead-letter stream.
type DurableBus struct {
	cfg    DurableBusConfig
	client *redis.Client
	queue  *durableQueue
	stopCh chan struct{}
}

// NewDurableBus connects to Redis and ensures the consumer group exists.
func NewDurableBus(cfg DurableBusConfig) (*DurableBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "$").Err()
	if err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &DurableBus{
		cfg:    cfg,
		client: client,
		queue:  newDurableQueue(1024),
		stopCh: make(chan struct{}),
	}, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Enqueue hands an event to the bridge's internal backpressure queue; Run
// drains it to Redis. Enqueue blocks rather than drop when the queue is
// full, so a burst of lifecycle transitions never silently loses events.
func (b *DurableBus) Enqueue(ctx context.Context, event *types.EventEnvelope) error {
	return b.queue.Push(ctx, event)
}

// Run drains the internal queue into the Redis stream until ctx is
// cancelled or Stop is called.
func (b *DurableBus) Run(ctx context.Context) {
	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-b.queue.Notify():
			for {
				event, ok := b.queue.TryPop()
				if !ok {
					break
				}
				if err := b.publish(ctx, event); err != nil {
					log.WithComponent("events.durable").Error().Err(err).Msg("publish to stream")
				}
			}
		}
	}
}

// Stop halts Run.
func (b *DurableBus) Stop() {
	close(b.stopCh)
}

func (b *DurableBus) publish(ctx context.Context, event *types.EventEnvelope) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: b.cfg.Stream,
		Values: map[string]interface{}{"envelope": data},
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	err = b.client.XAdd(ctx, args).Err()
	if err == nil {
		metrics.EventsPublishedTotal.WithLabelValues(string(event.Kind)).Inc()
	}
	return err
}

// Replay returns every envelope for tenantID with a state_version greater
// than sinceStateVersion still within the primary stream's retention
// window (see MaxLen), oldest first. It is the resume path StreamEvents
// uses to catch a reconnecting subscriber up before it starts reading
// live events.
func (b *DurableBus) Replay(ctx context.Context, tenantID string, sinceStateVersion uint64) ([]*types.EventEnvelope, error) {
	raw, err := b.client.XRange(ctx, b.cfg.Stream, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange: %w", err)
	}

	var out []*types.EventEnvelope
	for _, msg := range raw {
		data, ok := msg.Values["envelope"].(string)
		if !ok {
			continue
		}
		var env types.EventEnvelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			continue
		}
		if env.TenantID == tenantID && env.StateVersion > sinceStateVersion {
			out = append(out, &env)
		}
	}
	return out, nil
}

// DLQReplay republishes every entry currently in the dead-letter stream
// back onto the primary stream, then removes it from the dead-letter
// stream so it isn't replayed twice. It returns the number of entries
// republished.
func (b *DurableBus) DLQReplay(ctx context.Context) (int, error) {
	raw, err := b.client.XRange(ctx, b.cfg.DLQStream, "-", "+").Result()
	if err != nil {
		return 0, fmt.Errorf("xrange dlq: %w", err)
	}

	replayed := 0
	for _, msg := range raw {
		data, ok := msg.Values["record"].(string)
		if !ok {
			continue
		}
		var rec types.DeadLetterRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		if rec.OriginalEnvelope == nil {
			continue
		}
		if err := b.publish(ctx, rec.OriginalEnvelope); err != nil {
			return replayed, fmt.Errorf("republish %s: %w", rec.OriginalEnvelope.ID, err)
		}
		if err := b.client.XDel(ctx, b.cfg.DLQStream, msg.ID).Err(); err != nil {
			return replayed, fmt.Errorf("remove replayed dlq entry %s: %w", msg.ID, err)
		}
		metrics.EventsReplayedTotal.WithLabelValues(string(rec.OriginalEnvelope.Kind)).Inc()
		replayed++
	}
	return replayed, nil
}

// Consume reads up to count new (never-delivered) messages for the
// configured consumer group, decoding each as an EventEnvelope. Pending
// messages are not re-read here; ReclaimStale handles those. The caller
// must Ack (or let ReclaimStale/MaxDeliver move it to the DLQ) once
// handled.
func (b *DurableBus) Consume(ctx context.Context, count int64, block time.Duration) ([]ConsumedEvent, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{b.cfg.Stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []ConsumedEvent
	for _, stream := range res {
		for _, msg := range stream.Messages {
			raw, _ := msg.Values["envelope"].(string)
			var env types.EventEnvelope
			if err := json.Unmarshal([]byte(raw), &env); err != nil {
				continue
			}
			out = append(out, ConsumedEvent{MessageID: msg.ID, Envelope: &env})
		}
	}
	return out, nil
}

// ConsumedEvent pairs a decoded envelope with the stream entry ID needed
// to Ack or reclaim it.
type ConsumedEvent struct {
	MessageID string
	Envelope  *types.EventEnvelope
}

// Ack acknowledges successful processing of a message.
func (b *DurableBus) Ack(ctx context.Context, messageID string) error {
	return b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, messageID).Err()
}

// ReclaimStale claims pending entries idle longer than ClaimMinIdle from
// other (possibly dead) consumers, moving any that have exceeded
// MaxDeliver to the dead-letter stream instead of returning them for
// reprocessing.
func (b *DurableBus) ReclaimStale(ctx context.Context) ([]ConsumedEvent, error) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.cfg.Stream,
		Group:  b.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending: %w", err)
	}

	var stale []string
	for _, p := range pending {
		if p.Idle >= b.cfg.ClaimMinIdle {
			if p.RetryCount >= b.cfg.MaxDeliver {
				if err := b.deadLetter(ctx, p.ID, p.RetryCount, p.Consumer); err != nil {
					log.WithComponent("events.durable").Error().Err(err).Msg("dead letter")
				}
				continue
			}
			stale = append(stale, p.ID)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}

	msgs, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   b.cfg.Stream,
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		MinIdle:  b.cfg.ClaimMinIdle,
		Messages: stale,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim: %w", err)
	}

	var out []ConsumedEvent
	for _, msg := range msgs {
		raw, _ := msg.Values["envelope"].(string)
		var env types.EventEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		out = append(out, ConsumedEvent{MessageID: msg.ID, Envelope: &env})
	}
	return out, nil
}

func (b *DurableBus) deadLetter(ctx context.Context, messageID string, attempts int64, consumer string) error {
	raw, err := b.client.XRange(ctx, b.cfg.Stream, messageID, messageID).Result()
	if err != nil {
		return fmt.Errorf("xrange: %w", err)
	}

	var env *types.EventEnvelope
	if len(raw) == 1 {
		if data, ok := raw[0].Values["envelope"].(string); ok {
			env = &types.EventEnvelope{}
			_ = json.Unmarshal([]byte(data), env)
		}
	}

	rec := types.DeadLetterRecord{
		OccurredAt:       time.Now().UTC(),
		OriginalEnvelope: env,
		ErrorDescription: fmt.Sprintf("exceeded max_deliver (%d) attempts", b.cfg.MaxDeliver),
		DeliveryAttempts: int(attempts),
		ConsumerName:     consumer,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.DLQStream,
		Values: map[string]interface{}{"record": data},
	}).Err(); err != nil {
		return fmt.Errorf("xadd dlq: %w", err)
	}
	if env != nil {
		metrics.EventsDeadLetteredTotal.WithLabelValues(consumer).Inc()
	}

	return b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, messageID).Err()
}

// Close closes the underlying Redis client.
func (b *DurableBus) Close() error {
	return b.client.Close()
}
