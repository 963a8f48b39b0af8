package stream

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"invoice-dispatcher/internal/extapi"
	"invoice-dispatcher/internal/models"
	"invoice-dispatcher/internal/telemetry"
)

// Caller executes the policy-wrapped outbound call for one work item.
type Caller interface {
	Call(ctx context.Context, item models.WorkItem) extapi.Outcome
}

// Recorder mirrors processing results into the invoice store. All calls are
// best-effort from the consumer's point of view; the stream is the source of
// delivery truth.
type Recorder interface {
	MarkProcessed(ctx context.Context, id int64) error
	MarkDeadLettered(ctx context.Context, id int64, reason string, attempts int) error
	InsertDeadLetter(ctx context.Context, rec models.DeadLetterRecord) error
}

// ConsumerConfig wires a consumer-group reader.
type ConsumerConfig struct {
	Client *redis.Client
	Stream string
	Group  string
	Name   string

	// Shards is the number of handler goroutines. Messages are routed to a
	// shard by invoice id, so two deliveries of the same id are never handled
	// concurrently. Default: 4.
	Shards int

	// BlockTime bounds each XREADGROUP call. Default: 2s.
	BlockTime time.Duration

	// ClaimMinIdle is how long a pending entry may sit unacknowledged (crashed
	// worker, deferred outcome) before it is reclaimed. Default: 30s.
	ClaimMinIdle time.Duration

	// MaxAge drops messages older than this without calling the endpoint.
	// Zero disables the guard.
	MaxAge time.Duration

	Caller      Caller
	DeadLetters *DeadLetters
	Recorder    Recorder
}

// Consumer reads work items from the processing stream, invokes the caller,
// and acknowledges each message only after a success or a durable dead-letter
// write. That ordering is what makes delivery at-least-once instead of lossy.
type Consumer struct {
	cfg ConsumerConfig
}

// NewConsumer applies defaults and returns a consumer ready to Run.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.Shards <= 0 {
		cfg.Shards = 4
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = 2 * time.Second
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 30 * time.Second
	}
	return &Consumer{cfg: cfg}
}

// Run consumes until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	shards := make([]chan redis.XMessage, c.cfg.Shards)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan redis.XMessage, 16)
		wg.Add(1)
		go func(ch <-chan redis.XMessage) {
			defer wg.Done()
			for msg := range ch {
				c.handle(ctx, msg)
			}
		}(shards[i])
	}
	defer func() {
		for _, ch := range shards {
			close(ch)
		}
		wg.Wait()
	}()

	nextClaim := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Now().After(nextClaim) {
			c.reclaim(ctx, shards)
			nextClaim = time.Now().Add(c.cfg.ClaimMinIdle)
		}

		res, err := c.cfg.Client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Name,
			Streams:  []string{c.cfg.Stream, ">"},
			Count:    16,
			Block:    c.cfg.BlockTime,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("consumer %s: read failed: %v", c.cfg.Name, err)
			time.Sleep(time.Second)
			continue
		}

		for _, st := range res {
			c.route(ctx, shards, st.Messages)
		}
	}
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.cfg.Client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// reclaim takes over pending entries idle past the visibility deadline,
// whether left by a crashed worker or deferred by this one.
func (c *Consumer) reclaim(ctx context.Context, shards []chan redis.XMessage) {
	msgs, _, err := c.cfg.Client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		MinIdle:  c.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    32,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if ctx.Err() == nil {
			log.Printf("consumer %s: autoclaim failed: %v", c.cfg.Name, err)
		}
		return
	}
	c.route(ctx, shards, msgs)
}

func (c *Consumer) route(ctx context.Context, shards []chan redis.XMessage, msgs []redis.XMessage) {
	for _, msg := range msgs {
		idx := shardFor(messageKey(msg), len(shards))
		select {
		case shards[idx] <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) {
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		c.ignore(ctx, msg, "invalid")
		return
	}
	var item models.WorkItem
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		c.ignore(ctx, msg, "invalid")
		return
	}
	if c.cfg.MaxAge > 0 && !item.EnqueuedAt.IsZero() && time.Since(item.EnqueuedAt) > c.cfg.MaxAge {
		c.ignore(ctx, msg, "stale")
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	out := c.cfg.Caller.Call(ctx, item)
	switch {
	case out.Class == extapi.ClassSuccess:
		if c.cfg.Recorder != nil {
			if err := c.cfg.Recorder.MarkProcessed(ctx, item.ID); err != nil {
				log.Printf("consumer %s: mark invoice %d processed: %v", c.cfg.Name, item.ID, err)
			}
		}
		c.ack(ctx, msg.ID)

	case out.Defer:
		// Process-wide infra condition: leave the entry pending so it is
		// redelivered after ClaimMinIdle instead of dead-lettering the item.
		log.Printf("consumer %s: deferring invoice %d: %s", c.cfg.Name, item.ID, out.Reason)

	default:
		rec := models.DeadLetterRecord{
			Item:           item,
			FailureReason:  out.Reason,
			FailureType:    out.FailureType(),
			Attempts:       out.Attempts,
			OriginalStream: c.cfg.Stream,
			OriginalID:     msg.ID,
			Timestamp:      time.Now().UTC(),
		}
		// Ack only after the dead-letter write is confirmed; a crash in
		// between causes redelivery, never a lost failure record.
		if err := c.cfg.DeadLetters.Publish(ctx, rec); err != nil {
			log.Printf("consumer %s: dead-letter write for invoice %d failed, leaving unacked: %v", c.cfg.Name, item.ID, err)
			return
		}
		if c.cfg.Recorder != nil {
			if err := c.cfg.Recorder.InsertDeadLetter(ctx, rec); err != nil {
				log.Printf("consumer %s: record dead letter %d: %v", c.cfg.Name, item.ID, err)
			}
			if err := c.cfg.Recorder.MarkDeadLettered(ctx, item.ID, out.Reason, out.Attempts); err != nil {
				log.Printf("consumer %s: mark invoice %d dead-lettered: %v", c.cfg.Name, item.ID, err)
			}
		}
		c.ack(ctx, msg.ID)
	}
}

func (c *Consumer) ignore(ctx context.Context, msg redis.XMessage, reason string) {
	telemetry.IgnoredCounter.WithLabelValues(reason).Inc()
	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.cfg.Client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil && ctx.Err() == nil {
		log.Printf("consumer %s: ack %s failed: %v", c.cfg.Name, id, err)
	}
}

func messageKey(msg redis.XMessage) string {
	if key, ok := msg.Values["key"].(string); ok {
		return key
	}
	return msg.ID
}

func shardFor(key string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}
