package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"invoice-dispatcher/internal/models"
	"invoice-dispatcher/internal/telemetry"
)

// Dispatcher publishes work items onto the durable processing stream. A failed
// publish is retried locally a bounded number of times; after that the error
// is returned and the item stays pending for the next orchestration run, since
// no external state was mutated.
type Dispatcher struct {
	client     *redis.Client
	stream     string
	retries    int
	retryDelay time.Duration
	timeout    time.Duration
}

// NewDispatcher builds a producer for the given stream.
func NewDispatcher(client *redis.Client, stream string, retries int, retryDelay, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Dispatcher{
		client:     client,
		stream:     stream,
		retries:    retries,
		retryDelay: retryDelay,
		timeout:    timeout,
	}
}

// Enqueue serializes the item and appends it to the stream keyed by invoice id.
func (d *Dispatcher) Enqueue(ctx context.Context, item models.WorkItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item %s: %w", item.Key(), err)
	}

	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := d.client.XAdd(pctx, &redis.XAddArgs{
			Stream: d.stream,
			Values: map[string]any{"key": item.Key(), "payload": string(payload)},
		}).Err()
		cancel()
		if err == nil {
			telemetry.DispatchedCounter.Inc()
			return nil
		}
		lastErr = err
		if attempt < d.retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.retryDelay):
			}
		}
	}
	telemetry.DispatchFailures.Inc()
	return fmt.Errorf("publish work item %s: %w", item.Key(), lastErr)
}
