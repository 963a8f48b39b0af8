package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"invoice-dispatcher/internal/models"
	"invoice-dispatcher/internal/telemetry"
)

// DeadLetters is the durable sink for work items whose retries are exhausted.
type DeadLetters struct {
	client *redis.Client
	stream string
}

// NewDeadLetters builds the sink on the given stream.
func NewDeadLetters(client *redis.Client, stream string) *DeadLetters {
	return &DeadLetters{client: client, stream: stream}
}

// Stream returns the dead-letter stream name.
func (d *DeadLetters) Stream() string { return d.stream }

// Publish durably appends the record. Callers must not acknowledge the
// original message until this returns nil.
func (d *DeadLetters) Publish(ctx context.Context, rec models.DeadLetterRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dead-letter record %s: %w", rec.Item.Key(), err)
	}
	err = d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		Values: map[string]any{"key": rec.Item.Key(), "payload": string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish dead-letter record %s: %w", rec.Item.Key(), err)
	}
	telemetry.DeadLetterCounter.Inc()
	return nil
}

// Peek reads the most recent records for operational inspection.
func (d *DeadLetters) Peek(ctx context.Context, count int64) ([]models.DeadLetterRecord, error) {
	msgs, err := d.client.XRevRangeN(ctx, d.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead-letter stream: %w", err)
	}
	records := make([]models.DeadLetterRecord, 0, len(msgs))
	for _, msg := range msgs {
		payload, ok := msg.Values["payload"].(string)
		if !ok {
			continue
		}
		var rec models.DeadLetterRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
