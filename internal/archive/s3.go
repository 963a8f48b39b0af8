// Package archive drains the dead-letter stream into object storage so records
// survive stream trimming and can be inspected long after the fact.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"invoice-dispatcher/internal/models"
	"invoice-dispatcher/internal/telemetry"
)

// Uploader writes an archived record to durable storage.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}

// S3Config selects the bucket and optional custom endpoint (minio in dev).
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// NewS3Uploader builds an Uploader backed by an S3 bucket.
func NewS3Uploader(ctx context.Context, cfg S3Config) (Uploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: cfg.PathStyle,
					SigningRegion:     cfg.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
	})
	return &s3Uploader{client: client, bucket: cfg.Bucket}, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Archiver consumes the dead-letter stream through its own consumer group, so
// archiving never competes with operational readers of the same stream.
type Archiver struct {
	client    *redis.Client
	stream    string
	group     string
	name      string
	blockTime time.Duration
	claimIdle time.Duration
	uploader  Uploader
}

func NewArchiver(client *redis.Client, stream, name string, uploader Uploader) *Archiver {
	return &Archiver{
		client:    client,
		stream:    stream,
		group:     "dlq-archivers",
		name:      name,
		blockTime: 2 * time.Second,
		claimIdle: time.Minute,
		uploader:  uploader,
	}
}

// Run reads dead-letter records until ctx is cancelled. A record is acked only
// after its object landed in the bucket.
func (a *Archiver) Run(ctx context.Context) error {
	err := a.client.XGroupCreateMkStream(ctx, a.stream, a.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create archive group: %w", err)
	}

	nextClaim := time.Now().Add(a.claimIdle)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(nextClaim) {
			a.reclaim(ctx)
			nextClaim = time.Now().Add(a.claimIdle)
		}
		res, err := a.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    a.group,
			Consumer: a.name,
			Streams:  []string{a.stream, ">"},
			Count:    16,
			Block:    a.blockTime,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("archiver read: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				a.archive(ctx, msg)
			}
		}
	}
}

// reclaim picks up entries whose upload failed earlier, or that a crashed
// archiver left pending.
func (a *Archiver) reclaim(ctx context.Context) {
	msgs, _, err := a.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   a.stream,
		Group:    a.group,
		Consumer: a.name,
		MinIdle:  a.claimIdle,
		Start:    "0-0",
		Count:    16,
	}).Result()
	if err != nil && err != redis.Nil {
		log.Printf("archiver reclaim: %v", err)
		return
	}
	for _, msg := range msgs {
		a.archive(ctx, msg)
	}
}

func (a *Archiver) archive(ctx context.Context, msg redis.XMessage) {
	raw, ok := msg.Values["payload"].(string)
	if !ok {
		// Malformed entries are acked so they do not clog the group forever.
		a.ack(ctx, msg.ID)
		return
	}
	var rec models.DeadLetterRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		log.Printf("archiver: unmarshal record %s: %v", msg.ID, err)
		a.ack(ctx, msg.ID)
		return
	}

	key := objectKey(rec)
	if err := a.uploader.Upload(ctx, key, []byte(raw)); err != nil {
		// Left pending; the next pass retries after reclaim.
		log.Printf("archiver: upload %s: %v", key, err)
		return
	}
	telemetry.ArchivedDeadLetter.Inc()
	a.ack(ctx, msg.ID)
}

func (a *Archiver) ack(ctx context.Context, id string) {
	if err := a.client.XAck(ctx, a.stream, a.group, id).Err(); err != nil {
		log.Printf("archiver: ack %s: %v", id, err)
	}
}

func objectKey(rec models.DeadLetterRecord) string {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return fmt.Sprintf("dlq/%s/%d-%s.json", ts.UTC().Format("2006-01-02"), rec.Item.ID, uuid.NewString())
}
