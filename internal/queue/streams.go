package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iago/bulkupload-back/internal/domain"
)

type StreamsConfig struct {
	Addr        string
	Password    string
	DB          int
	Stream      string
	DLQStream   string
	Group       string
	Consumer    string
	MaxAttempts int
}

// StreamsQueue implements Producer+Consumer backed by Redis Streams.
type StreamsQueue struct {
	client      *redis.Client
	stream      string
	dlqStream   string
	group       string
	consumer    string
	maxAttempts int
}

func NewStreamsQueue(ctx context.Context, cfg StreamsConfig) (*StreamsQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "bulkupload_passes"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = "bulkupload_passes_dlq"
	}
	if cfg.Group == "" {
		cfg.Group = "bulkupload_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	queue := &StreamsQueue{
		client:      client,
		stream:      cfg.Stream,
		dlqStream:   cfg.DLQStream,
		group:       cfg.Group,
		consumer:    cfg.Consumer,
		maxAttempts: cfg.MaxAttempts,
	}
	if err := queue.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return queue, nil
}

func (q *StreamsQueue) Close() error {
	return q.client.Close()
}

const (
	streamFieldJobID   = "job_id"
	streamFieldPayload = "payload"
)

func (q *StreamsQueue) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	values, err := encodeStreamEntry(message)
	if err != nil {
		return err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("enqueue job %s to stream: %w", message.JobID, err)
	}
	return nil
}

func (q *StreamsQueue) Consume(ctx context.Context, handler func(context.Context, domain.QueueMessage) error) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				q.handleEntry(ctx, entry, handler)
			}
		}
	}
}

// handleEntry runs one trigger. A failed pass is re-added with its attempt
// bumped until the budget is spent; the original entry is always acked.
func (q *StreamsQueue) handleEntry(
	ctx context.Context,
	entry redis.XMessage,
	handler func(context.Context, domain.QueueMessage) error,
) {
	defer func() { _ = q.ackAndDelete(ctx, entry.ID) }()

	message, err := decodeStreamEntry(entry)
	if err != nil {
		_ = q.deadLetter(ctx, entry, err.Error())
		return
	}
	handleErr := handler(ctx, message)
	if handleErr == nil {
		return
	}

	message.Attempt++
	if message.Attempt >= q.maxAttempts {
		_ = q.deadLetter(ctx, entry, handleErr.Error())
		return
	}
	if err := q.Enqueue(ctx, message); err != nil {
		_ = q.deadLetter(ctx, entry, fmt.Sprintf("requeue failed: %v", err))
	}
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, streamID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

// deadLetter copies the raw entry to the DLQ stream with the reason, so
// undecodable entries keep their original fields.
func (q *StreamsQueue) deadLetter(ctx context.Context, entry redis.XMessage, reason string) error {
	values := make(map[string]any, len(entry.Values)+3)
	for key, value := range entry.Values {
		values[key] = value
	}
	values["stream_id"] = entry.ID
	values["error"] = reason
	values["moved_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Err(); err != nil {
		return fmt.Errorf("send to dlq: %w", err)
	}
	return nil
}

// encodeStreamEntry stores the trigger as one JSON payload field; job_id is
// duplicated at top level for XRANGE inspection.
func encodeStreamEntry(message domain.QueueMessage) (map[string]any, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode queue message: %w", err)
	}
	return map[string]any{
		streamFieldJobID:   message.JobID,
		streamFieldPayload: string(payload),
	}, nil
}

func decodeStreamEntry(entry redis.XMessage) (domain.QueueMessage, error) {
	var message domain.QueueMessage
	raw, ok := entry.Values[streamFieldPayload].(string)
	if !ok {
		return message, fmt.Errorf("stream entry %s has no %s field", entry.ID, streamFieldPayload)
	}
	if err := json.Unmarshal([]byte(raw), &message); err != nil {
		return message, fmt.Errorf("decode stream entry %s: %w", entry.ID, err)
	}
	if message.JobID == "" {
		return message, fmt.Errorf("stream entry %s has no job id", entry.ID)
	}
	return message, nil
}
