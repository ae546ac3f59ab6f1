package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iago/bulkupload-back/internal/domain"
	"github.com/iago/bulkupload-back/internal/logging"
)

type RabbitConfig struct {
	URL         string
	Queue       string
	MaxAttempts int
	// RetryDelay is how long a failed trigger waits in the retry queue.
	RetryDelay time.Duration
}

// RabbitQueue implements Producer+Consumer on RabbitMQ. Failed triggers are
// parked in a TTL retry queue that dead-letters back into the main queue;
// exhausted ones are rejected into the dead-letter queue.
type RabbitQueue struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	exchange    string
	dlx         string
	retryX      string
	queue       string
	maxAttempts int
	retryDelay  time.Duration
	logger      *zap.Logger
}

func NewRabbitQueue(cfg RabbitConfig, logger *zap.Logger) (*RabbitQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if cfg.Queue == "" {
		cfg.Queue = "bulkupload.passes"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	queue := &RabbitQueue{
		conn:        conn,
		ch:          ch,
		exchange:    cfg.Queue + ".exchange",
		dlx:         cfg.Queue + ".dlx",
		retryX:      cfg.Queue + ".retry.exchange",
		queue:       cfg.Queue,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		logger:      logging.OrNop(logger),
	}
	if err := queue.setupTopology(); err != nil {
		queue.Close()
		return nil, err
	}
	return queue, nil
}

// setupTopology declares exchanges and queues. Idempotent.
func (q *RabbitQueue) setupTopology() error {
	if err := q.ch.ExchangeDeclare(q.exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if err := q.ch.ExchangeDeclare(q.dlx, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}
	if err := q.ch.ExchangeDeclare(q.retryX, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare retry exchange: %w", err)
	}

	deadLetterQueue := q.queue + ".dead_letter"
	if _, err := q.ch.QueueDeclare(deadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := q.ch.QueueBind(deadLetterQueue, "", q.dlx, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}

	if _, err := q.ch.QueueDeclare(q.queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": q.dlx,
	}); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := q.ch.QueueBind(q.queue, q.queue, q.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	retryQueue := q.queue + ".retry"
	if _, err := q.ch.QueueDeclare(retryQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    q.exchange,
		"x-dead-letter-routing-key": q.queue,
		"x-message-ttl":             q.retryDelay.Milliseconds(),
	}); err != nil {
		return fmt.Errorf("declare retry queue: %w", err)
	}
	if err := q.ch.QueueBind(retryQueue, retryQueue, q.retryX, false, nil); err != nil {
		return fmt.Errorf("bind retry queue: %w", err)
	}
	return nil
}

func (q *RabbitQueue) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	return q.publish(ctx, q.exchange, q.queue, message)
}

func (q *RabbitQueue) publish(ctx context.Context, exchange, routingKey string, message domain.QueueMessage) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode queue message: %w", err)
	}
	err = q.ch.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    message.JobID,
			Timestamp:    message.RequestedAt,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", exchange, err)
	}
	return nil
}

func (q *RabbitQueue) Consume(ctx context.Context, handler func(context.Context, domain.QueueMessage) error) error {
	deliveries, err := q.ch.Consume(
		q.queue,
		"",    // consumer
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			q.handleDelivery(ctx, delivery, handler)
		}
	}
}

func (q *RabbitQueue) handleDelivery(
	ctx context.Context,
	delivery amqp.Delivery,
	handler func(context.Context, domain.QueueMessage) error,
) {
	var message domain.QueueMessage
	if err := json.Unmarshal(delivery.Body, &message); err != nil {
		q.logger.Error("undecodable queue message rejected", zap.Error(err))
		_ = delivery.Nack(false, false)
		return
	}

	handleErr := handler(ctx, message)
	if handleErr == nil {
		_ = delivery.Ack(false)
		return
	}

	message.Attempt++
	if message.Attempt >= q.maxAttempts {
		q.logger.Warn("rabbitmq moved message to DLQ",
			zap.String("job_id", message.JobID),
			zap.Int("attempt", message.Attempt),
			zap.Error(handleErr),
		)
		_ = delivery.Nack(false, false)
		return
	}

	if err := q.publish(ctx, q.retryX, q.queue+".retry", message); err != nil {
		q.logger.Error("schedule retry failed, requeueing",
			zap.String("job_id", message.JobID),
			zap.Error(err),
		)
		_ = delivery.Nack(false, true)
		return
	}
	_ = delivery.Ack(false)
}

func (q *RabbitQueue) Close() {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		_ = q.conn.Close()
	}
}
