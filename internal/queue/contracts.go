package queue

import (
	"context"
	"errors"

	"github.com/iago/bulkupload-back/internal/domain"
)

var ErrQueueBackpressure = errors.New("queue backpressure: enqueue buffer is full")

// Producer sends pass triggers to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.QueueMessage) error
}

// Consumer receives pass triggers and executes handlers. A handler error
// schedules a redelivery until the attempt budget is spent.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, domain.QueueMessage) error) error
}
