package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/iago/bulkupload-back/internal/domain"
	"github.com/iago/bulkupload-back/internal/logging"
	"github.com/iago/bulkupload-back/internal/queue"
	"github.com/iago/bulkupload-back/internal/repository"
)

// Runner runs one pass over a job.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// Processor consumes pass triggers and runs them.
type Processor struct {
	consumer queue.Consumer
	runner   Runner
	logger   *zap.Logger
	running  *atomic.Bool
}

func NewProcessor(consumer queue.Consumer, runner Runner, logger *zap.Logger) *Processor {
	return &Processor{
		consumer: consumer,
		runner:   runner,
		logger:   logging.OrNop(logger),
		running:  atomic.NewBool(false),
	}
}

// Running reports whether Start is active.
func (p *Processor) Running() bool {
	return p.running.Load()
}

// Start blocks until ctx is done, restarting the consume loop after errors.
func (p *Processor) Start(ctx context.Context) {
	if !p.running.CAS(false, true) {
		p.logger.Warn("processor already running")
		return
	}
	defer p.running.Store(false)

	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.processMessage)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logger.Error("worker consume loop error", zap.Error(err))

		timer := time.NewTimer(2 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Processor) processMessage(ctx context.Context, message domain.QueueMessage) error {
	err := p.runner.Run(ctx, message.JobID)
	switch {
	case err == nil:
		p.logger.Info("pass processed",
			zap.String("job_id", message.JobID),
			zap.String("object_type", message.ObjectType),
			zap.Int("attempt", message.Attempt),
		)
		return nil
	case errors.Is(err, repository.ErrNotFound):
		// The job was deleted; retrying cannot help.
		p.logger.Warn("pass trigger for unknown job dropped", zap.String("job_id", message.JobID))
		return nil
	case errors.Is(err, ErrJobLocked):
		p.logger.Info("job busy, trigger will be retried", zap.String("job_id", message.JobID))
		return err
	default:
		return fmt.Errorf("run pass for job %s: %w", message.JobID, err)
	}
}
