package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	appctx "github.com/petalcrm/sundew/pkg/context"
	"github.com/petalcrm/sundew/pkg/metrics"
	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/tracing"
)

var (
	// ErrPipelineStopped is returned when enqueueing after shutdown
	ErrPipelineStopped = errors.New("pipeline stopped")

	// ErrPipelineFull is returned when the queue is saturated
	ErrPipelineFull = errors.New("pipeline queue full")
)

// DefaultQueueSize is the default pipeline buffer
const DefaultQueueSize = 1024

// Task is one payload accepted for processing
type Task struct {
	Channel    *models.Channel
	Payload    map[string]any
	Transport  models.EventTransport
	ReceivedAt time.Time
}

// Reconciler folds a stored message into the contact graph
type Reconciler interface {
	ReconcileMessage(ctx context.Context, channel *models.Channel, message *models.Message, created bool) error
}

// Publisher emits domain events after a message lands
type Publisher interface {
	MessageIngested(ctx context.Context, message *models.Message) error
}

// Pipeline consumes accepted payloads sequentially: normalize, write,
// reconcile. Ordering per channel is preserved by the single consumer.
type Pipeline struct {
	normalizer *Normalizer
	writer     *Writer
	reconciler Reconciler
	publisher  Publisher
	logger     ectologger.Logger

	queue chan Task

	// Coordination
	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.Mutex
}

// NewPipeline creates a new ingestion pipeline
func NewPipeline(
	normalizer *Normalizer,
	writer *Writer,
	reconciler Reconciler,
	publisher Publisher,
	queueSize int,
	logger ectologger.Logger,
) *Pipeline {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &Pipeline{
		normalizer: normalizer,
		writer:     writer,
		reconciler: reconciler,
		publisher:  publisher,
		logger:     logger,
		queue:      make(chan Task, queueSize),
		stopCh:     make(chan struct{}),
		stoppedC:   make(chan struct{}),
	}
}

// Start launches the consumer loop
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	go p.loop()

	p.logger.WithContext(ctx).Infof("Pipeline started: queue_size=%d", cap(p.queue))
	return nil
}

// Stop drains nothing: in-flight work finishes, queued work is dropped.
// Accepted payloads are already persisted as inbound events, so a restart
// loses no audit data.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)

	select {
	case <-p.stoppedC:
		p.logger.WithContext(ctx).Info("Pipeline stopped gracefully")
	case <-ctx.Done():
		p.logger.WithContext(ctx).Warn("Pipeline shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// Enqueue accepts a payload for processing without blocking the caller
func (p *Pipeline) Enqueue(ctx context.Context, task Task) error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return ErrPipelineStopped
	}

	if task.ReceivedAt.IsZero() {
		task.ReceivedAt = time.Now().UTC()
	}

	select {
	case p.queue <- task:
		return nil
	default:
		p.logger.WithContext(ctx).WithFields(map[string]any{
			"channel_id": task.Channel.ID,
		}).Error("pipeline queue full, dropping payload")
		return ErrPipelineFull
	}
}

func (p *Pipeline) loop() {
	defer close(p.stoppedC)

	for {
		select {
		case <-p.stopCh:
			return
		case task := <-p.queue:
			p.process(task)
		}
	}
}

// process runs one task end to end. Failures are logged, never retried;
// redelivery by the gateway is the retry path.
func (p *Pipeline) process(task Task) {
	ctx := appctx.SetTenantID(context.Background(), task.Channel.TenantID.String())
	ctx, span := tracing.StartSpan(ctx, "Pipeline.process")
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	}()

	normalized := p.normalizer.Normalize(task.Payload)

	message, created, err := p.writer.Write(ctx, task.Channel, normalized)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": task.Channel.ID,
			"sender":     normalized.Sender,
		}).Error("failed to write message")
		return
	}

	if created && p.publisher != nil {
		if err := p.publisher.MessageIngested(ctx, message); err != nil {
			p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"message_id": message.MessageID,
			}).Warn("failed to publish message event")
		}
	}

	if err := p.reconciler.ReconcileMessage(ctx, task.Channel, message, created); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": task.Channel.ID,
			"sender":     message.Sender,
		}).Error("failed to reconcile contact")
	}
}
