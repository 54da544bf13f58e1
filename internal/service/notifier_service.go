package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/schoolgate/pickup-api/internal/models"
	"github.com/schoolgate/pickup-api/pkg/config"
	"github.com/schoolgate/pickup-api/pkg/jobs"
)

// Sender delivers a notification message to a recipient outside the system
// (push, SMS, email). Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, studentID string, event models.PickupEvent) error
}

// LogSender is the default Sender: it only logs. Real channels plug in behind
// the same interface.
type LogSender struct {
	Logger *zap.Logger
}

// Send writes the would-be notification to the log.
func (s *LogSender) Send(_ context.Context, studentID string, event models.PickupEvent) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("pickup notification",
		zap.String("student_id", studentID),
		zap.String("request_id", event.RequestID),
		zap.String("status", string(event.NewStatus)))
	return nil
}

type eventSubscriber interface {
	Subscribe(filter EventFilter) *Subscription
	Unsubscribe(sub *Subscription)
}

// NotifierService bridges fanout events to external notifications. Delivery
// is fire-and-forget: a failed or dropped notification never affects the
// pickup transition that triggered it, and the job queue retries with a
// bounded attempt count.
type NotifierService struct {
	fanout eventSubscriber
	sender Sender
	queue  *jobs.Queue
	cfg    config.NotificationsConfig
	logger *zap.Logger
}

// NewNotifierService constructs the notifier.
func NewNotifierService(fanout eventSubscriber, sender Sender, cfg config.NotificationsConfig, logger *zap.Logger) *NotifierService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sender == nil {
		sender = &LogSender{Logger: logger}
	}
	svc := &NotifierService{fanout: fanout, sender: sender, cfg: cfg, logger: logger}
	svc.queue = jobs.NewQueue("notifications", svc.handleJob, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return svc
}

// Start subscribes to the fanout and boots the worker pool. The consume
// goroutine resubscribes whenever its subscription is closed for lagging,
// so a slow notification channel cannot wedge the broker.
func (n *NotifierService) Start(ctx context.Context) {
	if !n.cfg.Enabled {
		return
	}
	n.queue.Start(ctx)
	go n.consume(ctx)
}

// Stop drains the worker pool.
func (n *NotifierService) Stop() {
	n.queue.Stop()
}

func (n *NotifierService) consume(ctx context.Context) {
	for {
		sub := n.fanout.Subscribe(FilterAll)
		if !n.drain(ctx, sub) {
			n.fanout.Unsubscribe(sub)
			return
		}
		n.logger.Warn("notification subscription dropped, resubscribing")
	}
}

// drain reads events until the subscription closes. Returns false when the
// context ended and the consumer should not resubscribe.
func (n *NotifierService) drain(ctx context.Context, sub *Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-sub.Events():
			if !ok {
				return true
			}
			job := jobs.Job{
				ID:      uuid.NewString(),
				Type:    "pickup_status_notification",
				Payload: event,
			}
			if err := n.queue.Enqueue(job); err != nil {
				n.logger.Warn("failed to enqueue notification",
					zap.String("request_id", event.RequestID), zap.Error(err))
			}
		}
	}
}

func (n *NotifierService) handleJob(ctx context.Context, job jobs.Job) error {
	event, ok := job.Payload.(models.PickupEvent)
	if !ok {
		return fmt.Errorf("unexpected notification payload %T", job.Payload)
	}
	return n.sender.Send(ctx, event.StudentID, event)
}
