package queue

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/numhive/platform/pkg/logger"
)

// publishTimeout bounds one scheduled submission.
const publishTimeout = 30 * time.Second

// Scheduler registers cron entries that publish jobs to the durable
// queue. Entries publish with a fixed dedup key, so overlapping worker
// processes and slow runs collapse into one live job.
type Scheduler struct {
	cron *cron.Cron
	svc  *Service
	log  *logger.Logger
}

// NewScheduler creates an empty scheduler over the queue service.
func NewScheduler(svc *Service, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Scheduler{cron: cron.New(), svc: svc, log: log}
}

// Schedule publishes a jobType job to queueName on the cron schedule.
// Standard five-field expressions and @-descriptors are accepted.
func (s *Scheduler) Schedule(queueName, cronExpr, jobType string, payload interface{}) error {
	dedup := "cron:" + queueName + ":" + jobType
	_, err := s.cron.AddFunc(cronExpr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if _, err := s.svc.Publish(ctx, queueName, jobType, payload, &PublishOptions{DedupKey: dedup}); err != nil {
			s.log.WithError(err).WithFields(map[string]interface{}{
				"queue":    queueName,
				"job_type": jobType,
			}).Error("publish scheduled job")
		}
	})
	if err != nil {
		return err
	}
	s.log.WithFields(map[string]interface{}{
		"queue":    queueName,
		"job_type": jobType,
		"schedule": cronExpr,
	}).Info("cron entry registered")
	return nil
}

// Name implements system.Service.
func (s *Scheduler) Name() string { return "scheduler" }

// Start begins firing registered entries.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop waits for in-flight entries to finish, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	return nil
}
