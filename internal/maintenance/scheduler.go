// Package maintenance runs periodic housekeeping for the notification
// pipeline: outbox cleanup, dead-lettering and inbox expiry.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is a named unit of housekeeping. Run returns how many rows it touched.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) (int64, error)
}

// Scheduler runs jobs on cron schedules
type Scheduler struct {
	cron   *cron.Cron
	jobs   []Job
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// New creates a scheduler evaluating specs in loc
func New(loc *time.Location, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Add registers a job. Specs use the standard five-field format or a
// descriptor such as "@every 1m".
func (s *Scheduler) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %s has no run function", job.Name)
	}
	if job.Timeout <= 0 {
		job.Timeout = time.Minute
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.run(job) }); err != nil {
		return fmt.Errorf("add %s: %w", job.Name, err)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start begins running jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", zap.Int("jobs", len(s.jobs)))
}

// RunAll runs every registered job once, in registration order
func (s *Scheduler) RunAll() {
	for _, job := range s.jobs {
		s.run(job)
	}
}

// Stop cancels running jobs and waits for them to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) run(job Job) {
	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout)
	defer cancel()

	start := time.Now()
	n, err := job.Run(ctx)
	if err != nil {
		s.logger.Error("maintenance job failed", zap.String("job", job.Name), zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("maintenance job completed",
			zap.String("job", job.Name),
			zap.Int64("rows", n),
			zap.Duration("duration", time.Since(start)))
	}
}
