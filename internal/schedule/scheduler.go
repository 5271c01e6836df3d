package schedule

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// Job is a named unit of periodic background work. Spec is a standard
// five-field cron expression evaluated in server local time.
type Job interface {
	Name() string
	Spec() string
	Run(ctx context.Context) error
}

// Cron drives registered jobs on their own schedules. A tick that fires
// while the previous run of the same job is still in flight is skipped,
// never queued.
type Cron struct {
	cron *cron.Cron
	jobs []Job
	ctx  context.Context
}

func NewCron() *Cron {
	return &Cron{cron: cron.New()}
}

func (s *Cron) Register(jobs ...Job) error {
	for _, j := range jobs {
		if _, err := s.cron.AddJob(j.Spec(), &runner{sched: s, job: j}); err != nil {
			return fmt.Errorf("register job %s: %w", j.Name(), err)
		}
		s.jobs = append(s.jobs, j)
	}
	return nil
}

func (s *Cron) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx = ctx
	for _, j := range s.jobs {
		logutil.GetLogger(ctx).Info("cron job scheduled",
			zap.String("job", j.Name()), zap.String("spec", j.Spec()))
	}
	s.cron.Start()
}

func (s *Cron) Stop() {
	<-s.cron.Stop().Done()
}

type runner struct {
	sched *Cron
	job   Job
	busy  atomic.Bool
}

func (r *runner) Run() {
	ctx := r.sched.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logutil.GetLogger(ctx).With(zap.String("job", r.job.Name()))
	if !r.busy.CompareAndSwap(false, true) {
		logger.Warn("previous run still in flight, tick skipped")
		return
	}
	defer r.busy.Store(false)

	start := time.Now()
	if err := r.job.Run(ctx); err != nil {
		logger.Error("job run failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return
	}
	logger.Info("job run done", zap.Duration("elapsed", time.Since(start)))
}
