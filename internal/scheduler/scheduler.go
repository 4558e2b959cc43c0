// Package scheduler runs named cron jobs against the same Session fabric
// user traffic uses: it parses a cron-config file, schedules jobs, and
// executes them through the shared Query Runtime under dedicated
// scheduler-owned Session keys, with a pending queue, per-hour rate cap,
// and file-watch hot reload. Cron expression parsing is delegated to
// github.com/netresearch/go-cron.
package scheduler

import (
	"context"
	"fmt"
	"html"
	"sync"
	"time"

	gocron "github.com/netresearch/go-cron"
	"go.uber.org/zap"

	"github.com/kandev/relaygate/internal/platform/logger"
	"github.com/kandev/relaygate/internal/ratelimit"
	"github.com/kandev/relaygate/internal/session"
)

// SessionProvider resolves a scheduler-owned Session for a job name.
// internal/sessionmanager.Manager satisfies this via its
// GetSchedulerSession method.
type SessionProvider interface {
	GetSchedulerSession(jobName string) (*session.Session, error)
}

// Notifier delivers a best-effort message to the primary allowed user.
// Callers wire in whatever notification path their transport has.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Config is the enumerated set of Scheduler tunables.
type Config struct {
	MaxQueueSize    int
	MaxJobsPerHour  int
	QueueDrainTick  time.Duration
	MaxPromptLength int
	JobTimeout      time.Duration
	Allowlist       []string
}

func (c *Config) applyDefaults() {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 100
	}
	if c.MaxJobsPerHour <= 0 {
		c.MaxJobsPerHour = 60
	}
	if c.QueueDrainTick <= 0 {
		c.QueueDrainTick = 2 * time.Second
	}
	if c.MaxPromptLength <= 0 {
		c.MaxPromptLength = DefaultMaxPromptLength
	}
}

type jobHandle struct {
	job   JobConfig
	sched gocron.Schedule
	timer *time.Timer
}

// Scheduler owns the set of active cron job handles, the pending queue,
// and the job lock that serializes cron-job execution. The busy predicate
// only considers scheduler-owned Sessions: user Sessions never block cron
// and vice versa.
type Scheduler struct {
	cfg      Config
	sessions SessionProvider
	notifier Notifier
	logger   *logger.Logger
	rate     *ratelimit.HourlyCounter

	mu      sync.Mutex
	jobs    map[string]*jobHandle
	pending []string
	busy    bool

	drainStop chan struct{}
	drainWG   sync.WaitGroup
}

// New creates an empty Scheduler. Call LoadAndSchedule (or Reload) to
// populate it with jobs, and StartDrainTimer to launch the periodic queue
// drain.
func New(cfg Config, sessions SessionProvider, notifier Notifier, log *logger.Logger) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:      cfg,
		sessions: sessions,
		notifier: notifier,
		logger:   log.With(zap.String("component", "scheduler")),
		rate:     ratelimit.NewHourlyCounter(),
		jobs:     make(map[string]*jobHandle),
	}
}

// LoadAndSchedule reads, validates, and schedules the cron config at path
// (boot-time equivalent of Reload).
func (s *Scheduler) LoadAndSchedule(path string) error {
	cfg, err := LoadConfig(path, s.cfg.Allowlist, s.cfg.MaxPromptLength)
	if err != nil {
		return err
	}
	return s.Reload(cfg)
}

// Reload atomically swaps the active job set: every currently scheduled
// job's timer is stopped exactly once, then the new config is scheduled.
// If scheduling the new config fails, the previous jobs remain stopped
// and the error is logged and returned.
func (s *Scheduler) Reload(cfg *FileConfig) error {
	s.mu.Lock()
	for name, h := range s.jobs {
		if h.timer != nil {
			h.timer.Stop()
		}
		delete(s.jobs, name)
	}
	s.mu.Unlock()

	newJobs := make(map[string]*jobHandle, len(cfg.Schedules))
	for _, j := range cfg.Schedules {
		if !j.IsEnabled() {
			continue
		}
		sched, err := gocron.ParseStandard(j.Cron)
		if err != nil {
			s.logger.Error("reload failed: invalid cron expression", zap.String("job", j.Name), zap.Error(err))
			return fmt.Errorf("schedule %q: %w", j.Name, err)
		}
		newJobs[j.Name] = &jobHandle{job: j, sched: sched}
	}

	s.mu.Lock()
	s.jobs = newJobs
	s.mu.Unlock()

	for name, h := range newJobs {
		s.armLocked(name, h)
	}

	s.logger.Info("scheduler reloaded", zap.Int("active_jobs", len(newJobs)))
	return nil
}

func (s *Scheduler) armLocked(name string, h *jobHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; !ok {
		return
	}
	next := h.sched.Next(time.Now())
	h.timer = time.AfterFunc(time.Until(next), func() { s.fire(name) })
}

// fire is invoked by a job's timer at its scheduled time. It re-arms the
// job for its next occurrence, then attempts to run it now.
func (s *Scheduler) fire(name string) {
	s.mu.Lock()
	h, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	next := h.sched.Next(time.Now())
	h.timer = time.AfterFunc(time.Until(next), func() { s.fire(name) })
	job := h.job
	s.mu.Unlock()

	s.attemptRun(name, job)
}

// attemptRun enqueues the job if the scheduler is busy; otherwise it
// consults the per-hour rate limiter before acquiring the job lock and
// running.
func (s *Scheduler) attemptRun(name string, job JobConfig) {
	s.mu.Lock()
	if s.busy {
		overflowed := s.enqueueLocked(name)
		s.mu.Unlock()
		if overflowed {
			s.logger.Warn("cron queue overflow, dropped oldest pending job", zap.String("job", name))
		}
		return
	}
	if !s.rate.Record(s.cfg.MaxJobsPerHour) {
		s.mu.Unlock()
		s.logger.Info("cron job rate limited, skipping", zap.String("job", name))
		return
	}
	s.busy = true
	s.mu.Unlock()

	s.runJob(name, job)

	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()

	s.DrainQueue()
}

// enqueueLocked appends name to the pending queue, dropping the oldest
// entry if it is at capacity. Caller must hold s.mu.
func (s *Scheduler) enqueueLocked(name string) (overflowed bool) {
	if len(s.pending) >= s.cfg.MaxQueueSize {
		s.pending = s.pending[1:]
		overflowed = true
	}
	s.pending = append(s.pending, name)
	return overflowed
}

// DrainQueue attempts to run pending jobs in FIFO order while the
// scheduler is not busy, honoring the rate limiter for each.
func (s *Scheduler) DrainQueue() {
	for {
		s.mu.Lock()
		if s.busy || len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		name := s.pending[0]
		s.pending = s.pending[1:]
		h, ok := s.jobs[name]
		if !ok {
			s.mu.Unlock()
			continue
		}
		job := h.job
		if !s.rate.Record(s.cfg.MaxJobsPerHour) {
			s.mu.Unlock()
			s.logger.Info("cron job rate limited on drain, dropping", zap.String("job", name))
			continue
		}
		s.busy = true
		s.mu.Unlock()

		s.runJob(name, job)

		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}
}

// StartDrainTimer launches the periodic queue-drain tick. Call Stop to
// halt it.
func (s *Scheduler) StartDrainTimer() {
	s.drainStop = make(chan struct{})
	s.drainWG.Add(1)
	go func() {
		defer s.drainWG.Done()
		ticker := time.NewTicker(s.cfg.QueueDrainTick)
		defer ticker.Stop()
		for {
			select {
			case <-s.drainStop:
				return
			case <-ticker.C:
				s.DrainQueue()
			}
		}
	}()
}

// Stop halts the drain timer and every active job timer.
func (s *Scheduler) Stop() {
	if s.drainStop != nil {
		close(s.drainStop)
		s.drainWG.Wait()
	}
	s.mu.Lock()
	for _, h := range s.jobs {
		if h.timer != nil {
			h.timer.Stop()
		}
	}
	s.mu.Unlock()
}

// ActiveJobCount returns the number of currently scheduled jobs.
func (s *Scheduler) ActiveJobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// runJob executes job through the shared Query Runtime via its
// scheduler-owned Session, notifying on completion or failure when
// job.Notify is set.
func (s *Scheduler) runJob(name string, job JobConfig) {
	sess, err := s.sessions.GetSchedulerSession(name)
	if err != nil {
		s.logger.Error("failed to resolve scheduler session", zap.String("job", name), zap.Error(err))
		return
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if s.cfg.JobTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}

	text, runErr := sess.SendMessageStreaming(ctx, job.Prompt, session.ContextCron, nil, "")
	if runErr != nil {
		s.logger.Error("cron job failed", zap.String("job", name), zap.Error(runErr))
		if job.ShouldNotify() && s.notifier != nil {
			msg := fmt.Sprintf("Cron job %q failed: %s", name, html.EscapeString(truncate(runErr.Error(), 300)))
			if notifyErr := s.notifier.Notify(ctx, msg); notifyErr != nil {
				s.logger.Warn("cron failure notification failed", zap.String("job", name), zap.Error(notifyErr))
			}
		}
		return
	}

	s.logger.Info("cron job completed", zap.String("job", name))
	if job.ShouldNotify() && s.notifier != nil {
		msg := fmt.Sprintf("Cron job %q completed: %s", name, truncate(text, 300))
		if notifyErr := s.notifier.Notify(ctx, msg); notifyErr != nil {
			s.logger.Warn("cron completion notification failed", zap.String("job", name), zap.Error(notifyErr))
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
