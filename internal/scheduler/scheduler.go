// Package scheduler provides recurring job execution on top of one-shot
// timers. There is no native recurring trigger: each job is armed for its
// next cron occurrence only, and re-armed after the handler returns. That
// guarantees at most one in-flight execution per job key.
package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/etlite/etlite/internal/logging"
)

// Handler is the body executed when a job fires. Params are the fixed
// properties captured at scheduling time.
type Handler func(params map[string]string)

type job struct {
	key      string
	cronExpr string
	params   map[string]string
	handler  Handler
	timer    *time.Timer
}

// Scheduler owns the timer per job key.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*job
	parser  cron.Parser
	now     func() time.Time
	wg      sync.WaitGroup
	stopped bool
}

// New creates an empty scheduler accepting 6-field (seconds-first) cron
// expressions; 7-field expressions are normalized by dropping the year.
func New() *Scheduler {
	return &Scheduler{
		jobs: make(map[string]*job),
		parser: cron.NewParser(
			cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now: time.Now,
	}
}

// NormalizeCron drops the trailing year field from a 7-field cron
// expression. 6-field (or shorter) input is returned unchanged.
func NormalizeCron(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) > 6 {
		return strings.Join(fields[:len(fields)-1], " ")
	}
	return expr
}

// NextFireTime computes the next occurrence of the cron expression after now.
func (s *Scheduler) NextFireTime(cronExpr string) (time.Time, error) {
	schedule, err := s.parser.Parse(NormalizeCron(cronExpr))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(s.now()), nil
}

// SafeSchedule idempotently replaces any job registered under key with a
// one-shot timer for the next occurrence of cronExpr. The handler runs with
// the given params, and the job is re-armed after each run regardless of
// the handler's outcome.
func (s *Scheduler) SafeSchedule(key, cronExpr string, params map[string]string, handler Handler) error {
	cronExpr = NormalizeCron(cronExpr)
	next, err := s.NextFireTime(cronExpr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("scheduler is shut down")
	}

	if existing, ok := s.jobs[key]; ok {
		// best-effort replace
		if !existing.timer.Stop() {
			logging.Warn("scheduler: job %s was firing while being replaced", key)
		}
		delete(s.jobs, key)
	}

	j := &job{key: key, cronExpr: cronExpr, params: params, handler: handler}
	s.jobs[key] = j
	s.armLocked(j, next)
	logging.Debug("scheduler: job %s armed for %s (cron %q)", key, next.Format(time.RFC3339), cronExpr)
	return nil
}

// SafeUnschedule cancels the job under key. Absence is not an error.
func (s *Scheduler) SafeUnschedule(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[key]; ok {
		j.timer.Stop()
		delete(s.jobs, key)
		logging.Debug("scheduler: job %s unscheduled", key)
	}
}

// ScheduledKeys returns the keys of all currently registered jobs.
func (s *Scheduler) ScheduledKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.jobs))
	for key := range s.jobs {
		keys = append(keys, key)
	}
	return keys
}

// Shutdown cancels all timers and waits for in-flight executions to finish.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.stopped = true
	for key, j := range s.jobs {
		j.timer.Stop()
		delete(s.jobs, key)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// armLocked arms the one-shot timer for a job; caller holds s.mu.
func (s *Scheduler) armLocked(j *job, at time.Time) {
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	j.timer = time.AfterFunc(delay, func() { s.fire(j) })
}

// fire runs the handler body and then re-arms the job for its next
// occurrence. The next occurrence is computed only after the body returns,
// so a slow run can never overlap itself.
func (s *Scheduler) fire(j *job) {
	s.mu.Lock()
	if s.stopped || s.jobs[j.key] != j {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()

	s.runHandler(j)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.jobs[j.key] != j {
		return
	}

	next, err := s.NextFireTime(j.cronExpr)
	if err != nil {
		// the expression parsed when scheduled, so this should not happen
		logging.Error("scheduler: rescheduling job %s: %v", j.key, err)
		delete(s.jobs, j.key)
		return
	}
	s.armLocked(j, next)
	logging.Debug("scheduler: job %s re-armed for %s", j.key, next.Format(time.RFC3339))
}

func (s *Scheduler) runHandler(j *job) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("scheduler: job %s panicked: %v", j.key, r)
		}
	}()
	j.handler(j.params)
}
