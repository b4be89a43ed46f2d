// Package trigger turns configured workflow schedules into job submissions.
//
// Each trigger maps one schedule string onto a cron entry; when it fires, a
// fresh pending job is enqueued with the duplicate check on, so a schedule
// firing faster than the dedup window cannot pile up identical runs.
package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"flowhub/internal/config"
	"flowhub/internal/queue"
	"flowhub/pkg/logx"
)

// Service owns the cron runner for all configured triggers.
type Service struct {
	log    logx.Logger
	q      *queue.Queue
	parser cron.Parser
	c      *cron.Cron
}

func New(q *queue.Queue, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log: log,
		q:   q,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start registers every trigger and begins firing. Returns an error if any
// schedule fails to parse, before anything runs.
func (s *Service) Start(triggers []config.TriggerConfig) error {
	c := cron.New(cron.WithParser(s.parser))

	for i, t := range triggers {
		spec := normalizeSchedule(t.Schedule)
		sched, err := s.parser.Parse(spec)
		if err != nil {
			return fmt.Errorf("triggers[%d]: bad schedule %q: %w", i, t.Schedule, err)
		}

		timeout, err := config.ParseDurationField(fmt.Sprintf("triggers[%d].timeout", i), t.Timeout)
		if err != nil {
			return err
		}
		t := t
		prio := queue.ParsePriority(t.Priority)
		c.Schedule(sched, cron.FuncJob(func() { s.fire(t, prio, timeout) }))

		s.log.Info("trigger registered",
			logx.String("workflow_id", t.WorkflowID),
			logx.String("schedule", t.Schedule),
			logx.String("priority", prio.String()))
	}

	s.c = c
	c.Start()
	return nil
}

// Stop halts firing. Entries mid-fire finish their Enqueue.
func (s *Service) Stop() {
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
}

func (s *Service) fire(t config.TriggerConfig, prio queue.Priority, timeout time.Duration) {
	job := queue.NewJob(t.WorkflowID, t.WorkflowName, prio, t.Params)
	job.Timeout = timeout

	ok, msg := s.q.Enqueue(job, true)
	if !ok {
		s.log.Debug("trigger fire rejected",
			logx.String("workflow_id", t.WorkflowID),
			logx.String("reason", msg))
		return
	}
	s.log.Info("trigger fired",
		logx.String("workflow_id", t.WorkflowID),
		logx.String("job_id", job.ID))
}

// normalizeSchedule accepts a bare Go duration ("10m") as shorthand for
// "@every 10m" alongside regular cron specs.
func normalizeSchedule(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return s
	}
	if _, err := time.ParseDuration(s); err == nil {
		return "@every " + s
	}
	return s
}
