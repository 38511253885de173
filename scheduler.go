package flowlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sasha-s/go-deadlock"

	"github.com/davidroman0O/flowlite/internal/clock"
)

// ScheduleState is the lifecycle status of one registered cron trigger.
type ScheduleState string

const (
	ScheduleStatusActive    ScheduleState = "active"
	ScheduleStatusPaused    ScheduleState = "paused"
	ScheduleStatusCompleted ScheduleState = "completed"
	ScheduleStatusError     ScheduleState = "error"
)

// ScheduleConfig describes one recurring trigger. Cron is a standard 5-field
// expression (descriptors like @hourly are accepted); Timezone is an IANA
// name applied to fire-time computation.
type ScheduleConfig struct {
	Cron          string
	Timezone      string
	StartTime     *time.Time
	EndTime       *time.Time
	MaxExecutions int
	CatchUp       bool
	Input         map[string]interface{}
	Provider      string
}

// Schedule is the observable record of one registered cron trigger.
// NextExecution is only meaningful while the schedule is active.
type Schedule struct {
	ID             string
	WorkflowID     string
	Config         ScheduleConfig
	Status         ScheduleState
	NextExecution  *time.Time
	LastExecution  *time.Time
	ExecutionCount int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ScheduleUpdate is a partial config change; nil fields are left untouched.
type ScheduleUpdate struct {
	Cron          *string
	Timezone      *string
	StartTime     *time.Time
	EndTime       *time.Time
	MaxExecutions *int
	CatchUp       *bool
	Input         map[string]interface{}
	Provider      *string
}

// maxCatchUpFires bounds one catch-up batch so a schedule that was silent
// for months cannot spin the process.
const maxCatchUpFires = 1000

type scheduleEntry struct {
	schedule  *Schedule
	cronSched cron.Schedule
	loc       *time.Location
	timer     clock.Timer
	// gen invalidates in-flight timer callbacks after pause/update/delete.
	gen int
}

// Scheduler owns cron triggers and fires workflows through the registry.
// Each schedule is driven by a single-shot, self-rescheduling timer, so
// execution drift and dynamic updates are naturally absorbed.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry *ProviderRegistry

	mu        deadlock.RWMutex
	schedules map[string]*scheduleEntry

	parser cron.Parser
	clock  clock.Source
	logger Logger
}

type schedulerConfig struct {
	logger Logger
	clock  clock.Source
}

type schedulerOption func(*schedulerConfig)

func WithSchedulerLogger(logger Logger) schedulerOption {
	return func(cfg *schedulerConfig) {
		cfg.logger = logger
	}
}

// WithClock substitutes the time source; tests drive a manual one.
func WithClock(source clock.Source) schedulerOption {
	return func(cfg *schedulerConfig) {
		cfg.clock = source
	}
}

func NewScheduler(ctx context.Context, registry *ProviderRegistry, opts ...schedulerOption) *Scheduler {
	cfg := schedulerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = NewDefaultLogger(defaultLogLevel, TextFormat)
	}
	if cfg.clock == nil {
		cfg.clock = clock.Real()
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		ctx:       ctx,
		cancel:    cancel,
		registry:  registry,
		schedules: make(map[string]*scheduleEntry),
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		clock:     cfg.clock,
		logger:    cfg.logger,
	}
}

// Close stops every pending timer. Already-fired, in-flight executions are
// not retracted.
func (s *Scheduler) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.schedules {
		entry.gen++
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
	}
	s.logger.Debug(s.ctx, "scheduler closed", "schedules", len(s.schedules))
}

func (s *Scheduler) parseConfig(config *ScheduleConfig) (cron.Schedule, *time.Location, error) {
	cronSched, err := s.parser.Parse(config.Cron)
	if err != nil {
		return nil, nil, errors.Join(ErrInvalidCron, fmt.Errorf("%q: %w", config.Cron, err))
	}
	loc := time.Local
	if config.Timezone != "" {
		loc, err = time.LoadLocation(config.Timezone)
		if err != nil {
			return nil, nil, errors.Join(ErrInvalidTimezone, fmt.Errorf("%q: %w", config.Timezone, err))
		}
	}
	if config.StartTime != nil && config.EndTime != nil && config.EndTime.Before(*config.StartTime) {
		return nil, nil, errors.Join(ErrInvalidScheduleWindow, fmt.Errorf("end %s before start %s", config.EndTime, config.StartTime))
	}
	return cronSched, loc, nil
}

// CreateSchedule validates the cron expression and timezone, computes the
// first fire and arms the timer. An empty id is replaced with a generated
// one; the id is returned either way.
func (s *Scheduler) CreateSchedule(workflowID string, config ScheduleConfig, id string) (string, error) {
	if workflowID == "" {
		return "", errors.Join(ErrWorkflowNotFound, fmt.Errorf("workflow id is empty"))
	}
	cronSched, loc, err := s.parseConfig(&config)
	if err != nil {
		s.logger.Error(s.ctx, err.Error(), "workflow_id", workflowID)
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
	}

	now := s.clock.Now()
	entry := &scheduleEntry{
		schedule: &Schedule{
			ID:         id,
			WorkflowID: workflowID,
			Config:     config,
			Status:     ScheduleStatusActive,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		cronSched: cronSched,
		loc:       loc,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; ok {
		return "", fmt.Errorf("schedule %s already exists", id)
	}
	s.schedules[id] = entry
	s.armLocked(entry, now)

	s.logger.Debug(s.ctx, "schedule created", "schedule_id", id, "workflow_id", workflowID, "cron", config.Cron)
	return id, nil
}

// nextFire computes the fire time after from, honoring the schedule window.
// Nil means the window is exhausted.
func (e *scheduleEntry) nextFire(from time.Time) *time.Time {
	base := from.In(e.loc)
	if e.schedule.Config.StartTime != nil && base.Before(*e.schedule.Config.StartTime) {
		base = e.schedule.Config.StartTime.In(e.loc)
	}
	next := e.cronSched.Next(base)
	if next.IsZero() {
		return nil
	}
	if e.schedule.Config.EndTime != nil && next.After(*e.schedule.Config.EndTime) {
		return nil
	}
	return &next
}

// armLocked computes NextExecution from now and arms the single-shot timer.
// Callers hold mu.
func (s *Scheduler) armLocked(entry *scheduleEntry, now time.Time) {
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	next := entry.nextFire(now)
	if next == nil {
		entry.schedule.Status = ScheduleStatusCompleted
		entry.schedule.NextExecution = nil
		s.logger.Debug(s.ctx, "schedule window exhausted", "schedule_id", entry.schedule.ID)
		return
	}
	entry.schedule.NextExecution = next
	entry.gen++
	gen := entry.gen
	id := entry.schedule.ID
	entry.timer = s.clock.AfterFunc(next.Sub(now), func() {
		s.fire(id, gen)
	})
}

// fire is the timer callback: execute the workflow through the registry and
// either re-arm, complete, or go terminal on error. The schedule does not
// block on workflow completion; Execute returns at submission.
func (s *Scheduler) fire(id string, gen int) {
	s.mu.Lock()
	entry, ok := s.schedules[id]
	if !ok || entry.gen != gen || entry.schedule.Status != ScheduleStatusActive {
		s.mu.Unlock()
		return
	}
	workflowID := entry.schedule.WorkflowID
	input := entry.schedule.Config.Input
	provider := entry.schedule.Config.Provider
	s.mu.Unlock()

	_, err := s.registry.ExecuteWorkflowID(s.ctx, workflowID, input, provider)

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok = s.schedules[id]
	if !ok || entry.gen != gen || entry.schedule.Status != ScheduleStatusActive {
		return
	}

	now := s.clock.Now()
	entry.schedule.UpdatedAt = now

	if err != nil {
		// Terminal by design: the caller fixes the root cause and resumes.
		entry.schedule.Status = ScheduleStatusError
		entry.schedule.LastError = err.Error()
		entry.schedule.NextExecution = nil
		entry.timer = nil
		entry.gen++
		s.logger.Error(s.ctx, "schedule execution failed", "schedule_id", id, "workflow_id", workflowID, "error", err)
		return
	}

	entry.schedule.ExecutionCount++
	entry.schedule.LastExecution = &now
	s.logger.Debug(s.ctx, "schedule fired", "schedule_id", id, "workflow_id", workflowID, "count", entry.schedule.ExecutionCount)

	if max := entry.schedule.Config.MaxExecutions; max > 0 && entry.schedule.ExecutionCount >= max {
		entry.schedule.Status = ScheduleStatusCompleted
		entry.schedule.NextExecution = nil
		entry.timer = nil
		entry.gen++
		s.logger.Debug(s.ctx, "schedule reached max executions", "schedule_id", id, "max", max)
		return
	}

	s.armLocked(entry, now)
}

// PauseSchedule clears the pending timer. An already-fired, in-flight
// execution is not retracted.
func (s *Scheduler) PauseSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.schedules[id]
	if !ok {
		return errors.Join(ErrScheduleNotFound, fmt.Errorf("schedule %s", id))
	}
	if entry.schedule.Status != ScheduleStatusActive {
		return errors.Join(ErrScheduleNotActive, fmt.Errorf("schedule %s is %s", id, entry.schedule.Status))
	}
	entry.gen++
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	entry.schedule.Status = ScheduleStatusPaused
	entry.schedule.NextExecution = nil
	entry.schedule.UpdatedAt = s.clock.Now()
	s.logger.Debug(s.ctx, "schedule paused", "schedule_id", id)
	return nil
}

// ResumeSchedule re-activates a paused or errored schedule: NextExecution is
// recomputed from now and the timer re-armed.
func (s *Scheduler) ResumeSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.schedules[id]
	if !ok {
		return errors.Join(ErrScheduleNotFound, fmt.Errorf("schedule %s", id))
	}
	switch entry.schedule.Status {
	case ScheduleStatusPaused, ScheduleStatusError:
	default:
		return errors.Join(ErrScheduleNotResumable, fmt.Errorf("schedule %s is %s", id, entry.schedule.Status))
	}
	now := s.clock.Now()
	entry.schedule.Status = ScheduleStatusActive
	entry.schedule.LastError = ""
	entry.schedule.UpdatedAt = now
	s.armLocked(entry, now)
	s.logger.Debug(s.ctx, "schedule resumed", "schedule_id", id)
	return nil
}

// UpdateSchedule merges a partial config change, re-validating any changed
// cron or timezone, and re-arms only if the schedule is currently active.
func (s *Scheduler) UpdateSchedule(id string, update ScheduleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.schedules[id]
	if !ok {
		return errors.Join(ErrScheduleNotFound, fmt.Errorf("schedule %s", id))
	}

	merged := entry.schedule.Config
	if update.Cron != nil {
		merged.Cron = *update.Cron
	}
	if update.Timezone != nil {
		merged.Timezone = *update.Timezone
	}
	if update.StartTime != nil {
		merged.StartTime = update.StartTime
	}
	if update.EndTime != nil {
		merged.EndTime = update.EndTime
	}
	if update.MaxExecutions != nil {
		merged.MaxExecutions = *update.MaxExecutions
	}
	if update.CatchUp != nil {
		merged.CatchUp = *update.CatchUp
	}
	if update.Input != nil {
		merged.Input = update.Input
	}
	if update.Provider != nil {
		merged.Provider = *update.Provider
	}

	cronSched, loc, err := s.parseConfig(&merged)
	if err != nil {
		s.logger.Error(s.ctx, err.Error(), "schedule_id", id)
		return err
	}

	entry.schedule.Config = merged
	entry.cronSched = cronSched
	entry.loc = loc
	entry.schedule.UpdatedAt = s.clock.Now()

	if entry.schedule.Status == ScheduleStatusActive {
		s.armLocked(entry, s.clock.Now())
	}
	s.logger.Debug(s.ctx, "schedule updated", "schedule_id", id)
	return nil
}

// DeleteSchedule clears the timer and removes the record immediately.
func (s *Scheduler) DeleteSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.schedules[id]
	if !ok {
		return errors.Join(ErrScheduleNotFound, fmt.Errorf("schedule %s", id))
	}
	entry.gen++
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	delete(s.schedules, id)
	s.logger.Debug(s.ctx, "schedule deleted", "schedule_id", id)
	return nil
}

// GetSchedule returns a copy of the schedule record.
func (s *Scheduler) GetSchedule(id string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.schedules[id]
	if !ok {
		return nil, errors.Join(ErrScheduleNotFound, fmt.Errorf("schedule %s", id))
	}
	return copySchedule(entry.schedule), nil
}

// ListSchedules returns copies of every schedule record.
func (s *Scheduler) ListSchedules() []*Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schedules := make([]*Schedule, 0, len(s.schedules))
	for _, entry := range s.schedules {
		schedules = append(schedules, copySchedule(entry.schedule))
	}
	return schedules
}

// CatchUpMissedExecutions replays fire times missed since the last
// execution, sequentially oldest-first. A failed replay is logged and does
// not abort the remaining batch. Returns the number of successful replays.
func (s *Scheduler) CatchUpMissedExecutions(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	entry, ok := s.schedules[id]
	if !ok {
		s.mu.Unlock()
		return 0, errors.Join(ErrScheduleNotFound, fmt.Errorf("schedule %s", id))
	}
	if !entry.schedule.Config.CatchUp {
		s.mu.Unlock()
		return 0, errors.Join(ErrCatchUpDisabled, fmt.Errorf("schedule %s", id))
	}
	gen := entry.gen

	from := entry.schedule.CreatedAt
	if entry.schedule.LastExecution != nil {
		from = *entry.schedule.LastExecution
	}
	now := s.clock.Now()

	missed := make([]time.Time, 0)
	t := from.In(entry.loc)
	for len(missed) < maxCatchUpFires {
		fire := entry.nextFire(t)
		if fire == nil || fire.After(now) {
			break
		}
		missed = append(missed, *fire)
		t = *fire
	}

	workflowID := entry.schedule.WorkflowID
	input := entry.schedule.Config.Input
	provider := entry.schedule.Config.Provider
	s.mu.Unlock()

	if len(missed) == 0 {
		return 0, nil
	}
	s.logger.Debug(ctx, "catching up missed executions", "schedule_id", id, "missed", len(missed))

	executed := 0
	var lastFire *time.Time
	for _, fire := range missed {
		if _, err := s.registry.ExecuteWorkflowID(ctx, workflowID, input, provider); err != nil {
			s.logger.Error(ctx, "catch-up execution failed", "schedule_id", id, "fire_time", fire, "error", err)
			continue
		}
		executed++
		f := fire
		lastFire = &f
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok = s.schedules[id]
	if !ok || entry.gen != gen {
		return executed, nil
	}
	entry.schedule.ExecutionCount += executed
	if lastFire != nil {
		entry.schedule.LastExecution = lastFire
	}
	entry.schedule.UpdatedAt = s.clock.Now()
	if max := entry.schedule.Config.MaxExecutions; max > 0 && entry.schedule.ExecutionCount >= max {
		entry.gen++
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
		entry.schedule.Status = ScheduleStatusCompleted
		entry.schedule.NextExecution = nil
	} else if entry.schedule.Status == ScheduleStatusActive {
		s.armLocked(entry, s.clock.Now())
	}
	return executed, nil
}

func copySchedule(schedule *Schedule) *Schedule {
	cp := *schedule
	if schedule.NextExecution != nil {
		at := *schedule.NextExecution
		cp.NextExecution = &at
	}
	if schedule.LastExecution != nil {
		at := *schedule.LastExecution
		cp.LastExecution = &at
	}
	return &cp
}
