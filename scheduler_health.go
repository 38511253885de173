package flowlite

import (
	"fmt"
	"time"
)

// HealthLevel grades a schedule health finding.
type HealthLevel string

const (
	HealthLevelHealthy  HealthLevel = "healthy"
	HealthLevelWarning  HealthLevel = "warning"
	HealthLevelCritical HealthLevel = "critical"
)

// ScheduleHealth is one read-only health finding for a schedule.
type ScheduleHealth struct {
	ScheduleID string
	WorkflowID string
	Status     HealthLevel
	Details    []string
	CheckedAt  time.Time
}

// overdueThreshold flags a schedule critical when its next fire is this far
// in the past.
const overdueThreshold = 5 * time.Minute

// PerformHealthCheck inspects the given schedules (all of them when ids is
// empty) and never mutates schedule state. A schedule is critical when its
// next execution is more than 5 minutes overdue, and warned when the
// observed gap since the last execution exceeds twice the cadence implied by
// its cron expression.
func (s *Scheduler) PerformHealthCheck(ids ...string) []ScheduleHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*scheduleEntry, 0)
	if len(ids) == 0 {
		for _, entry := range s.schedules {
			entries = append(entries, entry)
		}
	} else {
		for _, id := range ids {
			if entry, ok := s.schedules[id]; ok {
				entries = append(entries, entry)
			}
		}
	}

	now := s.clock.Now()
	results := make([]ScheduleHealth, 0, len(entries))
	for _, entry := range entries {
		results = append(results, s.checkSchedule(entry, now))
	}
	return results
}

func (s *Scheduler) checkSchedule(entry *scheduleEntry, now time.Time) ScheduleHealth {
	health := ScheduleHealth{
		ScheduleID: entry.schedule.ID,
		WorkflowID: entry.schedule.WorkflowID,
		Status:     HealthLevelHealthy,
		CheckedAt:  now,
	}

	if entry.schedule.Status == ScheduleStatusError {
		health.Details = append(health.Details, fmt.Sprintf("schedule is in error state: %s", entry.schedule.LastError))
	}

	if entry.schedule.Status == ScheduleStatusActive && entry.schedule.NextExecution != nil {
		if overdue := now.Sub(*entry.schedule.NextExecution); overdue > overdueThreshold {
			health.Status = HealthLevelCritical
			health.Details = append(health.Details, fmt.Sprintf("next execution overdue by %s", overdue))
		}
	}

	if health.Status != HealthLevelCritical && entry.schedule.LastExecution != nil {
		expected := entry.cadence(now)
		if expected > 0 {
			if gap := now.Sub(*entry.schedule.LastExecution); gap > 2*expected {
				health.Status = HealthLevelWarning
				health.Details = append(health.Details, fmt.Sprintf("execution gap %s exceeds twice the expected cadence %s", gap, expected))
			}
		}
	}

	return health
}

// cadence derives the expected inter-execution interval from two
// consecutive cron fire times.
func (e *scheduleEntry) cadence(now time.Time) time.Duration {
	first := e.cronSched.Next(now.In(e.loc))
	if first.IsZero() {
		return 0
	}
	second := e.cronSched.Next(first)
	if second.IsZero() {
		return 0
	}
	return second.Sub(first)
}
