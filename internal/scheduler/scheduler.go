// Package scheduler registers cron jobs for projects carrying a schedule and
// dispatches run commands through the same channel a user would use.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/seopages/spiderworker/internal/domain"
	"github.com/seopages/spiderworker/internal/keys"
	"github.com/seopages/spiderworker/internal/logger"
)

// ProjectStore is the project-row surface the scheduler needs.
type ProjectStore interface {
	GetByID(ctx context.Context, id int64) (*domain.Project, error)
	ListScheduled(ctx context.Context) ([]*domain.Project, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	SetLastError(ctx context.Context, id int64, lastErr string) error
	UpdateSchedule(ctx context.Context, id int64, schedule string, enabled bool) error
}

// Scheduler owns the cron runner and the per-project entry registry.
type Scheduler struct {
	cron     *cron.Cron
	projects ProjectStore
	client   *redis.Client
	log      logger.Logger

	mu      sync.Mutex
	entries map[int64]cron.EntryID
}

// New creates a Scheduler. Each project job runs at most one instance at a
// time; overlapping fires are skipped, and panics inside jobs are recovered.
func New(client *redis.Client, projects ProjectStore, log logger.Logger) *Scheduler {
	cl := &cronLogger{log: log}
	parser := cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
		),
		projects: projects,
		client:   client,
		log:      log,
		entries:  make(map[int64]cron.EntryID),
	}
}

// Start loads every enabled project with a schedule and begins firing.
func (s *Scheduler) Start(ctx context.Context) error {
	projects, err := s.projects.ListScheduled(ctx)
	if err != nil {
		return fmt.Errorf("load scheduled projects: %w", err)
	}

	for _, project := range projects {
		if err := s.register(project.ID, project.Schedule.String); err != nil {
			s.log.Error("schedule registration failed",
				logger.Int64("project_id", project.ID),
				logger.Error(err))
		}
	}

	s.cron.Start()
	s.log.Info("scheduler started", logger.Int("jobs", len(projects)))
	return nil
}

// Stop halts firing and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// UpdateSchedule persists a new schedule JSON and re-registers the job.
// An empty schedule or enabled=false removes the job.
func (s *Scheduler) UpdateSchedule(ctx context.Context, projectID int64, scheduleJSON string, enabled bool) error {
	if scheduleJSON != "" {
		if _, err := domain.ParseSchedule(scheduleJSON); err != nil {
			return err
		}
	}

	if err := s.projects.UpdateSchedule(ctx, projectID, scheduleJSON, enabled); err != nil {
		return err
	}

	s.unregister(projectID)
	if enabled && scheduleJSON != "" {
		return s.register(projectID, scheduleJSON)
	}
	return nil
}

// RemoveSchedule drops the project's cron job, leaving the row untouched.
func (s *Scheduler) RemoveSchedule(projectID int64) {
	s.unregister(projectID)
}

// register compiles the schedule JSON and adds a cron entry for the project.
func (s *Scheduler) register(projectID int64, scheduleJSON string) error {
	schedule, err := domain.ParseSchedule(scheduleJSON)
	if err != nil {
		return err
	}

	spec, err := CronSpec(schedule)
	if err != nil {
		return err
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		s.fire(projectID)
	})
	if err != nil {
		return fmt.Errorf("add cron entry: %w", err)
	}

	s.mu.Lock()
	if old, ok := s.entries[projectID]; ok {
		s.cron.Remove(old)
	}
	s.entries[projectID] = entryID
	s.mu.Unlock()

	s.log.Info("schedule registered",
		logger.Int64("project_id", projectID),
		logger.String("spec", spec))
	return nil
}

// unregister removes the project's cron entry if one exists.
func (s *Scheduler) unregister(projectID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[projectID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, projectID)
	}
}

// fire runs when a project's schedule triggers: re-check the row, mark it
// running, and dispatch a run command through the normal command channel.
func (s *Scheduler) fire(projectID int64) {
	ctx := context.Background()

	project, err := s.projects.GetByID(ctx, projectID)
	if err != nil {
		s.log.Error("scheduled project load failed",
			logger.Int64("project_id", projectID),
			logger.Error(err))
		return
	}

	if !project.Enabled {
		s.log.Info("schedule fired for disabled project, skipping",
			logger.Int64("project_id", projectID))
		return
	}
	if project.Status == domain.ProjectStatusRunning {
		s.log.Info("schedule fired while project still running, skipping",
			logger.Int64("project_id", projectID))
		return
	}

	if err := s.projects.UpdateStatus(ctx, projectID, domain.ProjectStatusRunning); err != nil {
		s.log.Error("status update failed", logger.Int64("project_id", projectID), logger.Error(err))
	}

	payload, err := json.Marshal(map[string]any{
		"action":     "run",
		"project_id": projectID,
	})
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, keys.SpiderCommands, payload).Err(); err != nil {
		s.log.Error("run dispatch failed", logger.Int64("project_id", projectID), logger.Error(err))
		if dbErr := s.projects.SetLastError(ctx, projectID, "schedule dispatch: "+err.Error()); dbErr != nil {
			s.log.Error("last-error write failed", logger.Error(dbErr))
		}
		return
	}

	s.log.Info("scheduled run dispatched", logger.Int64("project_id", projectID))
}

// CronSpec compiles a validated schedule into a cron expression. Weekly days
// are 0=Sunday..6=Saturday in both the schedule JSON and the cron grammar,
// so they pass through unchanged.
func CronSpec(s *domain.Schedule) (string, error) {
	switch s.Type {
	case domain.ScheduleIntervalMinutes:
		return fmt.Sprintf("@every %dm", s.Interval), nil
	case domain.ScheduleIntervalHours:
		return fmt.Sprintf("@every %dh", s.Interval), nil
	case domain.ScheduleDaily:
		hour, minute := splitTime(s.Time)
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case domain.ScheduleWeekly:
		hour, minute := splitTime(s.Time)
		return fmt.Sprintf("%d %d * * %s", minute, hour, joinInts(s.Days)), nil
	case domain.ScheduleMonthly:
		hour, minute := splitTime(s.Time)
		return fmt.Sprintf("%d %d %s * *", minute, hour, joinInts(s.Dates)), nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", domain.ErrInvalidSchedule, s.Type)
	}
}

// splitTime parses a validated "HH:MM" string.
func splitTime(t string) (hour, minute int) {
	parts := strings.SplitN(t, ":", 2)
	hour, _ = strconv.Atoi(parts[0])
	minute, _ = strconv.Atoi(parts[1])
	return hour, minute
}

// joinInts renders a cron list field.
func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// cronLogger adapts the application logger to the cron library's interface.
type cronLogger struct {
	log logger.Logger
}

func (c *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug(msg, logger.Any("details", keysAndValues))
}

func (c *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error(msg, logger.Error(err), logger.Any("details", keysAndValues))
}
