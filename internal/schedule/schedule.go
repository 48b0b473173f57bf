// Package schedule starts patrols at configured times of day. A plain poll
// loop checks the schedule table at a fixed interval; an in-memory seen-set
// keyed by entry id and date guarantees at most one firing per entry per
// day for the lifetime of the process.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sigma-snaken/sigma-patrol/internal/logging"
	"github.com/sigma-snaken/sigma-patrol/internal/metrics"
	"github.com/sigma-snaken/sigma-patrol/internal/model"
)

// DefaultPollInterval is how often the schedule table is re-read.
const DefaultPollInterval = 30 * time.Second

// StartFunc launches a patrol run. An already-running rejection is expected
// and logged, not retried.
type StartFunc func(ctx context.Context) error

type entrySource interface {
	ListSchedules(ctx context.Context) ([]model.ScheduleEntry, error)
}

// Config tunes the scheduler.
type Config struct {
	PollInterval time.Duration
	Location     *time.Location
	Logger       logging.Logger
	Metrics      *metrics.Metrics

	// matchWindow bounds how long after its time-of-day an entry may still
	// fire: twice the poll interval, so one missed tick cannot skip an
	// entry but a daemon started at noon never fires a 09:00 entry.
	matchWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	c.matchWindow = 2 * c.PollInterval
	if c.Location == nil {
		c.Location = time.Local
	}
	c.Logger = logging.OrNop(c.Logger)
	return c
}

// Scheduler polls schedule entries and fires patrol starts.
type Scheduler struct {
	source entrySource
	start  StartFunc
	cfg    Config

	mu       sync.Mutex
	seen     map[string]struct{}
	seenDate string

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New builds a scheduler reading entries from source.
func New(source entrySource, start StartFunc, cfg Config) *Scheduler {
	return &Scheduler{
		source: source,
		start:  start,
		cfg:    cfg.withDefaults(),
		seen:   make(map[string]struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the poll loop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
	s.cfg.Logger.Info("scheduler started, polling every %s", s.cfg.PollInterval)
}

// Stop halts the poll loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkOnce(ctx, time.Now().In(s.cfg.Location))
		}
	}
}

// checkOnce evaluates every entry against now and fires the due ones.
func (s *Scheduler) checkOnce(ctx context.Context, now time.Time) {
	entries, err := s.source.ListSchedules(ctx)
	if err != nil {
		s.cfg.Logger.Warn("read schedule entries failed: %v", err)
		return
	}
	date := now.Format("2006-01-02")
	s.pruneSeen(date)

	for _, entry := range entries {
		if !entry.Enabled || !entry.MatchesDay(now.Weekday()) {
			continue
		}
		target, err := entryTime(entry, now)
		if err != nil {
			s.cfg.Logger.Warn("schedule entry %s has invalid time %q: %v", entry.ID, entry.TimeOfDay, err)
			continue
		}
		elapsed := now.Sub(target)
		if elapsed < 0 || elapsed >= s.cfg.matchWindow {
			continue
		}
		key := entry.TriggerKey(date)
		if !s.markSeen(key) {
			continue
		}
		s.cfg.Metrics.IncSchedulerFire()
		s.cfg.Logger.Info("schedule entry %s due (%s), starting patrol", entry.ID, entry.TimeOfDay)
		if err := s.start(ctx); err != nil {
			s.cfg.Logger.Warn("scheduled start for entry %s rejected: %v", entry.ID, err)
		}
	}
}

// markSeen records the trigger key, returning false when already present.
func (s *Scheduler) markSeen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

func (s *Scheduler) pruneSeen(date string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenDate != date {
		s.seen = make(map[string]struct{})
		s.seenDate = date
	}
}

func entryTime(entry model.ScheduleEntry, now time.Time) (time.Time, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(entry.TimeOfDay, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, err
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("out of range")
	}
	return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location()), nil
}
