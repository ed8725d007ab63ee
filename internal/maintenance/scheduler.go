// Package maintenance periodically prunes retained transaction stats and
// archived history.
package maintenance

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/txmanager/internal/config"
	"github.com/saltyorg/txmanager/internal/database"
	"github.com/saltyorg/txmanager/internal/web/sse"
)

// StatsPruner drops in-memory stats. *txmanager.Manager satisfies it.
type StatsPruner interface {
	PruneStats(olderThan time.Duration) int
}

// Store is the archive side. *database.DB satisfies it.
type Store interface {
	PruneHistory(olderThan time.Duration) (int64, error)
	Optimize() error
	Vacuum() error
}

// vacuumThreshold is how many pruned history rows trigger a VACUUM
const vacuumThreshold = 10000

// Config holds maintenance settings
type Config struct {
	Schedule         string
	StatsRetention   time.Duration
	HistoryRetention time.Duration // 0 = keep history forever
}

// DefaultConfig returns default maintenance configuration
func DefaultConfig() Config {
	return Config{
		Schedule:         "@every 15m",
		StatsRetention:   time.Hour,
		HistoryRetention: 7 * 24 * time.Hour,
	}
}

// LoadConfig reads maintenance settings, falling back to DefaultConfig
func LoadConfig(settings config.SettingsGetter) Config {
	d := DefaultConfig()
	loader := config.NewLoader(settings)
	return Config{
		Schedule:         loader.String(database.SettingMaintenanceCron, d.Schedule),
		StatsRetention:   loader.Duration(database.SettingStatsRetention, d.StatsRetention),
		HistoryRetention: loader.Duration(database.SettingHistoryRetention, d.HistoryRetention),
	}
}

// Result describes one maintenance pass
type Result struct {
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration_ns"`
	StatsPruned   int           `json:"stats_pruned"`
	HistoryPruned int64         `json:"history_pruned"`
	Error         string        `json:"error,omitempty"`
}

// Status reports scheduler state
type Status struct {
	Running  bool       `json:"running"`
	Schedule string     `json:"schedule"`
	LastRun  *Result    `json:"last_run,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"`
}

// Scheduler runs maintenance on a cron schedule
type Scheduler struct {
	manager   StatsPruner
	store     Store
	config    Config
	cron      *cron.Cron
	entryID   cron.EntryID
	sseBroker *sse.Broker
	mu        sync.RWMutex
	running   bool
	lastRun   *Result
}

// New creates a scheduler. store may be nil when no archive is kept.
func New(manager StatsPruner, store Store, cfg Config) *Scheduler {
	return &Scheduler{
		manager: manager,
		store:   store,
		config:  cfg,
		cron:    cron.New(),
	}
}

// SetSSEBroker sets the SSE broker for broadcasting events
func (s *Scheduler) SetSSEBroker(broker *sse.Broker) {
	s.sseBroker = broker
}

// Start schedules maintenance and starts the cron runner
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	id, err := s.cron.AddFunc(s.config.Schedule, func() { s.RunNow() })
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	s.running = true

	log.Info().
		Str("schedule", s.config.Schedule).
		Dur("stats_retention", s.config.StatsRetention).
		Dur("history_retention", s.config.HistoryRetention).
		Msg("Maintenance scheduler started")
	return nil
}

// Stop stops the scheduler and waits for a running pass to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cron.Remove(s.entryID)
	s.entryID = 0
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info().Msg("Maintenance scheduler stopped")
}

// RunNow performs one maintenance pass
func (s *Scheduler) RunNow() Result {
	start := time.Now()
	result := Result{StartedAt: start}

	if s.config.StatsRetention > 0 {
		result.StatsPruned = s.manager.PruneStats(s.config.StatsRetention)
	}

	if s.store != nil {
		if s.config.HistoryRetention > 0 {
			n, err := s.store.PruneHistory(s.config.HistoryRetention)
			if err != nil {
				log.Error().Err(err).Msg("Failed to prune transaction history")
				result.Error = err.Error()
			}
			result.HistoryPruned = n
			if n >= vacuumThreshold {
				if err := s.store.Vacuum(); err != nil {
					log.Warn().Err(err).Msg("Failed to vacuum state database")
				}
			}
		}
		if err := s.store.Optimize(); err != nil {
			log.Warn().Err(err).Msg("Failed to optimize state database")
		}
	}

	result.Duration = time.Since(start)

	s.mu.Lock()
	s.lastRun = &result
	s.mu.Unlock()

	log.Debug().
		Int("stats_pruned", result.StatsPruned).
		Int64("history_pruned", result.HistoryPruned).
		Dur("duration", result.Duration).
		Msg("Maintenance pass finished")

	if s.sseBroker != nil {
		s.sseBroker.Broadcast(sse.Event{Type: sse.EventMaintenance, Data: result})
	}
	return result
}

// Status returns the current scheduler status
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		Running:  s.running,
		Schedule: s.config.Schedule,
		LastRun:  s.lastRun,
	}
	if s.entryID != 0 {
		entry := s.cron.Entry(s.entryID)
		if !entry.Next.IsZero() {
			status.NextRun = &entry.Next
		}
	}
	return status
}
