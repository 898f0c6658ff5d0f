package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/feihe/courier/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Cleanup archives idle sessions and deletes stale archives on a cron
// schedule.
type Cleanup struct {
	manager   *Manager
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	retention time.Duration
	schedule  string
	cron      *cron.Cron
}

// CleanupConfig configures session cleanup
type CleanupConfig struct {
	Manager       *Manager
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
	RetentionDays int
	// Schedule is a standard 5-field cron expression
	Schedule string
}

// NewCleanup creates a cleanup handler
func NewCleanup(cfg CleanupConfig) (*Cleanup, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("session manager is required")
	}

	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = 30
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "0 3 * * *"
	}

	return &Cleanup{
		manager:   cfg.Manager,
		logger:    cfg.Logger.With().Str("component", "session-cleanup").Logger(),
		metrics:   cfg.Metrics,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		schedule:  schedule,
		cron:      cron.New(),
	}, nil
}

// Start registers the cron job and begins the schedule
func (c *Cleanup) Start() error {
	_, err := c.cron.AddFunc(c.schedule, func() {
		if err := c.RunOnce(); err != nil {
			c.logger.Error().Err(err).Msg("Session cleanup failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", c.schedule, err)
	}

	c.cron.Start()
	c.logger.Info().Str("schedule", c.schedule).Dur("retention", c.retention).Msg("Session cleanup scheduled")
	return nil
}

// Stop stops the schedule, waiting for a running job to finish
func (c *Cleanup) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

// RunOnce performs one cleanup pass: sessions idle past the retention
// window are archived, and archives idle past twice the window are
// deleted.
func (c *Cleanup) RunOnce() error {
	keys, err := c.manager.List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	now := time.Now()
	archived := 0

	for _, key := range keys {
		last, err := c.manager.LastActivity(key)
		if err != nil {
			c.logger.Warn().Str("session_key", key).Err(err).Msg("Failed to stat session")
			continue
		}

		if now.Sub(last) < c.retention {
			continue
		}

		if err := c.manager.Archive(key); err != nil {
			c.logger.Warn().Str("session_key", key).Err(err).Msg("Failed to archive session")
			continue
		}
		archived++
		if c.metrics != nil {
			c.metrics.SessionsArchived.Inc()
		}
	}

	deleted, err := c.deleteStaleArchives(now)
	if err != nil {
		return err
	}

	if archived > 0 || deleted > 0 {
		c.logger.Info().Int("archived", archived).Int("deleted", deleted).Msg("Session cleanup pass finished")
	}

	if c.metrics != nil {
		if remaining, err := c.manager.List(); err == nil {
			c.metrics.SessionsActive.Set(float64(len(remaining)))
		}
	}

	return nil
}

func (c *Cleanup) deleteStaleArchives(now time.Time) (int, error) {
	entries, err := os.ReadDir(c.manager.Dir())
	if err != nil {
		return 0, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".archived") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < 2*c.retention {
			continue
		}

		path := filepath.Join(c.manager.Dir(), entry.Name())
		if err := os.Remove(path); err != nil {
			c.logger.Warn().Str("file", entry.Name()).Err(err).Msg("Failed to delete archive")
			continue
		}
		deleted++
	}

	return deleted, nil
}
