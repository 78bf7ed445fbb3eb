package server

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pesit-go/pesitd/internal/logger"
	"github.com/pesit-go/pesitd/pkg/config"
	"github.com/pesit-go/pesitd/pkg/journal"
)

// Maintenance runs the scheduled housekeeping: purging terminal journal
// records past their retention. Audit events age out on their own via
// store TTLs.
type Maintenance struct {
	cron      *cron.Cron
	journal   journal.Journal
	retention time.Duration
}

// NewMaintenance builds the scheduler from the maintenance config.
// Returns nil when no schedule is configured.
func NewMaintenance(cfg config.MaintenanceConfig, j journal.Journal) (*Maintenance, error) {
	if cfg.PurgeSchedule == "" {
		return nil, nil
	}
	m := &Maintenance{
		cron:      cron.New(),
		journal:   j,
		retention: cfg.PurgeRetention,
	}
	if _, err := m.cron.AddFunc(cfg.PurgeSchedule, m.purge); err != nil {
		return nil, err
	}
	return m, nil
}

// Start begins running the schedule.
func (m *Maintenance) Start() {
	if m == nil {
		return
	}
	m.cron.Start()
	logger.Info("maintenance scheduler started", "retention", m.retention)
}

// Stop halts the schedule, waiting for a running job to finish.
func (m *Maintenance) Stop() {
	if m == nil {
		return
	}
	<-m.cron.Stop().Done()
}

func (m *Maintenance) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-m.retention)
	removed, err := m.journal.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		logger.Error("journal purge failed", logger.KeyError, err)
		return
	}
	logger.Info("journal purge completed", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
}
