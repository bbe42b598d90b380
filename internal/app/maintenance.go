package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"elitebot/internal/config"
	"elitebot/internal/ratelimit"
	"elitebot/internal/storage"
	logx "elitebot/pkg/logx"
)

const (
	defaultPruneSchedule = "0 4 * * *"
	defaultSweepSchedule = "@every 1h"

	// sweepMaxIdle is how long a memory-limiter key may sit untouched before
	// the sweep drops it. Comfortably larger than any window in use.
	sweepMaxIdle = 24 * time.Hour

	jobTimeout = time.Minute
)

// maintenance runs the cron-driven housekeeping: pruning old audit records
// and sweeping stale in-process limiter keys.
type maintenance struct {
	cfg   config.MaintenanceConfig
	store *storage.Store
	mem   *ratelimit.Memory // nil when the redis backend is active
	log   logx.Logger

	cron *cron.Cron
}

func newMaintenance(cfg config.MaintenanceConfig, store *storage.Store, mem *ratelimit.Memory, log logx.Logger) *maintenance {
	if cfg.AuditRetentionDays <= 0 {
		cfg.AuditRetentionDays = 90
	}
	if cfg.PruneSchedule == "" {
		cfg.PruneSchedule = defaultPruneSchedule
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = defaultSweepSchedule
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &maintenance{cfg: cfg, store: store, mem: mem, log: log, cron: cron.New()}
}

func (m *maintenance) Start() {
	if _, err := m.cron.AddFunc(m.cfg.PruneSchedule, m.pruneAudit); err != nil {
		m.log.Warn("invalid prune schedule; audit pruning disabled",
			logx.String("schedule", m.cfg.PruneSchedule), logx.Err(err))
	}
	if m.mem != nil {
		if _, err := m.cron.AddFunc(m.cfg.SweepSchedule, m.sweepLimiter); err != nil {
			m.log.Warn("invalid sweep schedule; limiter sweeping disabled",
				logx.String("schedule", m.cfg.SweepSchedule), logx.Err(err))
		}
	}
	m.cron.Start()
}

func (m *maintenance) Stop() {
	<-m.cron.Stop().Done()
}

func (m *maintenance) pruneAudit() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	cutoff := time.Now().AddDate(0, 0, -m.cfg.AuditRetentionDays)
	n, err := m.store.PruneAudit(ctx, cutoff)
	if err != nil {
		m.log.Warn("audit prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		m.log.Info("audit records pruned", logx.Int64("removed", n), logx.Time("cutoff", cutoff))
	}
}

func (m *maintenance) sweepLimiter() {
	removed := m.mem.Sweep(sweepMaxIdle)
	if removed > 0 {
		m.log.Debug("stale limiter keys swept",
			logx.Int("removed", removed), logx.Int("remaining", m.mem.Len()))
	}
}
