package daemon

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// startMaintenance schedules the housekeeping jobs
func (d *Daemon) startMaintenance() error {
	c := cron.New()
	if _, err := c.AddFunc(d.cfg.Maintenance.PruneSchedule, d.pruneEvents); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", d.cfg.Maintenance.PruneSchedule, err)
	}
	d.cron = c
	c.Start()
	slog.Debug("Maintenance jobs scheduled", "prune", d.cfg.Maintenance.PruneSchedule)
	return nil
}

// pruneEvents removes events older than the configured retention
func (d *Daemon) pruneEvents() {
	before := time.Now().Add(-d.cfg.Maintenance.EventRetention)
	n, err := d.database.PruneEvents(before)
	if err != nil {
		slog.Error("Failed to prune events", "error", err)
		return
	}
	if n > 0 {
		slog.Info(fmt.Sprintf("Pruned %d event(s) older than %s", n, before.Format(time.DateTime)))
	}
}
