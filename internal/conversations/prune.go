package conversations

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultRetentionDays is how long conversations are kept without updates.
const DefaultRetentionDays = 30

// Pruner runs an immediate prune and then a daily scheduled one for as long
// as the process lives.
type Pruner struct {
	store  Store
	maxAge int
	cron   *cron.Cron
	logger *slog.Logger
}

// NewPruner creates a pruner over the store. maxAgeDays <= 0 uses the
// default retention.
func NewPruner(store Store, maxAgeDays int, logger *slog.Logger) *Pruner {
	if maxAgeDays <= 0 {
		maxAgeDays = DefaultRetentionDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		store:  store,
		maxAge: maxAgeDays,
		logger: logger.With("component", "pruner"),
	}
}

// Start prunes once immediately, then daily at 03:00 local time.
func (p *Pruner) Start() error {
	if _, err := p.store.Prune(p.maxAge); err != nil {
		p.logger.Warn("startup prune failed", "error", err)
	}

	p.cron = cron.New()
	_, err := p.cron.AddFunc("0 3 * * *", func() {
		if _, err := p.store.Prune(p.maxAge); err != nil {
			p.logger.Warn("scheduled prune failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	p.cron.Start()
	return nil
}

// Stop halts the schedule.
func (p *Pruner) Stop() {
	if p.cron != nil {
		p.cron.Stop()
	}
}
