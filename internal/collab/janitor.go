package collab

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gridcollab/pkg/logger"
)

// Janitor periodically forgets long-offline members and idle conflict windows.
type Janitor struct {
	Store     *Store
	Detector  *Detector
	Retention time.Duration
	Interval  time.Duration
	Logger    *zap.SugaredLogger
}

// Run sweeps on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	interval := j.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			j.Sweep(now)
		}
	}
}

// Sweep runs one pass and reports what it removed.
func (j *Janitor) Sweep(now time.Time) (users, windows int) {
	if j.Store != nil {
		users = j.Store.PruneOffline(j.Retention)
	}
	if j.Detector != nil {
		windows = j.Detector.Sweep(now)
	}
	if users > 0 || windows > 0 {
		log := j.Logger
		if log == nil {
			log = logger.Sugar
		}
		log.Infof("Janitor pruned %d offline users and %d idle conflict windows", users, windows)
	}
	return users, windows
}
