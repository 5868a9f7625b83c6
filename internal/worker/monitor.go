package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vaultflow/internal/models"
)

// MonitorTimeout bounds one monitor cycle
const MonitorTimeout = 30 * time.Second

// RunTracker is the part of the orchestrator the monitor drives
type RunTracker interface {
	RunsIn(step models.Step) []string
	CheckArrival(ctx context.Context, runID string) (bool, error)
	Prune(olderThan time.Duration) int
}

// Monitor probes every run waiting for bridged funds once per tick and
// prunes finished runs past the retention window
type Monitor struct {
	runs      RunTracker
	interval  time.Duration
	retention time.Duration
	logger    *zap.Logger
}

// NewMonitor creates an arrival monitor
func NewMonitor(runs RunTracker, interval, retention time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		runs:      runs,
		interval:  interval,
		retention: retention,
		logger:    logger.Named("monitor"),
	}
}

// Run starts the monitor polling loop
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Monitor started",
		zap.Duration("poll_interval", m.interval),
		zap.Duration("retention", m.retention))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor stopping")
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// poll executes one polling cycle
func (m *Monitor) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, MonitorTimeout)
	defer cancel()

	m.checkArrivals(pollCtx)

	if m.retention > 0 {
		if n := m.runs.Prune(m.retention); n > 0 {
			m.logger.Info("Pruned finished runs", zap.Int("count", n))
		}
	}
}

func (m *Monitor) checkArrivals(ctx context.Context) {
	waiting := m.runs.RunsIn(models.StepWaitingArrival)
	if len(waiting) == 0 {
		return
	}
	m.logger.Debug("Checking bridge arrivals", zap.Int("count", len(waiting)))

	for _, id := range waiting {
		select {
		case <-ctx.Done():
			return
		default:
		}

		arrived, err := m.runs.CheckArrival(ctx, id)
		if err != nil {
			m.logger.Warn("Failed to check arrival", zap.String("run_id", id), zap.Error(err))
			continue
		}
		if arrived {
			m.logger.Info("Bridge run settled", zap.String("run_id", id))
		}
	}
}
