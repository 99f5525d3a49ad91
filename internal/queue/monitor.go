package queue

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"github.com/redis/go-redis/v9"
)

// DefaultPingInterval is used when NewMonitor is given a zero interval.
const DefaultPingInterval = 10 * time.Second

// Monitor tracks whether the queue connection is usable by pinging it on a
// jittered interval.
type Monitor struct {
	rc       redis.UniversalClient
	interval time.Duration
	logger   *slog.Logger

	connected atomic.Bool
}

// NewMonitor creates a monitor. Connected reports false until the first ping
// succeeds.
func NewMonitor(rc redis.UniversalClient, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	return &Monitor{rc: rc, interval: interval, logger: logger}
}

// Connected reports the result of the latest ping.
func (m *Monitor) Connected() bool {
	return m.connected.Load()
}

// Check pings the queue once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err := m.rc.Ping(pctx).Err()
	ok := err == nil
	was := m.connected.Swap(ok)
	switch {
	case !ok && was:
		m.logger.Warn("queue connection lost", "error", err)
	case ok && !was:
		m.logger.Info("queue connection established")
	}
	return ok
}

// Run pings until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)

	t := jitterbug.New(m.interval, &jitterbug.Norm{Stdev: m.interval / 10})
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			m.connected.Store(false)
			return nil
		case <-t.C:
			m.Check(ctx)
		}
	}
}
