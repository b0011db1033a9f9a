package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/betbot/bothost/pkg/sigchan"
	"github.com/sirupsen/logrus"
)

// DefaultSweepInterval 租约巡检周期
const DefaultSweepInterval = 5 * time.Minute

// SweepResult summarizes one sweep cycle.
type SweepResult struct {
	Expired      []string
	Checkpointed int
	Err          error
}

// LeaseManager reclaims bots whose paid lease has run out and periodically checkpoints
// the registry. Expiry is evaluated by polling, so a bot may overrun its lease by at most
// one sweep interval.
type LeaseManager struct {
	reg      *Registry
	interval time.Duration
	kick     *sigchan.Chan
	log      *logrus.Entry
}

// NewLeaseManager creates a lease manager; interval<=0 uses DefaultSweepInterval.
func NewLeaseManager(reg *Registry, interval time.Duration) *LeaseManager {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &LeaseManager{
		reg:      reg,
		interval: interval,
		kick:     sigchan.New(1),
		log:      reg.log.WithField("component", "lease"),
	}
}

// Interval returns the sweep period.
func (l *LeaseManager) Interval() time.Duration { return l.interval }

// Kick requests an immediate sweep without waiting for the next tick.
func (l *LeaseManager) Kick() { l.kick.Emit() }

// Run sweeps on every tick or kick until ctx is done.
func (l *LeaseManager) Run(ctx context.Context) {
	t := time.NewTicker(l.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-l.kick.C():
		}
		res := l.Sweep(ctx, l.reg.opts.Now())
		if res.Err != nil {
			l.log.WithError(res.Err).Error("sweep checkpoint failed")
		}
	}
}

// Sweep stops every running bot whose lease expiry is not after now, then checkpoints
// every record. One bot's failure never prevents the others from being processed.
func (l *LeaseManager) Sweep(ctx context.Context, now time.Time) SweepResult {
	var res SweepResult
	for _, m := range l.reg.snapshot() {
		if id, ok := l.reclaim(ctx, m, now); ok {
			res.Expired = append(res.Expired, id)
		}
	}

	res.Checkpointed, res.Err = l.reg.checkpoint(ctx)
	if len(res.Expired) > 0 {
		l.log.WithField("expired", res.Expired).Info("lease sweep reclaimed bots")
	}
	return res
}

func (l *LeaseManager) reclaim(ctx context.Context, m *managed, now time.Time) (id string, expired bool) {
	defer func() {
		if p := recover(); p != nil {
			l.log.WithField("bot_id", m.bot.ID).Errorf("lease reclaim panic: %v", p)
			expired = false
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	// 加锁后重新判断：所有者可能刚刚停止或重新启动
	if m.removed || m.proc == nil || m.bot.LeaseExpiry == nil || now.Before(*m.bot.LeaseExpiry) {
		return "", false
	}
	lease := *m.bot.LeaseExpiry
	l.reg.terminateLocked(m, fmt.Sprintf("lease expired at %s, bot stopped", lease.Format(logTimeLayout)))
	l.reg.persistLocked(ctx, m)
	l.log.WithFields(logrus.Fields{"bot_id": m.bot.ID, "lease_expiry": lease}).Info("lease expired")
	return m.bot.ID, true
}
