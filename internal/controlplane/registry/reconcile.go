package registry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/betbot/bothost/internal/domain"
	"github.com/sirupsen/logrus"
)

// DefaultResumeDelay 启动后延迟多久恢复之前在运行的机器人
const DefaultResumeDelay = 2 * time.Second

// Resume names a bot that was running before the supervisor went down.
type Resume struct {
	BotID string
	Owner string
}

// Loader rebuilds the registry at boot from the durable store and the bots root.
type Loader struct {
	Options   Options
	Store     Store
	Admission Admission
	Ownership Ownership
	Spawner   Spawner
}

// Load resets every durable running status to stopped, scans the bots root and returns a
// registry in which every bot is stopped, plus one Resume per bot that was running.
func (ld Loader) Load(ctx context.Context) (*Registry, []Resume, error) {
	reg := New(ld.Options, ld.Store, ld.Admission, ld.Ownership, ld.Spawner)
	log := reg.log.WithField("phase", "reconcile")

	recs, err := ld.Store.LoadAll(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load bot states: %w", err)
	}
	saved := make(map[string]domain.Record, len(recs))
	wasRunning := make(map[string]bool)
	for _, rec := range recs {
		saved[rec.BotID] = rec
		if rec.Status == domain.StatusRunning {
			wasRunning[rec.BotID] = true
		}
	}
	// 先把持久化状态全部复位，任何恢复动作都发生在这之后
	if err := ld.Store.ResetRunning(ctx); err != nil {
		return nil, nil, fmt.Errorf("reset running states: %w", err)
	}

	root := reg.opts.BotsRoot
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create bots root %s: %w", root, err)
	}
	items, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, fmt.Errorf("read bots root %s: %w", root, err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name() < items[j].Name() })

	var merged []domain.Record
	for _, it := range items {
		b, err := Describe(root, it.Name(), reg.opts.EntrySearchDepth)
		if err != nil {
			log.WithError(err).WithField("item", it.Name()).Debug("skip item without entry point")
			continue
		}
		if rec, ok := saved[b.ID]; ok {
			b.Owner = rec.Owner
			b.InstallCommand = rec.InstallCommand
		}
		kind := "file"
		if b.IsFolder() {
			kind = "folder"
		}
		if _, err := reg.insert(b, fmt.Sprintf("[%s] [info] loaded existing bot (%s): %s", reg.stamp(), kind, b.ID)); err != nil {
			log.WithError(err).Warn("duplicate bot id on disk")
			continue
		}
		merged = append(merged, b.Record())
	}

	if len(merged) > 0 {
		if err := ld.Store.SaveAll(ctx, merged); err != nil {
			return nil, nil, fmt.Errorf("persist reconciled states: %w", err)
		}
	}

	var resumes []Resume
	for _, rec := range recs {
		b, err := reg.Get(rec.BotID)
		if err != nil {
			// 文件已经不在了
			if err := ld.Store.Delete(ctx, rec.BotID); err != nil {
				log.WithError(err).WithField("bot_id", rec.BotID).Warn("purge stale record failed")
			}
			continue
		}
		if b.Owner != "" && ld.Ownership != nil {
			if err := ld.Ownership.EnsureOwned(ctx, b.Owner, b.ID); err != nil {
				log.WithError(err).WithField("bot_id", b.ID).Warn("ownership index repair failed")
			}
		}
		if wasRunning[b.ID] {
			resumes = append(resumes, Resume{BotID: b.ID, Owner: b.Owner})
		}
	}
	sort.Slice(resumes, func(i, j int) bool { return resumes[i].BotID < resumes[j].BotID })

	log.WithFields(logrus.Fields{
		"bots":    len(merged),
		"records": len(recs),
		"resumes": len(resumes),
	}).Info("registry reconciled")
	return reg, resumes, nil
}

// ScheduleResume waits delay and then starts every resumed bot as its owner. Bots without
// an owner are skipped. It blocks until all starts were attempted or ctx is done.
func (r *Registry) ScheduleResume(ctx context.Context, resumes []Resume, delay time.Duration) int {
	if len(resumes) == 0 {
		return 0
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return 0
		case <-t.C:
		}
	}

	started := 0
	for _, rs := range resumes {
		if ctx.Err() != nil {
			break
		}
		log := r.log.WithFields(logrus.Fields{"bot_id": rs.BotID, "owner": rs.Owner})
		if rs.Owner == "" {
			log.Warn("resume skipped, bot has no owner")
			continue
		}
		outcome, err := r.Start(ctx, rs.BotID, rs.Owner)
		if err != nil {
			log.WithError(err).Warn("resume failed")
			continue
		}
		if outcome == domain.OutcomeStarted {
			started++
		}
		log.WithField("outcome", outcome).Info("bot resumed")
	}
	return started
}
