// Package registry is the in-memory authority over bot state. It serializes every
// transition per bot id, drives the process supervisor and keeps the durable store in step.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/betbot/bothost/internal/controlplane/procsup"
	"github.com/betbot/bothost/internal/domain"
	"github.com/betbot/bothost/pkg/logbuffer"
	"github.com/sirupsen/logrus"
)

const (
	DefaultStartCost        = 15
	DefaultLeaseDuration    = 24 * time.Hour
	DefaultLogTail          = 50
	DefaultEntrySearchDepth = 4

	// 伪命令：不转发给进程
	CommandClear     = "/clear"
	CommandLogPrefix = "/log "

	logTimeLayout = "2006-01-02 15:04:05"
)

var (
	// ErrClosing is returned by Start once Close has begun.
	ErrClosing = errors.New("registry is shutting down")
	// ErrStopPending is returned by Start when the previous process outlived its
	// termination window.
	ErrStopPending = errors.New("previous process is still exiting")
)

// 等待上一个进程退出时，在宽限期之外额外等待的时间
const stopWaitMargin = time.Second

// Store is the durable per-bot record store.
type Store interface {
	LoadAll(ctx context.Context) ([]domain.Record, error)
	Save(ctx context.Context, rec domain.Record) error
	SaveAll(ctx context.Context, recs []domain.Record) error
	Delete(ctx context.Context, botID string) error
	ResetRunning(ctx context.Context) error
}

// Admission debits credits before a start. It returns domain.ErrInsufficientCredits
// without mutating anything when the balance is too low.
type Admission interface {
	TryDebit(ctx context.Context, username string, amount int) error
}

// Ownership maintains the user -> bots index.
type Ownership interface {
	EnsureOwned(ctx context.Context, username, botID string) error
	Disown(ctx context.Context, username, botID string) error
}

// Spawner launches bot processes.
type Spawner interface {
	Spawn(ctx context.Context, b domain.Bot, sink procsup.OutputSink) (procsup.Process, error)
}

// Options 运行参数，零值字段使用默认值
type Options struct {
	BotsRoot         string
	Admins           []string
	StartCost        int
	LeaseDuration    time.Duration
	GraceWindow      time.Duration
	LogCapacity      int
	LogTail          int
	EntrySearchDepth int
	Now              func() time.Time
	Logger           *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.StartCost <= 0 {
		o.StartCost = DefaultStartCost
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = DefaultLeaseDuration
	}
	if o.GraceWindow <= 0 {
		o.GraceWindow = procsup.DefaultGraceWindow
	}
	if o.LogCapacity <= 0 {
		o.LogCapacity = logbuffer.DefaultCapacity
	}
	if o.LogTail <= 0 {
		o.LogTail = DefaultLogTail
	}
	if o.EntrySearchDepth <= 0 {
		o.EntrySearchDepth = DefaultEntrySearchDepth
	}
	if len(o.Admins) == 0 {
		o.Admins = []string{"admin"}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

// managed 单个机器人的运行时状态；mu 串行化该机器人的所有状态转换
type managed struct {
	mu   sync.Mutex
	bot  domain.Bot
	proc procsup.Process
	// 已发出终止信号但还没退出的进程；Start 必须等它退出
	stopping procsup.Process
	logs     *logbuffer.Buffer
	removed  bool

	// 每次 spawn 递增；旧进程的输出不会写进新一轮的日志
	gen atomic.Uint64
}

func (m *managed) appendLog(line string) {
	m.logs.Append(line)
}

// Registry owns every known bot. The map lock only guards lookups, inserts and removals;
// operations on different bots never contend on it for longer than a map access.
type Registry struct {
	opts      Options
	store     Store
	admission Admission
	ownership Ownership
	spawner   Spawner
	admins    map[string]struct{}
	log       *logrus.Entry

	mu   sync.RWMutex
	bots map[string]*managed

	closing  atomic.Bool
	watchers sync.WaitGroup
}

// New builds an empty registry. Bots are added by RegisterUploaded or by the loader.
func New(opts Options, store Store, admission Admission, ownership Ownership, spawner Spawner) *Registry {
	opts = opts.withDefaults()
	admins := make(map[string]struct{}, len(opts.Admins))
	for _, a := range opts.Admins {
		if a = strings.TrimSpace(a); a != "" {
			admins[a] = struct{}{}
		}
	}
	return &Registry{
		opts:      opts,
		store:     store,
		admission: admission,
		ownership: ownership,
		spawner:   spawner,
		admins:    admins,
		log:       opts.Logger.WithField("component", "registry"),
		bots:      make(map[string]*managed),
	}
}

// IsAdmin reports whether username is in the admin set.
func (r *Registry) IsAdmin(username string) bool {
	_, ok := r.admins[username]
	return ok
}

func (r *Registry) stamp() string {
	return r.opts.Now().Format(logTimeLayout)
}

func (r *Registry) lookup(id string) (*managed, error) {
	r.mu.RLock()
	m, ok := r.bots[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return m, nil
}

// lockBot 查找并加锁；调用方负责 Unlock
func (r *Registry) lockBot(id string) (*managed, error) {
	m, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.removed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return m, nil
}

func (r *Registry) authorizeLocked(m *managed, requester string) error {
	if requester != "" && (requester == m.bot.Owner || r.IsAdmin(requester)) {
		return nil
	}
	return fmt.Errorf("%w: %q on %s", domain.ErrForbidden, requester, m.bot.ID)
}

// insert adds a bot; the id must be new.
func (r *Registry) insert(b domain.Bot, firstLine string) (*managed, error) {
	m := &managed{bot: b, logs: logbuffer.New(r.opts.LogCapacity)}
	if firstLine != "" {
		m.logs.Append(firstLine)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bots[b.ID]; ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyExists, b.ID)
	}
	r.bots[b.ID] = m
	return m, nil
}

// removeLocked 从 map 中移除；调用方持有 m.mu
func (r *Registry) removeLocked(m *managed) {
	m.removed = true
	r.mu.Lock()
	if cur, ok := r.bots[m.bot.ID]; ok && cur == m {
		delete(r.bots, m.bot.ID)
	}
	r.mu.Unlock()
}

func (r *Registry) persistLocked(ctx context.Context, m *managed) {
	if err := r.store.Save(ctx, m.bot.Record()); err != nil {
		r.log.WithError(err).WithField("bot_id", m.bot.ID).Error("persist bot state failed")
	}
}

// snapshot 复制当前所有条目（不持有任何机器人锁）
func (r *Registry) snapshot() []*managed {
	r.mu.RLock()
	out := make([]*managed, 0, len(r.bots))
	for _, m := range r.bots {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].bot.ID < out[j].bot.ID })
	return out
}

// Get returns a copy of the bot.
func (r *Registry) Get(id string) (domain.Bot, error) {
	m, err := r.lockBot(id)
	if err != nil {
		return domain.Bot{}, err
	}
	defer m.mu.Unlock()
	return m.bot, nil
}

// ListFor returns the bots owned by owner, or every bot when owner is empty.
func (r *Registry) ListFor(owner string) []domain.Bot {
	var out []domain.Bot
	for _, m := range r.snapshot() {
		m.mu.Lock()
		if !m.removed && (owner == "" || m.bot.Owner == owner) {
			out = append(out, m.bot)
		}
		m.mu.Unlock()
	}
	return out
}

// Start spawns the bot after charging its owner. A running bot reports
// OutcomeAlreadyRunning without charging anyone.
func (r *Registry) Start(ctx context.Context, id, requester string) (domain.Outcome, error) {
	m, err := r.lockBot(id)
	if err != nil {
		return "", err
	}
	defer m.mu.Unlock()

	if err := r.authorizeLocked(m, requester); err != nil {
		return "", err
	}
	if m.proc != nil {
		return domain.OutcomeAlreadyRunning, nil
	}
	if r.closing.Load() {
		return "", ErrClosing
	}
	if err := r.awaitStoppingLocked(ctx, m); err != nil {
		return "", err
	}

	payer := m.bot.Owner
	if payer == "" {
		payer = requester
	}
	if err := r.admission.TryDebit(ctx, payer, r.opts.StartCost); err != nil {
		return "", err
	}

	log := r.log.WithFields(logrus.Fields{"bot_id": id, "requester": requester})

	if _, err := os.Stat(m.bot.EntryPath()); err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("stat entry %s: %w", m.bot.EntryPath(), err)
		}
		log.Warn("entry file vanished, purging bot")
		r.purgeLocked(ctx, m)
		return "", fmt.Errorf("%w: %s", domain.ErrFileMissing, m.bot.EntryPath())
	}

	m.logs.Reset(fmt.Sprintf("[%s] [info] starting %s", r.stamp(), id))
	gen := m.gen.Add(1)
	proc, err := r.spawner.Spawn(ctx, m.bot, r.sinkFor(m, gen))
	if err != nil {
		if !errors.Is(err, domain.ErrSpawnFailure) {
			err = fmt.Errorf("%w: %v", domain.ErrSpawnFailure, err)
		}
		m.appendLog(fmt.Sprintf("[%s] [error] start failed: %v", r.stamp(), err))
		log.WithError(err).Error("spawn failed")
		return "", err
	}

	lease := r.opts.Now().Add(r.opts.LeaseDuration)
	m.proc = proc
	m.bot.Status = domain.StatusRunning
	m.bot.LeaseExpiry = &lease
	r.persistLocked(ctx, m)
	r.watch(m, proc)

	log.WithFields(logrus.Fields{"pid": proc.PID(), "run_id": proc.RunID(), "lease_expiry": lease}).Info("bot started")
	return domain.OutcomeStarted, nil
}

// awaitStoppingLocked 等待正在终止的旧进程退出，保证同一个机器人最多只有一个存活进程。
// 最多等 GraceWindow+stopWaitMargin，调用方持有 m.mu
func (r *Registry) awaitStoppingLocked(ctx context.Context, m *managed) error {
	prev := m.stopping
	if prev == nil {
		return nil
	}
	timer := time.NewTimer(r.opts.GraceWindow + stopWaitMargin)
	defer timer.Stop()
	select {
	case <-prev.Done():
		m.stopping = nil
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		r.log.WithFields(logrus.Fields{"bot_id": m.bot.ID, "pid": prev.PID()}).Warn("previous process still alive, start refused")
		return fmt.Errorf("%w: %s (pid %d)", ErrStopPending, m.bot.ID, prev.PID())
	}
}

func (r *Registry) sinkFor(m *managed, gen uint64) procsup.OutputSink {
	return func(stream procsup.Stream, line string) {
		if m.gen.Load() != gen {
			return
		}
		m.logs.Append("[" + string(stream) + "] " + line)
	}
}

// watch 每次 spawn 订阅一次退出通知；句柄已不是当前句柄时只记录不转换
func (r *Registry) watch(m *managed, proc procsup.Process) {
	r.watchers.Add(1)
	go func() {
		defer r.watchers.Done()
		ex := <-proc.Done()

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.stopping == proc {
			m.stopping = nil
		}
		log := r.log.WithFields(logrus.Fields{"bot_id": m.bot.ID, "pid": proc.PID(), "exit_code": ex.Code})
		if m.proc != proc {
			log.Debug("stale process exit ignored")
			return
		}
		m.proc = nil
		m.bot.Status = domain.StatusStopped
		m.bot.LeaseExpiry = nil
		line := fmt.Sprintf("[%s] [info] process exited with code %d", ex.At.Format(logTimeLayout), ex.Code)
		if ex.Signal != "" {
			line += " (" + ex.Signal + ")"
		}
		m.appendLog(line)
		log.Info("bot process exited")

		if r.closing.Load() || m.removed {
			return
		}
		r.persistLocked(context.Background(), m)
	}()
}

// terminateLocked runs the termination protocol and moves the bot to stopped.
// The escalation timer only holds the process handle.
func (r *Registry) terminateLocked(m *managed, reason string) {
	proc := m.proc
	if proc == nil {
		return
	}
	id := m.bot.ID
	logs := m.logs
	log := r.log.WithFields(logrus.Fields{"bot_id": id, "pid": proc.PID()})
	proc.Terminate(r.opts.GraceWindow, func() {
		log.Warn("process ignored SIGTERM, killed")
		logs.Append(fmt.Sprintf("[%s] [warn] force killed after %s", r.stamp(), r.opts.GraceWindow))
	})
	m.proc = nil
	m.stopping = proc
	m.bot.Status = domain.StatusStopped
	m.bot.LeaseExpiry = nil
	if reason != "" {
		m.appendLog(fmt.Sprintf("[%s] [info] %s", r.stamp(), reason))
	}
}

// Stop terminates a running bot. A stopped bot reports OutcomeAlreadyStopped.
func (r *Registry) Stop(ctx context.Context, id, requester string) (domain.Outcome, error) {
	m, err := r.lockBot(id)
	if err != nil {
		return "", err
	}
	defer m.mu.Unlock()

	if err := r.authorizeLocked(m, requester); err != nil {
		return "", err
	}
	if m.proc == nil {
		return domain.OutcomeAlreadyStopped, nil
	}
	r.terminateLocked(m, "stopped by "+requester)
	r.persistLocked(ctx, m)
	r.log.WithFields(logrus.Fields{"bot_id": id, "requester": requester}).Info("bot stopped")
	return domain.OutcomeStopped, nil
}

// SendCommand handles the log pseudo-commands and forwards everything else to stdin.
func (r *Registry) SendCommand(ctx context.Context, id, requester, text string) error {
	m, err := r.lockBot(id)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()

	if err := r.authorizeLocked(m, requester); err != nil {
		return err
	}
	switch {
	case text == CommandClear:
		m.logs.Clear()
		return nil
	case strings.HasPrefix(text, CommandLogPrefix):
		m.appendLog("[user] " + strings.TrimPrefix(text, CommandLogPrefix))
		return nil
	}

	m.appendLog("[command] " + text)
	if m.proc == nil {
		return nil
	}
	if err := m.proc.WriteInput(text); err != nil {
		m.appendLog(fmt.Sprintf("[%s] [error] %v", r.stamp(), err))
		return fmt.Errorf("send command to %s: %w", id, err)
	}
	return nil
}

// SetInstallCommand records the advisory dependency install command.
func (r *Registry) SetInstallCommand(ctx context.Context, id, requester, command string) error {
	m, err := r.lockBot(id)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()

	if err := r.authorizeLocked(m, requester); err != nil {
		return err
	}
	m.bot.InstallCommand = strings.TrimSpace(command)
	m.appendLog(fmt.Sprintf("[%s] [info] install command set: %s", r.stamp(), m.bot.InstallCommand))
	r.persistLocked(ctx, m)
	return nil
}

// Status returns the bot state with the last LogTail log lines.
func (r *Registry) Status(id, requester string) (domain.StatusView, error) {
	m, err := r.lockBot(id)
	if err != nil {
		return domain.StatusView{}, err
	}
	defer m.mu.Unlock()

	if err := r.authorizeLocked(m, requester); err != nil {
		return domain.StatusView{}, err
	}
	return domain.StatusView{
		BotID:          m.bot.ID,
		Status:         m.bot.Status,
		Logs:           m.logs.Tail(r.opts.LogTail),
		InstallCommand: m.bot.InstallCommand,
		Owner:          m.bot.Owner,
		IsFolder:       m.bot.IsFolder(),
		Runtime:        m.bot.Runtime,
		LeaseExpiry:    m.bot.LeaseExpiry,
	}, nil
}

// Delete stops the bot, removes its files and forgets it.
func (r *Registry) Delete(ctx context.Context, id, requester string) error {
	m, err := r.lockBot(id)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()

	if err := r.authorizeLocked(m, requester); err != nil {
		return err
	}
	r.terminateLocked(m, "")

	target := m.bot.EntryPath()
	if m.bot.IsFolder() {
		target = filepath.Join(r.opts.BotsRoot, m.bot.Folder)
		err = os.RemoveAll(target)
	} else {
		err = os.Remove(target)
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", target, err)
	}

	r.purgeLocked(ctx, m)
	r.log.WithFields(logrus.Fields{"bot_id": id, "requester": requester}).Info("bot deleted")
	return nil
}

// purgeLocked 删除持久化记录、所有权索引和内存条目
func (r *Registry) purgeLocked(ctx context.Context, m *managed) {
	log := r.log.WithField("bot_id", m.bot.ID)
	if err := r.store.Delete(ctx, m.bot.ID); err != nil {
		log.WithError(err).Error("delete durable record failed")
	}
	if m.bot.Owner != "" && r.ownership != nil {
		if err := r.ownership.Disown(ctx, m.bot.Owner, m.bot.ID); err != nil {
			log.WithError(err).Error("disown failed")
		}
	}
	r.removeLocked(m)
}

// Upload describes an already-extracted upload sitting directly under the bots root.
type Upload struct {
	Name           string `json:"name"` // 文件名或文件夹名，同时作为 bot id
	Owner          string `json:"owner"`
	InstallCommand string `json:"install_command"`
}

// RegisterUploaded resolves the upload's entry point and adds it as a stopped bot.
func (r *Registry) RegisterUploaded(ctx context.Context, up Upload) (domain.Bot, error) {
	name := strings.TrimSpace(up.Name)
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return domain.Bot{}, fmt.Errorf("%w: invalid upload name %q", domain.ErrFileMissing, up.Name)
	}
	b, err := Describe(r.opts.BotsRoot, name, r.opts.EntrySearchDepth)
	if err != nil {
		return domain.Bot{}, err
	}
	b.Owner = strings.TrimSpace(up.Owner)
	b.InstallCommand = strings.TrimSpace(up.InstallCommand)

	kind := "file"
	if b.IsFolder() {
		kind = "folder"
	}
	m, err := r.insert(b, fmt.Sprintf("[%s] [info] uploaded bot (%s): %s", r.stamp(), kind, b.ID))
	if err != nil {
		return domain.Bot{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := r.store.Save(ctx, m.bot.Record()); err != nil {
		r.removeLocked(m)
		return domain.Bot{}, fmt.Errorf("persist %s: %w", b.ID, err)
	}
	if b.Owner != "" && r.ownership != nil {
		if err := r.ownership.EnsureOwned(ctx, b.Owner, b.ID); err != nil {
			r.log.WithError(err).WithField("bot_id", b.ID).Error("ownership index update failed")
		}
	}
	r.log.WithFields(logrus.Fields{"bot_id": b.ID, "owner": b.Owner, "runtime": b.Runtime}).Info("bot registered")
	return m.bot, nil
}

// Orphan clears the owner of every bot owned by username, e.g. before the account is
// deleted. Running bots keep running. Returns the affected ids.
func (r *Registry) Orphan(ctx context.Context, username string) []string {
	if username == "" {
		return nil
	}
	var ids []string
	for _, m := range r.snapshot() {
		m.mu.Lock()
		if !m.removed && m.bot.Owner == username {
			m.bot.Owner = ""
			m.appendLog(fmt.Sprintf("[%s] [info] owner %s removed", r.stamp(), username))
			r.persistLocked(ctx, m)
			if r.ownership != nil {
				if err := r.ownership.Disown(ctx, username, m.bot.ID); err != nil {
					r.log.WithError(err).WithField("bot_id", m.bot.ID).Warn("disown failed")
				}
			}
			ids = append(ids, m.bot.ID)
		}
		m.mu.Unlock()
	}
	return ids
}

// Checkpoint writes every record to the durable store.
func (r *Registry) Checkpoint(ctx context.Context) error {
	_, err := r.checkpoint(ctx)
	return err
}

func (r *Registry) checkpoint(ctx context.Context) (int, error) {
	var recs []domain.Record
	for _, m := range r.snapshot() {
		m.mu.Lock()
		if !m.removed {
			recs = append(recs, m.bot.Record())
		}
		m.mu.Unlock()
	}
	if len(recs) == 0 {
		return 0, nil
	}
	if err := r.store.SaveAll(ctx, recs); err != nil {
		return 0, fmt.Errorf("checkpoint: %w", err)
	}
	return len(recs), nil
}

// Close flushes a final checkpoint, then terminates every process without persisting
// their stop so that running bots resume after the next boot.
func (r *Registry) Close(ctx context.Context) error {
	if !r.closing.CompareAndSwap(false, true) {
		return nil
	}
	err := r.Checkpoint(ctx)

	for _, m := range r.snapshot() {
		m.mu.Lock()
		if m.proc != nil {
			r.terminateLocked(m, "supervisor shutting down")
		}
		m.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		r.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("timed out waiting for bot processes to exit")
	}
	return err
}
