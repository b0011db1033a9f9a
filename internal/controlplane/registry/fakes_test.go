package registry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/betbot/bothost/internal/controlplane/procsup"
	"github.com/betbot/bothost/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	recs    map[string]domain.Record
	saves   int
	resetAt int // 第几次写操作时执行了 ResetRunning
	ops     int
}

func newMemStore(recs ...domain.Record) *memStore {
	s := &memStore{recs: make(map[string]domain.Record)}
	for _, r := range recs {
		s.recs[r.BotID] = r
	}
	return s
}

func (s *memStore) LoadAll(context.Context) ([]domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Record, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out, nil
}

func (s *memStore) Save(_ context.Context, rec domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops++
	s.saves++
	s.recs[rec.BotID] = rec
	return nil
}

func (s *memStore) SaveAll(ctx context.Context, recs []domain.Record) error {
	for _, r := range recs {
		if err := s.Save(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops++
	delete(s.recs, id)
	return nil
}

func (s *memStore) ResetRunning(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops++
	s.resetAt = s.ops
	for id, r := range s.recs {
		r.Status = domain.StatusStopped
		s.recs[id] = r
	}
	return nil
}

func (s *memStore) get(id string) (domain.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	return r, ok
}

type memBank struct {
	mu       sync.Mutex
	balances map[string]int
	debits   int
	owned    map[string]map[string]bool
}

func newMemBank(balances map[string]int) *memBank {
	return &memBank{balances: balances, owned: make(map[string]map[string]bool)}
}

func (b *memBank) TryDebit(_ context.Context, user string, amount int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balances[user] < amount {
		return fmt.Errorf("%w: %s", domain.ErrInsufficientCredits, user)
	}
	b.balances[user] -= amount
	b.debits++
	return nil
}

func (b *memBank) EnsureOwned(_ context.Context, user, botID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.owned[user] == nil {
		b.owned[user] = make(map[string]bool)
	}
	b.owned[user][botID] = true
	return nil
}

func (b *memBank) Disown(_ context.Context, user, botID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.owned[user], botID)
	return nil
}

func (b *memBank) balance(user string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[user]
}

func (b *memBank) owns(user, botID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owned[user][botID]
}

type fakeProc struct {
	pid        int
	done       chan procsup.Exit
	once       sync.Once
	terms      atomic.Int32
	killed     atomic.Bool
	ignoreTerm bool
	hang       bool // 连 SIGKILL 都不退出，只能由测试调用 exit
	sink       procsup.OutputSink

	mu    sync.Mutex
	input []string
}

func (p *fakeProc) PID() int                  { return p.pid }
func (p *fakeProc) RunID() string             { return fmt.Sprintf("run-%d", p.pid) }
func (p *fakeProc) Done() <-chan procsup.Exit { return p.done }

func (p *fakeProc) exit(code int, signal string) {
	p.once.Do(func() {
		p.done <- procsup.Exit{Code: code, Signal: signal, At: time.Now()}
		close(p.done)
	})
}

func (p *fakeProc) Terminate(grace time.Duration, onKill func()) bool {
	if p.terms.Add(1) > 1 {
		return false
	}
	if p.hang {
		return true
	}
	if !p.ignoreTerm {
		p.exit(143, "terminated")
		return true
	}
	time.AfterFunc(grace, func() {
		p.killed.Store(true)
		p.exit(137, "killed")
		if onKill != nil {
			onKill()
		}
	})
	return true
}

func (p *fakeProc) WriteInput(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return io.ErrClosedPipe
	default:
	}
	p.input = append(p.input, text)
	return nil
}

func (p *fakeProc) inputs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.input...)
}

type fakeSpawner struct {
	mu         sync.Mutex
	procs      []*fakeProc
	nextPID    int
	fail       error
	ignoreTerm bool
	hang       bool
	onSpawn    func(b domain.Bot)
}

func (s *fakeSpawner) Spawn(_ context.Context, b domain.Bot, sink procsup.OutputSink) (procsup.Process, error) {
	if s.onSpawn != nil {
		s.onSpawn(b)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	s.nextPID++
	p := &fakeProc{pid: 1000 + s.nextPID, done: make(chan procsup.Exit, 1), ignoreTerm: s.ignoreTerm, hang: s.hang, sink: sink}
	s.procs = append(s.procs, p)
	if sink != nil {
		sink(procsup.Stdout, "hello from "+b.ID)
	}
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) last() *fakeProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type harness struct {
	root    string
	store   *memStore
	bank    *memBank
	spawner *fakeSpawner
	clock   *fakeClock
	reg     *Registry
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newHarness(t *testing.T, balances map[string]int) *harness {
	t.Helper()
	h := &harness{
		root:    t.TempDir(),
		store:   newMemStore(),
		bank:    newMemBank(balances),
		spawner: &fakeSpawner{},
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.reg = New(h.options(), h.store, h.bank, h.bank, h.spawner)
	return h
}

func (h *harness) options() Options {
	return Options{
		BotsRoot:    h.root,
		GraceWindow: 50 * time.Millisecond,
		Now:         h.clock.Now,
		Logger:      quietLogger(),
	}
}

func (h *harness) writeFile(t *testing.T, rel, body string) {
	t.Helper()
	p := filepath.Join(h.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

// register 在 bots 根目录下写入单文件机器人并登记
func (h *harness) register(t *testing.T, name, owner string) domain.Bot {
	t.Helper()
	h.writeFile(t, name, "console.log('hi')\n")
	b, err := h.reg.RegisterUploaded(context.Background(), Upload{Name: name, Owner: owner})
	require.NoError(t, err)
	return b
}

// requireConsistent 检查 handle != nil 当且仅当 status == running
func requireConsistent(t *testing.T, reg *Registry) {
	t.Helper()
	for _, m := range reg.snapshot() {
		m.mu.Lock()
		hasProc := m.proc != nil
		running := m.bot.Status == domain.StatusRunning
		hasLease := m.bot.LeaseExpiry != nil
		id := m.bot.ID
		m.mu.Unlock()
		require.Equal(t, hasProc, running, "bot %s handle/status mismatch", id)
		require.Equal(t, running, hasLease, "bot %s lease/status mismatch", id)
	}
}

// isRunning 机器人当前是否持有存活的进程句柄
func isRunning(reg *Registry, id string) bool {
	m, err := reg.lockBot(id)
	if err != nil {
		return false
	}
	defer m.mu.Unlock()
	return m.proc != nil
}
