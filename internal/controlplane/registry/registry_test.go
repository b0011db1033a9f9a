package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/betbot/bothost/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestStart_TwiceSpawnsOnceAndDebitsOnce(t *testing.T) {
	h := newHarness(t, map[string]int{"alice": 100})
	h.register(t, "echo.js", "alice")
	ctx := context.Background()

	out, err := h.reg.Start(ctx, "echo.js", "alice")
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeStarted, out)
	requireConsistent(t, h.reg)

	out, err = h.reg.Start(ctx, "echo.js", "alice")
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeAlreadyRunning, out)
	requireConsistent(t, h.reg)

	require.Equal(t, 1, h.spawner.count())
	require.Equal(t, 85, h.bank.balance("alice"))

	rec, ok := h.store.get("echo.js")
	require.True(t, ok)
	require.Equal(t, domain.StatusRunning, rec.Status)
	require.NotNil(t, rec.LeaseExpiry)
	require.Equal(t, h.clock.Now().Add(DefaultLeaseDuration).UnixMilli(), *rec.LeaseExpiry)
}

func TestStop_TwiceTerminatesOnce(t *testing.T) {
	h := newHarness(t, map[string]int{"alice": 100})
	h.register(t, "echo.js", "alice")
	ctx := context.Background()

	_, err := h.reg.Start(ctx, "echo.js", "alice")
	require.NoError(t, err)
	proc := h.spawner.last()

	out, err := h.reg.Stop(ctx, "echo.js", "alice")
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeStopped, out)
	requireConsistent(t, h.reg)

	out, err = h.reg.Stop(ctx, "echo.js", "alice")
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeAlreadyStopped, out)
	requireConsistent(t, h.reg)

	require.EqualValues(t, 1, proc.terms.Load())
	rec, _ := h.store.get("echo.js")
	require.Equal(t, domain.StatusStopped, rec.Status)
	require.Nil(t, rec.LeaseExpiry)
}

func TestStart_InsufficientCreditsChangesNothing(t *testing.T) {
	h := newHarness(t, map[string]int{"alice": 14})
	h.register(t, "echo.js", "alice")

	_, err := h.reg.Start(context.Background(), "echo.js", "alice")
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
	require.Equal(t, 14, h.bank.balance("alice"))
	require.Equal(t, 0, h.spawner.count())
	require.False(t, isRunning(h.reg, "echo.js"))
	requireConsistent(t, h.reg)
}

func TestStart_OwnerlessBotChargesRequester(t *testing.T) {
	h := newHarness(t, map[string]int{"admin": 30})
	h.register(t, "orphan.py", "")

	out, err := h.reg.Start(context.Background(), "orphan.py", "admin")
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeStarted, out)
	require.Equal(t, 15, h.bank.balance("admin"))
}

func TestAuthorization_StrangerIsForbiddenWithoutSideEffects(t *testing.T) {
	h := newHarness(t, map[string]int{"alice": 100, "mallory": 100})
	h.register(t, "echo.js", "alice")
	ctx := context.Background()

	_, err := h.reg.Start(ctx, "echo.js", "mallory")
	require.ErrorIs(t, err, domain.ErrForbidden)
	require.Equal(t, 0, h.spawner.count())
	require.Equal(t, 100, h.bank.balance("mallory"))
	require.Equal(t, 100, h.bank.balance("alice"))

	_, err = h.reg.Start(ctx, "echo.js", "alice")
	require.NoError(t, err)

	_, err = h.reg.Stop(ctx, "echo.js", "mallory")
	require.ErrorIs(t, err, domain.ErrForbidden)
	require.True(t, isRunning(h.reg, "echo.js"))

	err = h.reg.Delete(ctx, "echo.js", "mallory")
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = os.Stat(filepath.Join(h.root, "echo.js"))
	require.NoError(t, err)

	_, err = h.reg.Status("echo.js", "mallory")
	require.ErrorIs(t, err, domain.ErrForbidden)
	require.ErrorIs(t, h.reg.SendCommand(ctx, "echo.js", "mallory", "x"), domain.ErrForbidden)
	requireConsistent(t, h.reg)

	// 管理员可以操作任何机器人
	out, err := h.reg.Stop(ctx, "echo.js", "admin")
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeStopped, out)
}

func TestUnknownBotIsNotFound(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.reg.Start(context.Background(), "ghost.js", "alice")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.reg.Status("ghost.js", "alice")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStart_MissingEntryFilePurgesBot(t *testing.T) {
	h := newHarness(t, map[string]int{"alice": 100})
	h.register(t, "gone.js", "alice")
	require.True(t, h.bank.owns("alice", "gone.js"))
	require.NoError(t, os.Remove(filepath.Join(h.root, "gone.js")))

	_, err := h.reg.Start(context.Background(), "gone.js", "alice")
	require.ErrorIs(t, err, domain.ErrFileMissing)

	_, err = h.reg.Get("gone.js")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, ok := h.store.get("gone.js")
	require.False(t, ok)
	require.False(t, h.bank.owns("alice", "gone.js"))
	require.Equal(t, 0, h.spawner.count())
}

func TestStart_SpawnFailureLeavesBotStoppedWithLoggedError(t *testing.T) {
	h := newHarness(t, map[string]int{"alice": 100})
	h.register(t, "echo.js", "alice")
	h.spawner.fail = errors.New("exec: \"node\": executable file not found in $PATH")

	_, err := h.reg.Start(context.Background(), "echo.js", "alice")
	require.ErrorIs(t, err, domain.ErrSpawnFailure)
	requireConsistent(t, h.reg)
	// 扣费不回滚
	require.Equal(t, 85, h.bank.balance("alice"))

	view, err := h.reg.Status("echo.js", "alice")
	require.NoError(t, err)
	require.Equal(t, domain.StatusStopped, view.Status)
	require.Contains(t, view.Logs[len(view.Logs)-1], "start failed")
}

func TestExitWatcher_MovesBotToStopped(t *testing.T) {
	h := newHarness(t, map[string]int{"alice": 100})
	h.register(t, "crash.js", "alice")

	_, err := h.reg.Start(context.Background(), "crash.js", "alice")
	require.NoError(t, err)
	h.spawner.last().exit(2, "")

	require.Eventually(t, func() bool { return !isRunning(h.reg, "crash.js") }, time.Second, 5*time.Millisecond)
	requireConsistent(t, h.reg)

	view, err := h.reg.Status("crash.js", "alice")
	require.NoError(t, err)
	require.Equal(t, domain.StatusStopped, view.Status)
	require.Nil(t, view.LeaseExpiry)
	require.Contains(t, view.Logs[len(view.Logs)-1], "exited with code 2")

	require.Eventually(t, func() bool {
		rec, _ := h.store.get("crash.js")
		return rec.Status == domain.StatusStopped
	}, time.Second, 5*time.Millisecond)
}

func TestStart_WaitsForTerminatingProcess(t *testing.T) {
	h := newHarness(t, map[string]int{"alice": 100})
	h.spawner.ignoreTerm = true
	h.register(t, "slow.js", "alice")
	ctx := context.Background()

	_, err := h.reg.Start(ctx, "slow.js", "alice")
	require.NoError(t, err)
	first := h.spawner.last()
	_, err = h.reg.Stop(ctx, "slow.js", "alice")
	require.NoError(t, err)

	// 旧进程还在宽限期内时重新启动：必须等它被强杀后才能 spawn
	var firstDeadAtSpawn atomic.Bool
	h.spawner.onSpawn = func(domain.Bot) {
		select {
		case <-first.Done():
			firstDeadAtSpawn.Store(true)
		default:
		}
	}
	out, err := h.reg.Start(ctx, "slow.js", "alice")
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeStarted, out)
	require.True(t, firstDeadAtSpawn.Load())
	require.True(t, first.killed.Load())
	require.NotSame(t, first, h.spawner.last())

	// 旧进程的退出通知不会影响新进程
	time.Sleep(50 * time.Millisecond)
	require.True(t, isRunning(h.reg, "slow.js"))
	requireConsistent(t, h.reg)
}

func TestStart_RefusedWhileOldProcessSurvivesKill(t *testing.T) {
	h := newHarness(t, map[string]int{"alice": 100})
	h.spawner.hang = true
	h.register(t, "stuck.js", "alice")
	ctx := context.Background()

	_, err := h.reg.Start(ctx, "stuck.js", "alice")
	require.NoError(t, err)
	stuck := h.spawner.last()
	_, err = h.reg.Stop(ctx, "stuck.js", "alice")
	require.NoError(t, err)

	_, err = h.reg.Start(ctx, "stuck.js", "alice")
	require.ErrorIs(t, err, ErrStopPending)
	require.Equal(t, 1, h.spawner.count())
	// 拒绝时不扣费
	require.Equal(t, 85, h.bank.balance("alice"))
	requireConsistent(t, h.reg)

	stuck.exit(137, "killed")
	out, err := h.reg.Start(ctx, "stuck.js", "alice")
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeStarted, out)
	require.Equal(t, 2, h.spawner.count())
}

func TestSendCommand_PseudoCommandsAndStdin(t *testing.T) {
	h := newHarness(t, map[string]int{"alice": 100})
	h.register(t, "repl.js", "alice")
	ctx := context.Background()

	require.NoError(t, h.reg.SendCommand(ctx, "repl.js", "alice", "/log checkpoint reached"))
	view, _ := h.reg.Status("repl.js", "alice")
	require.Equal(t, "[user] checkpoint reached", view.Logs[len(view.Logs)-1])

	// 未运行时只记录，不报错
	require.NoError(t, h.reg.SendCommand(ctx, "repl.js", "alice", "status"))
	view, _ = h.reg.Status("repl.js", "alice")
	require.Equal(t, "[command] status", view.Logs[len(view.Logs)-1])

	_, err := h.reg.Start(ctx, "repl.js", "alice")
	require.NoError(t, err)
	require.NoError(t, h.reg.SendCommand(ctx, "repl.js", "alice", "ping"))
	require.Equal(t, []string{"ping"}, h.spawner.last().inputs())

	require.NoError(t, h.reg.SendCommand(ctx, "repl.js", "alice", CommandClear))
	view, _ = h.reg.Status("repl.js", "alice")
	require.Empty(t, view.Logs)
	require.Empty(t, h.spawner.last().inputs()[1:])
}

func TestStatus_ReturnsBoundedTail(t *testing.T) {
	h := newHarness(t, map[string]int{"alice": 100})
	h.register(t, "chatty.js", "alice")
	ctx := context.Background()
	for i := 0; i < 120; i++ {
		require.NoError(t, h.reg.SendCommand(ctx, "chatty.js", "alice", "/log line"))
	}
	view, err := h.reg.Status("chatty.js", "alice")
	require.NoError(t, err)
	require.Len(t, view.Logs, DefaultLogTail)
}

func TestDelete_StopsAndRemovesEverything(t *testing.T) {
	h := newHarness(t, map[string]int{"alice": 100})
	h.writeFile(t, "suite/lib/util.js", "")
	h.writeFile(t, "suite/index.js", "")
	_, err := h.reg.RegisterUploaded(context.Background(), Upload{Name: "suite", Owner: "alice"})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = h.reg.Start(ctx, "suite", "alice")
	require.NoError(t, err)
	proc := h.spawner.last()

	require.NoError(t, h.reg.Delete(ctx, "suite", "alice"))
	require.EqualValues(t, 1, proc.terms.Load())
	_, err = os.Stat(filepath.Join(h.root, "suite"))
	require.True(t, os.IsNotExist(err))
	_, ok := h.store.get("suite")
	require.False(t, ok)
	require.False(t, h.bank.owns("alice", "suite"))
	require.Empty(t, h.reg.ListFor("alice"))

	require.ErrorIs(t, h.reg.Delete(ctx, "suite", "alice"), domain.ErrNotFound)
}

func TestDelete_EscalationSurvivesRemoval(t *testing.T) {
	h := newHarness(t, map[string]int{"alice": 100})
	h.spawner.ignoreTerm = true
	h.register(t, "stubborn.js", "alice")
	ctx := context.Background()

	_, err := h.reg.Start(ctx, "stubborn.js", "alice")
	require.NoError(t, err)
	proc := h.spawner.last()
	require.NoError(t, h.reg.Delete(ctx, "stubborn.js", "alice"))

	require.Eventually(t, proc.killed.Load, time.Second, 5*time.Millisecond)
}

func TestRegisterUploaded_RejectsDuplicatesAndBadNames(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "dup.js", "alice")
	_, err := h.reg.RegisterUploaded(context.Background(), Upload{Name: "dup.js", Owner: "bob"})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = h.reg.RegisterUploaded(context.Background(), Upload{Name: "../escape.js", Owner: "bob"})
	require.Error(t, err)

	h.writeFile(t, "notes.txt", "")
	_, err = h.reg.RegisterUploaded(context.Background(), Upload{Name: "notes.txt", Owner: "bob"})
	require.ErrorIs(t, err, domain.ErrFileMissing)

	h.writeFile(t, "empty/readme.md", "")
	_, err = h.reg.RegisterUploaded(context.Background(), Upload{Name: "empty", Owner: "bob"})
	require.ErrorIs(t, err, domain.ErrFileMissing)
}

func TestListFor_FiltersByOwner(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "b.js", "alice")
	h.register(t, "a.py", "alice")
	h.register(t, "c.js", "bob")

	var ids []string
	for _, b := range h.reg.ListFor("alice") {
		ids = append(ids, b.ID)
	}
	require.Equal(t, []string{"a.py", "b.js"}, ids)
	require.Len(t, h.reg.ListFor(""), 3)
}

func TestOrphan_ClearsOwnerAndIndex(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "a.js", "alice")
	h.register(t, "b.js", "bob")
	require.True(t, h.bank.owns("alice", "a.js"))

	require.Equal(t, []string{"a.js"}, h.reg.Orphan(context.Background(), "alice"))
	require.False(t, h.bank.owns("alice", "a.js"))

	b, err := h.reg.Get("a.js")
	require.NoError(t, err)
	require.Empty(t, b.Owner)
	rec, _ := h.store.get("a.js")
	require.Empty(t, rec.Owner)

	// 原所有者失去权限，管理员仍可操作
	_, err = h.reg.Status("a.js", "alice")
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = h.reg.Status("a.js", "admin")
	require.NoError(t, err)
	require.Nil(t, h.reg.Orphan(context.Background(), ""))
}

func TestSetInstallCommand_Persists(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "deps.py", "alice")
	require.NoError(t, h.reg.SetInstallCommand(context.Background(), "deps.py", "alice", " pip install requests "))

	rec, _ := h.store.get("deps.py")
	require.Equal(t, "pip install requests", rec.InstallCommand)
	view, _ := h.reg.Status("deps.py", "alice")
	require.Equal(t, "pip install requests", view.InstallCommand)
}

// 上传文件夹机器人，入口在两层子目录下；完整走一遍 start/stop
func TestScenario_FolderBotWithNestedEntry(t *testing.T) {
	h := newHarness(t, map[string]int{"alice": 40})
	h.writeFile(t, "alpha/README.md", "")
	h.writeFile(t, "alpha/pkg/app/index.js", "console.log('hi')\n")
	ctx := context.Background()

	b, err := h.reg.RegisterUploaded(ctx, Upload{Name: "alpha", Owner: "alice"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(h.root, "alpha", "pkg", "app"), b.EntryDir)
	require.Equal(t, "index.js", b.EntryFile)
	require.Equal(t, domain.RuntimeJavaScript, b.Runtime)

	view, err := h.reg.Status("alpha", "alice")
	require.NoError(t, err)
	require.Equal(t, domain.StatusStopped, view.Status)

	out, err := h.reg.Start(ctx, "alpha", "alice")
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeStarted, out)

	view, err = h.reg.Status("alpha", "alice")
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, view.Status)
	require.NotEmpty(t, view.Logs)
	require.Contains(t, view.Logs, "[stdout] hello from alpha")

	out, err = h.reg.Stop(ctx, "alpha", "alice")
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeStopped, out)

	view, err = h.reg.Status("alpha", "alice")
	require.NoError(t, err)
	require.Equal(t, domain.StatusStopped, view.Status)
	require.True(t, strings.HasSuffix(view.Logs[len(view.Logs)-1], "stopped by alice"))
	requireConsistent(t, h.reg)
}

func TestConcurrentStarts_BalanceForOne(t *testing.T) {
	h := newHarness(t, map[string]int{"alice": 15})
	h.register(t, "race.js", "alice")

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		started  int
		outcomes []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.reg.Start(context.Background(), "race.js", "alice")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && out == domain.OutcomeStarted:
				started++
			case err == nil && out == domain.OutcomeAlreadyRunning:
				outcomes = append(outcomes, string(out))
			case errors.Is(err, domain.ErrInsufficientCredits):
				outcomes = append(outcomes, "insufficient")
			default:
				t.Errorf("unexpected result %q %v", out, err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, started)
	require.Len(t, outcomes, n-1)
	require.Equal(t, 1, h.spawner.count())
	require.Equal(t, 0, h.bank.balance("alice"))
	requireConsistent(t, h.reg)
}

func TestConcurrentOpsOnDifferentBots(t *testing.T) {
	h := newHarness(t, map[string]int{"alice": 1000})
	ids := []string{"a.js", "b.js", "c.js", "d.js"}
	for _, id := range ids {
		h.register(t, id, "alice")
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_, _ = h.reg.Start(ctx, id, "alice")
				_, _ = h.reg.Stop(ctx, id, "alice")
			}
		}(id)
	}
	wg.Wait()
	requireConsistent(t, h.reg)
	require.Equal(t, 20, h.spawner.count())
}

func TestClose_CheckpointsRunningAndTerminates(t *testing.T) {
	h := newHarness(t, map[string]int{"alice": 100})
	h.register(t, "keep.js", "alice")
	ctx := context.Background()
	_, err := h.reg.Start(ctx, "keep.js", "alice")
	require.NoError(t, err)
	proc := h.spawner.last()

	require.NoError(t, h.reg.Close(ctx))
	require.EqualValues(t, 1, proc.terms.Load())

	// 关闭时不持久化 stop，重启后会恢复
	rec, _ := h.store.get("keep.js")
	require.Equal(t, domain.StatusRunning, rec.Status)

	_, err = h.reg.Start(ctx, "keep.js", "alice")
	require.ErrorIs(t, err, ErrClosing)
}
