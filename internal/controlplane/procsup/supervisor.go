// Package procsup owns the OS-level lifecycle of bot subprocesses: spawn with piped stdio,
// line-by-line output capture, exit detection and SIGTERM -> SIGKILL termination.
package procsup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/betbot/bothost/internal/domain"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Stream distinguishes normal output from error output.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// DefaultGraceWindow is how long a process gets between SIGTERM and SIGKILL.
const DefaultGraceWindow = 2 * time.Second

// 单行最大长度；更长的行按这个长度切成多行
const maxLineBytes = 16 << 10

// 主进程退出后等待输出读完的时间；仍有后代进程占着管道时杀掉整个进程组
const outputDrainWindow = 500 * time.Millisecond

// OutputSink receives captured output lines. It is called from reader goroutines.
type OutputSink func(stream Stream, line string)

// Exit describes how a process ended.
type Exit struct {
	Code   int
	Signal string
	Err    error
	At     time.Time
}

// Process is a live child process handle.
type Process interface {
	PID() int
	RunID() string
	Done() <-chan Exit
	// Terminate sends SIGTERM and escalates to SIGKILL after grace. onKill runs only if
	// escalation happened. Only the first call has an effect.
	Terminate(grace time.Duration, onKill func()) bool
	WriteInput(text string) error
}

// Supervisor spawns bot processes with the configured interpreters.
type Supervisor struct {
	interpreters map[domain.Runtime]string
	log          *logrus.Entry
}

// DefaultInterpreters maps each runtime to its interpreter binary.
func DefaultInterpreters() map[domain.Runtime]string {
	return map[domain.Runtime]string{
		domain.RuntimeJavaScript: "node",
		domain.RuntimePython:     "python3",
	}
}

// New creates a Supervisor. Missing interpreter entries fall back to DefaultInterpreters.
func New(interpreters map[domain.Runtime]string, log *logrus.Entry) *Supervisor {
	merged := DefaultInterpreters()
	for k, v := range interpreters {
		if strings.TrimSpace(v) != "" {
			merged[k] = strings.TrimSpace(v)
		}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{interpreters: merged, log: log.WithField("component", "procsup")}
}

// Command returns program, args and working directory for a bot.
// Folder bots run their entry file inside the entry directory; file bots run the
// uploaded file by base name from its own directory.
func (s *Supervisor) Command(b domain.Bot) (program string, args []string, dir string) {
	program = s.interpreters[b.Runtime]
	if program == "" {
		program = s.interpreters[domain.RuntimeJavaScript]
	}
	return program, []string{b.EntryFile}, b.EntryDir
}

// Spawn starts the bot process. The returned error wraps domain.ErrSpawnFailure when the
// OS refuses to launch it (interpreter missing, permissions, bad working directory).
func (s *Supervisor) Spawn(ctx context.Context, b domain.Bot, sink OutputSink) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	program, args, dir := s.Command(b)

	// 不使用 CommandContext：bot 的生命周期独立于请求 ctx
	cmd := exec.Command(program, args...)
	cmd.Dir = dir
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", domain.ErrSpawnFailure, err)
	}
	// 输出用 os.Pipe 而不是 StdoutPipe：Wait 不必等管道 EOF，
	// 后台子进程继承了输出也不会挡住退出检测
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", domain.ErrSpawnFailure, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeFiles(stdoutR, stdoutW)
		return nil, fmt.Errorf("%w: stderr pipe: %v", domain.ErrSpawnFailure, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		closeFiles(stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("%w: %v", domain.ErrSpawnFailure, err)
	}
	// 写端已经复制给子进程
	closeFiles(stdoutW, stderrW)

	p := &process{
		cmd:     cmd,
		runID:   uuid.NewString(),
		stdin:   stdin,
		outputs: []*os.File{stdoutR, stderrR},
		drain:   outputDrainWindow,
		done:    make(chan Exit, 1),
		exited:  make(chan struct{}),
		log: s.log.WithFields(logrus.Fields{
			"bot_id": b.ID,
			"pid":    cmd.Process.Pid,
		}),
	}
	p.log.WithField("program", program).Debug("process started")

	var readers sync.WaitGroup
	readers.Add(2)
	go p.readLines(&readers, stdoutR, Stdout, sink)
	go p.readLines(&readers, stderrR, Stderr, sink)
	go p.wait(&readers)

	return p, nil
}

type process struct {
	cmd   *exec.Cmd
	runID string
	log   *logrus.Entry

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	outputs []*os.File
	drain   time.Duration

	done   chan Exit
	exited chan struct{} // wait 结束后关闭，供宽限期计时器检查

	termOnce sync.Once
}

func (p *process) PID() int          { return p.cmd.Process.Pid }
func (p *process) RunID() string     { return p.runID }
func (p *process) Done() <-chan Exit { return p.done }

// readLines 逐行读取；超过 maxLineBytes 的行切段后各自作为一行交给 sink
func (p *process) readLines(wg *sync.WaitGroup, r io.Reader, stream Stream, sink OutputSink) {
	defer wg.Done()
	br := bufio.NewReaderSize(r, maxLineBytes)
	for {
		line, _, err := br.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.log.WithError(err).WithField("stream", stream).Debug("output read stopped")
			}
			return
		}
		if sink != nil {
			sink(stream, strings.TrimRight(string(line), "\r"))
		}
	}
}

// wait 主进程一退出就 Wait，随后给读协程一个排空窗口；
// Done 只在最后一行输出交给 sink 之后才送出
func (p *process) wait(readers *sync.WaitGroup) {
	err := p.cmd.Wait()

	ex := Exit{At: time.Now()}
	if err != nil {
		ex.Err = err
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			ex.Code = ee.ExitCode()
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				ex.Signal = ws.Signal().String()
				ex.Code = 128 + int(ws.Signal())
			}
		} else {
			ex.Code = 1
		}
	}

	p.stdinMu.Lock()
	_ = p.stdin.Close()
	p.stdinMu.Unlock()
	close(p.exited)

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(p.drain):
		// 后代进程还持有输出管道：杀掉整个进程组，关闭读端
		p.log.Warn("descendants still hold the output pipes, killing process group")
		_ = unix.Kill(-p.PID(), unix.SIGKILL)
		closeFiles(p.outputs...)
		<-drained
	}
	closeFiles(p.outputs...)

	p.log.WithFields(logrus.Fields{"exit_code": ex.Code, "signal": ex.Signal}).Debug("process exited")
	p.done <- ex
	close(p.done)
}

func (p *process) Terminate(grace time.Duration, onKill func()) bool {
	fired := false
	p.termOnce.Do(func() {
		fired = true
		if grace <= 0 {
			grace = DefaultGraceWindow
		}
		pid := p.PID()
		if err := terminateGroup(pid); err != nil {
			p.log.WithError(err).Debug("SIGTERM failed")
		}
		// 宽限期计时器只持有进程句柄，不引用 registry 记录
		time.AfterFunc(grace, func() {
			select {
			case <-p.exited:
				return
			default:
			}
			p.log.Warn("grace window elapsed, sending SIGKILL")
			_ = killGroup(pid)
			if onKill != nil {
				onKill()
			}
		})
	})
	return fired
}

func (p *process) WriteInput(text string) error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if _, err := io.WriteString(p.stdin, text+"\n"); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

func terminateGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		// 进程组可能不存在，回退到单进程
		return unix.Kill(pid, unix.SIGTERM)
	}
	return nil
}

func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
