package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

var (
	ErrAborted    = errors.New("process aborted")
	ErrInProgress = errors.New("process in progress")
)

// DefaultGrace is the time between SIGTERM and SIGKILL on Cancel.
const DefaultGrace = 10 * time.Second

type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Verbose routes stdout and stderr through ptys, so the child line
	// buffers, and echoes every line to Echo and EchoErr.
	Verbose bool
	Echo    io.Writer
	EchoErr io.Writer
}

type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	ExitCode int
	State    *os.ProcessState
}

// Runner supervises a single child process group at a time.
type Runner struct {
	Grace time.Duration

	mx      sync.Mutex
	cmd     *exec.Cmd
	pgid    int
	aborted bool
	kill    *time.Timer
}

func NewRunner() *Runner {
	return &Runner{Grace: DefaultGrace}
}

// Run starts proto in a new session and waits for it. A non-zero exit is
// reported in Result.ExitCode and is not an error. Cancellation of ctx or
// a call to Cancel terminates the whole process group and returns ErrAborted.
func (r *Runner) Run(ctx context.Context, proto Command) (Result, error) {
	res := Result{
		Path:     proto.Path,
		Args:     append([]string(nil), proto.Args...),
		ExitCode: -1,
	}

	r.mx.Lock()
	if r.cmd != nil {
		r.mx.Unlock()
		return res, ErrInProgress
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	cmd.Stdin = proto.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.WaitDelay = time.Second

	var fan *fanIn
	if proto.Verbose {
		var err error
		fan, err = attachPTYs(cmd, proto)
		if err != nil {
			r.mx.Unlock()
			return res, err
		}
	} else {
		cmd.Stdout = orDiscard(proto.Stdout)
		cmd.Stderr = orDiscard(proto.Stderr)
	}

	res.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.mx.Unlock()
		if fan != nil {
			fan.abandon()
		}
		res.Stopped = time.Now().UTC()
		return res, err
	}
	r.cmd = cmd
	r.pgid = cmd.Process.Pid
	r.aborted = false
	r.mx.Unlock()

	slog.DebugContext(ctx, "process started", "path", proto.Path, "pid", cmd.Process.Pid, "verbose", proto.Verbose)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = r.Cancel()
		case <-done:
		}
	}()

	var fanDone chan struct{}
	if fan != nil {
		fan.pgid = cmd.Process.Pid
		fan.closeSlaves()
		fanDone = make(chan struct{})
		go func() {
			defer close(fanDone)
			fan.loop(ctx)
		}()
	}

	waitErr := cmd.Wait()
	close(done)
	res.Stopped = time.Now().UTC()
	if fan != nil {
		// processes left in the group may still write
		fan.exited.Store(true)
		select {
		case <-fanDone:
		case <-ctx.Done():
			_ = r.Cancel()
			<-fanDone
		}
	}

	r.mx.Lock()
	aborted := r.aborted
	if r.kill != nil {
		r.kill.Stop()
		r.kill = nil
	}
	r.cmd = nil
	r.mx.Unlock()

	res.State = cmd.ProcessState
	res.ExitCode = exitCode(cmd.ProcessState)

	if aborted {
		if cause := context.Cause(ctx); cause != nil {
			return res, fmt.Errorf("%w: %w", ErrAborted, cause)
		}
		return res, ErrAborted
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return res, waitErr
	}
	return res, nil
}

// Cancel sends SIGTERM to the process group of the running child and
// SIGKILL once Grace elapses. It is a no-op when nothing runs.
func (r *Runner) Cancel() error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil || r.aborted {
		return nil
	}
	r.aborted = true

	pgid, err := unix.Getpgid(r.pgid)
	if err != nil {
		pgid = r.pgid
	}
	r.pgid = pgid
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signaling process group %d: %w", pgid, err)
	}

	grace := r.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	r.kill = time.AfterFunc(grace, func() {
		_ = unix.Kill(-pgid, unix.SIGKILL)
	})
	return nil
}

// Running reports whether a child is currently supervised.
func (r *Runner) Running() bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.cmd != nil
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

func attachPTYs(cmd *exec.Cmd, proto Command) (*fanIn, error) {
	outM, outS, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pty: %w", err)
	}
	errM, errS, err := pty.Open()
	if err != nil {
		_ = outM.Close()
		_ = outS.Close()
		return nil, fmt.Errorf("opening stderr pty: %w", err)
	}
	cmd.Stdout = outS
	cmd.Stderr = errS

	echo, echoErr := proto.Echo, proto.EchoErr
	if echo == nil {
		echo = os.Stdout
	}
	if echoErr == nil {
		echoErr = os.Stderr
	}
	return newFanIn(
		stream{master: outM, slave: outS, sink: orDiscard(proto.Stdout), echo: echo},
		stream{master: errM, slave: errS, sink: orDiscard(proto.Stderr), echo: echoErr},
	), nil
}
