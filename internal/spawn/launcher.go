// Package spawn starts compartment processes by re-executing the running
// binary with a role, and reports their exits.
package spawn

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Exit reports the end of a spawned process.
type Exit struct {
	Index  int
	PID    int
	Code   int
	Signal syscall.Signal
	Err    error
}

// Launcher re-executes the current program once per compartment.
type Launcher struct {
	path  string
	args  []string
	run   uuid.UUID
	exits chan Exit
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithCommand replaces the re-executed program and its arguments.
func WithCommand(path string, args ...string) Option {
	return func(l *Launcher) {
		l.path = path
		l.args = args
	}
}

// NewLauncher returns a launcher for run. capacity bounds the number of
// exits buffered before the monitor collects them.
func NewLauncher(run uuid.UUID, capacity int, opts ...Option) (*Launcher, error) {
	l := &Launcher{run: run, exits: make(chan Exit, capacity)}
	for _, opt := range opts {
		opt(l)
	}
	if l.path == "" {
		path, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		l.path = path
		l.args = os.Args[1:]
	}
	return l, nil
}

// Exits delivers one Exit per spawned process.
func (l *Launcher) Exits() <-chan Exit {
	return l.exits
}

// Spawn starts compartment idx as role. files are inherited from
// FirstInheritedFD onwards, in order; b is written to the child's
// BootstrapFD. The caller keeps its copies of files.
func (l *Launcher) Spawn(idx int, role string, b Bootstrap, files []*os.File) (int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return 0, fmt.Errorf("bootstrap pipe: %w", err)
	}
	bootR := os.NewFile(uintptr(fds[0]), "compart-bootstrap-r")
	bootW := os.NewFile(uintptr(fds[1]), "compart-bootstrap-w")
	defer bootW.Close()

	cmd := exec.Command(l.path, l.args...)
	cmd.Env = childEnv(os.Environ(), role, l.run.String())
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = append([]*os.File{bootR}, files...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
	}

	err := cmd.Start()
	_ = bootR.Close()
	if err != nil {
		return 0, fmt.Errorf("start %s: %w", role, err)
	}
	pid := cmd.Process.Pid

	go func() {
		waitErr := cmd.Wait()
		l.exits <- exitFromWait(idx, pid, waitErr, cmd.ProcessState)
	}()

	b.Run = l.run.String()
	b.Role = role
	b.Index = idx
	if err := WriteBootstrap(bootW, b); err != nil {
		_ = cmd.Process.Kill()
		return pid, err
	}
	return pid, nil
}

// Kill sends SIGKILL to pid.
func Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	return unix.Kill(pid, unix.SIGKILL)
}

func childEnv(environ []string, role, run string) []string {
	env := make([]string, 0, len(environ)+2)
	for _, kv := range environ {
		if strings.HasPrefix(kv, EnvRole+"=") || strings.HasPrefix(kv, EnvRun+"=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, EnvRole+"="+role, EnvRun+"="+run)
}

func exitFromWait(idx, pid int, err error, state *os.ProcessState) Exit {
	e := Exit{Index: idx, PID: pid, Code: -1}
	if state != nil {
		e.Code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			e.Signal = ws.Signal()
		}
		return e
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		e.Code = exitErr.ExitCode()
	}
	e.Err = err
	return e
}
