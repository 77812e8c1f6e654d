// Package entrypoint starts the single entrypoint process and waits for it.
//
// The process inherits the caller's output streams directly, so nothing is
// batched between the entrypoint and whoever reads the container logs.
// Termination signals received by svcboot are forwarded to the process;
// there is no restart or retry policy at this layer.
package entrypoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// DefaultStopTimeout is how long a cancelled process gets between SIGTERM
// and SIGKILL.
const DefaultStopTimeout = 10 * time.Second

// ForwardedSignals are relayed to the running entrypoint.
var ForwardedSignals = []os.Signal{unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGQUIT, unix.SIGUSR1, unix.SIGUSR2}

// Spec describes the process to start.
type Spec struct {
	Argv   []string
	Dir    string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a started entrypoint.
type Process interface {
	// Pid returns the OS process id.
	Pid() int

	// Signal delivers sig to the process.
	Signal(sig os.Signal) error

	// Wait blocks until the process exits and returns its exit code. A
	// process killed by a signal reports 128+signal, as a shell would.
	Wait() (int, error)
}

// Starter starts processes. ExecStarter is the real implementation; tests
// substitute fakes.
type Starter interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}

// ExecStarter starts processes with os/exec.
type ExecStarter struct {
	// StopTimeout overrides DefaultStopTimeout when positive.
	StopTimeout time.Duration
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitStatus(exitErr.ProcessState), nil
	}
	return 1, err
}

// exitStatus converts a process state into a shell-style exit code.
func exitStatus(ps *os.ProcessState) int {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}

// Start implements Starter. Cancelling ctx sends SIGTERM, then SIGKILL
// after the stop timeout.
func (s *ExecStarter) Start(ctx context.Context, spec Spec) (Process, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("empty entrypoint invocation")
	}

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(unix.SIGTERM) }
	cmd.WaitDelay = DefaultStopTimeout
	if s.StopTimeout > 0 {
		cmd.WaitDelay = s.StopTimeout
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

// Launcher starts the entrypoint and waits for it.
type Launcher struct {
	Starter Starter

	// Signals are forwarded to the process while it runs. May be nil.
	Signals <-chan os.Signal

	// OnStart is called once the process is running, before Run blocks.
	OnStart func(pid int)

	Logger zerolog.Logger
}

// Run starts exactly one process and blocks until it exits. The returned
// error is non-nil only when the process could not be started or waited
// for; a non-zero exit is reported through the exit code.
func (l *Launcher) Run(ctx context.Context, spec Spec) (int, error) {
	starter := l.Starter
	if starter == nil {
		starter = &ExecStarter{}
	}

	proc, err := starter.Start(ctx, spec)
	if err != nil {
		return 0, fmt.Errorf("failed to start %q: %w", strings.Join(spec.Argv, " "), err)
	}
	l.Logger.Info().Int("pid", proc.Pid()).Strs("argv", spec.Argv).Msg("entrypoint started")
	if l.OnStart != nil {
		l.OnStart(proc.Pid())
	}

	done := make(chan struct{})
	defer close(done)
	go l.forward(proc, done)

	code, err := proc.Wait()
	if err != nil {
		return code, fmt.Errorf("failed waiting for entrypoint: %w", err)
	}
	l.Logger.Info().Int("exit_code", code).Msg("entrypoint exited")
	return code, nil
}

func (l *Launcher) forward(proc Process, done <-chan struct{}) {
	for {
		select {
		case sig, ok := <-l.Signals:
			if !ok {
				return
			}
			l.Logger.Debug().Str("signal", signalName(sig)).Msg("forwarding signal")
			if err := proc.Signal(sig); err != nil {
				l.Logger.Debug().Err(err).Msg("signal not delivered")
			}
		case <-done:
			return
		}
	}
}

func signalName(sig os.Signal) string {
	if s, ok := sig.(syscall.Signal); ok {
		if name := unix.SignalName(s); name != "" {
			return name
		}
	}
	return sig.String()
}

// MissingEnv returns the names in required that are unset or empty in env.
func MissingEnv(env []string, required []string) []string {
	set := make(map[string]bool, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && v != "" {
			set[k] = true
		}
	}

	var missing []string
	for _, name := range required {
		if !set[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

// UnsetEnv returns env without the variables named in names.
func UnsetEnv(env []string, names ...string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		if !slices.Contains(names, k) {
			out = append(out, kv)
		}
	}
	return out
}

// MergeEnv overlays KEY=VALUE pairs onto base. Later pairs win; the order
// of first appearance is kept.
func MergeEnv(base []string, overlays ...[]string) []string {
	index := make(map[string]int)
	var out []string
	put := func(kv string) {
		k, _, _ := strings.Cut(kv, "=")
		if i, ok := index[k]; ok {
			out[i] = kv
			return
		}
		index[k] = len(out)
		out = append(out, kv)
	}

	for _, kv := range base {
		put(kv)
	}
	for _, o := range overlays {
		for _, kv := range o {
			put(kv)
		}
	}
	return out
}
