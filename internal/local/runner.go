package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Command is one tool invocation made by a local step.
type Command struct {
	Argv []string
	Env  []string
	Dir  string
}

func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// Runner runs installer and probe commands to completion.
type Runner interface {
	// LookPath resolves an executable name like exec.LookPath.
	LookPath(name string) (string, error)

	// Run executes cmd and returns its combined output. A non-zero exit is
	// reported as an error; the output is returned either way.
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// LookPath implements Runner.
func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	if len(cmd.Argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Env = cmd.Env
	c.Dir = cmd.Dir

	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	err := c.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out.Bytes(), fmt.Errorf("%s exited with status %d", cmd.Argv[0], exitErr.ExitCode())
	}
	return out.Bytes(), err
}

// FakeHandler simulates a command. It returns the output and exit code.
type FakeHandler func(ctx context.Context, cmd Command) (string, int)

// FakeRunner is a Runner for tests. Commands are dispatched on the base
// name of the first argument; every call is recorded.
type FakeRunner struct {
	mu       sync.Mutex
	paths    map[string]string
	commands map[string]FakeHandler
	calls    []Command
}

// NewFakeRunner creates an empty FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		paths:    make(map[string]string),
		commands: make(map[string]FakeHandler),
	}
}

// RegisterCommand makes name resolvable and routes its invocations to h.
func (r *FakeRunner) RegisterCommand(name string, h FakeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[name] = "/usr/bin/" + name
	r.commands[name] = h
}

// Calls returns the recorded invocations in order.
func (r *FakeRunner) Calls() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.calls...)
}

// LookPath implements Runner.
func (r *FakeRunner) LookPath(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.paths[name]; ok {
		return p, nil
	}
	return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
}

// Run implements Runner.
func (r *FakeRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	if len(cmd.Argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	h, ok := r.commands[filepath.Base(cmd.Argv[0])]
	r.mu.Unlock()

	if !ok {
		return nil, &exec.Error{Name: cmd.Argv[0], Err: exec.ErrNotFound}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, code := h(ctx, cmd)
	if code != 0 {
		return []byte(out), fmt.Errorf("%s exited with status %d", cmd.Argv[0], code)
	}
	return []byte(out), nil
}
