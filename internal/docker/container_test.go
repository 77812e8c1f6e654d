package docker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/shinji-kodama/svcboot/internal/model"
)

// TestListManagedContainers checks that stopped containers are included and
// that the managed-by label filter is sent to the daemon rather than being
// applied client side. The leading "/" the API puts on names is stripped.
func TestListManagedContainers(t *testing.T) {
	eng := &fakeEngine{listResult: []container.Summary{
		{ID: "abc", Names: []string{"/svcboot-app"}, Image: "svcboot-app:latest", State: "exited",
			Labels: map[string]string{LabelManagedBy: ManagedByValue}},
	}}

	infos, err := ListManagedContainers(context.Background(), eng)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "svcboot-app", infos[0].ContainerName)
	assert.Equal(t, "svcboot-app:latest", infos[0].Image)
	assert.Equal(t, "exited", infos[0].Status)

	require.Len(t, eng.listOptions, 1)
	assert.True(t, eng.listOptions[0].All, "stopped containers should be listed")
	assert.Equal(t, []string{ManagedFilter()}, eng.listOptions[0].Filters.Get("label"))
}

// TestRunContainer_ExitCodeAndOutput checks the container's exit code is
// returned and its demultiplexed output reaches both writers.
func TestRunContainer_ExitCodeAndOutput(t *testing.T) {
	eng := &fakeEngine{stdout: "listening\n", stderr: "warning\n", exitCode: 3}
	var stdout, stderr bytes.Buffer
	var startedID string

	code, err := RunContainer(context.Background(), eng, RunRequest{
		Name:    "svcboot-app",
		Image:   "svcboot-app:latest",
		Env:     []string{"BINGX_API_KEY=k"},
		Stdout:  &stdout,
		Stderr:  &stderr,
		Remove:  true,
		OnStart: func(id string) { startedID = id },
	}, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, 3, code)
	assert.Equal(t, "listening\n", stdout.String())
	assert.Equal(t, "warning\n", stderr.String())
	assert.Equal(t, "0123456789abcdef0123", startedID)
	assert.Equal(t, []string{startedID}, eng.removed)

	require.Len(t, eng.created, 1)
	assert.Empty(t, eng.created[0].Cmd, "the image CMD must be used unchanged")
	assert.Equal(t, []string{"BINGX_API_KEY=k"}, eng.created[0].Env)
}

// TestRunContainer_PortDeclaredNotPublished verifies the port contract is
// exposed as metadata and only bound on the host when asked to.
func TestRunContainer_PortDeclaredNotPublished(t *testing.T) {
	eng := &fakeEngine{}
	_, err := RunContainer(context.Background(), eng, RunRequest{
		Name:  "svc",
		Image: "svc:latest",
		Port:  model.PortContract{Port: 8000, Protocol: "tcp"},
	}, zerolog.Nop())
	require.NoError(t, err)

	assert.Contains(t, eng.created[0].ExposedPorts, nat.Port("8000/tcp"))
	assert.Empty(t, eng.hostConfigs[0].PortBindings)

	eng = &fakeEngine{}
	_, err = RunContainer(context.Background(), eng, RunRequest{
		Name:     "svc",
		Image:    "svc:latest",
		Port:     model.PortContract{Port: 8000, Protocol: "tcp"},
		HostPort: 18000,
	}, zerolog.Nop())
	require.NoError(t, err)
	bindings := eng.hostConfigs[0].PortBindings[nat.Port("8000/tcp")]
	require.Len(t, bindings, 1)
	assert.Equal(t, "18000", bindings[0].HostPort)
}

// TestRunContainer_ReusesNameAfterExit runs the same named container twice
// without --rm. The first container is left behind in the exited state; the
// second run must remove it and take over the name instead of failing with
// a name conflict.
func TestRunContainer_ReusesNameAfterExit(t *testing.T) {
	eng := &fakeEngine{exitCode: 0}
	req := RunRequest{
		Name:   "svcboot-app",
		Image:  "svcboot-app:latest",
		Labels: map[string]string{LabelManagedBy: ManagedByValue, LabelName: "svcboot-app"},
	}

	for i := 0; i < 2; i++ {
		code, err := RunContainer(context.Background(), eng, req, zerolog.Nop())
		require.NoError(t, err, "run %d", i+1)
		assert.Equal(t, 0, code)
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	require.Len(t, eng.started, 2)
	assert.Equal(t, []string{eng.started[0]}, eng.removed, "only the first, exited container is removed")
	require.Len(t, eng.containers, 1, "the second container is kept because --rm was not given")
	assert.Equal(t, eng.started[1], eng.containers[0].ID)
}

// TestRunContainer_NameHeldByRunningContainer verifies that a running
// container with the same name is never removed: a second entrypoint for
// the same service is an EntrypointStartFailed error and nothing is created.
func TestRunContainer_NameHeldByRunningContainer(t *testing.T) {
	eng := &fakeEngine{listResult: []container.Summary{
		{ID: "feedfacefeedface", Names: []string{"/svcboot-app"}, State: "running",
			Labels: map[string]string{LabelManagedBy: ManagedByValue}},
	}}

	_, err := RunContainer(context.Background(), eng, RunRequest{Name: "svcboot-app", Image: "svcboot-app:latest"}, zerolog.Nop())
	kind, ok := model.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, model.KindEntrypointStart, kind)
	assert.Contains(t, err.Error(), "already running")
	assert.Empty(t, eng.removed)
	assert.Empty(t, eng.created)
}

// TestRunContainer_LeavesUnmanagedContainers checks that a container
// svcboot did not create is left alone even when it holds the name. The
// daemon's conflict is reported as EntrypointStartFailed.
func TestRunContainer_LeavesUnmanagedContainers(t *testing.T) {
	eng := &fakeEngine{containers: []container.Summary{
		{ID: "c0ffeec0ffee", Names: []string{"/svcboot-app"}, State: "exited",
			Labels: map[string]string{"com.example.owner": "someone-else"}},
	}}

	_, err := RunContainer(context.Background(), eng, RunRequest{Name: "svcboot-app", Image: "svcboot-app:latest"}, zerolog.Nop())
	kind, ok := model.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, model.KindEntrypointStart, kind)
	assert.Contains(t, err.Error(), "already in use")
	assert.Empty(t, eng.removed)
}

// TestRunContainer_StartFailures maps both a failed create and a failed
// start to EntrypointStartFailed: in either case the entrypoint never ran.
func TestRunContainer_StartFailures(t *testing.T) {
	for name, eng := range map[string]*fakeEngine{
		"create": {createErr: errors.New("no such image")},
		"start":  {startErr: errors.New("exec format error")},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := RunContainer(context.Background(), eng, RunRequest{Name: "svc", Image: "svc:latest"}, zerolog.Nop())
			kind, ok := model.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, model.KindEntrypointStart, kind)
		})
	}
}

// TestRunContainer_ForwardsSignals delivers SIGTERM to svcboot while the
// container runs. It must reach the container through ContainerKill, and
// the exit code the container then reports becomes the result.
func TestRunContainer_ForwardsSignals(t *testing.T) {
	eng := &fakeEngine{exitCode: 143, exitReleased: make(chan struct{})}
	sigs := make(chan os.Signal, 1)

	done := make(chan int, 1)
	go func() {
		code, err := RunContainer(context.Background(), eng, RunRequest{Name: "svc", Image: "svc:latest", Signals: sigs}, zerolog.Nop())
		assert.NoError(t, err)
		done <- code
	}()

	sigs <- unix.SIGTERM
	select {
	case code := <-done:
		assert.Equal(t, 143, code)
	case <-time.After(5 * time.Second):
		t.Fatal("container did not exit after forwarded signal")
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	assert.Equal(t, []string{"SIGTERM"}, eng.killed)
}

// TestSignalName checks the names handed to the Engine API.
func TestSignalName(t *testing.T) {
	assert.Equal(t, "SIGHUP", SignalName(unix.SIGHUP))
	assert.Equal(t, "SIGQUIT", SignalName(unix.SIGQUIT))
}
