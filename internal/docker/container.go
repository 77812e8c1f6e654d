// container.go runs the entrypoint container and lists managed containers.
//
// All containers created by svcboot carry the "svcboot.managed-by" label,
// which is how list finds them among unrelated containers on the host.
package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/shinji-kodama/svcboot/internal/model"
)

// ListManagedContainers returns every svcboot container, including
// stopped ones. The label filter is applied by the daemon.
func ListManagedContainers(ctx context.Context, eng Engine) ([]model.ContainerInfo, error) {
	containers, err := eng.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedFilter())),
	})
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning, "failed to list Docker containers", err)
	}

	result := make([]model.ContainerInfo, 0, len(containers))
	for _, c := range containers {
		result = append(result, containerToInfo(c))
	}
	return result, nil
}

// containerToInfo strips the API's leading "/" from the container name.
func containerToInfo(c container.Summary) model.ContainerInfo {
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	return model.ContainerInfo{
		ContainerID:   c.ID,
		ContainerName: name,
		Image:         c.Image,
		Status:        c.State,
		Labels:        c.Labels,
	}
}

// RunRequest describes one entrypoint container.
type RunRequest struct {
	Name   string
	Image  string
	Env    []string
	Labels map[string]string

	// Port is exposed as image metadata. It is published on the host only
	// when HostPort is non-zero.
	Port     model.PortContract
	HostPort int

	// Remove deletes the container after it exits.
	Remove bool

	Stdout io.Writer
	Stderr io.Writer

	// Signals are relayed to the container with ContainerKill.
	Signals <-chan os.Signal

	// OnStart is called once the container is running.
	OnStart func(containerID string)
}

// containerConfig builds the create request. Cmd is left empty so the
// image's CMD, the single entrypoint, is used unchanged.
func containerConfig(req RunRequest) (*container.Config, *container.HostConfig, error) {
	cfg := &container.Config{
		Image:        req.Image,
		Env:          req.Env,
		Labels:       req.Labels,
		AttachStdout: true,
		AttachStderr: true,
	}
	host := &container.HostConfig{}

	if req.Port.Declared() {
		port, err := nat.NewPort(req.Port.Protocol, strconv.Itoa(req.Port.Port))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port contract %s: %w", req.Port, err)
		}
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		if req.HostPort != 0 {
			host.PortBindings = nat.PortMap{
				port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(req.HostPort)}},
			}
		}
	}
	return cfg, host, nil
}

// RunContainer creates and starts the entrypoint container, streams its
// output and blocks until it exits. The container's exit code is returned.
// Failing to create or start the container is EntrypointStartFailed.
func RunContainer(ctx context.Context, eng Engine, req RunRequest, log zerolog.Logger) (int, error) {
	cfg, host, err := containerConfig(req)
	if err != nil {
		return 0, model.NewBootstrapError(model.KindEntrypointStart, "create-container", err)
	}

	if req.Name != "" {
		if err := removeStale(ctx, eng, req.Name, log); err != nil {
			return 0, model.NewBootstrapError(model.KindEntrypointStart, "create-container", err)
		}
	}

	created, err := eng.ContainerCreate(ctx, cfg, host, nil, nil, req.Name)
	if err != nil {
		return 0, model.NewBootstrapError(model.KindEntrypointStart, "create-container", err)
	}
	id := created.ID
	for _, w := range created.Warnings {
		log.Warn().Str("container", req.Name).Msg(w)
	}

	if req.Remove {
		defer func() {
			// The run context may already be cancelled here.
			rmCtx := context.WithoutCancel(ctx)
			if err := eng.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
				log.Warn().Err(err).Str("container", id).Msg("failed to remove container")
			}
		}()
	}

	// Register for the exit before starting so a fast exit is not missed.
	waitCh, errCh := eng.ContainerWait(ctx, id, container.WaitConditionNextExit)

	if err := eng.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return 0, model.NewBootstrapError(model.KindEntrypointStart, "start-container", err)
	}
	log.Info().Str("container", shortID(id)).Str("image", req.Image).Msg("entrypoint container started")
	if req.OnStart != nil {
		req.OnStart(id)
	}

	var pump sync.WaitGroup
	logs, err := eng.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		log.Warn().Err(err).Msg("failed to attach to container logs")
	} else {
		pump.Add(1)
		go func() {
			defer pump.Done()
			defer logs.Close()
			if _, err := stdcopy.StdCopy(orDiscard(req.Stdout), orDiscard(req.Stderr), logs); err != nil {
				log.Debug().Err(err).Msg("log stream ended")
			}
		}()
	}

	done := make(chan struct{})
	defer close(done)
	go forwardSignals(ctx, eng, id, req.Signals, done, log)

	select {
	case resp := <-waitCh:
		pump.Wait()
		if resp.Error != nil && resp.Error.Message != "" {
			return int(resp.StatusCode), fmt.Errorf("container wait: %s", resp.Error.Message)
		}
		log.Info().Int64("exit_code", resp.StatusCode).Msg("entrypoint container exited")
		return int(resp.StatusCode), nil
	case err := <-errCh:
		return 0, fmt.Errorf("failed waiting for container: %w", err)
	}
}

// removeStale frees name for a new entrypoint container. A stopped svcboot
// container still holding the name, as left by a run without --rm, is
// removed. A running one is an error: there is exactly one entrypoint per
// service. Containers svcboot does not manage are never touched.
func removeStale(ctx context.Context, eng Engine, name string, log zerolog.Logger) error {
	containers, err := ListManagedContainers(ctx, eng)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.ContainerName != name {
			continue
		}
		switch c.Status {
		case "running", "restarting", "paused":
			return fmt.Errorf("container %s (%s) is already %s", name, shortID(c.ContainerID), c.Status)
		}
		log.Info().Str("container", shortID(c.ContainerID)).Str("status", c.Status).Msg("removing previous container")
		if err := eng.ContainerRemove(ctx, c.ContainerID, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("failed to remove previous container %s: %w", name, err)
		}
	}
	return nil
}

func forwardSignals(ctx context.Context, eng Engine, id string, signals <-chan os.Signal, done <-chan struct{}, log zerolog.Logger) {
	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				return
			}
			name := SignalName(sig)
			log.Debug().Str("signal", name).Msg("forwarding signal to container")
			if err := eng.ContainerKill(context.WithoutCancel(ctx), id, name); err != nil {
				log.Debug().Err(err).Msg("signal not delivered")
			}
		case <-done:
			return
		}
	}
}

// SignalName returns the name the Engine API expects, e.g. "SIGTERM".
func SignalName(sig os.Signal) string {
	if s, ok := sig.(syscall.Signal); ok {
		if name := unix.SignalName(s); name != "" {
			return name
		}
		return strconv.Itoa(int(s))
	}
	return sig.String()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
