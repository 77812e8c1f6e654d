package cli

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/term"

	"github.com/shinji-kodama/svcboot/internal/config"
	"github.com/shinji-kodama/svcboot/internal/docker"
	"github.com/shinji-kodama/svcboot/internal/entrypoint"
	"github.com/shinji-kodama/svcboot/internal/manifest"
	"github.com/shinji-kodama/svcboot/internal/model"
	"github.com/shinji-kodama/svcboot/internal/vcs"
)

// project is a loaded and validated configuration with its manifest.
type project struct {
	Config   *config.Config
	Manifest *model.Manifest
}

// loadProject reads the configuration and the dependency manifest. Both
// are validated here so every command fails the same way on bad input.
func loadProject() (*project, error) {
	cfg, err := config.Load(config.NewViper(), configPath, ".")
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigInvalid, "failed to load configuration", err)
	}
	if cfg.File != "" {
		VerboseLog("Using config file %s", cfg.File)
	}
	if err := cfg.Validate(); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigInvalid, "invalid configuration", err)
	}

	m, err := manifest.Load(cfg.ManifestPath())
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigInvalid, "invalid dependency manifest", err)
	}
	VerboseLog("Loaded %d requirements from %s", m.Len(), cfg.ManifestPath())

	return &project{Config: cfg, Manifest: m}, nil
}

// revision returns the VCS revision of the source tree, or "" outside a
// Git checkout.
func revision(ctx context.Context, dir string) string {
	info, err := vcs.Describe(ctx, dir)
	if err != nil {
		VerboseLog("No VCS revision for %s: %v", dir, err)
		return ""
	}
	return info.Revision()
}

// buildProgress renders pull and build progress on stderr, with progress
// bars when stderr is a terminal.
func buildProgress() docker.Progress {
	fd := os.Stderr.Fd()
	return docker.Progress{
		Out:        os.Stderr,
		FD:         fd,
		IsTerminal: !jsonOutput && term.IsTerminal(int(fd)),
	}
}

// notifySignals relays the forwarded signal set to the returned channel
// until stop is called.
func notifySignals() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, entrypoint.ForwardedSignals...)
	return ch, func() { signal.Stop(ch) }
}

// connectDocker connects to the daemon.
func connectDocker(ctx context.Context) (*docker.Client, error) {
	cli, err := docker.Connect(ctx)
	if err != nil {
		return nil, err // already a CLIError with ExitDockerNotRunning
	}
	VerboseLog("Connected to Docker daemon")
	return cli, nil
}
