package cli

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/svcboot/internal/bootstrap"
	"github.com/shinji-kodama/svcboot/internal/entrypoint"
	"github.com/shinji-kodama/svcboot/internal/local"
)

type upFlags struct {
	inPlace     bool
	stopTimeout time.Duration
}

// NewUpCommand creates the "up" cobra command.
func NewUpCommand() *cobra.Command {
	flags := &upFlags{}

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Bootstrap and start the entrypoint on this host",
		Long: `Run the whole bootstrap directly on the current host or container, without
building an image, and start the entrypoint as a child process.

This is the mode to use as a container's own entrypoint: system packages are
installed with apt-get, the dependency manifest is installed into the env
directory (skipped when the installed manifest digest is unchanged), the
source is copied into the working directory and the entrypoint is started with
the runtime flags applied. svcboot exits with the entrypoint's exit code.

Examples:
  svcboot up
  svcboot up --in-place
  SVCBOOT_SYSTEMPACKAGES= svcboot up`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUp(cmd.Context(), flags)
		},
	}

	cmd.Flags().BoolVar(&flags.inPlace, "in-place", false, "Run from the source directory instead of copying it to workDir")
	cmd.Flags().DurationVar(&flags.stopTimeout, "stop-timeout", entrypoint.DefaultStopTimeout, "Grace period between SIGTERM and SIGKILL on cancellation")
	return cmd
}

func runUp(ctx context.Context, flags *upFlags) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	if flags.inPlace {
		p.Config.WorkDir = p.Config.Source
	}

	signals, stop := notifySignals()
	defer stop()

	b := &local.Backend{
		Config:   p.Config,
		Manifest: p.Manifest,
		Runner:   local.ExecRunner{},
		Starter:  &entrypoint.ExecStarter{StopTimeout: flags.stopTimeout},
		Signals:  signals,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		Logger:   logger,
	}

	st, err := b.Pipeline(recorder).Run(ctx, bootstrap.NewState())
	if err != nil {
		return err
	}
	recorder.EntrypointExited(st.ExitCode, time.Now())
	return exitWith(st.ExitCode)
}
