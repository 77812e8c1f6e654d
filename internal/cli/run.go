package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/svcboot/internal/bootstrap"
	"github.com/shinji-kodama/svcboot/internal/docker"
	"github.com/shinji-kodama/svcboot/internal/model"
	"github.com/shinji-kodama/svcboot/internal/port"
)

type runFlags struct {
	buildFlags

	publish string
	remove  bool
	noBuild bool
}

// NewRunCommand creates the "run" cobra command.
func NewRunCommand() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build the image and run the entrypoint container",
		Long: `Build the service image and start the entrypoint in a container.

svcboot stays attached: container output is streamed as it is produced,
termination signals are forwarded to the container and svcboot exits with the
entrypoint's exit code. The declared port is only published on the host with
--publish, either on a given host port or on the first free one ("auto").

Examples:
  svcboot run
  svcboot run --publish auto --rm
  svcboot run --no-build --tag app:1.2.0 --publish 18000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), flags)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&flags.publish, "publish", "p", "", `Publish the declared port on the host: "auto" or a host port`)
	cmd.Flags().BoolVar(&flags.remove, "rm", false, "Remove the container after it exits")
	cmd.Flags().BoolVar(&flags.noBuild, "no-build", false, "Run the existing image without building")
	return cmd
}

func runRun(ctx context.Context, flags *runFlags) error {
	p, err := loadProject()
	if err != nil {
		return err
	}

	cli, err := connectDocker(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()
	eng := cli.Engine()

	hostPort, err := resolvePublish(ctx, eng, flags.publish, p.Config.PortContract())
	if err != nil {
		return err
	}
	if hostPort != 0 {
		logger.Info().Int("hostPort", hostPort).Str("port", p.Config.PortContract().String()).Msg("publishing declared port")
	}

	signals, stop := notifySignals()
	defer stop()

	b := newImageBackend(ctx, p, eng, &flags.buildFlags)
	b.HostPort = hostPort
	b.Remove = flags.remove
	b.Signals = signals

	imageSteps := b.BuildSteps()
	if flags.noBuild {
		imageSteps = b.ExistingImageSteps()
	}

	st, err := b.Pipeline(recorder, imageSteps, b.RunSteps()).Run(ctx, bootstrap.NewState())
	if err != nil {
		return err
	}
	recorder.EntrypointExited(st.ExitCode, time.Now())
	return exitWith(st.ExitCode)
}

// resolvePublish turns the --publish value into a host port, avoiding
// ports already published by other svcboot containers.
func resolvePublish(ctx context.Context, eng docker.Engine, value string, pc model.PortContract) (int, error) {
	if value == "" {
		return 0, nil
	}

	alloc := port.NewAllocator(port.NewScanner())
	if containers, err := docker.ListManagedContainers(ctx, eng); err == nil {
		alloc.Reserve(docker.PublishedHostPorts(containers)...)
	} else {
		VerboseLog("Could not list existing containers: %v", err)
	}

	hostPort, err := alloc.Resolve(value, pc)
	if err != nil {
		return 0, model.WrapCLIError(model.ExitGeneralError, "failed to publish port", err)
	}
	return hostPort, nil
}
