package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/svcboot/internal/bootstrap"
	"github.com/shinji-kodama/svcboot/internal/docker"
)

// buildFlags holds the flag values shared by build and run.
type buildFlags struct {
	tag     string
	noCache bool
	pull    bool
}

func (f *buildFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.tag, "tag", "t", "", "Image tag (default: <name>:latest)")
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "Do not use the build cache")
	cmd.Flags().BoolVar(&f.pull, "pull", true, "Pull the base image before building")
}

// NewBuildCommand creates the "build" cobra command.
func NewBuildCommand() *cobra.Command {
	flags := &buildFlags{}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the service image",
		Long: `Build the service image from the generated Dockerfile.

The base image is pulled, the source tree (filtered by .dockerignore) is sent
as the build context and the image is tagged. A failing build step is
reported with the bootstrap error kind of the instruction that failed.

Examples:
  svcboot build
  svcboot build --tag registry.example.com/app:1.2.0 --no-cache`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), flags)
		},
	}

	flags.register(cmd)
	return cmd
}

func runBuild(ctx context.Context, flags *buildFlags) error {
	p, err := loadProject()
	if err != nil {
		return err
	}

	cli, err := connectDocker(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	b := newImageBackend(ctx, p, cli.Engine(), flags)
	if _, err := b.Pipeline(recorder, b.BuildSteps()).Run(ctx, bootstrap.NewState()); err != nil {
		return err
	}

	if IsJSONOutput() {
		data, _ := json.MarshalIndent(map[string]string{"image": b.ImageID, "tag": b.ImageTag()}, "", "  ")
		fmt.Println(string(data))
		return nil
	}
	fmt.Fprintf(os.Stdout, "Built %s (%s)\n", b.ImageTag(), b.ImageID)
	return nil
}

// newImageBackend wires the image backend for a project.
func newImageBackend(ctx context.Context, p *project, eng docker.Engine, flags *buildFlags) *docker.Backend {
	return &docker.Backend{
		Config:   p.Config,
		Manifest: p.Manifest,
		Engine:   eng,
		Tag:      flags.tag,
		Revision: revision(ctx, p.Config.Source),
		NoCache:  flags.noCache,
		SkipPull: !flags.pull,
		Progress: buildProgress(),
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		Logger:   logger,
	}
}
