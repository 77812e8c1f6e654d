package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/svcboot/internal/compose"
	"github.com/shinji-kodama/svcboot/internal/docker"
	"github.com/shinji-kodama/svcboot/internal/dockerfile"
	"github.com/shinji-kodama/svcboot/internal/manifest"
	"github.com/shinji-kodama/svcboot/internal/model"
)

type composeFlags struct {
	tag       string
	output    string
	publish   string
	withBuild bool
}

// NewComposeCommand creates the "compose" cobra command.
func NewComposeCommand() *cobra.Command {
	flags := &composeFlags{}

	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Generate a Compose service definition",
		Long: `Generate a Compose file declaring the service image, its runtime flags,
its required environment variables and its port contract.

The declared port is listed under "expose"; it is only published on the host
when --publish is given. With --build the generated Dockerfile is written into
the source directory and referenced from a build section.

Examples:
  svcboot compose
  svcboot compose --publish 8000 -o compose.yaml
  svcboot compose --build --tag app:dev`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompose(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.tag, "tag", "t", "", "Image tag (default: <name>:latest)")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "Write the Compose file to this path instead of stdout")
	cmd.Flags().StringVarP(&flags.publish, "publish", "p", "", "Publish the declared port on this host port")
	cmd.Flags().BoolVar(&flags.withBuild, "build", false, "Add a build section and write the Dockerfile next to the source")
	return cmd
}

func runCompose(ctx context.Context, flags *composeFlags) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	cfg := p.Config

	opts := compose.Options{
		Image: flags.tag,
		Labels: docker.BuildLabels(docker.Metadata{
			Name:           cfg.Name,
			Entrypoint:     cfg.EntrypointSpec(),
			ManifestDigest: manifest.Digest(p.Manifest),
			Port:           cfg.PortContract(),
			Revision:       revision(ctx, cfg.Source),
			Extra:          cfg.Labels,
		}),
	}
	if opts.Image == "" {
		opts.Image = cfg.Name + ":latest"
	}
	if flags.publish != "" {
		hostPort, err := strconv.Atoi(flags.publish)
		if err != nil || hostPort < 1 || hostPort > 65535 {
			return model.NewCLIError(model.ExitGeneralError, fmt.Sprintf("invalid --publish value %q: must be a port 1-65535", flags.publish))
		}
		opts.HostPort = hostPort
	}

	if flags.withBuild {
		instrs, err := renderInstructions(p)
		if err != nil {
			return err
		}
		dfPath := filepath.Join(cfg.Source, dockerfile.Name)
		if err := os.WriteFile(dfPath, dockerfile.Format(instrs), 0o644); err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to write Dockerfile", err)
		}
		VerboseLog("Wrote %s", dfPath)
		opts.BuildContext = buildContextFor(cfg.Source, flags.output)
	}

	f, err := compose.Generate(cfg, opts)
	if err != nil {
		return model.WrapCLIError(model.ExitConfigInvalid, "failed to generate compose file", err)
	}
	data, err := compose.Marshal(f)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to generate compose file", err)
	}

	if flags.output == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := compose.WriteFile(flags.output, data); err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to write compose file", err)
	}
	fmt.Fprintf(os.Stderr, "Wrote %s\n", flags.output)
	return nil
}

// buildContextFor expresses the source directory relative to the Compose
// file, which is how Compose resolves build contexts. Without an output
// file the absolute path is used.
func buildContextFor(source, output string) string {
	if output == "" {
		return source
	}
	absOut, err := filepath.Abs(output)
	if err != nil {
		return source
	}
	rel, err := filepath.Rel(filepath.Dir(absOut), source)
	if err != nil {
		return source
	}
	if rel == "." {
		return rel
	}
	if !filepath.IsAbs(rel) && rel[0] != '.' {
		rel = "./" + rel
	}
	return filepath.ToSlash(rel)
}
