package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/svcboot/internal/dockerfile"
	"github.com/shinji-kodama/svcboot/internal/model"
)

type renderFlags struct {
	output string
}

// NewRenderCommand creates the "render" cobra command.
func NewRenderCommand() *cobra.Command {
	flags := &renderFlags{}

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the generated Dockerfile",
		Long: `Render the image definition for the configured service.

The Dockerfile is written to stdout unless --output is given. "build" injects
the same file into the build context, so rendering is only needed to inspect
it or to build with other tools.

Examples:
  svcboot render
  svcboot render -o ` + dockerfile.Name,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "Write the Dockerfile to this path instead of stdout")
	return cmd
}

func runRender(_ context.Context, flags *renderFlags) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	instrs, err := renderInstructions(p)
	if err != nil {
		return err
	}
	data := dockerfile.Format(instrs)

	if flags.output == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(flags.output, data, 0o644); err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to write Dockerfile", err)
	}
	fmt.Fprintf(os.Stderr, "Wrote %s\n", flags.output)
	return nil
}
