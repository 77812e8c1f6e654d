// Package cli implements the cobra-based CLI commands for svcboot.
//
// Each subcommand is defined in its own file within this package. This file
// defines the root command, the global flags shared by every subcommand and
// the translation of errors into process exit codes.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shinji-kodama/svcboot/internal/config"
	"github.com/shinji-kodama/svcboot/internal/logging"
	"github.com/shinji-kodama/svcboot/internal/metrics"
	"github.com/shinji-kodama/svcboot/internal/model"
)

// Global state shared across all subcommands. The flags are bound to
// cobra persistent flags on the root command and mirrored into viper so
// they can also be set through SVCBOOT_* environment variables.
var (
	jsonOutput  bool
	verbose     bool
	configPath  string
	metricsFile string

	settings = viper.New()
	logger   = zerolog.Nop()
	recorder = metrics.NewRecorder()
)

// Version, Commit and Date are set at build time via ldflags and injected
// from the main package.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand creates and configures the root cobra command.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "svcboot",
		Short: "Containerized service bootstrap",
		Long: `svcboot bootstraps a single-process service: it acquires the interpreter
runtime, installs system prerequisites and the declared dependency manifest,
materializes the program source, applies the runtime flags and starts exactly
one entrypoint process whose exit code becomes svcboot's exit code.

The bootstrap runs either as a Docker image build followed by a container run
(build, run) or directly on the current host (up).`,

		// Errors are formatted by Execute, as text or JSON.
		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			applySettings()
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Config file (default: svcboot.yaml or svcboot.json in the current directory)")
	pf.BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	pf.StringVar(&metricsFile, "metrics-file", "", "Write Prometheus textfile metrics to this path")

	settings.SetEnvPrefix(config.EnvPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	for _, name := range []string{"config", "json", "verbose", "metrics-file"} {
		_ = settings.BindPFlag(name, pf.Lookup(name))
	}

	rootCmd.AddCommand(NewCheckCommand())
	rootCmd.AddCommand(NewRenderCommand())
	rootCmd.AddCommand(NewPlanCommand())
	rootCmd.AddCommand(NewBuildCommand())
	rootCmd.AddCommand(NewRunCommand())
	rootCmd.AddCommand(NewUpCommand())
	rootCmd.AddCommand(NewComposeCommand())
	rootCmd.AddCommand(NewListCommand())

	return rootCmd
}

// applySettings copies the resolved flag/env values back into the globals
// and builds the logger.
func applySettings() {
	configPath = settings.GetString("config")
	jsonOutput = settings.GetBool("json")
	verbose = settings.GetBool("verbose")
	metricsFile = settings.GetString("metrics-file")

	logger = logging.New(logging.Options{JSON: jsonOutput, Verbose: verbose})
}

// Execute runs the root command, writes metrics and exits the process with
// the code ExitCodeFor assigns to the outcome.
func Execute(rootCmd *cobra.Command) {
	err := rootCmd.Execute()

	var exit *entrypointExit
	if _, ok := model.KindOf(err); ok {
		recorder.BootstrapFailed(err)
	}
	if metricsFile != "" {
		if werr := recorder.WriteFile(metricsFile); werr != nil {
			logger.Warn().Err(werr).Str("path", metricsFile).Msg("failed to write metrics")
		}
	}

	if err != nil && !errors.As(err, &exit) {
		printError(os.Stderr, err)
	}
	os.Exit(ExitCodeFor(err))
}

// entrypointExit carries the exit code of an entrypoint that ran. It is not
// printed: the entrypoint has already reported whatever it had to say.
type entrypointExit struct {
	code int
}

func (e *entrypointExit) Error() string {
	return fmt.Sprintf("entrypoint exited with code %d", e.code)
}

// exitWith converts an entrypoint exit code into the command result.
func exitWith(code int) error {
	if code == 0 {
		return nil
	}
	return &entrypointExit{code: code}
}

// ExitCodeFor maps a command error to the process exit code. Once the
// entrypoint has run its own code wins; bootstrap failures map by kind;
// CLIErrors carry their own code.
func ExitCodeFor(err error) int {
	if err == nil {
		return int(model.ExitSuccess)
	}

	var exit *entrypointExit
	if errors.As(err, &exit) {
		return exit.code
	}
	if kind, ok := model.KindOf(err); ok {
		return int(kind.ExitCode())
	}
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		return int(cliErr.Code)
	}
	return int(model.ExitGeneralError)
}

// errorJSON is the error document written in --json mode.
type errorJSON struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Step    string `json:"step,omitempty"`
	Output  string `json:"output,omitempty"`
	Code    int    `json:"exitCode"`
}

// printError outputs err in the format selected by --json.
func printError(w io.Writer, err error) {
	body := errorBody{Message: err.Error(), Code: ExitCodeFor(err)}

	var bErr *model.BootstrapError
	var cliErr *model.CLIError
	switch {
	case errors.As(err, &bErr):
		body.Kind = bErr.Kind.String()
		body.Step = bErr.Step
		body.Output = bErr.Output
		if bErr.Err != nil {
			body.Message = bErr.Err.Error()
		}
	case errors.As(err, &cliErr):
		body.Message = cliErr.Message
		if cliErr.Err != nil {
			body.Detail = cliErr.Err.Error()
		}
	}

	if jsonOutput {
		// stdout is reserved for successful command output.
		data, _ := json.MarshalIndent(errorJSON{Error: body}, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}

// VerboseLog writes a debug line when verbose mode is enabled.
func VerboseLog(format string, args ...interface{}) {
	logger.Debug().Msgf(format, args...)
}

// IsJSONOutput returns whether the --json flag is set.
func IsJSONOutput() bool {
	return jsonOutput
}
