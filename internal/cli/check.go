package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/svcboot/internal/dockerfile"
	"github.com/shinji-kodama/svcboot/internal/manifest"
	"github.com/shinji-kodama/svcboot/internal/model"
)

// NewCheckCommand creates the "check" cobra command.
func NewCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and dependency manifest",
		Long: `Validate the configuration, the dependency manifest and the rendered image
definition without building or starting anything.

Examples:
  svcboot check
  svcboot check --config deploy/svcboot.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context())
		},
	}
}

// checkResult is the JSON output of check.
type checkResult struct {
	Name           string   `json:"name"`
	ConfigFile     string   `json:"configFile,omitempty"`
	Source         string   `json:"source"`
	BaseImage      string   `json:"baseImage"`
	Entrypoint     string   `json:"entrypoint"`
	Manifest       string   `json:"manifest"`
	ManifestDigest string   `json:"manifestDigest"`
	Requirements   []string `json:"requirements"`
	SystemPackages []string `json:"systemPackages"`
	Flags          []string `json:"flags"`
	Port           string   `json:"port"`
	RequiredEnv    []string `json:"requiredEnv"`
}

func runCheck(_ context.Context) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	if _, err := renderInstructions(p); err != nil {
		return err
	}

	cfg := p.Config
	res := checkResult{
		Name:           cfg.Name,
		ConfigFile:     cfg.File,
		Source:         cfg.Source,
		BaseImage:      cfg.BaseImage,
		Entrypoint:     cfg.EntrypointSpec().String(),
		Manifest:       cfg.Manifest,
		ManifestDigest: manifest.Digest(p.Manifest).String(),
		Requirements:   make([]string, 0, p.Manifest.Len()),
		SystemPackages: append([]string{}, cfg.SystemPackages...),
		Flags:          cfg.RuntimeFlags().Env(),
		Port:           cfg.PortContract().String(),
		RequiredEnv:    append([]string{}, cfg.RequiredEnv...),
	}
	for _, r := range p.Manifest.Requirements {
		res.Requirements = append(res.Requirements, r.String())
	}

	if IsJSONOutput() {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Configuration OK: %s\n", res.Name)
	if res.ConfigFile != "" {
		fmt.Printf("  Config:       %s\n", res.ConfigFile)
	}
	fmt.Printf("  Source:       %s\n", res.Source)
	fmt.Printf("  Base image:   %s\n", res.BaseImage)
	fmt.Printf("  Entrypoint:   %s\n", res.Entrypoint)
	fmt.Printf("  Manifest:     %s (%d requirements, %s)\n", res.Manifest, len(res.Requirements), res.ManifestDigest)
	fmt.Printf("  Flags:        %s\n", orDash(strings.Join(res.Flags, " ")))
	fmt.Printf("  Port:         %s\n", res.Port)
	fmt.Printf("  Required env: %s\n", orDash(strings.Join(res.RequiredEnv, ", ")))
	return nil
}

// renderInstructions renders and validates the image definition.
func renderInstructions(p *project) ([]dockerfile.Instruction, error) {
	instrs := dockerfile.Render(dockerfile.SpecFromConfig(p.Config))
	if err := dockerfile.Validate(instrs); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigInvalid, "invalid image definition", err)
	}
	return instrs, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
