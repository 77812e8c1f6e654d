package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/svcboot/internal/dockerfile"
	"github.com/shinji-kodama/svcboot/internal/manifest"
	"github.com/shinji-kodama/svcboot/internal/model"
	"github.com/shinji-kodama/svcboot/internal/srctree"
)

// NewPlanCommand creates the "plan" cobra command.
func NewPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the bootstrap steps and their layer cache keys",
		Long: `Show every instruction of the image definition with the bootstrap step it
implements, the error kind reported when it fails and its layer cache key.

Cache keys chain like a layered builder: a source-only change leaves every
key up to and including the dependency install unchanged.

Examples:
  svcboot plan
  svcboot plan --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd.Context())
		},
	}
}

// planRow is one line of plan output.
type planRow struct {
	Step        int    `json:"step"`
	Instruction string `json:"instruction"`
	Purpose     string `json:"purpose"`
	Kind        string `json:"failureKind"`
	Key         string `json:"cacheKey"`
}

func runPlan(ctx context.Context) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	instrs, err := renderInstructions(p)
	if err != nil {
		return err
	}

	m, err := srctree.LoadMatcher(p.Config.Source)
	if err != nil {
		return model.WrapCLIError(model.ExitConfigInvalid, "failed to read ignore file", err)
	}
	srcDigest, err := srctree.Digest(ctx, p.Config.Source, m)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to digest source tree", err)
	}

	rows := planRows(instrs, dockerfile.Inputs{
		Manifest: manifest.Digest(p.Manifest),
		Source:   srcDigest,
	})

	if IsJSONOutput() {
		data, _ := json.MarshalIndent(map[string]interface{}{"steps": rows}, "", "  ")
		fmt.Println(string(data))
		return nil
	}
	return printPlanTable(os.Stdout, rows)
}

// planRows pairs every instruction with its cache key.
func planRows(instrs []dockerfile.Instruction, in dockerfile.Inputs) []planRow {
	layers := dockerfile.Layers(instrs, in)
	rows := make([]planRow, 0, len(layers))
	for _, l := range layers {
		rows = append(rows, planRow{
			Step:        l.Instruction.Step,
			Instruction: l.Instruction.String(),
			Purpose:     string(l.Instruction.Purpose),
			Kind:        l.Instruction.Purpose.Kind().String(),
			Key:         l.Key.String(),
		})
	}
	return rows
}

func printPlanTable(w io.Writer, rows []planRow) error {
	table := tablewriter.NewWriter(w)
	table.Header("Step", "Instruction", "Purpose", "Failure Kind", "Cache Key")
	for _, r := range rows {
		if err := table.Append(strconv.Itoa(r.Step), truncate(r.Instruction, 60), r.Purpose, r.Kind, shortKey(r.Key)); err != nil {
			return err
		}
	}
	return table.Render()
}

// shortKey abbreviates a digest to its algorithm and first 12 hex digits.
func shortKey(s string) string {
	d, err := digest.Parse(s)
	if err != nil {
		return s
	}
	enc := d.Encoded()
	if len(enc) > 12 {
		enc = enc[:12]
	}
	return d.Algorithm().String() + ":" + enc
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
