// list.go implements the "svcboot list" command.
//
// The list command displays every container svcboot created, found through
// the "svcboot.managed-by=svcboot" label, as a table or as JSON.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/svcboot/internal/docker"
	"github.com/shinji-kodama/svcboot/internal/model"
)

type listFlags struct {
	// status filters by Docker container state, e.g. "running".
	status string
}

// NewListCommand creates the "list" cobra command.
func NewListCommand() *cobra.Command {
	flags := &listFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List svcboot containers",
		Long: `List every container started by svcboot, including exited ones.

Each container is shown with its service name, image, state, declared port,
published host port and source revision.

Examples:
  svcboot list
  svcboot list --status running
  svcboot list --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.status, "status", "all",
		"Filter by container state: created, running, exited, all")
	return cmd
}

func runList(ctx context.Context, flags *listFlags) error {
	cli, err := connectDocker(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	containers, err := docker.ListManagedContainers(ctx, cli.Engine())
	if err != nil {
		return err
	}
	VerboseLog("Found %d managed containers", len(containers))

	entries := listEntries(containers, flags.status)
	if IsJSONOutput() {
		return printListJSON(os.Stdout, entries)
	}
	return printListTable(os.Stdout, entries)
}

// listEntry is one listed container.
type listEntry struct {
	Name       string `json:"name"`
	Container  string `json:"container"`
	ID         string `json:"id"`
	Image      string `json:"image"`
	Status     string `json:"status"`
	Entrypoint string `json:"entrypoint,omitempty"`
	Port       string `json:"port"`
	HostPort   string `json:"hostPort,omitempty"`
	Revision   string `json:"revision,omitempty"`
}

// listEntries converts containers into sorted entries. Containers whose
// labels do not parse are still listed, with what is known about them.
func listEntries(containers []model.ContainerInfo, status string) []listEntry {
	entries := make([]listEntry, 0, len(containers))
	for _, c := range containers {
		if status != "" && status != "all" && c.Status != status {
			continue
		}

		e := listEntry{
			Name:      c.Labels[docker.LabelName],
			Container: c.ContainerName,
			ID:        c.ContainerID,
			Image:     c.Image,
			Status:    c.Status,
			Port:      "-",
			HostPort:  c.Labels[docker.LabelHostPort],
		}
		if len(e.ID) > 12 {
			e.ID = e.ID[:12]
		}
		if meta, err := docker.ParseLabels(c.Labels); err == nil {
			e.Entrypoint = meta.Entrypoint.String()
			e.Port = meta.Port.String()
			e.Revision = meta.Revision
		} else {
			VerboseLog("Container %s has unexpected labels: %v", c.ContainerName, err)
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Container < entries[j].Container
	})
	return entries
}

func printListJSON(w io.Writer, entries []listEntry) error {
	data, err := json.MarshalIndent(map[string]interface{}{"containers": entries}, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printListTable(w io.Writer, entries []listEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No svcboot containers found.")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Name", "Container", "Image", "Status", "Port", "Host Port", "Revision")
	for _, e := range entries {
		rev := e.Revision
		if len(rev) > 12 {
			rev = rev[:12]
		}
		if err := table.Append(e.Name, e.Container, e.Image, e.Status, e.Port, orDash(e.HostPort), orDash(rev)); err != nil {
			return err
		}
	}
	return table.Render()
}
