package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/davarch/ci-orchestrator/internal/application"
	"github.com/davarch/ci-orchestrator/internal/infrastructure/config"
	"github.com/davarch/ci-orchestrator/internal/infrastructure/pipelinefile"
	"github.com/spf13/cobra"
)

type listFilter int

const (
	listAll listFilter = iota
	listEnabled
	listDisabled
)

var (
	listOnlyEnabled  bool
	listOnlyDisabled bool
	listJSON         bool
)

// pipelineRow is one config entry joined with what its definition file
// declares. Error is set instead of the definition fields when it does not
// parse.
type pipelineRow struct {
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	Enabled  bool     `json:"enabled"`
	Triggers []string `json:"triggers,omitempty"`
	Jobs     []string `json:"jobs,omitempty"`
	Group    string   `json:"group,omitempty"`
	Error    string   `json:"error,omitempty"`
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured pipelines with their triggers and jobs",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if listOnlyEnabled && listOnlyDisabled {
			return errors.New("flags --enabled and --disabled are mutually exclusive")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		filter := listAll
		switch {
		case listOnlyEnabled:
			filter = listEnabled
		case listOnlyDisabled:
			filter = listDisabled
		}
		rows := pipelineRows(cfg, filter)

		out := cmd.OutOrStdout()
		if listJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "NAME\tENABLED\tTRIGGERS\tJOBS\tGROUP\tPATH")
		for _, r := range rows {
			if r.Error != "" {
				_, _ = fmt.Fprintf(w, "%s\t%t\t!\t!\t-\t%s (%s)\n", dash(r.Name), r.Enabled, r.Path, r.Error)
				continue
			}
			_, _ = fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\t%s\n",
				r.Name, r.Enabled, strings.Join(r.Triggers, ","), strings.Join(r.Jobs, ","), r.Group, r.Path)
		}
		return w.Flush()
	},
}

func init() {
	f := listCmd.Flags()
	f.BoolVar(&listOnlyEnabled, "enabled", false, "show only enabled pipelines")
	f.BoolVar(&listOnlyDisabled, "disabled", false, "show only disabled pipelines")
	f.BoolVar(&listJSON, "json", false, "print JSON")

	rootCmd.AddCommand(listCmd)
}

func pipelineRows(cfg config.Config, filter listFilter) []pipelineRow {
	rows := make([]pipelineRow, 0, len(cfg.Pipelines))
	for _, p := range cfg.Pipelines {
		if (filter == listEnabled && !p.Enabled) || (filter == listDisabled && p.Enabled) {
			continue
		}

		row := pipelineRow{Name: p.Name, Path: cfg.PipelinePath(p), Enabled: p.Enabled}
		def, err := pipelinefile.ParseFile(row.Path, pipelinefile.Defaults{Repository: p.Repo, DefaultBranch: p.Branch})
		if err != nil {
			row.Error = err.Error()
			rows = append(rows, row)
			continue
		}

		if row.Name == "" {
			row.Name = def.Name
		}
		for _, t := range def.Triggers {
			row.Triggers = append(row.Triggers, string(t.Kind()))
		}
		for _, j := range def.Jobs {
			row.Jobs = append(row.Jobs, j.Name)
		}
		row.Group = def.Concurrency.Group
		if row.Group == "" {
			row.Group = application.DefaultGroupTemplate
		}
		rows = append(rows, row)
	}
	return rows
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
