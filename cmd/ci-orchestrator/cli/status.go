package cli

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/davarch/ci-orchestrator/internal/infrastructure/config"
	"github.com/davarch/ci-orchestrator/internal/infrastructure/status_fs"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last result of every concurrency group",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if cfg.Status.Path == "" {
			return errors.New("status.path is not configured")
		}

		snap, err := status_fs.Read(cfg.Status.Path)
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("no runs recorded yet")
			return nil
		}
		if err != nil {
			return err
		}

		keys := make([]string, 0, len(snap.Groups))
		for k := range snap.Groups {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "GROUP\tPIPELINE\tSTATUS\tRUN\tFINISHED\tDETAIL")
		for _, k := range keys {
			e := snap.Groups[k]
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				k, e.Definition, e.Status, shortRun(e.RunID),
				time.Unix(e.Finished, 0).Format(time.DateTime), detail(e))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func shortRun(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func detail(e status_fs.Entry) string {
	switch {
	case e.SupersededBy != "":
		return "superseded by " + shortRun(e.SupersededBy)
	case e.FailedJob != "":
		return e.FailedJob + ": " + dash(e.FailedStep)
	}
	return "-"
}
