package cli

import (
	"fmt"

	"github.com/davarch/ci-orchestrator/internal/infrastructure/config"
	"github.com/davarch/ci-orchestrator/internal/infrastructure/pipelinefile"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [definition.yaml...]",
	Short: "Check pipeline definitions (all configured ones, or the given files)",
	RunE: func(cmd *cobra.Command, args []string) error {
		type target struct {
			path     string
			defaults pipelinefile.Defaults
		}

		var targets []target
		if len(args) > 0 {
			for _, a := range args {
				targets = append(targets, target{path: a})
			}
		} else {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			for _, p := range cfg.Pipelines {
				targets = append(targets, target{
					path:     cfg.PipelinePath(p),
					defaults: pipelinefile.Defaults{Repository: p.Repo, DefaultBranch: p.Branch},
				})
			}
		}

		out := cmd.OutOrStdout()
		bad := 0
		for _, t := range targets {
			def, err := pipelinefile.ParseFile(t.path, t.defaults)
			if err != nil {
				bad++
				_, _ = fmt.Fprintf(out, "FAIL %v\n", err)
				continue
			}
			_, _ = fmt.Fprintf(out, "ok   %s: %s (%d triggers, %d jobs)\n", t.path, def.Name, len(def.Triggers), len(def.Jobs))
		}

		if bad > 0 {
			return fmt.Errorf("%d of %d definitions invalid", bad, len(targets))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
