package cli

import (
	"fmt"
	"strings"

	"github.com/davarch/ci-orchestrator/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var enableCmd = &cobra.Command{
	Use:   "enable <pipeline_name>",
	Short: "Enable pipeline by name in config.yaml",
	Args:  cobra.MatchAll(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(args[0], true)
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable <pipeline_name>",
	Short: "Disable pipeline by name in config.yaml",
	Args:  cobra.MatchAll(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(args[0], false)
	},
}

func setEnabled(name string, enabled bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	verb := "enabled"
	if !enabled {
		verb = "disabled"
	}

	if !cfg.SetEnabled(name, enabled) {
		fmt.Printf("no change (pipeline %q already %s or not found)\n", name, verb)
		return nil
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}

	fmt.Printf("%s: %s\n", verb, name)
	return nil
}

func completePipelineNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	out := make([]string, 0, len(cfg.Pipelines))
	for _, p := range cfg.Pipelines {
		if p.Name == "" {
			continue
		}
		if strings.HasPrefix(p.Name, toComplete) {
			out = append(out, p.Name)
		}
	}

	return out, cobra.ShellCompDirectiveNoFileComp
}

func init() {
	enableCmd.ValidArgsFunction = completePipelineNames
	disableCmd.ValidArgsFunction = completePipelineNames

	rootCmd.AddCommand(enableCmd, disableCmd)
}
