package commands

import (
	"github.com/leapstack-labs/borrowck/internal/scenario"
	"github.com/spf13/cobra"
)

// NewScenariosCommand creates the scenarios command.
func NewScenariosCommand() *cobra.Command {
	var builtin bool

	cmd := &cobra.Command{
		Use:   "scenarios [paths...]",
		Short: "List scenario definitions",
		Long: `List the scenarios defined in scenario files, without replaying them.

With no paths, the configured scenarios directory is listed. Starlark scripts
are not listed; they define their steps as they run.`,
		Example: `  # List scenarios in the scenarios directory
  borrowck scenarios

  # List the built-in scenarios as JSON
  borrowck scenarios --builtin -o json`,
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, args, builtin)
		},
	}

	cmd.Flags().BoolVar(&builtin, "builtin", false, "List the built-in scenarios")

	return cmd
}

func runScenarios(cmd *cobra.Command, args []string, builtin bool) error {
	cmdCtx := NewCommandContextWithoutStore(cmd)

	var scs []*scenario.Scenario
	if builtin {
		b, err := scenario.Builtin()
		if err != nil {
			return err
		}
		scs = append(scs, b...)
	}

	paths := args
	if len(paths) == 0 && !builtin {
		if err := cmdCtx.Cfg.ValidateScenariosDir(); err != nil {
			return err
		}
		paths = []string{cmdCtx.Cfg.ScenariosDir}
	}
	for _, p := range paths {
		loaded, err := scenario.Load(p)
		if err != nil {
			return err
		}
		scs = append(scs, loaded...)
	}

	return cmdCtx.Renderer.Scenarios(scs)
}
