package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowmill/flowmill/pkg/flow"
)

func newValidateCommand(registry *flow.Registry) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [flow]",
		Short: "Validate registered flow graphs",
		Long: `Validate the registered flows' graphs and report their shape.

Registration already rejects invalid graphs, so this command serves as an
explicit pre-flight check: it confirms which flows the binary carries and
summarizes each graph's steps and fan-outs.`,
		Example: `  # Validate every registered flow
  flowmill validate

  # Validate one flow
  flowmill validate train-model`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names := registry.Names()
			if len(args) == 1 {
				if _, err := lookupGraph(registry, args[0]); err != nil {
					return err
				}
				names = args
			}
			if len(names) == 0 {
				return fmt.Errorf("no flows are registered in this binary")
			}

			type summary struct {
				Flow     string `json:"flow"`
				Steps    int    `json:"steps"`
				Branches int    `json:"branches"`
				Foreachs int    `json:"foreachs"`
				Switches int    `json:"switches"`
				Joins    int    `json:"joins"`
			}

			var summaries []summary
			for _, name := range names {
				graph, _ := registry.Lookup(name)
				s := summary{Flow: name}
				for _, node := range graph.Nodes() {
					s.Steps++
					switch node.Kind {
					case flow.KindBranch:
						s.Branches++
					case flow.KindForeach:
						s.Foreachs++
					case flow.KindSwitch:
						s.Switches++
					case flow.KindJoin:
						s.Joins++
					}
				}
				summaries = append(summaries, s)
			}

			if jsonOutput {
				encoded, err := json.MarshalIndent(summaries, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(encoded))
				return nil
			}
			for _, s := range summaries {
				fmt.Printf("%s: valid (%d steps, %d branches, %d foreachs, %d switches, %d joins)\n",
					s.Flow, s.Steps, s.Branches, s.Foreachs, s.Switches, s.Joins)
			}
			return nil
		},
	}

	return cmd
}
