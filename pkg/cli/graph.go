package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowmill/flowmill/pkg/flow"
)

func newGraphCommand(registry *flow.Registry) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph <flow>",
		Short: "Emit a flow's graph in Graphviz DOT format",
		Example: `  # Render a flow's graph
  flowmill graph train-model | dot -Tsvg -o train-model.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			graph, err := lookupGraph(registry, args[0])
			if err != nil {
				return err
			}
			fmt.Print(graph.ToDOT())
			return nil
		},
	}

	return cmd
}
