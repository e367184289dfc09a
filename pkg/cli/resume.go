package cli

import (
	"github.com/spf13/cobra"

	"github.com/flowmill/flowmill/pkg/flow"
)

func newResumeCommand(registry *flow.Registry, info BuildInfo) *cobra.Command {
	var (
		fromStep string
		params   []string
	)

	cmd := &cobra.Command{
		Use:   "resume <flow> <origin-run-id>",
		Short: "Resume a run from a chosen step",
		Long: `Start a new run that inherits every task before the chosen step from
the origin run, byte for byte, and re-executes from that step onward.

The origin run's artifacts and task records must still be present in the
configured stores.`,
		Example: `  # Re-run from the train step, reusing earlier artifacts
  flowmill resume train-model 7f3c2e10 --from train

  # Resume from the start step with fresh parameters
  flowmill resume train-model 7f3c2e10 --from start --param epochs=40`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			graph, err := lookupGraph(registry, args[0])
			if err != nil {
				return err
			}
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}

			s, err := openStack(cmd.Context(), info)
			if err != nil {
				return err
			}
			defer s.Close(cmd.Context())

			result, runErr := s.engine.Resume(cmd.Context(), graph, args[1], fromStep, parsed)
			if result != nil {
				printRunResult(result)
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&fromStep, "from", "", "step to resume from (required)")
	cmd.Flags().StringSliceVarP(&params, "param", "p", nil, "flow parameters (key=value)")
	cmd.MarkFlagRequired("from")

	return cmd
}
