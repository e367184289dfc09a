package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flowmill/flowmill/pkg/engine"
	"github.com/flowmill/flowmill/pkg/flow"
)

func newRunCommand(registry *flow.Registry, info BuildInfo) *cobra.Command {
	var params []string

	cmd := &cobra.Command{
		Use:   "run <flow>",
		Short: "Execute a registered flow",
		Long: `Execute a registered flow from its start step.

Parameters seed the start task's artifact state. Values are parsed as JSON
when possible and treated as strings otherwise.`,
		Example: `  # Run a flow
  flowmill run train-model

  # Run with parameters
  flowmill run train-model --param epochs=20 --param dataset=s3://bucket/data

  # Run with a JSON parameter
  flowmill run train-model --param 'layers=[64,32,8]'`,
		Args: cobra.ExactArgs(1),
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

			result, runErr := s.engine.Run(cmd.Context(), graph, parsed)
			if result != nil {
				printRunResult(result)
			}
			return runErr
		},
	}

	cmd.Flags().StringSliceVarP(&params, "param", "p", nil, "flow parameters (key=value)")

	return cmd
}

// parseParams turns key=value pairs into the start task's parameter set.
func parseParams(pairs []string) (map[string]json.RawMessage, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]json.RawMessage, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}
		if json.Valid([]byte(value)) {
			params[key] = json.RawMessage(value)
			continue
		}
		quoted, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("invalid parameter value %q: %w", value, err)
		}
		params[key] = quoted
	}
	return params, nil
}

// printRunResult renders a finished run to stdout.
func printRunResult(result *engine.RunResult) {
	if jsonOutput {
		out := struct {
			RunID   string               `json:"run_id"`
			Flow    string               `json:"flow"`
			Status  string               `json:"status"`
			Failure string               `json:"failure,omitempty"`
			Tasks   []engine.TaskSummary `json:"tasks"`
		}{
			RunID:  result.RunID,
			Flow:   result.FlowName,
			Status: string(result.Status),
			Tasks:  sortedTasks(result),
		}
		if result.Failure != nil {
			out.Failure = result.Failure.Error()
		}
		encoded, err := json.MarshalIndent(out, "", "  ")
		if err == nil {
			fmt.Println(string(encoded))
		}
		return
	}

	fmt.Printf("Run %s of flow %s: %s\n", result.RunID, result.FlowName, result.Status)
	if result.Failure != nil {
		fmt.Printf("Failure: %s\n", result.Failure.Error())
		if result.Failure.Remediation != "" {
			fmt.Printf("Remediation: %s\n", result.Failure.Remediation)
		}
	}
	if !verbose {
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTEP\tSTATE\tINDEX")
	for _, task := range sortedTasks(result) {
		index := ""
		if task.ForeachIndex >= 0 {
			index = fmt.Sprintf("%d", task.ForeachIndex)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", task.ID, task.Step, task.State, index)
	}
	w.Flush()
}

func sortedTasks(result *engine.RunResult) []engine.TaskSummary {
	tasks := append([]engine.TaskSummary(nil), result.Tasks...)
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}
