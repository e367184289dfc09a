package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newRunsCommand(info BuildInfo) *cobra.Command {
	var (
		limit  int
		events bool
	)

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recorded runs or inspect one run",
		Long: `List the runs recorded in the metadata store, newest first.

With a run ID, show that run's tasks, and with --events its event log.`,
		Example: `  # List recent runs
  flowmill runs

  # Inspect one run's tasks
  flowmill runs 7f3c2e10

  # Show a run's event log
  flowmill runs 7f3c2e10 --events`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStack(cmd.Context(), info)
			if err != nil {
				return err
			}
			defer s.Close(cmd.Context())

			if len(args) == 1 {
				return showRun(cmd, s, args[0], events)
			}
			return listRuns(cmd, s, limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")
	cmd.Flags().BoolVar(&events, "events", false, "show the run's event log")

	return cmd
}

func listRuns(cmd *cobra.Command, s *stack, limit int) error {
	runs, err := s.meta.ListRuns(cmd.Context(), limit, 0)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if jsonOutput {
		encoded, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tFLOW\tSTATUS\tSTARTED\tDURATION\tRESUMED FROM")
	for _, run := range runs {
		duration := ""
		if run.CompletedAt != nil {
			duration = run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		resumed := ""
		if run.OriginRunID != nil {
			resumed = fmt.Sprintf("%s @ %s", *run.OriginRunID, derefOr(run.StartStep, "?"))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.FlowName, run.Status,
			run.StartedAt.Format(time.RFC3339), duration, resumed)
	}
	return w.Flush()
}

func showRun(cmd *cobra.Command, s *stack, runID string, events bool) error {
	run, err := s.meta.GetRun(cmd.Context(), runID)
	if err != nil {
		return fmt.Errorf("run %q not found: %w", runID, err)
	}

	if events {
		records, err := s.meta.ListEvents(cmd.Context(), runID, 1000)
		if err != nil {
			return fmt.Errorf("failed to list events: %w", err)
		}
		if jsonOutput {
			encoded, err := json.MarshalIndent(records, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(encoded))
			return nil
		}
		for _, record := range records {
			fmt.Printf("%s [%s] %s\n",
				record.Timestamp.Format(time.RFC3339), record.Level, record.Message)
		}
		return nil
	}

	tasks, err := s.meta.ListTasksByRun(cmd.Context(), runID)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	if jsonOutput {
		out := struct {
			Run   any `json:"run"`
			Tasks any `json:"tasks"`
		}{Run: run, Tasks: tasks}
		encoded, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
		return nil
	}

	fmt.Printf("Run %s of flow %s: %s\n", run.ID, run.FlowName, run.Status)
	if run.Error != nil {
		fmt.Printf("Error: %s\n", *run.Error)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTEP\tSTATUS\tATTEMPTS\tINDEX\tORIGIN")
	for _, task := range tasks {
		index := ""
		if task.ForeachIndex >= 0 {
			index = fmt.Sprintf("%d", task.ForeachIndex)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			task.ID, task.Step, task.Status, task.Attempts, index, derefOr(task.OriginTaskID, ""))
	}
	return w.Flush()
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
