package cli

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand(info BuildInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				out := struct {
					Version   string `json:"version"`
					Commit    string `json:"commit"`
					BuildDate string `json:"build_date"`
					GoVersion string `json:"go_version"`
				}{info.Version, info.Commit, info.BuildDate, runtime.Version()}
				encoded, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(encoded))
				return nil
			}
			fmt.Printf("flowmill %s (commit: %s, built: %s, %s)\n",
				info.Version, info.Commit, info.BuildDate, runtime.Version())
			return nil
		},
	}

	return cmd
}
