package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/reconstruct/internal/orchestrator"
)

func newStagesCmd(a *app) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "List the pipeline stages and the tool each one resolves to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := a.resolve(project)
			if err != nil {
				return err
			}
			tools := orchestrator.DetectTools(cfg)
			out := cmd.OutOrStdout()
			if a.jsonOut {
				return json.NewEncoder(out).Encode(tools)
			}

			missing := 0
			rows := make([][]string, 0, len(tools))
			for _, ts := range tools {
				where := ts.Path
				switch {
				case ts.Builtin:
					where = mutedStyle.Render("built in")
				case !ts.Available():
					where = errorStyle.Render(ts.Error)
					missing++
				}
				rows = append(rows, []string{strconv.Itoa(ts.Stage.Number()), ts.Title, ts.Program, where})
			}
			fmt.Fprintln(out, renderTable([]string{"#", "Stage", "Program", "Resolved"}, rows))
			if missing > 0 {
				fmt.Fprintln(out, warnMsg("%d of %d tools not found", missing, len(tools)))
			} else {
				fmt.Fprintln(out, successMsg("All tools found"))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", ".", "project whose reconstruct.yml applies")
	return cmd
}
