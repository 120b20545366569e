package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/reconstruct/internal/config"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit   int
		project string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded pipeline runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pc, err := config.Resolve(a.v, project)
			if err != nil {
				return err
			}
			store := a.openHistory(cmd, pc)
			if store == nil {
				return fmt.Errorf("run history unavailable")
			}
			defer store.Close()

			runs, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOut {
				return json.NewEncoder(out).Encode(runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}

			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				outcome := r.Outcome
				switch outcome {
				case "succeeded":
					outcome = successStyle.Render(outcome)
				case "failed":
					outcome = errorStyle.Render(outcome)
				case "cancelled":
					outcome = warnStyle.Render(outcome)
				}
				took := ""
				if d := r.Duration(); d > 0 {
					took = d.Round(time.Second).String()
				}
				rows = append(rows, []string{
					r.StartedAt.Local().Format("2006-01-02 15:04"),
					r.ProjectPath, r.Range, outcome, r.Stage, took,
				})
			}
			fmt.Fprintln(out, renderTable([]string{"Started", "Project", "Range", "Outcome", "Stage", "Took"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show (0 = all)")
	cmd.Flags().StringVarP(&project, "project", "p", ".", "project whose reconstruct.yml applies")
	return cmd
}
