package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/reconstruct/internal/status"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [project]",
		Short: "Show which stages of a project have produced their outputs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := status.Scan(projectArg(args))
			out := cmd.OutOrStdout()
			if a.jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			}

			views := "unreadable"
			if r.Views >= 0 {
				views = strconv.Itoa(r.Views)
			}
			fmt.Fprint(out, keyValues("",
				kv("Project", r.ProjectPath),
				kv("Images", fmt.Sprintf("%d in %s", r.Images, r.ImagesDir)),
				kv("Views", views),
			))

			rows := make([][]string, 0, len(r.Stages))
			for _, s := range r.Stages {
				state := mark(s.Complete)
				if s.Stage == r.NextStage {
					state = accentStyle.Render("→ next")
				}
				rows = append(rows, []string{strconv.Itoa(s.Number), s.Title, state})
			}
			fmt.Fprintln(out, renderTable([]string{"#", "Stage", "Done"}, rows))

			if rng, ok := r.ResumeRange(); ok {
				fmt.Fprintf(out, "Resume with: reconstruct run --range %d..%d %s\n",
					rng.From.Number(), rng.To.Number(), r.ProjectPath)
			} else {
				fmt.Fprintln(out, successMsg("All stages complete"))
			}
			return nil
		},
	}
}
