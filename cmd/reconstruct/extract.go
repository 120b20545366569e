package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/reconstruct/internal/frames"
)

func newExtractCmd(a *app) *cobra.Command {
	var opts frames.Options
	cmd := &cobra.Command{
		Use:   "extract <video> [project]",
		Short: "Extract video frames into a project's images directory",
		Long: `Extract still frames from a video with ffmpeg into <project>/images as
frame_000001.jpg, frame_000002.jpg, ... Ctrl-C cancels the extraction.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			project := projectArg(args[1:])
			_, cfg, err := a.resolve(project)
			if err != nil {
				return err
			}

			x := frames.New(cfg, opts, slog.Default())
			defer x.Close()

			events := x.Subscribe()
			if err := x.Extract(args[0], project); err != nil {
				return err
			}
			return a.follow(cmd, "Frame extraction", x.Cancel, events, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.Program, "ffmpeg", frames.DefaultProgram, "ffmpeg executable")
	cmd.Flags().Float64Var(&opts.FPS, "fps", 0, "frames per second to sample (0 = every frame)")
	cmd.Flags().IntVar(&opts.Quality, "quality", 2, "JPEG quality, 2 (best) to 31")
	return cmd
}
