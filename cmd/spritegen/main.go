package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"spritegen/diffusion"
	"spritegen/onnx"
	"spritegen/render"
)

func main() {
	root := &cobra.Command{
		Use:           "spritegen",
		Short:         "DDPM sprite generation from an ONNX noise-prediction model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(sampleCmd(), scheduleCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func sampleCmd() *cobra.Command {
	var (
		modelPath string
		ortLib    string
		timesteps int
		shape     string
		batch     int
		channels  int
		size      int
		seed      int64
		runs      int
		outDir    string
		gridCols  int
		saveEvery int
		threads   int
	)

	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Run the reverse process and write sample sheets",
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, err := diffusion.NewSchedule(timesteps, diffusion.ScheduleKind(shape))
			if err != nil {
				return err
			}

			model, err := onnx.New(onnx.Config{
				ModelPath:   modelPath,
				LibraryPath: ortLib,
				Threads:     threads,
			})
			if err != nil {
				return err
			}
			defer model.Close()

			runDir := filepath.Join(outDir, uuid.NewString()[:8])
			if err := os.MkdirAll(runDir, 0o755); err != nil {
				return err
			}
			slog.Info("sampling", "model", modelPath, "timesteps", timesteps,
				"schedule", shape, "runs", runs, "batch", batch, "seed", seed, "dir", runDir)

			trajectories, err := diffusion.Generate(cmd.Context(), sched, model, diffusion.GenerateSpec{
				Runs:     runs,
				Batch:    batch,
				Channels: channels,
				Height:   size,
				Width:    size,
				Seed:     seed,
				Progress: func(done, total int) {
					slog.Info("run finished", "done", done, "total", total)
				},
			})
			if err != nil {
				return err
			}

			for n, trajectory := range trajectories {
				sheet, err := render.Grid(trajectory.Final(), gridCols)
				if err != nil {
					return err
				}
				path := filepath.Join(runDir, fmt.Sprintf("sample-%d.png", n))
				if err := render.SavePNG(sheet, path); err != nil {
					return err
				}
				slog.Info("wrote sheet", "path", path)

				if saveEvery > 0 {
					if err := saveFrames(trajectory, runDir, n, saveEvery); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&modelPath, "model", "", "path to the noise-prediction .onnx graph")
	cmd.Flags().StringVar(&ortLib, "ort-lib", "", "path to libonnxruntime (default: autodetect)")
	cmd.Flags().IntVar(&timesteps, "timesteps", 200, "schedule horizon")
	cmd.Flags().StringVar(&shape, "schedule", "linear", "beta shape: linear|quadratic|cosine|sigmoid")
	cmd.Flags().IntVar(&batch, "batch", 64, "images per run")
	cmd.Flags().IntVar(&channels, "channels", 3, "image channels (1 or 3)")
	cmd.Flags().IntVar(&size, "size", 16, "image height and width")
	cmd.Flags().Int64Var(&seed, "seed", 42, "base random seed")
	cmd.Flags().IntVar(&runs, "runs", 1, "independent sampling runs")
	cmd.Flags().StringVar(&outDir, "out", "results", "output directory")
	cmd.Flags().IntVar(&gridCols, "grid-cols", 8, "columns in the output sheet")
	cmd.Flags().IntVar(&saveEvery, "save-every", 0, "also save every Nth trajectory state (0 = off)")
	cmd.Flags().IntVar(&threads, "threads", 0, "ONNX Runtime intra-op threads (0 = default)")
	cmd.MarkFlagRequired("model")

	return cmd
}

// saveFrames writes the first batch element of every Nth trajectory
// state, so the denoising progression can be inspected.
func saveFrames(trajectory diffusion.Trajectory, dir string, run, every int) error {
	for i, state := range trajectory {
		if i%every != 0 && i != len(trajectory)-1 {
			continue
		}
		frame, err := render.Frame(state, 0)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, fmt.Sprintf("run%d-step-%03d.png", run, i))
		if err := render.SavePNG(frame, path); err != nil {
			return err
		}
	}
	return nil
}

func scheduleCmd() *cobra.Command {
	var (
		timesteps int
		shape     string
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print the derived coefficient table for a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, err := diffusion.NewSchedule(timesteps, diffusion.ScheduleKind(shape))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "t\tbeta\talpha\talpha_cumprod\tposterior_var")
			for i := 0; i < sched.Timesteps(); i++ {
				fmt.Fprintf(w, "%d\t%.6f\t%.6f\t%.6f\t%.6f\n",
					i, sched.Beta(i), sched.Alpha(i), sched.AlphaCumprod(i), sched.PosteriorVar(i))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&timesteps, "timesteps", 200, "schedule horizon")
	cmd.Flags().StringVar(&shape, "schedule", "linear", "beta shape: linear|quadratic|cosine|sigmoid")

	return cmd
}
