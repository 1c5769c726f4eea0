package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/stellarsim/internal/model"
	"github.com/seantiz/stellarsim/internal/store"
)

var sweepFlags struct {
	name        string
	description string
	param       string
	start       float64
	end         float64
	steps       int
	coils       int
	field       float64
	density     float64
	resolution  string
	experiment  string
	timeUnit    time.Duration
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a parameter sweep to completion and print its results",
	Example: `  stellarsim sweep --param magnetic_field_strength --start 4 --end 12 --steps 5 \
    --coils 20 --field 5 --density 1e20 --resolution low`,
	RunE: runSweep,
}

func init() {
	f := sweepCmd.Flags()
	f.StringVar(&sweepFlags.name, "name", "cli sweep", "batch name")
	f.StringVar(&sweepFlags.description, "description", "", "batch description")
	f.StringVar(&sweepFlags.param, "param", "", "swept parameter ("+strings.Join(model.SweepParameters, ", ")+")")
	f.Float64Var(&sweepFlags.start, "start", 0, "first sweep value")
	f.Float64Var(&sweepFlags.end, "end", 0, "last sweep value")
	f.IntVar(&sweepFlags.steps, "steps", 0, "number of sweep points")
	f.IntVar(&sweepFlags.coils, "coils", 0, "base coil count")
	f.Float64Var(&sweepFlags.field, "field", 0, "base magnetic field strength")
	f.Float64Var(&sweepFlags.density, "density", 0, "base plasma density")
	f.StringVar(&sweepFlags.resolution, "resolution", model.ResolutionMedium, "base resolution (low, medium, high)")
	f.StringVar(&sweepFlags.experiment, "experiment", "", "experiment id to tag the batch with")
	f.DurationVar(&sweepFlags.timeUnit, "time-unit", 0, "override the engine time unit")

	_ = sweepCmd.MarkFlagRequired("param")
	_ = sweepCmd.MarkFlagRequired("start")
	_ = sweepCmd.MarkFlagRequired("end")
	_ = sweepCmd.MarkFlagRequired("steps")

	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if sweepFlags.timeUnit > 0 {
		cfg.Engine.TimeUnit = sweepFlags.timeUnit
	}

	ctx := context.Background()
	defer warnOnInterrupt()()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	b := &model.BatchRun{
		ID:                        model.NewID(),
		Name:                      sweepFlags.name,
		Description:               sweepFlags.description,
		SweepParameter:            sweepFlags.param,
		StartValue:                sweepFlags.start,
		EndValue:                  sweepFlags.end,
		StepCount:                 sweepFlags.steps,
		BaseCoilCount:             sweepFlags.coils,
		BaseMagneticFieldStrength: sweepFlags.field,
		BasePlasmaDensity:         sweepFlags.density,
		BaseResolution:            sweepFlags.resolution,
		ExperimentID:              sweepFlags.experiment,
		Status:                    model.StatusPending,
		CreatedAt:                 time.Now().UTC(),
	}

	log.WithField("batch_id", b.ID).Info("Running sweep")

	if err := a.engine.RunBatch(ctx, b); err != nil {
		return fmt.Errorf("running sweep: %w", err)
	}

	return printSweep(ctx, os.Stdout, a.store, b)
}

// warnOnInterrupt catches the first SIGINT or SIGTERM while a sweep runs and
// restores default handling, so a second signal terminates the process. A
// sweep that is stopped midway would leave its rows running.
func warnOnInterrupt() (stop func()) {
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigs:
			signal.Stop(sigs)
			log.WithField("signal", sig.String()).Warn("Sweep finishes its remaining runs; signal again to abort")
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// printSweep writes one row per child job in creation order.
func printSweep(ctx context.Context, w io.Writer, s store.Store, b *model.BatchRun) error {
	jobs, _, err := s.ListJobs(ctx, store.JobFilter{BatchRunID: b.ID})
	if err != nil {
		return fmt.Errorf("listing sweep jobs: %w", err)
	}
	slices.SortFunc(jobs, func(x, y *model.Job) int { return strings.Compare(x.ID, y.ID) })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "BATCH\t%s\t%s\n", b.ID, b.Name)
	fmt.Fprintln(tw, "JOB\tVALUE\tSTATUS\tCONFINEMENT\tENERGY LOSS\tSTABILITY")

	for _, j := range jobs {
		value := sweptValue(b.SweepParameter, j.Parameters)
		if j.Status != model.StatusCompleted {
			fmt.Fprintf(tw, "%s\t%g\t%s\t-\t-\t-\n", j.ID, value, j.Status)
			continue
		}

		res, err := s.GetResult(ctx, j.ID)
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(tw, "%s\t%g\t%s\t-\t-\t-\n", j.ID, value, j.Status)
			continue
		}
		if err != nil {
			return fmt.Errorf("getting result for %s: %w", j.ID, err)
		}
		fmt.Fprintf(tw, "%s\t%g\t%s\t%.4f\t%.4f\t%.4f\n",
			j.ID, value, j.Status, res.ConfinementScore, res.EnergyLoss, res.StabilityIndex)
	}

	return tw.Flush()
}

func sweptValue(param string, p model.Parameters) float64 {
	switch param {
	case model.SweepCoilCount:
		return float64(p.CoilCount)
	case model.SweepMagneticField:
		return p.MagneticFieldStrength
	default:
		return p.PlasmaDensity
	}
}
