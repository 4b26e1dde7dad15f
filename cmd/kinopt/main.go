package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/nvoronin/kinopt/internal/calc"
	"github.com/nvoronin/kinopt/internal/config"
	"github.com/nvoronin/kinopt/internal/dataio"
	"github.com/nvoronin/kinopt/internal/integrate"
	"github.com/nvoronin/kinopt/internal/kinetics"
	"github.com/nvoronin/kinopt/internal/objective"
	"github.com/nvoronin/kinopt/internal/odesys"
	"github.com/nvoronin/kinopt/internal/storage"
	"github.com/nvoronin/kinopt/internal/tui"
)

var (
	dataDir string
	live    bool
	preset  string
	workers int
	// simulate flags
	beta    float64
	tMin    float64
	tMax    float64
	nPoints int
	outFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kinopt",
		Short: "multi-stage solid-state reaction kinetics fitting",
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", ".kinopt", "data directory")

	fitCmd := &cobra.Command{
		Use:   "fit [config.yaml]",
		Short: "fit a reaction scheme to experimental curves",
		Args:  cobra.ExactArgs(1),
		RunE:  runFit,
	}
	fitCmd.Flags().BoolVar(&live, "live", false, "live progress view")
	fitCmd.Flags().StringVar(&preset, "preset", "", "optimizer preset (fast, thorough, polish)")
	fitCmd.Flags().IntVar(&workers, "workers", 0, "override evaluation workers")

	simCmd := &cobra.Command{
		Use:   "simulate [config.yaml]",
		Short: "forward-integrate a scheme at its default parameters",
		Args:  cobra.ExactArgs(1),
		RunE:  runSimulate,
	}
	simCmd.Flags().Float64Var(&beta, "beta", 10, "heating rate (K/min)")
	simCmd.Flags().Float64Var(&tMin, "tmin", 300, "start temperature (K)")
	simCmd.Flags().Float64Var(&tMax, "tmax", 900, "end temperature (K)")
	simCmd.Flags().IntVar(&nPoints, "points", 200, "grid points")
	simCmd.Flags().StringVar(&outFile, "out", "", "write curve to CSV")

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "list the kinetic model catalog",
		RunE:  listModels,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list saved fits",
		RunE:  listRuns,
	}

	rootCmd.AddCommand(fitCmd, simCmd, modelsCmd, listCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadSpec(path string) (*config.Config, calc.RunSpec, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, calc.RunSpec{}, err
	}
	if preset != "" && !cfg.ApplyPreset(preset) {
		return nil, calc.RunSpec{}, fmt.Errorf("unknown preset %q", preset)
	}
	if workers > 0 {
		cfg.Optimizer.Workers = workers
	}

	sch, err := cfg.ToScheme()
	if err != nil {
		return nil, calc.RunSpec{}, err
	}

	var series []objective.Series
	for _, sc := range cfg.Series {
		weight := sc.MassWeight
		if weight <= 0 {
			weight = 1
		}
		sr, err := dataio.LoadSeries(sc.File, sc.HeatingRate, weight)
		if err != nil {
			return nil, calc.RunSpec{}, err
		}
		series = append(series, sr)
	}

	spec := calc.RunSpec{
		Scheme:       sch,
		Series:       series,
		Optimizer:    cfg.ToOptimizerConfig(),
		Integration:  cfg.ToIntegrateOptions(),
		RunDeadline:  cfg.RunDeadline(),
		PolishFactor: cfg.Optimizer.PolishFactor,
	}
	return cfg, spec, nil
}

func runFit(cmd *cobra.Command, args []string) error {
	_, spec, err := loadSpec(args[0])
	if err != nil {
		return err
	}

	ctrl := calc.New()
	resultCh := make(chan *calc.Result, 1)

	if live {
		return runFitLive(ctrl, spec, resultCh)
	}

	cb := calc.Callbacks{
		OnNewBest: func(gen int, loss float64, params []odesys.ReactionParams) {
			fmt.Printf("generation %4d  loss=%.6g\n", gen, loss)
			for i, p := range params {
				fmt.Printf("  reaction %d: Ea=%.1f kJ/mol  logA=%.2f  model=%s  contrib=%.3f\n",
					i, p.Ea/1000, p.LogA, p.Model, p.Contribution)
			}
		},
		OnCompleted: func(r *calc.Result) { resultCh <- r },
	}
	if err := ctrl.Start(spec, cb); err != nil {
		return err
	}
	result := <-resultCh
	return finishFit(result, spec.Series)
}

func runFitLive(ctrl *calc.Controller, spec calc.RunSpec, resultCh chan *calc.Result) error {
	updates := make(chan tui.Progress, 64)
	cb := calc.Callbacks{
		OnNewBest: func(gen int, loss float64, params []odesys.ReactionParams) {
			select {
			case updates <- tui.Progress{Generation: gen, BestLoss: loss}:
			default:
			}
		},
		OnCompleted: func(r *calc.Result) {
			resultCh <- r
			select {
			case updates <- tui.Progress{
				Generation: r.Generations,
				BestLoss:   r.BestLoss,
				Penalized:  r.PenalizedEvaluations,
				Done:       true,
				Reason:     r.Reason,
			}:
			default:
			}
		},
	}
	if err := ctrl.Start(spec, cb); err != nil {
		return err
	}

	p := tea.NewProgram(tui.NewModel(updates, ctrl.Cancel))
	if _, err := p.Run(); err != nil {
		return err
	}
	ctrl.Wait()
	return finishFit(<-resultCh, spec.Series)
}

func finishFit(result *calc.Result, series []objective.Series) error {
	fmt.Printf("\n%s: %s\n", result.Termination, result.Reason)
	fmt.Printf("best loss: %.6g  generations: %d  evaluations: %d  penalized: %d  elapsed: %s\n",
		result.BestLoss, result.Generations, result.Evaluations, result.PenalizedEvaluations, result.Elapsed.Round(1e7))
	for i, p := range result.BestParams {
		fmt.Printf("reaction %d: Ea=%.1f kJ/mol  logA=%.2f  model=%s  contrib=%.3f\n",
			i, p.Ea/1000, p.LogA, p.Model, p.Contribution)
	}

	store := storage.New(dataDir)
	if err := store.Init(); err != nil {
		return err
	}
	runID, err := store.Save(result, series)
	if err != nil {
		return err
	}
	fmt.Println("saved:", runID)

	for i, curve := range result.Trajectories {
		if curve == nil {
			continue
		}
		fmt.Printf("\nseries %d (beta=%g K/min)\n", i, series[i].HeatingRate)
		fmt.Println(asciigraph.Plot(curve, asciigraph.Width(64), asciigraph.Height(8), asciigraph.Caption("simulated conversion")))
	}
	return nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}
	sch, err := cfg.ToScheme()
	if err != nil {
		return err
	}
	if err := sch.Validate(); err != nil {
		return err
	}
	if nPoints < 2 || tMax <= tMin {
		return fmt.Errorf("invalid temperature grid")
	}

	layout := sch.ParameterLayout()
	params := make([]odesys.ReactionParams, layout.NumReactions())
	for i := range params {
		r := layout.Reaction(i)
		params[i] = odesys.ReactionParams{
			Ea:           r.Ea.Default * 1000,
			LogA:         r.LogA.Default,
			Model:        r.Model,
			Contribution: r.Contribution.Default,
		}
	}

	sys, err := odesys.Build(sch, params, beta)
	if err != nil {
		return err
	}
	n := sys.Dim()
	deriv := func(T float64, y, dy []float64) {
		dy[n] = sys.Derive(T, y[:n], dy[:n])
	}
	y0 := make([]float64, n+1)
	copy(y0, sys.InitialState(sch))

	grid := make([]float64, nPoints)
	for i := range grid {
		grid[i] = tMin + (tMax-tMin)*float64(i)/float64(nPoints-1)
	}

	opts := cfg.ToIntegrateOptions()
	opts.Deadline = 0 // interactive forward run, no per-call budget
	out := integrate.Integrate(context.Background(), deriv, y0, grid, opts)
	if out.Status != integrate.Success {
		return fmt.Errorf("integration %s (%s)", out.Status, out.Reason)
	}

	curve := make([]float64, len(grid))
	for i, state := range out.Trajectory {
		curve[i] = state[n]
	}

	fmt.Println(asciigraph.Plot(curve, asciigraph.Width(64), asciigraph.Height(10),
		asciigraph.Caption(fmt.Sprintf("conversion, beta=%g K/min", beta))))

	if outFile != "" {
		if err := dataio.SaveCurve(outFile, grid, curve); err != nil {
			return err
		}
		fmt.Println("wrote:", outFile)
	}
	return nil
}

func listModels(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tf(a)")
	for _, m := range kinetics.All() {
		fmt.Fprintf(w, "%s\t%s\n", m, m.Formula())
	}
	return w.Flush()
}

func listRuns(cmd *cobra.Command, args []string) error {
	store := storage.New(dataDir)
	runs, err := store.List()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no saved fits")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLOSS\tTERMINATION\tGENERATIONS\tELAPSED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%.4g\t%s\t%d\t%.1fs\n", r.ID, r.BestLoss, r.Termination, r.Generations, r.ElapsedSeconds)
	}
	return w.Flush()
}
