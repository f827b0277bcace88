package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/san-kum/multiphys/internal/config"
	"github.com/san-kum/multiphys/internal/experiment"
	"github.com/san-kum/multiphys/internal/sim"
	"github.com/san-kum/multiphys/internal/storage"
	"github.com/san-kum/multiphys/internal/telemetry"
	"github.com/san-kum/multiphys/internal/viz"
)

var (
	dataDir    string
	dt         float64
	duration   float64
	strategy   string
	configFile string
	preset     string
	strict     bool
	verbose    bool
	noSave     bool
	quantity   string
	outFile    string
	parallel   int
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mphys",
		Short:        "multi-physics coupling lab",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "data directory (default $MPHYS_DATA_DIR or runs)")

	runCmd := &cobra.Command{
		Use:   "run [scenario]",
		Short: "run a coupled scenario and record its ledgers",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runScenario,
	}
	scenarioFlags(runCmd)
	runCmd.Flags().BoolVar(&strict, "strict", false, "fail a step on unresolved conservation violations")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log coupling iterations")
	runCmd.Flags().BoolVar(&noSave, "no-save", false, "do not write the run to the data directory")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list runs",
		RunE:  listRuns,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run_id]",
		Short: "plot energy, drift and coupling residuals of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  plotRun,
	}

	ledgerCmd := &cobra.Command{
		Use:   "ledger [run_id]",
		Short: "print a conservation ledger",
		Args:  cobra.ExactArgs(1),
		RunE:  printLedger,
	}
	ledgerCmd.Flags().StringVarP(&quantity, "quantity", "q", "energy", "conserved quantity")

	presetsCmd := &cobra.Command{
		Use:   "presets [scenario]",
		Short: "list scenarios, or the presets of one scenario",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return listPresets(cmd.OutOrStdout(), args)
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch [scenario]",
		Short: "step a scenario interactively",
		Args:  cobra.MaximumNArgs(1),
		RunE:  watchScenario,
	}
	scenarioFlags(watchCmd)

	compareCmd := &cobra.Command{
		Use:   "compare [scenario] [strategy1] [strategy2] ...",
		Short: "run one scenario under several coupling strategies",
		Args:  cobra.MinimumNArgs(1),
		RunE:  compareStrategies,
	}
	scenarioFlags(compareCmd)
	compareCmd.Flags().IntVar(&parallel, "parallel", 0, "concurrent members (0 = unlimited)")

	exportCmd := &cobra.Command{
		Use:   "export [scenario]",
		Short: "write a scenario as yaml",
		Args:  cobra.ExactArgs(1),
		RunE:  exportScenario,
	}
	exportCmd.Flags().StringVar(&preset, "preset", "", "preset name")
	exportCmd.Flags().StringVarP(&outFile, "output", "o", "", "output file (default stdout)")

	rootCmd.AddCommand(runCmd, listCmd, plotCmd, ledgerCmd, presetsCmd, watchCmd, compareCmd, exportCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func scenarioFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&preset, "preset", "", "preset name (default first preset)")
	cmd.Flags().StringVar(&configFile, "config", "", "scenario file path (yaml)")
	cmd.Flags().Float64Var(&dt, "dt", 0, "global timestep (0 = scenario default)")
	cmd.Flags().Float64Var(&duration, "time", 0, "duration (0 = scenario default)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "coupling strategy: explicit, implicit, staggered, adaptive")
}

// loadScenario resolves the scenario from --config or the preset table,
// then applies environment and flag overrides in that order.
func loadScenario(args []string, env config.Env) (*config.Config, error) {
	var cfg *config.Config
	switch {
	case configFile != "":
		c, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		cfg = c
	case len(args) > 0:
		name := preset
		if name == "" {
			names := config.ListPresets(args[0])
			if len(names) == 0 {
				return nil, fmt.Errorf("unknown scenario: %s (try one of %s)", args[0], strings.Join(config.ListScenarios(), ", "))
			}
			name = names[0]
		}
		cfg = config.GetPreset(args[0], name)
		if cfg == nil {
			return nil, fmt.Errorf("unknown preset %q for %s", name, args[0])
		}
	default:
		return nil, fmt.Errorf("scenario name or --config required")
	}

	env.Apply(cfg)
	if dt > 0 {
		cfg.Dt = dt
	}
	if duration > 0 {
		cfg.Duration = duration
	}
	if strategy != "" {
		cfg.Coupling.Strategy = strategy
	}
	if strict {
		cfg.Conservation.Strict = true
	}
	return cfg, cfg.Validate()
}

func loadEnv() (config.Env, error) {
	env, err := config.ParseEnv()
	if err != nil {
		return env, err
	}
	if dataDir != "" {
		env.DataDir = dataDir
	}
	return env, nil
}

func runScenario(cmd *cobra.Command, args []string) error {
	env, err := loadEnv()
	if err != nil {
		return err
	}
	cfg, err := loadScenario(args, env)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, env)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
		}
	}()

	var w io.Writer = io.Discard
	if verbose {
		w = newThrottledWriter(os.Stderr, env.LogRate)
	}
	logger := log.New(w, "mphys: ", log.Ltime|log.Lmicroseconds)

	exp, err := experiment.New(cfg, nil,
		sim.WithLogger(logger),
		sim.WithTracer(otel.Tracer(telemetry.ServiceName)),
	)
	if err != nil {
		return err
	}

	runID := fmt.Sprintf("%s_%d", cfg.Name, time.Now().UnixNano())
	sinks, closeSinks, err := openSinks(ctx, env, runID, cfg)
	if err != nil {
		return err
	}
	defer closeSinks()

	m := exp.Manager()
	mirror := storage.NewMirror(ctx, runID, ledgerSources(m), sinks, storage.WithMirrorLogger(logger))

	fmt.Printf("running %s (%s, dt=%g, t=%g, %d domains)...\n",
		cfg.Name, cfg.Coupling.Strategy, cfg.Dt, cfg.Duration, len(cfg.Domains))
	start := time.Now()
	result, runErr := exp.Run(ctx, nil, mirror)
	elapsed := time.Since(start)
	if result == nil {
		return runErr
	}
	if err := mirror.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "ledger mirror: %v\n", err)
	}

	if !noSave {
		st := storage.New(env.DataDir)
		if err := st.Init(); err != nil {
			return err
		}
		meta := storage.RunMetadata{
			ID:       runID,
			Scenario: cfg.Name,
			Dt:       cfg.Dt,
			Duration: cfg.Duration,
			Strategy: cfg.Coupling.Strategy,
		}
		for _, d := range cfg.Domains {
			meta.Domains = append(meta.Domains, d.ID)
		}
		var sources []storage.RecordSource
		for _, l := range ledgerSources(m) {
			sources = append(sources, l)
		}
		if _, err := st.Save(meta, result, sources...); err != nil {
			return err
		}
		fmt.Printf("saved: %s\n", runID)
	}

	fmt.Printf("steps: %d (%s)\n", result.StepsTaken, elapsed.Round(time.Millisecond))
	fmt.Printf("energy drift: %.3e\n", result.EnergyDrift)
	printMetrics(os.Stdout, result.Metrics)
	return runErr
}

func printMetrics(w io.Writer, ms map[string]float64) {
	names := make([]string, 0, len(ms))
	for name := range ms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s: %.6g\n", name, ms[name])
	}
}

func listRuns(cmd *cobra.Command, args []string) error {
	env, err := loadEnv()
	if err != nil {
		return err
	}
	runs, err := storage.New(env.DataDir).List()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSCENARIO\tSTRATEGY\tSTEPS\tDRIFT\tTIMESTAMP")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2e\t%s\n",
			r.ID, r.Scenario, r.Strategy, r.StepsTaken, r.EnergyDrift,
			r.Timestamp.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func plotRun(cmd *cobra.Command, args []string) error {
	env, err := loadEnv()
	if err != nil {
		return err
	}
	st := storage.New(env.DataDir)
	meta, err := st.Load(args[0])
	if err != nil {
		return err
	}
	rows, err := st.LoadSteps(args[0])
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("no data to plot")
	}

	fmt.Printf("run: %s\n", meta.ID)
	fmt.Printf("scenario: %s (%s)\n", meta.Scenario, meta.Strategy)
	fmt.Printf("steps: %d\n\n", len(rows))
	for _, chart := range runCharts(rows) {
		fmt.Println(chart)
		fmt.Println()
	}
	return nil
}

// runCharts renders the stored step table: system energy, its relative
// drift, and the coupling iterations with their final residual.
func runCharts(rows []storage.StepRow) []string {
	energy := make([]float64, len(rows))
	residual := make([]float64, len(rows))
	iterations := make([]float64, len(rows))
	for i, r := range rows {
		energy[i] = r.Energy
		residual[i] = r.Residual
		iterations[i] = float64(r.Iterations)
	}
	return []string{
		viz.Chart("system energy", 80, 10, viz.Series{Name: "energy", Values: energy}),
		viz.Chart("relative energy drift", 80, 8, viz.Series{Name: "drift", Values: viz.RelativeDrift(energy)}),
		viz.Chart("coupling (log10 residual, iterations)", 80, 8,
			viz.Series{Name: "log10 residual", Values: viz.Log10(residual, 1e-16)},
			viz.Series{Name: "iterations", Values: iterations},
		),
	}
}

func printLedger(cmd *cobra.Command, args []string) error {
	env, err := loadEnv()
	if err != nil {
		return err
	}
	records, err := storage.New(env.DataDir).LoadLedger(args[0], quantity)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tTIME\tKIND\tSUBJECT\tVALUE")
	for _, r := range records {
		vals := make([]string, len(r.Values))
		for i, v := range r.Values {
			vals[i] = fmt.Sprintf("%.6g", v)
		}
		fmt.Fprintf(w, "%d\t%.6g\t%s\t%s\t%s\n", r.Step, r.Time, r.Kind, r.Subject, strings.Join(vals, " "))
	}
	return w.Flush()
}

func listPresets(w io.Writer, args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(w, "scenarios:")
		for _, s := range config.ListScenarios() {
			fmt.Fprintf(w, "  %s (%s)\n", s, strings.Join(config.ListPresets(s), ", "))
		}
		return nil
	}
	presets := config.ListPresets(args[0])
	if len(presets) == 0 {
		fmt.Fprintf(w, "no presets for scenario: %s\n", args[0])
		return nil
	}
	fmt.Fprintf(w, "presets for %s:\n", args[0])
	for _, p := range presets {
		cfg := config.GetPreset(args[0], p)
		fmt.Fprintf(w, "  %s: %s coupling, %d domains, dt=%g\n", p, cfg.Coupling.Strategy, len(cfg.Domains), cfg.Dt)
	}
	return nil
}

func watchScenario(cmd *cobra.Command, args []string) error {
	env, err := loadEnv()
	if err != nil {
		return err
	}
	cfg, err := loadScenario(args, env)
	if err != nil {
		return err
	}
	exp, err := experiment.New(cfg, nil)
	if err != nil {
		return err
	}
	if err := exp.Manager().Start(exp.Spatial()); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	w := viz.NewWatch(ctx, exp.Manager(), exp.Spatial(), cfg.Dt, cfg.Duration, cfg.Name)
	_, err = tea.NewProgram(w, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

func compareStrategies(cmd *cobra.Command, args []string) error {
	env, err := loadEnv()
	if err != nil {
		return err
	}
	cfg, err := loadScenario(args[:1], env)
	if err != nil {
		return err
	}
	strategies := args[1:]
	if len(strategies) == 0 {
		strategies = []string{"explicit", "implicit", "staggered", "adaptive"}
	}

	builders := make([]sim.Builder, len(strategies))
	for i, s := range strategies {
		c := cfg.Clone()
		c.Coupling.Strategy = s
		if _, err := experiment.SimConfig(c); err != nil {
			return err
		}
		builders[i] = experiment.Builder(c, nil)
	}

	fmt.Printf("comparing %d strategies on %s...\n\n", len(strategies), cfg.Name)
	start := time.Now()
	run := sim.RunConfig{Dt: cfg.Dt, Duration: cfg.Duration}
	results, err := sim.NewEnsemble(parallel, builders...).Run(cmd.Context(), run, experiment.Spatial(cfg), cfg.Stability.Threshold)
	elapsed := time.Since(start)

	fmt.Printf("%-12s %8s %12s %12s %12s\n", "strategy", "steps", "drift", "iterations", "corrections")
	fmt.Println(strings.Repeat("-", 60))
	for i, s := range strategies {
		res := results[i]
		if res == nil {
			fmt.Printf("%-12s %8s\n", s, "failed")
			continue
		}
		iters, corr := effort(res)
		fmt.Printf("%-12s %8d %12.3e %12d %12d\n", s, res.StepsTaken, res.EnergyDrift, iters, corr)
	}
	fmt.Printf("\ntotal: %s\n", elapsed.Round(time.Millisecond))
	return err
}

// effort sums coupling iterations and applied energy corrections.
func effort(res *sim.RunResult) (iterations, corrections int) {
	for _, s := range res.Steps {
		iterations += s.Convergence.Iterations
		corrections += len(s.Energy.Corrections)
	}
	return iterations, corrections
}

func exportScenario(cmd *cobra.Command, args []string) error {
	name := preset
	if name == "" {
		names := config.ListPresets(args[0])
		if len(names) == 0 {
			return fmt.Errorf("unknown scenario: %s", args[0])
		}
		name = names[0]
	}
	cfg := config.GetPreset(args[0], name)
	if cfg == nil {
		return fmt.Errorf("unknown preset %q for %s", name, args[0])
	}
	if outFile == "" {
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := config.Save(outFile, cfg); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", outFile)
	return nil
}
