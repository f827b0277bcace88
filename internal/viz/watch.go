package viz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/sim"
)

const (
	canvasWidth     = 48
	canvasHeight    = 12
	historyCapacity = 600
	tickInterval    = time.Second / 30
)

type TickMsg time.Time

// Watch is a Bubble Tea model that steps a coupling manager live and shows
// the field profiles of every domain, the energy history and the coupling
// residuals.
type Watch struct {
	ctx      context.Context
	manager  *sim.Manager
	spatial  dynamo.SpatialContext
	dt       float64
	end      float64
	scenario string

	running  bool
	showHelp bool
	theme    Theme
	styles   Styles
	canvas   *Canvas
	field    int

	energy     []float64
	residuals  []float64
	iterations []float64
	last       *sim.StepResult
	err        error
}

// NewWatch prepares a view stepping m by dt until duration has elapsed.
func NewWatch(ctx context.Context, m *sim.Manager, sc dynamo.SpatialContext, dt, duration float64, scenario string) Watch {
	w := Watch{
		ctx:      ctx,
		manager:  m,
		spatial:  sc,
		dt:       dt,
		end:      m.Time() + duration,
		scenario: scenario,
		running:  true,
		theme:    Themes[0],
		styles:   NewStyles(Themes[0]),
		canvas:   NewCanvas(canvasWidth, canvasHeight),
	}
	w.energy = append(w.energy, systemEnergy(m.States()))
	return w
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return TickMsg(t) })
}

func (w Watch) Init() tea.Cmd { return tick() }

func (w Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return w, tea.Quit
		case " ":
			w.running = !w.running
		case "n":
			w.step()
		case "s":
			next := (w.manager.Config().Strategy + 1) % (sim.AdaptiveCoupling + 1)
			w.manager.SetStrategy(next)
		case "f":
			w.field++
		case "t":
			w.theme = w.theme.Next()
			w.styles = NewStyles(w.theme)
		case "?":
			w.showHelp = !w.showHelp
		}
	case TickMsg:
		if w.running {
			w.step()
		}
		return w, tick()
	}
	return w, nil
}

// Done reports whether the watched run reached its end or failed.
func (w Watch) Done() bool {
	return w.err != nil || w.end-w.manager.Time() <= 1e-12
}

func (w *Watch) step() {
	if w.Done() {
		w.running = false
		return
	}
	dt := min(w.dt, w.end-w.manager.Time())
	res, err := w.manager.StepSimulation(w.ctx, dt, w.spatial)
	if err != nil {
		w.err = err
		w.running = false
		return
	}
	w.last = &res
	w.energy = push(w.energy, systemEnergy(w.manager.States()))
	w.residuals = push(w.residuals, res.Convergence.Residual())
	w.iterations = push(w.iterations, float64(res.Convergence.Iterations))
}

func push(buf []float64, v float64) []float64 {
	buf = append(buf, v)
	if len(buf) > historyCapacity {
		buf = buf[1:]
	}
	return buf
}

func systemEnergy(states []dynamo.DomainState) float64 {
	e := 0.0
	for _, s := range states {
		e += s.Energy
	}
	return e
}

// fieldNames lists every field name any domain carries, sorted.
func fieldNames(states []dynamo.DomainState) []string {
	seen := map[string]bool{}
	var names []string
	for _, s := range states {
		for _, n := range s.Fields.Names() {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	sort.Strings(names)
	return names
}

// profiles samples the named field of every domain at its cell centres.
func profiles(states []dynamo.DomainState, name string) []Profile {
	var out []Profile
	for _, s := range states {
		f, ok := s.Fields.Get(name)
		if !ok {
			continue
		}
		out = append(out, Profile{Label: string(s.DomainID), X: f.Grid.Centers(), Y: append([]float64(nil), f.Values...)})
	}
	return out
}

func (w Watch) status() string {
	switch {
	case w.err != nil:
		return w.styles.Badge("FAILED", 2)
	case w.Done():
		return w.styles.Badge("DONE", 0)
	case !w.running:
		return w.styles.Badge("PAUSED", 1)
	default:
		return w.styles.Badge("RUNNING", 0)
	}
}

func (w Watch) View() string {
	states := w.manager.States()
	names := fieldNames(states)

	var left strings.Builder
	if len(names) > 0 {
		name := names[w.field%len(names)]
		ps := profiles(states, name)
		w.canvas.Clear()
		vp := Fit(ps)
		for _, p := range ps {
			w.canvas.Plot(vp, p)
		}
		left.WriteString(w.styles.Header.Render(name) + "\n")
		left.WriteString(w.canvas.String())
		left.WriteString(w.styles.Muted.Render(fmt.Sprintf("%.3g .. %.3g", vp.YMin, vp.YMax)) + "\n")
	}
	if chart := Chart("system energy", canvasWidth, 5, Series{Name: "energy", Values: w.energy}); chart != "" {
		left.WriteString("\n" + chart + "\n")
	}

	var right strings.Builder
	right.WriteString(w.styles.Header.Render(strings.ToUpper(w.scenario)) + "\n")
	right.WriteString(w.status() + "\n\n")
	t := w.manager.Time()
	right.WriteString(w.styles.Row("Time", "%.4f / %.4f", t, w.end) + "\n")
	right.WriteString(w.styles.Label.Render("Progress") + ProgressBar(t/w.end, 16) + "\n")
	right.WriteString(w.styles.Row("Step", "%d", w.manager.Steps()) + "\n")
	right.WriteString(w.styles.Row("Strategy", "%s", w.manager.Config().Strategy) + "\n")
	if len(w.energy) > 0 {
		drift := RelativeDrift(w.energy)
		right.WriteString(w.styles.Row("Energy", "%.6g", w.energy[len(w.energy)-1]) + "\n")
		right.WriteString(w.styles.Row("Drift", "%.2e", drift[len(drift)-1]) + "\n")
	}
	right.WriteString(w.styles.Row("Correction", "%.3e", w.manager.EnergyLedger().Cumulative()) + "\n")
	right.WriteString(w.styles.Label.Render("Iterations") + Sparkline(w.iterations, 20) + "\n")
	right.WriteString(w.styles.Label.Render("Residual") + Sparkline(Log10(w.residuals, -16), 20) + "\n")

	if w.last != nil {
		right.WriteString("\n")
		switch {
		case !w.last.Stability.Stable:
			right.WriteString(w.styles.Badge("UNSTABLE", 2) + "\n")
		case !w.last.Clean():
			right.WriteString(w.styles.Badge("CORRECTED", 1) + "\n")
		}
		for _, warn := range w.last.Stability.Warnings {
			right.WriteString(w.styles.Warn.Render("! "+warn) + "\n")
		}
	}

	right.WriteString("\n" + w.styles.Header.Render("DOMAINS") + "\n")
	for i, s := range states {
		dot := lipgloss.NewStyle().Foreground(w.theme.SeriesColor(i)).Render("●")
		right.WriteString(fmt.Sprintf("%s %-10s %-12s E=%.4g\n", dot, s.DomainID, s.Kind, s.Energy))
	}
	if w.err != nil {
		right.WriteString("\n" + w.styles.Bad.Render(w.err.Error()) + "\n")
	}
	right.WriteString("\n" + w.styles.KeyHint.Render("SP:Pause N:Step S:Strategy F:Field T:Theme ?:Help Q:Quit"))

	main := lipgloss.JoinHorizontal(lipgloss.Top,
		w.styles.Panel.Render(left.String()),
		w.styles.Panel.Width(44).Render(right.String()),
	)
	if w.showHelp {
		return w.help() + "\n" + main
	}
	return main
}

func (w Watch) help() string {
	keys := [][2]string{
		{"Space", "Pause/resume stepping"},
		{"N", "Take one step"},
		{"S", "Cycle coupling strategy"},
		{"F", "Cycle displayed field"},
		{"T", "Cycle themes"},
		{"?", "Toggle this help"},
		{"Q", "Quit"},
	}
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(w.styles.Selected.Render(fmt.Sprintf("%-6s", k[0])) + " " + k[1] + "\n")
	}
	return w.styles.Panel.Render(b.String())
}
