package temporal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strings"

	"github.com/san-kum/multiphys/internal/coupling"
	"github.com/san-kum/multiphys/internal/dynamo"
)

type Strategy int

const (
	DirectAdvancement Strategy = iota
	IterativeConvergence
	PredictorCorrector
)

func (s Strategy) String() string {
	switch s {
	case IterativeConvergence:
		return "iterative"
	case PredictorCorrector:
		return "predictor_corrector"
	default:
		return "direct"
	}
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "direct":
		return DirectAdvancement, nil
	case "iterative":
		return IterativeConvergence, nil
	case "predictor_corrector", "predictor-corrector":
		return PredictorCorrector, nil
	}
	return 0, fmt.Errorf("temporal: unknown synchronization strategy %q", s)
}

// Phase is one state of a synchronization call. Converged and Failed are
// terminal.
type Phase int

const (
	Predicting Phase = iota
	Correcting
	Validating
	Converged
	NeedsAdditionalCorrection
	Failed
)

func (p Phase) String() string {
	return [...]string{"predicting", "correcting", "validating", "converged", "needs_correction", "failed"}[p]
}

type Config struct {
	Strategy           Strategy
	Tolerance          float64 // relative divergence between estimate and correction
	MaxCorrections     int
	TimeTolerance      float64
	AllowExtrapolation bool
	HistorySize        int
}

func DefaultConfig() Config {
	return Config{
		Strategy:       PredictorCorrector,
		Tolerance:      1e-6,
		MaxCorrections: 10,
		TimeTolerance:  1e-12,
		HistorySize:    DefaultHistory,
	}
}

type SyncResult struct {
	Target     float64
	Strategy   Strategy
	Phases     []Phase
	Iterations int
	Divergence float64
	Advanced   []dynamo.DomainID
	Results    map[dynamo.DomainID]dynamo.DomainStepResult
}

func (r SyncResult) Final() Phase {
	if len(r.Phases) == 0 {
		return Converged
	}
	return r.Phases[len(r.Phases)-1]
}

// Manager brings domains to a common time and keeps the per-domain
// history that interpolation and prediction read from.
type Manager struct {
	cfg       Config
	assembler *coupling.Assembler
	histories map[dynamo.DomainID]*History
	logger    *log.Logger
}

type Option func(*Manager)

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func NewManager(cfg Config, asm *coupling.Assembler, opts ...Option) *Manager {
	if cfg.HistorySize == 0 {
		cfg.HistorySize = DefaultHistory
	}
	if cfg.MaxCorrections <= 0 {
		cfg.MaxCorrections = 1
	}
	m := &Manager{
		cfg:       cfg,
		assembler: asm,
		histories: make(map[dynamo.DomainID]*History),
		logger:    log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) History(id dynamo.DomainID) *History {
	h, ok := m.histories[id]
	if !ok {
		h = NewHistory(m.cfg.HistorySize)
		m.histories[id] = h
	}
	return h
}

func (m *Manager) Record(s dynamo.DomainState) { m.History(s.DomainID).Record(s) }

// StateAt samples a domain at t from its history. Beyond the newest
// snapshot the state is held unless extrapolation is enabled.
func (m *Manager) StateAt(id dynamo.DomainID, t float64) (dynamo.DomainState, error) {
	h := m.History(id)
	last, ok := h.Latest()
	if !ok {
		return dynamo.DomainState{}, &dynamo.DomainNotFoundError{ID: id, Context: "no recorded state"}
	}
	if t > last.Time+m.cfg.TimeTolerance {
		if m.cfg.AllowExtrapolation {
			return Predict(dynamo.LinearExtrapolation, h, t, nil, nil)
		}
		return last.Clone(), nil
	}
	return h.Interpolate(t, m.cfg.TimeTolerance)
}

// Source adapts StateAt for the coupling assembler.
func (m *Manager) Source() coupling.StateSource { return m.StateAt }

func (m *Manager) couplingFor(d dynamo.PhysicsDomain, t float64, src coupling.StateSource, sc dynamo.SpatialContext) (dynamo.CouplingData, error) {
	return m.assembler.Build(coupling.Receiver{ID: d.ID(), Kind: d.Kind(), Grid: d.Grid()}, t, src, sc)
}

// SynchronizeAllDomains advances every domain behind target to exactly
// target. Domains ahead of target are an error. On failure every advanced
// domain is restored to its state on entry.
func (m *Manager) SynchronizeAllDomains(ctx context.Context, domains []dynamo.PhysicsDomain, target float64, sc dynamo.SpatialContext) (SyncResult, error) {
	res := SyncResult{Target: target, Strategy: m.cfg.Strategy, Results: make(map[dynamo.DomainID]dynamo.DomainStepResult)}

	byID := make(map[dynamo.DomainID]dynamo.PhysicsDomain, len(domains))
	var ids []dynamo.DomainID
	for _, d := range domains {
		byID[d.ID()] = d
		ids = append(ids, d.ID())
		m.Record(d.CurrentState())
	}
	dynamo.SortIDs(ids)

	snapshots := make(map[dynamo.DomainID]dynamo.DomainState)
	for _, id := range ids {
		d := byID[id]
		switch now := d.CurrentTime(); {
		case now > target+m.cfg.TimeTolerance:
			return res, &dynamo.StepError{Domain: id, Time: now,
				Wrapped: fmt.Errorf("%w: ahead of synchronization target %.9g", dynamo.ErrTimeMisaligned, target)}
		case now < target-m.cfg.TimeTolerance:
			res.Advanced = append(res.Advanced, id)
			snapshots[id] = d.CurrentState()
		}
	}
	if len(res.Advanced) == 0 {
		res.Phases = []Phase{Converged}
		return res, nil
	}

	restore := func() error { return m.restore(byID, res.Advanced, snapshots) }
	if m.cfg.Strategy == DirectAdvancement {
		res, err := m.direct(ctx, byID, res, target, sc)
		if err != nil {
			res.Phases = append(res.Phases, Failed)
			res.Results = map[dynamo.DomainID]dynamo.DomainStepResult{}
			if rerr := restore(); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
		return res, err
	}

	estimates := make(map[dynamo.DomainID]dynamo.DomainState, len(ids))
	for _, id := range ids {
		estimates[id] = byID[id].CurrentState()
	}
	if m.cfg.Strategy == PredictorCorrector {
		res.Phases = append(res.Phases, Predicting)
		for _, id := range res.Advanced {
			p, err := m.predict(byID[id], target, sc)
			if err != nil {
				return res, err
			}
			estimates[id] = p
		}
	}

	for iter := 1; ; iter++ {
		res.Iterations = iter
		res.Phases = append(res.Phases, Correcting)
		if iter > 1 {
			if err := restore(); err != nil {
				return res, err
			}
		}

		frozen := estimates
		src := func(id dynamo.DomainID, t float64) (dynamo.DomainState, error) {
			s, ok := frozen[id]
			if !ok {
				return dynamo.DomainState{}, &dynamo.DomainNotFoundError{ID: id, Context: "synchronization"}
			}
			return s, nil
		}

		corrected := make(map[dynamo.DomainID]dynamo.DomainState, len(estimates))
		for id, s := range estimates {
			corrected[id] = s
		}
		for _, id := range res.Advanced {
			d := byID[id]
			cd, err := m.couplingFor(d, target, src, sc)
			if err != nil {
				_ = restore()
				return res, err
			}
			step, err := d.AdvanceToTimeWithCoupling(ctx, target, cd, sc)
			if err != nil {
				_ = restore()
				return res, err
			}
			res.Results[id] = step
			corrected[id] = d.CurrentState()
		}

		res.Phases = append(res.Phases, Validating)
		res.Divergence = 0
		for _, id := range res.Advanced {
			res.Divergence = math.Max(res.Divergence, divergence(corrected[id], estimates[id]))
		}
		estimates = corrected
		m.logger.Printf("sync t=%.6g %s iter=%d divergence=%.3e", target, m.cfg.Strategy, iter, res.Divergence)

		if res.Divergence <= m.cfg.Tolerance {
			res.Phases = append(res.Phases, Converged)
			for _, id := range res.Advanced {
				m.Record(byID[id].CurrentState())
			}
			return res, nil
		}
		if iter >= m.cfg.MaxCorrections {
			res.Phases = append(res.Phases, Failed)
			if err := restore(); err != nil {
				return res, err
			}
			res.Results = map[dynamo.DomainID]dynamo.DomainStepResult{}
			return res, &dynamo.SyncError{Target: target, Iterations: iter, Divergence: res.Divergence, Tolerance: m.cfg.Tolerance}
		}
		res.Phases = append(res.Phases, NeedsAdditionalCorrection)
	}
}

// restore puts the advanced domains back to their pre-sync snapshots.
func (m *Manager) restore(byID map[dynamo.DomainID]dynamo.PhysicsDomain, ids []dynamo.DomainID, snapshots map[dynamo.DomainID]dynamo.DomainState) error {
	for _, id := range ids {
		if err := byID[id].RestoreState(snapshots[id]); err != nil {
			return err
		}
		m.Record(snapshots[id])
	}
	return nil
}

// direct advances each lagging domain once, coupling against partners
// sampled at the domain's own current time. On error the caller restores
// every advanced domain.
func (m *Manager) direct(ctx context.Context, byID map[dynamo.DomainID]dynamo.PhysicsDomain, res SyncResult, target float64, sc dynamo.SpatialContext) (SyncResult, error) {
	res.Phases = append(res.Phases, Correcting)
	for _, id := range res.Advanced {
		d := byID[id]
		cd, err := m.couplingFor(d, d.CurrentTime(), m.StateAt, sc)
		if err != nil {
			return res, err
		}
		step, err := d.AdvanceToTimeWithCoupling(ctx, target, cd, sc)
		if err != nil {
			return res, err
		}
		res.Results[id] = step
		m.Record(d.CurrentState())
	}
	res.Iterations = 1
	res.Phases = append(res.Phases, Converged)
	return res, nil
}

func (m *Manager) predict(d dynamo.PhysicsDomain, target float64, sc dynamo.SpatialContext) (dynamo.DomainState, error) {
	method := d.PreferredPredictionMethod()
	var physics dynamo.StatePredictor
	var cd dynamo.CouplingData
	if method == dynamo.PhysicsBasedExtrapolation {
		if sp, ok := d.(dynamo.StatePredictor); ok {
			physics = sp
			var err error
			if cd, err = m.couplingFor(d, d.CurrentTime(), m.StateAt, sc); err != nil {
				return dynamo.DomainState{}, err
			}
		}
	}
	return Predict(method, m.History(d.ID()), target, physics, cd)
}

// divergence is the relative norm of the field change between two
// estimates of the same domain.
func divergence(a, b dynamo.DomainState) float64 {
	va, vb := a.FieldVector(), b.FieldVector()
	if len(va) != len(vb) {
		return math.Inf(1)
	}
	diff := va.Sub(vb).Norm()
	if diff == 0 {
		return 0
	}
	return diff / math.Max(vb.Norm(), 1e-12)
}
