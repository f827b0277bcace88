package coupling

import (
	"errors"
	"fmt"
	"math"

	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/field"
)

var ErrGridMismatch = errors.New("coupling: direct transfer requires identical grids")

// Endpoint is the read-only view of a domain the transfer manager needs.
type Endpoint interface {
	ID() dynamo.DomainID
	Kind() dynamo.DomainKind
	Grid() field.Grid
	ExtractCouplingFields(target dynamo.DomainID) field.Collection
}

// Corrector is the higher-order mapping tried when a single rescale cannot
// restore a conserved total.
type Corrector func(f *field.Field, target field.Grid) *field.Field

// RemapCorrector is the default corrector: first-order conservative overlap
// remapping.
func RemapCorrector(f *field.Field, target field.Grid) *field.Field {
	return f.Remap(target)
}

// FieldTransferResult is the mapped payload plus how each field got there.
// Nothing is delivered until the target receives Fields.
type FieldTransferResult struct {
	Source     dynamo.DomainID
	Target     dynamo.DomainID
	Fields     field.Collection
	Strategies map[string]dynamo.MappingStrategy
	// Residuals holds the relative conservation residual per conserved field.
	Residuals map[string]float64
	Rescaled  []string
	Corrected []string
	Clamped   map[string]int
}

// Manager maps fields between domain discretizations. It never mutates a
// domain.
type Manager struct {
	correctors map[dynamo.DomainKind]Corrector
}

type Option func(*Manager)

// WithCorrector installs the fallback corrector for transfers into domains
// of the given kind.
func WithCorrector(kind dynamo.DomainKind, c Corrector) Option {
	return func(m *Manager) { m.correctors[kind] = c }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{correctors: make(map[dynamo.DomainKind]Corrector)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) corrector(kind dynamo.DomainKind) Corrector {
	if c, ok := m.correctors[kind]; ok {
		return c
	}
	return RemapCorrector
}

// TransferFields extracts the requested fields from source and maps them onto
// target's grid.
func (m *Manager) TransferFields(source, target Endpoint, spec dynamo.TransferSpec, sc dynamo.SpatialContext) (FieldTransferResult, error) {
	fields := source.ExtractCouplingFields(target.ID()).Select(spec.Fields)
	for _, name := range spec.Fields {
		if _, ok := fields.Get(name); !ok {
			return FieldTransferResult{}, fmt.Errorf("coupling: %s does not export field %q", source.ID(), name)
		}
	}
	return m.MapFields(source.ID(), fields, target.ID(), target.Kind(), target.Grid(), spec, sc)
}

// MapFields maps an already extracted collection. Used when the source is
// a recorded or interpolated snapshot instead of a live domain.
func (m *Manager) MapFields(srcID dynamo.DomainID, fields field.Collection, dstID dynamo.DomainID, dstKind dynamo.DomainKind, dst field.Grid, spec dynamo.TransferSpec, sc dynamo.SpatialContext) (FieldTransferResult, error) {
	res := FieldTransferResult{
		Source:     srcID,
		Target:     dstID,
		Fields:     make(field.Collection, len(fields)),
		Strategies: make(map[string]dynamo.MappingStrategy, len(fields)),
		Residuals:  make(map[string]float64),
		Clamped:    make(map[string]int),
	}
	tol := spec.Tolerance
	if tol <= 0 {
		tol = dynamo.DefaultTransferTolerance
	}
	region := sc.Region(spec.Region)

	for _, name := range fields.Names() {
		f := fields[name]
		src, err := f.Restrict(region)
		if err != nil {
			return FieldTransferResult{}, fmt.Errorf("coupling: %s->%s: %w", srcID, dstID, err)
		}
		tg := dst
		offset := 0
		if !region.IsZero() && f.Law != field.LawNone {
			if tg, offset, err = dst.Restrict(region); err != nil {
				return FieldTransferResult{}, fmt.Errorf("coupling: %s->%s: %w", srcID, dstID, err)
			}
		}

		strategy := spec.Strategy
		if strategy == dynamo.MappingAuto {
			strategy = selectStrategy(src, tg)
		}

		out := mapping{field: src, target: tg, tol: tol, corrector: m.corrector(dstKind)}
		mapped, err := out.run(strategy)
		if err != nil {
			var cv *dynamo.ConservationViolationError
			if errors.As(err, &cv) {
				cv.Where = fmt.Sprintf("%s->%s:%s", srcID, dstID, name)
			}
			return FieldTransferResult{}, err
		}

		if tg.Cells != dst.Cells {
			mapped = embed(mapped, dst, offset)
		}
		res.Fields[name] = mapped
		res.Strategies[name] = strategy
		if out.conserved() {
			res.Residuals[name] = out.residual
		}
		if out.rescaled {
			res.Rescaled = append(res.Rescaled, name)
		}
		if out.corrected {
			res.Corrected = append(res.Corrected, name)
		}
		if out.clamped > 0 {
			res.Clamped[name] = out.clamped
		}
	}
	return res, nil
}

// selectStrategy picks a mapping from the field's law and the two grids.
func selectStrategy(f *field.Field, target field.Grid) dynamo.MappingStrategy {
	switch {
	case f.Grid.Equal(target):
		return dynamo.DirectTransfer
	case f.Law != field.LawNone && f.Bounds.Active():
		return dynamo.PhysicsAware
	case f.Law != field.LawNone:
		return dynamo.ConservationPreserving
	case f.Bounds.Active():
		return dynamo.PhysicsAware
	default:
		return dynamo.InterpolationBased
	}
}

// embed places a field mapped onto a sub-grid into the full target grid.
// Cells outside the interface receive nothing.
func embed(f *field.Field, full field.Grid, offset int) *field.Field {
	out := &field.Field{Name: f.Name, Law: f.Law, Bounds: f.Bounds, Grid: full}
	out.Values = make([]float64, full.Cells)
	copy(out.Values[offset:], f.Values)
	return out
}

type mapping struct {
	field     *field.Field
	target    field.Grid
	tol       float64
	corrector Corrector

	residual  float64
	rescaled  bool
	corrected bool
	clamped   int
}

func (mp *mapping) conserved() bool { return mp.field.Law != field.LawNone }

func (mp *mapping) run(strategy dynamo.MappingStrategy) (*field.Field, error) {
	switch strategy {
	case dynamo.DirectTransfer:
		if !mp.field.Grid.Equal(mp.target) {
			return nil, fmt.Errorf("%w: %s", ErrGridMismatch, mp.field.Name)
		}
		return mp.field.Clone(), nil
	case dynamo.InterpolationBased:
		return mp.field.Resample(mp.target), nil
	case dynamo.ConservationPreserving:
		return mp.conservative(false)
	case dynamo.PhysicsAware:
		return mp.conservative(true)
	}
	return nil, fmt.Errorf("coupling: unknown mapping strategy %v", strategy)
}

// conservative interpolates, then rescales once, then falls back to the
// corrector. bounded additionally clamps to the field's physical bounds.
func (mp *mapping) conservative(bounded bool) (*field.Field, error) {
	mapped := mp.field.Resample(mp.target)
	if bounded {
		mp.clamped += mapped.Clamp()
	}
	if !mp.conserved() {
		return mapped, nil
	}

	want := mp.field.Total()
	mp.residual = relResidual(mapped.Total(), want)
	if mp.residual <= mp.tol {
		return mapped, nil
	}

	if got := mapped.Total(); got != 0 && !math.IsNaN(got) {
		mapped.Scale(want / got)
		mp.rescaled = true
		mp.residual = relResidual(mapped.Total(), want)
		if mp.residual <= mp.tol && (!bounded || mapped.Within()) {
			return mapped, nil
		}
	}

	mapped = mp.corrector(mp.field, mp.target)
	mp.corrected = true
	if bounded {
		mp.clamped += mapped.Clamp()
	}
	mp.residual = relResidual(mapped.Total(), want)
	if mp.residual <= mp.tol {
		return mapped, nil
	}
	return nil, &dynamo.ConservationViolationError{
		Quantity:  mp.field.Law.String(),
		Where:     mp.field.Name,
		Residual:  mp.residual,
		Tolerance: mp.tol,
	}
}

// relResidual is |got-want|/|want|, or the absolute difference when want
// is zero.
func relResidual(got, want float64) float64 {
	d := math.Abs(got - want)
	if want == 0 {
		return d
	}
	return d / math.Abs(want)
}
