package dynamo

import (
	"context"
	"fmt"
	"strings"

	"github.com/san-kum/multiphys/internal/field"
)

type DomainID string

// DomainKind tags the physics discipline of a domain. The coordinator never
// branches on it; it only informs mechanism classification and mapping.
type DomainKind int

const (
	Fluid DomainKind = iota
	Structural
	Electromagnetic
	Thermal
	Chemical
	Particle
)

var kindNames = map[DomainKind]string{
	Fluid:           "fluid",
	Structural:      "structural",
	Electromagnetic: "electromagnetic",
	Thermal:         "thermal",
	Chemical:        "chemical",
	Particle:        "particle",
}

func (k DomainKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func ParseKind(s string) (DomainKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("dynamo: unknown domain kind %q", s)
}

// PredictionMethod selects how a domain's state is estimated ahead of time.
type PredictionMethod int

const (
	LinearExtrapolation PredictionMethod = iota
	TaylorSeriesExpansion
	HistoricalTrends
	PhysicsBasedExtrapolation
)

func (p PredictionMethod) String() string {
	switch p {
	case TaylorSeriesExpansion:
		return "taylor"
	case HistoricalTrends:
		return "historical"
	case PhysicsBasedExtrapolation:
		return "physics"
	default:
		return "linear"
	}
}

func ParsePredictionMethod(s string) (PredictionMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "linear":
		return LinearExtrapolation, nil
	case "taylor":
		return TaylorSeriesExpansion, nil
	case "historical":
		return HistoricalTrends, nil
	case "physics":
		return PhysicsBasedExtrapolation, nil
	}
	return 0, fmt.Errorf("dynamo: unknown prediction method %q", s)
}

// PhysicsDomain is one physics discipline as consumed by the coupling core.
// Implementations own their internal discretization and solver.
type PhysicsDomain interface {
	ID() DomainID
	Kind() DomainKind
	Grid() field.Grid
	NaturalTimeStep() float64
	EffectiveMass() float64

	CurrentState() DomainState
	CurrentTime() float64

	AdvanceTimeStep(ctx context.Context, dt float64, coupling CouplingData, sc SpatialContext) (DomainStepResult, error)
	AdvanceToTimeWithCoupling(ctx context.Context, target float64, coupling CouplingData, sc SpatialContext) (DomainStepResult, error)

	ExtractCouplingFields(target DomainID) field.Collection
	ReceiveTransferredFields(fields field.Collection, spec TransferSpec) error

	TotalEnergy(sc SpatialContext) float64
	TotalMomentum(sc SpatialContext) Vec3
	ApplyEnergyCorrection(delta float64, sc SpatialContext) (CorrectionRecord, error)
	ApplyMomentumCorrection(delta Vec3, sc SpatialContext) (CorrectionRecord, error)

	PreferredPredictionMethod() PredictionMethod

	// UpdateWithCoupledSolution integrates one step of size dt from the
	// committed state using the given coupling estimate. It never commits.
	UpdateWithCoupledSolution(ctx context.Context, dt float64, coupling CouplingData, sc SpatialContext) (DomainState, error)
	// FinalizeStepWithSolution commits a solution produced by
	// UpdateWithCoupledSolution.
	FinalizeStepWithSolution(solution DomainState) (DomainStepResult, error)

	// RestoreState rolls the domain back to a snapshot it produced.
	RestoreState(snapshot DomainState) error
}

// Stiff is implemented by domains that must be integrated implicitly under
// implicit-explicit splitting.
type Stiff interface {
	Stiff() bool
}

// ErrorEstimator is implemented by domains able to estimate the local
// truncation error of a step of size dt without committing it.
type ErrorEstimator interface {
	EstimateLocalError(dt float64, coupling CouplingData) (float64, error)
}

// StatePredictor is implemented by domains with a physics-based predictor.
type StatePredictor interface {
	PredictState(target float64, coupling CouplingData) (DomainState, error)
}
