package dynamo

import (
	"fmt"
	"strings"

	"github.com/san-kum/multiphys/internal/field"
)

// CouplingPair identifies a directed exchange between two domains.
// Strength is the interface conductance (heat) or drag coefficient
// (momentum); it scales the fluxes the domain models compute.
type CouplingPair struct {
	Source   DomainID
	Target   DomainID
	Region   string
	Strength float64
	Spec     TransferSpec
}

func (p CouplingPair) String() string {
	return fmt.Sprintf("%s->%s", p.Source, p.Target)
}

// Involves reports whether id is one of the two endpoints.
func (p CouplingPair) Involves(id DomainID) bool {
	return p.Source == id || p.Target == id
}

// Other returns the endpoint that is not id.
func (p CouplingPair) Other(id DomainID) DomainID {
	if p.Source == id {
		return p.Target
	}
	return p.Source
}

// CouplingInput is what one partner contributes to a domain's step: its
// fields mapped onto the receiving grid, sampled at Time.
type CouplingInput struct {
	Partner  DomainID
	Kind     DomainKind
	Strength float64
	Time     float64
	Fields   field.Collection
}

// CouplingData maps partner id to the partner's contribution.
type CouplingData map[DomainID]CouplingInput

// Partners returns the partner ids in a deterministic order.
func (c CouplingData) Partners() []DomainID {
	ids := make([]DomainID, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	SortIDs(ids)
	return ids
}

// SpatialContext carries externally supplied geometry: named interface
// regions on the shared coordinate axis.
type SpatialContext struct {
	Regions map[string]field.Region
}

// Region resolves a named region; unknown or empty names select the whole
// grid.
func (sc SpatialContext) Region(name string) field.Region {
	if name == "" || sc.Regions == nil {
		return field.Region{}
	}
	return sc.Regions[name]
}

// MappingStrategy selects how a field is carried across an interface.
type MappingStrategy int

const (
	MappingAuto MappingStrategy = iota
	DirectTransfer
	InterpolationBased
	ConservationPreserving
	PhysicsAware
)

func (m MappingStrategy) String() string {
	switch m {
	case DirectTransfer:
		return "direct"
	case InterpolationBased:
		return "interpolation"
	case ConservationPreserving:
		return "conservative"
	case PhysicsAware:
		return "physics_aware"
	default:
		return "auto"
	}
}

func ParseMappingStrategy(s string) (MappingStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return MappingAuto, nil
	case "direct":
		return DirectTransfer, nil
	case "interpolation":
		return InterpolationBased, nil
	case "conservative":
		return ConservationPreserving, nil
	case "physics_aware":
		return PhysicsAware, nil
	}
	return 0, fmt.Errorf("dynamo: unknown mapping strategy %q", s)
}

// TransferSpec declares which fields cross an interface and how. Source,
// SourceKind and Strength identify the sending side when fields are pushed
// with ReceiveTransferredFields.
type TransferSpec struct {
	Fields    []string
	Strategy  MappingStrategy
	Tolerance float64
	Region    string

	Source     DomainID
	SourceKind DomainKind
	Strength   float64
}

const DefaultTransferTolerance = 1e-9
