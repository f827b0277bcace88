package coupling

import (
	"fmt"

	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/field"
)

// StateSource yields a partner's state at time t: the live snapshot, a
// recorded one, an interpolation or a prediction.
type StateSource func(id dynamo.DomainID, t float64) (dynamo.DomainState, error)

// Receiver describes the domain coupling data is being built for.
type Receiver struct {
	ID   dynamo.DomainID
	Kind dynamo.DomainKind
	Grid field.Grid
}

// Assembler builds the coupling data a domain steps with.
type Assembler struct {
	graph  *Graph
	mapper *Manager
}

func NewAssembler(g *Graph, m *Manager) *Assembler {
	if m == nil {
		m = NewManager()
	}
	return &Assembler{graph: g, mapper: m}
}

func (a *Assembler) Graph() *Graph    { return a.graph }
func (a *Assembler) Mapper() *Manager { return a.mapper }

// Build gathers every partner's fields at time t through src and maps them
// onto the receiver's grid.
func (a *Assembler) Build(rcv Receiver, t float64, src StateSource, sc dynamo.SpatialContext) (dynamo.CouplingData, error) {
	pairs := a.graph.PairsOf(rcv.ID)
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(dynamo.CouplingData, len(pairs))
	for _, p := range pairs {
		partner := p.Other(rcv.ID)
		st, err := src(partner, t)
		if err != nil {
			return nil, fmt.Errorf("coupling: %s state for %s at t=%.6g: %w", partner, rcv.ID, t, err)
		}

		fields := st.Fields.Select(p.Spec.Fields)
		spec := p.Spec
		if spec.Region == "" {
			spec.Region = p.Region
		}
		res, err := a.mapper.MapFields(partner, fields, rcv.ID, rcv.Kind, rcv.Grid, spec, sc)
		if err != nil {
			return nil, err
		}

		in, ok := out[partner]
		if !ok {
			in = dynamo.CouplingInput{Partner: partner, Kind: st.Kind, Time: st.Time, Fields: make(field.Collection)}
		}
		in.Strength += p.Strength
		for name, f := range res.Fields {
			in.Fields[name] = f
		}
		out[partner] = in
	}
	return out, nil
}

// Push transfers fields from every partner endpoint into target through
// ReceiveTransferredFields. Used by implicit-explicit splitting.
func (a *Assembler) Push(target interface {
	Endpoint
	ReceiveTransferredFields(field.Collection, dynamo.TransferSpec) error
}, partners map[dynamo.DomainID]Endpoint, sc dynamo.SpatialContext) ([]FieldTransferResult, error) {
	var results []FieldTransferResult
	for _, p := range a.graph.PairsOf(target.ID()) {
		src, ok := partners[p.Other(target.ID())]
		if !ok {
			return nil, &dynamo.DomainNotFoundError{ID: p.Other(target.ID()), Context: "transfer into " + string(target.ID())}
		}
		spec := p.Spec
		if spec.Region == "" {
			spec.Region = p.Region
		}
		if len(spec.Fields) > 0 {
			spec.Fields = exported(src, target.ID(), spec.Fields)
			if len(spec.Fields) == 0 {
				continue
			}
		}
		res, err := a.mapper.TransferFields(src, target, spec, sc)
		if err != nil {
			return nil, err
		}
		spec.Source = src.ID()
		spec.SourceKind = src.Kind()
		spec.Strength = p.Strength
		if err := target.ReceiveTransferredFields(res.Fields, spec); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// exported filters names down to the fields src actually provides.
func exported(src Endpoint, target dynamo.DomainID, names []string) []string {
	have := src.ExtractCouplingFields(target)
	var out []string
	for _, n := range names {
		if _, ok := have.Get(n); ok {
			out = append(out, n)
		}
	}
	return out
}
