package coupling

import (
	"fmt"

	"github.com/san-kum/multiphys/internal/dynamo"
)

// Graph is the set of active coupling pairs. Pairs are stored in insertion
// order; loads flow across a pair in both directions.
type Graph struct {
	pairs []dynamo.CouplingPair
}

func NewGraph(pairs ...dynamo.CouplingPair) *Graph {
	g := &Graph{}
	for _, p := range pairs {
		g.pairs = append(g.pairs, p)
	}
	return g
}

func (g *Graph) Add(p dynamo.CouplingPair) error {
	if p.Source == "" || p.Target == "" {
		return fmt.Errorf("coupling: pair %s has an empty endpoint", p)
	}
	if p.Source == p.Target {
		return fmt.Errorf("coupling: pair %s couples a domain to itself", p)
	}
	g.pairs = append(g.pairs, p)
	return nil
}

func (g *Graph) Pairs() []dynamo.CouplingPair {
	out := make([]dynamo.CouplingPair, len(g.pairs))
	copy(out, g.pairs)
	return out
}

// PairsOf returns every pair with id as an endpoint.
func (g *Graph) PairsOf(id dynamo.DomainID) []dynamo.CouplingPair {
	var out []dynamo.CouplingPair
	for _, p := range g.pairs {
		if p.Involves(id) {
			out = append(out, p)
		}
	}
	return out
}

// Partners returns the sorted ids coupled to id.
func (g *Graph) Partners(id dynamo.DomainID) []dynamo.DomainID {
	seen := make(map[dynamo.DomainID]bool)
	var out []dynamo.DomainID
	for _, p := range g.PairsOf(id) {
		o := p.Other(id)
		if !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	dynamo.SortIDs(out)
	return out
}

// Validate checks that every endpoint is a known domain.
func (g *Graph) Validate(known func(dynamo.DomainID) bool) error {
	for _, p := range g.pairs {
		for _, id := range []dynamo.DomainID{p.Source, p.Target} {
			if !known(id) {
				return &dynamo.DomainNotFoundError{ID: id, Context: "coupling pair " + p.String()}
			}
		}
	}
	return nil
}

// Strength sums the strength of every pair joining a and b.
func (g *Graph) Strength(a, b dynamo.DomainID) float64 {
	s := 0.0
	for _, p := range g.pairs {
		if p.Involves(a) && p.Other(a) == b {
			s += p.Strength
		}
	}
	return s
}
