package sim_test

import (
	"context"
	"errors"
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/multiphys/internal/conservation"
	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/field"
	"github.com/san-kum/multiphys/internal/metrics"
	"github.com/san-kum/multiphys/internal/physics"
	"github.com/san-kum/multiphys/internal/sim"
)

var sc = dynamo.SpatialContext{}

func rod(id dynamo.DomainID, temp float64, opts ...physics.Option) *physics.Domain {
	m := physics.NewThermal(field.Uniform(0, 1, 2))
	m.Temperature = temp
	d, err := physics.New(id, dynamo.Thermal, m, opts...)
	Expect(err).NotTo(HaveOccurred())
	return d
}

func heatPair(strength float64) ([]dynamo.PhysicsDomain, []dynamo.CouplingPair) {
	return []dynamo.PhysicsDomain{rod("hot", 400), rod("cold", 300)},
		[]dynamo.CouplingPair{{Source: "hot", Target: "cold", Strength: strength}}
}

func total(domains []dynamo.PhysicsDomain) (float64, dynamo.Vec3) {
	e, p := 0.0, dynamo.Vec3{}
	for _, d := range domains {
		e += d.TotalEnergy(sc)
		p = p.Add(d.TotalMomentum(sc))
	}
	return e, p
}

// stubborn refuses to absorb energy corrections.
type stubborn struct {
	*physics.Domain
}

func (s stubborn) ApplyEnergyCorrection(delta float64, _ dynamo.SpatialContext) (dynamo.CorrectionRecord, error) {
	return dynamo.CorrectionRecord{DomainID: s.ID(), Requested: dynamo.Exchange{Energy: delta}, Note: "rejected"}, nil
}

// brittle fails any advance that would take it past limit.
type brittle struct {
	*physics.Domain
	limit float64
}

var errBrittle = errors.New("advanced past limit")

func (b brittle) AdvanceTimeStep(ctx context.Context, dt float64, cd dynamo.CouplingData, sc dynamo.SpatialContext) (dynamo.DomainStepResult, error) {
	return b.AdvanceToTimeWithCoupling(ctx, b.CurrentTime()+dt, cd, sc)
}

func (b brittle) AdvanceToTimeWithCoupling(ctx context.Context, target float64, cd dynamo.CouplingData, sc dynamo.SpatialContext) (dynamo.DomainStepResult, error) {
	if target > b.limit {
		return dynamo.DomainStepResult{}, errBrittle
	}
	return b.Domain.AdvanceToTimeWithCoupling(ctx, target, cd, sc)
}

var _ = Describe("Manager", func() {
	var (
		ctx context.Context
		cfg sim.Config
	)

	BeforeEach(func() {
		ctx = context.Background()
		cfg = sim.DefaultConfig()
	})

	Describe("construction", func() {
		It("rejects pairs naming unknown domains", func() {
			domains, _ := heatPair(1)
			_, err := sim.New(domains, []dynamo.CouplingPair{{Source: "hot", Target: "ghost"}}, cfg)
			Expect(errors.Is(err, dynamo.ErrDomainNotFound)).To(BeTrue())
		})

		It("rejects duplicate domains", func() {
			_, err := sim.New([]dynamo.PhysicsDomain{rod("a", 300), rod("a", 300)}, nil, cfg)
			Expect(err).To(HaveOccurred())
		})

		It("rejects staggered groups naming unknown domains", func() {
			domains, pairs := heatPair(1)
			cfg.Groups = [][]dynamo.DomainID{{"hot"}, {"nobody"}}
			_, err := sim.New(domains, pairs, cfg)
			Expect(errors.Is(err, dynamo.ErrDomainNotFound)).To(BeTrue())
		})

		It("rejects a non-positive step", func() {
			domains, pairs := heatPair(1)
			m, err := sim.New(domains, pairs, cfg)
			Expect(err).NotTo(HaveOccurred())
			_, err = m.StepSimulation(ctx, 0, sc)
			Expect(err).To(HaveOccurred())
		})
	})

	DescribeTable("energy conservation of a closed heat exchange",
		func(strategy sim.Strategy, parallel bool) {
			domains, pairs := heatPair(1)
			cfg.Strategy = strategy
			cfg.Parallel = parallel
			m, err := sim.New(domains, pairs, cfg)
			Expect(err).NotTo(HaveOccurred())

			e0, _ := total(domains)
			for i := 0; i < 20; i++ {
				res, err := m.StepSimulation(ctx, 0.05, sc)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Strategy).To(Equal(strategy))

				e, _ := total(domains)
				Expect(math.Abs(e-e0) / math.Abs(e0)).To(BeNumerically("<=", cfg.Energy.Tolerance))
				Expect(res.Energy.Resolved()).To(BeTrue())
			}
			Expect(m.Steps()).To(Equal(20))
			Expect(m.EnergyLedger().Len()).To(Equal(20))
			for _, d := range domains {
				Expect(d.CurrentTime()).To(BeNumerically("~", 1.0, 1e-9))
			}

			hot, err := m.Domain("hot")
			Expect(err).NotTo(HaveOccurred())
			Expect(hot.TotalEnergy(sc)).To(BeNumerically("<", 400))
		},
		Entry("explicit", sim.ExplicitCoupling, false),
		Entry("explicit in parallel", sim.ExplicitCoupling, true),
		Entry("implicit", sim.ImplicitCoupling, false),
		Entry("implicit in parallel", sim.ImplicitCoupling, true),
		Entry("staggered", sim.StaggeredCoupling, false),
	)

	It("conserves momentum across a drag interface", func() {
		body := physics.NewStructural(field.Uniform(0, 1, 1))
		body.Stiffness = 0
		column := physics.NewFluid(field.Uniform(0, 1, 4))
		column.Viscosity = 0
		s, err := physics.New("body", dynamo.Structural, body)
		Expect(err).NotTo(HaveOccurred())
		f, err := physics.New("column", dynamo.Fluid, column)
		Expect(err).NotTo(HaveOccurred())
		domains := []dynamo.PhysicsDomain{s, f}

		cfg.Momentum.Strategy = conservation.MassWeighted
		m, err := sim.New(domains, []dynamo.CouplingPair{{Source: "body", Target: "column", Strength: 2}}, cfg)
		Expect(err).NotTo(HaveOccurred())

		_, p0 := total(domains)
		for i := 0; i < 10; i++ {
			res, err := m.StepSimulation(ctx, 0.05, sc)
			Expect(err).NotTo(HaveOccurred())
			_, p := total(domains)
			Expect(p.Sub(p0).Norm() / p0.Norm()).To(BeNumerically("<=", cfg.Momentum.Tolerance))
			Expect(res.Momentum.Interfaces).To(HaveLen(1))
			Expect(res.Momentum.Interfaces[0].Mechanism).To(Equal(conservation.ViscousShear))
		}
		Expect(s.CurrentState().Momentum[0]).To(BeNumerically("<", 1))
	})

	It("reports the totals it commits when energy and momentum corrections interact", func() {
		body := physics.NewStructural(field.Uniform(0, 1, 1))
		column := physics.NewFluid(field.Uniform(0, 1, 4))
		s, err := physics.New("body", dynamo.Structural, body)
		Expect(err).NotTo(HaveOccurred())
		f, err := physics.New("column", dynamo.Fluid, column)
		Expect(err).NotTo(HaveOccurred())
		domains := []dynamo.PhysicsDomain{s, f}

		m, err := sim.New(domains, []dynamo.CouplingPair{{Source: "body", Target: "column", Strength: 2}}, cfg)
		Expect(err).NotTo(HaveOccurred())

		for i := 0; i < 20; i++ {
			res, err := m.StepSimulation(ctx, 0.05, sc)
			Expect(err).NotTo(HaveOccurred())

			e, p := total(domains)
			Expect(math.Abs(e-res.Energy.After) / math.Abs(e)).To(BeNumerically("<=", 1e-9))
			Expect(res.Momentum.After.Sub(p).Norm()).To(BeNumerically("<=", 1e-9*math.Max(p.Norm(), 1)))
			Expect(res.Energy.Domains["body"] + res.Energy.Domains["column"]).To(BeNumerically("~", e, 1e-9*math.Abs(e)))

			unresolved := false
			for _, v := range res.Energy.Remaining {
				unresolved = unresolved || v.Kind == conservation.TotalDrift
			}
			Expect(unresolved).To(Equal(res.Energy.Relative > cfg.Energy.Tolerance))

			last, ok := m.EnergyLedger().Last()
			Expect(ok).To(BeTrue())
			Expect(last.System).To(BeNumerically("~", e, 1e-9*math.Abs(e)))
		}
	})

	It("reduces implicit residuals monotonically on a contractive coupling", func() {
		domains, pairs := heatPair(1)
		cfg.Strategy = sim.ImplicitCoupling
		cfg.Tolerance = 1e-10
		m, err := sim.New(domains, pairs, cfg)
		Expect(err).NotTo(HaveOccurred())

		res, err := m.StepSimulation(ctx, 0.1, sc)
		Expect(err).NotTo(HaveOccurred())
		conv := res.Convergence
		Expect(conv.Converged).To(BeTrue())
		Expect(conv.Iterations).To(BeNumerically(">", 2))
		Expect(conv.Iterations).To(BeNumerically("<=", cfg.MaxIterations))
		for i := 1; i < len(conv.Residuals); i++ {
			Expect(conv.Residuals[i]).To(BeNumerically("<", conv.Residuals[i-1]))
		}
		Expect(conv.Residual()).To(BeNumerically("<=", cfg.Tolerance))
	})

	Describe("rollback", func() {
		snapshots := func(domains []dynamo.PhysicsDomain) []dynamo.DomainState {
			out := make([]dynamo.DomainState, len(domains))
			for i, d := range domains {
				out[i] = d.CurrentState()
			}
			return out
		}

		It("leaves domains untouched when implicit coupling fails to converge", func() {
			domains, pairs := heatPair(5)
			cfg.MaxIterations = 2
			cfg.Tolerance = 1e-14
			m, err := sim.New(domains, pairs, cfg)
			Expect(err).NotTo(HaveOccurred())
			_, err = m.StepSimulation(ctx, 0.05, sc)
			Expect(err).NotTo(HaveOccurred())
			m.SetStrategy(sim.ImplicitCoupling)

			before := snapshots(domains)
			res, err := m.StepSimulation(ctx, 0.05, sc)
			Expect(errors.Is(err, dynamo.ErrConvergenceFailure)).To(BeTrue())
			var ce *dynamo.ConvergenceError
			Expect(errors.As(err, &ce)).To(BeTrue())
			Expect(ce.Residuals).To(HaveLen(2))
			Expect(res.Convergence.Converged).To(BeFalse())

			for i, d := range domains {
				Expect(d.CurrentState().Identical(before[i])).To(BeTrue())
			}
			Expect(m.Steps()).To(Equal(1))
			Expect(m.EnergyLedger().Len()).To(Equal(1))
		})

		It("reopens sync points consumed by a failed step", func() {
			_, pairs := heatPair(1)
			domains := []dynamo.PhysicsDomain{rod("hot", 400), brittle{Domain: rod("cold", 300), limit: 0.03}}
			m, err := sim.New(domains, pairs, cfg)
			Expect(err).NotTo(HaveOccurred())
			m.Schedule().Add(0.025, "midway")

			before := snapshots(domains)
			_, err = m.StepSimulation(ctx, 0.05, sc)
			Expect(errors.Is(err, errBrittle)).To(BeTrue())
			Expect(m.Schedule().Pending()).To(HaveLen(1))
			Expect(m.Schedule().Pending()[0].Label).To(Equal("midway"))
			for i, d := range domains {
				Expect(d.CurrentState().Identical(before[i])).To(BeTrue())
			}
			Expect(m.Steps()).To(BeZero())
		})

		It("rolls back an unresolved violation under strict conservation", func() {
			_, pairs := heatPair(1)
			domains := []dynamo.PhysicsDomain{stubborn{rod("hot", 400)}, stubborn{rod("cold", 300)}}
			cfg.StrictConservation = true
			m, err := sim.New(domains, pairs, cfg)
			Expect(err).NotTo(HaveOccurred())

			before := snapshots(domains)
			_, err = m.StepSimulation(ctx, 0.05, sc)
			Expect(errors.Is(err, dynamo.ErrConservationViolation)).To(BeTrue())
			for i, d := range domains {
				Expect(d.CurrentState().Identical(before[i])).To(BeTrue())
			}
			Expect(m.EnergyLedger().Len()).To(BeZero())
		})

		It("reports the same violation as advisory by default", func() {
			_, pairs := heatPair(1)
			domains := []dynamo.PhysicsDomain{stubborn{rod("hot", 400)}, stubborn{rod("cold", 300)}}
			m, err := sim.New(domains, pairs, cfg)
			Expect(err).NotTo(HaveOccurred())

			res, err := m.StepSimulation(ctx, 0.05, sc)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Energy.Resolved()).To(BeFalse())
			Expect(res.Energy.Has(conservation.CorrectionIneffective)).To(BeTrue())
			Expect(res.Clean()).To(BeFalse())
			Expect(m.EnergyLedger().Len()).To(Equal(1))
		})
	})

	Describe("adaptive coupling", func() {
		It("iterates strongly coupled domains implicitly", func() {
			domains, pairs := heatPair(20)
			cfg.Strategy = sim.AdaptiveCoupling
			cfg.MaxIterations = 200
			m, err := sim.New(domains, pairs, cfg)
			Expect(err).NotTo(HaveOccurred())

			for i := 0; i < 2; i++ {
				res, err := m.StepSimulation(ctx, 0.05, sc)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Strategy).To(Equal(sim.ImplicitCoupling))
			}
		})

		It("steps weakly coupled domains explicitly", func() {
			domains, pairs := heatPair(0.1)
			cfg.Strategy = sim.AdaptiveCoupling
			m, err := sim.New(domains, pairs, cfg)
			Expect(err).NotTo(HaveOccurred())

			res, err := m.StepSimulation(ctx, 0.05, sc)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Strategy).To(Equal(sim.ExplicitCoupling))
			Expect(res.Convergence.Iterations).To(Equal(1))
		})
	})

	It("consumes synchronization points inside a step", func() {
		domains, pairs := heatPair(1)
		m, err := sim.New(domains, pairs, cfg)
		Expect(err).NotTo(HaveOccurred())
		m.Schedule().Add(0.05, "checkpoint")

		res, err := m.StepSimulation(ctx, 0.1, sc)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Syncs).NotTo(BeEmpty())
		Expect(m.Schedule().Pending()).To(BeEmpty())
	})

	It("audits field laws without correcting them", func() {
		domains, pairs := heatPair(1)
		m, err := sim.New(domains, pairs, cfg, sim.WithFieldLaw("mass", field.LawMass))
		Expect(err).NotTo(HaveOccurred())

		res, err := m.StepSimulation(ctx, 0.05, sc)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Laws).To(HaveLen(1))
		Expect(res.Laws[0].Quantity).To(Equal("mass"))
		Expect(res.Laws[0].Corrections).To(BeEmpty())
		Expect(m.LawLedgers()[0].Len()).To(Equal(1))
	})

	Describe("Run", func() {
		It("lands on the end time and records metrics", func() {
			domains, pairs := heatPair(1)
			m, err := sim.New(domains, pairs, cfg)
			Expect(err).NotTo(HaveOccurred())

			var seen int
			res, err := m.Run(ctx, sim.RunConfig{Dt: 0.1, Duration: 0.25}, sc, metrics.Defaults(1e6),
				sim.ObserverFunc(func(sim.StepResult) { seen++ }))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.StepsTaken).To(Equal(3))
			Expect(seen).To(Equal(3))
			Expect(res.Times).To(HaveLen(4))
			Expect(res.Times[3]).To(BeNumerically("~", 0.25, 1e-12))
			Expect(res.EnergyDrift).To(BeNumerically("<=", 1e-6))
			Expect(res.Metrics).To(HaveKey("energy_drift"))
			Expect(res.Metrics).To(HaveKeyWithValue("stability", 1.0))
		})

		It("rejects an invalid configuration", func() {
			domains, pairs := heatPair(1)
			m, err := sim.New(domains, pairs, cfg)
			Expect(err).NotTo(HaveOccurred())
			_, err = m.Run(ctx, sim.RunConfig{Dt: 0, Duration: 1}, sc, nil)
			Expect(err).To(HaveOccurred())
		})

		It("stops when the context is cancelled", func() {
			domains, pairs := heatPair(1)
			m, err := sim.New(domains, pairs, cfg)
			Expect(err).NotTo(HaveOccurred())
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			res, err := m.Run(cctx, sim.RunConfig{Dt: 0.1, Duration: 1}, sc, nil)
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(res.StepsTaken).To(BeZero())
		})
	})

	It("runs ensemble members independently", func() {
		build := func(s sim.Strategy) sim.Builder {
			return func() (*sim.Manager, error) {
				domains, pairs := heatPair(1)
				c := sim.DefaultConfig()
				c.Strategy = s
				return sim.New(domains, pairs, c)
			}
		}
		e := sim.NewEnsemble(2, build(sim.ExplicitCoupling), build(sim.ImplicitCoupling))
		results, err := e.Run(ctx, sim.RunConfig{Dt: 0.05, Duration: 0.2}, sc, 1e6)
		Expect(err).NotTo(HaveOccurred())
		Expect(results).To(HaveLen(2))
		for _, r := range results {
			Expect(r.StepsTaken).To(Equal(4))
		}
	})
})
