// Package odesys compiles a reaction scheme plus a concrete parameter
// assignment into the derivative function dy/dT integrated by the
// bounded solver. One System is built per objective evaluation and per
// series, so construction stays allocation-light: edges and parameters
// live in two flat slices and Derive fills a caller-owned buffer.
package odesys

import (
	"fmt"
	"math"

	"github.com/nvoronin/kinopt/internal/kinetics"
	"github.com/nvoronin/kinopt/internal/scheme"
)

// GasConstant is the molar gas constant R in J/(mol*K).
const GasConstant = 8.314462618

// ReactionParams is one reaction's concrete parameter assignment.
// Ea is in J/mol; LogA is ln(A) with A in 1/min, matching heating
// rates given in K/min.
type ReactionParams struct {
	Ea           float64
	LogA         float64
	Model        kinetics.Model
	Contribution float64
}

// System is the compiled ODE right-hand side for one scheme under one
// temperature program. State y has one conversion-fraction entry per
// component: roots start at 1 and are consumed, products accumulate.
type System struct {
	n     int
	beta  float64
	edges []sysEdge
	total float64 // sum of contributions, normalizes overall conversion
}

type sysEdge struct {
	from, to int
	p        ReactionParams
}

// Build compiles the scheme with the given per-reaction parameters for
// a series recorded at heating rate beta (K/min). The scheme is read
// only; params must be in layout order.
func Build(s *scheme.Scheme, params []ReactionParams, beta float64) (*System, error) {
	if len(params) != s.NumReactions() {
		return nil, fmt.Errorf("odesys: %d parameter sets for %d reactions", len(params), s.NumReactions())
	}
	if beta <= 0 {
		return nil, fmt.Errorf("odesys: non-positive heating rate %g", beta)
	}
	sys := &System{
		n:     s.NumComponents(),
		beta:  beta,
		edges: make([]sysEdge, s.NumReactions()),
	}
	for i := range params {
		from, to := s.Edge(i)
		sys.edges[i] = sysEdge{from: from, to: to, p: params[i]}
		sys.total += params[i].Contribution
	}
	return sys, nil
}

// Dim is the component count, the length of the state vector.
func (sys *System) Dim() int { return sys.n }

// InitialState returns the state at the start of the temperature
// program: root components at 1, everything else at 0.
func (sys *System) InitialState(s *scheme.Scheme) []float64 {
	y0 := make([]float64, sys.n)
	for _, r := range s.Roots() {
		y0[r] = 1
	}
	return y0
}

// Derive fills dy with the component derivatives at temperature T and
// returns the overall conversion rate d(alpha)/dT, normalized by the
// total contribution weight. For each edge A->B the outgoing flux is
// k(T)*f(alpha_A)*contribution with alpha_A = 1 - y[A]; state entries
// are saturated into [0,1] before use so a transient overshoot cannot
// feed the rate law garbage.
func (sys *System) Derive(T float64, y, dy []float64) float64 {
	for i := range dy {
		dy[i] = 0
	}
	if T <= 0 {
		return 0
	}
	rt := GasConstant * T
	var totalRate float64
	for i := range sys.edges {
		e := &sys.edges[i]
		yf := clamp01(y[e.from])
		if yf <= 0 {
			continue
		}
		k := math.Exp(e.p.LogA - e.p.Ea/rt)
		flux := k * e.p.Model.F(1-yf) * e.p.Contribution / sys.beta
		dy[e.from] -= flux
		dy[e.to] += flux
		totalRate += flux
	}
	if sys.total > 0 {
		totalRate /= sys.total
	}
	return totalRate
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
