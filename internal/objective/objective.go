// Package objective turns a flat parameter vector into a single scalar
// loss against all experimental series at once. Evaluation is
// stateless apart from two atomic diagnostic counters, so a population
// of candidates can be scored concurrently.
package objective

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/nvoronin/kinopt/internal/integrate"
	"github.com/nvoronin/kinopt/internal/odesys"
	"github.com/nvoronin/kinopt/internal/scheme"
)

// PenaltyLoss replaces the contribution of a series whose integration
// timed out or failed numerically. Large but finite, so the search
// space stays continuous and comparable.
const PenaltyLoss = 1e6

// Objective scores parameter vectors for one scheme against a fixed
// set of experimental series.
type Objective struct {
	scheme *scheme.Scheme
	layout scheme.Layout
	series []Series
	opts   integrate.Options

	evals     atomic.Int64
	penalized atomic.Int64
}

// New builds an objective. The scheme must already be validated; the
// series are checked here.
func New(s *scheme.Scheme, series []Series, opts integrate.Options) (*Objective, error) {
	if len(series) == 0 {
		return nil, fmt.Errorf("%w: no series configured", ErrBadSeries)
	}
	for i, sr := range series {
		if err := sr.Validate(); err != nil {
			return nil, fmt.Errorf("series %d: %w", i, err)
		}
	}
	return &Objective{
		scheme: s,
		layout: s.ParameterLayout(),
		series: series,
		opts:   opts,
	}, nil
}

// Dim is the flat parameter vector length (4 per reaction).
func (o *Objective) Dim() int { return o.layout.VectorLen() }

// Layout exposes the parameter layout used for decoding.
func (o *Objective) Layout() scheme.Layout { return o.layout }

// Series returns the configured series (read-only by convention).
func (o *Objective) Series() []Series { return o.series }

// Evaluations is the total number of Evaluate calls so far.
func (o *Objective) Evaluations() int64 { return o.evals.Load() }

// PenalizedEvaluations counts series scorings replaced by PenaltyLoss.
func (o *Objective) PenalizedEvaluations() int64 { return o.penalized.Load() }

// Decode expands a flat vector into per-reaction parameters. Ea
// arrives in kJ/mol and is converted to J/mol. The continuous model
// surrogate is mapped to a catalog entry by rounding half away from
// zero and clamping into [0, len(allowed)-1]; this is a documented
// policy choice, not true mixed-integer search.
func (o *Objective) Decode(vec []float64) ([]odesys.ReactionParams, error) {
	if len(vec) != o.layout.VectorLen() {
		return nil, fmt.Errorf("objective: vector length %d, want %d", len(vec), o.layout.VectorLen())
	}
	params := make([]odesys.ReactionParams, o.layout.NumReactions())
	for i := range params {
		r := o.layout.Reaction(i)
		idx := int(math.Round(vec[o.layout.Offset(i, scheme.OffModel)]))
		if idx < 0 {
			idx = 0
		}
		if idx > len(r.AllowedModels)-1 {
			idx = len(r.AllowedModels) - 1
		}
		if idx < 0 {
			return nil, fmt.Errorf("objective: reaction %d has no allowed models", i)
		}
		params[i] = odesys.ReactionParams{
			Ea:           vec[o.layout.Offset(i, scheme.OffEa)] * 1000,
			LogA:         vec[o.layout.Offset(i, scheme.OffLogA)],
			Model:        r.AllowedModels[idx],
			Contribution: vec[o.layout.Offset(i, scheme.OffContribution)],
		}
	}
	return params, nil
}

// Evaluate returns the mass-weighted mean squared error of the
// simulated conversion curves against all series, always finite and
// non-negative. A series whose integration fails contributes
// PenaltyLoss instead of aborting the search.
func (o *Objective) Evaluate(ctx context.Context, vec []float64) float64 {
	o.evals.Add(1)
	params, err := o.Decode(vec)
	if err != nil {
		o.penalized.Add(int64(len(o.series)))
		return PenaltyLoss * float64(len(o.series))
	}

	var total, weight float64
	for i := range o.series {
		sq, w, ok := o.scoreSeries(ctx, params, &o.series[i], nil)
		if !ok {
			o.penalized.Add(1)
			total += PenaltyLoss
			weight += w
			continue
		}
		total += sq
		weight += w
	}
	if weight <= 0 {
		return PenaltyLoss
	}
	return total / weight
}

// Simulate integrates the decoded vector over every series grid and
// returns the simulated conversion trajectories, one per series. Used
// once per run to populate the final result; failed series yield nil.
func (o *Objective) Simulate(ctx context.Context, vec []float64) ([][]float64, error) {
	params, err := o.Decode(vec)
	if err != nil {
		return nil, err
	}
	curves := make([][]float64, len(o.series))
	for i := range o.series {
		var curve []float64
		_, _, ok := o.scoreSeries(ctx, params, &o.series[i], &curve)
		if ok {
			curves[i] = curve
		}
	}
	return curves, nil
}

// scoreSeries builds and integrates the system for one series,
// returning the weighted squared-error sum and the weight mass
// (weight * point count). When curveOut is non-nil the simulated
// conversion at every grid point is appended to it.
func (o *Objective) scoreSeries(ctx context.Context, params []odesys.ReactionParams, sr *Series, curveOut *[]float64) (sq, weight float64, ok bool) {
	weight = sr.MassWeight * float64(len(sr.Temperature))

	sys, err := odesys.Build(o.scheme, params, sr.HeatingRate)
	if err != nil {
		return 0, weight, false
	}
	n := sys.Dim()

	// State is the component vector plus one trailing accumulator for
	// the overall conversion.
	deriv := func(T float64, y, dy []float64) {
		dy[n] = sys.Derive(T, y[:n], dy[:n])
	}
	y0 := make([]float64, n+1)
	copy(y0, sys.InitialState(o.scheme))

	out := integrate.Integrate(ctx, deriv, y0, sr.Temperature, o.opts)
	if out.Status != integrate.Success {
		return 0, weight, false
	}

	for i, state := range out.Trajectory {
		alpha := state[n]
		if alpha < 0 {
			alpha = 0
		}
		if alpha > 1 {
			alpha = 1
		}
		d := alpha - sr.Conversion[i]
		sq += sr.MassWeight * d * d
		if curveOut != nil {
			*curveOut = append(*curveOut, alpha)
		}
	}
	if math.IsNaN(sq) || math.IsInf(sq, 0) {
		return 0, weight, false
	}
	return sq, weight, true
}
