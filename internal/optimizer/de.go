// Package optimizer implements the population-based global search at
// the heart of the fitting engine: differential evolution (DE/rand/1/bin)
// over the flat parameter space derived from a reaction scheme. The
// discrete kinetic-model choice rides along as a continuous surrogate
// dimension and is rounded at evaluation time.
package optimizer

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// Termination names the terminal state of a run.
type Termination int

const (
	Converged Termination = iota
	MaxGenerationsReached
	Cancelled
	Failed
)

func (t Termination) String() string {
	switch t {
	case Converged:
		return "converged"
	case MaxGenerationsReached:
		return "max generations reached"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Termination(%d)", int(t))
	}
}

// Config holds the DE hyperparameters and execution settings.
type Config struct {
	PopulationSize int
	MaxGenerations int
	// MutationFactor is the DE scale factor F applied to difference
	// vectors; CrossoverProb is the binomial crossover rate CR.
	MutationFactor float64
	CrossoverProb  float64
	// Tolerance stops the run once the population loss standard
	// deviation falls below it.
	Tolerance float64
	// Workers bounds intra-generation evaluation parallelism.
	// 1 (the default) is single-threaded and deterministic.
	Workers int
	Seed    int64
}

func DefaultConfig() Config {
	return Config{
		PopulationSize: 40,
		MaxGenerations: 500,
		MutationFactor: 0.7,
		CrossoverProb:  0.9,
		Tolerance:      1e-8,
		Workers:        1,
		Seed:           1,
	}
}

func (c Config) Validate() error {
	if c.PopulationSize < 4 {
		return fmt.Errorf("%w: population size %d (need >= 4 for rand/1 mutation)", ErrInvalidBounds, c.PopulationSize)
	}
	if c.MaxGenerations <= 0 {
		return fmt.Errorf("%w: max generations %d", ErrInvalidBounds, c.MaxGenerations)
	}
	if c.MutationFactor <= 0 || c.MutationFactor > 2 {
		return fmt.Errorf("%w: mutation factor %g", ErrInvalidBounds, c.MutationFactor)
	}
	if c.CrossoverProb < 0 || c.CrossoverProb > 1 {
		return fmt.Errorf("%w: crossover probability %g", ErrInvalidBounds, c.CrossoverProb)
	}
	if c.Tolerance < 0 {
		return fmt.Errorf("%w: tolerance %g", ErrInvalidBounds, c.Tolerance)
	}
	return nil
}

// Evaluator scores one flat parameter vector. Implementations must be
// safe for concurrent use when Config.Workers > 1.
type Evaluator interface {
	Dim() int
	Evaluate(ctx context.Context, vec []float64) float64
}

// Result summarizes a finished run.
type Result struct {
	BestVector  []float64
	BestLoss    float64
	Termination Termination
	Reason      string
	Generations int
}

// Optimizer runs one DE search. The best-so-far watermark is written
// only under mu; the OnBest callback observes a strictly decreasing
// loss sequence and receives a private copy of the vector.
type Optimizer struct {
	cfg    Config
	bounds []Bound
	onBest func(gen int, loss float64, vec []float64)

	mu       sync.Mutex
	bestLoss float64
	bestVec  []float64
}

// New validates the configuration against the bounds. onBest may be
// nil; gen is 0 for improvements found in the initial population.
func New(cfg Config, bounds []Bound, onBest func(gen int, loss float64, vec []float64)) (*Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(bounds) == 0 {
		return nil, fmt.Errorf("%w: empty bounds", ErrInvalidBounds)
	}
	for i, b := range bounds {
		if b.Min > b.Max || math.IsNaN(b.Min) || math.IsNaN(b.Max) {
			return nil, fmt.Errorf("%w: dimension %d range [%g, %g]", ErrInvalidBounds, i, b.Min, b.Max)
		}
	}
	return &Optimizer{
		cfg:      cfg,
		bounds:   bounds,
		onBest:   onBest,
		bestLoss: math.Inf(1),
	}, nil
}

// Best returns the current incumbent under the watermark lock.
func (o *Optimizer) Best() (float64, []float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.bestVec == nil {
		return o.bestLoss, nil
	}
	return o.bestLoss, append([]float64(nil), o.bestVec...)
}

func (o *Optimizer) observe(gen int, loss float64, vec []float64) {
	o.mu.Lock()
	if loss >= o.bestLoss {
		o.mu.Unlock()
		return
	}
	o.bestLoss = loss
	o.bestVec = append(o.bestVec[:0], vec...)
	cb := o.onBest
	var snapshot []float64
	if cb != nil {
		snapshot = append([]float64(nil), vec...)
	}
	o.mu.Unlock()
	if cb != nil {
		cb(gen, loss, snapshot)
	}
}

// Run executes the search until convergence, the generation budget, or
// cancellation. The context is checked at the top of every generation;
// within a generation evaluation order does not affect the outcome
// because trial selection is applied after all evaluations finish.
func (o *Optimizer) Run(ctx context.Context, eval Evaluator) (*Result, error) {
	dim := eval.Dim()
	if dim != len(o.bounds) {
		return nil, fmt.Errorf("%w: evaluator dimension %d, bounds dimension %d", ErrInvalidBounds, dim, len(o.bounds))
	}
	np := o.cfg.PopulationSize
	rng := rand.New(rand.NewSource(o.cfg.Seed))

	pop := make([][]float64, np)
	loss := make([]float64, np)
	for i := range pop {
		pop[i] = make([]float64, dim)
		for d := range pop[i] {
			b := o.bounds[d]
			pop[i][d] = b.Min + rng.Float64()*(b.Max-b.Min)
		}
	}

	parallelFor(o.cfg.Workers, np, func(i int) {
		loss[i] = eval.Evaluate(ctx, pop[i])
	})
	for i := range pop {
		if math.IsNaN(loss[i]) {
			return o.finish(Failed, "evaluator returned NaN", 0), nil
		}
		o.observe(0, loss[i], pop[i])
	}

	trials := make([][]float64, np)
	trialLoss := make([]float64, np)
	for i := range trials {
		trials[i] = make([]float64, dim)
	}

	gen := 0
	for ; gen < o.cfg.MaxGenerations; gen++ {
		if err := ctx.Err(); err != nil {
			return o.finish(Cancelled, cancelReason(ctx), gen), nil
		}

		for i := 0; i < np; i++ {
			r1, r2, r3 := pickDistinct(rng, np, i)
			jrand := rng.Intn(dim)
			for d := 0; d < dim; d++ {
				if d == jrand || rng.Float64() < o.cfg.CrossoverProb {
					v := pop[r1][d] + o.cfg.MutationFactor*(pop[r2][d]-pop[r3][d])
					trials[i][d] = clampToBound(v, o.bounds[d])
				} else {
					trials[i][d] = pop[i][d]
				}
			}
		}

		parallelFor(o.cfg.Workers, np, func(i int) {
			trialLoss[i] = eval.Evaluate(ctx, trials[i])
		})

		for i := 0; i < np; i++ {
			if trialLoss[i] <= loss[i] {
				pop[i], trials[i] = trials[i], pop[i]
				loss[i] = trialLoss[i]
				o.observe(gen+1, loss[i], pop[i])
			}
		}

		if stddev(loss) < o.cfg.Tolerance {
			return o.finish(Converged, fmt.Sprintf("population stddev below %g after %d generations", o.cfg.Tolerance, gen+1), gen+1), nil
		}
	}

	return o.finish(MaxGenerationsReached, fmt.Sprintf("generation budget of %d exhausted", o.cfg.MaxGenerations), gen), nil
}

func (o *Optimizer) finish(t Termination, reason string, generations int) *Result {
	bestLoss, bestVec := o.Best()
	return &Result{
		BestVector:  bestVec,
		BestLoss:    bestLoss,
		Termination: t,
		Reason:      reason,
		Generations: generations,
	}
}

func cancelReason(ctx context.Context) string {
	if ctx.Err() == context.DeadlineExceeded {
		return "run deadline exceeded"
	}
	return "cancelled by caller"
}

func pickDistinct(rng *rand.Rand, np, exclude int) (int, int, int) {
	pick := func(taken ...int) int {
		for {
			v := rng.Intn(np)
			ok := v != exclude
			for _, t := range taken {
				if v == t {
					ok = false
				}
			}
			if ok {
				return v
			}
		}
	}
	r1 := pick()
	r2 := pick(r1)
	r3 := pick(r1, r2)
	return r1, r2, r3
}

func stddev(xs []float64) float64 {
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	varSum := 0.0
	for _, x := range xs {
		d := x - mean
		varSum += d * d
	}
	return math.Sqrt(varSum / float64(len(xs)))
}
