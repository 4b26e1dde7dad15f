// Package calc owns the lifecycle of one optimization run: synchronous
// fail-fast validation, background execution, cooperative cancellation,
// and outward best-found / completion notifications.
package calc

import (
	"context"
	"sync"
	"time"

	"github.com/nvoronin/kinopt/internal/integrate"
	"github.com/nvoronin/kinopt/internal/objective"
	"github.com/nvoronin/kinopt/internal/odesys"
	"github.com/nvoronin/kinopt/internal/optimizer"
	"github.com/nvoronin/kinopt/internal/scheme"
)

// RunSpec bundles everything one run needs. Scheme and Series are
// consumed read-only.
type RunSpec struct {
	Scheme      *scheme.Scheme
	Series      []objective.Series
	Optimizer   optimizer.Config
	Integration integrate.Options
	// RunDeadline caps the whole run's wall-clock time; 0 disables.
	RunDeadline time.Duration
	// PolishFactor > 1 re-scores the incumbent once at tolerances
	// tightened by this factor before the final result is built.
	PolishFactor float64
}

// Result is the outward-facing outcome of one run.
type Result struct {
	BestVector           []float64
	BestParams           []odesys.ReactionParams
	BestLoss             float64
	Trajectories         [][]float64 // simulated conversion per series
	Termination          optimizer.Termination
	Reason               string
	Generations          int
	Evaluations          int64
	PenalizedEvaluations int64
	Elapsed              time.Duration
}

// Callbacks receive run notifications. Both are invoked from the run's
// background goroutine and must not block for long.
type Callbacks struct {
	// OnNewBest fires on every strict improvement of the incumbent,
	// in strictly decreasing loss order; gen is the generation the
	// improvement was found in (0 for the initial population).
	OnNewBest func(gen int, loss float64, params []odesys.ReactionParams)
	// OnCompleted fires exactly once per run.
	OnCompleted func(*Result)
}

// Controller runs at most one optimization at a time.
type Controller struct {
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New() *Controller {
	return &Controller{}
}

// Running reports whether a run is in flight.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start validates the spec synchronously and, on success, launches the
// optimization on a background goroutine. Scheme and bounds problems
// surface here, before any integration runs; a second Start while one
// run is in flight fails with optimizer.ErrAlreadyRunning. Bounds are
// derived first so a reaction with an empty allowed-model set reports
// ErrInvalidBounds rather than a model-assignment error.
func (c *Controller) Start(spec RunSpec, cb Callbacks) error {
	bounds, err := optimizer.BoundsFromScheme(spec.Scheme)
	if err != nil {
		return err
	}
	if err := spec.Scheme.Validate(); err != nil {
		return err
	}
	if err := spec.Optimizer.Validate(); err != nil {
		return err
	}
	obj, err := objective.New(spec.Scheme, spec.Series, spec.Integration)
	if err != nil {
		return err
	}

	onBest := func(gen int, loss float64, vec []float64) {
		if cb.OnNewBest == nil {
			return
		}
		params, derr := obj.Decode(vec)
		if derr != nil {
			return
		}
		cb.OnNewBest(gen, loss, params)
	}
	opt, err := optimizer.New(spec.Optimizer, bounds, onBest)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return optimizer.ErrAlreadyRunning
	}
	var ctx context.Context
	var cancel context.CancelFunc
	if spec.RunDeadline > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), spec.RunDeadline)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	done := make(chan struct{})
	c.running = true
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.run(ctx, cancel, done, spec, obj, opt, cb)
	return nil
}

func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, spec RunSpec, obj *objective.Objective, opt *optimizer.Optimizer, cb Callbacks) {
	defer func() {
		cancel()
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		close(done)
	}()

	start := time.Now()
	optRes, err := opt.Run(ctx, obj)
	if err != nil {
		optRes = &optimizer.Result{
			Termination: optimizer.Failed,
			Reason:      err.Error(),
		}
	}

	res := &Result{
		BestVector:  optRes.BestVector,
		BestLoss:    optRes.BestLoss,
		Termination: optRes.Termination,
		Reason:      optRes.Reason,
		Generations: optRes.Generations,
	}

	simObj := obj
	if optRes.BestVector != nil {
		if params, derr := obj.Decode(optRes.BestVector); derr == nil {
			res.BestParams = params
		}
		// Final pass at polished tolerance. Trajectory simulation gets
		// a fresh context so a cancelled run still reports its curves.
		if spec.PolishFactor > 1 {
			if tight, perr := objective.New(spec.Scheme, spec.Series, spec.Integration.Tightened(spec.PolishFactor)); perr == nil {
				simObj = tight
				res.BestLoss = tight.Evaluate(context.Background(), optRes.BestVector)
			}
		}
		if curves, serr := simObj.Simulate(context.Background(), optRes.BestVector); serr == nil {
			res.Trajectories = curves
		}
	}

	// Counters are captured after the polish pass so its evaluations
	// are visible in the result.
	res.Evaluations = obj.Evaluations()
	res.PenalizedEvaluations = obj.PenalizedEvaluations()
	if simObj != obj {
		res.Evaluations += simObj.Evaluations()
		res.PenalizedEvaluations += simObj.PenalizedEvaluations()
	}
	res.Elapsed = time.Since(start)

	if cb.OnCompleted != nil {
		cb.OnCompleted(res)
	}
}

// Cancel requests cooperative cancellation of the in-flight run. It is
// a no-op when idle and safe to call repeatedly.
func (c *Controller) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the current run (if any) has completed.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}
