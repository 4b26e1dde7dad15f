package calc

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvoronin/kinopt/internal/integrate"
	"github.com/nvoronin/kinopt/internal/kinetics"
	"github.com/nvoronin/kinopt/internal/objective"
	"github.com/nvoronin/kinopt/internal/odesys"
	"github.com/nvoronin/kinopt/internal/optimizer"
	"github.com/nvoronin/kinopt/internal/scheme"
)

func singleReactionScheme(t *testing.T) *scheme.Scheme {
	t.Helper()
	s := scheme.New()
	require.NoError(t, s.AddComponent("A"))
	require.NoError(t, s.AddComponent("B"))
	require.NoError(t, s.AddReaction(scheme.Reaction{
		From:          "A",
		To:            "B",
		Model:         kinetics.F2,
		AllowedModels: []kinetics.Model{kinetics.F1, kinetics.F2, kinetics.F3},
		Ea:            scheme.Bounds{Min: 100, Max: 200, Default: 150},
		LogA:          scheme.Bounds{Min: 5, Max: 15, Default: 10},
		Contribution:  scheme.Bounds{Min: 1, Max: 1, Default: 1},
	}))
	return s
}

func tempGrid(from, to float64, n int) []float64 {
	g := make([]float64, n)
	for i := range g {
		g[i] = from + (to-from)*float64(i)/float64(n-1)
	}
	return g
}

// syntheticSeries integrates the scheme at the given true parameters
// and returns the simulated curve as observed data.
func syntheticSeries(t *testing.T, s *scheme.Scheme, truth []float64, beta float64, n int) objective.Series {
	t.Helper()
	// With logA = 10 and Ea = 150 kJ/mol the conversion peak sits near
	// 1480 K, so the grid spans the full sigmoid.
	sr := objective.Series{
		HeatingRate: beta,
		Temperature: tempGrid(1100, 1700, n),
		Conversion:  make([]float64, n),
		MassWeight:  1,
	}
	obj, err := objective.New(s, []objective.Series{sr}, integrate.DefaultOptions())
	require.NoError(t, err)
	curves, err := obj.Simulate(context.Background(), truth)
	require.NoError(t, err)
	require.NotNil(t, curves[0], "synthetic data integration failed")
	sr.Conversion = curves[0]
	return sr
}

func fastOptimizer(gens int) optimizer.Config {
	return optimizer.Config{
		PopulationSize: 30,
		MaxGenerations: gens,
		MutationFactor: 0.7,
		CrossoverProb:  0.9,
		Tolerance:      0,
		Workers:        1,
		Seed:           4,
	}
}

func TestRecoverKnownParameters(t *testing.T) {
	if testing.Short() {
		t.Skip("optimization run")
	}

	s := singleReactionScheme(t)
	truth := []float64{150, 10, 1, 1} // Ea kJ/mol, logA, F2, contribution
	sr := syntheticSeries(t, s, truth, 10, 60)

	var mu sync.Mutex
	var bestSeen []float64

	ctrl := New()
	done := make(chan *Result, 1)
	err := ctrl.Start(RunSpec{
		Scheme:      s,
		Series:      []objective.Series{sr},
		Optimizer:   fastOptimizer(200),
		Integration: integrate.DefaultOptions(),
	}, Callbacks{
		OnNewBest: func(gen int, loss float64, params []odesys.ReactionParams) {
			mu.Lock()
			bestSeen = append(bestSeen, loss)
			mu.Unlock()
		},
		OnCompleted: func(r *Result) { done <- r },
	})
	require.NoError(t, err)

	res := <-done
	require.NotNil(t, res.BestParams)

	assert.Less(t, res.BestLoss, 1e-4)
	p := res.BestParams[0]
	assert.InEpsilon(t, 150e3, p.Ea, 0.10)
	assert.InEpsilon(t, 10.0, p.LogA, 0.10)
	assert.Equal(t, kinetics.F2, p.Model)

	// Notifications arrived in strictly decreasing order.
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(bestSeen); i++ {
		assert.Less(t, bestSeen[i], bestSeen[i-1])
	}
}

func TestStartFailsOnInvalidScheme(t *testing.T) {
	s := scheme.New()
	require.NoError(t, s.AddComponent("A"))
	require.NoError(t, s.AddComponent("B"))
	require.NoError(t, s.AddReaction(scheme.Reaction{From: "A", To: "B", Model: kinetics.F1}))
	require.NoError(t, s.AddReaction(scheme.Reaction{From: "B", To: "A", Model: kinetics.F1}))

	ctrl := New()
	err := ctrl.Start(RunSpec{Scheme: s}, Callbacks{})
	assert.ErrorIs(t, err, scheme.ErrCycle)
}

func TestStartFailsOnEmptyAllowedModels(t *testing.T) {
	// Scenario: a reaction with an empty allowed-model set must fail
	// synchronously with invalid bounds, before any integration runs.
	s := scheme.New()
	require.NoError(t, s.AddComponent("A"))
	require.NoError(t, s.AddComponent("B"))
	require.NoError(t, s.AddReaction(scheme.Reaction{From: "A", To: "B", Model: kinetics.Model(-1)}))

	ctrl := New()
	err := ctrl.Start(RunSpec{Scheme: s}, Callbacks{})
	assert.ErrorIs(t, err, optimizer.ErrInvalidBounds)
	assert.False(t, ctrl.Running())
}

func TestStartWhileRunning(t *testing.T) {
	s := singleReactionScheme(t)
	sr := syntheticSeries(t, s, []float64{150, 10, 1, 1}, 10, 40)

	ctrl := New()
	done := make(chan *Result, 1)
	spec := RunSpec{
		Scheme:      s,
		Series:      []objective.Series{sr},
		Optimizer:   fastOptimizer(500),
		Integration: integrate.DefaultOptions(),
	}
	require.NoError(t, ctrl.Start(spec, Callbacks{OnCompleted: func(r *Result) { done <- r }}))

	err := ctrl.Start(spec, Callbacks{})
	assert.ErrorIs(t, err, optimizer.ErrAlreadyRunning)

	ctrl.Cancel()
	<-done
	ctrl.Wait()
	assert.False(t, ctrl.Running())
}

func TestCancelLatency(t *testing.T) {
	s := singleReactionScheme(t)
	sr := syntheticSeries(t, s, []float64{150, 10, 1, 1}, 10, 40)

	ctrl := New()
	done := make(chan *Result, 1)
	require.NoError(t, ctrl.Start(RunSpec{
		Scheme:      s,
		Series:      []objective.Series{sr},
		Optimizer:   fastOptimizer(1000000),
		Integration: integrate.DefaultOptions(),
	}, Callbacks{OnCompleted: func(r *Result) { done <- r }}))

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	ctrl.Cancel()

	select {
	case res := <-done:
		assert.Equal(t, optimizer.Cancelled, res.Termination)
		// Latency is bounded by one generation of evaluations.
		assert.Less(t, time.Since(start), 30*time.Second)
	case <-time.After(30 * time.Second):
		t.Fatal("cancellation not observed")
	}
}

func TestCancelWhileIdleIsNoOp(t *testing.T) {
	ctrl := New()
	ctrl.Cancel()
	ctrl.Cancel()
	assert.False(t, ctrl.Running())
}

func TestRunDeadline(t *testing.T) {
	s := singleReactionScheme(t)
	sr := syntheticSeries(t, s, []float64{150, 10, 1, 1}, 10, 40)

	ctrl := New()
	done := make(chan *Result, 1)
	require.NoError(t, ctrl.Start(RunSpec{
		Scheme:      s,
		Series:      []objective.Series{sr},
		Optimizer:   fastOptimizer(1000000),
		Integration: integrate.DefaultOptions(),
		RunDeadline: 300 * time.Millisecond,
	}, Callbacks{OnCompleted: func(r *Result) { done <- r }}))

	select {
	case res := <-done:
		assert.Equal(t, optimizer.Cancelled, res.Termination)
		assert.Equal(t, "run deadline exceeded", res.Reason)
	case <-time.After(30 * time.Second):
		t.Fatal("run deadline not enforced")
	}
}

func TestPenalizedRegionStillTerminates(t *testing.T) {
	// Scenario: with a starved integration budget every evaluation is
	// penalized, yet the run reaches a terminal state with a positive
	// penalty counter instead of crashing.
	s := singleReactionScheme(t)
	sr := objective.Series{
		HeatingRate: 10,
		Temperature: tempGrid(400, 900, 40),
		Conversion:  make([]float64, 40),
		MassWeight:  1,
	}

	ctrl := New()
	done := make(chan *Result, 1)
	require.NoError(t, ctrl.Start(RunSpec{
		Scheme:    s,
		Series:    []objective.Series{sr},
		Optimizer: fastOptimizer(5),
		Integration: integrate.Options{
			RelTol:   1e-6,
			AbsTol:   1e-8,
			Deadline: time.Millisecond,
			MaxSteps: 2, // reject every solve
			MinStep:  1e-10,
		},
	}, Callbacks{OnCompleted: func(r *Result) { done <- r }}))

	res := <-done
	assert.Contains(t, []optimizer.Termination{
		optimizer.Converged, optimizer.MaxGenerationsReached,
	}, res.Termination)
	assert.Greater(t, res.PenalizedEvaluations, int64(0))
	assert.False(t, math.IsInf(res.BestLoss, 0))
}

func TestResultCounters(t *testing.T) {
	s := singleReactionScheme(t)
	sr := syntheticSeries(t, s, []float64{150, 10, 1, 1}, 10, 40)

	ctrl := New()
	done := make(chan *Result, 1)
	require.NoError(t, ctrl.Start(RunSpec{
		Scheme:      s,
		Series:      []objective.Series{sr},
		Optimizer:   fastOptimizer(3),
		Integration: integrate.DefaultOptions(),
	}, Callbacks{OnCompleted: func(r *Result) { done <- r }}))

	res := <-done
	// Initial population plus one trial per candidate per generation.
	assert.Equal(t, int64(30+3*30), res.Evaluations)
	assert.Equal(t, 3, res.Generations)
	assert.NotNil(t, res.Trajectories)
	assert.Positive(t, res.Elapsed)
}

func TestPolishPass(t *testing.T) {
	s := singleReactionScheme(t)
	sr := syntheticSeries(t, s, []float64{150, 10, 1, 1}, 10, 40)

	ctrl := New()
	done := make(chan *Result, 1)
	require.NoError(t, ctrl.Start(RunSpec{
		Scheme:       s,
		Series:       []objective.Series{sr},
		Optimizer:    fastOptimizer(5),
		Integration:  integrate.DefaultOptions(),
		PolishFactor: 10,
	}, Callbacks{OnCompleted: func(r *Result) { done <- r }}))

	res := <-done
	assert.False(t, math.IsNaN(res.BestLoss))
	assert.NotNil(t, res.Trajectories)
	// The tight re-score counts as one more evaluation on top of the
	// initial population and the per-generation trials.
	assert.Equal(t, int64(30+5*30+1), res.Evaluations)
}
