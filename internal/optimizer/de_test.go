package optimizer

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvoronin/kinopt/internal/kinetics"
	"github.com/nvoronin/kinopt/internal/scheme"
)

// sphere is a smooth convex test objective with minimum 0 at the origin.
type sphere struct{ dim int }

func (s sphere) Dim() int { return s.dim }

func (s sphere) Evaluate(ctx context.Context, vec []float64) float64 {
	sum := 0.0
	for _, v := range vec {
		sum += v * v
	}
	return sum
}

// slowEval blocks per evaluation so cancellation latency is observable.
type slowEval struct {
	dim   int
	delay time.Duration
}

func (s slowEval) Dim() int { return s.dim }

func (s slowEval) Evaluate(ctx context.Context, vec []float64) float64 {
	time.Sleep(s.delay)
	return sphere{dim: s.dim}.Evaluate(ctx, vec)
}

func symmetricBounds(dim int, lo, hi float64) []Bound {
	b := make([]Bound, dim)
	for i := range b {
		b[i] = Bound{Min: lo, Max: hi}
	}
	return b
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(c *Config) {}, true},
		{"tiny population", func(c *Config) { c.PopulationSize = 3 }, false},
		{"zero generations", func(c *Config) { c.MaxGenerations = 0 }, false},
		{"negative mutation", func(c *Config) { c.MutationFactor = -1 }, false},
		{"crossover above one", func(c *Config) { c.CrossoverProb = 1.5 }, false},
		{"negative tolerance", func(c *Config) { c.Tolerance = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidBounds)
			}
		})
	}
}

func TestNewRejectsBadBounds(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidBounds)

	_, err = New(DefaultConfig(), []Bound{{Min: 1, Max: 0}}, nil)
	assert.ErrorIs(t, err, ErrInvalidBounds)
}

func TestSphereConvergence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PopulationSize = 30
	cfg.MaxGenerations = 300
	cfg.Tolerance = 1e-12
	cfg.Seed = 7

	opt, err := New(cfg, symmetricBounds(4, -5, 5), nil)
	require.NoError(t, err)

	res, err := opt.Run(context.Background(), sphere{dim: 4})
	require.NoError(t, err)
	assert.Less(t, res.BestLoss, 1e-6)
	assert.Contains(t, []Termination{Converged, MaxGenerationsReached}, res.Termination)
	for _, v := range res.BestVector {
		assert.InDelta(t, 0, v, 1e-2)
	}
}

func TestBestNotificationsStrictlyDecreasing(t *testing.T) {
	var mu sync.Mutex
	var losses []float64
	var gens []int

	cfg := DefaultConfig()
	cfg.PopulationSize = 20
	cfg.MaxGenerations = 100
	cfg.Seed = 3

	opt, err := New(cfg, symmetricBounds(3, -10, 10), func(gen int, loss float64, vec []float64) {
		mu.Lock()
		losses = append(losses, loss)
		gens = append(gens, gen)
		mu.Unlock()
	})
	require.NoError(t, err)

	res, err := opt.Run(context.Background(), sphere{dim: 3})
	require.NoError(t, err)

	require.NotEmpty(t, losses)
	for i := 1; i < len(losses); i++ {
		assert.Less(t, losses[i], losses[i-1], "notification %d did not improve", i)
	}

	// Generations are reported non-decreasing, starting in the initial
	// population (0) and never past the final generation count.
	assert.Equal(t, 0, gens[0])
	for i := 1; i < len(gens); i++ {
		assert.GreaterOrEqual(t, gens[i], gens[i-1])
	}
	assert.LessOrEqual(t, gens[len(gens)-1], res.Generations)
}

func TestTrialsStayInBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PopulationSize = 16
	cfg.MaxGenerations = 50
	cfg.Seed = 11

	bounds := []Bound{{Min: 1, Max: 2}, {Min: -3, Max: -1}}
	var mu sync.Mutex
	violated := false
	check := evalFunc{dim: 2, fn: func(vec []float64) float64 {
		mu.Lock()
		for d, v := range vec {
			if v < bounds[d].Min || v > bounds[d].Max {
				violated = true
			}
		}
		mu.Unlock()
		return sphere{dim: 2}.Evaluate(context.Background(), vec)
	}}

	opt, err := New(cfg, bounds, nil)
	require.NoError(t, err)
	_, err = opt.Run(context.Background(), check)
	require.NoError(t, err)
	assert.False(t, violated)
}

type evalFunc struct {
	dim int
	fn  func([]float64) float64
}

func (e evalFunc) Dim() int { return e.dim }

func (e evalFunc) Evaluate(ctx context.Context, vec []float64) float64 {
	return e.fn(vec)
}

func TestCancellationObservedBetweenGenerations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PopulationSize = 8
	cfg.MaxGenerations = 1000000
	cfg.Tolerance = 0 // never converge on stddev
	cfg.Seed = 1

	ctx, cancel := context.WithCancel(context.Background())
	opt, err := New(cfg, symmetricBounds(2, -1, 1), nil)
	require.NoError(t, err)

	done := make(chan *Result, 1)
	go func() {
		res, _ := opt.Run(ctx, slowEval{dim: 2, delay: time.Millisecond})
		done <- res
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, Cancelled, res.Termination)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not observe cancellation")
	}
}

func TestRunDeadlineReason(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PopulationSize = 8
	cfg.MaxGenerations = 1000000
	cfg.Tolerance = 0

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	opt, err := New(cfg, symmetricBounds(2, -1, 1), nil)
	require.NoError(t, err)

	res, err := opt.Run(ctx, slowEval{dim: 2, delay: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, Cancelled, res.Termination)
	assert.Equal(t, "run deadline exceeded", res.Reason)
}

func TestDeterministicSingleWorker(t *testing.T) {
	run := func() float64 {
		cfg := DefaultConfig()
		cfg.PopulationSize = 16
		cfg.MaxGenerations = 40
		cfg.Seed = 42
		cfg.Workers = 1
		opt, err := New(cfg, symmetricBounds(3, -4, 4), nil)
		require.NoError(t, err)
		res, err := opt.Run(context.Background(), sphere{dim: 3})
		require.NoError(t, err)
		return res.BestLoss
	}
	assert.Equal(t, run(), run())
}

func TestParallelWorkersConverge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PopulationSize = 24
	cfg.MaxGenerations = 200
	cfg.Workers = 4
	cfg.Seed = 5

	opt, err := New(cfg, symmetricBounds(3, -5, 5), nil)
	require.NoError(t, err)
	res, err := opt.Run(context.Background(), sphere{dim: 3})
	require.NoError(t, err)
	assert.Less(t, res.BestLoss, 1e-3)
}

func TestBoundsFromScheme(t *testing.T) {
	s := scheme.New()
	require.NoError(t, s.AddComponent("A"))
	require.NoError(t, s.AddComponent("B"))
	require.NoError(t, s.AddReaction(scheme.Reaction{
		From:          "A",
		To:            "B",
		Model:         kinetics.F2,
		AllowedModels: []kinetics.Model{kinetics.F1, kinetics.F2, kinetics.F3},
	}))

	bounds, err := BoundsFromScheme(s)
	require.NoError(t, err)
	require.Len(t, bounds, 4)
	assert.Equal(t, scheme.DefaultEa.Min, bounds[0].Min)
	assert.Equal(t, scheme.DefaultEa.Max, bounds[0].Max)
	assert.Equal(t, 0.0, bounds[2].Min)
	assert.InDelta(t, 3.0, bounds[2].Max, 1e-6)
	assert.Equal(t, 0.01, bounds[3].Min)
}

func TestBoundsFromSchemeEmptyAllowedSet(t *testing.T) {
	s := scheme.New()
	require.NoError(t, s.AddComponent("A"))
	require.NoError(t, s.AddComponent("B"))
	require.NoError(t, s.AddReaction(scheme.Reaction{
		From:  "A",
		To:    "B",
		Model: kinetics.Model(-1), // invalid, so no allowed set is inferred
	}))

	_, err := BoundsFromScheme(s)
	assert.ErrorIs(t, err, ErrInvalidBounds)
}

func TestStddev(t *testing.T) {
	assert.Equal(t, 0.0, stddev([]float64{3, 3, 3}))
	assert.InDelta(t, math.Sqrt(2.0/3.0), stddev([]float64{1, 2, 3}), 1e-12)
}
