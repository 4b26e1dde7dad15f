// Package integrate provides the deadline-bounded adaptive ODE solver
// used for every objective evaluation. The stepper is an embedded
// Dormand-Prince RK45 pair; step control rejects and shrinks steps
// whose local error estimate exceeds the configured tolerances.
package integrate

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Dormand-Prince coefficients (RK45)
var (
	a2 = 1.0 / 5.0
	a3 = 3.0 / 10.0
	a4 = 4.0 / 5.0
	a5 = 8.0 / 9.0

	b21 = 1.0 / 5.0
	b31 = 3.0 / 40.0
	b32 = 9.0 / 40.0
	b41 = 44.0 / 45.0
	b42 = -56.0 / 15.0
	b43 = 32.0 / 9.0
	b51 = 19372.0 / 6561.0
	b52 = -25360.0 / 2187.0
	b53 = 64448.0 / 6561.0
	b54 = -212.0 / 729.0
	b61 = 9017.0 / 3168.0
	b62 = -355.0 / 33.0
	b63 = 46732.0 / 5247.0
	b64 = 49.0 / 176.0
	b65 = -5103.0 / 18656.0

	c1 = 35.0 / 384.0
	c3 = 500.0 / 1113.0
	c4 = 125.0 / 192.0
	c5 = -2187.0 / 6784.0
	c6 = 11.0 / 84.0

	dc1 = c1 - 5179.0/57600.0
	dc3 = c3 - 7571.0/16695.0
	dc4 = c4 - 393.0/640.0
	dc5 = c5 - -92097.0/339200.0
	dc6 = c6 - 187.0/2100.0
	dc7 = -1.0 / 40.0
)

const (
	safety   = 0.9
	minScale = 0.2
	maxScale = 10.0

	// States with any entry beyond this magnitude are classified as
	// divergence before they reach Inf.
	divergeLimit = 1e6

	// ctxCheckEvery bounds how often the cancellation context is polled.
	ctxCheckEvery = 16
)

// DerivFunc fills dy with the derivative of y at independent variable t
// (temperature, for this engine's callers).
type DerivFunc func(t float64, y, dy []float64)

// Status classifies the outcome of one Integrate call.
type Status int

const (
	Success Status = iota
	Timeout
	NumericalFailure
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case NumericalFailure:
		return "numerical failure"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// FailureReason refines NumericalFailure.
type FailureReason int

const (
	FailureNone FailureReason = iota
	Divergence
	NaN
	SolverRejected
)

func (r FailureReason) String() string {
	switch r {
	case FailureNone:
		return "none"
	case Divergence:
		return "divergence"
	case NaN:
		return "nan"
	case SolverRejected:
		return "solver rejected"
	default:
		return fmt.Sprintf("FailureReason(%d)", int(r))
	}
}

// Outcome is the result of one bounded integration. Trajectory holds
// one state per grid point (the first entry is the initial state) and
// is only populated on Success.
type Outcome struct {
	Status     Status
	Reason     FailureReason
	Trajectory [][]float64
	Steps      int
}

// Options configures tolerances and budgets for one Integrate call.
type Options struct {
	RelTol      float64
	AbsTol      float64
	Deadline    time.Duration // wall clock per call; 0 disables
	MaxSteps    int
	InitialStep float64 // 0 picks a fraction of the first grid interval
	MinStep     float64
}

func DefaultOptions() Options {
	return Options{
		RelTol:   1e-6,
		AbsTol:   1e-8,
		Deadline: 200 * time.Millisecond,
		MaxSteps: 200000,
		MinStep:  1e-10,
	}
}

// Tightened returns a copy with tolerances scaled down for a final
// polishing pass.
func (o Options) Tightened(factor float64) Options {
	o.RelTol /= factor
	o.AbsTol /= factor
	return o
}

// Integrate advances y0 across the strictly increasing grid, recording
// the state at every grid point. The call returns within the deadline
// plus bounded overhead: the wall clock is checked inside the step
// loop, and an expired deadline abandons the in-flight solve with a
// Timeout outcome. NaN/Inf states, divergence, and step-control
// exhaustion are reclassified as NumericalFailure; panics from the
// derivative function are swallowed the same way and never escape.
func Integrate(ctx context.Context, f DerivFunc, y0, grid []float64, opts Options) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Status: NumericalFailure, Reason: SolverRejected}
		}
	}()

	if len(grid) < 2 {
		return Outcome{Status: NumericalFailure, Reason: SolverRejected}
	}
	n := len(y0)
	st := newStepper(n)

	traj := make([][]float64, 1, len(grid))
	traj[0] = append([]float64(nil), y0...)

	y := append([]float64(nil), y0...)
	t := grid[0]
	dt := opts.InitialStep
	if dt <= 0 {
		dt = (grid[1] - grid[0]) / 10
	}

	start := time.Now()
	steps := 0

	for gi := 1; gi < len(grid); gi++ {
		target := grid[gi]
		for t < target {
			steps++
			if opts.MaxSteps > 0 && steps > opts.MaxSteps {
				return Outcome{Status: NumericalFailure, Reason: SolverRejected, Steps: steps}
			}
			if opts.Deadline > 0 && time.Since(start) > opts.Deadline {
				return Outcome{Status: Timeout, Steps: steps}
			}
			if steps%ctxCheckEvery == 0 && ctx.Err() != nil {
				return Outcome{Status: Timeout, Steps: steps}
			}

			h := dt
			if t+h > target {
				h = target - t
			}

			errRatio := st.step(f, y, t, h, opts)
			if math.IsNaN(errRatio) {
				return Outcome{Status: NumericalFailure, Reason: NaN, Steps: steps}
			}
			if errRatio <= 1 {
				// Accept.
				copy(y, st.yNew)
				t += h
				if !isFinite(y) {
					return Outcome{Status: NumericalFailure, Reason: NaN, Steps: steps}
				}
				if maxAbs(y) > divergeLimit {
					return Outcome{Status: NumericalFailure, Reason: Divergence, Steps: steps}
				}
				if errRatio > 0 {
					dt = h * math.Min(maxScale, safety*math.Pow(errRatio, -0.2))
				} else {
					dt = h * maxScale
				}
			} else {
				dt = h * math.Max(minScale, safety*math.Pow(errRatio, -0.25))
				if dt < opts.MinStep {
					return Outcome{Status: NumericalFailure, Reason: SolverRejected, Steps: steps}
				}
			}
		}
		traj = append(traj, append([]float64(nil), y...))
	}

	return Outcome{Status: Success, Trajectory: traj, Steps: steps}
}

// stepper holds the per-call scratch buffers so a single Integrate
// performs no per-step allocation.
type stepper struct {
	k1, k2, k3, k4, k5, k6, k7 []float64
	scratch                    []float64
	yNew                       []float64
}

func newStepper(n int) *stepper {
	return &stepper{
		k1: make([]float64, n), k2: make([]float64, n), k3: make([]float64, n),
		k4: make([]float64, n), k5: make([]float64, n), k6: make([]float64, n),
		k7: make([]float64, n),
		scratch: make([]float64, n),
		yNew:    make([]float64, n),
	}
}

// step performs one trial Dormand-Prince step of size h from (t, y),
// leaving the candidate state in yNew and returning the local error
// estimate relative to tolerance (accept when <= 1).
func (s *stepper) step(f DerivFunc, y []float64, t, h float64, opts Options) float64 {
	n := len(y)

	f(t, y, s.k1)

	for i := 0; i < n; i++ {
		s.scratch[i] = y[i] + h*b21*s.k1[i]
	}
	f(t+a2*h, s.scratch, s.k2)

	for i := 0; i < n; i++ {
		s.scratch[i] = y[i] + h*(b31*s.k1[i]+b32*s.k2[i])
	}
	f(t+a3*h, s.scratch, s.k3)

	for i := 0; i < n; i++ {
		s.scratch[i] = y[i] + h*(b41*s.k1[i]+b42*s.k2[i]+b43*s.k3[i])
	}
	f(t+a4*h, s.scratch, s.k4)

	for i := 0; i < n; i++ {
		s.scratch[i] = y[i] + h*(b51*s.k1[i]+b52*s.k2[i]+b53*s.k3[i]+b54*s.k4[i])
	}
	f(t+a5*h, s.scratch, s.k5)

	for i := 0; i < n; i++ {
		s.scratch[i] = y[i] + h*(b61*s.k1[i]+b62*s.k2[i]+b63*s.k3[i]+b64*s.k4[i]+b65*s.k5[i])
	}
	f(t+h, s.scratch, s.k6)

	for i := 0; i < n; i++ {
		s.yNew[i] = y[i] + h*(c1*s.k1[i]+c3*s.k3[i]+c4*s.k4[i]+c5*s.k5[i]+c6*s.k6[i])
	}
	f(t+h, s.yNew, s.k7)

	errMax := 0.0
	for i := 0; i < n; i++ {
		errEst := h * (dc1*s.k1[i] + dc3*s.k3[i] + dc4*s.k4[i] + dc5*s.k5[i] + dc6*s.k6[i] + dc7*s.k7[i])
		scale := opts.AbsTol + opts.RelTol*(math.Abs(y[i])+math.Abs(h*s.k1[i]))
		errMax = math.Max(errMax, math.Abs(errEst)/scale)
	}
	return errMax
}

func isFinite(y []float64) bool {
	for _, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func maxAbs(y []float64) float64 {
	m := 0.0
	for _, v := range y {
		if a := math.Abs(v); a > m {
			m = a
		}
	}
	return m
}
