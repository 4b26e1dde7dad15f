package optimizer

import (
	"errors"
	"fmt"

	"github.com/nvoronin/kinopt/internal/scheme"
)

// Optimizer-level errors.
var (
	// ErrInvalidBounds indicates the scheme cannot produce a searchable
	// parameter space (empty allowed-model set, inverted ranges).
	ErrInvalidBounds = errors.New("optimizer: invalid parameter bounds")

	// ErrAlreadyRunning indicates a second run was started on a
	// controller that already has one in flight.
	ErrAlreadyRunning = errors.New("optimizer: a run is already in progress")
)

// Bound is one parameter's closed search interval.
type Bound struct {
	Min float64
	Max float64
}

// BoundsFromScheme derives the flat search-space bounds from the
// scheme's parameter layout: per reaction (Ea, logA, model surrogate,
// contribution). The model surrogate spans [0, |allowed|); decoding
// rounds it to the nearest valid index.
func BoundsFromScheme(s *scheme.Scheme) ([]Bound, error) {
	layout := s.ParameterLayout()
	bounds := make([]Bound, layout.VectorLen())
	for i := 0; i < layout.NumReactions(); i++ {
		r := layout.Reaction(i)
		if len(r.AllowedModels) == 0 {
			return nil, fmt.Errorf("%w: reaction %d (%s->%s) has an empty allowed-model set", ErrInvalidBounds, i, r.From, r.To)
		}
		for _, b := range []struct {
			off int
			rng scheme.Bounds
		}{
			{scheme.OffEa, r.Ea},
			{scheme.OffLogA, r.LogA},
			{scheme.OffContribution, r.Contribution},
		} {
			if b.rng.Min > b.rng.Max {
				return nil, fmt.Errorf("%w: reaction %d parameter range [%g, %g]", ErrInvalidBounds, i, b.rng.Min, b.rng.Max)
			}
			bounds[layout.Offset(i, b.off)] = Bound{Min: b.rng.Min, Max: b.rng.Max}
		}
		bounds[layout.Offset(i, scheme.OffModel)] = Bound{Min: 0, Max: float64(len(r.AllowedModels)) - 1e-9}
	}
	return bounds, nil
}

func clampToBound(v float64, b Bound) float64 {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}
