package objective

import (
	"errors"
	"fmt"
)

// ErrBadSeries indicates an experimental series that cannot be scored.
var ErrBadSeries = errors.New("objective: invalid experimental series")

// Series is one experimental conversion-vs-temperature curve recorded
// at a fixed heating rate. The engine consumes it read-only.
type Series struct {
	// HeatingRate is beta in K/min.
	HeatingRate float64
	// Temperature is the sampling grid in K, strictly increasing.
	Temperature []float64
	// Conversion is the observed alpha at each grid point, in [0,1].
	Conversion []float64
	// MassWeight scales this series' squared error (sample mass).
	MassWeight float64
}

func (s Series) Validate() error {
	if s.HeatingRate <= 0 {
		return fmt.Errorf("%w: heating rate %g", ErrBadSeries, s.HeatingRate)
	}
	if s.MassWeight <= 0 {
		return fmt.Errorf("%w: mass weight %g", ErrBadSeries, s.MassWeight)
	}
	if len(s.Temperature) < 2 {
		return fmt.Errorf("%w: %d grid points", ErrBadSeries, len(s.Temperature))
	}
	if len(s.Conversion) != len(s.Temperature) {
		return fmt.Errorf("%w: %d conversions for %d temperatures", ErrBadSeries, len(s.Conversion), len(s.Temperature))
	}
	for i := 1; i < len(s.Temperature); i++ {
		if s.Temperature[i] <= s.Temperature[i-1] {
			return fmt.Errorf("%w: temperature grid not strictly increasing at index %d", ErrBadSeries, i)
		}
	}
	return nil
}
