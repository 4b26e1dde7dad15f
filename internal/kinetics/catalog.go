package kinetics

import (
	"fmt"
	"math"
)

// Model identifies one rate law f(alpha) from the closed catalog.
// The catalog is a fixed enum so the hot integration loop dispatches
// through a single switch instead of an interface call.
type Model int

const (
	F13 Model = iota // reaction order 1/3
	F1               // first order (Mampel)
	F2               // second order
	F3               // third order
	A2               // Avrami-Erofeev n=2
	A3               // Avrami-Erofeev n=3
	R2               // contracting cylinder
	R3               // contracting sphere
	D1               // 1-D diffusion
	D2               // 2-D diffusion (Valensi)
	D3               // 3-D diffusion (Jander)
	D4               // Ginstling-Brounshtein
	D5               // Zhuravlev-Lesokhin-Tempelman
	D6               // anti-Jander
	D7               // anti-Ginstling-Brounshtein
	D8               // anti-Zhuravlev
	numModels
)

// alphaEps keeps f(alpha) away from the singular endpoints 0 and 1.
const alphaEps = 1e-8

var modelNames = [numModels]string{
	"F1/3", "F1", "F2", "F3",
	"A2", "A3",
	"R2", "R3",
	"D1", "D2", "D3", "D4", "D5", "D6", "D7", "D8",
}

var modelFormulas = [numModels]string{
	"(1-a)^(1/3)",
	"1-a",
	"(1-a)^2",
	"(1-a)^3",
	"2(1-a)[-ln(1-a)]^(1/2)",
	"3(1-a)[-ln(1-a)]^(2/3)",
	"2(1-a)^(1/2)",
	"3(1-a)^(2/3)",
	"1/(2a)",
	"[-ln(1-a)]^(-1)",
	"3(1-a)^(2/3) / 2[1-(1-a)^(1/3)]",
	"3 / 2[(1-a)^(-1/3)-1]",
	"3(1-a)^(4/3) / 2[(1-a)^(-1/3)-1]",
	"3(1+a)^(2/3) / 2[(1+a)^(1/3)-1]",
	"3 / 2[1-(1+a)^(-1/3)]",
	"3(1+a)^(4/3) / 2[1-(1+a)^(-1/3)]",
}

func (m Model) Valid() bool { return m >= 0 && m < numModels }

func (m Model) String() string {
	if !m.Valid() {
		return fmt.Sprintf("Model(%d)", int(m))
	}
	return modelNames[m]
}

// Formula returns the human-readable differential form of the rate law.
func (m Model) Formula() string {
	if !m.Valid() {
		return ""
	}
	return modelFormulas[m]
}

// Parse resolves a catalog identifier such as "F2" or "D4".
func Parse(name string) (Model, error) {
	for i, n := range modelNames {
		if n == name {
			return Model(i), nil
		}
	}
	return -1, fmt.Errorf("kinetics: unknown model %q", name)
}

// All returns the catalog in definition order.
func All() []Model {
	models := make([]Model, numModels)
	for i := range models {
		models[i] = Model(i)
	}
	return models
}

func clampAlpha(a float64) float64 {
	if a < alphaEps {
		return alphaEps
	}
	if a > 1-alphaEps {
		return 1 - alphaEps
	}
	return a
}

// F evaluates the rate law at the given conversion. The argument is
// clamped into (0,1) so endpoint singularities (D1 at 0, D2/D3 at 1)
// return large finite values instead of NaN or Inf.
func (m Model) F(alpha float64) float64 {
	a := clampAlpha(alpha)
	switch m {
	case F13:
		return math.Cbrt(1 - a)
	case F1:
		return 1 - a
	case F2:
		return (1 - a) * (1 - a)
	case F3:
		return (1 - a) * (1 - a) * (1 - a)
	case A2:
		return 2 * (1 - a) * math.Sqrt(-math.Log(1-a))
	case A3:
		return 3 * (1 - a) * math.Pow(-math.Log(1-a), 2.0/3.0)
	case R2:
		return 2 * math.Sqrt(1-a)
	case R3:
		return 3 * math.Pow(1-a, 2.0/3.0)
	case D1:
		return 1 / (2 * a)
	case D2:
		return -1 / math.Log(1-a)
	case D3:
		return 3 * math.Pow(1-a, 2.0/3.0) / (2 * (1 - math.Cbrt(1-a)))
	case D4:
		return 3 / (2 * (math.Pow(1-a, -1.0/3.0) - 1))
	case D5:
		return 3 * math.Pow(1-a, 4.0/3.0) / (2 * (math.Pow(1-a, -1.0/3.0) - 1))
	case D6:
		return 3 * math.Pow(1+a, 2.0/3.0) / (2 * (math.Cbrt(1+a) - 1))
	case D7:
		return 3 / (2 * (1 - math.Pow(1+a, -1.0/3.0)))
	case D8:
		return 3 * math.Pow(1+a, 4.0/3.0) / (2 * (1 - math.Pow(1+a, -1.0/3.0)))
	default:
		return 0
	}
}
