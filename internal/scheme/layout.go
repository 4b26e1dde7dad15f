package scheme

// ParamsPerReaction is the width of one reaction's slice of the flat
// parameter vector: Ea, logA, model-index surrogate, contribution.
const ParamsPerReaction = 4

// Offsets of each parameter within a reaction's slice.
const (
	OffEa = iota
	OffLogA
	OffModel
	OffContribution
)

// Layout maps reactions to positions in the flat parameter vector.
// It is derived from the scheme's insertion order and therefore stable
// across repeated calls on the same scheme; the ordering must not
// change within one optimization run.
type Layout struct {
	reactions []Reaction
}

// ParameterLayout returns the scheme's flat-vector layout. Reaction i
// occupies indices [4i, 4i+4).
func (s *Scheme) ParameterLayout() Layout {
	return Layout{reactions: s.Reactions()}
}

func (l Layout) NumReactions() int { return len(l.reactions) }

// VectorLen is the length of a flat parameter vector for this layout.
func (l Layout) VectorLen() int { return ParamsPerReaction * len(l.reactions) }

// Reaction returns the reaction occupying slot i.
func (l Layout) Reaction(i int) Reaction { return l.reactions[i] }

// Offset returns the flat-vector index of parameter p of reaction i.
func (l Layout) Offset(i, p int) int { return ParamsPerReaction*i + p }

// Defaults returns the flat vector assembled from each reaction's
// authored defaults. The model surrogate is the index of the default
// model within the reaction's allowed set (0 when absent).
func (l Layout) Defaults() []float64 {
	vec := make([]float64, l.VectorLen())
	for i, r := range l.reactions {
		vec[l.Offset(i, OffEa)] = r.Ea.Default
		vec[l.Offset(i, OffLogA)] = r.LogA.Default
		idx := 0
		for j, m := range r.AllowedModels {
			if m == r.Model {
				idx = j
				break
			}
		}
		vec[l.Offset(i, OffModel)] = float64(idx)
		vec[l.Offset(i, OffContribution)] = r.Contribution.Default
	}
	return vec
}
