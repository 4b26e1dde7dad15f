package scheme

import (
	"errors"
	"fmt"

	"github.com/nvoronin/kinopt/internal/kinetics"
)

// Validation errors for reaction schemes.
var (
	// ErrCycle indicates the reaction graph is not acyclic.
	ErrCycle = errors.New("scheme: reaction graph contains a cycle")

	// ErrOrphanComponent indicates a component unreachable from any root.
	ErrOrphanComponent = errors.New("scheme: component unreachable from any root")

	// ErrInvalidModelAssignment indicates a reaction assigned a model
	// outside the catalog or outside its allowed set.
	ErrInvalidModelAssignment = errors.New("scheme: invalid kinetic model assignment")

	// ErrUnknownComponent indicates a reaction endpoint that was never added.
	ErrUnknownComponent = errors.New("scheme: unknown component")

	// ErrDuplicateComponent indicates a component id added twice.
	ErrDuplicateComponent = errors.New("scheme: duplicate component")
)

// Component is a node in the reaction graph. It carries no intrinsic
// state beyond its identifier.
type Component struct {
	ID string
}

// Bounds describes the (min, max, default) range of one continuous
// per-reaction parameter.
type Bounds struct {
	Min     float64
	Max     float64
	Default float64
}

func (b Bounds) valid() bool {
	return b.Min <= b.Max && b.Default >= b.Min && b.Default <= b.Max
}

// Physically reasonable default ranges. Ea is in kJ/mol, LogA is the
// natural log of the pre-exponential factor.
var (
	DefaultEa           = Bounds{Min: 1, Max: 2000, Default: 120}
	DefaultLogA         = Bounds{Min: -5, Max: 40, Default: 10}
	DefaultContribution = Bounds{Min: 0.01, Max: 1.0, Default: 1.0}
)

// Reaction is a directed edge in the scheme. AllowedModels is the
// candidate set the optimizer may choose from; Model is the authored
// default and must be a member of it.
type Reaction struct {
	From          string
	To            string
	Model         kinetics.Model
	AllowedModels []kinetics.Model
	Ea            Bounds
	LogA          Bounds
	Contribution  Bounds
}

// Scheme is a validated DAG of components and reactions. Components are
// stored in an arena indexed by insertion order; reactions reference
// them by index so topology checks never chase pointers.
type Scheme struct {
	components []Component
	byID       map[string]int
	reactions  []Reaction
	edges      []edge // parallel to reactions
}

type edge struct {
	from int
	to   int
}

func New() *Scheme {
	return &Scheme{byID: make(map[string]int)}
}

// AddComponent registers a component id. Ids must be unique and non-empty.
func (s *Scheme) AddComponent(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrUnknownComponent)
	}
	if _, ok := s.byID[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateComponent, id)
	}
	s.byID[id] = len(s.components)
	s.components = append(s.components, Component{ID: id})
	return nil
}

// AddReaction appends a reaction edge. Unset bounds fall back to the
// physical defaults; an unset allowed set falls back to {Model}.
func (s *Scheme) AddReaction(r Reaction) error {
	from, ok := s.byID[r.From]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownComponent, r.From)
	}
	to, ok := s.byID[r.To]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownComponent, r.To)
	}
	if r.From == r.To {
		return fmt.Errorf("%w: self loop on %s", ErrCycle, r.From)
	}
	if r.Ea == (Bounds{}) {
		r.Ea = DefaultEa
	}
	if r.LogA == (Bounds{}) {
		r.LogA = DefaultLogA
	}
	if r.Contribution == (Bounds{}) {
		r.Contribution = DefaultContribution
	}
	if len(r.AllowedModels) == 0 && r.Model.Valid() {
		r.AllowedModels = []kinetics.Model{r.Model}
	}
	s.reactions = append(s.reactions, r)
	s.edges = append(s.edges, edge{from: from, to: to})
	return nil
}

func (s *Scheme) NumComponents() int { return len(s.components) }
func (s *Scheme) NumReactions() int  { return len(s.reactions) }

// Components returns the component arena in insertion order.
func (s *Scheme) Components() []Component {
	out := make([]Component, len(s.components))
	copy(out, s.components)
	return out
}

// Reactions returns the reaction list in insertion order.
func (s *Scheme) Reactions() []Reaction {
	out := make([]Reaction, len(s.reactions))
	copy(out, s.reactions)
	return out
}

// ComponentIndex resolves a component id to its arena index.
func (s *Scheme) ComponentIndex(id string) (int, bool) {
	i, ok := s.byID[id]
	return i, ok
}

// Edge returns the (from, to) arena indices of reaction i.
func (s *Scheme) Edge(i int) (from, to int) {
	return s.edges[i].from, s.edges[i].to
}

// Roots returns the arena indices of components with no incoming edges.
func (s *Scheme) Roots() []int {
	indeg := make([]int, len(s.components))
	for _, e := range s.edges {
		indeg[e.to]++
	}
	var roots []int
	for i, d := range indeg {
		if d == 0 {
			roots = append(roots, i)
		}
	}
	return roots
}

// Validate checks that the graph is acyclic, that every component is
// reachable from a root, and that every reaction's model assignment is
// consistent with its allowed set.
func (s *Scheme) Validate() error {
	if len(s.components) == 0 {
		return fmt.Errorf("%w: scheme has no components", ErrOrphanComponent)
	}

	// Kahn's algorithm over the index edge list.
	indeg := make([]int, len(s.components))
	for _, e := range s.edges {
		indeg[e.to]++
	}
	queue := make([]int, 0, len(s.components))
	for i, d := range indeg {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	seen := make([]bool, len(s.components))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		seen[n] = true
		visited++
		for _, e := range s.edges {
			if e.from != n {
				continue
			}
			indeg[e.to]--
			if indeg[e.to] == 0 {
				queue = append(queue, e.to)
			}
		}
	}
	if visited != len(s.components) {
		// Some nodes never reached in-degree zero: either on a cycle
		// or downstream of one.
		for i, ok := range seen {
			if !ok && s.onCycle(i) {
				return fmt.Errorf("%w: involving %s", ErrCycle, s.components[i].ID)
			}
		}
		return ErrCycle
	}

	// Reachability is seeded only from roots that feed the reaction
	// network. An isolated component has no incident edges, so it is
	// never seeded and never reached: orphaned.
	outdeg := make([]int, len(s.components))
	for _, e := range s.edges {
		outdeg[e.from]++
	}
	reach := make([]bool, len(s.components))
	var stack []int
	for _, r := range s.Roots() {
		if outdeg[r] > 0 {
			reach[r] = true
			stack = append(stack, r)
		}
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range s.edges {
			if e.from == n && !reach[e.to] {
				reach[e.to] = true
				stack = append(stack, e.to)
			}
		}
	}
	for i, ok := range reach {
		if !ok {
			return fmt.Errorf("%w: %s", ErrOrphanComponent, s.components[i].ID)
		}
	}

	for i, r := range s.reactions {
		if !r.Model.Valid() {
			return fmt.Errorf("%w: reaction %d (%s->%s)", ErrInvalidModelAssignment, i, r.From, r.To)
		}
		if len(r.AllowedModels) > 0 && !containsModel(r.AllowedModels, r.Model) {
			return fmt.Errorf("%w: reaction %d model %s not in allowed set", ErrInvalidModelAssignment, i, r.Model)
		}
		for _, m := range r.AllowedModels {
			if !m.Valid() {
				return fmt.Errorf("%w: reaction %d allowed set contains invalid model", ErrInvalidModelAssignment, i)
			}
		}
		if !r.Ea.valid() || !r.LogA.valid() || !r.Contribution.valid() {
			return fmt.Errorf("scheme: reaction %d has inconsistent parameter bounds", i)
		}
	}
	return nil
}

// onCycle reports whether node n can reach itself.
func (s *Scheme) onCycle(n int) bool {
	seen := make([]bool, len(s.components))
	stack := []int{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range s.edges {
			if e.from != cur {
				continue
			}
			if e.to == n {
				return true
			}
			if !seen[e.to] {
				seen[e.to] = true
				stack = append(stack, e.to)
			}
		}
	}
	return false
}

func containsModel(set []kinetics.Model, m kinetics.Model) bool {
	for _, x := range set {
		if x == m {
			return true
		}
	}
	return false
}
