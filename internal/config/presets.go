package config

// Presets are named optimizer profiles applied over a loaded config.
var Presets = map[string]OptimizerConfig{
	"fast": {
		Population: 20, Generations: 100,
		Mutation: 0.8, Crossover: 0.9,
		Tolerance: 1e-6, Workers: 1, Seed: 1,
	},
	"thorough": {
		Population: 80, Generations: 2000,
		Mutation: 0.6, Crossover: 0.9,
		Tolerance: 1e-10, Workers: 4, Seed: 1,
	},
	"polish": {
		Population: 40, Generations: 500,
		Mutation: 0.7, Crossover: 0.9,
		Tolerance: 1e-8, Workers: 1, Seed: 1,
		PolishFactor: 10,
	},
}

// ApplyPreset overwrites the optimizer section with the named preset.
func (c *Config) ApplyPreset(name string) bool {
	p, ok := Presets[name]
	if !ok {
		return false
	}
	c.Optimizer = p
	return true
}
