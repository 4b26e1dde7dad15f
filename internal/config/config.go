// Package config loads and saves run configurations: the reaction
// scheme, the experimental series to fit, and the optimizer and
// integration settings, all in one yaml document.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nvoronin/kinopt/internal/integrate"
	"github.com/nvoronin/kinopt/internal/kinetics"
	"github.com/nvoronin/kinopt/internal/optimizer"
	"github.com/nvoronin/kinopt/internal/scheme"
)

const (
	DefaultPopulation  = 40
	DefaultGenerations = 500
	DefaultMutation    = 0.7
	DefaultCrossover   = 0.9
	DefaultTolerance   = 1e-8
	DefaultRelTol      = 1e-5
	DefaultAbsTol      = 1e-7
	DefaultTimeoutMs   = 200
)

type Config struct {
	Scheme      SchemeConfig      `yaml:"scheme"`
	Series      []SeriesConfig    `yaml:"series"`
	Optimizer   OptimizerConfig   `yaml:"optimizer"`
	Integration IntegrationConfig `yaml:"integration"`
	// RunDeadlineS caps the whole run in seconds; 0 disables.
	RunDeadlineS float64 `yaml:"run_deadline_s"`
}

type SchemeConfig struct {
	Components []string         `yaml:"components"`
	Reactions  []ReactionConfig `yaml:"reactions"`
}

type ReactionConfig struct {
	From          string       `yaml:"from"`
	To            string       `yaml:"to"`
	Model         string       `yaml:"model"`
	AllowedModels []string     `yaml:"allowed_models"`
	Ea            BoundsConfig `yaml:"ea"`
	LogA          BoundsConfig `yaml:"log_a"`
	Contribution  BoundsConfig `yaml:"contribution"`
}

type BoundsConfig struct {
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
	Default float64 `yaml:"default"`
}

type SeriesConfig struct {
	File        string  `yaml:"file"`
	HeatingRate float64 `yaml:"heating_rate"`
	MassWeight  float64 `yaml:"mass_weight"`
}

type OptimizerConfig struct {
	Population  int     `yaml:"population"`
	Generations int     `yaml:"generations"`
	Mutation    float64 `yaml:"mutation"`
	Crossover   float64 `yaml:"crossover"`
	Tolerance   float64 `yaml:"tolerance"`
	Workers     int     `yaml:"workers"`
	Seed        int64   `yaml:"seed"`
	// PolishFactor > 1 enables the final tight-tolerance pass.
	PolishFactor float64 `yaml:"polish_factor"`
}

type IntegrationConfig struct {
	RelTol    float64 `yaml:"rtol"`
	AbsTol    float64 `yaml:"atol"`
	TimeoutMs int     `yaml:"timeout_ms"`
	MaxSteps  int     `yaml:"max_steps"`
}

func DefaultConfig() *Config {
	return &Config{
		Optimizer: OptimizerConfig{
			Population:  DefaultPopulation,
			Generations: DefaultGenerations,
			Mutation:    DefaultMutation,
			Crossover:   DefaultCrossover,
			Tolerance:   DefaultTolerance,
			Workers:     1,
			Seed:        1,
		},
		Integration: IntegrationConfig{
			RelTol:    DefaultRelTol,
			AbsTol:    DefaultAbsTol,
			TimeoutMs: DefaultTimeoutMs,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToScheme assembles the reaction scheme. Validation is left to the
// caller (the controller re-validates at start anyway).
func (c *Config) ToScheme() (*scheme.Scheme, error) {
	s := scheme.New()
	for _, id := range c.Scheme.Components {
		if err := s.AddComponent(id); err != nil {
			return nil, err
		}
	}
	for i, rc := range c.Scheme.Reactions {
		model, err := kinetics.Parse(rc.Model)
		if err != nil {
			return nil, fmt.Errorf("reaction %d: %w", i, err)
		}
		allowed := make([]kinetics.Model, 0, len(rc.AllowedModels))
		for _, name := range rc.AllowedModels {
			m, err := kinetics.Parse(name)
			if err != nil {
				return nil, fmt.Errorf("reaction %d: %w", i, err)
			}
			allowed = append(allowed, m)
		}
		r := scheme.Reaction{
			From:          rc.From,
			To:            rc.To,
			Model:         model,
			AllowedModels: allowed,
			Ea:            toBounds(rc.Ea),
			LogA:          toBounds(rc.LogA),
			Contribution:  toBounds(rc.Contribution),
		}
		if err := s.AddReaction(r); err != nil {
			return nil, fmt.Errorf("reaction %d: %w", i, err)
		}
	}
	return s, nil
}

func toBounds(b BoundsConfig) scheme.Bounds {
	return scheme.Bounds{Min: b.Min, Max: b.Max, Default: b.Default}
}

func (c *Config) ToOptimizerConfig() optimizer.Config {
	return optimizer.Config{
		PopulationSize: c.Optimizer.Population,
		MaxGenerations: c.Optimizer.Generations,
		MutationFactor: c.Optimizer.Mutation,
		CrossoverProb:  c.Optimizer.Crossover,
		Tolerance:      c.Optimizer.Tolerance,
		Workers:        c.Optimizer.Workers,
		Seed:           c.Optimizer.Seed,
	}
}

func (c *Config) ToIntegrateOptions() integrate.Options {
	opts := integrate.DefaultOptions()
	if c.Integration.RelTol > 0 {
		opts.RelTol = c.Integration.RelTol
	}
	if c.Integration.AbsTol > 0 {
		opts.AbsTol = c.Integration.AbsTol
	}
	if c.Integration.TimeoutMs > 0 {
		opts.Deadline = time.Duration(c.Integration.TimeoutMs) * time.Millisecond
	}
	if c.Integration.MaxSteps > 0 {
		opts.MaxSteps = c.Integration.MaxSteps
	}
	return opts
}

func (c *Config) RunDeadline() time.Duration {
	if c.RunDeadlineS <= 0 {
		return 0
	}
	return time.Duration(c.RunDeadlineS * float64(time.Second))
}
