// Package storage persists finished optimization runs to a flat run
// directory: metadata.json with the fitted parameters and counters,
// plus one curves CSV per experimental series. It operates on the
// public result fields only.
package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nvoronin/kinopt/internal/calc"
	"github.com/nvoronin/kinopt/internal/objective"
)

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

type ReactionRecord struct {
	EaKJ         float64 `json:"ea_kj_mol"`
	LogA         float64 `json:"log_a"`
	Model        string  `json:"model"`
	Contribution float64 `json:"contribution"`
}

type RunMetadata struct {
	ID                   string           `json:"id"`
	Timestamp            time.Time        `json:"timestamp"`
	Termination          string           `json:"termination"`
	Reason               string           `json:"reason"`
	BestLoss             float64          `json:"best_loss"`
	Reactions            []ReactionRecord `json:"reactions"`
	Generations          int              `json:"generations"`
	Evaluations          int64            `json:"evaluations"`
	PenalizedEvaluations int64            `json:"penalized_evaluations"`
	ElapsedSeconds       float64          `json:"elapsed_seconds"`
	HeatingRates         []float64        `json:"heating_rates"`
}

// Save writes one run directory and returns its id.
func (s *Store) Save(result *calc.Result, series []objective.Series) (string, error) {
	runID := fmt.Sprintf("fit_%s_%d", uuid.New().String()[:8], time.Now().Unix())
	runDir := filepath.Join(s.baseDir, runID)

	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", err
	}

	meta := RunMetadata{
		ID:                   runID,
		Timestamp:            time.Now(),
		Termination:          result.Termination.String(),
		Reason:               result.Reason,
		BestLoss:             result.BestLoss,
		Generations:          result.Generations,
		Evaluations:          result.Evaluations,
		PenalizedEvaluations: result.PenalizedEvaluations,
		ElapsedSeconds:       result.Elapsed.Seconds(),
	}
	for _, p := range result.BestParams {
		meta.Reactions = append(meta.Reactions, ReactionRecord{
			EaKJ:         p.Ea / 1000,
			LogA:         p.LogA,
			Model:        p.Model.String(),
			Contribution: p.Contribution,
		})
	}
	for _, sr := range series {
		meta.HeatingRates = append(meta.HeatingRates, sr.HeatingRate)
	}

	metaFile, err := os.Create(filepath.Join(runDir, "metadata.json"))
	if err != nil {
		return "", err
	}
	defer metaFile.Close()

	enc := json.NewEncoder(metaFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		return "", err
	}

	for i, sr := range series {
		if i >= len(result.Trajectories) || result.Trajectories[i] == nil {
			continue
		}
		if err := s.writeCurves(runDir, i, &sr, result.Trajectories[i]); err != nil {
			return "", err
		}
	}

	return runID, nil
}

func (s *Store) writeCurves(runDir string, idx int, sr *objective.Series, simulated []float64) error {
	name := fmt.Sprintf("curves_beta%g.csv", sr.HeatingRate)
	f, err := os.Create(filepath.Join(runDir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"temperature_K", "observed", "simulated"}); err != nil {
		return err
	}
	for i := range sr.Temperature {
		sim := ""
		if i < len(simulated) {
			sim = strconv.FormatFloat(simulated[i], 'g', -1, 64)
		}
		rec := []string{
			strconv.FormatFloat(sr.Temperature[i], 'g', -1, 64),
			strconv.FormatFloat(sr.Conversion[i], 'g', -1, 64),
			sim,
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

// List returns the metadata of every saved run, newest last.
func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var runs []RunMetadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, e.Name(), "metadata.json"))
		if err != nil {
			continue
		}
		var meta RunMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		runs = append(runs, meta)
	}
	return runs, nil
}
