// Package dataio reads and writes the flat-file formats at the engine
// boundary: experimental conversion curves in and simulated curves out.
package dataio

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/nvoronin/kinopt/internal/objective"
)

// LoadSeries reads a two-column CSV (temperature in K, conversion in
// [0,1]) into a series. A non-numeric first row is treated as a header.
func LoadSeries(path string, heatingRate, massWeight float64) (objective.Series, error) {
	var sr objective.Series

	f, err := os.Open(path)
	if err != nil {
		return sr, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return sr, fmt.Errorf("dataio: %s: %w", path, err)
	}

	sr.HeatingRate = heatingRate
	sr.MassWeight = massWeight
	for i, rec := range records {
		if len(rec) < 2 {
			return sr, fmt.Errorf("dataio: %s row %d: want 2 columns, got %d", path, i+1, len(rec))
		}
		T, err1 := strconv.ParseFloat(rec[0], 64)
		a, err2 := strconv.ParseFloat(rec[1], 64)
		if err1 != nil || err2 != nil {
			if i == 0 {
				continue // header row
			}
			return sr, fmt.Errorf("dataio: %s row %d: non-numeric data", path, i+1)
		}
		sr.Temperature = append(sr.Temperature, T)
		sr.Conversion = append(sr.Conversion, a)
	}

	if err := sr.Validate(); err != nil {
		return sr, fmt.Errorf("dataio: %s: %w", path, err)
	}
	return sr, nil
}

// SaveCurve writes a temperature/conversion curve as two-column CSV
// with a header row.
func SaveCurve(path string, temperature, conversion []float64) error {
	if len(temperature) != len(conversion) {
		return fmt.Errorf("dataio: %d temperatures for %d conversions", len(temperature), len(conversion))
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"temperature_K", "conversion"}); err != nil {
		return err
	}
	for i := range temperature {
		rec := []string{
			strconv.FormatFloat(temperature[i], 'g', -1, 64),
			strconv.FormatFloat(conversion[i], 'g', -1, 64),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return nil
}
