// Copyright (C) 2025 The akiwatch authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package features computes the per-LIMS-message feature row the
// predictor classifies: C1/RV1/RV2 renal-function ratios and the 48-hour
// change/D-value pair, derived only from history that predates the
// incoming result.
package features

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// HistoryPoint is one prior test result used to derive features.
type HistoryPoint struct {
	Date   time.Time
	Result float64
}

// Row is the feature vector handed to the predictor, in the fixed column
// order the model artifact expects: age, sex_encoded, C1, RV1,
// RV1_ratio, RV2, RV2_ratio, change_within_48h, D.
type Row struct {
	Age             int
	SexEncoded      int
	C1              float64
	RV1             float64
	RV1Ratio        float64
	RV2             float64
	RV2Ratio        float64
	ChangeWithin48h bool
	D               float64
}

// timeLayouts are the two lenient formats the original feeds accept.
var timeLayouts = []string{"20060102150405", "2006-01-02 15:04:05"}

// ParseTimestamp parses a test-result timestamp, accepting either
// "YYYYMMDDHHMMSS" or "YYYY-MM-DD HH:MM:SS".
func ParseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("features: unrecognized timestamp %q: %w", s, lastErr)
}

// EncodeSex maps M/m to 0 and F/f to 1.
func EncodeSex(sex string) int {
	if len(sex) == 0 {
		return 1
	}
	switch sex[0] {
	case 'M', 'm':
		return 0
	default:
		return 1
	}
}

// Compute builds the feature row for a new LIMS result (d1, c1) given the
// patient's age, sex and full prior test history (which must not include
// the incoming result).
func Compute(age int, sex string, d1 time.Time, c1 float64, history []HistoryPoint) Row {
	row := Row{Age: age, SexEncoded: EncodeSex(sex), C1: c1}

	if len(history) > 0 {
		row.RV1, row.RV1Ratio, row.RV2, row.RV2Ratio = computeRV(c1, d1, history)
	}

	row.D, row.ChangeWithin48h = computeD(c1, d1, history)
	return row
}

// computeRV implements the RV1/RV2 renal-value path: within 7 days of the
// most recent prior test, compare against the historical minimum; within
// 365 days, compare against the historical median; beyond that, all
// zeros.
func computeRV(c1 float64, d1 time.Time, history []HistoryPoint) (rv1, rv1Ratio, rv2, rv2Ratio float64) {
	mostRecent := history[len(history)-1].Date
	diffDays := math.Abs(d1.Sub(mostRecent).Hours() / 24)

	switch {
	case diffDays <= 7:
		min := historyMin(history)
		rv1 = min
		if min != 0 {
			rv1Ratio = c1 / min
		}
	case diffDays <= 365:
		med := historyMedian(history)
		rv2 = med
		if med != 0 {
			rv2Ratio = c1 / med
		}
	}
	return rv1, rv1Ratio, rv2, rv2Ratio
}

// computeD implements the D-value / 48-hour-change path: compare the
// incoming result to the minimum among prior tests at least 48 hours
// before d1.
func computeD(c1 float64, d1 time.Time, history []HistoryPoint) (d float64, change bool) {
	cutoff := d1.Add(-48 * time.Hour)

	var prior []float64
	for _, h := range history {
		if !h.Date.After(cutoff) {
			prior = append(prior, h.Result)
		}
	}

	if len(prior) == 0 {
		return 0, false
	}

	min := prior[0]
	for _, v := range prior[1:] {
		if v < min {
			min = v
		}
	}
	return c1 - min, len(prior) > 1
}

func historyMin(history []HistoryPoint) float64 {
	min := history[0].Result
	for _, h := range history[1:] {
		if h.Result < min {
			min = h.Result
		}
	}
	return min
}

func historyMedian(history []HistoryPoint) float64 {
	values := make([]float64, len(history))
	for i, h := range history {
		values[i] = h.Result
	}
	sort.Float64s(values)

	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return (values[n/2-1] + values[n/2]) / 2
}
