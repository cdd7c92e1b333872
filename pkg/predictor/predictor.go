// Copyright (C) 2025 The akiwatch authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package predictor is the opaque boundary between the feature engine and
// whatever pre-trained classifier makes the AKI-positive/negative call.
// The classifier's internals are out of scope for this service (see
// spec.md §1); this package only defines the artifact-loading contract
// and a concrete loader for one compatible artifact format. Any
// compatible artifact loader can be substituted behind the same
// Predictor interface.
package predictor

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nhsaki/akiwatch/pkg/akierr"
	"github.com/nhsaki/akiwatch/pkg/features"
)

// Label is the classifier's binary output.
type Label string

const (
	Positive Label = "y"
	Negative Label = "n"
)

// Predictor classifies a feature row. Implementations must be pure: no
// state is carried across calls, and a given row always predicts the
// same label.
type Predictor interface {
	Predict(row features.Row) (Label, error)
}

// thresholds describes a compatible artifact: a set of cut points over
// the feature row's ratio and delta fields. Any feature at or beyond its
// threshold votes positive; a cut of zero is unconfigured and never
// votes. The row is positive when at least two of the three cuts vote.
type thresholds struct {
	RV1RatioCut float64 `json:"rv1_ratio_cut"`
	RV2RatioCut float64 `json:"rv2_ratio_cut"`
	DCut        float64 `json:"d_cut"`
}

// ThresholdModel is the concrete Predictor backed by a JSON artifact of
// cut points, the known feature-order contract from spec.md §4.4.
type ThresholdModel struct {
	cuts thresholds
}

// Load reads the model artifact from path. A missing or malformed
// artifact is a fatal startup condition per design (§4.5): the caller is
// expected to abort the process on a non-nil error.
func Load(path string) (*ThresholdModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", akierr.ErrModelLoad, path, err)
	}

	var cuts thresholds
	if err := json.Unmarshal(data, &cuts); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", akierr.ErrModelLoad, path, err)
	}

	return &ThresholdModel{cuts: cuts}, nil
}

// Predict votes positive when at least two of the three renal-function
// signals cross their configured cut point.
func (m *ThresholdModel) Predict(row features.Row) (Label, error) {
	votes := 0
	if m.cuts.RV1RatioCut > 0 && row.RV1Ratio >= m.cuts.RV1RatioCut {
		votes++
	}
	if m.cuts.RV2RatioCut > 0 && row.RV2Ratio >= m.cuts.RV2RatioCut {
		votes++
	}
	if m.cuts.DCut > 0 && row.D >= m.cuts.DCut {
		votes++
	}

	if votes >= 2 {
		return Positive, nil
	}
	return Negative, nil
}
