// Copyright (C) 2025 The akiwatch authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, csvPath string) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "db"), csvPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertPatientIsIdempotent(t *testing.T) {
	s := openTestStore(t, "")
	s.InsertPatient("722269", 35, "F")
	s.InsertPatient("722269", 99, "M")

	p, ok := s.GetPatient("722269")
	require.True(t, ok)
	assert.Equal(t, 35, p.Age)
	assert.Equal(t, "F", p.Sex)
}

func TestDischargeRemovesPatientButKeepsHistory(t *testing.T) {
	s := openTestStore(t, "")
	s.InsertPatient("722269", 35, "F")
	s.InsertTestResult("722269", "20240101000000", 80)

	s.DischargePatient("722269")

	_, ok := s.GetPatient("722269")
	assert.False(t, ok)
	assert.Len(t, s.GetPatientHistory("722269"), 1)
}

func TestInsertTestResultIsIdempotent(t *testing.T) {
	s := openTestStore(t, "")
	s.InsertTestResult("722269", "20240101000000", 80)
	s.InsertTestResult("722269", "20240101000000", 999)

	r, ok := s.GetTestResult("722269", "20240101000000")
	require.True(t, ok)
	assert.Equal(t, 80.0, r.Creatinine)
}

func TestGetPatientHistoryOrdersByDate(t *testing.T) {
	s := openTestStore(t, "")
	s.InsertTestResult("722269", "20240105000000", 90)
	s.InsertTestResult("722269", "20240101000000", 80)

	rows := s.GetPatientHistory("722269")
	require.Len(t, rows, 2)
	assert.Equal(t, "20240101000000", rows[0].Date)
	assert.Equal(t, "20240105000000", rows[1].Date)
}

func TestPersistRoundTripsThroughReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	s, err := Open(dir, "")
	require.NoError(t, err)

	s.InsertPatient("722269", 35, "F")
	s.InsertTestResult("722269", "20240101000000", 80)
	require.NoError(t, s.Persist())
	require.NoError(t, s.Close())

	reopened, err := Open(dir, "")
	require.NoError(t, err)
	defer reopened.Close()

	p, ok := reopened.GetPatient("722269")
	require.True(t, ok)
	assert.Equal(t, 35, p.Age)
	assert.Len(t, reopened.GetPatientHistory("722269"), 1)
}

func TestPersistAppliesQueuedDischarge(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	s, err := Open(dir, "")
	require.NoError(t, err)

	s.InsertPatient("722269", 35, "F")
	require.NoError(t, s.Persist())

	s.DischargePatient("722269")
	require.NoError(t, s.Persist())
	require.NoError(t, s.Close())

	reopened, err := Open(dir, "")
	require.NoError(t, err)
	defer reopened.Close()

	_, ok := reopened.GetPatient("722269")
	assert.False(t, ok)
}

func TestBootstrapFromCSVSkipsWhenSnapshotHasData(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")

	s, err := Open(dir, "")
	require.NoError(t, err)
	s.InsertTestResult("111111", "20240101000000", 70)
	require.NoError(t, s.Persist())
	require.NoError(t, s.Close())

	csvPath := filepath.Join(t.TempDir(), "history.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("999999,20240101000000,50\n"), 0o644))

	reopened, err := Open(dir, csvPath)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Len(t, reopened.GetPatientHistory("111111"), 1)
	assert.Empty(t, reopened.GetPatientHistory("999999"))
}

func TestBootstrapCSVParsesVariableLengthRowsAndDropsTrailingEmpties(t *testing.T) {
	csvPath := filepath.Join(t.TempDir(), "history.csv")
	contents := "722269,20240101000000,80,20240105000000,90,,\n853518,20240101000000,60\n"
	require.NoError(t, os.WriteFile(csvPath, []byte(contents), 0o644))

	s := openTestStore(t, csvPath)

	assert.Len(t, s.GetPatientHistory("722269"), 2)
	assert.Len(t, s.GetPatientHistory("853518"), 1)
	assert.True(t, s.Loaded())
}

func TestToHistoryPointsParsesTimestamps(t *testing.T) {
	rows := []HistoryRow{{MRN: "1", Date: "20240101000000", Creatinine: 80}}
	points := ToHistoryPoints(rows)
	require.Len(t, points, 1)
	assert.Equal(t, 80.0, points[0].Result)
}
