// Copyright (C) 2025 The akiwatch authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store is the durable patient/test-result record: an in-memory
// authoritative working set backed by a synchronous on-disk snapshot in
// Badger. The in-memory tables are the source of truth for every read;
// Open reads the snapshot once at startup; persist() is the only path
// that writes to it.
package store

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sys/unix"

	"github.com/nhsaki/akiwatch/pkg/akierr"
	"github.com/nhsaki/akiwatch/pkg/features"
)

const (
	patientPrefix = "patient:"
	testPrefix    = "test:"
)

// Patient is the admitted-patient record.
type Patient struct {
	MRN string
	Age int
	Sex string
}

// TestResult is one creatinine reading.
type TestResult struct {
	MRN        string
	Date       string
	Creatinine float64
}

// HistoryRow is one joined row returned by GetPatientHistory: patient
// identity alongside a single test result.
type HistoryRow struct {
	MRN        string
	Age        int
	Sex        string
	Date       string
	Creatinine float64
}

type patientRecord struct {
	Age int    `json:"age"`
	Sex string `json:"sex"`
}

type testRecord struct {
	Creatinine float64 `json:"creatinine"`
}

// Store is the patient/test-result record. Not safe for use before Open
// returns successfully.
type Store struct {
	mu sync.Mutex

	db *badger.DB

	patients    map[string]Patient
	testResults map[string]map[string]TestResult // mrn -> date -> result
	discharges  map[string]struct{}

	lockPath string
	loaded   bool
}

// Open opens (or creates) the Badger snapshot at dbPath and loads it into
// memory. If the snapshot is empty, csvPath is parsed to bootstrap the
// test_results table; the patients table is never populated from CSV —
// patients materialize only via PAS-admit.
func Open(dbPath, csvPath string) (*Store, error) {
	opts := badger.DefaultOptions(dbPath).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: opening badger at %s: %v", akierr.ErrSnapshotCorrupt, dbPath, err)
	}

	s := &Store{
		db:          db,
		patients:    make(map[string]Patient),
		testResults: make(map[string]map[string]TestResult),
		discharges:  make(map[string]struct{}),
		lockPath:    filepath.Join(dbPath, ".akiwatch-access.lock"),
	}

	hadData, err := s.loadFromDisk()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	if !hadData && csvPath != "" {
		if err := s.bootstrapCSV(csvPath); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	s.loaded = len(s.testResults) > 0
	return s, nil
}

// Loaded reports whether the store came up with any test results, either
// from an existing snapshot or from CSV bootstrap. Diagnostic only.
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

func (s *Store) loadFromDisk() (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			found = true

			err := item.Value(func(val []byte) error {
				switch {
				case strings.HasPrefix(key, patientPrefix):
					mrn := strings.TrimPrefix(key, patientPrefix)
					var rec patientRecord
					if err := json.Unmarshal(val, &rec); err != nil {
						return err
					}
					s.patients[mrn] = Patient{MRN: mrn, Age: rec.Age, Sex: rec.Sex}
				case strings.HasPrefix(key, testPrefix):
					rest := strings.TrimPrefix(key, testPrefix)
					parts := strings.SplitN(rest, ":", 2)
					if len(parts) != 2 {
						return fmt.Errorf("malformed test key %q", key)
					}
					mrn, date := parts[0], parts[1]
					var rec testRecord
					if err := json.Unmarshal(val, &rec); err != nil {
						return err
					}
					if s.testResults[mrn] == nil {
						s.testResults[mrn] = make(map[string]TestResult)
					}
					s.testResults[mrn][date] = TestResult{MRN: mrn, Date: date, Creatinine: rec.Creatinine}
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("%w: %v", akierr.ErrSnapshotCorrupt, err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// bootstrapCSV parses rows of the form "mrn, date_1, result_1, date_2,
// result_2, ..." (variable length; trailing empties dropped) directly
// into the in-memory test_results table.
func (s *Store) bootstrapCSV(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("store: no CSV bootstrap file found", "path", path)
			return nil
		}
		return fmt.Errorf("store: opening bootstrap CSV %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	rows := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("store: reading bootstrap CSV %s: %w", path, err)
		}

		for len(record) > 0 && strings.TrimSpace(record[len(record)-1]) == "" {
			record = record[:len(record)-1]
		}
		if len(record) < 3 {
			continue
		}

		mrn := strings.TrimSpace(record[0])
		pairs := record[1:]
		for i := 0; i+1 < len(pairs); i += 2 {
			date := strings.TrimSpace(pairs[i])
			resultStr := strings.TrimSpace(pairs[i+1])
			if date == "" || resultStr == "" {
				continue
			}
			result, err := strconv.ParseFloat(resultStr, 64)
			if err != nil {
				slog.Warn("store: skipping unparseable CSV result", "mrn", mrn, "date", date, "error", err)
				continue
			}
			s.insertTestResultLocked(mrn, date, result)
		}
		rows++
	}

	slog.Info("store: bootstrapped test results from CSV", "path", path, "rows", rows)
	return nil
}

// InsertPatient registers a patient. A duplicate mrn is a no-op.
func (s *Store) InsertPatient(mrn string, age int, sex string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.patients[mrn]; exists {
		slog.Debug("store: ignoring duplicate patient insert", "mrn", mrn, "error", akierr.ErrStoreIntegrity)
		return
	}
	s.patients[mrn] = Patient{MRN: mrn, Age: age, Sex: strings.ToUpper(sex)}
}

// DischargePatient removes mrn from the active set and enqueues it for
// on-disk deletion at the next persist.
func (s *Store) DischargePatient(mrn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.patients, mrn)
	s.discharges[mrn] = struct{}{}
}

// GetPatient returns the patient row, if present.
func (s *Store) GetPatient(mrn string) (Patient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[mrn]
	return p, ok
}

// InsertTestResult records a test result. A duplicate (mrn, date) is a
// no-op.
func (s *Store) InsertTestResult(mrn, date string, result float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertTestResultLocked(mrn, date, result)
}

func (s *Store) insertTestResultLocked(mrn, date string, result float64) {
	if s.testResults[mrn] == nil {
		s.testResults[mrn] = make(map[string]TestResult)
	}
	if _, exists := s.testResults[mrn][date]; exists {
		slog.Debug("store: ignoring duplicate test result", "mrn", mrn, "date", date, "error", akierr.ErrStoreIntegrity)
		return
	}
	s.testResults[mrn][date] = TestResult{MRN: mrn, Date: date, Creatinine: result}
}

// GetTestResult returns the test result row, if present.
func (s *Store) GetTestResult(mrn, date string) (TestResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byDate, ok := s.testResults[mrn]
	if !ok {
		return TestResult{}, false
	}
	r, ok := byDate[date]
	return r, ok
}

// GetPatientHistory returns every test result recorded for mrn, joined
// with the patient's age/sex, ordered oldest-first by date string. Dates
// are stored in the lexically-sortable YYYYMMDDHHMMSS layout, so string
// ordering matches chronological ordering.
func (s *Store) GetPatientHistory(mrn string) []HistoryRow {
	s.mu.Lock()
	defer s.mu.Unlock()

	patient := s.patients[mrn]
	byDate := s.testResults[mrn]
	rows := make([]HistoryRow, 0, len(byDate))
	for date, tr := range byDate {
		rows = append(rows, HistoryRow{
			MRN:        mrn,
			Age:        patient.Age,
			Sex:        patient.Sex,
			Date:       date,
			Creatinine: tr.Creatinine,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Date < rows[j].Date })
	return rows
}

// ToHistoryPoints adapts the joined history rows into the feature
// engine's input shape.
func ToHistoryPoints(rows []HistoryRow) []features.HistoryPoint {
	points := make([]features.HistoryPoint, 0, len(rows))
	for _, r := range rows {
		t, err := features.ParseTimestamp(r.Date)
		if err != nil {
			slog.Warn("store: dropping history row with unparseable date", "mrn", r.MRN, "date", r.Date, "error", err)
			continue
		}
		points = append(points, features.HistoryPoint{Date: t, Result: r.Creatinine})
	}
	return points
}

// Persist writes a complete, atomic snapshot of the in-memory tables to
// disk, applies queued discharges against the disk copy, then clears the
// discharge queue. The advisory access-lock file is informational only;
// correctness is guaranteed by mu alone.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	release := s.tryAdvisoryLock()
	defer release()

	err := s.db.Update(func(txn *badger.Txn) error {
		for mrn, p := range s.patients {
			val, err := json.Marshal(patientRecord{Age: p.Age, Sex: p.Sex})
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(patientPrefix+mrn), val); err != nil {
				return err
			}
		}

		for mrn, byDate := range s.testResults {
			for date, tr := range byDate {
				val, err := json.Marshal(testRecord{Creatinine: tr.Creatinine})
				if err != nil {
					return err
				}
				key := testPrefix + mrn + ":" + date
				if err := txn.Set([]byte(key), val); err != nil {
					return err
				}
			}
		}

		for mrn := range s.discharges {
			if err := txn.Delete([]byte(patientPrefix + mrn)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", akierr.ErrPersistIO, err)
	}

	s.discharges = make(map[string]struct{})
	return nil
}

// tryAdvisoryLock acquires a non-blocking advisory flock on a companion
// lock file for the duration of a persist call, purely as a telemetry
// signal of on-disk-access contention; a failed acquisition does not
// block the persist.
func (s *Store) tryAdvisoryLock() func() {
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		slog.Warn("store: could not open advisory lock file", "error", err)
		return func() {}
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		slog.Warn("store: advisory lock contended, proceeding without it", "error", err)
		_ = f.Close()
		return func() {}
	}

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}
}

// Close releases the underlying Badger handles.
func (s *Store) Close() error {
	return s.db.Close()
}
