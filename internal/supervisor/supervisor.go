// Copyright (C) 2025 The akiwatch authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package supervisor wires the MLLP transport, HL7 classifier, patient
// store, feature engine, predictor and pager dispatcher into the
// sequential per-message pipeline: read_frame, classify, dispatch,
// persist, ack. It is the single writer of clinical state.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhsaki/akiwatch/pkg/akierr"
	"github.com/nhsaki/akiwatch/pkg/features"
	"github.com/nhsaki/akiwatch/pkg/hl7"
	"github.com/nhsaki/akiwatch/pkg/metrics"
	"github.com/nhsaki/akiwatch/pkg/mllp"
	"github.com/nhsaki/akiwatch/pkg/predictor"
	"github.com/nhsaki/akiwatch/pkg/store"
)

// defaultAge and defaultSex are the patient defaults applied when a LIMS
// message arrives for an MRN that was never admitted.
const (
	defaultAge = 35
	defaultSex = "F"
)

// Transport is the subset of *mllp.Transport the Supervisor needs,
// narrowed to an interface so tests can inject a fake stream.
type Transport interface {
	Connect(ctx context.Context) error
	ReadFrame() ([]byte, bool, error)
	Send(data []byte) error
	Close() error
}

// PatientStore is the subset of *store.Store the Supervisor drives.
type PatientStore interface {
	InsertPatient(mrn string, age int, sex string)
	DischargePatient(mrn string)
	GetPatient(mrn string) (store.Patient, bool)
	InsertTestResult(mrn, date string, result float64)
	GetTestResult(mrn, date string) (store.TestResult, bool)
	GetPatientHistory(mrn string) []store.HistoryRow
	Persist() error
}

// Pager is the subset of *pager.Dispatcher the Supervisor drives.
type Pager interface {
	Dispatch(mrn, date string) error
}

// Predictor is satisfied by *predictor.ThresholdModel and any compatible
// artifact loader.
type Predictor interface {
	Predict(row features.Row) (predictor.Label, error)
}

// Supervisor is the sequential main loop.
type Supervisor struct {
	transport Transport
	store     PatientStore
	predictor Predictor
	pager     Pager
	metrics   *metrics.Registry

	// Debug capture: per-LIMS latencies and positive events, kept only
	// when debug is on and reported once in the closing summary.
	debug        bool
	dbgMu        sync.Mutex
	dbgLatencies []float64
	dbgPositives []string
}

// New constructs a Supervisor over its collaborators.
func New(transport Transport, patientStore PatientStore, pred Predictor, p Pager, reg *metrics.Registry) *Supervisor {
	return &Supervisor{transport: transport, store: patientStore, predictor: pred, pager: p, metrics: reg}
}

// EnableDebugCapture turns on in-memory collection of per-LIMS latencies
// and AKI-positive events for the closing debug summary.
func (s *Supervisor) EnableDebugCapture() {
	s.debug = true
}

// LogDebugSummary emits one summary line over the captured latencies
// (mean/median/min/max/p99) and the positive count. No-op unless debug
// capture is enabled and at least one LIMS message was observed.
func (s *Supervisor) LogDebugSummary() {
	if !s.debug {
		return
	}

	s.dbgMu.Lock()
	defer s.dbgMu.Unlock()
	if len(s.dbgLatencies) == 0 {
		return
	}

	sorted := make([]float64, len(s.dbgLatencies))
	copy(sorted, s.dbgLatencies)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	n := len(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	p99 := sorted[(n-1)*99/100]

	slog.Info("supervisor: debug latency summary",
		"lims_messages", n,
		"aki_positives", len(s.dbgPositives),
		"mean_seconds", sum/float64(n),
		"median_seconds", median,
		"min_seconds", sorted[0],
		"max_seconds", sorted[n-1],
		"p99_seconds", p99,
	)
}

func (s *Supervisor) captureLatency(d time.Duration) {
	if !s.debug {
		return
	}
	s.dbgMu.Lock()
	s.dbgLatencies = append(s.dbgLatencies, d.Seconds())
	s.dbgMu.Unlock()
}

func (s *Supervisor) capturePositive(mrn, date string) {
	if !s.debug {
		return
	}
	s.dbgMu.Lock()
	s.dbgPositives = append(s.dbgPositives, mrn+","+date)
	s.dbgMu.Unlock()
}

// Run connects the transport and processes messages until ctx is
// cancelled. A cancelled context releases the in-flight read_frame by
// closing the underlying socket; the caller is responsible for wiring
// ctx cancellation to a concurrent Close() call on shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		return err
	}
	s.metrics.ConnectionEstablished()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.processOnce(ctx)
	}
}

// processOnce runs a single pipeline iteration. Any failure is logged
// and counted; the loop always makes forward progress to the next read.
func (s *Supervisor) processOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("supervisor: recovered from panic in message pipeline", "panic", r)
			s.metrics.Failure()
		}
	}()

	buf, reconnect, err := s.transport.ReadFrame()
	if reconnect {
		slog.Warn("supervisor: mllp connection reset, reconnecting")
		if err := s.transport.Connect(ctx); err != nil {
			slog.Error("supervisor: reconnect failed", "error", err)
			s.metrics.Failure()
			return
		}
		s.metrics.ConnectionEstablished()
		return
	}
	if err != nil {
		slog.Error("supervisor: read_frame failed", "error", err)
		s.metrics.Failure()
		return
	}

	start := time.Now()
	correlationID := uuid.NewString()
	s.metrics.MessageReceived()

	payload := mllp.Unframe(buf)
	msg, err := hl7.Parse(payload)
	if err != nil {
		slog.Error("supervisor: parse failed, dropping message", "correlation_id", correlationID, "error", err)
		s.metrics.Failure()
		return
	}

	log := slog.With("correlation_id", correlationID, "category", msg.Category, "mrn", msg.MRN)

	switch msg.Category {
	case hl7.PASAdmit:
		s.handleAdmit(log, msg)
	case hl7.PASDischarge:
		s.handleDischarge(log, msg)
	case hl7.LIMS:
		s.handleLIMS(log, msg)
	}

	if err := s.store.Persist(); err != nil {
		log.Error("supervisor: persist failed", "error", err)
		s.metrics.Failure()
	}

	ack := mllp.Frame(hl7.BuildACK(time.Now()))
	if err := s.transport.Send(ack); err != nil {
		log.Error("supervisor: sending ack failed", "error", err)
		s.metrics.Failure()
	}

	if msg.Category == hl7.LIMS {
		elapsed := time.Since(start)
		s.metrics.ObserveLatency(elapsed)
		s.captureLatency(elapsed)
	}
}

func (s *Supervisor) handleAdmit(log *slog.Logger, msg hl7.Message) {
	s.metrics.PASAdmit()
	s.store.InsertPatient(msg.MRN, msg.Age, msg.Sex)
	if _, ok := s.store.GetPatient(msg.MRN); !ok {
		log.Warn("supervisor: readback empty after insert_patient, retrying once")
		s.store.InsertPatient(msg.MRN, msg.Age, msg.Sex)
	}
}

func (s *Supervisor) handleDischarge(log *slog.Logger, msg hl7.Message) {
	s.metrics.PASDischarge()
	s.store.DischargePatient(msg.MRN)
	if _, ok := s.store.GetPatient(msg.MRN); ok {
		log.Warn("supervisor: readback still present after discharge_patient, retrying once")
		s.store.DischargePatient(msg.MRN)
	}
}

func (s *Supervisor) handleLIMS(log *slog.Logger, msg hl7.Message) {
	s.metrics.BloodTest(msg.Creatinine)

	patient, known := s.store.GetPatient(msg.MRN)
	if !known {
		log.Warn("supervisor: LIMS for unadmitted mrn, applying defaults and forcing negative")
		s.store.InsertPatient(msg.MRN, defaultAge, defaultSex)
		s.insertTestResultWithRetry(log, msg)
		return
	}

	d1, err := features.ParseTimestamp(msg.TestDate)
	if err != nil {
		log.Error("supervisor: unparseable test date", "date", msg.TestDate, "error", err)
		s.metrics.Failure()
		return
	}

	history := s.store.GetPatientHistory(msg.MRN)
	row := features.Compute(patient.Age, patient.Sex, d1, msg.Creatinine, store.ToHistoryPoints(history))

	label, err := s.predictor.Predict(row)
	if err != nil {
		log.Error("supervisor: predictor failed", "error", err)
		s.metrics.Failure()
	} else if label == predictor.Positive {
		s.metrics.AKIPositive()
		s.capturePositive(msg.MRN, msg.TestDate)
		if err := s.pager.Dispatch(msg.MRN, msg.TestDate); err != nil {
			if errors.Is(err, akierr.ErrPagerHTTPFail) {
				log.Warn("supervisor: pager delivery failed, page re-queued", "error", err)
			} else {
				log.Error("supervisor: pager dispatch failed", "error", err)
			}
			s.metrics.Failure()
		}
	}

	s.insertTestResultWithRetry(log, msg)
}

func (s *Supervisor) insertTestResultWithRetry(log *slog.Logger, msg hl7.Message) {
	s.store.InsertTestResult(msg.MRN, msg.TestDate, msg.Creatinine)
	if _, ok := s.store.GetTestResult(msg.MRN, msg.TestDate); !ok {
		log.Warn("supervisor: readback empty after insert_test_result, retrying once")
		s.store.InsertTestResult(msg.MRN, msg.TestDate, msg.Creatinine)
	}
}
