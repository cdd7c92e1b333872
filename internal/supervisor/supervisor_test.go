// Copyright (C) 2025 The akiwatch authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhsaki/akiwatch/pkg/akierr"
	"github.com/nhsaki/akiwatch/pkg/features"
	"github.com/nhsaki/akiwatch/pkg/metrics"
	"github.com/nhsaki/akiwatch/pkg/mllp"
	"github.com/nhsaki/akiwatch/pkg/predictor"
	"github.com/nhsaki/akiwatch/pkg/store"
)

type fakeTransport struct {
	frames [][]byte
	idx    int
	sent   [][]byte
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }

func (f *fakeTransport) ReadFrame() ([]byte, bool, error) {
	if f.idx >= len(f.frames) {
		return nil, false, context.Canceled
	}
	frame := f.frames[f.idx]
	f.idx++
	return frame, false, nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

type fakePager struct {
	dispatched []string
	err        error
}

func (f *fakePager) Dispatch(mrn, date string) error {
	f.dispatched = append(f.dispatched, mrn+","+date)
	return f.err
}

type fakePredictor struct {
	label predictor.Label
}

func (f *fakePredictor) Predict(row features.Row) (predictor.Label, error) {
	return f.label, nil
}

func newTestSupervisor(t *testing.T, pred Predictor, pg Pager) (*Supervisor, *store.Store, *fakeTransport) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tr := &fakeTransport{}
	sup := New(tr, st, pred, pg, metrics.New())
	return sup, st, tr
}

func limsFrame(mrn, testDate string, creatinine string) []byte {
	raw := "MSH|^~\\&|||||" + testDate + "\r" +
		"PID|1||" + mrn + "\r" +
		"OBR|1||||||" + testDate + "\r" +
		"OBX|1|SN|CREATININE||" + creatinine
	return mllp.Frame([]byte(raw))
}

func admitFrame(mrn string) []byte {
	raw := "MSH|^~\\&|||||20240924153600\rPID|1||" + mrn + "||SAFFRON CURTIS||19891008|F"
	return mllp.Frame([]byte(raw))
}

func dischargeFrame(mrn string) []byte {
	raw := "MSH|^~\\&|||||20240924153600\rPID|1||" + mrn
	return mllp.Frame([]byte(raw))
}

func TestProcessOnceAdmitsPatient(t *testing.T) {
	sup, st, tr := newTestSupervisor(t, &fakePredictor{label: predictor.Negative}, &fakePager{})
	tr.frames = [][]byte{admitFrame("722269")}

	sup.processOnce(context.Background())

	p, ok := st.GetPatient("722269")
	require.True(t, ok)
	assert.Equal(t, "F", p.Sex)
	assert.Len(t, tr.sent, 1)
}

func TestProcessOnceDischargesPatient(t *testing.T) {
	sup, st, tr := newTestSupervisor(t, &fakePredictor{label: predictor.Negative}, &fakePager{})
	st.InsertPatient("853518", 40, "M")
	tr.frames = [][]byte{dischargeFrame("853518")}

	sup.processOnce(context.Background())

	_, ok := st.GetPatient("853518")
	assert.False(t, ok)
}

func TestProcessOnceLIMSUnknownMRNAppliesDefaultsAndSkipsPager(t *testing.T) {
	pg := &fakePager{}
	sup, st, tr := newTestSupervisor(t, &fakePredictor{label: predictor.Positive}, pg)
	tr.frames = [][]byte{limsFrame("445566", "20240924153600", "103.5")}

	sup.processOnce(context.Background())

	p, ok := st.GetPatient("445566")
	require.True(t, ok)
	assert.Equal(t, defaultAge, p.Age)
	assert.Equal(t, defaultSex, p.Sex)
	assert.Empty(t, pg.dispatched, "pager must not be called for the unknown-mrn fallback")

	r, ok := st.GetTestResult("445566", "20240924153600")
	require.True(t, ok)
	assert.Equal(t, 103.5, r.Creatinine)
}

func TestProcessOnceLIMSKnownMRNPositiveDispatchesPager(t *testing.T) {
	pg := &fakePager{}
	sup, st, tr := newTestSupervisor(t, &fakePredictor{label: predictor.Positive}, pg)
	st.InsertPatient("445566", 50, "M")
	tr.frames = [][]byte{limsFrame("445566", "20240924153600", "103.5")}

	sup.processOnce(context.Background())

	assert.Equal(t, []string{"445566,20240924153600"}, pg.dispatched)
}

func TestProcessOnceLIMSNegativeSkipsPager(t *testing.T) {
	pg := &fakePager{}
	sup, st, tr := newTestSupervisor(t, &fakePredictor{label: predictor.Negative}, pg)
	st.InsertPatient("445566", 50, "M")
	tr.frames = [][]byte{limsFrame("445566", "20240924153600", "103.5")}

	sup.processOnce(context.Background())

	assert.Empty(t, pg.dispatched)
}

func TestProcessOnceLIMSPagerFailureStillRecordsResultAndAcks(t *testing.T) {
	pg := &fakePager{err: fmt.Errorf("page for mrn 445566 re-queued: %w", akierr.ErrPagerHTTPFail)}
	sup, st, tr := newTestSupervisor(t, &fakePredictor{label: predictor.Positive}, pg)
	st.InsertPatient("445566", 50, "M")
	tr.frames = [][]byte{limsFrame("445566", "20240924153600", "103.5")}

	sup.processOnce(context.Background())

	_, ok := st.GetTestResult("445566", "20240924153600")
	assert.True(t, ok, "test result must be recorded despite the pager failure")
	assert.Len(t, tr.sent, 1, "ack must still be sent")
}

func TestDebugCaptureRecordsLatenciesAndPositives(t *testing.T) {
	pg := &fakePager{}
	sup, st, tr := newTestSupervisor(t, &fakePredictor{label: predictor.Positive}, pg)
	sup.EnableDebugCapture()
	st.InsertPatient("445566", 50, "M")
	tr.frames = [][]byte{
		limsFrame("445566", "20240924153600", "103.5"),
		limsFrame("445566", "20240925153600", "140.2"),
	}

	sup.processOnce(context.Background())
	sup.processOnce(context.Background())

	assert.Len(t, sup.dbgLatencies, 2)
	assert.Len(t, sup.dbgPositives, 2)
	sup.LogDebugSummary()
}

func TestProcessOnceMalformedMessageDoesNotAck(t *testing.T) {
	sup, _, tr := newTestSupervisor(t, &fakePredictor{label: predictor.Negative}, &fakePager{})
	tr.frames = [][]byte{mllp.Frame([]byte("MSH|^~\\&|||||20240924153600\rPID|1"))}

	sup.processOnce(context.Background())

	assert.Empty(t, tr.sent)
}
