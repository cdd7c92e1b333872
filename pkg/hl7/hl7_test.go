// Copyright (C) 2025 The akiwatch authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hl7

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePASAdmit(t *testing.T) {
	raw := "MSH|^~\\&|||||20240924153600\rPID|1||722269||SAFFRON CURTIS||19891008|F"
	msg, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, PASAdmit, msg.Category)
	assert.Equal(t, "722269", msg.MRN)
	assert.Equal(t, "F", msg.Sex)
	assert.Greater(t, msg.Age, 0)
}

func TestParsePASDischarge(t *testing.T) {
	raw := "MSH|^~\\&|||||20240924153600\rPID|1||853518"
	msg, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, PASDischarge, msg.Category)
	assert.Equal(t, "853518", msg.MRN)
}

func TestParseLIMS(t *testing.T) {
	raw := "MSH|^~\\&|||||20240924153600\r" +
		"PID|1||445566\r" +
		"OBR|1||||||20240924153600\r" +
		"OBX|1|SN|CREATININE||103.56923163550283"
	msg, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, LIMS, msg.Category)
	assert.Equal(t, "445566", msg.MRN)
	assert.Equal(t, "20240924153600", msg.TestDate)
	assert.Equal(t, 103.56923163550283, msg.Creatinine)
}

func TestParseMalformedSurfacesParseError(t *testing.T) {
	raw := "MSH|^~\\&|||||20240924153600\rPID|1"
	_, err := Parse([]byte(raw))
	require.Error(t, err)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestCalculateAgeAdjustsForBirthdayNotYetPassed(t *testing.T) {
	// Use a date of birth with month/day in the future relative to "now"
	// at test time so the adjustment branch is exercised either way;
	// just assert the computed age is internally consistent.
	now := time.Now()
	dob := now.AddDate(-30, 1, 0) // 30 years old, birthday next month
	age, err := calculateAge(dob.Format(dobLayout))
	require.NoError(t, err)
	assert.Equal(t, 29, age)
}

func TestBuildACKHasMSAWithAA(t *testing.T) {
	ack := BuildACK(time.Now())
	segments := strings.Split(string(ack), "\r")
	require.Len(t, segments, 3) // MSH, MSA, trailing empty

	assert.True(t, strings.HasPrefix(segments[0], "MSH|"))
	assert.Equal(t, "MSA|AA|", segments[1])
}
