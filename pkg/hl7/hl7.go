// Copyright (C) 2025 The akiwatch authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hl7 classifies HL7 v2 messages structurally (by segment count
// and field count, not by MSH-9 message type) into the three categories
// this service cares about: PAS-admit, PAS-discharge and LIMS.
package hl7

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nhsaki/akiwatch/pkg/akierr"
)

// Category identifies the kind of HL7 message observed.
type Category string

const (
	PASAdmit     Category = "PAS-admit"
	PASDischarge Category = "PAS-discharge"
	LIMS         Category = "LIMS"
)

const dobLayout = "20060102"

// Message is the classified result of parsing one HL7 payload.
type Message struct {
	Category Category
	MRN      string

	// Populated for PASAdmit.
	Age int
	Sex string

	// Populated for LIMS.
	TestDate   string
	Creatinine float64
}

// ParseError wraps the underlying cause with the offending raw payload's
// segment count, for logging.
type ParseError struct {
	Segments int
	Cause    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("hl7: parse error (%d segments): %v", e.Segments, e.Cause)
}

func (e *ParseError) Unwrap() error { return akierr.ErrParse }

// Parse classifies a raw CR-separated HL7 payload.
//
// Classification is structural: fewer than 4 segments with a PID-like
// segment carrying more than 4 pipe-delimited fields is PAS-admit; fewer
// than 4 segments otherwise is PAS-discharge; 4 or more segments is LIMS.
func Parse(payload []byte) (Message, error) {
	text := strings.ReplaceAll(string(payload), "\r", "\n")
	segments := strings.Split(text, "\n")
	// Drop a trailing empty segment produced by a terminal separator.
	for len(segments) > 0 && strings.TrimSpace(segments[len(segments)-1]) == "" {
		segments = segments[:len(segments)-1]
	}

	if len(segments) < 2 {
		return Message{}, &ParseError{Segments: len(segments), Cause: fmt.Errorf("message has no PID segment")}
	}

	if len(segments) < 4 {
		fields := strings.Split(segments[1], "|")
		if len(fields) > 4 {
			return parsePASAdmit(fields, len(segments))
		}
		return parsePASDischarge(fields, len(segments))
	}

	return parseLIMS(segments)
}

func parsePASAdmit(fields []string, segCount int) (Message, error) {
	if len(fields) < 9 || len(fields[8]) == 0 {
		return Message{}, &ParseError{Segments: segCount, Cause: fmt.Errorf("PID segment missing DOB or sex field")}
	}
	mrn := fields[3]
	age, err := calculateAge(fields[7])
	if err != nil {
		return Message{}, &ParseError{Segments: segCount, Cause: err}
	}
	sex := strings.ToUpper(fields[8][:1])

	return Message{Category: PASAdmit, MRN: mrn, Age: age, Sex: sex}, nil
}

func parsePASDischarge(fields []string, segCount int) (Message, error) {
	if len(fields) < 4 {
		return Message{}, &ParseError{Segments: segCount, Cause: fmt.Errorf("PID segment missing MRN field")}
	}
	mrn := strings.TrimSpace(fields[3])
	return Message{Category: PASDischarge, MRN: mrn}, nil
}

func parseLIMS(segments []string) (Message, error) {
	pidFields := strings.Split(segments[1], "|")
	if len(pidFields) < 4 {
		return Message{}, &ParseError{Segments: len(segments), Cause: fmt.Errorf("PID segment missing MRN field")}
	}
	obrFields := strings.Split(segments[2], "|")
	if len(obrFields) < 8 {
		return Message{}, &ParseError{Segments: len(segments), Cause: fmt.Errorf("OBR segment missing observation date-time")}
	}
	obxFields := strings.Split(segments[3], "|")
	if len(obxFields) < 6 {
		return Message{}, &ParseError{Segments: len(segments), Cause: fmt.Errorf("OBX segment missing value field")}
	}

	mrn := pidFields[3]
	testDate := obrFields[7]
	creatinine, err := strconv.ParseFloat(obxFields[5], 64)
	if err != nil {
		return Message{}, &ParseError{Segments: len(segments), Cause: fmt.Errorf("invalid creatinine value %q: %w", obxFields[5], err)}
	}

	return Message{Category: LIMS, MRN: mrn, TestDate: testDate, Creatinine: creatinine}, nil
}

// calculateAge computes full years between a YYYYMMDD date of birth and
// the current wall-clock date, adjusting for whether today has passed
// the birthday this year.
func calculateAge(dob string) (int, error) {
	birth, err := time.Parse(dobLayout, dob)
	if err != nil {
		return 0, fmt.Errorf("invalid date of birth %q: %w", dob, err)
	}
	now := time.Now()

	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	return age, nil
}

// BuildACK constructs the HL7 acknowledgement body for an accepted
// message. The result is not MLLP-framed; the caller wraps it with
// mllp.Frame before sending.
func BuildACK(now time.Time) []byte {
	body := fmt.Sprintf("MSH|^~\\&|||||%s||ACK||P|2.5\rMSA|AA|\r", now.Format("20060102150405"))
	return []byte(body)
}
