// Copyright (C) 2025 The akiwatch authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mllp implements the Minimal Lower Layer Protocol framing used to
// carry HL7 v2 messages over a persistent TCP connection: frames start
// with 0x0B and end with the two-byte sequence 0x1C 0x0D.
package mllp

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/nhsaki/akiwatch/pkg/akierr"
	"github.com/nhsaki/akiwatch/pkg/retry"
)

const (
	startByte     byte = 0x0B
	endOfBlock    byte = 0x1C
	carriageByte  byte = 0x0D
	readChunkSize      = 1024
)

// ReconnectConfig is the backoff schedule for (re)connecting to the MLLP
// upstream: unbounded retries starting at 1s, doubling, capped at 600s.
var ReconnectConfig = retry.Config{
	Base: 1 * time.Second,
	Cap:  600 * time.Second,
}

// Transport is a single persistent outbound MLLP connection. It is not
// safe for concurrent use — the service is single-writer per design.
type Transport struct {
	host, port string
	conn       net.Conn
}

// New creates a Transport for the given host and port. Call Connect
// before ReadFrame/Send.
func New(host, port string) *Transport {
	return &Transport{host: host, port: port}
}

// Connect dials the MLLP upstream, retrying with unbounded exponential
// backoff (1s doubling to a 600s cap) until it succeeds or ctx is done.
func (t *Transport) Connect(ctx context.Context) error {
	return retry.Forever(ctx, ReconnectConfig, func(attempt int) error {
		conn, err := net.Dial("tcp", net.JoinHostPort(t.host, t.port))
		if err != nil {
			slog.Warn("mllp: connect failed, retrying", "attempt", attempt, "error", err)
			return err
		}
		t.conn = conn
		slog.Info("mllp: connected", "host", t.host, "port", t.port)
		return nil
	})
}

// ReadFrame accumulates bytes from the stream until the end-of-block byte
// 0x1C appears, then returns the raw accumulated buffer including the
// framing bytes; the caller strips the start/end markers.
//
// A peer connection reset returns (nil, true, nil): the caller must
// reconnect. Any other I/O error returns (nil, false, err).
func (t *Transport) ReadFrame() ([]byte, bool, error) {
	var buf bytes.Buffer
	chunk := make([]byte, readChunkSize)

	for bytes.IndexByte(buf.Bytes(), endOfBlock) == -1 {
		n, err := t.conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			if isConnReset(err) {
				slog.Warn("mllp: connection reset, reconnect needed")
				_ = t.conn.Close()
				return nil, true, nil
			}
			return nil, false, err
		}
	}
	return buf.Bytes(), false, nil
}

// Send writes data to the current connection.
func (t *Transport) Send(data []byte) error {
	_, err := t.conn.Write(data)
	return err
}

// Close releases the underlying connection.
func (t *Transport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, akierr.ErrTransportReset)
}

// Frame wraps payload with the MLLP start/end-of-block markers.
func Frame(payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(startByte)
	buf.Write(payload)
	buf.WriteByte(endOfBlock)
	buf.WriteByte(carriageByte)
	return buf.Bytes()
}

// Unframe strips the start/end-of-block markers from a raw frame,
// returning the enclosed HL7 payload.
func Unframe(raw []byte) []byte {
	start := bytes.IndexByte(raw, startByte)
	end := bytes.IndexByte(raw, endOfBlock)
	if start == -1 || end == -1 || end <= start {
		return nil
	}
	return raw[start+1 : end]
}
