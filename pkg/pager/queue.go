// Copyright (C) 2025 The akiwatch authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pager

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/nhsaki/akiwatch/pkg/akierr"
)

// Entry is one pending page: an MRN and the creatinine result date that
// triggered it.
type Entry struct {
	MRN  string
	Date string
}

// writeQueue serializes entries as a sequence of length-prefixed
// records: a big-endian uint32 giving the byte length of "mrn,date",
// followed by that many bytes. This is a stable, explicit format —
// deliberately not a host-language pickle.
func writeQueue(path string, entries []Entry) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", akierr.ErrPersistIO, tmp, err)
	}

	w := bufio.NewWriter(f)
	for _, e := range entries {
		payload := []byte(e.MRN + "," + e.Date)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			_ = f.Close()
			return fmt.Errorf("%w: writing length prefix: %v", akierr.ErrPersistIO, err)
		}
		if _, err := w.Write(payload); err != nil {
			_ = f.Close()
			return fmt.Errorf("%w: writing record: %v", akierr.ErrPersistIO, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: flushing %s: %v", akierr.ErrPersistIO, tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: syncing %s: %v", akierr.ErrPersistIO, tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", akierr.ErrPersistIO, tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: renaming %s to %s: %v", akierr.ErrPersistIO, tmp, path, err)
	}
	return nil
}

// readQueue deserializes the length-prefixed record file written by
// writeQueue. A missing file is treated as an empty queue.
func readQueue(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: opening %s: %v", akierr.ErrQueueCorrupt, path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var entries []Entry
	for {
		var lenBuf [4]byte
		_, err := io.ReadFull(r, lenBuf[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading length prefix: %v", akierr.ErrQueueCorrupt, err)
		}

		n := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("%w: reading record body: %v", akierr.ErrQueueCorrupt, err)
		}

		entry, err := parseRecord(string(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", akierr.ErrQueueCorrupt, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseRecord(s string) (Entry, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			return Entry{MRN: s[:i], Date: s[i+1:]}, nil
		}
	}
	return Entry{}, fmt.Errorf("malformed queue record %q", s)
}
