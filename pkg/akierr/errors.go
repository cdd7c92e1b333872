// Copyright (C) 2025 The akiwatch authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package akierr holds the sentinel error kinds the Supervisor branches on.
//
// Sentinels cover the error kinds TransportReset, ParseError,
// StoreIntegrity, PersistIO, PagerHTTPFail and ModelLoad, plus
// SnapshotCorrupt and QueueCorrupt for the on-disk formats. TransportOther
// has no sentinel: such errors are the raw I/O errors returned by the
// MLLP transport. Callers use errors.Is/errors.As against these values
// rather than matching on message text.
package akierr

import "errors"

var (
	// ErrTransportReset marks a peer RST on the MLLP socket; the caller
	// should reconnect.
	ErrTransportReset = errors.New("mllp: connection reset by peer")

	// ErrParse marks a malformed HL7/MLLP payload. The message is dropped
	// and not acknowledged.
	ErrParse = errors.New("hl7: malformed message")

	// ErrStoreIntegrity marks a duplicate-key write. Duplicates are
	// ignored by design; this is surfaced only for logging.
	ErrStoreIntegrity = errors.New("store: duplicate key")

	// ErrPersistIO marks a snapshot write failure.
	ErrPersistIO = errors.New("store: persist failed")

	// ErrPagerHTTPFail marks a non-200 response or transport failure
	// talking to the pager service.
	ErrPagerHTTPFail = errors.New("pager: request failed")

	// ErrModelLoad marks a failure loading the predictor artifact. This
	// is fatal at startup.
	ErrModelLoad = errors.New("predictor: failed to load model")

	// ErrSnapshotCorrupt marks an on-disk snapshot that failed an
	// integrity check on load.
	ErrSnapshotCorrupt = errors.New("store: snapshot corrupt")

	// ErrQueueCorrupt marks a pager queue file that failed to decode.
	ErrQueueCorrupt = errors.New("pager: queue file corrupt")
)
