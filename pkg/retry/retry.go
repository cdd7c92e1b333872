// Copyright (C) 2025 The akiwatch authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry implements exponential backoff as an explicit loop over a
// configuration struct, rather than a language-level decorator.
package retry

import (
	"context"
	"time"
)

// Config configures an unbounded or bounded exponential backoff.
type Config struct {
	// Base is the initial delay before the first retry.
	Base time.Duration

	// Cap bounds the delay; once reached, subsequent delays stay at Cap.
	Cap time.Duration

	// MaxAttempts bounds the number of calls to fn. Zero means unbounded
	// (retry forever, doubling until Cap).
	MaxAttempts int
}

// Forever runs fn, doubling the delay from cfg.Base up to cfg.Cap between
// attempts, until fn returns nil or ctx is done. It never gives up on its
// own when cfg.MaxAttempts is zero — used by the MLLP reconnect loop,
// which per design must retry unboundedly.
func Forever(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	delay := cfg.Base
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > cfg.Cap {
			delay = cfg.Cap
		}
	}
}
