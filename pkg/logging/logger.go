// Copyright (C) 2025 The akiwatch authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging sets up the process-wide structured logger.
//
// The service logs JSON lines to stdout via log/slog, one handler shared
// by every package through slog.Default(). --debug lowers the minimum
// level to Debug; otherwise only Info and above are emitted.
package logging

import (
	"log/slog"
	"os"
)

// Init installs a JSON slog.Logger as the process default and returns it.
//
// debug, when true, lowers the minimum level to slog.LevelDebug.
func Init(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
