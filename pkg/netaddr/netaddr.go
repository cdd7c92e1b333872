// Copyright (C) 2025 The akiwatch authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package netaddr splits configured host:port addresses defensively,
// tolerating an optional scheme and trailing path the way operators tend
// to paste them into environment variables.
package netaddr

import (
	"fmt"
	"net"
	"strings"
)

// SplitHostPort strips an optional "scheme://" prefix and any trailing
// path from addr, then splits the remainder into host and port.
func SplitHostPort(addr string) (host string, port string, err error) {
	a := addr
	if i := strings.Index(a, "://"); i != -1 {
		a = a[i+3:]
	}
	if i := strings.Index(a, "/"); i != -1 {
		a = a[:i]
	}
	a = strings.TrimSpace(a)

	host, port, err = net.SplitHostPort(a)
	if err != nil {
		return "", "", fmt.Errorf("netaddr: invalid address %q: %w", addr, err)
	}
	return host, port, nil
}
