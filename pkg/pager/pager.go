// Copyright (C) 2025 The akiwatch authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pager dispatches HTTP pages for AKI-positive results and
// buffers undelivered pages in a persistent FIFO queue so delivery is
// at-least-once across restarts and pager-service outages.
package pager

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nhsaki/akiwatch/pkg/akierr"
)

// HTTPClient is the narrow surface Dispatcher needs from *http.Client,
// injectable for tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	maxAttempts     = 3
	initialDelay    = 400 * time.Millisecond
	contentTypeText = "text/plain"
)

// Dispatcher owns the persistent pager queue and delivers pages to the
// pager service over HTTP.
type Dispatcher struct {
	mu sync.Mutex

	url       string
	client    HTTPClient
	queuePath string
	queue     []Entry
}

// Open constructs a Dispatcher targeting http://host:port/page and loads
// any queue left over from a prior run.
func Open(host, port, queuePath string, client HTTPClient) (*Dispatcher, error) {
	if client == nil {
		client = &http.Client{}
	}

	entries, err := readQueue(queuePath)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		url:       fmt.Sprintf("http://%s:%s/page", host, port),
		client:    client,
		queuePath: queuePath,
		queue:     entries,
	}
	slog.Info("pager: loaded queue", "path", queuePath, "entries", len(entries))
	return d, nil
}

// Dispatch delivers (mrn, date), retrying up to 3 times. On success, it
// then drains the persistent queue in FIFO order with the same per-item
// policy, stopping and re-queueing the first item whose attempts are
// exhausted. On failure for (mrn, date) itself, the pair is appended to
// the tail of the queue.
//
// An exhausted item is re-queued durably and surfaced as an error
// wrapping akierr.ErrPagerHTTPFail so the caller can count the delivery
// failure; a queue-file write failure is returned as-is.
func (d *Dispatcher) Dispatch(mrn, date string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.attemptSend(Entry{MRN: mrn, Date: date}); err != nil {
		d.queue = append(d.queue, Entry{MRN: mrn, Date: date})
		if flushErr := d.flush(); flushErr != nil {
			return flushErr
		}
		return fmt.Errorf("page for mrn %s re-queued: %w", mrn, err)
	}

	for len(d.queue) > 0 {
		item := d.queue[0]
		if err := d.attemptSend(item); err != nil {
			d.queue = append(d.queue[1:], item)
			if flushErr := d.flush(); flushErr != nil {
				return flushErr
			}
			return fmt.Errorf("queued page for mrn %s re-queued: %w", item.MRN, err)
		}
		d.queue = d.queue[1:]
		if err := d.flush(); err != nil {
			return err
		}
	}
	return nil
}

// attemptSend performs up to maxAttempts HTTP POSTs to the pager
// service, sleeping between attempts on the schedule retry_delay *=
// retries (0.4s, 0.4s, 0.8s) — preserved exactly as the source computes
// it, including the otherwise-wasted final sleep after the last failed
// attempt. Returns nil on delivery, or the last attempt's error.
func (d *Dispatcher) attemptSend(e Entry) error {
	retryDelay := initialDelay
	retries := 0

	var lastErr error
	for retries < maxAttempts {
		lastErr = d.post(e)
		if lastErr == nil {
			return nil
		}
		retries++
		time.Sleep(retryDelay)
		retryDelay = retryDelay * time.Duration(retries)
	}
	return lastErr
}

func (d *Dispatcher) post(e Entry) error {
	body := fmt.Sprintf("%s,%s", e.MRN, e.Date)
	req, err := http.NewRequest(http.MethodPost, d.url, bytes.NewReader([]byte(body)))
	if err != nil {
		slog.Error("pager: building request failed", "mrn", e.MRN, "error", err)
		return fmt.Errorf("%w: building request for mrn %s: %v", akierr.ErrPagerHTTPFail, e.MRN, err)
	}
	req.Header.Set("Content-Type", contentTypeText)

	resp, err := d.client.Do(req)
	if err != nil {
		slog.Warn("pager: request failed", "mrn", e.MRN, "error", err)
		return fmt.Errorf("%w: mrn %s: %v", akierr.ErrPagerHTTPFail, e.MRN, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("pager: non-200 response", "mrn", e.MRN, "status", resp.StatusCode)
		return fmt.Errorf("%w: mrn %s: status %d", akierr.ErrPagerHTTPFail, e.MRN, resp.StatusCode)
	}
	return nil
}

// flush writes the current queue to disk. Called after every mutation.
func (d *Dispatcher) flush() error {
	return writeQueue(d.queuePath, d.queue)
}

// QueueLen reports the number of pending entries, for metrics/tests.
func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close flushes the queue one last time, per the shutdown contract.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flush()
}
