// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package broadcast implements the per-session evidence channel.
//
// # Description
//
// A Log is an append-only, in-memory sequence of evidence items and
// lifecycle markers. Any number of Readers may attach at any time. Each
// Reader owns an independent cursor into the shared slice, so it first
// replays the backlog and then receives live items, in push order.
//
// Push never waits for readers. Wakeups use a signal channel that is
// closed and replaced on every push, so a slow or absent reader costs
// nothing beyond the memory already held by the log.
//
// # Thread Safety
//
// Log and Reader are safe for concurrent use. A single Reader should be
// drained by one goroutine at a time.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AleutianAI/glassscore/services/evaluator/datatypes"
)

// ErrClosed is returned once a log has been closed and a reader has
// consumed everything pushed before the close.
var ErrClosed = errors.New("broadcast: log closed")

// Entry is one item observed by a reader together with its position.
type Entry struct {
	// Offset is the zero-based position of the item in the log.
	Offset int

	// Evidence is the pushed item with its ID and timestamp assigned.
	Evidence datatypes.Evidence
}

// Log is the append-only broadcast log of one session.
type Log struct {
	mu     sync.Mutex
	items  []datatypes.Evidence
	nextID int64
	notify chan struct{}
	closed bool
	now    func() time.Time
}

// NewLog creates an empty open log.
func NewLog() *Log {
	return &Log{
		notify: make(chan struct{}),
		now:    time.Now,
	}
}

// Push appends item and wakes every waiting reader.
//
// # Description
//
// Evidence items receive the next per-log ID, starting at 1. Markers
// always carry ID 0. CreatedAt is set to the push time in UTC. The
// assigned copy is returned.
//
// # Outputs
//
//   - Entry: The stored item and its offset.
//   - error: ErrClosed if the log has been closed.
func (l *Log) Push(item datatypes.Evidence) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Entry{}, ErrClosed
	}

	if item.EventType == datatypes.EventEvidence {
		l.nextID++
		item.ID = l.nextID
	} else {
		item.ID = 0
	}
	item.CreatedAt = l.now().UTC()

	l.items = append(l.items, item)
	offset := len(l.items) - 1

	close(l.notify)
	l.notify = make(chan struct{})

	return Entry{Offset: offset, Evidence: item}, nil
}

// Attach returns a reader positioned at the start of the log.
func (l *Log) Attach() *Reader {
	return l.AttachFrom(0)
}

// AttachFrom returns a reader whose first item is at offset. Offsets
// outside the log are clamped.
func (l *Log) AttachFrom(offset int) *Reader {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	if offset > len(l.items) {
		offset = len(l.items)
	}
	return &Reader{log: l, cursor: offset}
}

// Len returns the number of items pushed so far.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Items returns a copy of every item pushed so far.
func (l *Log) Items() []datatypes.Evidence {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]datatypes.Evidence(nil), l.items...)
}

// Close stops the log. Readers drain the remaining backlog and then
// receive ErrClosed. Close is idempotent.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.notify)
}

// Closed reports whether Close has been called.
func (l *Log) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Reader is an independent cursor over a Log.
type Reader struct {
	log    *Log
	cursor int
}

// Next blocks until the item after the cursor exists and returns it.
//
// # Outputs
//
//   - Entry: The next item in push order.
//   - error: ctx.Err() if ctx ends first, ErrClosed once the log is
//     closed and fully drained.
func (r *Reader) Next(ctx context.Context) (Entry, error) {
	for {
		r.log.mu.Lock()
		if r.cursor < len(r.log.items) {
			entry := Entry{Offset: r.cursor, Evidence: r.log.items[r.cursor]}
			r.cursor++
			r.log.mu.Unlock()
			return entry, nil
		}
		if r.log.closed {
			r.log.mu.Unlock()
			return Entry{}, ErrClosed
		}
		wait := r.log.notify
		r.log.mu.Unlock()

		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-wait:
		}
	}
}

// Offset returns the position of the next item the reader will return.
func (r *Reader) Offset() int {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()
	return r.cursor
}
