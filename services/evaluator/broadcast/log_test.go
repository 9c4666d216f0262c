// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/glassscore/services/evaluator/datatypes"
)

func drain(t *testing.T, r *Reader, n int) []datatypes.Evidence {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := make([]datatypes.Evidence, 0, n)
	for i := 0; i < n; i++ {
		entry, err := r.Next(ctx)
		require.NoError(t, err)
		out = append(out, entry.Evidence)
	}
	return out
}

func TestPush_AssignsMonotonicIDs(t *testing.T) {
	l := NewLog()

	start, err := l.Push(datatypes.NewMarker(datatypes.EventEvaluationStart))
	require.NoError(t, err)
	first, err := l.Push(datatypes.NewEvidence(50, "a", "", "model"))
	require.NoError(t, err)
	second, err := l.Push(datatypes.NewEvidence(-5, "b", "", "text"))
	require.NoError(t, err)

	assert.Equal(t, int64(0), start.Evidence.ID)
	assert.Equal(t, int64(1), first.Evidence.ID)
	assert.Equal(t, int64(2), second.Evidence.ID)
	assert.Equal(t, 2, second.Offset)
	assert.False(t, second.Evidence.CreatedAt.IsZero())
}

func TestPush_MarkerIDIsAlwaysZero(t *testing.T) {
	l := NewLog()
	marker := datatypes.NewMarker(datatypes.EventEvaluationComplete)
	marker.ID = 99

	entry, err := l.Push(marker)
	require.NoError(t, err)
	assert.Equal(t, int64(0), entry.Evidence.ID)
}

func TestPush_NeverBlocksWithoutReaders(t *testing.T) {
	l := NewLog()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			_, _ = l.Push(datatypes.NewEvidence(1, "x", "", "s"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("push blocked")
	}
	assert.Equal(t, 10000, l.Len())
}

func TestAttach_LateReaderReplaysBacklog(t *testing.T) {
	l := NewLog()
	for i := 0; i < 3; i++ {
		_, err := l.Push(datatypes.NewEvidence(i, "x", "", "s"))
		require.NoError(t, err)
	}

	early := l.Attach()
	got := drain(t, early, 3)

	late := l.Attach()
	replay := drain(t, late, 3)

	assert.Equal(t, got, replay)
}

func TestReaders_ObserveIdenticalOrder(t *testing.T) {
	l := NewLog()
	const total = 200

	readers := []*Reader{l.Attach(), l.Attach(), l.Attach()}
	results := make([][]datatypes.Evidence, len(readers))

	var wg sync.WaitGroup
	for i, r := range readers {
		wg.Add(1)
		go func(i int, r *Reader) {
			defer wg.Done()
			results[i] = drain(t, r, total)
		}(i, r)
	}

	var pushers sync.WaitGroup
	for p := 0; p < 4; p++ {
		pushers.Add(1)
		go func() {
			defer pushers.Done()
			for i := 0; i < total/4; i++ {
				_, _ = l.Push(datatypes.NewEvidence(i, "x", "", "s"))
			}
		}()
	}
	pushers.Wait()
	wg.Wait()

	for i := 1; i < len(results); i++ {
		assert.Equal(t, results[0], results[i])
	}
	for i, e := range results[0] {
		assert.Equal(t, int64(i+1), e.ID)
	}
}

func TestNext_WakesOnLivePush(t *testing.T) {
	l := NewLog()
	r := l.Attach()

	got := make(chan Entry, 1)
	go func() {
		entry, err := r.Next(context.Background())
		if err == nil {
			got <- entry
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := l.Push(datatypes.NewEvidence(2, "live", "", "s"))
	require.NoError(t, err)

	select {
	case entry := <-got:
		assert.Equal(t, "live", entry.Evidence.Description)
	case <-time.After(2 * time.Second):
		t.Fatal("reader was not woken")
	}
}

func TestNext_ContextCancel(t *testing.T) {
	l := NewLog()
	r := l.Attach()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Next(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestClose_DrainsThenErrClosed(t *testing.T) {
	l := NewLog()
	_, err := l.Push(datatypes.NewEvidence(1, "x", "", "s"))
	require.NoError(t, err)

	r := l.Attach()
	l.Close()
	l.Close()

	entry, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Evidence.ID)

	_, err = r.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	_, err = l.Push(datatypes.NewEvidence(1, "y", "", "s"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, l.Closed())
}

func TestClose_WakesBlockedReader(t *testing.T) {
	l := NewLog()
	r := l.Attach()

	errs := make(chan error, 1)
	go func() {
		_, err := r.Next(context.Background())
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	l.Close()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("reader was not released by close")
	}
}

func TestAttachFrom_ClampsOffset(t *testing.T) {
	l := NewLog()
	for i := 0; i < 3; i++ {
		_, _ = l.Push(datatypes.NewEvidence(i, "x", "", "s"))
	}

	assert.Equal(t, 0, l.AttachFrom(-4).Offset())
	assert.Equal(t, 3, l.AttachFrom(10).Offset())

	r := l.AttachFrom(2)
	got := drain(t, r, 1)
	assert.Equal(t, int64(3), got[0].ID)
}
