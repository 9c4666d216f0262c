// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/glassscore/services/evaluator/datatypes"
	"github.com/AleutianAI/glassscore/services/evaluator/session"
)

func openTestArchive(t *testing.T) *SessionArchive {
	t.Helper()
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSessionArchive(db)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpen_Persistent(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	db, err := Open(cfg)
	require.NoError(t, err)
	assert.False(t, db.InMemory())
	require.NoError(t, db.Close())
}

func TestSessionArchive_SaveLoad(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	snapshot := datatypes.Session{
		SessionID:    "abc",
		EvidenceList: []datatypes.Evidence{datatypes.NewEvidence(5, "d", "c", "s")},
		TotalScore:   5,
	}
	require.NoError(t, a.Save(ctx, snapshot))

	snapshot.TotalScore = 7
	require.NoError(t, a.Save(ctx, snapshot))

	got, err := a.Load(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, 7, got.TotalScore)
	require.Len(t, got.EvidenceList, 1)
	assert.Equal(t, "d", got.EvidenceList[0].Description)
}

func TestSessionArchive_LoadMissing(t *testing.T) {
	a := openTestArchive(t)
	_, err := a.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestSessionArchive_SaveRequiresID(t *testing.T) {
	a := openTestArchive(t)
	assert.Error(t, a.Save(context.Background(), datatypes.Session{}))
}

func TestSessionArchive_DeleteAndList(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, a.Save(ctx, datatypes.Session{SessionID: id}))
	}
	require.NoError(t, a.Delete(ctx, "b"))
	require.NoError(t, a.Delete(ctx, "missing"))

	ids, err := a.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
}

func TestSessionArchive_CancelledContext(t *testing.T) {
	a := openTestArchive(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, a.Save(ctx, datatypes.Session{SessionID: "x"}))
}

func TestSessionArchive_WithStore(t *testing.T) {
	a := openTestArchive(t)
	store := session.NewStore(session.WithArchive(a))

	created := store.Create()
	_, err := store.AttachContent(created.SessionID, datatypes.TextContent{Key: "k", Text: "t"})
	require.NoError(t, err)

	archived, err := store.Archived(context.Background(), created.SessionID)
	require.NoError(t, err)
	require.Len(t, archived.TextContents, 1)
	assert.Equal(t, "k", archived.TextContents[0].Key)
}
