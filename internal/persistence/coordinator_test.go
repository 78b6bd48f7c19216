package persistence_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellar/internal/conversation"
	"cellar/internal/domain"
	"cellar/internal/persistence"
)

// spyStore wraps a MemoryStore and records every attempted Put.
type spyStore struct {
	*persistence.MemoryStore
	mu       sync.Mutex
	attempts []conversation.Snapshot
	writes   int
}

func newSpyStore(quota int) *spyStore {
	return &spyStore{MemoryStore: persistence.NewMemoryStore(quota)}
}

func (s *spyStore) Put(ctx context.Context, key string, value []byte) error {
	var snap conversation.Snapshot
	_ = json.Unmarshal(value, &snap)
	err := s.MemoryStore.Put(ctx, key, value)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, snap)
	if err == nil {
		s.writes++
	}
	return err
}

func (s *spyStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *spyStore) stored(t *testing.T, key string) conversation.Snapshot {
	t.Helper()
	data, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	var snap conversation.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	return snap
}

func snapshotWith(n int) conversation.Snapshot {
	opts := conversation.DefaultOptions()
	s := conversation.NewSession("s-1", opts, nil, nil)
	for i := range n {
		s.AddMessage(conversation.RoleUser, conversation.TextContent{Text: fmt.Sprintf("message %d", i)})
	}
	return s.Snapshot()
}

func start(t *testing.T, store *spyStore, cfg persistence.Config) *persistence.Coordinator {
	t.Helper()
	c := persistence.NewCoordinator(store, "s-1", cfg, nil)
	c.Start(context.Background())
	t.Cleanup(c.Close)
	return c
}

func TestCoordinator_DebouncedSavesCoalesce(t *testing.T) {
	store := newSpyStore(0)
	c := start(t, store, persistence.Config{Debounce: 40 * time.Millisecond})

	for i := 1; i <= 5; i++ {
		c.Save(snapshotWith(i), conversation.PersistDebounced)
	}

	assert.Eventually(t, func() bool { return store.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, store.writeCount())
	assert.Len(t, store.stored(t, "s-1").Messages, 5)
}

func TestCoordinator_ImmediateBypassesDebounce(t *testing.T) {
	store := newSpyStore(0)
	c := start(t, store, persistence.Config{Debounce: time.Hour})

	c.Save(snapshotWith(1), conversation.PersistDebounced)
	c.Save(snapshotWith(2), conversation.PersistImmediate)

	assert.Eventually(t, func() bool { return store.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, store.stored(t, "s-1").Messages, 2)

	require.NoError(t, c.Flush(context.Background()))
	assert.Equal(t, 1, store.writeCount(), "the superseded debounced save is not written")
}

func TestCoordinator_FlushAndCloseWritePending(t *testing.T) {
	store := newSpyStore(0)
	c := persistence.NewCoordinator(store, "s-1", persistence.Config{Debounce: time.Hour}, nil)
	c.Start(context.Background())

	c.Save(snapshotWith(3), conversation.PersistDebounced)
	require.NoError(t, c.Flush(context.Background()))
	assert.Equal(t, 1, store.writeCount())

	c.Save(snapshotWith(4), conversation.PersistDebounced)
	c.Close()
	assert.Equal(t, 2, store.writeCount())
	assert.Len(t, store.stored(t, "s-1").Messages, 4)

	c.Save(snapshotWith(5), conversation.PersistImmediate)
	assert.Error(t, c.Flush(context.Background()))
	assert.Equal(t, 2, store.writeCount())
}

func TestCoordinator_StopsWithContext(t *testing.T) {
	store := newSpyStore(0)
	ctx, cancel := context.WithCancel(context.Background())
	c := persistence.NewCoordinator(store, "s-1", persistence.Config{Debounce: time.Hour}, nil)
	c.Start(ctx)

	c.Save(snapshotWith(2), conversation.PersistDebounced)
	require.NoError(t, c.Flush(context.Background()))
	c.Save(snapshotWith(3), conversation.PersistDebounced)
	cancel()
	c.Close()

	assert.Len(t, store.stored(t, "s-1").Messages, 3)
}

func TestCoordinator_QuotaDropsImageBeforeHistory(t *testing.T) {
	snap := snapshotWith(12)
	snap.EnrichmentData = map[string]any{"drinkingWindow": "2026-2040"}
	lean := snap
	snap.ImageData = &conversation.ImageData{Base64: strings.Repeat("A", 20_000), MimeType: "image/jpeg"}

	leanBytes, err := json.Marshal(lean)
	require.NoError(t, err)
	store := newSpyStore(len(leanBytes) + 64)
	c := start(t, store, persistence.Config{})

	c.Save(snap, conversation.PersistImmediate)
	require.NoError(t, c.Flush(context.Background()))

	stored := store.stored(t, "s-1")
	assert.Nil(t, stored.ImageData)
	assert.Len(t, stored.Messages, 12)
	assert.Equal(t, "2026-2040", stored.EnrichmentData["drinkingWindow"])

	require.Len(t, store.attempts, 2)
	assert.NotNil(t, store.attempts[0].ImageData)
	assert.Len(t, store.attempts[1].Messages, 12, "history is intact when the image is dropped")
}

func TestCoordinator_QuotaLadderTruncatesHistory(t *testing.T) {
	snap := snapshotWith(25)
	snap.Phase = conversation.PhaseResultConfirm
	snap.EnrichmentData = map[string]any{"notes": strings.Repeat("x", 500)}
	snap.ImageData = &conversation.ImageData{Base64: strings.Repeat("A", 5_000), MimeType: "image/png"}

	trimmed := snap
	trimmed.ImageData, trimmed.EnrichmentData = nil, nil
	trimmed.Messages = trimmed.Messages[15:]
	trimmedBytes, err := json.Marshal(trimmed)
	require.NoError(t, err)

	store := newSpyStore(len(trimmedBytes) + 16)
	c := start(t, store, persistence.Config{})
	c.Save(snap, conversation.PersistImmediate)
	require.NoError(t, c.Flush(context.Background()))

	stored := store.stored(t, "s-1")
	assert.Nil(t, stored.ImageData)
	assert.Nil(t, stored.EnrichmentData)
	require.Len(t, stored.Messages, 10)
	assert.Equal(t, "message 24", stored.Messages[9].PlainText())
	assert.Equal(t, conversation.PhaseResultConfirm, stored.Phase)
	assert.Equal(t, snap.Version, stored.Version)
	assert.Len(t, store.attempts, 4)
}

func TestCoordinator_QuotaLastResortClearsHistory(t *testing.T) {
	snap := snapshotWith(20)
	snap.Phase = conversation.PhaseAddingBottle
	snap.AddWineStep = conversation.StepBottlePart1
	snap.AddWineState = &conversation.AddWineState{Region: domain.EntityDraft{Name: strings.Repeat("r", 150)}}

	bare := snap
	bare.Messages, bare.AddWineState, bare.AddWineStep = nil, nil, conversation.StepNone
	bareBytes, err := json.Marshal(bare)
	require.NoError(t, err)

	store := newSpyStore(len(bareBytes) + 8)
	c := start(t, store, persistence.Config{})
	c.Save(snap, conversation.PersistImmediate)
	require.NoError(t, c.Flush(context.Background()))

	stored := store.stored(t, "s-1")
	assert.Empty(t, stored.Messages)
	assert.Nil(t, stored.AddWineState)
	assert.Equal(t, conversation.PhaseAddingBottle, stored.Phase)
}

func TestCoordinator_LoadRejectsOtherVersion(t *testing.T) {
	store := newSpyStore(0)
	writer := persistence.NewCoordinator(store, "s-1", persistence.Config{SnapshotVersion: 1}, nil)
	writer.Start(context.Background())
	snap := snapshotWith(2)
	snap.Version = 1
	writer.Save(snap, conversation.PersistImmediate)
	require.NoError(t, writer.Flush(context.Background()))
	writer.Close()

	same := persistence.NewCoordinator(store, "s-1", persistence.Config{SnapshotVersion: 1}, nil)
	got, err := same.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)

	newer := persistence.NewCoordinator(store, "s-1", persistence.Config{SnapshotVersion: 2}, nil)
	got, err = newer.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
	_, err = store.Get(context.Background(), "s-1")
	assert.ErrorIs(t, err, domain.ErrSnapshotNotFound)
}

func TestCoordinator_LoadDiscardsExpiredAndSanitizes(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore(0)
	c := persistence.NewCoordinator(store, "s-1", persistence.Config{Timeout: 30 * time.Minute}, nil)

	old := conversation.Snapshot{Version: 1, Phase: conversation.PhaseResultConfirm, LastActivityAt: time.Now().Add(-2 * time.Hour)}
	data, _ := json.Marshal(old)
	require.NoError(t, store.Put(ctx, "s-1", data))
	got, err := c.Load(ctx)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
	assert.Nil(t, got)
	_, err = store.Get(ctx, "s-1")
	assert.ErrorIs(t, err, domain.ErrSnapshotNotFound, "an expired snapshot is deleted")

	inflight := conversation.Snapshot{Version: 1, Phase: conversation.PhaseIdentifying, LastActivityAt: time.Now()}
	data, _ = json.Marshal(inflight)
	require.NoError(t, store.Put(ctx, "s-1", data))
	got, err = c.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, conversation.PhaseAwaitingInput, got.Phase)

	require.NoError(t, store.Put(ctx, "s-1", []byte("{not json")))
	got, err = c.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, store.Used())

	got, err = c.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCoordinator_AsSessionPersister(t *testing.T) {
	store := newSpyStore(0)
	c := start(t, store, persistence.Config{Debounce: time.Hour})
	s := conversation.NewSession("s-1", conversation.DefaultOptions(), nil, c)

	s.AddMessage(conversation.RoleUser, conversation.TextContent{Text: "opus one 2015"})
	s.RecordIdentification(context.Background(), &domain.IdentificationResult{TierUsed: domain.Tier1, Confidence: 0.9})

	assert.Eventually(t, func() bool { return store.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	stored := store.stored(t, "s-1")
	require.NotNil(t, stored.IdentificationResult)
	assert.Len(t, stored.Messages, 1)
}
