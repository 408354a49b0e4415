package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/davideshay/groceries/pkg/errors"
	"github.com/davideshay/groceries/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store, err := Open(filepath.Join(t.TempDir(), "replica.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func itemDocument(id string, body string) *domain.Document {
	return &domain.Document{
		ID:        id,
		Type:      domain.DocTypeItem,
		UpdatedAt: time.Now().UTC(),
		Body:      json.RawMessage(body),
	}
}

func TestPut_NewDocumentGetsFirstGeneration(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rev, err := store.Put(ctx, itemDocument("item:milk", `{"name":"Milk","quantity":3}`))

	require.NoError(t, err)
	assert.Equal(t, 1, domain.RevGeneration(rev))

	got, err := store.Get(ctx, "item:milk")
	require.NoError(t, err)
	assert.Equal(t, rev, got.Rev)
	assert.JSONEq(t, `{"name":"Milk","quantity":3}`, string(got.Body))
}

func TestPut_StaleRevConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := itemDocument("item:milk", `{"name":"Milk","quantity":3}`)
	_, err := store.Put(ctx, doc)
	require.NoError(t, err)

	stale := itemDocument("item:milk", `{"name":"Milk","quantity":9}`)
	stale.Rev = "1-0000000000000000"
	_, err = store.Put(ctx, stale)

	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestPut_UpdateAdvancesGeneration(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := itemDocument("item:milk", `{"name":"Milk","quantity":3}`)
	rev1, err := store.Put(ctx, doc)
	require.NoError(t, err)

	doc.Body = json.RawMessage(`{"name":"Milk","quantity":5}`)
	rev2, err := store.Put(ctx, doc)
	require.NoError(t, err)

	assert.NotEqual(t, rev1, rev2)
	assert.Equal(t, 2, domain.RevGeneration(rev2))
}

func TestDelete_WritesTombstone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rev, err := store.Put(ctx, itemDocument("item:milk", `{"name":"Milk"}`))
	require.NoError(t, err)

	_, err = store.Delete(ctx, "item:milk", rev)
	require.NoError(t, err)

	got, err := store.Get(ctx, "item:milk")
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	all, err := store.AllDocs(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDirtyDocs_TracksPendingPush(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rev, err := store.Put(ctx, itemDocument("item:milk", `{"name":"Milk"}`))
	require.NoError(t, err)

	dirty, err := store.DirtyDocs(ctx)
	require.NoError(t, err)
	require.Len(t, dirty, 1)

	require.NoError(t, store.MarkClean(ctx, "item:milk", rev))

	dirty, err = store.DirtyDocs(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

func TestMarkClean_SkipsNewerEdit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := itemDocument("item:milk", `{"name":"Milk","quantity":3}`)
	rev1, err := store.Put(ctx, doc)
	require.NoError(t, err)

	// Edit lands while the push of rev1 is in flight.
	doc.Body = json.RawMessage(`{"name":"Milk","quantity":5}`)
	_, err = store.Put(ctx, doc)
	require.NoError(t, err)

	require.NoError(t, store.MarkClean(ctx, "item:milk", rev1))

	dirty, err := store.DirtyDocs(ctx)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
}

func TestApplyRemote_AppliesAndClearsDirty(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	remote := itemDocument("item:milk", `{"name":"Milk","quantity":5}`)
	remote.Rev = "3-aaaaaaaaaaaaaaaa"

	applied, err := store.ApplyRemote(ctx, []domain.Document{*remote})
	require.NoError(t, err)
	require.Len(t, applied, 1)

	got, err := store.Get(ctx, "item:milk")
	require.NoError(t, err)
	assert.Equal(t, remote.Rev, got.Rev)

	dirty, err := store.DirtyDocs(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

func TestApplyRemote_SkipsPendingLocalEdit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	localRev, err := store.Put(ctx, itemDocument("item:milk", `{"name":"Milk","quantity":3}`))
	require.NoError(t, err)

	remote := itemDocument("item:milk", `{"name":"Milk","quantity":5}`)
	remote.Rev = "2-bbbbbbbbbbbbbbbb"

	applied, err := store.ApplyRemote(ctx, []domain.Document{*remote})
	require.NoError(t, err)
	assert.Empty(t, applied)

	got, err := store.Get(ctx, "item:milk")
	require.NoError(t, err)
	assert.Equal(t, localRev, got.Rev)
}

func TestApplyRemote_SameRevIsNoop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	remote := itemDocument("item:milk", `{"name":"Milk"}`)
	remote.Rev = "1-cccccccccccccccc"

	applied, err := store.ApplyRemote(ctx, []domain.Document{*remote})
	require.NoError(t, err)
	require.Len(t, applied, 1)

	applied, err = store.ApplyRemote(ctx, []domain.Document{*remote})
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestMeta_RoundTripAndCursor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	value, err := store.GetMeta(ctx, MetaDeviceUUID)
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, store.SetMeta(ctx, MetaDeviceUUID, "device-1"))
	value, err = store.GetMeta(ctx, MetaDeviceUUID)
	require.NoError(t, err)
	assert.Equal(t, "device-1", value)

	cursor, err := store.Cursor(ctx)
	require.NoError(t, err)
	assert.Zero(t, cursor)

	require.NoError(t, store.SetCursor(ctx, 42))
	cursor, err = store.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), cursor)
}

func TestSubscribe_ReceivesLocalAndRemoteWrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ch, cancel := store.Subscribe()
	defer cancel()

	_, err := store.Put(ctx, itemDocument("item:milk", `{"name":"Milk"}`))
	require.NoError(t, err)

	select {
	case batch := <-ch:
		require.Len(t, batch, 1)
		assert.Equal(t, "item:milk", batch[0].ID)
	case <-time.After(time.Second):
		t.Fatal("no change batch received for local write")
	}

	remote := itemDocument("item:eggs", `{"name":"Eggs"}`)
	remote.Rev = "1-dddddddddddddddd"
	_, err = store.ApplyRemote(ctx, []domain.Document{*remote})
	require.NoError(t, err)

	select {
	case batch := <-ch:
		require.Len(t, batch, 1)
		assert.Equal(t, "item:eggs", batch[0].ID)
	case <-time.After(time.Second):
		t.Fatal("no change batch received for replicated write")
	}
}

func TestSubscribe_SlowConsumerLosesNoChanges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ch, cancel := store.Subscribe()
	defer cancel()

	// Write far more batches than the subscriber channel can buffer
	// before draining anything.
	const writes = 40
	for i := 0; i < writes; i++ {
		id := fmt.Sprintf("item:bulk-%02d", i)
		_, err := store.Put(ctx, itemDocument(id, `{"name":"Bulk"}`))
		require.NoError(t, err)
	}

	seen := make(map[string]bool)
	for len(seen) < writes {
		select {
		case batch := <-ch:
			for _, doc := range batch {
				seen[doc.ID] = true
			}
		case <-time.After(time.Second):
			t.Fatalf("drained only %d of %d written documents", len(seen), writes)
		}
	}
	for i := 0; i < writes; i++ {
		assert.True(t, seen[fmt.Sprintf("item:bulk-%02d", i)])
	}
}

func TestSubscribe_CancelClosesChannel(t *testing.T) {
	store := newTestStore(t)

	ch, cancel := store.Subscribe()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Cancel is safe to call again.
	cancel()
}

func TestDestroy_RemovesFiles(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	path := filepath.Join(t.TempDir(), "replica.db")
	store, err := Open(path, logger)
	require.NoError(t, err)

	_, err = store.Put(context.Background(), itemDocument("item:milk", `{"name":"Milk"}`))
	require.NoError(t, err)

	require.NoError(t, store.Destroy())

	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
