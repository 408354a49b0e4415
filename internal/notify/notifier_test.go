package notify

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/davideshay/groceries/pkg/errors"
	"github.com/davideshay/groceries/internal/domain"
)

type fakeSource struct {
	mu   sync.Mutex
	subs []chan []domain.Document
}

func (f *fakeSource) Subscribe() (<-chan []domain.Document, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan []domain.Document, 4)
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func (f *fakeSource) emit(batch []domain.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- batch
	}
}

func newTestNotifier(source ChangeSource, reload ReloadFunc) *Notifier {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(source, reload, logger)
}

func TestNotifier_ReloadsOnEachBatch(t *testing.T) {
	source := &fakeSource{}
	reloads := make(chan int, 4)
	notifier := newTestNotifier(source, func(ctx context.Context, changed []domain.Document) {
		reloads <- len(changed)
	})

	require.NoError(t, notifier.Start(context.Background()))
	defer notifier.Stop()

	source.emit([]domain.Document{{ID: "item:milk"}, {ID: "item:eggs"}})
	source.emit([]domain.Document{{ID: "item:milk"}})

	select {
	case n := <-reloads:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("first reload never fired")
	}
	select {
	case n := <-reloads:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("second reload never fired")
	}
}

func TestNotifier_SecondStartRejected(t *testing.T) {
	source := &fakeSource{}
	notifier := newTestNotifier(source, func(context.Context, []domain.Document) {})

	require.NoError(t, notifier.Start(context.Background()))
	defer notifier.Stop()

	err := notifier.Start(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestNotifier_StopWithoutStart(t *testing.T) {
	notifier := newTestNotifier(&fakeSource{}, func(context.Context, []domain.Document) {})

	notifier.Stop()
	notifier.Stop()
}

func TestNotifier_RestartAfterStop(t *testing.T) {
	source := &fakeSource{}
	reloads := make(chan struct{}, 1)
	notifier := newTestNotifier(source, func(context.Context, []domain.Document) {
		reloads <- struct{}{}
	})

	require.NoError(t, notifier.Start(context.Background()))
	notifier.Stop()

	require.NoError(t, notifier.Start(context.Background()))
	defer notifier.Stop()

	source.emit([]domain.Document{{ID: "item:milk"}})
	select {
	case <-reloads:
	case <-time.After(time.Second):
		t.Fatal("reload never fired after restart")
	}
}
