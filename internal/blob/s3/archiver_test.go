package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/chainbot/internal/domain"
)

type fakeWriter struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{objects: make(map[string][]byte)}
}

func (w *fakeWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.objects[path] = body
	return nil
}

type fakeTradeStore struct {
	trades  []domain.Trade
	deleted []time.Time
	listErr error
}

func (s *fakeTradeStore) Insert(context.Context, domain.Trade) error { return nil }
func (s *fakeTradeStore) ListRecent(context.Context, int) ([]domain.Trade, error) {
	return nil, nil
}

func (s *fakeTradeStore) ListBefore(_ context.Context, before time.Time) ([]domain.Trade, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.Trade
	for _, t := range s.trades {
		if t.ClosedAt.Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeTradeStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	s.deleted = append(s.deleted, before)
	var kept []domain.Trade
	var n int64
	for _, t := range s.trades {
		if t.ClosedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, t)
	}
	s.trades = kept
	return n, nil
}

func (s *fakeTradeStore) Count(context.Context) (int64, error) {
	return int64(len(s.trades)), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func tradeClosedAt(id string, closedAt time.Time) domain.Trade {
	return domain.Trade{
		ID:          id,
		AssetSymbol: "WETH",
		Chain:       "ethereum",
		Amount:      100,
		Status:      domain.TradeCompleted,
		OpenedAt:    closedAt.Add(-time.Hour),
		ClosedAt:    closedAt,
		CloseReason: domain.CloseTakeProfit,
	}
}

func fixedNow() time.Time {
	return time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC)
}

func TestArchiver_ArchivesAndPrunesOldTrades(t *testing.T) {
	w := newFakeWriter()
	store := &fakeTradeStore{
		trades: []domain.Trade{
			tradeClosedAt("old-jul", time.Date(2025, 7, 20, 3, 0, 0, 0, time.UTC)),
			tradeClosedAt("old-aug", time.Date(2025, 8, 2, 9, 0, 0, 0, time.UTC)),
			tradeClosedAt("fresh", time.Date(2025, 9, 14, 0, 0, 0, 0, time.UTC)),
		},
	}

	a := NewArchiver(w, store, 30, testLogger())
	a.now = fixedNow

	archived, err := a.ArchiveClosedTrades(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, archived)

	// One object per close month, both stamped with the same batch time.
	require.Len(t, w.objects, 2)
	var paths []string
	for p := range w.objects {
		paths = append(paths, p)
	}
	assert.Condition(t, func() bool {
		var jul, aug bool
		for _, p := range paths {
			jul = jul || strings.HasPrefix(p, "archive/trades/2025-07/")
			aug = aug || strings.HasPrefix(p, "archive/trades/2025-08/")
		}
		return jul && aug
	})

	// The fresh trade survives the prune.
	require.Len(t, store.trades, 1)
	assert.Equal(t, "fresh", store.trades[0].ID)
}

func TestArchiver_JSONLBodyRoundTrips(t *testing.T) {
	w := newFakeWriter()
	closed := time.Date(2025, 8, 2, 9, 0, 0, 0, time.UTC)
	store := &fakeTradeStore{
		trades: []domain.Trade{
			tradeClosedAt("t-1", closed),
			tradeClosedAt("t-2", closed.Add(time.Hour)),
		},
	}

	a := NewArchiver(w, store, 30, testLogger())
	a.now = fixedNow

	_, err := a.ArchiveClosedTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, w.objects, 1)

	for _, body := range w.objects {
		sc := bufio.NewScanner(bytes.NewReader(body))
		var ids []string
		for sc.Scan() {
			var tr domain.Trade
			require.NoError(t, json.Unmarshal(sc.Bytes(), &tr))
			ids = append(ids, tr.ID)
		}
		require.NoError(t, sc.Err())
		assert.Equal(t, []string{"t-1", "t-2"}, ids)
	}
}

func TestArchiver_NothingToArchive(t *testing.T) {
	w := newFakeWriter()
	store := &fakeTradeStore{
		trades: []domain.Trade{
			tradeClosedAt("fresh", time.Date(2025, 9, 14, 0, 0, 0, 0, time.UTC)),
		},
	}

	a := NewArchiver(w, store, 30, testLogger())
	a.now = fixedNow

	archived, err := a.ArchiveClosedTrades(context.Background())
	require.NoError(t, err)
	assert.Zero(t, archived)
	assert.Empty(t, w.objects)
	assert.Empty(t, store.deleted)
}

func TestArchiver_UploadFailureSkipsPrune(t *testing.T) {
	w := newFakeWriter()
	w.err = errors.New("bucket unavailable")
	store := &fakeTradeStore{
		trades: []domain.Trade{
			tradeClosedAt("old", time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)),
		},
	}

	a := NewArchiver(w, store, 30, testLogger())
	a.now = fixedNow

	_, err := a.ArchiveClosedTrades(context.Background())
	require.Error(t, err)
	assert.Empty(t, store.deleted)
	require.Len(t, store.trades, 1)
}

func TestArchiver_RunLoopStopsOnCancel(t *testing.T) {
	w := newFakeWriter()
	store := &fakeTradeStore{}
	a := NewArchiver(w, store, 30, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.RunLoop(ctx, time.Hour)
	}()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop")
	}
}
