package eventbus

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantfold/chainbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBus_FanOut(t *testing.T) {
	bus := New(testLogger())
	defer bus.Close()

	var mu sync.Mutex
	got := make(map[int][]domain.EventKind)

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		i := i
		seen := 0
		bus.Subscribe(func(ev domain.Event) {
			mu.Lock()
			got[i] = append(got[i], ev.Kind())
			seen++
			if seen == 2 {
				wg.Done()
			}
			mu.Unlock()
		})
	}

	bus.Publish(domain.CycleStartEvent{Cycle: 1, At: time.Now()})
	bus.Publish(domain.CycleCompleteEvent{Cycle: 1, At: time.Now()})

	waitDone(t, &wg)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 2; i++ {
		require.Equal(t,
			[]domain.EventKind{domain.EventCycleStart, domain.EventCycleComplete},
			got[i], "subscriber %d", i)
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := New(testLogger())
	defer bus.Close()

	var mu sync.Mutex
	var count int
	unsub := bus.Subscribe(func(domain.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(domain.CycleStartEvent{Cycle: 1})
	unsub()
	bus.Publish(domain.CycleStartEvent{Cycle: 2})

	// Give the (now removed) subscriber a moment in case delivery leaked.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, count, 1)
}

func TestBus_CloseDeliversBuffered(t *testing.T) {
	bus := New(testLogger())

	var mu sync.Mutex
	var kinds []domain.EventKind
	bus.Subscribe(func(ev domain.Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind())
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		bus.Publish(domain.CycleStartEvent{Cycle: uint64(i)})
	}
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, kinds, 10)
}

func TestBus_PublishAfterCloseIsNoop(t *testing.T) {
	bus := New(testLogger())
	bus.Close()
	bus.Publish(domain.BotStoppedEvent{Reason: "too_many_errors"})
	require.NotPanics(t, bus.Close)
}

func waitDone(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribers")
	}
}
