package bridge

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/go-fmbridge/internal/metrics"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestBusBroadcastsToEveryListener(t *testing.T) {
	b := New()
	var got1, got2 []string
	b.AddListener("chunk", func(ev Event) { got1 = append(got1, ev.SessionID) })
	b.AddListener("chunk", func(ev Event) { got2 = append(got2, ev.SessionID) })
	b.AddListener("error", func(ev Event) { t.Fatalf("error listener got %v", ev) })

	n := b.Emit(Event{Name: "chunk", SessionID: "a"})
	b.Emit(Event{Name: "chunk", SessionID: "b"})

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, got1)
	assert.Equal(t, []string{"a", "b"}, got2)
}

func TestBusDropsWithoutListener(t *testing.T) {
	b := New()
	before := counterValue(t, metrics.EventsDroppedTotal.WithLabelValues("lonely", metrics.DropNoListener))

	assert.Equal(t, 0, b.Emit(Event{Name: "lonely", SessionID: "x"}))
	assert.Equal(t, before+1, counterValue(t, metrics.EventsDroppedTotal.WithLabelValues("lonely", metrics.DropNoListener)))
}

func TestSubscriptionRemove(t *testing.T) {
	b := New()
	calls := 0
	sub := b.AddListener("chunk", func(Event) { calls++ })
	require.Equal(t, 1, b.ListenerCount("chunk"))

	b.Emit(Event{Name: "chunk"})
	sub.Remove()
	sub.Remove()
	b.Emit(Event{Name: "chunk"})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.ListenerCount("chunk"))
}

func TestBusListenerMayRemoveItselfDuringEmit(t *testing.T) {
	b := New()
	var sub *Subscription
	calls := 0
	sub = b.AddListener("chunk", func(Event) {
		calls++
		sub.Remove()
	})

	b.Emit(Event{Name: "chunk"})
	b.Emit(Event{Name: "chunk"})
	assert.Equal(t, 1, calls)
}

func TestBusPreservesPerEmitterOrder(t *testing.T) {
	b := New()
	var (
		mu  sync.Mutex
		got = map[string][]int{}
	)
	b.AddListener("chunk", func(ev Event) {
		mu.Lock()
		got[ev.SessionID] = append(got[ev.SessionID], ev.Payload.(int))
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Emit(Event{Name: "chunk", SessionID: id, Payload: i})
			}
		}(id)
	}
	wg.Wait()

	for _, id := range []string{"a", "b", "c"} {
		require.Len(t, got[id], 100)
		for i, v := range got[id] {
			assert.Equal(t, i, v)
		}
	}
}
