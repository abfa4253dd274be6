package commlog

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_AppendAndEntries(t *testing.T) {
	l := New(10)

	l.Append(EventVehicleRegistration, "A", "registered")
	l.Append(EventLocationUpdate, "A", "moved")

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, EventVehicleRegistration, entries[0].EventType)
	assert.Equal(t, EventLocationUpdate, entries[1].EventType)
	assert.Equal(t, "A", entries[1].EntityID)
}

func TestLog_NeverExceedsCapacity(t *testing.T) {
	l := New(0)
	require.Equal(t, DefaultCapacity, l.Capacity())

	for i := 0; i < 2500; i++ {
		l.Append("event", fmt.Sprintf("V%d", i), "msg")
		require.LessOrEqual(t, l.Len(), DefaultCapacity)
	}

	entries := l.Entries()
	require.Len(t, entries, DefaultCapacity)
	// Oldest entries were evicted first.
	assert.Equal(t, "V1500", entries[0].EntityID)
	assert.Equal(t, "V2499", entries[len(entries)-1].EntityID)
}

func TestLog_Last(t *testing.T) {
	l := New(5)
	for i := 0; i < 7; i++ {
		l.Append("event", fmt.Sprintf("V%d", i), "")
	}

	last := l.Last(2)
	require.Len(t, last, 2)
	assert.Equal(t, "V5", last[0].EntityID)
	assert.Equal(t, "V6", last[1].EntityID)

	assert.Len(t, l.Last(100), 5)
	assert.Len(t, l.Last(-1), 5)
}

func TestLog_Query(t *testing.T) {
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	now := base
	l := New(10).WithClock(func() time.Time { return now })

	l.Append(EventVehicleRegistration, "AMB-1", "")
	now = base.Add(time.Minute)
	l.Append(EventVehicleRegistration, "CAR-1", "")
	now = base.Add(2 * time.Minute)
	l.Append(EventPriorityRequest, "AMB-1", "")

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 3},
		{"by event type", Filter{EventType: EventVehicleRegistration}, 2},
		{"by entity glob", Filter{Entity: "AMB-*"}, 2},
		{"combined", Filter{EventType: EventPriorityRequest, Entity: "AMB-*"}, 1},
		{"since", Filter{Since: base.Add(time.Minute)}, 2},
		{"no match", Filter{Entity: "BUS-*"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Query(tt.filter)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestLog_QueryRejectsBadPattern(t *testing.T) {
	l := New(10)
	_, err := l.Query(Filter{Entity: "AMB-["})
	assert.Error(t, err)
}

func TestLog_Subscribe(t *testing.T) {
	l := New(10)
	ch, cancel := l.Subscribe(4)

	l.Append(EventAlertBroadcast, SystemEntity, "hazard alert sent to 2 vehicles")

	select {
	case e := <-ch:
		assert.Equal(t, EventAlertBroadcast, e.EventType)
	case <-time.After(time.Second):
		t.Fatal("expected entry on subscription")
	}

	cancel()
	cancel() // idempotent
	_, open := <-ch
	assert.False(t, open)

	// Appending after cancel must not panic.
	l.Append("event", "x", "")
}

func TestLog_SlowSubscriberDoesNotBlock(t *testing.T) {
	l := New(100)
	_, cancel := l.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			l.Append("event", "x", "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("append blocked on a full subscriber")
	}
	assert.Equal(t, 50, l.Len())
}

func TestLog_ConcurrentAppend(t *testing.T) {
	l := New(DefaultCapacity)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 300; i++ {
				l.Append("event", fmt.Sprintf("W%d", w), "")
				_ = l.Entries()
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, DefaultCapacity, l.Len())
}
