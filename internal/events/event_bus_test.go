package events_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/events"
	"github.com/atlas-desktop/trading-agent/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newBus(cfg events.Config) *events.EventBus {
	return events.NewEventBus(zap.NewNop(), cfg, metrics.New())
}

func drain(sub *events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-sub.C():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestPublishAssignsSequence(t *testing.T) {
	bus := newBus(events.DefaultConfig())
	sub := bus.Subscribe(events.SubscriptionOptions{})
	defer sub.Unsubscribe()

	first := bus.Publish(events.Event{Message: "one"})
	second := bus.Publish(events.Event{Level: events.LevelError, Message: "two"})

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, events.LevelInfo, first.Level)
	assert.False(t, first.Timestamp.IsZero())

	got := drain(sub)
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Message)
	assert.Equal(t, "two", got[1].Message)
}

func TestSubscribersSeeSameOrder(t *testing.T) {
	bus := newBus(events.Config{SubscriberBuffer: 1000})
	a := bus.Subscribe(events.SubscriptionOptions{})
	b := bus.Subscribe(events.SubscriptionOptions{})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Publish(events.Event{Message: fmt.Sprintf("w%d-%d", w, i)})
			}
		}(w)
	}
	wg.Wait()

	ga, gb := drain(a), drain(b)
	require.Len(t, ga, 200)
	require.Len(t, gb, 200)
	for i := range ga {
		assert.Equal(t, ga[i].Seq, gb[i].Seq)
		if i > 0 {
			assert.Greater(t, ga[i].Seq, ga[i-1].Seq)
		}
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := newBus(events.Config{SubscriberBuffer: 3})
	slow := bus.Subscribe(events.SubscriptionOptions{})

	for i := 1; i <= 5; i++ {
		bus.Publish(events.Event{Message: fmt.Sprintf("m%d", i)})
	}

	got := drain(slow)
	require.Len(t, got, 3)
	assert.Equal(t, "m3", got[0].Message)
	assert.Equal(t, "m5", got[2].Message)
	assert.Equal(t, int64(2), slow.Dropped())
	assert.Equal(t, int64(2), bus.Stats().EventsDropped)
}

func TestPublishDoesNotBlockOnStalledSubscriber(t *testing.T) {
	bus := newBus(events.Config{SubscriberBuffer: 1})
	_ = bus.Subscribe(events.SubscriptionOptions{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(events.Event{Message: "tick"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a stalled subscriber")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := newBus(events.DefaultConfig())
	sub := bus.Subscribe(events.SubscriptionOptions{})

	sub.Unsubscribe()
	sub.Close()
	assert.False(t, sub.IsActive())

	_, ok := <-sub.C()
	assert.False(t, ok, "channel must be closed")

	bus.Publish(events.Event{Message: "after"})
	assert.Equal(t, int64(0), bus.Stats().ActiveSubscribers)
}

func TestRecentAndReplay(t *testing.T) {
	bus := newBus(events.Config{HistorySize: 3})
	for i := 1; i <= 5; i++ {
		bus.Publish(events.Event{Message: fmt.Sprintf("m%d", i)})
	}

	recent := bus.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, "m3", recent[0].Message)
	assert.Equal(t, "m5", recent[2].Message)

	last2 := bus.Recent(2)
	require.Len(t, last2, 2)
	assert.Equal(t, "m4", last2[0].Message)

	sub := bus.Subscribe(events.SubscriptionOptions{Replay: 2})
	defer sub.Close()
	bus.Publish(events.Event{Message: "m6"})

	got := drain(sub)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"m4", "m5", "m6"}, []string{got[0].Message, got[1].Message, got[2].Message})
}

func TestCloseDetachesAll(t *testing.T) {
	bus := newBus(events.DefaultConfig())
	a := bus.Subscribe(events.SubscriptionOptions{})
	b := bus.Subscribe(events.SubscriptionOptions{})

	bus.Close()
	assert.False(t, a.IsActive())
	assert.False(t, b.IsActive())
	assert.Equal(t, int64(0), bus.Stats().ActiveSubscribers)
}
