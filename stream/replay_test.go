package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
		return 0
	}
}

func TestReplayLatestOnSubscribe(t *testing.T) {
	r := NewReplay[int]()
	r.Publish(1)
	r.Publish(2)

	ch := r.Subscribe(context.Background())
	assert.Equal(t, 2, recv(t, ch))

	r.Publish(3)
	assert.Equal(t, 3, recv(t, ch))
}

func TestSubscribeBeforeSeed(t *testing.T) {
	r := NewReplay[int]()
	ch := r.Subscribe(context.Background())

	select {
	case v := <-ch:
		t.Fatalf("unexpected value before seed: %v", v)
	case <-time.After(20 * time.Millisecond):
	}

	r.Publish(7)
	assert.Equal(t, 7, recv(t, ch))
}

func TestEqualitySuppression(t *testing.T) {
	r := NewReplay[int](WithEquality[int](func(a, b int) bool { return a == b }))
	ch := r.Subscribe(context.Background())

	r.Publish(1)
	r.Publish(1)
	r.Publish(2)

	assert.Equal(t, 1, recv(t, ch))
	assert.Equal(t, 2, recv(t, ch))
}

func TestSameSequenceForAllSubscribers(t *testing.T) {
	r := NewReplay[int]()
	a := r.Subscribe(context.Background())
	b := r.Subscribe(context.Background())

	for i := 1; i <= 3; i++ {
		r.Publish(i)
	}

	for i := 1; i <= 3; i++ {
		assert.Equal(t, i, recv(t, a))
		assert.Equal(t, i, recv(t, b))
	}
}

func TestLaggingSubscriberKeepsLatest(t *testing.T) {
	r := NewReplay[int](WithBuffer[int](1))
	ch := r.Subscribe(context.Background())

	// Never drained: intermediate values may drop but the latest must win.
	for i := 1; i <= 100; i++ {
		r.Publish(i)
	}

	var last int
	for {
		select {
		case v := <-ch:
			last = v
			continue
		default:
		}
		break
	}
	assert.Equal(t, 100, last)
}

func TestCloseTerminatesSubscribers(t *testing.T) {
	r := NewReplay[int]()
	ch := r.Subscribe(context.Background())
	r.Publish(1)
	r.Close()

	assert.Equal(t, 1, recv(t, ch))
	_, open := <-ch
	assert.False(t, open, "channel must close on Close")

	// Publishing after close is a no-op.
	r.Publish(2)

	// Subscribing after close yields a closed channel.
	ch2 := r.Subscribe(context.Background())
	_, open = <-ch2
	assert.False(t, open)
}

func TestContextCancelUnsubscribes(t *testing.T) {
	r := NewReplay[int]()
	ctx, cancel := context.WithCancel(context.Background())
	ch := r.Subscribe(ctx)
	require.Equal(t, 1, r.SubscriberCount())

	cancel()
	require.Eventually(t, func() bool {
		return r.SubscriberCount() == 0
	}, time.Second, 5*time.Millisecond)

	for range ch {
	}
}
