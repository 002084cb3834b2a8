package pubsub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_replaysCurrent(t *testing.T) {
	b := NewWithValue(false, 4)

	ch, cancel := b.Subscribe()
	defer cancel()

	assert.False(t, <-ch)
	b.Publish(true)
	assert.True(t, <-ch)

	v, ok := b.Current()
	assert.True(t, ok)
	assert.True(t, v)
}

func TestBroadcaster_noInitialValue(t *testing.T) {
	b := New[int](4)

	_, ok := b.Current()
	assert.False(t, ok)

	ch, cancel := b.Subscribe()
	defer cancel()
	assert.Len(t, ch, 0)

	b.Publish(7)
	assert.Equal(t, 7, <-ch)
}

func TestBroadcaster_slowSubscriberKeepsNewest(t *testing.T) {
	b := New[int](2)
	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 1; i <= 10; i++ {
		b.Publish(i)
	}

	require.Len(t, ch, 2)
	assert.Equal(t, 9, <-ch)
	assert.Equal(t, 10, <-ch)
}

func TestBroadcaster_cancel(t *testing.T) {
	b := New[string](1)
	ch, cancel := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, b.Subscribers())

	b.Publish("after cancel")
}

func TestBroadcaster_close(t *testing.T) {
	b := New[int](1)
	ch, cancel := b.Subscribe()

	b.Close()
	_, open := <-ch
	assert.False(t, open)

	cancel()
	b.Publish(1)

	late, _ := b.Subscribe()
	_, open = <-late
	assert.False(t, open)
}

func TestBroadcaster_concurrentPublish(t *testing.T) {
	b := New[int](DefaultBuffer)
	ch, cancel := b.Subscribe()
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(n*100 + j)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, len(ch), DefaultBuffer)
	_, ok := b.Current()
	assert.True(t, ok)
}
