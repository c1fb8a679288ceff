package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/torque/internal/engine"
)

func TestBroadcaster_DropOldest(t *testing.T) {
	b := NewBroadcaster(2)
	slow := b.Subscribe()
	for seq := int64(1); seq <= 5; seq++ {
		b.Publish(engine.Notification{Seq: seq})
	}
	b.Close()

	var got []int64
	for n := range slow.C {
		got = append(got, n.Seq)
	}
	assert.Equal(t, []int64{4, 5}, got, "the newest notifications survive")
	assert.Equal(t, uint64(3), slow.Dropped())
}

func TestBroadcaster_FanOutInOrder(t *testing.T) {
	b := NewBroadcaster(8)
	a, c := b.Subscribe(), b.Subscribe()
	require.Equal(t, 2, b.Len())

	for seq := int64(1); seq <= 3; seq++ {
		b.Publish(engine.Notification{Seq: seq})
	}
	for _, s := range []*Subscription{a, c} {
		for want := int64(1); want <= 3; want++ {
			assert.Equal(t, want, (<-s.C).Seq)
		}
	}
}

func TestBroadcaster_UnsubscribeAndLateSubscribe(t *testing.T) {
	b := NewBroadcaster(0)
	s := b.Subscribe()
	s.Close()
	s.Close()
	_, open := <-s.C
	assert.False(t, open)
	assert.Zero(t, b.Len())

	b.Publish(engine.Notification{Seq: 1}) // no subscribers, no panic

	late := b.Subscribe()
	b.Publish(engine.Notification{Seq: 2})
	assert.Equal(t, int64(2), (<-late.C).Seq, "no replay of earlier notifications")

	b.Close()
	b.Close()
	closed := b.Subscribe()
	_, open = <-closed.C
	assert.False(t, open)
}
