package eventbus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imbus/internal/metrics"
)

func TestPublishFiltersByType(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	states, unsubStates := b.Subscribe(4, TypeBusState)
	defer unsubStates()

	b.Publish(Event{Type: TypeChannelsChanged, Data: "a"})
	b.Publish(Event{Type: TypeBusState, Data: "b"})

	e := <-all
	assert.Equal(t, TypeChannelsChanged, e.Type)
	assert.False(t, e.Time.IsZero())
	assert.Equal(t, TypeBusState, (<-all).Type)

	select {
	case e := <-states:
		assert.Equal(t, "b", e.Data)
	case <-time.After(time.Second):
		t.Fatal("expected state event")
	}
	assert.Len(t, states, 0)
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1, "test.drop")
	defer unsub()

	before := testutil.ToFloat64(metrics.EventDropsTotal.WithLabelValues("test.drop"))
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "test.drop"})
	}
	after := testutil.ToFloat64(metrics.EventDropsTotal.WithLabelValues("test.drop"))
	assert.Equal(t, before+4, after)
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TypeBusState})
}
