package pipeline

import (
	"testing"

	"github.com/pbudner/pulselog/encoding"
	"github.com/pbudner/pulselog/query"
	"github.com/stretchr/testify/require"
)

func batchOf(values ...uint64) []byte {
	var b []byte
	for _, v := range values {
		b = encoding.Width32.Append(b, v)
	}
	return b
}

func TestPublishOnlyReachesLiveSubscribers(t *testing.T) {
	b := NewBroadcaster(encoding.Width32, encoding.Width32, 4)
	live := b.Register()
	idle := b.Register()
	require.Equal(t, 2, b.Len())

	live.Subscribe(7, 0)
	require.Equal(t, 1, b.Live())
	b.Publish(batchOf(100, 105, 230), 0)

	require.Len(t, idle.Outbound(), 0)
	require.Len(t, live.Outbound(), 1)

	resp, err := query.DecodeResponse(<-live.Outbound(), encoding.Width32)
	require.NoError(t, err)
	require.Equal(t, uint32(7), resp.ID)
	require.Equal(t, query.TimestampPush, resp.Kind)
	require.Equal(t, uint64(100), resp.Start)
	require.Equal(t, uint64(230), resp.End)
	require.Equal(t, batchOf(100, 105, 230), resp.Payload)
}

func TestLaterLiveRequestSupersedes(t *testing.T) {
	b := NewBroadcaster(encoding.Width32, encoding.Width32, 4)
	s := b.Register()
	s.Subscribe(1, 0)
	s.Subscribe(2, 0)

	id, live := s.Streaming()
	require.True(t, live)
	require.Equal(t, uint32(2), id)

	b.Publish(batchOf(1), 0)
	resp, err := query.DecodeResponse(<-s.Outbound(), encoding.Width32)
	require.NoError(t, err)
	require.Equal(t, uint32(2), resp.ID)
}

func TestFullQueueDropsPushes(t *testing.T) {
	b := NewBroadcaster(encoding.Width32, encoding.Width32, 2)
	s := b.Register()
	s.Subscribe(1, 0)

	for i := uint64(0); i < 5; i++ {
		b.Publish(batchOf(i), i*4)
	}
	require.Len(t, s.Outbound(), 2)

	// order is preserved for the pushes that made it
	first, err := query.DecodeResponse(<-s.Outbound(), encoding.Width32)
	require.NoError(t, err)
	second, err := query.DecodeResponse(<-s.Outbound(), encoding.Width32)
	require.NoError(t, err)
	require.Equal(t, uint64(0), first.Start)
	require.Equal(t, uint64(1), second.Start)
}

func TestPendingSubscriberHoldsPushes(t *testing.T) {
	b := NewBroadcaster(encoding.Width32, encoding.Width32, 4)
	s := b.Register()
	s.Subscribe(1, 0)

	s.Pending(2)
	require.Equal(t, 1, b.Live())

	// the first batch was already in the reply, the second was not
	b.Publish(batchOf(10), 0)
	b.Publish(batchOf(20), 4)
	require.Len(t, s.Outbound(), 0)

	require.NoError(t, s.Send([]byte("reply")))
	s.Subscribe(2, 4)
	require.Equal(t, []byte("reply"), <-s.Outbound())
	require.Len(t, s.Outbound(), 1)

	resp, err := query.DecodeResponse(<-s.Outbound(), encoding.Width32)
	require.NoError(t, err)
	require.Equal(t, uint32(2), resp.ID)
	require.Equal(t, uint64(20), resp.Start)

	// batches read by the reply but published late are not pushed twice
	b.Publish(batchOf(15), 0)
	b.Publish(batchOf(30), 8)
	require.Len(t, s.Outbound(), 1)
	resp, err = query.DecodeResponse(<-s.Outbound(), encoding.Width32)
	require.NoError(t, err)
	require.Equal(t, uint64(30), resp.Start)
}

func TestPendingSubscriberBoundsHeldPushes(t *testing.T) {
	b := NewBroadcaster(encoding.Width32, encoding.Width32, 2)
	s := b.Register()
	s.Pending(1)
	for i := uint64(0); i < 5; i++ {
		b.Publish(batchOf(i), i*4)
	}

	s.Subscribe(1, 0)
	require.Len(t, s.Outbound(), 2)
}

func TestPublishIgnoresPartialBatches(t *testing.T) {
	b := NewBroadcaster(encoding.Width32, encoding.Width32, 2)
	s := b.Register()
	s.Subscribe(1, 0)

	b.Publish([]byte{1, 2}, 0)
	require.Len(t, s.Outbound(), 0)
}

func TestSendAfterClose(t *testing.T) {
	b := NewBroadcaster(encoding.Width32, encoding.Width32, 1)
	s := b.Register()
	require.NoError(t, s.Send([]byte("reply")))

	b.Unregister(s)
	require.Equal(t, 0, b.Len())
	require.ErrorIs(t, s.Send([]byte("reply")), ErrSubscriberClosed)

	select {
	case <-s.Done():
	default:
		t.Fatal("subscriber should be closed")
	}
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster(encoding.Width32, encoding.Width32, 1)
	s := b.Register()
	b.Close()

	require.Equal(t, 0, b.Len())
	require.Nil(t, b.Register())
	require.ErrorIs(t, s.Send(nil), ErrSubscriberClosed)

	// unregistering after close is harmless
	b.Unregister(s)
}
