package pipeline

import (
	"testing"

	"github.com/pbudner/pulselog/encoding"
	"github.com/pbudner/pulselog/query"
	"github.com/pbudner/pulselog/storage"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *storage.Engine {
	s, err := storage.Open(storage.Options{
		DataDir:     t.TempDir(),
		RecordWidth: encoding.Width32,
		IndexWidth:  encoding.Width32,
		Resolutions: []uint64{storage.Minute},
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestIngestAppendsAndPublishes(t *testing.T) {
	store := newTestStore(t)
	b := NewBroadcaster(encoding.Width32, encoding.Width32, 4)
	sub := b.Register()
	sub.Subscribe(3, 0)

	ingester := NewIngester(store, b)
	require.Equal(t, encoding.Width32, ingester.RecordWidth())

	res, err := ingester.Ingest(batchOf(10, 20, storage.Minute+5))
	require.NoError(t, err)
	require.Equal(t, uint64(3), res.Records)
	require.Equal(t, uint64(10), res.FirstKey)
	require.Equal(t, storage.Minute+5, res.LastKey)

	snap := store.Snapshot()
	require.Equal(t, uint64(12), snap.Log.Size)

	resp, err := query.DecodeResponse(<-sub.Outbound(), encoding.Width32)
	require.NoError(t, err)
	require.Equal(t, uint32(3), resp.ID)
	require.Equal(t, uint64(10), resp.Start)
}

func TestIngestRejectedBatchIsNotPublished(t *testing.T) {
	store := newTestStore(t)
	b := NewBroadcaster(encoding.Width32, encoding.Width32, 4)
	sub := b.Register()
	sub.Subscribe(1, 0)

	ingester := NewIngester(store, b)
	_, err := ingester.Ingest(batchOf(50))
	require.NoError(t, err)
	<-sub.Outbound()

	_, err = ingester.Ingest(batchOf(40))
	require.ErrorIs(t, err, storage.ErrOutOfOrder)
	require.Len(t, sub.Outbound(), 0)
	require.Equal(t, uint64(4), store.Snapshot().Log.Size)
}

// ingestingConn appends a record while the reply to a live request is
// being sent, after its snapshot was taken and before it goes live.
type ingestingConn struct {
	*Subscriber
	ingester *Ingester
	batch    []byte
}

func (c *ingestingConn) Send(msg []byte) error {
	if err := c.Subscriber.Send(msg); err != nil {
		return err
	}
	if c.batch != nil {
		_, err := c.ingester.Ingest(c.batch)
		c.batch = nil
		return err
	}
	return nil
}

func TestLiveReplyDoesNotLoseConcurrentBatches(t *testing.T) {
	store := newTestStore(t)
	b := NewBroadcaster(encoding.Width32, encoding.Width32, 4)
	ingester := NewIngester(store, b)
	_, err := ingester.Ingest(batchOf(storage.Minute))
	require.NoError(t, err)

	conn := &ingestingConn{
		Subscriber: b.Register(),
		ingester:   ingester,
		batch:      batchOf(storage.Minute + 5),
	}
	engine := query.NewEngine(store, query.DefaultMaxBars, encoding.Width32)
	live := query.Request{ID: 4, Type: query.Live, Resolution: storage.Minute, Start: storage.Minute, End: storage.Minute}
	require.NoError(t, engine.Serve(live.Encode(encoding.Width32), conn))
	require.Equal(t, uint64(8), store.Snapshot().Log.Size)

	reply, err := query.DecodeResponse(<-conn.Outbound(), encoding.Width32)
	require.NoError(t, err)
	require.Equal(t, query.BarData, reply.Kind)
	require.Equal(t, batchOf(1), reply.Payload)

	push, err := query.DecodeResponse(<-conn.Outbound(), encoding.Width32)
	require.NoError(t, err)
	require.Equal(t, uint32(4), push.ID)
	require.Equal(t, query.TimestampPush, push.Kind)
	require.Equal(t, batchOf(storage.Minute+5), push.Payload)
	require.Len(t, conn.Outbound(), 0)
}

func TestIngestWithoutBroadcaster(t *testing.T) {
	ingester := NewIngester(newTestStore(t), nil)
	_, err := ingester.Ingest(batchOf(1, 2))
	require.NoError(t, err)
}
