package sources

import (
	"context"
	"sync"
	"testing"

	"github.com/pbudner/pulselog/pipeline"
	goKafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

// fakeReader serves queued messages and cancels the source once drained.
type fakeReader struct {
	messages  []goKafka.Message
	committed []int64
	cancel    context.CancelFunc
	closed    bool
}

func (r *fakeReader) ReadMessage(ctx context.Context) (goKafka.Message, error) {
	if len(r.messages) == 0 {
		r.cancel()
		<-ctx.Done()
		return goKafka.Message{}, ctx.Err()
	}
	m := r.messages[0]
	r.messages = r.messages[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...goKafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func runKafka(t *testing.T, ingester *pipeline.Ingester, sessions pipeline.SessionRecorder, values ...[]byte) *fakeReader {
	ctx, cancel := context.WithCancel(context.Background())
	reader := &fakeReader{cancel: cancel}
	for i, v := range values {
		reader.messages = append(reader.messages, goKafka.Message{Offset: int64(i), Value: v})
	}

	source := NewKafka(KafkaConfig{Brokers: "localhost:9092", Topic: "timestamps"}, pipeline.Dependencies{
		Ingester: ingester,
		Sessions: sessions,
	})
	source.Reader = reader

	var wg sync.WaitGroup
	wg.Add(1)
	source.Run(&wg, ctx)
	wg.Wait()
	return reader
}

func TestKafkaFramesRecordsAcrossMessages(t *testing.T) {
	ts := newTestSetup(t)
	data := records(10, 20, 30)
	reader := runKafka(t, ts.sensor.ingester, ts.sessions, data[:3], data[3:9], data[9:])

	require.True(t, reader.closed)
	require.Equal(t, []int64{0, 1, 2}, reader.committed)
	require.Equal(t, uint64(12), ts.logSize())

	log, err := ts.store.ReadLog(0, 12)
	require.NoError(t, err)
	require.Equal(t, data, log)

	sessions, err := ts.sessions.GetLast(1)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "localhost:9092", sessions[0].Remote)
	require.Equal(t, uint64(3), sessions[0].Records)
	require.Equal(t, "shutdown", sessions[0].CloseReason)
}

func TestKafkaSkipsRejectedMessages(t *testing.T) {
	ts := newTestSetup(t)
	reader := runKafka(t, ts.sensor.ingester, ts.sessions, records(100), records(50), records(150))

	require.Equal(t, []int64{0, 1, 2}, reader.committed)
	log, err := ts.store.ReadLog(0, ts.logSize())
	require.NoError(t, err)
	require.Equal(t, records(100, 150), log)
}

func TestKafkaStopsWithoutCommitOnStorageFailure(t *testing.T) {
	ts := newTestSetup(t)
	store := &failingStore{}
	reader := runKafka(t, pipeline.NewIngester(store, nil), ts.sessions, records(10), records(20))

	require.Equal(t, 1, store.count())
	require.Empty(t, reader.committed)
	require.Len(t, reader.messages, 1)
	require.True(t, reader.closed)

	sessions, err := ts.sessions.GetLast(1)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "storage failure", sessions[0].CloseReason)
}
