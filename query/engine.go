package query

import (
	"errors"
	"fmt"

	"github.com/pbudner/pulselog/encoding"
	"github.com/pbudner/pulselog/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Conn is a query channel connection as seen by the engine.
type Conn interface {
	// Send delivers an encoded response, blocking until it is queued.
	Send(msg []byte) error
	// Pending holds back pushes for a live request until it is answered.
	Pending(id uint32)
	// Subscribe marks the connection as live with the given request id,
	// pushing batches appended at or after log offset from.
	Subscribe(id uint32, from uint64)
}

type Engine struct {
	store     storage.Reader
	maxBars   uint64
	timestamp encoding.Width
	log       *zap.SugaredLogger
}

var (
	handledRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "pulselog_query",
		Name:      "requests_total",
		Help:      "Total number of query requests by type and outcome.",
	}, []string{"type", "outcome"})

	responseBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "pulselog_query",
		Name:      "response_bytes_total",
		Help:      "Total number of payload bytes sent in query responses.",
	})
)

func init() {
	prometheus.MustRegister(handledRequests, responseBytes)
}

// NewEngine creates a query engine. timestamp is the wire width of the
// start and end fields of requests and response headers.
func NewEngine(store storage.Reader, maxBars uint64, timestamp encoding.Width) *Engine {
	if maxBars == 0 {
		maxBars = DefaultMaxBars
	}
	return &Engine{
		store:     store,
		maxBars:   maxBars,
		timestamp: timestamp,
		log:       zap.L().Sugar().With("component", "query"),
	}
}

// Serve handles one raw request message of conn. Malformed requests are
// dropped and logged, the protocol has no error frame. Storage errors are
// returned to the caller.
func (e *Engine) Serve(msg []byte, conn Conn) error {
	req, err := DecodeRequest(msg, e.timestamp)
	if err != nil {
		handledRequests.WithLabelValues("unknown", "malformed").Inc()
		e.log.Infow("dropping request", "reason", err)
		return nil
	}

	if err := Validate(req, e.store.Catalog(), e.maxBars); err != nil {
		handledRequests.WithLabelValues(req.Type.String(), "malformed").Inc()
		e.log.Infow("dropping request", "id", req.ID, "reason", err)
		return nil
	}

	// a live request goes pending before the snapshot is taken, batches
	// ingested until Subscribe are held back and not lost between the two
	if req.Type == Live {
		conn.Pending(req.ID)
	}

	resp, snap, err := e.handle(req)
	if err != nil {
		handledRequests.WithLabelValues(req.Type.String(), "error").Inc()
		return err
	}

	if err := conn.Send(resp.Encode(e.timestamp)); err != nil {
		return err
	}
	handledRequests.WithLabelValues(req.Type.String(), "ok").Inc()
	responseBytes.Add(float64(len(resp.Payload)))

	if req.Type == Live {
		conn.Subscribe(req.ID, snap.Log.Size)
	}
	return nil
}

// Handle validates a request and builds its response from a single
// snapshot of the file states.
func (e *Engine) Handle(req Request) (Response, error) {
	if err := Validate(req, e.store.Catalog(), e.maxBars); err != nil {
		return Response{}, err
	}

	resp, _, err := e.handle(req)
	return resp, err
}

// handle builds the response of a validated request and returns the
// snapshot it was read at.
func (e *Engine) handle(req Request) (Response, storage.Snapshot, error) {
	resp := Response{ID: req.ID, Kind: BarData}
	if req.Resolution == storage.Line {
		resp.Kind = LineData
	}

	snap := e.store.Snapshot()
	b, err := GetBounds(req, snap, e.store)
	if errors.Is(err, storage.ErrNoData) {
		resp.Start, resp.End = req.Start, req.End
		return resp, snap, nil
	}
	if err != nil {
		return Response{}, snap, err
	}
	resp.Start, resp.End = b.Start, b.End

	if resp.Kind == LineData {
		resp.Payload, err = e.store.ReadLog(b.FileStart, b.FileEnd-b.FileStart)
	} else {
		resp.Payload, err = e.barCounts(req.Resolution, b, snap)
	}
	if err != nil {
		return Response{}, snap, err
	}

	return resp, snap, nil
}

// IndexRange returns the raw index entries of the bars between start and
// end, both rounded down to the resolution. It backs the bulk fetch path.
func (e *Engine) IndexRange(resolution, start, end uint64) ([]byte, Bounds, error) {
	if resolution == storage.Line {
		return nil, Bounds{}, fmt.Errorf("%w: bulk fetch needs a bar resolution", ErrMalformedRequest)
	}

	req := Request{
		Type:       Interval,
		Resolution: resolution,
		Start:      encoding.RoundDown(start, resolution),
		End:        encoding.RoundDown(end, resolution),
	}
	if err := Validate(req, e.store.Catalog(), e.maxBars); err != nil {
		return nil, Bounds{}, err
	}

	b, err := GetBounds(req, e.store.Snapshot(), e.store)
	if err != nil {
		return nil, Bounds{}, err
	}

	data, err := e.store.ReadIndex(resolution, b.FileStart, b.FileEnd-b.FileStart)
	return data, b, err
}

// barCounts converts the prefix offsets of the bars in b into event
// counts. The last bar is measured against the following index entry or,
// for the open bar, against the log size.
func (e *Engine) barCounts(width uint64, b Bounds, snap storage.Snapshot) ([]byte, error) {
	iw := e.store.IndexWidth()
	rw := e.store.RecordWidth()
	bar, _ := snap.Resolution(width)

	readEnd := b.BarEnd
	if readEnd < bar.Size {
		readEnd += uint64(iw)
	}

	offsets, err := e.store.ReadIndex(width, b.BarStart, readEnd-b.BarStart)
	if err != nil {
		return nil, err
	}

	n := int((b.BarEnd - b.BarStart) / uint64(iw))
	counts := make([]byte, 0, n*int(iw))
	for i := 0; i < n; i++ {
		next := snap.Log.Size
		if i+1 < iw.Len(offsets) {
			next = iw.At(offsets, i+1)
		}
		counts = iw.Append(counts, (next-iw.At(offsets, i))/uint64(rw))
	}

	return counts, nil
}
