package pipeline

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pbudner/pulselog/encoding"
	"github.com/pbudner/pulselog/query"
	"github.com/prometheus/client_golang/prometheus"
)

const DefaultQueueSize = 64

var ErrSubscriberClosed = errors.New("subscriber closed")

var (
	livePushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "pulselog_broadcast",
		Name:      "pushes_total",
		Help:      "Total number of live pushes by outcome.",
	}, []string{"outcome"})

	connectedSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Subsystem: "pulselog_broadcast",
		Name:      "subscribers",
		Help:      "Number of connected query channel clients.",
	})
)

func init() {
	prometheus.MustRegister(livePushes, connectedSubscribers)
}

// Subscriber is one query channel connection. Every outgoing message
// passes through its queue so that a single writer serves it in order.
type Subscriber struct {
	ID   uuid.UUID
	out  chan []byte
	done chan struct{}
	once sync.Once

	mu          sync.Mutex
	live        bool
	streamingID uint32
	from        uint64
	pending     bool
	pendingID   uint32
	held        []heldPush
}

// heldPush is a push built while a live request is being answered.
type heldPush struct {
	offset uint64
	msg    []byte
}

// Send queues a reply, blocking while the queue is full.
func (s *Subscriber) Send(msg []byte) error {
	select {
	case <-s.done:
		return ErrSubscriberClosed
	default:
	}

	select {
	case s.out <- msg:
		return nil
	case <-s.done:
		return ErrSubscriberClosed
	}
}

// Pending announces a live request before its reply is built. Until
// Subscribe, pushes for id are held back instead of queued, so that no
// batch ingested while the reply is read goes missing.
func (s *Subscriber) Pending(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = true
	s.pendingID = id
	s.held = nil
}

// Subscribe makes the connection live, superseding an earlier live request.
// from is the log size the reply was read at: only batches appended at or
// after it are pushed, held pushes included.
func (s *Subscriber) Subscribe(id uint32, from uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending && s.pendingID == id {
		for _, h := range s.held {
			if h.offset < from {
				continue
			}
			s.count(s.push(h.msg))
		}
	}

	s.pending = false
	s.held = nil
	s.live = true
	s.streamingID = id
	s.from = from
}

// Streaming returns the id of the active live request.
func (s *Subscriber) Streaming() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamingID, s.live
}

// Outbound is drained by the connection writer.
func (s *Subscriber) Outbound() <-chan []byte {
	return s.out
}

// Done is closed once the subscriber is closed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) Close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// offer hands a published batch to the subscriber. Callers hold s.mu.
func (s *Subscriber) offer(batch []byte, offset uint64, b *Broadcaster) {
	switch {
	case s.pending:
		if len(s.held) >= cap(s.out) {
			s.count(false)
			return
		}
		s.held = append(s.held, heldPush{
			offset: offset,
			msg:    query.NewPush(s.pendingID, batch, b.recordWidth).Encode(b.timestamp),
		})
	case s.live:
		if offset < s.from {
			return
		}
		s.count(s.push(query.NewPush(s.streamingID, batch, b.recordWidth).Encode(b.timestamp)))
	}
}

func (s *Subscriber) count(sent bool) {
	if sent {
		livePushes.WithLabelValues("sent").Inc()
	} else {
		livePushes.WithLabelValues("dropped").Inc()
	}
}

// push never blocks, a full queue drops the message.
func (s *Subscriber) push(msg []byte) bool {
	select {
	case <-s.done:
		return false
	case s.out <- msg:
		return true
	default:
		return false
	}
}

// Broadcaster is the registry of connected query clients. Every ingested
// batch is pushed to the clients with an active live subscription.
type Broadcaster struct {
	sync.RWMutex
	subs        map[uuid.UUID]*Subscriber
	closed      bool
	queueSize   int
	recordWidth encoding.Width
	timestamp   encoding.Width
}

// NewBroadcaster creates a registry. recordWidth is the width of the
// records in published batches, timestamp the wire width of push headers.
func NewBroadcaster(recordWidth, timestamp encoding.Width, queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broadcaster{
		subs:        make(map[uuid.UUID]*Subscriber),
		queueSize:   queueSize,
		recordWidth: recordWidth,
		timestamp:   timestamp,
	}
}

// Register adds a new connection. It returns nil after Close.
func (b *Broadcaster) Register() *Subscriber {
	b.Lock()
	defer b.Unlock()

	if b.closed {
		return nil
	}

	s := &Subscriber{
		ID:   uuid.New(),
		out:  make(chan []byte, b.queueSize),
		done: make(chan struct{}),
	}
	b.subs[s.ID] = s
	connectedSubscribers.Inc()
	return s
}

func (b *Broadcaster) Unregister(s *Subscriber) {
	b.Lock()
	defer b.Unlock()

	if _, ok := b.subs[s.ID]; ok {
		delete(b.subs, s.ID)
		connectedSubscribers.Dec()
	}
	s.Close()
}

// Publish pushes a batch of whole records to every live subscriber. offset
// is the log size before the batch was appended. It is fire-and-forget:
// slow clients lose pushes instead of stalling ingestion.
func (b *Broadcaster) Publish(batch []byte, offset uint64) {
	if len(batch) < int(b.recordWidth) {
		return
	}

	b.RLock()
	defer b.RUnlock()

	for _, s := range b.subs {
		s.mu.Lock()
		s.offer(batch, offset, b)
		s.mu.Unlock()
	}
}

// Len returns the number of connected subscribers.
func (b *Broadcaster) Len() int {
	b.RLock()
	defer b.RUnlock()
	return len(b.subs)
}

// Live returns the number of subscribers with an active live request.
func (b *Broadcaster) Live() int {
	b.RLock()
	defer b.RUnlock()

	n := 0
	for _, s := range b.subs {
		if _, live := s.Streaming(); live {
			n++
		}
	}
	return n
}

func (b *Broadcaster) Close() {
	b.Lock()
	defer b.Unlock()

	if !b.closed {
		b.closed = true
		for id, s := range b.subs {
			s.Close()
			delete(b.subs, id)
			connectedSubscribers.Dec()
		}
	}
}
