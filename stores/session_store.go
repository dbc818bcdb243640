package stores

import (
	"io"
	"math/rand"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/oklog/ulid/v2"
	"github.com/pbudner/pulselog/encoding"
	"go.uber.org/zap"
)

// Session is one authenticated ingestion connection.
type Session struct {
	ID              ulid.ULID `msgpack:"id" json:"id"`
	Source          string    `msgpack:"source" json:"source"`
	Remote          string    `msgpack:"remote" json:"remote"`
	AuthenticatedAt time.Time `msgpack:"authenticated_at" json:"authenticated_at"`
	ClosedAt        time.Time `msgpack:"closed_at" json:"closed_at,omitempty"`
	Records         uint64    `msgpack:"records" json:"records"`
	Bytes           uint64    `msgpack:"bytes" json:"bytes"`
	CloseReason     string    `msgpack:"close_reason" json:"close_reason,omitempty"`
}

// SessionStore journals sessions in badger, keyed by a monotonic ULID so
// that key order is creation order.
type SessionStore struct {
	sync.Mutex
	store    *badger.DB
	entropy  io.Reader
	codec    encoding.Codec
	gcTicker *time.Ticker
	done     chan struct{}
	log      *zap.SugaredLogger
}

// NewSessionStore opens the journal below dir. An empty dir keeps the
// journal in memory.
func NewSessionStore(dir string) (*SessionStore, error) {
	log := zap.L().Sugar().With("component", "session-store")
	opts := badger.DefaultOptions(dir).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{log})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &SessionStore{
		store:    db,
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		codec:    encoding.Msgpack,
		gcTicker: time.NewTicker(10 * time.Minute),
		done:     make(chan struct{}),
		log:      log,
	}
	go s.gc()
	return s, nil
}

// Begin records a freshly authenticated session.
func (s *SessionStore) Begin(source, remote string) (*Session, error) {
	s.Lock()
	now := time.Now().UTC()
	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	s.Unlock()
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:              id,
		Source:          source,
		Remote:          remote,
		AuthenticatedAt: now,
	}
	return session, s.put(session)
}

// Update stores the running counters of an open session.
func (s *SessionStore) Update(session *Session) error {
	return s.put(session)
}

// Finish stores the final counters of a session.
func (s *SessionStore) Finish(session *Session) error {
	if session.ClosedAt.IsZero() {
		session.ClosedAt = time.Now().UTC()
	}
	return s.put(session)
}

func (s *SessionStore) put(session *Session) error {
	value, err := s.codec.Marshal(session)
	if err != nil {
		return err
	}

	return s.store.Update(func(txn *badger.Txn) error {
		return txn.Set(session.ID[:], value)
	})
}

// Get returns a single session.
func (s *SessionStore) Get(id ulid.ULID) (*Session, error) {
	var session Session
	err := s.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get(id[:])
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			return s.codec.Unmarshal(val, &session)
		})
	})

	if err != nil {
		return nil, err
	}

	return &session, nil
}

// GetLast returns up to count sessions, newest first.
func (s *SessionStore) GetLast(count int) ([]Session, error) {
	result := make([]Session, 0, count)
	err := s.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid() && len(result) < count; it.Next() {
			var session Session
			err := it.Item().Value(func(val []byte) error {
				return s.codec.Unmarshal(val, &session)
			})
			if err != nil {
				return err
			}
			result = append(result, session)
		}

		return nil
	})

	return result, err
}

func (s *SessionStore) gc() {
	const discardRatio = 0.5
	for {
		select {
		case <-s.done:
			return
		case <-s.gcTicker.C:
			for s.store.RunValueLogGC(discardRatio) == nil {
			}
		}
	}
}

func (s *SessionStore) Close() {
	s.gcTicker.Stop()
	close(s.done)
	if err := s.store.Close(); err != nil {
		s.log.Errorw("could not close session store", "error", err)
	}
}

// badgerLogger routes badger's logging into zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(template string, args ...interface{}) {
	l.Warnf(template, args...)
}
