package sources

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pbudner/pulselog/encoding"
	"github.com/pbudner/pulselog/pipeline"
	"github.com/pbudner/pulselog/storage"
	"github.com/pbudner/pulselog/stores"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const sensorName = "sources.sensor"

const journalInterval = 10 * time.Second

type SensorConfig struct {
	Listener       string        `yaml:"listener"`
	APIKey         string        `yaml:"api-key"`
	ReadBufferSize int           `yaml:"read-buffer-size"`
	ChunkQueue     int           `yaml:"chunk-queue"`
	AuthTimeout    time.Duration `yaml:"auth-timeout"`
}

var (
	sensorAuthentications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "pulselog_sources_sensor",
		Name:      "authentications_total",
		Help:      "Total number of sensor authentication attempts by outcome.",
	}, []string{"outcome"})

	sensorReceivedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "pulselog_sources_sensor",
		Name:      "received_bytes_total",
		Help:      "Total number of bytes received from authenticated sensors.",
	})

	sensorConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Subsystem: "pulselog_sources_sensor",
		Name:      "connected",
		Help:      "Whether an authenticated sensor is connected.",
	})
)

func init() {
	prometheus.MustRegister(sensorAuthentications, sensorReceivedBytes, sensorConnected)
	pipeline.RegisterComponent(sensorName, SensorConfig{}, func(config interface{}, deps pipeline.Dependencies) pipeline.Component {
		return NewSensor(config.(SensorConfig), deps)
	})
}

// sensorConn is an authenticated connection.
type sensorConn struct {
	conn       net.Conn
	session    *stores.Session
	reason     string
	lastUpdate time.Time
}

type sensor struct {
	Config   SensorConfig
	ingester *pipeline.Ingester
	sessions pipeline.SessionRecorder
	conns    sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	current  *sensorConn
	failed   bool
	log      *zap.SugaredLogger
}

func NewSensor(config SensorConfig, deps pipeline.Dependencies) *sensor {
	if config.Listener == "" {
		config.Listener = ":4000"
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = 4096
	}
	if config.ChunkQueue <= 0 {
		config.ChunkQueue = 16
	}

	sessions := deps.Sessions
	if sessions == nil {
		sessions = pipeline.NopRecorder
	}

	return &sensor{
		Config:   config,
		ingester: deps.Ingester,
		sessions: sessions,
		log:      zap.L().Sugar().With("component", sensorName),
	}
}

// Listen binds the sensor listener.
func (s *sensor) Listen() error {
	ln, err := net.Listen("tcp", s.Config.Listener)
	if err != nil {
		return fmt.Errorf("could not listen for sensor connections on %s: %w", s.Config.Listener, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

func (s *sensor) Run(wg *sync.WaitGroup, ctx context.Context) {
	defer wg.Done()

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			s.log.Errorw("sensor source not started", "error", err)
			return
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Infow("accepting sensor connections", "listener", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warnw("could not accept sensor connection", "error", err)
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.ServeConn(ctx, conn)
		}()
	}

	s.Close()
	s.conns.Wait()
	s.log.Info("Closed sensor source")
}

// ServeConn runs the state machine of a single sensor connection until the
// peer disconnects, fails to authenticate, is evicted or ctx is done.
func (s *sensor) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	s.mu.Lock()
	failed := s.failed
	s.mu.Unlock()
	if failed {
		return
	}

	chunks := make(chan []byte, s.Config.ChunkQueue)
	done := make(chan struct{})
	defer close(done)
	go s.read(conn, chunks, done)

	var authTimeout <-chan time.Time
	if s.Config.AuthTimeout > 0 {
		timer := time.NewTimer(s.Config.AuthTimeout)
		defer timer.Stop()
		authTimeout = timer.C
	}

	var current *sensorConn
	reason := "disconnected"
	defer func() {
		if current != nil {
			s.release(current, reason)
		}
	}()

	reader := encoding.NewFrameReader(nil)
	token := []byte(s.Config.APIKey)
	for {
		select {
		case <-ctx.Done():
			reason = "shutdown"
			return
		case <-authTimeout:
			sensorAuthentications.WithLabelValues("timeout").Inc()
			s.log.Debugw("sensor did not authenticate in time", "remote", conn.RemoteAddr().String())
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			reader.Write(chunk)

			if current == nil {
				credential, ok := reader.ReadExact(len(token))
				if !ok {
					continue
				}

				if subtle.ConstantTimeCompare(credential, token) != 1 {
					sensorAuthentications.WithLabelValues("rejected").Inc()
					s.log.Warnw("rejected sensor connection", "remote", conn.RemoteAddr().String())
					return
				}

				current = s.authenticate(conn)
				authTimeout = nil
			}

			if !s.ingest(current, reader) {
				return
			}
			reader.Compact()
		}
	}
}

// read delivers chunks until the connection fails or done is closed.
func (s *sensor) read(conn net.Conn, chunks chan<- []byte, done <-chan struct{}) {
	defer close(chunks)
	buf := make([]byte, s.Config.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-done:
				return
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				s.log.Debugw("sensor connection failed", "error", err)
			}
			return
		}
	}
}

// authenticate makes conn the only authenticated connection, evicting the
// previous one.
func (s *sensor) authenticate(conn net.Conn) *sensorConn {
	remote := conn.RemoteAddr().String()
	session, err := s.sessions.Begin(sensorName, remote)
	if err != nil {
		s.log.Warnw("could not journal sensor session", "error", err)
		session = &stores.Session{Source: sensorName, Remote: remote, AuthenticatedAt: time.Now().UTC()}
	}

	c := &sensorConn{conn: conn, session: session, lastUpdate: time.Now()}

	s.mu.Lock()
	if previous := s.current; previous != nil {
		previous.reason = "evicted"
		previous.conn.Close()
		s.log.Infow("evicted previous sensor connection", "remote", previous.session.Remote)
	}
	s.current = c
	s.mu.Unlock()

	sensorAuthentications.WithLabelValues("accepted").Inc()
	sensorConnected.Set(1)
	s.log.Infow("sensor authenticated", "remote", remote)
	return c
}

// ingest forwards every whole record buffered in reader. It returns false
// once the connection has to be closed.
func (s *sensor) ingest(c *sensorConn, reader *encoding.FrameReader) bool {
	batch, ok := reader.ReadRecords(int(s.ingester.RecordWidth()))
	if !ok {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != c || s.failed {
		return false
	}

	res, err := s.ingester.Ingest(batch)
	if err != nil {
		if errors.Is(err, storage.ErrStorageFailed) {
			s.failed = true
			c.reason = "storage failure"
			s.log.Errorw("storage failed, sensor source stops accepting data", "error", err)
		} else {
			c.reason = "rejected batch"
			s.log.Warnw("closing sensor connection after rejected batch", "remote", c.session.Remote, "error", err)
		}
		return false
	}

	sensorReceivedBytes.Add(float64(len(batch)))
	c.session.Records += res.Records
	c.session.Bytes += uint64(len(batch))
	if time.Since(c.lastUpdate) >= journalInterval {
		c.lastUpdate = time.Now()
		if err := s.sessions.Update(c.session); err != nil {
			s.log.Warnw("could not journal sensor session", "error", err)
		}
	}
	return true
}

func (s *sensor) release(c *sensorConn, reason string) {
	s.mu.Lock()
	if s.current == c {
		s.current = nil
		sensorConnected.Set(0)
	}
	if c.reason == "" {
		c.reason = reason
	}
	c.session.CloseReason = c.reason
	s.mu.Unlock()

	if err := s.sessions.Finish(c.session); err != nil {
		s.log.Warnw("could not journal sensor session", "error", err)
	}
	s.log.Infow("sensor connection closed", "remote", c.session.Remote, "reason", c.session.CloseReason, "records", c.session.Records)
}

func (s *sensor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	if s.current != nil {
		s.current.conn.Close()
	}
}
