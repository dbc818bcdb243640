package sources

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/pbudner/pulselog/encoding"
	"github.com/pbudner/pulselog/pipeline"
	"github.com/pbudner/pulselog/storage"
	"github.com/pbudner/pulselog/stores"
	"github.com/prometheus/client_golang/prometheus"
	goKafka "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/scram"
	"go.uber.org/zap"
)

const kafkaName = "sources.kafka"

type KafkaConfig struct {
	Brokers            string        `yaml:"brokers"`
	Tls                bool          `yaml:"tls"`
	GroupID            string        `yaml:"group-id"`
	Topic              string        `yaml:"topic"`
	MinBytes           int           `yaml:"min-bytes"`
	MaxBytes           int           `yaml:"max-bytes"`
	CommitInterval     time.Duration `yaml:"commit-interval"`
	Timeout            time.Duration `yaml:"timeout"`
	StartFromBeginning bool          `yaml:"start-from-beginning"`
	SaslConfig         *struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"sasl-config"`
}

// messageReader is the part of the kafka reader the source depends on.
type messageReader interface {
	ReadMessage(ctx context.Context) (goKafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...goKafka.Message) error
	Close() error
}

type kafka struct {
	Config   KafkaConfig
	Reader   messageReader
	ingester *pipeline.Ingester
	sessions pipeline.SessionRecorder
	frames   *encoding.FrameReader
	log      *zap.SugaredLogger
}

var receivedKafkaMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "pulselog_sources_kafka",
	Name:      "messages_total",
	Help:      "Total number of received messages.",
}, []string{"broker", "topic", "group_id"})

var receivedKafkaMessagesWithError = prometheus.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "pulselog_sources_kafka",
	Name:      "errors_total",
	Help:      "Total number of received messages that could not be ingested.",
}, []string{"broker", "topic", "group_id"})

var lastReceivedKafkaMessage = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Subsystem: "pulselog_sources_kafka",
	Name:      "last_received_message",
	Help:      "Last received message for this source.",
}, []string{"broker", "topic", "group_id"})

func init() {
	prometheus.MustRegister(receivedKafkaMessages, receivedKafkaMessagesWithError, lastReceivedKafkaMessage)
	pipeline.RegisterComponent(kafkaName, KafkaConfig{}, func(config interface{}, deps pipeline.Dependencies) pipeline.Component {
		return NewKafka(config.(KafkaConfig), deps)
	})
}

func NewKafka(config KafkaConfig, deps pipeline.Dependencies) *kafka {
	sessions := deps.Sessions
	if sessions == nil {
		sessions = pipeline.NopRecorder
	}

	return &kafka{
		Config:   config,
		ingester: deps.Ingester,
		sessions: sessions,
		frames:   encoding.NewFrameReader(nil),
		log:      zap.L().Sugar().With("component", kafkaName),
	}
}

func (s *kafka) Close() {
	if s.Reader != nil {
		s.Reader.Close()
	}
}

func (s *kafka) newReader() (messageReader, error) {
	dialer := &goKafka.Dialer{
		Timeout:   s.Config.Timeout,
		DualStack: true,
	}

	if s.Config.Tls {
		dialer.TLS = &tls.Config{}
	}

	if s.Config.SaslConfig != nil {
		mechanism, err := scram.Mechanism(scram.SHA512, s.Config.SaslConfig.Username, s.Config.SaslConfig.Password)
		if err != nil {
			return nil, err
		}

		dialer.SASLMechanism = mechanism
	}

	startOffset := goKafka.LastOffset
	if s.Config.StartFromBeginning {
		startOffset = goKafka.FirstOffset
	}

	return goKafka.NewReader(goKafka.ReaderConfig{
		Dialer:         dialer,
		Brokers:        strings.Split(s.Config.Brokers, ","),
		GroupID:        s.Config.GroupID,
		Topic:          s.Config.Topic,
		MinBytes:       s.Config.MinBytes,
		MaxBytes:       s.Config.MaxBytes,
		CommitInterval: s.Config.CommitInterval,
		StartOffset:    startOffset,
	}), nil
}

func (s *kafka) Run(wg *sync.WaitGroup, ctx context.Context) {
	s.log.Debug("Initializing kafka source..")
	defer wg.Done()

	if s.Reader == nil {
		r, err := s.newReader()
		if err != nil {
			s.log.Errorw("could not create kafka reader", "error", err)
			return
		}
		s.Reader = r
	}

	session, err := s.sessions.Begin(kafkaName, s.Config.Brokers)
	if err != nil {
		s.log.Warnw("could not journal kafka session", "error", err)
		session = &stores.Session{Source: kafkaName, Remote: s.Config.Brokers, AuthenticatedAt: time.Now().UTC()}
	}

	session.CloseReason = s.consume(ctx, session)
	if err := s.sessions.Finish(session); err != nil {
		s.log.Warnw("could not journal kafka session", "error", err)
	}

	if err := s.Reader.Close(); err != nil {
		s.log.Errorw("Failed to close kafka source reader", "error", err)
	}

	s.log.Info("Closed Kafka source")
}

// consume ingests messages until the context is done or storage fails and
// returns why it stopped. A message is committed once its records are
// stored; a trailing partial record waits for the next message.
func (s *kafka) consume(ctx context.Context, session *stores.Session) string {
	labels := []string{s.Config.Brokers, s.Config.Topic, s.Config.GroupID}
	width := int(s.ingester.RecordWidth())
	for {
		m, err := s.Reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				s.log.Info("Shutting down kafka source..")
				return "shutdown"
			}

			s.log.Errorw("An unexpected error occurred during ReadMessage", "error", err)
			return "read failure"
		}

		receivedKafkaMessages.WithLabelValues(labels...).Inc()
		lastReceivedKafkaMessage.WithLabelValues(labels...).SetToCurrentTime()

		s.frames.Write(m.Value)
		if batch, ok := s.frames.ReadRecords(width); ok {
			res, err := s.ingester.Ingest(batch)
			if err != nil {
				receivedKafkaMessagesWithError.WithLabelValues(labels...).Inc()
				if errors.Is(err, storage.ErrStorageFailed) {
					s.log.Errorw("storage failed, kafka source stops consuming", "error", err)
					return "storage failure"
				}
				s.log.Warnw("dropping rejected kafka message", "offset", m.Offset, "partition", m.Partition, "error", err)
			} else {
				session.Records += res.Records
				session.Bytes += uint64(len(batch))
			}
		}
		s.frames.Compact()

		if err := s.Reader.CommitMessages(context.Background(), m); err != nil {
			s.log.Errorw("Failed to commit messages", "error", err)
		}
	}
}
