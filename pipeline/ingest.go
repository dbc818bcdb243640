package pipeline

import (
	"github.com/pbudner/pulselog/encoding"
	"github.com/pbudner/pulselog/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	ingestedBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "pulselog_ingest",
		Name:      "batches_total",
		Help:      "Total number of ingested batches by outcome.",
	}, []string{"outcome"})

	lastIngestedTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Subsystem: "pulselog_ingest",
		Name:      "last_timestamp",
		Help:      "Sensor timestamp of the most recently ingested record.",
	})

	lastIngestedAt = prometheus.NewGauge(prometheus.GaugeOpts{
		Subsystem: "pulselog_ingest",
		Name:      "last_ingested_at",
		Help:      "Wall clock time of the most recently ingested batch.",
	})
)

func init() {
	prometheus.MustRegister(ingestedBatches, lastIngestedTimestamp, lastIngestedAt)
}

// Ingester is the single funnel from every source into the storage engine
// and the live broadcast.
type Ingester struct {
	store       storage.Appender
	broadcaster *Broadcaster
	log         *zap.SugaredLogger
}

func NewIngester(store storage.Appender, broadcaster *Broadcaster) *Ingester {
	return &Ingester{
		store:       store,
		broadcaster: broadcaster,
		log:         zap.L().Sugar().With("component", "ingester"),
	}
}

// RecordWidth is the width sources frame records with.
func (i *Ingester) RecordWidth() encoding.Width {
	return i.store.RecordWidth()
}

// Ingest appends a batch of whole records and pushes it to live clients.
// A returned error means nothing was stored; callers stop feeding batches
// once storage.ErrStorageFailed is returned.
func (i *Ingester) Ingest(batch []byte) (storage.AppendResult, error) {
	res, err := i.store.Append(batch)
	if err != nil {
		ingestedBatches.WithLabelValues("error").Inc()
		i.log.Errorw("could not ingest batch", "bytes", len(batch), "error", err)
		return res, err
	}

	ingestedBatches.WithLabelValues("ok").Inc()
	lastIngestedTimestamp.Set(float64(res.LastKey))
	lastIngestedAt.SetToCurrentTime()
	i.log.Debugw("ingested batch", "records", res.Records, "first", res.FirstKey, "last", res.LastKey)

	if i.broadcaster != nil {
		i.broadcaster.Publish(batch, res.LogOffset)
	}
	return res, nil
}
