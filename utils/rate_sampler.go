package utils

import (
	"sync"
	"time"
)

// RateSampler turns a growing counter into a per-second rate, sampled on
// a fixed interval.
type RateSampler struct {
	mu            sync.RWMutex
	ticker        *time.Ticker
	doneChannel   chan bool
	count         func() uint64
	lastValue     uint64
	lastTimestamp time.Time
	perSecond     float64
}

func NewRateSampler(count func() uint64, interval time.Duration) *RateSampler {
	result := &RateSampler{
		ticker:      time.NewTicker(interval),
		doneChannel: make(chan bool),
		count:       count,
	}

	result.sample(time.Now())
	go result.tick()
	return result
}

func (s *RateSampler) GetSample() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.perSecond
}

func (s *RateSampler) Close() {
	close(s.doneChannel)
	s.ticker.Stop()
}

func (s *RateSampler) tick() {
	for {
		select {
		case <-s.doneChannel:
			return
		case now := <-s.ticker.C:
			s.sample(now)
		}
	}
}

func (s *RateSampler) sample(now time.Time) {
	value := s.count()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastTimestamp.IsZero() && value >= s.lastValue {
		if elapsed := now.Sub(s.lastTimestamp).Seconds(); elapsed > 0 {
			s.perSecond = float64(value-s.lastValue) / elapsed
		}
	}
	s.lastValue = value
	s.lastTimestamp = now
}
