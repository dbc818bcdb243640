package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateSampler(t *testing.T) {
	var counter uint64 = 100
	s := NewRateSampler(func() uint64 { return counter }, time.Hour)
	defer s.Close()
	require.Equal(t, 0.0, s.GetSample())

	start := s.lastTimestamp
	counter = 400
	s.sample(start.Add(2 * time.Second))
	require.InDelta(t, 150.0, s.GetSample(), 0.001)

	// a sample without progress drops the rate to zero
	s.sample(start.Add(3 * time.Second))
	require.Equal(t, 0.0, s.GetSample())
}
