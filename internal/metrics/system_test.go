package metrics

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestSamplerProducesSamples(t *testing.T) {
	s := NewSampler(50*time.Millisecond, NewProm(), zerolog.Nop())
	s.Start()
	defer s.Stop()

	sample := s.Latest()
	assert.Positive(t, sample.Goroutines)
	assert.Positive(t, sample.HeapTotalBytes)
	assert.Greater(t, sample.MemoryFraction, 0.0)
	assert.LessOrEqual(t, sample.MemoryFraction, 1.0)
	assert.False(t, sample.Timestamp.IsZero())
	assert.GreaterOrEqual(t, sample.MemoryBytes, int64(0))
}
