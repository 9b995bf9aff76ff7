package swcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatsSnapshot(t *testing.T) {
	assert := assert.New(t)
	s := newStatsCollector()
	assert.Equal(uint64(0), s.Snapshot().MinRespBytes)

	s.Observe(CacheFirst, OutcomeHit, 100)
	s.Observe(CacheFirst, OutcomeHit, 300)
	s.Observe(StaleWhileRevalidate, OutcomeMiss, 2000)

	ss := s.Snapshot()
	assert.Equal(uint64(3), ss.TotalResponses)
	assert.Equal(uint64(100), ss.MinRespBytes)
	assert.Equal(uint64(2000), ss.MaxRespBytes)
	assert.Equal(uint64(800), ss.AvgRespBytes)
	assert.Equal("cache-first:hit=2 stale-while-revalidate:miss=1", formatOutcomes(ss.Outcomes))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512b", formatBytes(512))
	assert.Equal(t, "1.5kb", formatBytes(1536))
	assert.Equal(t, "64mb", formatBytes(64<<20))
	assert.Equal(t, "2gb", formatBytes(2<<30))
}
