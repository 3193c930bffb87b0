package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type stubStats struct {
	counts map[string]int
	err    error
	calls  atomic.Int32
}

func (s *stubStats) JobCounts(context.Context) (map[string]int, error) {
	s.calls.Add(1)
	return s.counts, s.err
}

func TestCollector_SetsGauges(t *testing.T) {
	stats := &stubStats{counts: map[string]int{"queued": 3, "processing": 1}}
	c := NewCollector(stats, time.Hour, []string{"queued", "processing", "failed"}, nil)

	c.collect(context.Background())

	assert.InDelta(t, 3, testutil.ToFloat64(JobsByStatus.WithLabelValues("queued")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(JobsByStatus.WithLabelValues("processing")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(JobsByStatus.WithLabelValues("failed")), 0)
}

func TestCollector_ErrorKeepsPreviousValues(t *testing.T) {
	stats := &stubStats{counts: map[string]int{"completed": 7}}
	c := NewCollector(stats, time.Hour, []string{"completed"}, nil)
	c.collect(context.Background())

	stats.err = errors.New("store offline")
	c.collect(context.Background())

	assert.InDelta(t, 7, testutil.ToFloat64(JobsByStatus.WithLabelValues("completed")), 0)
}

func TestCollector_StartStop(t *testing.T) {
	stats := &stubStats{counts: map[string]int{}}
	c := NewCollector(stats, 10*time.Millisecond, []string{"queued"}, nil)

	c.Start(context.Background())
	assert.Eventually(t, func() bool { return stats.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()
}

func TestCollector_NilProvider(t *testing.T) {
	c := NewCollector(nil, time.Hour, nil, nil)
	c.collect(context.Background())
}

func TestCollector_StopWithoutStart(t *testing.T) {
	c := NewCollector(&stubStats{}, time.Hour, nil, nil)
	c.Stop()
}
