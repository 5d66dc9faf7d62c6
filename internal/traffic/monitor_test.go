package traffic

import (
	"context"
	"testing"
	"time"

	"xenlink/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextSample(t *testing.T, ch <-chan *models.ConnectionStatistics) *models.ConnectionStatistics {
	t.Helper()
	for {
		select {
		case s := <-ch:
			if s != nil {
				return s
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no sample published")
			return nil
		}
	}
}

func TestStartIsIdempotent(t *testing.T) {
	m := NewMonitor(20 * time.Millisecond)
	m.Start()
	done := m.done
	started := m.startedAt

	m.Start()
	assert.True(t, m.Running())
	assert.Equal(t, done, m.done, "second start must not spawn another loop")
	assert.Equal(t, started, m.startedAt)

	m.Stop()
	assert.False(t, m.Running())
	assert.Nil(t, m.Statistics().Value())
}

func TestSpeedCalculation(t *testing.T) {
	m := NewMonitor(time.Second)
	t0 := time.Unix(1000, 0)
	m.startedAt = t0
	m.lastTick = t0

	m.UpdateBytes(3000, 1500)
	s := m.sampleLocked(t0.Add(1500 * time.Millisecond))

	assert.EqualValues(t, 3000, s.BytesReceived)
	assert.EqualValues(t, 1500, s.BytesSent)
	assert.EqualValues(t, 2000, s.DownloadSpeed)
	assert.EqualValues(t, 1000, s.UploadSpeed)
	assert.Equal(t, 1500*time.Millisecond, s.ConnectionDuration)

	// no new bytes since the previous tick
	s = m.sampleLocked(t0.Add(3 * time.Second))
	assert.Zero(t, s.DownloadSpeed)
	assert.EqualValues(t, 3000, s.BytesReceived)
}

func TestZeroOrNegativeElapsedReportsZeroSpeed(t *testing.T) {
	m := NewMonitor(time.Second)
	t0 := time.Unix(1000, 0)
	m.startedAt = t0
	m.lastTick = t0
	m.UpdateBytes(500, 500)

	s := m.sampleLocked(t0)
	assert.Zero(t, s.DownloadSpeed)
	assert.Zero(t, s.UploadSpeed)

	m.UpdateBytes(500, 500)
	s = m.sampleLocked(t0.Add(-time.Second))
	assert.Zero(t, s.DownloadSpeed)
}

func TestResetKeepsSampling(t *testing.T) {
	interval := 40 * time.Millisecond
	m := NewMonitor(interval)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := m.Statistics().Subscribe(ctx)

	m.Start()
	defer m.Stop()

	m.UpdateBytes(1024, 2048)
	s := nextSample(t, ch)
	require.EqualValues(t, 1024, s.BytesReceived)

	m.Reset()
	s = nextSample(t, ch)
	assert.Zero(t, s.BytesReceived)
	assert.Zero(t, s.BytesSent)
	assert.Less(t, s.ConnectionDuration, interval)

	assert.True(t, m.Running())
	m.UpdateBytes(10, 0)
	for {
		s = nextSample(t, ch)
		if s.BytesReceived != 0 {
			break
		}
	}
	assert.EqualValues(t, 10, s.BytesReceived)
}

func TestHealthIndicatorsSurfaceInSample(t *testing.T) {
	m := NewMonitor(time.Second)
	hs := time.Unix(42, 0)
	m.SetLastHandshakeTime(hs)
	m.SetLatency(35 * time.Millisecond)

	s := m.sampleLocked(time.Now())
	require.NotNil(t, s.LastHandshakeTime)
	require.NotNil(t, s.Latency)
	assert.Equal(t, hs, *s.LastHandshakeTime)
	assert.Equal(t, 35*time.Millisecond, *s.Latency)
}

func TestCountersRegistered(t *testing.T) {
	m := NewMonitor(time.Second)
	m.UpdateBytes(7, 9)
	assert.NotNil(t, m.Registry().Get("traffic.rx.bytes"))
	assert.EqualValues(t, 7, m.rxCount.Count())
	assert.EqualValues(t, 9, m.txCount.Count())
}

func TestLifetimeSurvivesReset(t *testing.T) {
	m := NewMonitor(time.Second)
	m.UpdateBytes(100, 50)
	m.Reset()
	m.UpdateBytes(10, 5)

	l := m.Lifetime()
	assert.EqualValues(t, 110, l.Received)
	assert.EqualValues(t, 55, l.Sent)
	assert.GreaterOrEqual(t, l.ReceiveRate, 0.0)
	assert.GreaterOrEqual(t, l.SendRate, 0.0)
}
