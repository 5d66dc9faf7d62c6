// Package traffic derives throughput and duration figures from the cumulative
// byte counters reported by the tunnel engines.
package traffic

import (
	"context"
	"sync"
	"time"

	"xenlink/internal/models"
	"xenlink/internal/stream"

	metrics "github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"
)

const DefaultInterval = 1500 * time.Millisecond

type Monitor struct {
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	received  uint64
	sent      uint64
	baseRx    uint64
	baseTx    uint64
	lastTick  time.Time
	startedAt time.Time
	handshake *time.Time
	latency   *time.Duration

	stats *stream.State[*models.ConnectionStatistics]

	registry metrics.Registry
	rxCount  metrics.Counter
	txCount  metrics.Counter
	rxMeter  metrics.Meter
	txMeter  metrics.Meter
}

func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}

	m := &Monitor{
		interval: interval,
		now:      time.Now,
		stats:    stream.New[*models.ConnectionStatistics](nil),
		registry: metrics.NewRegistry(),
		rxCount:  metrics.NewCounter(),
		txCount:  metrics.NewCounter(),
		rxMeter:  metrics.NewMeter(),
		txMeter:  metrics.NewMeter(),
	}
	m.registry.Register("traffic.rx.bytes", m.rxCount)
	m.registry.Register("traffic.tx.bytes", m.txCount)
	m.registry.Register("traffic.rx.rate", m.rxMeter)
	m.registry.Register("traffic.tx.rate", m.txMeter)
	return m
}

// Statistics publishes nil while not monitoring, which is distinct from a
// sample with zero traffic.
func (m *Monitor) Statistics() *stream.State[*models.ConnectionStatistics] {
	return m.stats
}

// Registry exposes lifetime counters and EWMA rates for reporting.
func (m *Monitor) Registry() metrics.Registry {
	return m.registry
}

// Lifetime is read from the registry. Unlike the published statistics it
// survives Reset, so it spans every session of the process.
type Lifetime struct {
	Received int64
	Sent     int64
	// One-minute moving averages, in bytes per second.
	ReceiveRate float64
	SendRate    float64
}

func (m *Monitor) Lifetime() Lifetime {
	var l Lifetime
	if c, ok := m.registry.Get("traffic.rx.bytes").(metrics.Counter); ok {
		l.Received = c.Count()
	}
	if c, ok := m.registry.Get("traffic.tx.bytes").(metrics.Counter); ok {
		l.Sent = c.Count()
	}
	if r, ok := m.registry.Get("traffic.rx.rate").(metrics.Meter); ok {
		l.ReceiveRate = r.Rate1()
	}
	if r, ok := m.registry.Get("traffic.tx.rate").(metrics.Meter); ok {
		l.SendRate = r.Rate1()
	}
	return l
}

func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	now := m.now()
	m.startedAt = now
	m.lastTick = now
	m.baseRx = m.received
	m.baseTx = m.sent

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.loop(ctx, m.done)
	log.WithField("interval", m.interval).Debug("Traffic monitor started")
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		m.stats.Set(nil)
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.stats.Set(nil)
	log.Debug("Traffic monitor stopped")
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) UpdateBytes(received, sent uint64) {
	m.mu.Lock()
	m.received += received
	m.sent += sent
	m.mu.Unlock()

	m.rxCount.Inc(int64(received))
	m.txCount.Inc(int64(sent))
	m.rxMeter.Mark(int64(received))
	m.txMeter.Mark(int64(sent))
}

func (m *Monitor) SetLastHandshakeTime(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handshake = &t
}

func (m *Monitor) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = &d
}

// Reset zeroes the totals and restarts the duration clock without
// interrupting sampling. A fresh sample is published right away when running.
func (m *Monitor) Reset() {
	m.mu.Lock()
	now := m.now()
	m.received, m.sent = 0, 0
	m.baseRx, m.baseTx = 0, 0
	m.startedAt = now
	m.lastTick = now
	m.handshake = nil
	m.latency = nil
	running := m.running
	var s *models.ConnectionStatistics
	if running {
		s = m.sampleLocked(now)
	}
	m.mu.Unlock()

	if running {
		m.stats.Set(s)
	}
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if ctx.Err() != nil {
				m.mu.Unlock()
				return
			}
			s := m.sampleLocked(m.now())
			m.mu.Unlock()
			m.stats.Set(s)
		}
	}
}

func (m *Monitor) sampleLocked(now time.Time) *models.ConnectionStatistics {
	elapsed := now.Sub(m.lastTick).Milliseconds()

	s := &models.ConnectionStatistics{
		BytesReceived:      m.received,
		BytesSent:          m.sent,
		DownloadSpeed:      speed(m.received, m.baseRx, elapsed),
		UploadSpeed:        speed(m.sent, m.baseTx, elapsed),
		ConnectionDuration: now.Sub(m.startedAt),
	}
	if m.handshake != nil {
		h := *m.handshake
		s.LastHandshakeTime = &h
	}
	if m.latency != nil {
		l := *m.latency
		s.Latency = &l
	}

	m.baseRx = m.received
	m.baseTx = m.sent
	m.lastTick = now
	return s
}

func speed(total, base uint64, elapsedMs int64) uint64 {
	if elapsedMs <= 0 || total < base {
		return 0
	}
	return (total - base) * 1000 / uint64(elapsedMs)
}
