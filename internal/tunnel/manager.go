package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"xenlink/internal/battery"
	"xenlink/internal/models"
	"xenlink/internal/stream"
	"xenlink/internal/traffic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const defaultDisconnectTimeout = 10 * time.Second

// Manager owns the single active tunnel. It resolves profiles, selects the
// adapter for the profile's protocol and publishes the aggregate
// ConnectionState. Connect, Disconnect and Interrupt are serialized.
type Manager struct {
	profiles ProfileStore
	adapters map[models.Protocol]Adapter
	monitor  *traffic.Monitor
	battery  *battery.Optimizer
	arming   Arming
	// arms counts Enable calls so Disconnect can tell whether a connect it
	// raced with re-armed the service.
	arms atomic.Uint64

	disconnectTimeout time.Duration
	now               func() time.Time

	opMu sync.Mutex

	mu         sync.RWMutex
	active     Adapter
	stopMirror context.CancelFunc
	generation uint64
	state      *stream.State[models.ConnectionState]
}

type Option func(*Manager)

// WithArming hands successful connects to the reconnect service.
func WithArming(a Arming) Option {
	return func(m *Manager) { m.arming = a }
}

func WithDisconnectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.disconnectTimeout = d }
}

func NewManager(profiles ProfileStore, adapters []Adapter, monitor *traffic.Monitor, optimizer *battery.Optimizer, opts ...Option) *Manager {
	m := &Manager{
		profiles:          profiles,
		adapters:          make(map[models.Protocol]Adapter, len(adapters)),
		monitor:           monitor,
		battery:           optimizer,
		disconnectTimeout: defaultDisconnectTimeout,
		now:               time.Now,
		state:             stream.New(models.Disconnected()),
	}
	for _, a := range adapters {
		m.adapters[a.Protocol()] = a
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() *stream.State[models.ConnectionState] {
	return m.state
}

// Connect establishes a tunnel for the stored profile, replacing any active
// one. The returned error, when non-nil, is always a *Error and matches the
// published Error state.
func (m *Manager) Connect(ctx context.Context, profileID int64) (err error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	logger := log.WithField("profile", profileID)
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Connect panicked: %v", r)
			e := NewError(KindUnknown, "connection failed", fmt.Errorf("panic: %v", r))
			m.teardownLocked(ctx)
			m.publish(models.Errored(e))
			err = e
		}
	}()

	profile, lookupErr := m.profiles.Profile(ctx, profileID)
	if lookupErr != nil {
		var e *Error
		if errors.Is(lookupErr, models.ErrProfileNotFound) {
			e = NewError(KindProfileNotFound, fmt.Sprintf("profile %d not found", profileID), lookupErr)
		} else {
			e = NewError(KindUnknown, "failed to load profile", lookupErr)
		}
		logger.WithError(lookupErr).Warn("Profile lookup failed")
		m.publish(models.Errored(e))
		return e
	}

	adapter, e := m.prepare(profile)
	if e != nil {
		logger.WithError(e).Warn("Profile rejected")
		m.publish(models.Errored(e))
		return e
	}

	// Replacing an active tunnel is not a user disconnect; the reconnect
	// service stays armed and no Disconnected state is published.
	m.teardownLocked(ctx)
	m.publish(models.Connecting())

	logger = logger.WithField("protocol", profile.Protocol)
	logger.Infof("Connecting to %s", profile.Address())

	conn, connErr := adapter.Connect(ctx, profile)
	if connErr == nil && ctx.Err() != nil {
		m.safeDisconnect(ctx, adapter)
		connErr = ctx.Err()
	}
	if connErr != nil {
		e := Classify(connErr)
		logger.WithError(connErr).WithField("kind", e.Kind).Error("Connection failed")
		m.publish(models.Errored(e))
		return e
	}

	conn.SessionID = uuid.NewString()
	conn.ProfileID = profile.ID
	conn.Protocol = profile.Protocol
	if conn.EstablishedAt.IsZero() {
		conn.EstablishedAt = m.now()
	}
	if conn.ServerAddress == "" {
		conn.ServerAddress = profile.Address()
	}

	if err := m.profiles.MarkUsed(ctx, profile.ID, conn.EstablishedAt); err != nil {
		logger.WithError(err).Warn("Failed to record last use of profile")
	}

	m.monitor.Start()
	m.monitor.Reset()

	mirrorCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.active = adapter
	m.stopMirror = cancel
	m.state.Set(models.Connected(conn))
	m.mu.Unlock()

	go m.mirror(mirrorCtx, adapter, gen)

	if m.arming != nil {
		m.arms.Add(1)
		m.arming.Enable(profile.ID)
	}

	logger.WithField("session", conn.SessionID).Info("Connected")
	return nil
}

func (m *Manager) prepare(profile *models.Profile) (Adapter, *Error) {
	if err := profile.Validate(); err != nil {
		return nil, NewError(KindInvalidConfiguration, "invalid profile", err)
	}
	adapter, ok := m.adapters[profile.Protocol]
	if !ok {
		return nil, NewError(KindInvalidConfiguration, fmt.Sprintf("protocol %q is not supported", profile.Protocol), ErrUnsupportedProtocol)
	}
	return adapter, nil
}

// mirror follows the adapter's own state for the lifetime of one session.
func (m *Manager) mirror(ctx context.Context, adapter Adapter, gen uint64) {
	for s := range adapter.State().Subscribe(ctx) {
		switch s.Kind {
		case models.StateError:
			m.dropped(gen, Classify(s.Err))
		case models.StateDisconnected:
			m.dropped(gen, NewError(KindUnexpectedDrop, "connection lost", ErrConnectionLost))
		}
	}
}

func (m *Manager) dropped(gen uint64, e *Error) {
	m.mu.Lock()
	if gen != m.generation || !m.state.Value().IsConnected() {
		m.mu.Unlock()
		return
	}
	m.state.Set(models.Errored(e))
	m.mu.Unlock()

	log.WithError(e).WithField("kind", e.Kind).Warn("Tunnel dropped")
	m.monitor.Stop()
}

// Disconnect tears down the active tunnel and disarms automatic reconnects.
// It always ends in Disconnected; adapter failures are only logged.
func (m *Manager) Disconnect(ctx context.Context) {
	arms := m.arms.Load()
	if m.arming != nil {
		m.arming.Disable()
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	// A connect already past its adapter call when Disable ran has armed
	// the service again.
	if m.arming != nil && m.arms.Load() != arms {
		m.arming.Disable()
	}

	m.teardownLocked(ctx)
	m.publish(models.Disconnected())
	log.Info("Disconnected")
}

// Interrupt tears down the active tunnel on behalf of the reconnect service.
// The service stays armed and Reconnecting is published.
func (m *Manager) Interrupt(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.teardownLocked(ctx)
	m.publish(models.Reconnecting())
	return nil
}

func (m *Manager) teardownLocked(ctx context.Context) {
	m.mu.Lock()
	adapter, stop := m.active, m.stopMirror
	m.active, m.stopMirror = nil, nil
	m.generation++
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.monitor.Stop()
	if adapter != nil {
		m.safeDisconnect(ctx, adapter)
	}
}

func (m *Manager) safeDisconnect(ctx context.Context, adapter Adapter) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.disconnectTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Adapter %s panicked on disconnect: %v", adapter.Protocol(), r)
		}
	}()
	if err := adapter.Disconnect(ctx); err != nil {
		log.WithError(err).WithField("protocol", adapter.Protocol()).Warn("Adapter disconnect failed")
	}
}

func (m *Manager) publish(s models.ConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Set(s)
}

// TestConnection measures reachability of the profile's server without
// touching the active tunnel.
func (m *Manager) TestConnection(ctx context.Context, profileID int64) (time.Duration, error) {
	profile, err := m.profiles.Profile(ctx, profileID)
	if err != nil {
		if errors.Is(err, models.ErrProfileNotFound) {
			return 0, NewError(KindProfileNotFound, fmt.Sprintf("profile %d not found", profileID), err)
		}
		return 0, NewError(KindUnknown, "failed to load profile", err)
	}
	adapter, e := m.prepare(profile)
	if e != nil {
		return 0, e
	}
	latency, err := adapter.TestConnection(ctx, profile)
	if err != nil {
		return 0, Classify(err)
	}
	return latency, nil
}

// CurrentProfileID reports the profile of the active tunnel. ok is true
// exactly when the state is Connected.
func (m *Manager) CurrentProfileID() (id int64, ok bool) {
	s := m.state.Value()
	if !s.IsConnected() {
		return 0, false
	}
	return s.Connection.ProfileID, true
}

func (m *Manager) CurrentAdapter() Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.state.Value().IsConnected() {
		return nil
	}
	return m.active
}

func (m *Manager) CurrentStatistics() *models.ConnectionStatistics {
	if !m.state.Value().IsConnected() {
		return nil
	}
	return m.monitor.Statistics().Value()
}

func (m *Manager) RecommendedKeepAliveInterval(batteryLevel int, natTraversalNeeded bool) time.Duration {
	return m.battery.RecommendedKeepAliveInterval(batteryLevel, natTraversalNeeded)
}

// Close disconnects and disarms.
func (m *Manager) Close() {
	m.Disconnect(context.Background())
}
