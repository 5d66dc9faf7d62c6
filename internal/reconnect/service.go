// Package reconnect re-establishes a dropped tunnel with exponential backoff
// and hands the tunnel over when the underlying network changes.
package reconnect

import (
	"context"
	"sync"
	"time"

	"xenlink/internal/models"
	"xenlink/internal/stream"

	log "github.com/sirupsen/logrus"
)

// Controller is the part of the connection manager the service drives.
type Controller interface {
	State() *stream.State[models.ConnectionState]
	Connect(ctx context.Context, profileID int64) error
	Interrupt(ctx context.Context) error
}

type NetworkSignal interface {
	Subscribe(ctx context.Context) <-chan models.NetworkEvent
}

type Config struct {
	// Unit is the length of one backoff step.
	Unit time.Duration
	// MaxDelay caps the backoff, in units.
	MaxDelay int
	// WarnAfter is the attempt from which FailedMultipleTimes is published.
	WarnAfter int
	// SettleDelay is waited after a network change before reconnecting.
	SettleDelay time.Duration
	// MinImmediateInterval spaces out immediate attempts on a flapping network.
	MinImmediateInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Unit:                 time.Second,
		MaxDelay:             DefaultMaxDelay,
		WarnAfter:            DefaultWarnAfter,
		SettleDelay:          2 * time.Second,
		MinImmediateInterval: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Unit <= 0 {
		c.Unit = d.Unit
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.WarnAfter <= 0 {
		c.WarnAfter = d.WarnAfter
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.MinImmediateInterval < 0 {
		c.MinImmediateInterval = 0
	}
	return c
}

// Service is armed by every successful connect and disarmed by a user
// disconnect. While armed it watches the manager state and the network
// signal. At most one reconnect job runs at a time.
type Service struct {
	cfg     Config
	network NetworkSignal
	state   *stream.State[models.ReconnectState]
	now     func() time.Time

	mu            sync.Mutex
	ctrl          Controller
	base          context.Context
	stopBase      context.CancelFunc
	enabled       bool
	manual        bool
	profileID     int64
	attempts      int
	stopObservers context.CancelFunc
	stopJob       context.CancelFunc
	jobID         uint64
	lastImmediate time.Time
	wg            sync.WaitGroup
}

func NewService(network NetworkSignal, cfg Config) *Service {
	return &Service{
		cfg:     cfg.withDefaults(),
		network: network,
		state:   stream.New(models.ReconnectState{Kind: models.ReconnectIdle}),
		now:     time.Now,
	}
}

// Start binds the controller. Observers and jobs live until Close.
func (s *Service) Start(ctx context.Context, ctrl Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctrl = ctrl
	s.base, s.stopBase = context.WithCancel(ctx)
	if s.enabled && s.stopObservers == nil {
		s.startObserversLocked()
	}
}

func (s *Service) State() *stream.State[models.ReconnectState] {
	return s.state
}

func (s *Service) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled && !s.manual
}

// Enable arms the service for profileID. It is called from within a
// successful connect, including one made by a running job, so it never
// cancels the job.
func (s *Service) Enable(profileID int64) {
	s.mu.Lock()
	s.profileID = profileID
	s.attempts = 0
	s.manual = false
	s.enabled = true
	if s.stopObservers == nil && s.ctrl != nil {
		s.startObserversLocked()
	}
	s.state.Set(models.ReconnectState{Kind: models.ReconnectConnected})
	s.mu.Unlock()

	log.WithField("profile", profileID).Debug("Auto-reconnect armed")
}

// Disable records a user disconnect. Pending waits and attempts are cancelled
// and no further attempt is made until the next Enable.
func (s *Service) Disable() {
	s.mu.Lock()
	s.manual = true
	s.enabled = false
	s.profileID = 0
	s.attempts = 0
	if s.stopJob != nil {
		s.stopJob()
		s.stopJob = nil
	}
	if s.stopObservers != nil {
		s.stopObservers()
		s.stopObservers = nil
	}
	s.state.Set(models.ReconnectState{Kind: models.ReconnectIdle})
	s.mu.Unlock()

	log.Debug("Auto-reconnect disarmed")
}

// Close stops everything and waits for background work to finish.
func (s *Service) Close() {
	s.Disable()
	s.mu.Lock()
	if s.stopBase != nil {
		s.stopBase()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) startObserversLocked() {
	ctx, cancel := context.WithCancel(s.base)
	s.stopObservers = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchConnection(ctx)
	}()

	if s.network != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watchNetwork(ctx)
		}()
	}
}

func (s *Service) watchConnection(ctx context.Context) {
	states := s.ctrl.State()
	for range states.Subscribe(ctx) {
		// Decide on the latest state, not the delivered one; a queued Error
		// from an earlier failed attempt must not start a new job.
		cur := states.Value()
		switch cur.Kind {
		case models.StateError:
			s.onDrop()
		case models.StateDisconnected:
			if s.state.Value().Kind == models.ReconnectReconnecting {
				s.onDrop()
			}
		}
	}
}

func (s *Service) watchNetwork(ctx context.Context) {
	for ev := range s.network.Subscribe(ctx) {
		logger := log.WithField("event", ev)
		if ev == models.NetworkLost {
			logger.Debug("Network lost, waiting for a replacement")
			continue
		}
		if s.ctrl.State().Value().Kind != models.StateConnected {
			continue
		}
		logger.Info("Network changed, handing the tunnel over")
		s.startJob(true)
	}
}

func (s *Service) onDrop() {
	s.startJob(false)
}

func (s *Service) startJob(handover bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || s.manual || s.stopJob != nil || s.ctrl == nil {
		return
	}

	ctx, cancel := context.WithCancel(s.base)
	s.stopJob = cancel
	s.jobID++
	id, profileID := s.jobID, s.profileID

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finishJob(id)
		if handover {
			s.handover(ctx, id, profileID)
			return
		}
		s.retry(ctx, id, profileID)
	}()
}

func (s *Service) finishJob(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobID == id && s.stopJob != nil {
		s.stopJob()
		s.stopJob = nil
	}
}

// publish sets st only while job id is still the active job.
func (s *Service) publish(id uint64, st models.ReconnectState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobID != id || s.stopJob == nil {
		return false
	}
	s.state.Set(st)
	return true
}

func (s *Service) succeeded(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobID != id || s.stopJob == nil {
		return
	}
	s.attempts = 0
	s.state.Set(models.ReconnectState{Kind: models.ReconnectConnected})
}

// retry loops until a connect succeeds or the job is cancelled. Failures
// are logged and retried; they are never returned.
func (s *Service) retry(ctx context.Context, id uint64, profileID int64) {
	logger := log.WithField("profile", profileID)
	for {
		s.mu.Lock()
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		delay := Delay(attempt, s.cfg.MaxDelay)
		kind := models.ReconnectReconnecting
		if attempt >= s.cfg.WarnAfter {
			kind = models.ReconnectFailedMultipleTimes
		}
		if !s.publish(id, models.ReconnectState{Kind: kind, Attempt: attempt, NextAttemptIn: delay}) {
			return
		}
		logger.WithFields(log.Fields{"attempt": attempt, "delay": delay}).Info("Scheduling reconnect")

		if !sleep(ctx, time.Duration(delay)*s.cfg.Unit) {
			return
		}

		err := s.ctrl.Connect(ctx, profileID)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			logger.WithField("attempt", attempt).Info("Reconnected")
			s.succeeded(id)
			return
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("Reconnect attempt failed")
	}
}

// handover moves a live tunnel onto a new network: interrupt, let the network
// settle, then try once right away before falling back to the backoff loop.
func (s *Service) handover(ctx context.Context, id uint64, profileID int64) {
	logger := log.WithField("profile", profileID)

	s.mu.Lock()
	now := s.now()
	gated := !s.lastImmediate.IsZero() && now.Sub(s.lastImmediate) < s.cfg.MinImmediateInterval
	if !gated {
		s.lastImmediate = now
		s.attempts = 0
	}
	s.mu.Unlock()

	if !s.publish(id, models.ReconnectState{Kind: models.ReconnectReconnecting}) {
		return
	}
	if err := s.ctrl.Interrupt(ctx); err != nil {
		logger.WithError(err).Warn("Failed to interrupt tunnel")
	}
	if !sleep(ctx, s.cfg.SettleDelay) {
		return
	}

	if gated {
		logger.Info("Network is flapping, skipping immediate reconnect")
		s.retry(ctx, id, profileID)
		return
	}

	err := s.ctrl.Connect(ctx, profileID)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		logger.Info("Tunnel moved to the new network")
		s.succeeded(id)
		return
	}
	logger.WithError(err).Warn("Immediate reconnect failed, backing off")
	s.retry(ctx, id, profileID)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
