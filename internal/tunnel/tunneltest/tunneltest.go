// Package tunneltest provides in-memory adapters and stores for exercising the
// connection lifecycle without a real engine.
package tunneltest

import (
	"context"
	"sync"
	"time"

	"xenlink/internal/models"
	"xenlink/internal/stream"
)

// Adapter is a scriptable tunnel.Adapter. By default every Connect succeeds.
type Adapter struct {
	proto models.Protocol
	state *stream.State[models.ConnectionState]

	mu            sync.Mutex
	connectFunc   func(ctx context.Context, p *models.Profile) error
	disconnectErr error
	latency       time.Duration
	connects      []int64
	disconnects   int
	connected     bool
}

func NewAdapter(proto models.Protocol) *Adapter {
	return &Adapter{
		proto:   proto,
		state:   stream.New(models.Disconnected()),
		latency: 20 * time.Millisecond,
	}
}

// OnConnect replaces the connect behavior. Returning an error fails the attempt.
func (a *Adapter) OnConnect(fn func(ctx context.Context, p *models.Profile) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectFunc = fn
}

// FailWith makes every following Connect return err; nil restores success.
func (a *Adapter) FailWith(err error) {
	a.OnConnect(func(context.Context, *models.Profile) error { return err })
}

func (a *Adapter) SetDisconnectError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnectErr = err
}

func (a *Adapter) Protocol() models.Protocol {
	return a.proto
}

func (a *Adapter) Connect(ctx context.Context, p *models.Profile) (models.Connection, error) {
	a.mu.Lock()
	a.connects = append(a.connects, p.ID)
	fn := a.connectFunc
	a.mu.Unlock()

	a.state.Set(models.Connecting())
	if fn != nil {
		if err := fn(ctx, p); err != nil {
			a.state.Set(models.Errored(err))
			return models.Connection{}, err
		}
	}

	conn := models.Connection{
		ProfileID:     p.ID,
		Protocol:      p.Protocol,
		EstablishedAt: time.Now(),
		ServerAddress: p.Address(),
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	a.state.Set(models.Connected(conn))
	return conn, nil
}

func (a *Adapter) Disconnect(context.Context) error {
	a.mu.Lock()
	a.disconnects++
	a.connected = false
	err := a.disconnectErr
	a.mu.Unlock()

	a.state.Set(models.Disconnected())
	return err
}

func (a *Adapter) TestConnection(context.Context, *models.Profile) (time.Duration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latency, nil
}

func (a *Adapter) State() *stream.State[models.ConnectionState] {
	return a.state
}

func (a *Adapter) Statistics() *models.ConnectionStatistics {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	return &models.ConnectionStatistics{}
}

// Drop simulates the engine losing the session.
func (a *Adapter) Drop() {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.state.Set(models.Disconnected())
}

// Fail simulates the engine reporting a fatal error on a live session.
func (a *Adapter) Fail(err error) {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.state.Set(models.Errored(err))
}

// Connects returns the profile ids passed to Connect, in call order.
func (a *Adapter) Connects() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.connects...)
}

func (a *Adapter) Disconnects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disconnects
}

// Profiles is an in-memory tunnel.ProfileStore.
type Profiles struct {
	mu       sync.Mutex
	profiles map[int64]*models.Profile
}

func NewProfiles(profiles ...*models.Profile) *Profiles {
	s := &Profiles{profiles: make(map[int64]*models.Profile)}
	for _, p := range profiles {
		s.profiles[p.ID] = p
	}
	return s
}

func (s *Profiles) Profile(_ context.Context, id int64) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, models.ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Profiles) MarkUsed(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[id]; ok {
		p.LastUsed = at
	}
	return nil
}

func (s *Profiles) Remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, id)
}

// SSHProfile returns a structurally valid SSH profile.
func SSHProfile(id int64) *models.Profile {
	return &models.Profile{
		ID:       id,
		Name:     "test",
		Protocol: models.ProtocolSSH,
		Host:     "127.0.0.1",
		Port:     22,
		SSH: &models.SSHSettings{
			User:        "tester",
			Auth:        models.SSHAuthPassword,
			SocksListen: "127.0.0.1:0",
		},
	}
}

// WireGuardProfile returns a structurally valid WireGuard profile.
func WireGuardProfile(id int64) *models.Profile {
	return &models.Profile{
		ID:       id,
		Name:     "wg",
		Protocol: models.ProtocolWireGuard,
		Host:     "127.0.0.1",
		Port:     51820,
		WireGuard: &models.WireGuardSettings{
			Addresses:     []string{"10.8.0.2/32"},
			PeerPublicKey: "HIgo9xNzJMWLKASShiTqIybxZ0U3wGLiUeJ1PKf8ykw=",
			AllowedIPs:    []string{"0.0.0.0/0"},
			NATTraversal:  true,
		},
	}
}
