// Package wireguard runs a userspace WireGuard device for one profile at a
// time and reports its health to the connection manager.
package wireguard

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"xenlink/internal/models"
	"xenlink/internal/stream"
	xtun "xenlink/internal/tun"
	"xenlink/internal/tunnel"

	log "github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/tun/netstack"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultProbeTimeout   = 10 * time.Second
	DefaultPollInterval   = time.Second
	// A session with keep-alive on renews its handshake at least every two
	// minutes; older than this means the peer is gone.
	DefaultStaleAfter = 180 * time.Second

	DefaultInterfaceName = "xenlink0"

	handshakeKeepAlive = 25
	handshakePoll      = 50 * time.Millisecond
)

// TunFactory creates the interface the device moves packets through.
type TunFactory func(name string, addrs []netip.Prefix, dns []netip.Addr, mtu int) (tun.Device, error)

// SystemTun creates a kernel TUN interface. It needs root.
func SystemTun(name string, addrs []netip.Prefix, _ []netip.Addr, mtu int) (tun.Device, error) {
	return xtun.New(xtun.Config{Name: name, Addresses: addrs, MTU: mtu})
}

// NetstackTun keeps the interface in a userspace network stack.
func NetstackTun(_ string, addrs []netip.Prefix, dns []netip.Addr, mtu int) (tun.Device, error) {
	local := make([]netip.Addr, 0, len(addrs))
	for _, p := range addrs {
		local = append(local, p.Addr())
	}
	dev, _, err := netstack.CreateNetTUN(local, dns, mtu)
	return dev, err
}

type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

type Options struct {
	Tun            TunFactory
	ConnectTimeout time.Duration
	ProbeTimeout   time.Duration
	PollInterval   time.Duration
	StaleAfter     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Tun == nil {
		o.Tun = SystemTun
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	return o
}

type Adapter struct {
	creds    tunnel.CredentialStore
	resolver Resolver
	sink     tunnel.StatsSink
	policy   tunnel.KeepAlivePolicy
	opts     Options
	state    *stream.State[models.ConnectionState]

	mu      sync.Mutex
	session *session
	// ifname stays set after the session ends so the interface going away
	// is not mistaken for a host network change.
	ifname string
}

var _ tunnel.Adapter = (*Adapter)(nil)

type session struct {
	dev       *device.Device
	local     Key
	peer      Key
	nat       bool
	keepAlive int
	endpoint  netip.AddrPort
	rtt       time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	startAt time.Time
	status  deviceStatus
}

func New(creds tunnel.CredentialStore, resolver Resolver, sink tunnel.StatsSink, policy tunnel.KeepAlivePolicy, opts Options) *Adapter {
	return &Adapter{
		creds:    creds,
		resolver: resolver,
		sink:     sink,
		policy:   policy,
		opts:     opts.withDefaults(),
		state:    stream.New(models.Disconnected()),
	}
}

func (a *Adapter) Protocol() models.Protocol {
	return models.ProtocolWireGuard
}

func (a *Adapter) State() *stream.State[models.ConnectionState] {
	return a.state
}

func (a *Adapter) Connect(ctx context.Context, p *models.Profile) (models.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	defer cancel()

	a.teardown()
	a.state.Set(models.Connecting())

	if p.WireGuard != nil {
		a.mu.Lock()
		a.ifname = interfaceName(p.WireGuard)
		a.mu.Unlock()
	}

	s, err := a.open(ctx, p, a.opts.Tun, a.keepAliveFor(p))
	if err != nil {
		a.state.Set(models.Errored(err))
		return models.Connection{}, err
	}

	established := models.Connection{
		ProfileID:     p.ID,
		Protocol:      models.ProtocolWireGuard,
		EstablishedAt: time.Now(),
		ServerAddress: s.endpoint.String(),
	}

	watchCtx, stop := context.WithCancel(context.Background())
	s.cancel = stop
	s.done = make(chan struct{})

	a.mu.Lock()
	a.session = s
	a.mu.Unlock()

	a.sink.SetLatency(s.rtt)
	a.sink.SetLastHandshakeTime(s.status.LastHandshake)
	a.state.Set(models.Connected(established))
	go a.watch(watchCtx, s)
	log.WithFields(log.Fields{"endpoint": s.endpoint, "keepalive": s.keepAlive}).Info("WireGuard session established")
	return established, nil
}

// open brings a device up and waits for its first handshake.
func (a *Adapter) open(ctx context.Context, p *models.Profile, factory TunFactory, keepAlive int) (*session, error) {
	cfg, settings, err := a.config(ctx, p)
	if err != nil {
		return nil, err
	}

	// Until the first handshake a keep-alive is always set so the device
	// initiates one on Up.
	cfg.KeepAlive = keepAlive
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = handshakeKeepAlive
	}

	addrs, dns := interfaceAddrs(settings)
	mtu := settings.MTU
	if mtu == 0 {
		mtu = xtun.DefaultMTU
	}
	tdev, err := factory(interfaceName(settings), addrs, dns, mtu)
	if err != nil {
		return nil, tunnel.Classify(fmt.Errorf("create interface: %w", err))
	}

	dev := device.NewDevice(tdev, conn.NewDefaultBind(), deviceLogger(p.ID))
	if err := dev.IpcSet(cfg.uapi()); err != nil {
		dev.Close()
		return nil, tunnel.NewError(tunnel.KindInvalidConfiguration, "wireguard rejected the configuration", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, tunnel.NewError(tunnel.KindUnknown, "failed to bring wireguard device up", err)
	}

	start := time.Now()
	st, err := waitHandshake(ctx, dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	rtt := time.Since(start)

	if keepAlive != cfg.KeepAlive {
		if err := dev.IpcSet(keepAliveUAPI(cfg.PeerPublicKey, keepAlive)); err != nil {
			log.WithError(err).Warn("Failed to apply keep-alive interval")
		}
	}

	return &session{
		dev:       dev,
		local:     cfg.PrivateKey,
		peer:      cfg.PeerPublicKey,
		nat:       settings.NATTraversal,
		keepAlive: keepAlive,
		endpoint:  cfg.Endpoint,
		rtt:       rtt,
		startAt:   start,
		status:    st,
	}, nil
}

func (a *Adapter) config(ctx context.Context, p *models.Profile) (*deviceConfig, *models.WireGuardSettings, error) {
	settings := p.WireGuard
	if settings == nil {
		return nil, nil, tunnel.NewError(tunnel.KindInvalidConfiguration, "wireguard settings are missing", nil)
	}

	priv, err := a.key(ctx, p.ID, tunnel.SecretWireGuardPrivateKey)
	if err != nil {
		return nil, nil, err
	}
	peer, err := ParseKey(settings.PeerPublicKey)
	if err != nil {
		return nil, nil, tunnel.NewError(tunnel.KindInvalidConfiguration, "invalid peer public key", err)
	}

	cfg := &deviceConfig{PrivateKey: priv, PeerPublicKey: peer}
	if settings.UsePresharedKey {
		psk, err := a.key(ctx, p.ID, tunnel.SecretWireGuardPresharedKey)
		if err != nil {
			return nil, nil, err
		}
		cfg.PresharedKey = &psk
	}

	for _, s := range settings.AllowedIPs {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, nil, tunnel.NewError(tunnel.KindInvalidConfiguration, "invalid allowed ip", err)
		}
		cfg.AllowedIPs = append(cfg.AllowedIPs, prefix)
	}

	ip, err := a.resolver.Resolve(ctx, p.Host)
	if err != nil {
		return nil, nil, tunnel.Classify(err)
	}
	cfg.Endpoint = netip.AddrPortFrom(ip, uint16(p.Port))
	return cfg, settings, nil
}

func (a *Adapter) key(ctx context.Context, profileID int64, kind tunnel.SecretKind) (Key, error) {
	secret, err := a.creds.Secret(ctx, profileID, kind)
	if errors.Is(err, tunnel.ErrSecretNotFound) {
		return Key{}, tunnel.NewError(tunnel.KindInvalidConfiguration, fmt.Sprintf("no %s stored for profile", kind), err)
	}
	if err != nil {
		return Key{}, tunnel.NewError(tunnel.KindUnknown, "failed to read credentials", err)
	}
	k, err := ParseKey(secret)
	if err != nil || k.IsZero() {
		if err == nil {
			err = errors.New("key is all zeros")
		}
		return Key{}, tunnel.NewError(tunnel.KindAuthenticationFailure, fmt.Sprintf("bad %s", kind), err)
	}
	return k, nil
}

func interfaceName(s *models.WireGuardSettings) string {
	if s.InterfaceName == "" {
		return DefaultInterfaceName
	}
	return s.InterfaceName
}

// Interfaces names the host interface of the current or last session.
func (a *Adapter) Interfaces() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ifname == "" {
		return nil
	}
	return []string{a.ifname}
}

func interfaceAddrs(s *models.WireGuardSettings) ([]netip.Prefix, []netip.Addr) {
	addrs := make([]netip.Prefix, 0, len(s.Addresses))
	for _, a := range s.Addresses {
		if p, err := netip.ParsePrefix(a); err == nil {
			addrs = append(addrs, p)
		}
	}
	dns := make([]netip.Addr, 0, len(s.DNS))
	for _, d := range s.DNS {
		if ip, err := netip.ParseAddr(d); err == nil {
			dns = append(dns, ip)
		}
	}
	return addrs, dns
}

func waitHandshake(ctx context.Context, dev *device.Device) (deviceStatus, error) {
	ticker := time.NewTicker(handshakePoll)
	defer ticker.Stop()
	for {
		dump, err := dev.IpcGet()
		if err != nil {
			return deviceStatus{}, tunnel.NewError(tunnel.KindUnknown, "failed to read device state", err)
		}
		st, err := parseStatus(dump)
		if err != nil {
			return deviceStatus{}, tunnel.NewError(tunnel.KindUnknown, "failed to read device state", err)
		}
		if !st.LastHandshake.IsZero() {
			return st, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return deviceStatus{}, tunnel.NewError(tunnel.KindHandshakeFailure, "wireguard handshake did not complete", ctx.Err())
			}
			return deviceStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Adapter) keepAliveFor(p *models.Profile) int {
	if a.policy == nil || p.WireGuard == nil {
		return 0
	}
	return int(a.policy.Recommend(p.WireGuard.NATTraversal) / time.Second)
}

// watch polls counters into the sink and follows battery changes until the
// session ends.
func (a *Adapter) watch(ctx context.Context, s *session) {
	defer close(s.done)

	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	var battery <-chan models.BatteryState
	if a.policy != nil {
		battery = a.policy.State().Subscribe(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-battery:
			if !ok {
				battery = nil
				continue
			}
			a.retune(s)
		case now := <-ticker.C:
			if err := a.poll(s, now); err != nil {
				a.drop(s, err)
				return
			}
		}
	}
}

func (a *Adapter) poll(s *session, now time.Time) error {
	dump, err := s.dev.IpcGet()
	if err != nil {
		return tunnel.NewError(tunnel.KindUnexpectedDrop, "wireguard device stopped", err)
	}
	st, err := parseStatus(dump)
	if err != nil {
		return tunnel.NewError(tunnel.KindUnexpectedDrop, "wireguard device stopped", err)
	}

	s.mu.Lock()
	prev := s.status
	s.status = st
	keepAlive := s.keepAlive
	s.mu.Unlock()

	if st.RxBytes >= prev.RxBytes && st.TxBytes >= prev.TxBytes {
		a.sink.UpdateBytes(st.RxBytes-prev.RxBytes, st.TxBytes-prev.TxBytes)
	}
	if !st.LastHandshake.Equal(prev.LastHandshake) && !st.LastHandshake.IsZero() {
		a.sink.SetLastHandshakeTime(st.LastHandshake)
	}

	if keepAlive > 0 && !st.LastHandshake.IsZero() && now.Sub(st.LastHandshake) > a.opts.StaleAfter {
		return tunnel.NewError(tunnel.KindUnexpectedDrop, "wireguard handshake went stale", tunnel.ErrConnectionLost)
	}
	return nil
}

func (a *Adapter) retune(s *session) {
	want := int(a.policy.Recommend(s.nat) / time.Second)

	s.mu.Lock()
	if want == s.keepAlive {
		s.mu.Unlock()
		return
	}
	s.keepAlive = want
	s.mu.Unlock()

	if err := s.dev.IpcSet(keepAliveUAPI(s.peer, want)); err != nil {
		log.WithError(err).Warn("Failed to update keep-alive interval")
		return
	}
	log.WithField("keepalive", want).Info("Keep-alive interval updated for power state")
}

func (a *Adapter) drop(s *session, err error) {
	a.mu.Lock()
	if a.session != s {
		a.mu.Unlock()
		return
	}
	a.session = nil
	a.mu.Unlock()

	log.WithError(err).Warn("WireGuard session lost")
	s.dev.Close()
	a.state.Set(models.Errored(err))
}

// teardown stops the current session, if any, without publishing state.
func (a *Adapter) teardown() bool {
	a.mu.Lock()
	s := a.session
	a.session = nil
	a.mu.Unlock()

	if s == nil {
		return false
	}
	s.cancel()
	<-s.done
	s.dev.Close()
	return true
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	done := make(chan bool, 1)
	go func() { done <- a.teardown() }()

	select {
	case had := <-done:
		a.state.Set(models.Disconnected())
		if had {
			log.Info("WireGuard session closed")
		}
		return nil
	case <-ctx.Done():
		a.state.Set(models.Disconnected())
		return fmt.Errorf("wireguard device did not stop: %w", ctx.Err())
	}
}

// TestConnection brings up a throwaway userspace device and measures the
// time to the first handshake. A second device with the key of the live
// session would make the server roam that peer onto the throwaway socket,
// so in that case the live session's handshake time is reported instead.
func (a *Adapter) TestConnection(ctx context.Context, p *models.Profile) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.ProbeTimeout)
	defer cancel()

	if rtt, ok := a.liveRTT(ctx, p); ok {
		log.WithField("profile", p.ID).Debug("Probe answered by the live session")
		return rtt, nil
	}

	s, err := a.open(ctx, p, NetstackTun, 0)
	if err != nil {
		return 0, err
	}
	s.dev.Close()
	return s.rtt, nil
}

func (a *Adapter) liveRTT(ctx context.Context, p *models.Profile) (time.Duration, bool) {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return 0, false
	}
	priv, err := a.key(ctx, p.ID, tunnel.SecretWireGuardPrivateKey)
	if err != nil || priv != s.local {
		return 0, false
	}
	return s.rtt, true
}

func (a *Adapter) Statistics() *models.ConnectionStatistics {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &models.ConnectionStatistics{
		BytesReceived:      s.status.RxBytes,
		BytesSent:          s.status.TxBytes,
		ConnectionDuration: time.Since(s.startAt),
	}
	if !s.status.LastHandshake.IsZero() {
		hs := s.status.LastHandshake
		stats.LastHandshakeTime = &hs
	}
	return stats
}

func deviceLogger(profileID int64) *device.Logger {
	entry := log.WithFields(log.Fields{"component": "wireguard", "profile": profileID})
	return &device.Logger{
		Verbosef: entry.Debugf,
		Errorf:   entry.Errorf,
	}
}
