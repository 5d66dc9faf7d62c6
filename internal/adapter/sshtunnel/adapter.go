// Package sshtunnel carries traffic over an SSH connection and exposes it to
// applications as a local SOCKS5 proxy.
package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"xenlink/internal/models"
	"xenlink/internal/stream"
	"xenlink/internal/tunnel"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const (
	DefaultConnectTimeout = 45 * time.Second
	DefaultProbeTimeout   = 10 * time.Second
	DefaultKeepAlive      = 30 * time.Second
	DefaultPollInterval   = time.Second
	DefaultSocksListen    = "127.0.0.1:1080"

	clientVersion = "SSH-2.0-OpenSSH_8.4p1"
)

type Options struct {
	ConnectTimeout time.Duration
	ProbeTimeout   time.Duration
	// KeepAlive is used when the power policy advises none.
	KeepAlive    time.Duration
	PollInterval time.Duration
	// SocksListen is used for profiles that do not name a local address.
	SocksListen string
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.SocksListen == "" {
		o.SocksListen = DefaultSocksListen
	}
	return o
}

type Adapter struct {
	creds  tunnel.CredentialStore
	sink   tunnel.StatsSink
	policy tunnel.KeepAlivePolicy
	opts   Options
	state  *stream.State[models.ConnectionState]

	mu      sync.Mutex
	session *session
}

var _ tunnel.Adapter = (*Adapter)(nil)

type session struct {
	client  *ssh.Client
	socks   *localProxy
	http    *localProxy
	startAt time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	rx, tx  uint64
	latency time.Duration
}

func New(creds tunnel.CredentialStore, sink tunnel.StatsSink, policy tunnel.KeepAlivePolicy, opts Options) *Adapter {
	return &Adapter{
		creds:  creds,
		sink:   sink,
		policy: policy,
		opts:   opts.withDefaults(),
		state:  stream.New(models.Disconnected()),
	}
}

func (a *Adapter) Protocol() models.Protocol {
	return models.ProtocolSSH
}

func (a *Adapter) State() *stream.State[models.ConnectionState] {
	return a.state
}

// SocksAddr is the local proxy address of the live session, nil when down.
func (a *Adapter) SocksAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil
	}
	return a.session.socks.Addr()
}

// HTTPAddr is the local HTTP proxy address, nil when down or not configured.
func (a *Adapter) HTTPAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil || a.session.http == nil {
		return nil
	}
	return a.session.http.Addr()
}

func (a *Adapter) Connect(ctx context.Context, p *models.Profile) (models.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	defer cancel()

	a.teardown()
	a.state.Set(models.Connecting())

	logger := log.WithFields(log.Fields{"profile": p.ID, "addr": p.Address()})
	logger.Debug("Connecting SSH tunnel")

	fail := func(err error) (models.Connection, error) {
		a.state.Set(models.Errored(err))
		return models.Connection{}, err
	}

	config, err := a.clientConfig(ctx, p)
	if err != nil {
		return fail(err)
	}

	start := time.Now()
	client, err := dial(ctx, p.Address(), config)
	if err != nil {
		logger.WithError(err).Error("Connection failed")
		return fail(err)
	}
	handshake := time.Since(start)

	listen := p.SSH.SocksListen
	if listen == "" {
		listen = a.opts.SocksListen
	}
	socks, err := listenSocks(listen, client)
	if err != nil {
		client.Close()
		return fail(tunnel.NewError(tunnel.KindInvalidConfiguration, "cannot open local proxy", err))
	}
	var httpProxy *localProxy
	if p.SSH.HTTPListen != "" {
		if httpProxy, err = listenHTTP(p.SSH.HTTPListen, client); err != nil {
			_ = socks.Close()
			client.Close()
			return fail(tunnel.NewError(tunnel.KindInvalidConfiguration, "cannot open local proxy", err))
		}
	}

	watchCtx, stop := context.WithCancel(context.Background())
	s := &session{client: client, socks: socks, http: httpProxy, startAt: time.Now(), cancel: stop, latency: handshake}

	a.mu.Lock()
	a.session = s
	a.mu.Unlock()

	established := models.Connection{
		ProfileID:     p.ID,
		Protocol:      models.ProtocolSSH,
		EstablishedAt: s.startAt,
		ServerAddress: client.RemoteAddr().String(),
	}
	a.sink.SetLatency(handshake)
	a.state.Set(models.Connected(established))

	s.wg.Add(3)
	go a.keepAlive(watchCtx, s)
	go a.pollCounters(watchCtx, s)
	go a.waitClosed(watchCtx, s)

	logger.WithField("socks", socks.Addr()).Info("Tunnel connected successfully")
	return established, nil
}

func (a *Adapter) clientConfig(ctx context.Context, p *models.Profile) (*ssh.ClientConfig, error) {
	settings := p.SSH
	if settings == nil {
		return nil, tunnel.NewError(tunnel.KindInvalidConfiguration, "ssh settings are missing", nil)
	}

	var auth ssh.AuthMethod
	switch settings.Auth {
	case models.SSHAuthPassword:
		secret, err := a.secret(ctx, p.ID, tunnel.SecretSSHPassword)
		if err != nil {
			return nil, err
		}
		auth = ssh.Password(secret)
	case models.SSHAuthKey:
		secret, err := a.secret(ctx, p.ID, tunnel.SecretSSHPrivateKey)
		if err != nil {
			return nil, err
		}
		signer, err := ssh.ParsePrivateKey([]byte(secret))
		if err != nil {
			return nil, tunnel.NewError(tunnel.KindAuthenticationFailure, "bad ssh private key", err)
		}
		auth = ssh.PublicKeys(signer)
	default:
		return nil, tunnel.NewError(tunnel.KindInvalidConfiguration, fmt.Sprintf("unknown ssh auth method %q", settings.Auth), nil)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if settings.HostKey != "" {
		pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(settings.HostKey))
		if err != nil {
			return nil, tunnel.NewError(tunnel.KindInvalidConfiguration, "invalid pinned host key", err)
		}
		hostKey = ssh.FixedHostKey(pk)
	} else {
		log.WithField("profile", p.ID).Warn("No host key pinned, server identity is not verified")
	}

	return &ssh.ClientConfig{
		User:            settings.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKey,
		ClientVersion:   clientVersion,
	}, nil
}

func (a *Adapter) secret(ctx context.Context, profileID int64, kind tunnel.SecretKind) (string, error) {
	secret, err := a.creds.Secret(ctx, profileID, kind)
	if errors.Is(err, tunnel.ErrSecretNotFound) {
		return "", tunnel.NewError(tunnel.KindInvalidConfiguration, fmt.Sprintf("no %s stored for profile", kind), err)
	}
	if err != nil {
		return "", tunnel.NewError(tunnel.KindUnknown, "failed to read credentials", err)
	}
	return secret, nil
}

// dial connects and runs the SSH handshake, giving up when ctx ends.
func dial(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{client: ssh.NewClient(c, chans, reqs)}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		if r := <-done; r.client != nil {
			r.client.Close()
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
	case r := <-done:
		if r.err != nil {
			conn.Close()
		}
		return r.client, r.err
	}
}

func (a *Adapter) interval() time.Duration {
	if a.policy == nil {
		return a.opts.KeepAlive
	}
	if d := a.policy.Recommend(true); d > 0 {
		return d
	}
	return a.opts.KeepAlive
}

// keepAlive probes the server on the advised cadence. A failed probe ends the
// session.
func (a *Adapter) keepAlive(ctx context.Context, s *session) {
	defer s.wg.Done()

	current := a.interval()
	ticker := time.NewTicker(current)
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
			if next := a.interval(); next != current {
				current = next
				ticker.Reset(current)
				log.WithField("interval", current).Info("Keep-alive interval updated for power state")
			}
		case <-ticker.C:
			rtt, err := ping(s.client, 2*current)
			if err != nil {
				if ctx.Err() == nil {
					log.WithError(err).Warn("Keepalive failed")
					a.drop(s, tunnel.NewError(tunnel.KindUnexpectedDrop, "ssh keepalive failed", err))
				}
				return
			}
			s.mu.Lock()
			s.latency = rtt
			s.mu.Unlock()
			a.sink.SetLatency(rtt)
		}
	}
}

// ping sends one keep-alive request. A server that does not answer within
// timeout is treated as gone and the client is closed, which a half-open
// link would otherwise only reveal after the TCP timeout.
func ping(client *ssh.Client, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	timer := time.AfterFunc(timeout, func() { _ = client.Close() })
	_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
	if !timer.Stop() {
		return 0, fmt.Errorf("no keepalive reply within %s", timeout)
	}
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (a *Adapter) pollCounters(ctx context.Context, s *session) {
	defer s.wg.Done()

	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flush(s)
			return
		case <-ticker.C:
			a.flush(s)
		}
	}
}

func (s *session) closeProxies() {
	_ = s.socks.Close()
	if s.http != nil {
		_ = s.http.Close()
	}
}

// counters sums the traffic of both local proxies.
func (s *session) counters() (rx, tx uint64) {
	rx, tx = s.socks.counters()
	if s.http != nil {
		hrx, htx := s.http.counters()
		rx, tx = rx+hrx, tx+htx
	}
	return rx, tx
}

func (a *Adapter) flush(s *session) {
	rx, tx := s.counters()
	s.mu.Lock()
	drx, dtx := rx-s.rx, tx-s.tx
	s.rx, s.tx = rx, tx
	s.mu.Unlock()
	if drx > 0 || dtx > 0 {
		a.sink.UpdateBytes(drx, dtx)
	}
}

func (a *Adapter) waitClosed(ctx context.Context, s *session) {
	defer s.wg.Done()

	err := s.client.Wait()
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = tunnel.ErrConnectionLost
	}
	a.drop(s, tunnel.NewError(tunnel.KindUnexpectedDrop, "ssh connection closed by server", err))
}

// drop ends s from one of its own goroutines.
func (a *Adapter) drop(s *session, err error) {
	a.mu.Lock()
	if a.session != s {
		a.mu.Unlock()
		return
	}
	a.session = nil
	a.mu.Unlock()

	s.cancel()
	s.client.Close()
	s.closeProxies()
	log.WithError(err).Warn("SSH tunnel lost")
	a.state.Set(models.Errored(err))
}

func (a *Adapter) teardown() bool {
	a.mu.Lock()
	s := a.session
	a.session = nil
	a.mu.Unlock()

	if s == nil {
		return false
	}
	s.cancel()
	s.client.Close()
	s.closeProxies()
	s.wg.Wait()
	return true
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	done := make(chan bool, 1)
	go func() { done <- a.teardown() }()

	select {
	case had := <-done:
		a.state.Set(models.Disconnected())
		if had {
			log.Info("SSH tunnel disconnected")
		}
		return nil
	case <-ctx.Done():
		a.state.Set(models.Disconnected())
		return fmt.Errorf("ssh tunnel did not stop: %w", ctx.Err())
	}
}

// TestConnection times a full SSH handshake, including authentication.
func (a *Adapter) TestConnection(ctx context.Context, p *models.Profile) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.ProbeTimeout)
	defer cancel()

	config, err := a.clientConfig(ctx, p)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	client, err := dial(ctx, p.Address(), config)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	client.Close()
	return elapsed, nil
}

func (a *Adapter) Statistics() *models.ConnectionStatistics {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return nil
	}

	rx, tx := s.counters()
	s.mu.Lock()
	latency := s.latency
	s.mu.Unlock()
	return &models.ConnectionStatistics{
		BytesReceived:      rx,
		BytesSent:          tx,
		ConnectionDuration: time.Since(s.startAt),
		Latency:            &latency,
	}
}
