package sshtunnel

import (
	"context"
	"io"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"xenlink/internal/battery"
	"xenlink/internal/models"
	"xenlink/internal/tunnel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/net/proxy"
)

type secrets map[tunnel.SecretKind]string

func (s secrets) Secret(_ context.Context, _ int64, kind tunnel.SecretKind) (string, error) {
	v, ok := s[kind]
	if !ok {
		return "", tunnel.ErrSecretNotFound
	}
	return v, nil
}

type recordingSink struct {
	mu      sync.Mutex
	rx, tx  uint64
	latency time.Duration
}

func (r *recordingSink) UpdateBytes(received, sent uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rx += received
	r.tx += sent
}

func (r *recordingSink) SetLastHandshakeTime(time.Time) {}

func (r *recordingSink) SetLatency(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latency = d
}

func (r *recordingSink) totals() (uint64, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rx, r.tx
}

func sshProfile(port int) *models.Profile {
	return &models.Profile{
		ID:       3,
		Name:     "ssh",
		Protocol: models.ProtocolSSH,
		Host:     "127.0.0.1",
		Port:     port,
		SSH: &models.SSHSettings{
			User:        "tester",
			Auth:        models.SSHAuthPassword,
			SocksListen: "127.0.0.1:0",
		},
	}
}

func newAdapter(t *testing.T, password string) (*Adapter, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	a := New(secrets{tunnel.SecretSSHPassword: password}, sink, battery.NewOptimizer(), Options{PollInterval: 10 * time.Millisecond})
	t.Cleanup(func() { _ = a.Disconnect(context.Background()) })
	return a, sink
}

func TestForwardThroughSocks(t *testing.T) {
	srv := startServer(t, "s3cret")
	echo := startEcho(t)
	a, sink := newAdapter(t, "s3cret")

	p := sshProfile(srv.port())
	p.SSH.HTTPListen = "127.0.0.1:0"
	c, err := a.Connect(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, srv.addr, c.ServerAddress)
	assert.NotNil(t, a.HTTPAddr())
	assert.Equal(t, models.StateConnected, a.State().Value().Kind)

	socksAddr := a.SocksAddr()
	require.NotNil(t, socksAddr)

	d, err := proxy.SOCKS5("tcp", socksAddr.String(), nil, proxy.Direct)
	require.NoError(t, err)
	conn, err := d.Dial("tcp", echo)
	require.NoError(t, err)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		rx, tx := sink.totals()
		return rx == 4 && tx == 4
	}, time.Second, 5*time.Millisecond)

	stats := a.Statistics()
	require.NotNil(t, stats)
	require.NotNil(t, stats.Latency)
	assert.EqualValues(t, 4, stats.BytesSent)

	require.NoError(t, a.Disconnect(context.Background()))
	assert.Equal(t, models.StateDisconnected, a.State().Value().Kind)
	assert.Nil(t, a.SocksAddr())
	assert.Nil(t, a.HTTPAddr())
	assert.Nil(t, a.Statistics())
}

func TestWrongPassword(t *testing.T) {
	srv := startServer(t, "s3cret")
	a, _ := newAdapter(t, "guess")

	_, err := a.Connect(context.Background(), sshProfile(srv.port()))
	require.Error(t, err)
	assert.Equal(t, tunnel.KindAuthenticationFailure, tunnel.Classify(err).Kind)
	assert.Equal(t, models.StateError, a.State().Value().Kind)
}

func TestPinnedHostKeyMismatch(t *testing.T) {
	srv := startServer(t, "s3cret")
	other := startServer(t, "s3cret")
	a, _ := newAdapter(t, "s3cret")

	p := sshProfile(srv.port())
	p.SSH.HostKey = string(ssh.MarshalAuthorizedKey(other.hostKey))

	_, err := a.Connect(context.Background(), p)
	require.Error(t, err)
	assert.Equal(t, tunnel.KindHandshakeFailure, tunnel.Classify(err).Kind)

	p.SSH.HostKey = string(ssh.MarshalAuthorizedKey(srv.hostKey))
	_, err = a.Connect(context.Background(), p)
	require.NoError(t, err)
}

func TestServerUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	a, _ := newAdapter(t, "s3cret")
	_, err = a.Connect(context.Background(), sshProfile(port))
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Equal(t, tunnel.KindServerUnreachable, tunnel.Classify(err).Kind)
}

func TestMissingPassword(t *testing.T) {
	srv := startServer(t, "s3cret")
	a := New(secrets{}, &recordingSink{}, nil, Options{})

	_, err := a.Connect(context.Background(), sshProfile(srv.port()))
	assert.Equal(t, tunnel.KindInvalidConfiguration, tunnel.KindOf(err))
}

func TestServerCloseIsReportedAsDrop(t *testing.T) {
	srv := startServer(t, "s3cret")
	a, _ := newAdapter(t, "s3cret")

	_, err := a.Connect(context.Background(), sshProfile(srv.port()))
	require.NoError(t, err)

	srv.closeAll()

	require.Eventually(t, func() bool {
		return a.State().Value().Kind == models.StateError
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, tunnel.KindUnexpectedDrop, tunnel.KindOf(a.State().Value().Err))
	assert.Nil(t, a.SocksAddr())
}

func TestUnansweredKeepAliveIsReportedAsDrop(t *testing.T) {
	srv := startServer(t, "s3cret")
	srv.silent.Store(true)

	a := New(secrets{tunnel.SecretSSHPassword: "s3cret"}, &recordingSink{}, nil,
		Options{PollInterval: 10 * time.Millisecond, KeepAlive: 20 * time.Millisecond})
	t.Cleanup(func() { _ = a.Disconnect(context.Background()) })

	_, err := a.Connect(context.Background(), sshProfile(srv.port()))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.State().Value().Kind == models.StateError
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, tunnel.KindUnexpectedDrop, tunnel.KindOf(a.State().Value().Err))
}

func TestProbe(t *testing.T) {
	srv := startServer(t, "s3cret")
	a, _ := newAdapter(t, "s3cret")

	latency, err := a.TestConnection(context.Background(), sshProfile(srv.port()))
	require.NoError(t, err)
	assert.Positive(t, latency)
	assert.Equal(t, models.StateDisconnected, a.State().Value().Kind)
}

func TestProbeTimeout(t *testing.T) {
	// A listener that never speaks SSH.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(io.Discard, c)
			}()
		}
	}()

	a := New(secrets{tunnel.SecretSSHPassword: "x"}, &recordingSink{}, nil, Options{ProbeTimeout: 100 * time.Millisecond})
	_, err = a.TestConnection(context.Background(), sshProfile(l.Addr().(*net.TCPAddr).Port))
	require.Error(t, err)
	assert.Equal(t, tunnel.KindConnectionTimeout, tunnel.Classify(err).Kind)
}
