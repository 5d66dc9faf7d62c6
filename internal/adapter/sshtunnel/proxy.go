package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	handshakeTimeout = 10 * time.Second
	dialTimeout      = 15 * time.Second
)

type dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// localProxy accepts application connections on a local address and opens
// every stream through the SSH connection. The protocol spoken to the
// application is up to serve.
type localProxy struct {
	name     string
	listener net.Listener
	dial     dialer
	serve    func(p *localProxy, conn net.Conn)
	wg       sync.WaitGroup
	closed   atomic.Bool

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	received atomic.Uint64
	sent     atomic.Uint64
}

func listen(name, addr string, d dialer, serve func(*localProxy, net.Conn)) (*localProxy, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	p := &localProxy{
		name:     name,
		listener: l,
		dial:     d,
		serve:    serve,
		conns:    make(map[net.Conn]struct{}),
	}

	p.wg.Add(1)
	go p.acceptLoop()

	log.Infof("%s proxy listening on %s", name, l.Addr())
	return p, nil
}

func (p *localProxy) Addr() net.Addr {
	return p.listener.Addr()
}

// counters returns the bytes moved so far, from the application's point of
// view.
func (p *localProxy) counters() (received, sent uint64) {
	return p.received.Load(), p.sent.Load()
}

func (p *localProxy) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if p.closed.Load() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			log.WithField("proxy", p.name).Errorf("Accept error: %v", err)
			return
		}

		p.wg.Add(1)
		go p.handle(conn)
	}
}

func (p *localProxy) track(conn net.Conn, add bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !add {
		delete(p.conns, conn)
		return true
	}
	if p.closed.Load() {
		return false
	}
	p.conns[conn] = struct{}{}
	return true
}

func (p *localProxy) handle(conn net.Conn) {
	defer p.wg.Done()
	defer conn.Close()

	if !p.track(conn, true) {
		return
	}
	defer p.track(conn, false)

	p.serve(p, conn)
}

func (p *localProxy) dialTarget(target string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	return p.dial.DialContext(ctx, "tcp", target)
}

// relay copies in both directions until both sides finish. from is read in
// place of local when the handshake left bytes buffered.
func (p *localProxy) relay(local net.Conn, from io.Reader, remote net.Conn, target string) {
	errCh := make(chan error, 2)
	go func() {
		n, err := io.Copy(remote, from)
		p.sent.Add(uint64(n))
		closeWrite(remote)
		errCh <- err
	}()
	go func() {
		n, err := io.Copy(local, remote)
		p.received.Add(uint64(n))
		closeWrite(local)
		errCh <- err
	}()

	for i := 0; i < 2; i++ {
		if err := <-errCh; !isNormalError(err) {
			log.WithField("target", target).WithError(err).Debug("Forward error")
		}
	}
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

func isNormalError(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "reset") || strings.Contains(msg, "broken pipe")
}

// Close stops accepting and cuts every open stream.
func (p *localProxy) Close() error {
	p.mu.Lock()
	p.closed.Store(true)
	for c := range p.conns {
		_ = c.Close()
	}
	p.mu.Unlock()

	err := p.listener.Close()
	p.wg.Wait()
	return err
}
