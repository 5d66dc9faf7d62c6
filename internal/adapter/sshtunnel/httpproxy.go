package sshtunnel

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// listenHTTP starts an HTTP proxy: CONNECT requests are tunnelled as raw
// streams, absolute-form requests are forwarded one per connection.
func listenHTTP(addr string, d dialer) (*localProxy, error) {
	return listen("HTTP", addr, d, serveHTTP)
}

func serveHTTP(p *localProxy, conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	reader := bufio.NewReader(conn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		log.Debugf("Failed to read proxy request: %v", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	target := req.Host
	if req.Method != http.MethodConnect {
		if req.URL.Host == "" {
			writeStatus(conn, http.StatusBadRequest)
			return
		}
		target = req.URL.Host
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		port := "80"
		if req.Method == http.MethodConnect || req.URL.Scheme == "https" {
			port = "443"
		}
		target = net.JoinHostPort(target, port)
	}

	logger := log.WithFields(log.Fields{"method": req.Method, "target": target})
	remote, err := p.dialTarget(target)
	if err != nil {
		logger.WithError(err).Debug("Failed to dial target")
		writeStatus(conn, http.StatusBadGateway)
		return
	}
	defer remote.Close()

	if req.Method == http.MethodConnect {
		if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
			return
		}
		p.relay(conn, reader, remote, target)
		return
	}

	// One request per connection keeps every request on the right upstream.
	req.Close = true
	req.RequestURI = ""
	req.Header.Del("Proxy-Connection")
	req.Header.Del("Proxy-Authorization")

	w := &countingWriter{w: remote}
	if err := req.Write(w); err != nil {
		logger.WithError(err).Debug("Failed to forward request")
		writeStatus(conn, http.StatusBadGateway)
		return
	}
	p.sent.Add(w.n)
	p.relay(conn, reader, remote, target)
}

func writeStatus(w io.Writer, code int) {
	_, _ = fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", code, http.StatusText(code))
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += uint64(n)
	return n, err
}
