package sshtunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	socks5Version = 0x05
	authNone      = 0x00
	authNoAccept  = 0xff
	cmdConnect    = 0x01
	addrIPv4      = 0x01
	addrDomain    = 0x03
	addrIPv6      = 0x04

	replySuccess        = 0x00
	replyHostUnreach    = 0x04
	replyCmdUnsupported = 0x07
)

// listenSocks starts a no-auth SOCKS5 CONNECT server.
func listenSocks(addr string, d dialer) (*localProxy, error) {
	return listen("SOCKS5", addr, d, serveSocks)
}

func serveSocks(p *localProxy, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	if err := handleAuth(conn); err != nil {
		log.Debugf("SOCKS auth failed: %v", err)
		return
	}
	target, err := readRequest(conn)
	if err != nil {
		log.Debugf("SOCKS request failed: %v", err)
		return
	}

	_ = conn.SetDeadline(time.Time{})

	remote, err := p.dialTarget(target)
	if err != nil {
		log.WithField("target", target).WithError(err).Debug("Failed to dial target")
		_ = writeReply(conn, replyHostUnreach)
		return
	}
	defer remote.Close()

	if err := writeReply(conn, replySuccess); err != nil {
		return
	}
	p.relay(conn, conn, remote, target)
}

func handleAuth(conn net.Conn) error {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("failed to read auth header: %w", err)
	}
	if buf[0] != socks5Version {
		return fmt.Errorf("unsupported SOCKS version: %d", buf[0])
	}

	methods := make([]byte, buf[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("failed to read methods: %w", err)
	}
	for _, m := range methods {
		if m == authNone {
			_, err := conn.Write([]byte{socks5Version, authNone})
			return err
		}
	}
	_, _ = conn.Write([]byte{socks5Version, authNoAccept})
	return errors.New("client offered no acceptable auth method")
}

func readRequest(conn net.Conn) (string, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", fmt.Errorf("failed to read request header: %w", err)
	}
	if buf[0] != socks5Version {
		return "", fmt.Errorf("unsupported version in request: %d", buf[0])
	}
	if buf[1] != cmdConnect {
		_ = writeReply(conn, replyCmdUnsupported)
		return "", fmt.Errorf("unsupported command %d", buf[1])
	}
	return parseAddress(conn, buf[3])
}

func parseAddress(r io.Reader, addrType byte) (string, error) {
	var host string
	switch addrType {
	case addrIPv4:
		ip := make([]byte, 4)
		if _, err := io.ReadFull(r, ip); err != nil {
			return "", err
		}
		host = net.IP(ip).String()
	case addrDomain:
		n := make([]byte, 1)
		if _, err := io.ReadFull(r, n); err != nil {
			return "", err
		}
		domain := make([]byte, n[0])
		if _, err := io.ReadFull(r, domain); err != nil {
			return "", err
		}
		host = string(domain)
	case addrIPv6:
		ip := make([]byte, 16)
		if _, err := io.ReadFull(r, ip); err != nil {
			return "", err
		}
		host = net.IP(ip).String()
	default:
		return "", fmt.Errorf("unsupported address type: %d", addrType)
	}

	port := make([]byte, 2)
	if _, err := io.ReadFull(r, port); err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(port)))), nil
}

func writeReply(w io.Writer, code byte) error {
	_, err := w.Write([]byte{socks5Version, code, 0x00, addrIPv4, 0, 0, 0, 0, 0, 0})
	return err
}
