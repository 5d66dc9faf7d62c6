package models

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"
)

type Protocol string

const (
	ProtocolWireGuard Protocol = "wireguard"
	ProtocolSSH       Protocol = "ssh"
	ProtocolVLESS     Protocol = "vless"
)

type SSHAuth string

const (
	SSHAuthPassword SSHAuth = "password"
	SSHAuthKey      SSHAuth = "key"
)

// Profile is a saved server definition. Secrets never live here; adapters
// fetch them from the credential store by profile id.
type Profile struct {
	ID        int64              `json:"id" toml:"id"`
	Name      string             `json:"name" toml:"name"`
	Protocol  Protocol           `json:"protocol" toml:"protocol"`
	Host      string             `json:"host" toml:"host"`
	Port      int                `json:"port" toml:"port"`
	WireGuard *WireGuardSettings `json:"wireguard,omitempty" toml:"wireguard,omitempty"`
	SSH       *SSHSettings       `json:"ssh,omitempty" toml:"ssh,omitempty"`
	LastUsed  time.Time          `json:"last_used,omitempty" toml:"-"`
}

type WireGuardSettings struct {
	Addresses       []string `json:"addresses" toml:"addresses"`
	DNS             []string `json:"dns,omitempty" toml:"dns"`
	MTU             int      `json:"mtu,omitempty" toml:"mtu"`
	PeerPublicKey   string   `json:"peer_public_key" toml:"peer_public_key"`
	AllowedIPs      []string `json:"allowed_ips" toml:"allowed_ips"`
	UsePresharedKey bool     `json:"use_preshared_key,omitempty" toml:"use_preshared_key"`
	NATTraversal    bool     `json:"nat_traversal" toml:"nat_traversal"`
	InterfaceName   string   `json:"interface_name,omitempty" toml:"interface_name"`
}

type SSHSettings struct {
	User        string  `json:"user" toml:"user"`
	Auth        SSHAuth `json:"auth" toml:"auth"`
	HostKey     string  `json:"host_key,omitempty" toml:"host_key"`
	SocksListen string  `json:"socks_listen,omitempty" toml:"socks_listen"`
	// HTTPListen enables an HTTP proxy next to the SOCKS5 one.
	HTTPListen string `json:"http_listen,omitempty" toml:"http_listen"`
}

func (p *Profile) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Validate checks structural correctness only. Protocol-specific secrets are
// validated by the adapter that consumes them.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return errors.New("profile name is empty")
	}
	if p.Host == "" {
		return errors.New("server host is empty")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("server port %d out of range", p.Port)
	}

	switch p.Protocol {
	case ProtocolWireGuard:
		return p.WireGuard.validate()
	case ProtocolSSH:
		return p.SSH.validate()
	case "":
		return errors.New("protocol is empty")
	default:
		return nil
	}
}

func (w *WireGuardSettings) validate() error {
	if w == nil {
		return errors.New("wireguard settings are missing")
	}
	if len(w.Addresses) == 0 {
		return errors.New("wireguard interface has no addresses")
	}
	for _, a := range w.Addresses {
		if _, err := netip.ParsePrefix(a); err != nil {
			return fmt.Errorf("invalid interface address %q: %w", a, err)
		}
	}
	for _, d := range w.DNS {
		if _, err := netip.ParseAddr(d); err != nil {
			return fmt.Errorf("invalid dns address %q: %w", d, err)
		}
	}
	if len(w.AllowedIPs) == 0 {
		return errors.New("wireguard peer has no allowed ips")
	}
	for _, a := range w.AllowedIPs {
		if _, err := netip.ParsePrefix(a); err != nil {
			return fmt.Errorf("invalid allowed ip %q: %w", a, err)
		}
	}
	if w.PeerPublicKey == "" {
		return errors.New("peer public key is empty")
	}
	if w.MTU < 0 || (w.MTU > 0 && w.MTU < 576) {
		return fmt.Errorf("mtu %d too small", w.MTU)
	}
	return nil
}

func (s *SSHSettings) validate() error {
	if s == nil {
		return errors.New("ssh settings are missing")
	}
	if s.User == "" {
		return errors.New("ssh user is empty")
	}
	switch s.Auth {
	case SSHAuthPassword, SSHAuthKey:
	default:
		return fmt.Errorf("unknown ssh auth method %q", s.Auth)
	}
	if s.SocksListen != "" {
		if _, _, err := net.SplitHostPort(s.SocksListen); err != nil {
			return fmt.Errorf("invalid socks listen address: %w", err)
		}
	}
	if s.HTTPListen != "" {
		if _, _, err := net.SplitHostPort(s.HTTPListen); err != nil {
			return fmt.Errorf("invalid http listen address: %w", err)
		}
	}
	return nil
}

var ErrProfileNotFound = errors.New("profile not found")
