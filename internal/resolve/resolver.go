// Package resolve turns server host names into addresses for engines that
// need an IP literal endpoint.
package resolve

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
)

const (
	defaultTimeout     = 5 * time.Second
	systemResolvConf   = "/etc/resolv.conf"
	fallbackNameserver = "1.1.1.1:53"
)

type Resolver struct {
	client  *dns.Client
	servers []string
}

// New returns a resolver that queries server ("host:port"). An empty server
// uses the nameservers from the system resolver configuration.
func New(server string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	r := &Resolver{
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
	if server != "" {
		r.servers = []string{server}
		return r
	}

	cfg, err := dns.ClientConfigFromFile(systemResolvConf)
	if err != nil || len(cfg.Servers) == 0 {
		log.WithError(err).Warnf("No system nameservers, using %s", fallbackNameserver)
		r.servers = []string{fallbackNameserver}
		return r
	}
	for _, s := range cfg.Servers {
		r.servers = append(r.servers, net.JoinHostPort(s, cfg.Port))
	}
	return r
}

// Resolve returns the first IPv4 address of host, or its first IPv6 address
// when it has no A record. IP literals are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip, nil
	}

	var lastErr error
	for _, server := range r.servers {
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			addr, err := r.query(ctx, server, host, qtype)
			if err == nil {
				return addr, nil
			}
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no nameservers configured")
	}
	return netip.Addr{}, &net.DNSError{Err: lastErr.Error(), Name: host, IsNotFound: true}
}

func (r *Resolver) query(ctx context.Context, server, host string, qtype uint16) (netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, msg, server)
	if err == nil && in.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: r.client.Timeout}
		in, _, err = tcp.ExchangeContext(ctx, msg, server)
	}
	if err != nil {
		return netip.Addr{}, err
	}
	if in.Rcode != dns.RcodeSuccess {
		return netip.Addr{}, fmt.Errorf("%s lookup of %s: %s", dns.TypeToString[qtype], host, dns.RcodeToString[in.Rcode])
	}

	for _, rr := range in.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			return addr.Unmap(), nil
		}
	}
	return netip.Addr{}, fmt.Errorf("no %s record for %s", dns.TypeToString[qtype], host)
}
