package resolve

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, records map[string]string) string {
	t.Helper()

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		if value, ok := records[q.Name]; ok {
			ip := net.ParseIP(value)
			switch {
			case q.Qtype == dns.TypeA && ip.To4() != nil:
				resp.Answer = append(resp.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   ip.To4(),
				})
			case q.Qtype == dns.TypeAAAA && ip.To4() == nil:
				resp.Answer = append(resp.Answer, &dns.AAAA{
					Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 60},
					AAAA: ip,
				})
			}
		} else {
			resp.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(resp)
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dns server did not start")
	}
	return pc.LocalAddr().String()
}

func TestResolve(t *testing.T) {
	addr := startServer(t, map[string]string{
		"vpn.example.": "203.0.113.7",
		"six.example.": "2001:db8::1",
	})
	r := New(addr, time.Second)
	ctx := context.Background()

	ip, err := r.Resolve(ctx, "vpn.example")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("203.0.113.7"), ip)

	ip, err = r.Resolve(ctx, "six.example")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("2001:db8::1"), ip)
}

func TestResolveLiteral(t *testing.T) {
	r := New("127.0.0.1:1", time.Millisecond)
	ip, err := r.Resolve(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), ip)
}

func TestResolveMissing(t *testing.T) {
	addr := startServer(t, nil)
	r := New(addr, time.Second)

	_, err := r.Resolve(context.Background(), "nowhere.example")
	var dnsErr *net.DNSError
	require.ErrorAs(t, err, &dnsErr)
	assert.Equal(t, "nowhere.example", dnsErr.Name)
	assert.Contains(t, err.Error(), "NXDOMAIN")
}
