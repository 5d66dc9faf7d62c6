package wireguard

import (
	"bufio"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// deviceConfig is the single-peer configuration pushed to the device.
type deviceConfig struct {
	PrivateKey    Key
	PeerPublicKey Key
	PresharedKey  *Key
	Endpoint      netip.AddrPort
	AllowedIPs    []netip.Prefix
	KeepAlive     int
}

func (c *deviceConfig) uapi() string {
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", c.PrivateKey.Hex())
	b.WriteString("replace_peers=true\n")
	fmt.Fprintf(&b, "public_key=%s\n", c.PeerPublicKey.Hex())
	if c.PresharedKey != nil {
		fmt.Fprintf(&b, "preshared_key=%s\n", c.PresharedKey.Hex())
	}
	fmt.Fprintf(&b, "endpoint=%s\n", c.Endpoint)
	fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", c.KeepAlive)
	b.WriteString("replace_allowed_ips=true\n")
	for _, p := range c.AllowedIPs {
		fmt.Fprintf(&b, "allowed_ip=%s\n", p)
	}
	return b.String()
}

func keepAliveUAPI(peer Key, seconds int) string {
	return fmt.Sprintf("public_key=%s\nupdate_only=true\npersistent_keepalive_interval=%d\n", peer.Hex(), seconds)
}

type deviceStatus struct {
	ListenPort    int
	RxBytes       uint64
	TxBytes       uint64
	LastHandshake time.Time
	KeepAlive     int
}

// parseStatus reads the first peer's counters from an IpcGet dump.
func parseStatus(dump string) (deviceStatus, error) {
	var (
		st        deviceStatus
		sec, nsec int64
		peers     int
	)
	sc := bufio.NewScanner(strings.NewReader(dump))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		if key == "public_key" {
			peers++
			continue
		}
		if peers > 1 {
			break
		}

		var err error
		switch key {
		case "listen_port":
			st.ListenPort, err = strconv.Atoi(value)
		case "rx_bytes":
			st.RxBytes, err = strconv.ParseUint(value, 10, 64)
		case "tx_bytes":
			st.TxBytes, err = strconv.ParseUint(value, 10, 64)
		case "last_handshake_time_sec":
			sec, err = strconv.ParseInt(value, 10, 64)
		case "last_handshake_time_nsec":
			nsec, err = strconv.ParseInt(value, 10, 64)
		case "persistent_keepalive_interval":
			st.KeepAlive, err = strconv.Atoi(value)
		case "errno":
			if value != "0" {
				err = fmt.Errorf("device reported errno %s", value)
			}
		}
		if err != nil {
			return st, fmt.Errorf("parse %s: %w", key, err)
		}
	}
	if sec != 0 || nsec != 0 {
		st.LastHandshake = time.Unix(sec, nsec)
	}
	return st, sc.Err()
}
