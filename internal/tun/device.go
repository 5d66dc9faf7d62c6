// Package tun provides the system virtual interface a WireGuard device
// reads and writes packets through.
package tun

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/songgao/water"
	wgtun "golang.zx2c4.com/wireguard/tun"
)

const DefaultMTU = 1420

type Config struct {
	Name      string
	Addresses []netip.Prefix
	MTU       int
}

// Device adapts a water interface to the wireguard tun.Device contract.
// It moves one packet per call.
type Device struct {
	ifce   *water.Interface
	name   string
	mtu    int
	events chan wgtun.Event

	closeOnce sync.Once
	closeErr  error
}

var _ wgtun.Device = (*Device)(nil)

// New creates and configures the interface. It needs root.
func New(cfg Config) (*Device, error) {
	if os.Geteuid() != 0 {
		return nil, fmt.Errorf("creating interface %s requires root: %w", cfg.Name, os.ErrPermission)
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}

	ifce, err := water.New(platformConfig(cfg.Name))
	if err != nil {
		return nil, fmt.Errorf("create tun interface: %w", err)
	}

	d := &Device{
		ifce:   ifce,
		name:   ifce.Name(),
		mtu:    cfg.MTU,
		events: make(chan wgtun.Event, 4),
	}

	for _, args := range setupCommands(d.name, cfg.Addresses, cfg.MTU) {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			_ = ifce.Close()
			return nil, fmt.Errorf("configure %s: %v: %s", d.name, err, out)
		}
	}

	log.WithFields(log.Fields{"name": d.name, "mtu": d.mtu}).Info("TUN interface created")
	d.events <- wgtun.EventUp
	return d, nil
}

func setupCommands(name string, addrs []netip.Prefix, mtu int) [][]string {
	cmds := make([][]string, 0, len(addrs)+1)
	for _, p := range addrs {
		cmds = append(cmds, []string{"ip", "addr", "add", p.String(), "dev", name})
	}
	cmds = append(cmds, []string{"ip", "link", "set", "dev", name, "mtu", strconv.Itoa(mtu), "up"})
	return cmds
}

func (d *Device) File() *os.File {
	return nil
}

func (d *Device) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	n, err := d.ifce.Read(bufs[0][offset:])
	if err != nil {
		return 0, err
	}
	sizes[0] = n
	return 1, nil
}

func (d *Device) Write(bufs [][]byte, offset int) (int, error) {
	for i, buf := range bufs {
		if _, err := d.ifce.Write(buf[offset:]); err != nil {
			return i, err
		}
	}
	return len(bufs), nil
}

func (d *Device) MTU() (int, error) {
	return d.mtu, nil
}

func (d *Device) Name() (string, error) {
	return d.name, nil
}

func (d *Device) Events() <-chan wgtun.Event {
	return d.events
}

func (d *Device) BatchSize() int {
	return 1
}

func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.ifce.Close()
		if errors.Is(d.closeErr, os.ErrClosed) {
			d.closeErr = nil
		}
		close(d.events)
		log.WithField("name", d.name).Info("TUN interface closed")
	})
	return d.closeErr
}
