// Package netwatch turns changes in the host's network interfaces into
// NetworkEvents by polling.
package netwatch

import (
	"context"
	"slices"
	"strings"
	"time"

	"xenlink/internal/models"

	psnet "github.com/shirou/gopsutil/net"
	log "github.com/sirupsen/logrus"
)

const DefaultInterval = 2 * time.Second

type Watcher struct {
	interval time.Duration
	list     func() ([]psnet.InterfaceStat, error)
	ignore   []string
	owned    []func() []string
}

type Option func(*Watcher)

// WithIgnore excludes interfaces whose name starts with any prefix, such as
// the tunnel's own interface.
func WithIgnore(prefixes ...string) Option {
	return func(w *Watcher) { w.ignore = append(w.ignore, prefixes...) }
}

// WithOwned excludes interfaces by exact name as reported by fn at each poll.
// Tunnel adapters use it for interface names chosen by the profile.
func WithOwned(fn func() []string) Option {
	return func(w *Watcher) {
		if fn != nil {
			w.owned = append(w.owned, fn)
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

func New(opts ...Option) *Watcher {
	w := &Watcher{
		interval: DefaultInterval,
		list:     psnet.Interfaces,
		ignore:   []string{"xen", "wg", "tun", "utun"},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Subscribe polls until ctx ends. The first snapshot is the baseline and
// produces no event.
func (w *Watcher) Subscribe(ctx context.Context) <-chan models.NetworkEvent {
	out := make(chan models.NetworkEvent, 4)

	prev, err := w.fingerprint()
	if err != nil {
		log.WithError(err).Warn("Failed to list network interfaces")
	}

	go func() {
		defer close(out)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			cur, err := w.fingerprint()
			if err != nil {
				log.WithError(err).Debug("Failed to list network interfaces")
				continue
			}
			ev, changed := diff(prev, cur)
			prev = cur
			if !changed {
				continue
			}

			log.WithFields(log.Fields{"event": ev, "interfaces": cur}).Debug("Network changed")
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// fingerprint lists "name=addr,addr" for every usable interface, sorted.
func (w *Watcher) fingerprint() ([]string, error) {
	ifaces, err := w.list()
	if err != nil {
		return nil, err
	}

	var owned []string
	for _, fn := range w.owned {
		owned = append(owned, fn()...)
	}

	var fp []string
	for _, iface := range ifaces {
		if !usable(iface) || w.ignored(iface.Name) || slices.Contains(owned, iface.Name) {
			continue
		}
		addrs := make([]string, 0, len(iface.Addrs))
		for _, a := range iface.Addrs {
			if strings.HasPrefix(a.Addr, "fe80:") {
				continue
			}
			addrs = append(addrs, a.Addr)
		}
		if len(addrs) == 0 {
			continue
		}
		slices.Sort(addrs)
		fp = append(fp, iface.Name+"="+strings.Join(addrs, ","))
	}
	slices.Sort(fp)
	return fp, nil
}

func usable(iface psnet.InterfaceStat) bool {
	return slices.Contains(iface.Flags, "up") && !slices.Contains(iface.Flags, "loopback")
}

func (w *Watcher) ignored(name string) bool {
	for _, p := range w.ignore {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func diff(prev, cur []string) (models.NetworkEvent, bool) {
	switch {
	case slices.Equal(prev, cur):
		return 0, false
	case len(cur) == 0:
		return models.NetworkLost, true
	case len(prev) == 0:
		return models.NetworkAvailable, true
	default:
		return models.NetworkCapabilitiesChanged, true
	}
}
