// Package settings holds user preferences in a TOML file and writes them back
// in the background when they change.
package settings

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"xenlink/internal/reconnect"
	"xenlink/internal/storage"
	"xenlink/internal/traffic"

	"github.com/pelletier/go-toml/v2"
	log "github.com/sirupsen/logrus"
)

const (
	configFile = "config.toml"

	DefaultWriteInterval = 2 * time.Minute
)

type Preferences struct {
	Reconnect ReconnectPrefs `toml:"reconnect"`
	Traffic   TrafficPrefs   `toml:"traffic"`
	Tunnel    TunnelPrefs    `toml:"tunnel"`
}

type ReconnectPrefs struct {
	Enabled bool `toml:"enabled"`
	// MaxDelaySeconds caps the backoff.
	MaxDelaySeconds int `toml:"max_delay_seconds"`
	// WarnAfter is the attempt from which the user is warned.
	WarnAfter                   int `toml:"warn_after"`
	SettleDelayMillis           int `toml:"settle_delay_ms"`
	MinImmediateIntervalSeconds int `toml:"min_immediate_interval_seconds"`
}

type TrafficPrefs struct {
	SampleIntervalMillis int `toml:"sample_interval_ms"`
}

type TunnelPrefs struct {
	// Engine selects the WireGuard interface: "system" or "netstack".
	Engine           string `toml:"engine"`
	DNSServer        string `toml:"dns_server"`
	LastProfileID    int64  `toml:"last_profile_id"`
	ConnectOnStartup bool   `toml:"connect_on_startup"`
}

func Default() Preferences {
	d := reconnect.DefaultConfig()
	return Preferences{
		Reconnect: ReconnectPrefs{
			Enabled:                     true,
			MaxDelaySeconds:             d.MaxDelay,
			WarnAfter:                   d.WarnAfter,
			SettleDelayMillis:           int(d.SettleDelay / time.Millisecond),
			MinImmediateIntervalSeconds: int(d.MinImmediateInterval / time.Second),
		},
		Traffic: TrafficPrefs{
			SampleIntervalMillis: int(traffic.DefaultInterval / time.Millisecond),
		},
		Tunnel: TunnelPrefs{
			Engine: "system",
		},
	}
}

func (p Preferences) ReconnectConfig() reconnect.Config {
	return reconnect.Config{
		Unit:                 time.Second,
		MaxDelay:             p.Reconnect.MaxDelaySeconds,
		WarnAfter:            p.Reconnect.WarnAfter,
		SettleDelay:          time.Duration(p.Reconnect.SettleDelayMillis) * time.Millisecond,
		MinImmediateInterval: time.Duration(p.Reconnect.MinImmediateIntervalSeconds) * time.Second,
	}
}

func (p Preferences) SampleInterval() time.Duration {
	return time.Duration(p.Traffic.SampleIntervalMillis) * time.Millisecond
}

func decode(b []byte) (Preferences, error) {
	p := Default()
	if err := toml.NewDecoder(bytes.NewReader(b)).Decode(&p); err != nil {
		return Default(), err
	}
	return p, nil
}

// Store guards the preferences shared by the CLI and the background writer.
type Store struct {
	storage *storage.AppStorage
	path    string

	mu          sync.Mutex
	prefs       Preferences
	lastWritten Preferences
	firstLaunch bool
	writeLock   sync.Mutex
}

// Load reads config.toml from the storage config dir. A malformed file is
// copied aside and defaults are used.
func Load(s *storage.AppStorage) *Store {
	path := filepath.Join(s.ConfigPath(), configFile)
	st := &Store{storage: s, path: path, prefs: Default()}

	if !s.FileExists(path) {
		st.firstLaunch = true
		return st
	}

	b, err := s.ReadFile(path)
	if err == nil {
		st.prefs, err = decode(b)
	}
	if err != nil {
		backup := path + ".bak"
		log.WithError(err).Warnf("Config file may be malformed: copying to %s", filepath.Base(backup))
		_ = s.CopyFile(path, backup)
		return st
	}
	st.lastWritten = st.prefs
	return st
}

func (s *Store) IsFirstLaunch() bool {
	return s.firstLaunch
}

func (s *Store) Get() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

func (s *Store) Update(fn func(*Preferences)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.prefs)
}

// Save writes the preferences if they changed since the last write.
func (s *Store) Save() error {
	if !s.writeLock.TryLock() {
		return nil // another write in progress
	}
	defer s.writeLock.Unlock()

	s.mu.Lock()
	prefs := s.prefs
	dirty := s.firstLaunch || !reflect.DeepEqual(prefs, s.lastWritten)
	s.mu.Unlock()
	if !dirty {
		return nil
	}

	b, err := toml.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}
	if err := s.storage.WriteFile(s.path, b); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastWritten = prefs
	s.firstLaunch = false
	s.mu.Unlock()
	return nil
}

// StartWriter saves on every tick until ctx ends, then once more.
func (s *Store) StartWriter(ctx context.Context, every time.Duration) <-chan struct{} {
	if every <= 0 {
		every = DefaultWriteInterval
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := time.NewTicker(every)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				if err := s.Save(); err != nil {
					log.WithError(err).Error("Failed to save preferences")
				}
				return
			case <-tick.C:
				if err := s.Save(); err != nil {
					log.WithError(err).Error("Failed to save preferences")
				}
			}
		}
	}()
	return done
}
