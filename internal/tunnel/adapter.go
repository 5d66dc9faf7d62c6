package tunnel

import (
	"context"
	"time"

	"xenlink/internal/models"
	"xenlink/internal/stream"
)

// Adapter drives one tunneling protocol. An adapter owns at most one live
// session; Connect on an adapter that is already up replaces the session.
type Adapter interface {
	Protocol() models.Protocol
	Connect(ctx context.Context, profile *models.Profile) (models.Connection, error)
	Disconnect(ctx context.Context) error
	TestConnection(ctx context.Context, profile *models.Profile) (time.Duration, error)
	State() *stream.State[models.ConnectionState]
	// Statistics returns the adapter's own counters, nil when not connected.
	Statistics() *models.ConnectionStatistics
}

// StatsSink receives traffic deltas and health indicators from an adapter.
type StatsSink interface {
	UpdateBytes(received, sent uint64)
	SetLastHandshakeTime(t time.Time)
	SetLatency(d time.Duration)
}

// KeepAlivePolicy advises adapters on keep-alive cadence and lets them follow
// power changes while a session is up.
type KeepAlivePolicy interface {
	Recommend(natTraversalNeeded bool) time.Duration
	State() *stream.State[models.BatteryState]
}

type ProfileStore interface {
	// Profile returns models.ErrProfileNotFound when id is unknown.
	Profile(ctx context.Context, id int64) (*models.Profile, error)
	MarkUsed(ctx context.Context, id int64, at time.Time) error
}

type SecretKind string

const (
	SecretWireGuardPrivateKey   SecretKind = "wireguard.private_key"
	SecretWireGuardPresharedKey SecretKind = "wireguard.preshared_key"
	SecretSSHPassword           SecretKind = "ssh.password"
	SecretSSHPrivateKey         SecretKind = "ssh.private_key"
)

type CredentialStore interface {
	// Secret returns ErrSecretNotFound when nothing is stored.
	Secret(ctx context.Context, profileID int64, kind SecretKind) (string, error)
}

// Arming is the view of the reconnect service the manager needs.
type Arming interface {
	Enable(profileID int64)
	Disable()
}
