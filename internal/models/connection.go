package models

import (
	"fmt"
	"time"
)

// Connection describes an established tunnel. It only ever travels inside a
// Connected state and is never mutated after creation.
type Connection struct {
	SessionID     string    `json:"session_id"`
	ProfileID     int64     `json:"profile_id"`
	Protocol      Protocol  `json:"protocol"`
	EstablishedAt time.Time `json:"established_at"`
	ServerAddress string    `json:"server_address"`
}

type StateKind int

const (
	StateDisconnected StateKind = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionState is a tagged union: Connection is set only for
// StateConnected and Err only for StateError.
type ConnectionState struct {
	Kind       StateKind
	Connection *Connection
	Err        error
}

func Disconnected() ConnectionState { return ConnectionState{Kind: StateDisconnected} }

func Connecting() ConnectionState { return ConnectionState{Kind: StateConnecting} }

func Reconnecting() ConnectionState { return ConnectionState{Kind: StateReconnecting} }

func Connected(c Connection) ConnectionState {
	return ConnectionState{Kind: StateConnected, Connection: &c}
}

func Errored(err error) ConnectionState {
	return ConnectionState{Kind: StateError, Err: err}
}

func (s ConnectionState) IsConnected() bool {
	return s.Kind == StateConnected
}

func (s ConnectionState) String() string {
	switch s.Kind {
	case StateConnected:
		return fmt.Sprintf("connected(profile=%d, %s)", s.Connection.ProfileID, s.Connection.ServerAddress)
	case StateError:
		return fmt.Sprintf("error(%v)", s.Err)
	default:
		return s.Kind.String()
	}
}

type ReconnectKind int

const (
	ReconnectIdle ReconnectKind = iota
	ReconnectConnected
	ReconnectReconnecting
	ReconnectFailedMultipleTimes
)

func (k ReconnectKind) String() string {
	switch k {
	case ReconnectIdle:
		return "idle"
	case ReconnectConnected:
		return "connected"
	case ReconnectReconnecting:
		return "reconnecting"
	case ReconnectFailedMultipleTimes:
		return "failed_multiple_times"
	default:
		return "unknown"
	}
}

// ReconnectState is owned by the reconnect service. Attempt and NextAttemptIn
// are meaningful for the Reconnecting and FailedMultipleTimes kinds; the delay
// is expressed in backoff units (seconds unless configured otherwise).
type ReconnectState struct {
	Kind          ReconnectKind
	Attempt       int
	NextAttemptIn int
}

func (s ReconnectState) String() string {
	switch s.Kind {
	case ReconnectReconnecting, ReconnectFailedMultipleTimes:
		return fmt.Sprintf("%s(attempt=%d, next=%d)", s.Kind, s.Attempt, s.NextAttemptIn)
	default:
		return s.Kind.String()
	}
}
