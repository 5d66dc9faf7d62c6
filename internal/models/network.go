package models

type NetworkEvent int

const (
	NetworkAvailable NetworkEvent = iota
	NetworkLost
	NetworkCapabilitiesChanged
)

func (e NetworkEvent) String() string {
	switch e {
	case NetworkAvailable:
		return "available"
	case NetworkLost:
		return "lost"
	case NetworkCapabilitiesChanged:
		return "capabilities_changed"
	default:
		return "unknown"
	}
}
