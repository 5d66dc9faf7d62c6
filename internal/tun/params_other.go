//go:build !linux

package tun

import "github.com/songgao/water"

// Interface names are assigned by the OS outside Linux.
func platformConfig(string) water.Config {
	return water.Config{DeviceType: water.TUN}
}
