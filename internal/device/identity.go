// Package device resolves a stable device identity for provisioning.
package device

import (
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ID returns the identity used as the provisioning key: the first hardware
// MAC address, formatted the way the store expects. Hosts without a usable
// interface get a random identity, which provisions a fresh room on every
// start.
func ID() string {
	interfaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range interfaces {
			if iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			if len(iface.HardwareAddr) == 0 {
				continue
			}
			return iface.HardwareAddr.String()
		}
	}

	id := uuid.NewString()
	log.Warn().Str("device_id", id).Msg("No hardware MAC found, using random device id")
	return id
}
