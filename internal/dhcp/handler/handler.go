// Package handler holds the interfaces that backends implement, handlers take in, and the top level dhcp package passes to handlers.
package handler

import (
	"context"
	"net"

	"github.com/wickboot/wick/internal/dhcp/data"
)

// BackendReader is the interface for getting data from a backend.
//
// Backends implement this interface to provide DHCP and Netboot data to the handlers.
type BackendReader interface {
	// Read data (from a backend) based on a mac address
	// and return DHCP headers and options, including netboot info.
	GetByMac(context.Context, net.HardwareAddr) (*data.DHCP, *data.Netboot, error)
	GetByIP(context.Context, net.IP) (*data.DHCP, *data.Netboot, error)
}

// BackendWriter is the interface for updating a host record in a backend.
//
// The phone-home handler uses it to record install completion and to stop
// offering netboot options so the next boot falls through to local disk.
type BackendWriter interface {
	// SetAllowNetboot flips whether the host receives netboot options in
	// DHCP replies and whether boot scripts are served for it.
	SetAllowNetboot(context.Context, net.HardwareAddr, bool) error
	// SetInstallState records the host's install lifecycle state.
	SetInstallState(context.Context, net.HardwareAddr, string) error
}
