package reservation

import (
	"context"
	"errors"
	"net"

	"github.com/wickboot/wick/internal/dhcp/data"
)

// noop is a backend that does nothing.
type noop struct{}

// GetByMac returns an error.
func (h noop) GetByMac(_ context.Context, _ net.HardwareAddr) (*data.DHCP, *data.Netboot, error) {
	return nil, nil, errors.New("no backend specified, please specify a backend")
}

// GetByIP returns an error.
func (h noop) GetByIP(_ context.Context, _ net.IP) (*data.DHCP, *data.Netboot, error) {
	return nil, nil, errors.New("no backend specified, please specify a backend")
}
