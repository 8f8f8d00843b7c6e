// Package server is the UDP listen loop that feeds DHCP handlers.
package server

import (
	"context"
	"errors"
	"net"

	"github.com/go-logr/logr"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"github.com/wickboot/wick/internal/dhcp/data"
	"golang.org/x/net/ipv4"
)

// Handler is the interface DHCP handlers implement. The server hands every
// parsed packet to all registered handlers.
type Handler interface {
	Handle(ctx context.Context, conn *ipv4.PacketConn, d data.Packet)
}

// DHCP is a DHCPv4 server backed by a single UDP connection.
type DHCP struct {
	Logger   logr.Logger
	Conn     net.PacketConn
	Handlers []Handler
}

// NewServer binds a UDP connection on ifname/addr and returns a DHCP server
// that dispatches to the given handlers.
func NewServer(ifname string, addr *net.UDPAddr, h ...Handler) (*DHCP, error) {
	conn, err := server4.NewIPv4UDPConn(ifname, addr)
	if err != nil {
		return nil, err
	}

	return &DHCP{Conn: conn, Handlers: h}, nil
}

// Serve reads DHCP packets off the connection and dispatches each one to all
// handlers in its own goroutine. Serve blocks until ctx is canceled or the
// connection fails.
func (s *DHCP) Serve(ctx context.Context) error {
	if s.Conn == nil {
		return errors.New("no connection specified")
	}
	if s.Logger.GetSink() == nil {
		s.Logger = logr.Discard()
	}
	conn := ipv4.NewPacketConn(s.Conn)
	if err := conn.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	// Large enough for any DHCPv4 message that fits a single ethernet frame
	// plus clients that negotiate a bigger maximum message size (option 57).
	buf := make([]byte, 4096)
	for {
		n, cm, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.Logger.Info("error reading from connection", "error", err)

			return err
		}
		pkt, err := dhcpv4.FromBytes(buf[:n])
		if err != nil {
			s.Logger.V(1).Info("error parsing DHCPv4 request", "error", err)
			continue
		}

		md := &data.Metadata{}
		if cm != nil {
			md.IfIndex = cm.IfIndex
			if in, err := net.InterfaceByIndex(cm.IfIndex); err == nil {
				md.IfName = in.Name
			}
		}
		for _, h := range s.Handlers {
			go h.Handle(ctx, conn, data.Packet{Peer: peer, Pkt: pkt, Md: md})
		}
	}
}
