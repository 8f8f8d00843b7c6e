package dhcp

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"
)

// Info holds details about the DHCP request that are used when crafting responses.
type Info struct {
	// Pkt is the original DHCP request packet.
	Pkt *dhcpv4.DHCPv4
	// Arch is the client architecture from option 93.
	Arch iana.Arch
	// Mac is the client MAC address.
	Mac net.HardwareAddr
	// UserClass is the client user class from option 77.
	UserClass UserClass
	// ClientType is the client type from option 60. Either PXEClient or HTTPClient.
	ClientType ClientType
	// IsNetbootClient is nil if the request is from a valid netboot client.
	IsNetbootClient error
	// IPXEBinary is the iPXE binary matching the client architecture, empty if unknown.
	IPXEBinary string
}

// NewInfo extracts the request details used in netboot responses from a DHCP packet.
func NewInfo(pkt *dhcpv4.DHCPv4) Info {
	i := Info{Pkt: pkt}
	if pkt == nil {
		return i
	}
	i.Arch = Arch(pkt)
	i.Mac = pkt.ClientHWAddr
	i.UserClass = i.UserClassFrom()
	i.ClientType = i.ClientTypeFrom()
	i.IsNetbootClient = IsNetbootClient(pkt)
	if i.IsNetbootClient == nil {
		i.IPXEBinary = ArchToBootFile[i.Arch]
	}

	return i
}

// UserClassFrom returns the user class from option 77 of the request packet.
func (i Info) UserClassFrom() UserClass {
	if i.Pkt == nil {
		return ""
	}

	return UserClass(string(i.Pkt.GetOneOption(dhcpv4.OptionUserClassInformation)))
}

// ClientTypeFrom returns the client type from option 60 of the request packet.
// HTTPClient when the class identifier starts with HTTPClient, PXEClient otherwise.
func (i Info) ClientTypeFrom() ClientType {
	if i.Pkt != nil && strings.HasPrefix(string(i.Pkt.GetOneOption(dhcpv4.OptionClassIdentifier)), HTTPClient.String()) {
		return HTTPClient
	}

	return PXEClient
}

// Bootfile returns the boot file response for the request described by i.
// customUC is an optional custom user class that, like the wick user class,
// breaks an iPXE chainload loop by pointing at the iPXE script.
func (i Info) Bootfile(customUC UserClass, ipxeScript, ipxeHTTPBinServer *url.URL, ipxeTFTPBinServer netip.AddrPort) string {
	switch { // order matters here.
	case i.UserClass == Wick, (customUC != "" && i.UserClass == customUC):
		if ipxeScript != nil {
			return ipxeScript.String()
		}
		return "/no-ipxe-script-defined"
	case i.ClientType == HTTPClient:
		return ipxeHTTPBinServer.JoinPath(i.Mac.String(), i.IPXEBinary).String()
	case i.UserClass == IPXE:
		return fmt.Sprintf("tftp://%v/%v/%v", ipxeTFTPBinServer.String(), i.Mac.String(), i.IPXEBinary)
	}

	return i.IPXEBinary
}

// NextServer returns the next server (siaddr) response for the request described by i.
func (i Info) NextServer(ipxeHTTPBinServer *url.URL, ipxeTFTPBinServer netip.AddrPort) net.IP {
	if i.ClientType == HTTPClient {
		if n, err := netip.ParseAddrPort(ipxeHTTPBinServer.Host); err == nil {
			return net.ParseIP(n.Addr().String())
		}

		return net.ParseIP(ipxeHTTPBinServer.Host)
	}

	return net.ParseIP(ipxeTFTPBinServer.Addr().String())
}

// AddRPIOpt43 adds the Raspberry Pi specific option 43 suboptions when the
// client MAC belongs to the Raspberry Pi Foundation, then serializes opts.
// The Raspberry Pi bootloader requires suboption 9 to contain "Raspberry Pi Boot"
// before it will continue with PXE booting.
func (i Info) AddRPIOpt43(opts dhcpv4.Options) []byte {
	if isRaspberryPI(i.Mac) {
		opts[9] = append([]byte{0x00, 0x00, 0x11}, []byte("Raspberry Pi Boot")...)
		opts[10] = append([]byte{0x00}, []byte("PXE")...)
	}

	return opts.ToBytes()
}

// raspberry pi OUIs. https://maclookup.app/vendors/raspberry-pi-foundation
var rpiOUIs = [][3]byte{
	{0xb8, 0x27, 0xeb},
	{0xdc, 0xa6, 0x32},
	{0xe4, 0x5f, 0x01},
	{0x28, 0xcd, 0xc1},
}

func isRaspberryPI(mac net.HardwareAddr) bool {
	if len(mac) < 3 {
		return false
	}
	for _, oui := range rpiOUIs {
		if mac[0] == oui[0] && mac[1] == oui[1] && mac[2] == oui[2] {
			return true
		}
	}

	return false
}
