// Package otel translates DHCP headers and options to otel key/value attributes.
package otel

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const keyNamespace = "DHCP"

// PacketAttributes returns opentelemetry attributes for the headers and
// options of a DHCPv4 packet. namespace distinguishes request from reply
// attributes on the same span. Unset headers and options are skipped.
func PacketAttributes(d *dhcpv4.DHCPv4, namespace string) []attribute.KeyValue {
	if d == nil {
		return nil
	}
	key := func(name string) string {
		return fmt.Sprintf("%v.%v.%v", keyNamespace, namespace, name)
	}
	attrs := []attribute.KeyValue{
		attribute.String(key("Header.flags"), d.FlagsToString()),
		attribute.String(key("Header.transactionID"), d.TransactionID.String()),
	}
	if d.YourIPAddr != nil {
		attrs = append(attrs, attribute.String(key("Header.yiaddr"), d.YourIPAddr.String()))
	}
	if d.ServerIPAddr != nil {
		attrs = append(attrs, attribute.String(key("Header.siaddr"), d.ServerIPAddr.String()))
	}
	if d.ClientHWAddr != nil {
		attrs = append(attrs, attribute.String(key("Header.chaddr"), d.ClientHWAddr.String()))
	}
	if d.BootFileName != "" {
		attrs = append(attrs, attribute.String(key("Header.file"), d.BootFileName))
	}
	if sm := d.SubnetMask(); sm != nil {
		attrs = append(attrs, attribute.String(key("Opt1.SubnetMask"), net.IP(sm).String()))
	}
	if rs := joinIPs(d.Router()); rs != "" {
		attrs = append(attrs, attribute.String(key("Opt3.DefaultGateway"), rs))
	}
	if ns := joinIPs(d.DNS()); ns != "" {
		attrs = append(attrs, attribute.String(key("Opt6.NameServers"), ns))
	}
	if d.HostName() != "" {
		attrs = append(attrs, attribute.String(key("Opt12.Hostname"), d.HostName()))
	}
	if d.DomainName() != "" {
		attrs = append(attrs, attribute.String(key("Opt15.DomainName"), d.DomainName()))
	}
	if ba := d.BroadcastAddress(); ba != nil {
		attrs = append(attrs, attribute.String(key("Opt28.BroadcastAddress"), ba.String()))
	}
	if ntp := joinIPs(d.NTPServers()); ntp != "" {
		attrs = append(attrs, attribute.String(key("Opt42.NTPServers"), ntp))
	}
	if lt := d.IPAddressLeaseTime(0); lt != 0 {
		attrs = append(attrs, attribute.Float64(key("Opt51.LeaseTime"), lt.Seconds()))
	}
	if mt := d.MessageType(); mt != dhcpv4.MessageTypeNone {
		attrs = append(attrs, attribute.String(key("Opt53.MessageType"), mt.String()))
	}
	if si := d.ServerIdentifier(); si != nil {
		attrs = append(attrs, attribute.String(key("Opt54.ServerIdentifier"), si.String()))
	}
	if d.ClassIdentifier() != "" {
		attrs = append(attrs, attribute.String(key("Opt60.ClassIdentifier"), d.ClassIdentifier()))
	}
	if arch := d.ClientArch(); len(arch) > 0 {
		var r []string
		for _, i := range arch {
			r = append(r, i.String())
		}
		attrs = append(attrs, attribute.StringSlice(key("Opt93.ClientArch"), r))
	}
	if nii := d.GetOneOption(dhcpv4.OptionClientNetworkInterfaceIdentifier); len(nii) > 0 {
		// "." delimited follows the same format as tcpdump
		attrs = append(attrs, attribute.String(key("Opt94.ClientNetworkInterfaceIdentifier"), joinBytes(nii)))
	}
	if guid := d.GetOneOption(dhcpv4.OptionClientMachineIdentifier); len(guid) > 0 {
		attrs = append(attrs, attribute.String(key("Opt97.ClientMachineIdentifier"), joinBytes(guid)))
	}
	if l := d.DomainSearch(); l != nil {
		attrs = append(attrs, attribute.String(key("Opt119.DomainSearch"), strings.Join(l.Labels, ",")))
	}

	return attrs
}

func joinIPs(ips []net.IP) string {
	var r []string
	for _, e := range ips {
		r = append(r, e.String())
	}

	return strings.Join(r, ",")
}

func joinBytes(b []byte) string {
	var r []string
	for _, i := range b {
		r = append(r, fmt.Sprintf("%v", i))
	}

	return strings.Join(r, ".")
}

// TraceparentFromContext extracts the binary trace id, span id, and trace flags
// from the running span in ctx and returns a 26 byte []byte with the traceparent
// encoded and ready to pass into a suboption (most likely 69) of opt43.
func TraceparentFromContext(ctx context.Context) []byte {
	sc := trace.SpanContextFromContext(ctx)
	tpBytes := make([]byte, 0, 26)

	// the otel spec says 16 bytes for trace id and 8 for spans are good enough
	// for everyone copy them into a []byte that we can deliver over option43
	tid := [16]byte(sc.TraceID()) // type TraceID [16]byte
	sid := [8]byte(sc.SpanID())   // type SpanID [8]byte

	tpBytes = append(tpBytes, 0x00)      // traceparent version
	tpBytes = append(tpBytes, tid[:]...) // trace id
	tpBytes = append(tpBytes, sid[:]...) // span id
	if sc.IsSampled() {
		tpBytes = append(tpBytes, 0x01) // trace flags
	} else {
		tpBytes = append(tpBytes, 0x00)
	}

	return tpBytes
}
