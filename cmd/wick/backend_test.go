package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestBackendFile(t *testing.T) {
	contents := `---
52:54:00:aa:88:16:
  ipAddress: "192.168.2.155"
  subnetMask: "255.255.255.0"
  netboot:
    allowPxe: true
  profile:
    os: "centos"
    version: "7"
`
	p := filepath.Join(t.TempDir(), "hosts.yaml")
	if err := os.WriteFile(p, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	c := &config{
		dhcp:     dhcpConfig{mode: "reservation"},
		backends: dhcpBackends{file: File{Enabled: true, FilePath: p}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	be, err := c.backend(ctx, defaultLogger("info"))
	if err != nil {
		t.Fatal(err)
	}

	mac, err := net.ParseMAC("52:54:00:aa:88:16")
	if err != nil {
		t.Fatal(err)
	}
	d, n, err := be.GetByMac(ctx, mac)
	if err != nil {
		t.Fatal(err)
	}
	if d.IPAddress.String() != "192.168.2.155" {
		t.Fatalf("unexpected ip address: %v", d.IPAddress)
	}
	if !n.AllowNetboot {
		t.Fatal("expected netboot to be allowed")
	}
	if n.Profile.OS != "centos" {
		t.Fatalf("unexpected os: %v", n.Profile.OS)
	}
}

func TestBackendNoop(t *testing.T) {
	c := &config{
		dhcp:     dhcpConfig{mode: "proxy"},
		backends: dhcpBackends{Noop: Noop{Enabled: true}},
	}
	be, err := c.backend(context.Background(), defaultLogger("info"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := be.GetByMac(context.Background(), nil); err == nil {
		t.Fatal("expected noop backend to error")
	}
}

func TestBackendNoopRequiresProxyMode(t *testing.T) {
	c := &config{
		dhcp:     dhcpConfig{mode: "reservation"},
		backends: dhcpBackends{Noop: Noop{Enabled: true}},
	}
	if _, err := c.backend(context.Background(), defaultLogger("info")); err == nil {
		t.Fatal("expected an error")
	}
}

func TestBackendOnlyOne(t *testing.T) {
	c := &config{
		dhcp: dhcpConfig{mode: "proxy"},
		backends: dhcpBackends{
			file: File{Enabled: true},
			Noop: Noop{Enabled: true},
		},
	}
	if _, err := c.backend(context.Background(), defaultLogger("info")); err == nil {
		t.Fatal("expected an error")
	}
}
