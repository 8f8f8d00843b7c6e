package script

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/wickboot/wick/internal/dhcp/data"
	"github.com/wickboot/wick/internal/metric"
	"go.opentelemetry.io/otel/trace"
)

func TestCustomScript(t *testing.T) {
	tests := map[string]struct {
		ipxeURL    string
		ipxeScript string
		want       string
		shouldErr  bool
	}{
		"got script":         {want: "#!ipxe\n\necho Loading custom Wick iPXE script...\n#!ipxe\nautoboot\n", ipxeScript: "#!ipxe\nautoboot"},
		"got url":            {want: "#!ipxe\n\necho Loading custom Wick iPXE script...\nchain --autofree https://boot.netboot.xyz\n", ipxeURL: "https://boot.netboot.xyz"},
		"invalid URL prefix": {want: "", ipxeURL: "invalid", shouldErr: true},
		"no script or url":   {want: "", shouldErr: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			h := &Handler{}
			u, err := url.Parse(tt.ipxeURL)
			if err != nil && !tt.shouldErr {
				t.Fatal(err)
			}

			d := hostdata{MACAddress: net.HardwareAddr{0x00, 0x01, 0x02, 0x03, 0x04, 0x05}, IPXEScript: tt.ipxeScript, IPXEScriptURL: u}
			got, err := h.customScript(d)
			if err != nil && !tt.shouldErr {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestInstallerScript(t *testing.T) {
	centos := `#!ipxe

echo Loading the CentOS 7 installer...

set base-url http://192.168.2.50/mirror/centos/7
set retries:int32 10
set retry_delay:int32 3

set idx:int32 0
:retry_kernel
kernel ${base-url}/images/pxeboot/vmlinuz initrd=initrd.img inst.repo=${base-url} inst.ks=http://192.168.2.50/52:54:00:aa:88:16/ks.cfg inst.syslog=192.168.2.50 console=ttyS0,115200 && goto download_initrd || iseq ${idx} ${retries} && goto kernel-error || inc idx && echo retry in ${retry_delay} seconds ; sleep ${retry_delay} ; goto retry_kernel

:download_initrd
set idx:int32 0
:retry_initrd
initrd ${base-url}/images/pxeboot/initrd.img && goto boot || iseq ${idx} ${retries} && goto initrd-error || inc idx && echo retry in ${retry_delay} seconds ; sleep ${retry_delay} ; goto retry_initrd

:boot
set idx:int32 0
:retry_boot
boot || iseq ${idx} ${retries} && goto boot-error || inc idx && echo retry in ${retry_delay} seconds ; sleep ${retry_delay} ; goto retry_boot

:kernel-error
echo Failed to load kernel
imgfree
exit

:initrd-error
echo Failed to load initrd
imgfree
exit

:boot-error
echo Failed to boot
imgfree
exit
`
	esxiBIOS := `#!ipxe

echo Loading the ESXi 7.0U2a installer...

set base-url http://192.168.2.50/mirror/esxi/7.0U2a
set retries:int32 10
set retry_delay:int32 3

set idx:int32 0
:retry_kernel
kernel ${base-url}/mboot.c32 -c ${base-url}/boot.cfg ks=http://192.168.2.50/52:54:00:aa:88:16/ks.cfg netdevice=vmnic0 ksdevice=vmnic0 && goto boot || iseq ${idx} ${retries} && goto kernel-error || inc idx && echo retry in ${retry_delay} seconds ; sleep ${retry_delay} ; goto retry_kernel

:boot
set idx:int32 0
:retry_boot
boot || iseq ${idx} ${retries} && goto boot-error || inc idx && echo retry in ${retry_delay} seconds ; sleep ${retry_delay} ; goto retry_boot

:kernel-error
echo Failed to load kernel
imgfree
exit

:boot-error
echo Failed to boot
imgfree
exit
`
	esxiUEFI := `#!ipxe

echo Loading the ESXi 7.0U2a installer...

set base-url http://192.168.2.50/mirror/esxi/7.0U2a
set retries:int32 10
set retry_delay:int32 3

set idx:int32 0
:retry_kernel
kernel ${base-url}/efi/boot/bootx64.efi -c ${base-url}/boot.cfg ks=http://192.168.2.50/52:54:00:aa:88:16/ks.cfg netdevice=vmnic0 ksdevice=vmnic0 && goto boot || iseq ${idx} ${retries} && goto kernel-error || inc idx && echo retry in ${retry_delay} seconds ; sleep ${retry_delay} ; goto retry_kernel

:boot
set idx:int32 0
:retry_boot
boot || iseq ${idx} ${retries} && goto boot-error || inc idx && echo retry in ${retry_delay} seconds ; sleep ${retry_delay} ; goto retry_boot

:kernel-error
echo Failed to load kernel
imgfree
exit

:boot-error
echo Failed to boot
imgfree
exit
`
	tests := map[string]struct {
		profile     data.Profile
		arch        string
		extraParams []string
		want        string
		shouldErr   bool
	}{
		"centos": {
			profile: data.Profile{OS: "centos", Version: "7", KernelArgs: []string{"console=ttyS0,115200"}},
			want:    centos,
		},
		"centos empty extra params dropped": {
			profile:     data.Profile{OS: "centos", Version: "7", KernelArgs: []string{"console=ttyS0,115200"}},
			extraParams: []string{""},
			want:        centos,
		},
		"esxi bios": {
			profile: data.Profile{OS: "esxi", Version: "7.0U2a", Firmware: "bios", BootDevice: "vmnic0"},
			want:    esxiBIOS,
		},
		"esxi uefi": {
			profile: data.Profile{OS: "esxi", Version: "7.0U2a", Firmware: "uefi", BootDevice: "vmnic0"},
			want:    esxiUEFI,
		},
		"esxi bios from arch": {
			profile: data.Profile{OS: "esxi", Version: "7.0U2a", BootDevice: "vmnic0"},
			arch:    "Intel x86PC",
			want:    esxiBIOS,
		},
		"esxi uefi from arch": {
			profile: data.Profile{OS: "esxi", Version: "7.0U2a", BootDevice: "vmnic0"},
			arch:    "EFI x86-64",
			want:    esxiUEFI,
		},
		"unknown os": {
			profile:   data.Profile{OS: "plan9"},
			shouldErr: true,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			base, err := url.Parse("http://192.168.2.50")
			if err != nil {
				t.Fatal(err)
			}
			h := &Handler{
				ScriptBaseURL:        base,
				MirrorBaseURL:        "http://192.168.2.50/mirror",
				PublicSyslogFQDN:     "192.168.2.50",
				ExtraKernelParams:    tt.extraParams,
				IPXEScriptRetries:    10,
				IPXEScriptRetryDelay: 3,
			}
			mac, err := net.ParseMAC("52:54:00:aa:88:16")
			if err != nil {
				t.Fatal(err)
			}
			d := hostdata{MACAddress: mac, Arch: tt.arch, Profile: tt.profile}
			sp := trace.SpanFromContext(context.Background())
			got, err := h.installerScript(sp, d)
			if err != nil {
				if tt.shouldErr {
					return
				}
				t.Fatal(err)
			}
			if tt.shouldErr {
				t.Fatal("expected an error")
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Log(got)
				t.Fatal(diff)
			}
		})
	}
}

type mockBackend struct {
	err          error
	allowNetboot bool
	profile      data.Profile
}

func (m *mockBackend) GetByMac(_ context.Context, mac net.HardwareAddr) (*data.DHCP, *data.Netboot, error) {
	if m.err != nil {
		return nil, nil, m.err
	}
	return &data.DHCP{MACAddress: mac}, &data.Netboot{AllowNetboot: m.allowNetboot, Profile: m.profile}, nil
}

func (m *mockBackend) GetByIP(_ context.Context, _ net.IP) (*data.DHCP, *data.Netboot, error) {
	if m.err != nil {
		return nil, nil, m.err
	}
	mac, _ := net.ParseMAC("52:54:00:aa:88:16")
	return &data.DHCP{MACAddress: mac}, &data.Netboot{AllowNetboot: m.allowNetboot, Profile: m.profile}, nil
}

func TestHandlerFunc(t *testing.T) {
	metric.Init()
	tests := map[string]struct {
		urlPath    string
		backend    *mockBackend
		staticMenu bool
		wantStatus int
		wantIn     string
	}{
		"serves the installer script": {
			urlPath:    "/52:54:00:aa:88:16/auto.ipxe",
			backend:    &mockBackend{allowNetboot: true, profile: data.Profile{OS: "centos", Version: "7"}},
			wantStatus: http.StatusOK,
			wantIn:     "inst.ks=",
		},
		"menu overrides the profile": {
			urlPath:    "/52:54:00:aa:88:16/auto.ipxe?os=esxi&version=7.0U2a",
			backend:    &mockBackend{allowNetboot: true, profile: data.Profile{OS: "centos", Version: "7"}},
			wantStatus: http.StatusOK,
			wantIn:     "boot.cfg",
		},
		"netboot not allowed": {
			urlPath:    "/52:54:00:aa:88:16/auto.ipxe",
			backend:    &mockBackend{allowNetboot: false},
			wantStatus: http.StatusNotFound,
		},
		"unknown host": {
			urlPath:    "/52:54:00:aa:88:16/auto.ipxe",
			backend:    &mockBackend{err: errors.New("record not found")},
			wantStatus: http.StatusNotFound,
		},
		"unknown host with static menu": {
			urlPath:    "/52:54:00:aa:88:16/auto.ipxe",
			backend:    &mockBackend{err: errors.New("record not found")},
			staticMenu: true,
			wantStatus: http.StatusOK,
			wantIn:     "sanboot --no-describe --drive 0x80",
		},
		"not an auto.ipxe path": {
			urlPath:    "/52:54:00:aa:88:16/other.ipxe",
			backend:    &mockBackend{allowNetboot: true},
			wantStatus: http.StatusNotFound,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			base, err := url.Parse("http://192.168.2.50")
			if err != nil {
				t.Fatal(err)
			}
			h := &Handler{
				Backend:              tt.backend,
				ScriptBaseURL:        base,
				MirrorBaseURL:        "http://192.168.2.50/mirror",
				IPXEScriptRetries:    10,
				IPXEScriptRetryDelay: 3,
				MenuTimeoutMS:        8000,
				StaticMenuEnabled:    tt.staticMenu,
			}
			req := httptest.NewRequest(http.MethodGet, tt.urlPath, nil)
			w := httptest.NewRecorder()
			h.HandlerFunc()(w, req)
			if w.Code != tt.wantStatus {
				t.Fatalf("got status %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantIn != "" && !strings.Contains(w.Body.String(), tt.wantIn) {
				t.Fatalf("expected %q in body:\n%v", tt.wantIn, w.Body.String())
			}
		})
	}
}
