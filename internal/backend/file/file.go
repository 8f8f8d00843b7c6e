// Package file watches a file of host records for changes and updates the in memory DHCP data.
// It is also the write path for install state: the phone-home handler records
// state changes back into the same file.
package file

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ccoveille/go-safecast"
	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"github.com/go-logr/logr"
	"github.com/wickboot/wick/internal/dhcp/data"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/wickboot/wick/internal/backend/file"

// Errors used by the file watcher.
var (
	// errFileFormat is returned when the file is not in the correct format, e.g. not valid YAML.
	errFileFormat     = fmt.Errorf("invalid file format")
	errRecordNotFound = fmt.Errorf("record not found")
	errParseIP        = fmt.Errorf("failed to parse IP from File")
	errParseSubnet    = fmt.Errorf("failed to parse subnet mask from File")
	errParseURL       = fmt.Errorf("failed to parse URL")
)

// netboot is the structure for the netboot data expected in a file.
// ghodss/yaml marshals through encoding/json, so these are json tags.
type netboot struct {
	AllowPXE      bool   `json:"allowPxe"`                // If true, the client will be provided netboot options in the DHCP offer/ack.
	IPXEScriptURL string `json:"ipxeScriptUrl,omitempty"` // Overrides default value that is passed into DHCP on startup.
	IPXEScript    string `json:"ipxeScript,omitempty"`    // Overrides a default value that is passed into DHCP on startup.
	Console       string `json:"console,omitempty"`
}

// profile is the structure for the install profile data expected in a file.
type profile struct {
	OS         string   `json:"os,omitempty"`         // "centos", "esxi" or "custom".
	Version    string   `json:"version,omitempty"`    // release directory under the mirror.
	Firmware   string   `json:"firmware,omitempty"`   // "uefi" or "bios".
	RootPwHash string   `json:"rootPwHash,omitempty"` // pre-hashed root password.
	Disk       string   `json:"disk,omitempty"`       // install target disk.
	BootDevice string   `json:"bootDevice,omitempty"` // NIC used by the installer.
	KernelArgs []string `json:"kernelArgs,omitempty"` // extra installer kernel cmdline args.
	MirrorPath string   `json:"mirrorPath,omitempty"` // overrides <os>/<version> under the mirror.
}

// install is the structure for the install lifecycle data expected in a file.
type install struct {
	State      string `json:"state,omitempty"`      // "pending", "installing" or "installed".
	LastReport string `json:"lastReport,omitempty"` // RFC3339 time of the last phone-home.
}

// dhcp is the structure for the data expected in a file.
type dhcp struct {
	MACAddress       net.HardwareAddr `json:"-"`                          // The MAC address of the client.
	IPAddress        string           `json:"ipAddress"`                  // yiaddr DHCP header.
	SubnetMask       string           `json:"subnetMask"`                 // DHCP option 1.
	DefaultGateway   string           `json:"defaultGateway,omitempty"`   // DHCP option 3.
	NameServers      []string         `json:"nameServers,omitempty"`      // DHCP option 6.
	Hostname         string           `json:"hostname,omitempty"`         // DHCP option 12.
	DomainName       string           `json:"domainName,omitempty"`       // DHCP option 15.
	BroadcastAddress string           `json:"broadcastAddress,omitempty"` // DHCP option 28.
	NTPServers       []string         `json:"ntpServers,omitempty"`       // DHCP option 42.
	VLANID           string           `json:"vlanID,omitempty"`           // DHCP option 43.116.
	LeaseTime        int              `json:"leaseTime,omitempty"`        // DHCP option 51.
	Arch             string           `json:"arch,omitempty"`             // DHCP option 93.
	DomainSearch     []string         `json:"domainSearch,omitempty"`     // DHCP option 119.
	Disabled         bool             `json:"disabled,omitempty"`         // If true, no DHCP response is sent for this host.
	Netboot          netboot          `json:"netboot"`
	Profile          profile          `json:"profile,omitempty"`
	Install          install          `json:"install,omitempty"`
}

// Watcher represents the backend for watching a file for changes and updating the in memory DHCP data.
type Watcher struct {
	fileMu sync.RWMutex // protects FilePath for reads and writes

	// FilePath is the path to the file to watch.
	FilePath string

	// Log is the logger to be used in the File backend.
	Log     logr.Logger
	dataMu  sync.RWMutex // protects data
	data    []byte       // data from file
	watcher *fsnotify.Watcher
}

// NewWatcher creates a new file watcher.
func NewWatcher(l logr.Logger, f string) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(f); err != nil {
		return nil, err
	}

	w := &Watcher{
		FilePath: f,
		watcher:  watcher,
		Log:      l,
	}

	w.fileMu.RLock()
	w.data, err = os.ReadFile(filepath.Clean(f))
	w.fileMu.RUnlock()
	if err != nil {
		return nil, err
	}

	return w, nil
}

// GetByMac is the implementation of the Backend interface.
// It reads a given file from the in memory data (w.data).
func (w *Watcher) GetByMac(ctx context.Context, mac net.HardwareAddr) (*data.DHCP, *data.Netboot, error) {
	tracer := otel.Tracer(tracerName)
	_, span := tracer.Start(ctx, "backend.file.GetByMac")
	defer span.End()

	r, err := w.records()
	if err != nil {
		w.Log.Error(err, "failed to unmarshal file data")
		span.SetStatus(codes.Error, err.Error())

		return nil, nil, err
	}
	for k, v := range r {
		if strings.EqualFold(k, mac.String()) {
			// found a record for this mac address
			v.MACAddress = mac
			d, n, err := w.translate(v)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())

				return nil, nil, err
			}
			span.SetAttributes(d.EncodeToAttributes()...)
			span.SetAttributes(n.EncodeToAttributes()...)
			span.SetStatus(codes.Ok, "")

			return d, n, nil
		}
	}

	err = notFoundError{fmt.Errorf("%w: %s", errRecordNotFound, mac.String())}
	span.SetStatus(codes.Error, err.Error())

	return nil, nil, err
}

// GetByIP is the implementation of the Backend interface.
// It reads a given file from the in memory data (w.data).
func (w *Watcher) GetByIP(ctx context.Context, ip net.IP) (*data.DHCP, *data.Netboot, error) {
	tracer := otel.Tracer(tracerName)
	_, span := tracer.Start(ctx, "backend.file.GetByIP")
	defer span.End()

	r, err := w.records()
	if err != nil {
		w.Log.Error(err, "failed to unmarshal file data")
		span.SetStatus(codes.Error, err.Error())

		return nil, nil, err
	}
	for k, v := range r {
		if v.IPAddress == ip.String() {
			// found a record for this ip address
			mac, err := net.ParseMAC(k)
			if err != nil {
				err := fmt.Errorf("%w: %w", err, errFileFormat)
				w.Log.Error(err, "failed to parse mac address")
				span.SetStatus(codes.Error, err.Error())

				return nil, nil, err
			}
			v.MACAddress = mac
			d, n, err := w.translate(v)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())

				return nil, nil, err
			}
			span.SetAttributes(d.EncodeToAttributes()...)
			span.SetAttributes(n.EncodeToAttributes()...)
			span.SetStatus(codes.Ok, "")

			return d, n, nil
		}
	}

	err = notFoundError{fmt.Errorf("%w: %s", errRecordNotFound, ip.String())}
	span.SetStatus(codes.Error, err.Error())

	return nil, nil, err
}

// SetAllowNetboot is the implementation of the BackendWriter interface.
// It updates the netboot.allowPxe field of the record for mac and writes the
// file back out so the change survives a restart.
func (w *Watcher) SetAllowNetboot(ctx context.Context, mac net.HardwareAddr, allow bool) error {
	tracer := otel.Tracer(tracerName)
	_, span := tracer.Start(ctx, "backend.file.SetAllowNetboot")
	defer span.End()

	err := w.update(mac, func(d *dhcp) {
		d.Netboot.AllowPXE = allow
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())

		return err
	}
	span.SetStatus(codes.Ok, "")

	return nil
}

// SetInstallState is the implementation of the BackendWriter interface.
// It updates the install.state field of the record for mac and writes the
// file back out so the change survives a restart.
func (w *Watcher) SetInstallState(ctx context.Context, mac net.HardwareAddr, state string) error {
	tracer := otel.Tracer(tracerName)
	_, span := tracer.Start(ctx, "backend.file.SetInstallState")
	defer span.End()

	err := w.update(mac, func(d *dhcp) {
		d.Install.State = state
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())

		return err
	}
	span.SetStatus(codes.Ok, "")

	return nil
}

// SetLastReport records the time of the most recent phone-home for mac.
func (w *Watcher) SetLastReport(ctx context.Context, mac net.HardwareAddr, ts string) error {
	tracer := otel.Tracer(tracerName)
	_, span := tracer.Start(ctx, "backend.file.SetLastReport")
	defer span.End()

	err := w.update(mac, func(d *dhcp) {
		d.Install.LastReport = ts
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())

		return err
	}
	span.SetStatus(codes.Ok, "")

	return nil
}

// update applies fn to the record for mac and writes the whole file back out.
// The write goes through the file, not just the in memory cache, so a restart
// or an external watcher sees the same state.
func (w *Watcher) update(mac net.HardwareAddr, fn func(*dhcp)) error {
	w.fileMu.Lock()
	defer w.fileMu.Unlock()

	raw, err := os.ReadFile(filepath.Clean(w.FilePath))
	if err != nil {
		return err
	}
	r := make(map[string]dhcp)
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("%w: %w", err, errFileFormat)
	}
	var key string
	for k := range r {
		if strings.EqualFold(k, mac.String()) {
			key = k
			break
		}
	}
	if key == "" {
		return notFoundError{fmt.Errorf("%w: %s", errRecordNotFound, mac.String())}
	}
	rec := r[key]
	fn(&rec)
	r[key] = rec

	out, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	// write in place so the fsnotify watch on the path stays valid.
	if err := os.WriteFile(w.FilePath, out, 0o600); err != nil {
		return err
	}
	w.dataMu.Lock()
	w.data = out
	w.dataMu.Unlock()

	return nil
}

// records unmarshals the in memory file data into host records.
func (w *Watcher) records() (map[string]dhcp, error) {
	w.dataMu.RLock()
	d := w.data
	w.dataMu.RUnlock()
	r := make(map[string]dhcp)
	if err := yaml.Unmarshal(d, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", err, errFileFormat)
	}

	return r, nil
}

// Start starts watching a file for changes and updates the in memory data (w.data) on changes.
// Start is a blocking method. Use a context cancellation to exit.
func (w *Watcher) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Log.Info("stopping watcher")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				w.Log.Info("file changed, updating cache")
				w.fileMu.RLock()
				d, err := os.ReadFile(w.FilePath)
				w.fileMu.RUnlock()
				if err != nil {
					w.Log.Error(err, "failed to read file", "file", w.FilePath)
					break
				}
				w.dataMu.Lock()
				w.data = d
				w.dataMu.Unlock()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				continue
			}
			w.Log.Info("error watching file", "err", err)
		}
	}
}

// translate converts the data from the file into a data.DHCP and data.Netboot structs.
func (w *Watcher) translate(r dhcp) (*data.DHCP, *data.Netboot, error) {
	d := new(data.DHCP)
	n := new(data.Netboot)

	d.MACAddress = r.MACAddress
	// ip address, required
	ip, err := netip.ParseAddr(r.IPAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", err, errParseIP)
	}
	d.IPAddress = ip

	// subnet mask, required
	sm := net.ParseIP(r.SubnetMask)
	if sm == nil {
		return nil, nil, errParseSubnet
	}
	d.SubnetMask = net.IPMask(sm.To4())

	// default gateway, optional
	if dg, err := netip.ParseAddr(r.DefaultGateway); err != nil {
		w.Log.Info("failed to parse default gateway", "defaultGateway", r.DefaultGateway, "err", err)
	} else {
		d.DefaultGateway = dg
	}

	// name servers, optional
	for _, s := range r.NameServers {
		ip := net.ParseIP(s)
		if ip == nil {
			w.Log.Info("failed to parse name server", "nameServer", s)
			break
		}
		d.NameServers = append(d.NameServers, ip)
	}

	// hostname, optional
	d.Hostname = r.Hostname

	// domain name, optional
	d.DomainName = r.DomainName

	// broadcast address, optional
	if ba, err := netip.ParseAddr(r.BroadcastAddress); err != nil {
		w.Log.Info("failed to parse broadcast address", "broadcastAddress", r.BroadcastAddress, "err", err)
	} else {
		d.BroadcastAddress = ba
	}

	// ntp servers, optional
	for _, s := range r.NTPServers {
		ip := net.ParseIP(s)
		if ip == nil {
			w.Log.Info("failed to parse ntp server", "ntpServer", s)
			break
		}
		d.NTPServers = append(d.NTPServers, ip)
	}

	// vlanid
	d.VLANID = r.VLANID

	// lease time
	// Default to one week
	d.LeaseTime = 604800
	if v, err := safecast.ToUint32(r.LeaseTime); err == nil {
		d.LeaseTime = v
	}

	// arch
	d.Arch = r.Arch

	// domain search
	d.DomainSearch = r.DomainSearch

	// dhcp disabled for this host
	d.Disabled = r.Disabled

	// allow machine to netboot
	n.AllowNetboot = r.Netboot.AllowPXE

	// ipxe script url is optional but if provided, it must be a valid url
	if r.Netboot.IPXEScriptURL != "" {
		u, err := url.Parse(r.Netboot.IPXEScriptURL)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", err, errParseURL)
		}
		n.IPXEScriptURL = u
	}

	// ipxe script
	if r.Netboot.IPXEScript != "" {
		n.IPXEScript = r.Netboot.IPXEScript
	}

	// console
	if r.Netboot.Console != "" {
		n.Console = r.Netboot.Console
	}

	// install profile
	n.Profile = data.Profile{
		OS:         r.Profile.OS,
		Version:    r.Profile.Version,
		Firmware:   r.Profile.Firmware,
		RootPwHash: r.Profile.RootPwHash,
		Disk:       r.Profile.Disk,
		BootDevice: r.Profile.BootDevice,
		KernelArgs: r.Profile.KernelArgs,
		MirrorPath: r.Profile.MirrorPath,
	}

	// install lifecycle state
	n.Install = data.Install{
		State:      r.Install.State,
		LastReport: r.Install.LastReport,
	}
	if n.Install.State == "" {
		n.Install.State = data.InstallStatePending
	}

	return d, n, nil
}

// notFoundError is returned when a record is not found in the file. Handlers
// check for the NotFound behavior to tell a missing host from a backend failure.
type notFoundError struct {
	err error
}

func (n notFoundError) NotFound() bool { return true }

func (n notFoundError) Error() string { return n.err.Error() }

func (n notFoundError) Unwrap() error { return n.err }
