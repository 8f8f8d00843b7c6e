package script

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/wickboot/wick/internal/dhcp"
	"github.com/wickboot/wick/internal/dhcp/data"
	"github.com/wickboot/wick/internal/dhcp/handler"
	"github.com/wickboot/wick/internal/metric"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Handler struct {
	Logger  logr.Logger
	Backend handler.BackendReader
	// ScriptBaseURL is the base URL scripts and kickstarts are served from,
	// example http://192.168.2.50.
	ScriptBaseURL *url.URL
	// MirrorBaseURL is the base URL of the install media mirror,
	// example http://192.168.2.50/mirror.
	MirrorBaseURL        string
	PublicSyslogFQDN     string
	ExtraKernelParams    []string
	IPXEScriptRetries    int
	IPXEScriptRetryDelay int
	// MenuTimeoutMS is the top menu timeout before booting the local disk.
	MenuTimeoutMS int
	// Installers are the OS releases offered on the install menu.
	Installers []MenuEntry
	// StaticMenuEnabled serves the boot menu to hosts with no record instead
	// of returning 404. Used with the proxy DHCP handler where wick does not
	// own the host inventory.
	StaticMenuEnabled bool
}

type hostdata struct {
	AllowNetboot  bool // If true, boot scripts are served for the host.
	Console       string
	MACAddress    net.HardwareAddr
	Arch          string
	IPXEScript    string
	IPXEScriptURL *url.URL
	Profile       data.Profile
}

// getByMac uses the handler.BackendReader to get the host record and then
// translates it to the script.hostdata struct.
func getByMac(ctx context.Context, mac net.HardwareAddr, br handler.BackendReader) (hostdata, error) {
	if br == nil {
		return hostdata{}, errors.New("backend is nil")
	}
	d, n, err := br.GetByMac(ctx, mac)
	if err != nil {
		return hostdata{}, err
	}

	return hostdata{
		AllowNetboot:  n.AllowNetboot,
		Console:       n.Console,
		MACAddress:    d.MACAddress,
		Arch:          d.Arch,
		IPXEScript:    n.IPXEScript,
		IPXEScriptURL: n.IPXEScriptURL,
		Profile:       n.Profile,
	}, nil
}

func getByIP(ctx context.Context, ip net.IP, br handler.BackendReader) (hostdata, error) {
	if br == nil {
		return hostdata{}, errors.New("backend is nil")
	}
	d, n, err := br.GetByIP(ctx, ip)
	if err != nil {
		return hostdata{}, err
	}

	return hostdata{
		AllowNetboot:  n.AllowNetboot,
		Console:       n.Console,
		MACAddress:    d.MACAddress,
		Arch:          d.Arch,
		IPXEScript:    n.IPXEScript,
		IPXEScriptURL: n.IPXEScriptURL,
		Profile:       n.Profile,
	}, nil
}

// HandlerFunc returns a http.HandlerFunc that serves the per host ipxe script.
// It is expected that the request path is /<mac address>/auto.ipxe. An os= and
// version= query pair, set by the install menu, overrides the host's
// configured profile.
func (h *Handler) HandlerFunc() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if path.Base(r.URL.Path) != "auto.ipxe" {
			h.Logger.Info("URL path not supported", "path", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)

			return
		}
		labels := prometheus.Labels{"from": "http", "op": "file"}
		metric.JobsTotal.With(labels).Inc()
		metric.JobsInProgress.With(labels).Inc()
		defer metric.JobsInProgress.With(labels).Dec()
		timer := prometheus.NewTimer(metric.JobDuration.With(labels))
		defer timer.ObserveDuration()

		ctx := r.Context()

		// Serving a boot script is gated by
		// 1. the existence of a host record
		// AND
		// 2. the record's allowPxe value equal to true.
		// A host that phoned home has allowPxe flipped off and falls through
		// the menu to its local disk.

		// Try to get the MAC address from the URL path, if not available get the source IP address.
		if ha, err := getMAC(r.URL.Path); err == nil {
			hw, err := getByMac(ctx, ha, h.Backend)
			if err != nil && h.StaticMenuEnabled {
				h.Logger.Info("serving the static boot menu", "mac", ha, "error", err)
				h.serveMenu(w)
				return
			}
			if err != nil || !hw.AllowNetboot {
				w.WriteHeader(http.StatusNotFound)
				h.Logger.Info("the host record for this machine, or lack there of, does not allow it to pxe", "client", ha, "error", err)

				return
			}
			h.serveBootScript(ctx, w, path.Base(r.URL.Path), hw, r.URL.Query())
			return
		}
		if ip, err := getIP(r.RemoteAddr); err == nil {
			hw, err := getByIP(ctx, ip, h.Backend)
			if err != nil && h.StaticMenuEnabled {
				h.Logger.Info("serving the static boot menu", "client", r.RemoteAddr, "error", err)
				h.serveMenu(w)
				return
			}
			if err != nil || !hw.AllowNetboot {
				w.WriteHeader(http.StatusNotFound)
				h.Logger.Info("the host record for this machine, or lack there of, does not allow it to pxe", "client", r.RemoteAddr, "error", err)

				return
			}
			h.serveBootScript(ctx, w, path.Base(r.URL.Path), hw, r.URL.Query())
			return
		}

		// If we get here, we were unable to get the MAC address from the URL path or the source IP address.
		w.WriteHeader(http.StatusNotFound)
		h.Logger.Info("unable to get the MAC address from the URL path or the source IP address", "client", r.RemoteAddr, "urlPath", r.URL.Path)
	}
}

// MenuHandlerFunc serves the top level boot menu at /menu.ipxe.
func (h *Handler) MenuHandlerFunc() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		h.serveMenu(w)
	}
}

// InstallMenuHandlerFunc serves the install menu at /installmenu.ipxe.
func (h *Handler) InstallMenuHandlerFunc() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		menu := InstallMenu{
			ScriptBaseURL: h.ScriptBaseURL.String(),
			Entries:       h.Installers,
		}
		script, err := GenerateTemplate(menu, InstallMenuScript)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			h.Logger.Error(err, "error generating the install menu")
			return
		}
		if _, err := w.Write([]byte(script)); err != nil {
			h.Logger.Error(err, "unable to send the install menu")
		}
	}
}

func (h *Handler) serveMenu(w http.ResponseWriter) {
	menu := Menu{
		ScriptBaseURL: h.ScriptBaseURL.String(),
		Timeout:       h.MenuTimeoutMS,
	}
	script, err := GenerateTemplate(menu, MenuScript)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		h.Logger.Error(err, "error generating the boot menu")
		return
	}
	if _, err := w.Write([]byte(script)); err != nil {
		h.Logger.Error(err, "unable to send the boot menu")
	}
}

func getIP(remoteAddr string) (net.IP, error) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return net.IP{}, fmt.Errorf("error parsing client address: %w: client: %v", err, remoteAddr)
	}
	ip := net.ParseIP(host)

	return ip, nil
}

func getMAC(urlPath string) (net.HardwareAddr, error) {
	mac := path.Base(path.Dir(urlPath))
	ha, err := net.ParseMAC(mac)
	if err != nil {
		return net.HardwareAddr{}, fmt.Errorf("URL path not supported, the second to last element in the URL path must be a valid mac address, err: %w", err)
	}

	return ha, nil
}

func (h *Handler) serveBootScript(ctx context.Context, w http.ResponseWriter, name string, hw hostdata, query url.Values) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("wick.script_name", name))

	// the install menu overrides the configured profile
	if os := query.Get("os"); os != "" {
		hw.Profile.OS = os
		hw.Profile.MirrorPath = ""
	}
	if version := query.Get("version"); version != "" {
		hw.Profile.Version = version
		hw.Profile.MirrorPath = ""
	}

	// check if the custom script should be used
	if hw.IPXEScriptURL != nil || hw.IPXEScript != "" {
		name = "custom.ipxe"
	}
	var script []byte
	switch name {
	case "auto.ipxe":
		s, err := h.installerScript(span, hw)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			h.Logger.Error(err, "error with installer ipxe script", "script", name)
			span.SetStatus(codes.Error, err.Error())

			return
		}
		script = []byte(s)
	case "custom.ipxe":
		cs, err := h.customScript(hw)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			h.Logger.Error(err, "error with custom ipxe script", "script", name)
			span.SetStatus(codes.Error, err.Error())

			return
		}
		script = []byte(cs)
	default:
		w.WriteHeader(http.StatusNotFound)
		err := fmt.Errorf("boot script %q not found", name)
		h.Logger.Error(err, "boot script not found", "script", name)
		span.SetStatus(codes.Error, err.Error())

		return
	}
	span.SetAttributes(attribute.String("ipxe-script", string(script)))

	if _, err := w.Write(script); err != nil {
		h.Logger.Error(err, "unable to write boot script", "script", name)
		span.SetStatus(codes.Error, err.Error())

		return
	}
}

// installerScript renders the script for the host's install profile.
func (h *Handler) installerScript(span trace.Span, hw hostdata) (string, error) {
	var traceID string
	if sc := span.SpanContext(); sc.IsSampled() {
		traceID = sc.TraceID().String()
	}

	// empty elements would render double spaces in the kernel line
	var params []string
	for _, p := range append(append([]string{}, h.ExtraKernelParams...), hw.Profile.KernelArgs...) {
		if p == "" {
			continue
		}
		params = append(params, p)
	}

	switch hw.Profile.OS {
	case "centos":
		c := CentOS{
			Version:      hw.Profile.Version,
			MirrorURL:    h.mirrorURL(hw.Profile),
			KickstartURL: h.kickstartURL(hw.MACAddress),
			SyslogHost:   h.PublicSyslogFQDN,
			KernelParams: params,
			TraceID:      traceID,
			Retries:      h.IPXEScriptRetries,
			RetryDelay:   h.IPXEScriptRetryDelay,
		}
		return GenerateTemplate(c, CentOSScript)
	case "esxi":
		// An explicit firmware value in the record wins; otherwise the
		// host's option 93 arch decides between mboot.c32 and bootx64.efi.
		uefi := hw.Profile.Firmware != "bios"
		if hw.Profile.Firmware == "" && hw.Arch != "" {
			uefi = dhcp.IsEFIArch(dhcp.ArchFromString(hw.Arch))
		}
		e := ESXi{
			Version:      hw.Profile.Version,
			MirrorURL:    h.mirrorURL(hw.Profile),
			KickstartURL: h.kickstartURL(hw.MACAddress),
			BootDevice:   hw.Profile.BootDevice,
			UEFI:         uefi,
			KernelParams: params,
			TraceID:      traceID,
			Retries:      h.IPXEScriptRetries,
			RetryDelay:   h.IPXEScriptRetryDelay,
		}
		return GenerateTemplate(e, ESXiScript)
	case "custom":
		return h.customScript(hw)
	}

	return "", fmt.Errorf("no installer for os %q", hw.Profile.OS)
}

// customScript returns the custom script or chain URL if defined in the host record otherwise an error.
func (h *Handler) customScript(hw hostdata) (string, error) {
	if chain := hw.IPXEScriptURL; chain != nil && chain.String() != "" {
		if chain.Scheme != "http" && chain.Scheme != "https" {
			return "", fmt.Errorf("invalid URL scheme: %v", chain.Scheme)
		}
		c := Custom{Chain: chain}
		return GenerateTemplate(c, CustomScript)
	}
	if script := hw.IPXEScript; script != "" {
		c := Custom{Script: script}
		return GenerateTemplate(c, CustomScript)
	}

	return "", errors.New("no custom script or chain defined in the host record")
}

func (h *Handler) mirrorURL(p data.Profile) string {
	base := strings.TrimRight(h.MirrorBaseURL, "/")
	if p.MirrorPath != "" {
		return base + "/" + strings.Trim(p.MirrorPath, "/")
	}

	return base + "/" + p.OS + "/" + p.Version
}

func (h *Handler) kickstartURL(mac net.HardwareAddr) string {
	return h.ScriptBaseURL.JoinPath(mac.String(), "ks.cfg").String()
}
