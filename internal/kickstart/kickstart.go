// Package kickstart renders unattended install answer files from host
// records. Anaconda and Weasel both fetch their answer file over HTTP at
// install time.
package kickstart

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"text/template"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
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
	// PhoneHomeURL is the install completion callback, example
	// http://192.168.2.50/phone-home.
	PhoneHomeURL *url.URL
	// MirrorBaseURL is the base URL of the install media mirror.
	MirrorBaseURL string
}

// host is the data a kickstart template renders from.
type host struct {
	MAC           string
	Hostname      string
	RootPwHash    string
	Disk          string
	BootDevice    string
	IPAddress     string
	Netmask       string
	Gateway       string
	NameServers   []string
	MirrorURL     string
	PhoneHomeHost string
	PhoneHomePort string
	PhoneHomePath string
}

// HandlerFunc returns a http.HandlerFunc that serves the kickstart file.
// It is expected that the request path is /<mac address>/ks.cfg. Weasel
// fetches ks= URLs before the host has its reservation applied, so the
// remote IP fallback is kept for requests with no MAC path element.
func (h *Handler) HandlerFunc() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if path.Base(r.URL.Path) != "ks.cfg" {
			h.Logger.Info("URL path not supported", "path", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)

			return
		}
		labels := prometheus.Labels{"from": "http", "op": "kickstart"}
		metric.JobsTotal.With(labels).Inc()
		metric.JobsInProgress.With(labels).Inc()
		defer metric.JobsInProgress.With(labels).Dec()
		timer := prometheus.NewTimer(metric.JobDuration.With(labels))
		defer timer.ObserveDuration()

		ctx := r.Context()

		var d *data.DHCP
		var n *data.Netboot
		var err error
		if ha, macErr := net.ParseMAC(path.Base(path.Dir(r.URL.Path))); macErr == nil {
			d, n, err = h.getByMac(ctx, ha)
		} else if ip, ipErr := getIP(r.RemoteAddr); ipErr == nil {
			d, n, err = h.getByIP(ctx, ip)
		} else {
			err = fmt.Errorf("no MAC in the URL path and no usable remote address: %v", r.RemoteAddr)
		}
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			h.Logger.Info("no host record for this machine", "client", r.RemoteAddr, "urlPath", r.URL.Path, "error", err)

			return
		}

		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.String("wick.kickstart_os", n.Profile.OS))

		ks, err := h.render(d, n)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			h.Logger.Error(err, "error generating the kickstart file", "mac", d.MACAddress)
			span.SetStatus(codes.Error, err.Error())

			return
		}
		if _, err := w.Write([]byte(ks)); err != nil {
			h.Logger.Error(err, "unable to write the kickstart file", "mac", d.MACAddress)
			span.SetStatus(codes.Error, err.Error())
		}
	}
}

func (h *Handler) getByMac(ctx context.Context, mac net.HardwareAddr) (*data.DHCP, *data.Netboot, error) {
	if h.Backend == nil {
		return nil, nil, errors.New("backend is nil")
	}
	return h.Backend.GetByMac(ctx, mac)
}

func (h *Handler) getByIP(ctx context.Context, ip net.IP) (*data.DHCP, *data.Netboot, error) {
	if h.Backend == nil {
		return nil, nil, errors.New("backend is nil")
	}
	return h.Backend.GetByIP(ctx, ip)
}

func (h *Handler) render(d *data.DHCP, n *data.Netboot) (string, error) {
	hd := h.translate(d, n)

	var t *template.Template
	switch n.Profile.OS {
	case "centos":
		t = centosTmpl
	case "esxi":
		t = esxiTmpl
	default:
		return "", fmt.Errorf("no kickstart template for os %q", n.Profile.OS)
	}

	var b strings.Builder
	if err := t.Execute(&b, hd); err != nil {
		return "", fmt.Errorf("generating kickstart template: %w", err)
	}

	return b.String(), nil
}

func (h *Handler) translate(d *data.DHCP, n *data.Netboot) host {
	hd := host{
		MAC:           d.MACAddress.String(),
		Hostname:      d.Hostname,
		RootPwHash:    n.Profile.RootPwHash,
		Disk:          n.Profile.Disk,
		BootDevice:    n.Profile.BootDevice,
		MirrorURL:     h.mirrorURL(n.Profile),
		PhoneHomePath: "/phone-home",
	}
	if d.IPAddress.IsValid() {
		hd.IPAddress = d.IPAddress.String()
	}
	if d.SubnetMask != nil {
		hd.Netmask = net.IP(d.SubnetMask).String()
	}
	if d.DefaultGateway.IsValid() {
		hd.Gateway = d.DefaultGateway.String()
	}
	for _, ns := range d.NameServers {
		hd.NameServers = append(hd.NameServers, ns.String())
	}
	if h.PhoneHomeURL != nil {
		hd.PhoneHomeHost = h.PhoneHomeURL.Hostname()
		hd.PhoneHomePort = h.PhoneHomeURL.Port()
		if hd.PhoneHomePort == "" {
			hd.PhoneHomePort = "80"
		}
		if h.PhoneHomeURL.Path != "" {
			hd.PhoneHomePath = h.PhoneHomeURL.Path
		}
	}

	return hd
}

func (h *Handler) mirrorURL(p data.Profile) string {
	base := strings.TrimRight(h.MirrorBaseURL, "/")
	if p.MirrorPath != "" {
		return base + "/" + strings.Trim(p.MirrorPath, "/")
	}

	return base + "/" + p.OS + "/" + p.Version
}

func getIP(remoteAddr string) (net.IP, error) {
	ho, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return net.IP{}, fmt.Errorf("error parsing client address: %w: client: %v", err, remoteAddr)
	}
	ip := net.ParseIP(ho)
	if ip == nil {
		return net.IP{}, fmt.Errorf("error parsing client address: %v", remoteAddr)
	}

	return ip, nil
}

func mustParseNew(name, text string) *template.Template {
	return template.Must(template.New(name).Funcs(helpers).Parse(text))
}

var helpers = template.FuncMap{
	"network": networkLine,
	"join":    strings.Join,
}

// networkLine builds the kickstart network directive. A host with a
// reserved address gets a static line, everything else stays on dhcp.
func networkLine(h host) string {
	args := []string{"network"}
	if h.IPAddress != "" && h.Netmask != "" {
		args = append(args, "--bootproto=static", "--ip="+h.IPAddress, "--netmask="+h.Netmask)
		if h.Gateway != "" {
			args = append(args, "--gateway="+h.Gateway)
		}
		if len(h.NameServers) > 0 {
			args = append(args, "--nameserver="+strings.Join(h.NameServers, ","))
		}
	} else {
		args = append(args, "--bootproto=dhcp")
	}
	if h.BootDevice != "" {
		args = append(args, "--device="+h.BootDevice)
	}
	if h.Hostname != "" {
		args = append(args, "--hostname="+h.Hostname)
	}

	return strings.Join(args, " ")
}
