// Package phonehome receives install completion callbacks from the kickstart
// %post and %firstboot sections and flips the caller's netboot flag off so
// the next boot falls through the menu to the local disk.
package phonehome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

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
	Writer  handler.BackendWriter
}

// report is the JSON body of a phone-home POST. The MAC is optional, the
// remote IP resolves the host when it is absent.
type report struct {
	State string `json:"state"`
	MAC   string `json:"mac"`
}

// HandlerFunc returns a http.HandlerFunc serving POST /phone-home.
func (h *Handler) HandlerFunc() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)

			return
		}
		labels := prometheus.Labels{"from": "http", "op": "phone-home"}
		metric.JobsTotal.With(labels).Inc()
		metric.JobsInProgress.With(labels).Inc()
		defer metric.JobsInProgress.With(labels).Dec()
		timer := prometheus.NewTimer(metric.JobDuration.With(labels))
		defer timer.ObserveDuration()

		ctx := r.Context()
		span := trace.SpanFromContext(ctx)

		var rep report
		if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			h.Logger.Info("invalid phone-home body", "client", r.RemoteAddr, "error", err)
			span.SetStatus(codes.Error, err.Error())

			return
		}
		switch rep.State {
		case data.InstallStateInstalling, data.InstallStateInstalled:
		default:
			w.WriteHeader(http.StatusBadRequest)
			h.Logger.Info("invalid phone-home state", "client", r.RemoteAddr, "state", rep.State)

			return
		}

		mac, err := h.resolveMAC(ctx, rep, r.RemoteAddr)
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			h.Logger.Info("unable to resolve the phone-home caller", "client", r.RemoteAddr, "error", err)
			span.SetStatus(codes.Error, err.Error())

			return
		}
		span.SetAttributes(
			attribute.String("wick.phonehome_mac", mac.String()),
			attribute.String("wick.phonehome_state", rep.State),
		)

		if err := h.Writer.SetInstallState(ctx, mac, rep.State); err != nil {
			if hostNotFound(err) {
				w.WriteHeader(http.StatusNotFound)
				h.Logger.Info("phone-home from a host with no record", "mac", mac, "client", r.RemoteAddr)
				span.SetStatus(codes.Error, err.Error())

				return
			}
			w.WriteHeader(http.StatusInternalServerError)
			h.Logger.Error(err, "recording install state", "mac", mac, "state", rep.State)
			span.SetStatus(codes.Error, err.Error())

			return
		}
		if rep.State == data.InstallStateInstalled {
			if err := h.Writer.SetAllowNetboot(ctx, mac, false); err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				h.Logger.Error(err, "disabling netboot", "mac", mac)
				span.SetStatus(codes.Error, err.Error())

				return
			}
		}

		h.Logger.Info("phone-home", "mac", mac, "state", rep.State, "client", r.RemoteAddr)
		span.SetStatus(codes.Ok, "")
		w.WriteHeader(http.StatusNoContent)
	}
}

// hostNotFound returns true if the error is from a host record not being found.
func hostNotFound(err error) bool {
	type hostNotFound interface {
		NotFound() bool
	}
	te, ok := err.(hostNotFound)
	return ok && te.NotFound()
}

// resolveMAC finds the reporting host, preferring the MAC in the body over
// the remote IP.
func (h *Handler) resolveMAC(ctx context.Context, rep report, remoteAddr string) (net.HardwareAddr, error) {
	if rep.MAC != "" {
		mac, err := net.ParseMAC(rep.MAC)
		if err != nil {
			return nil, fmt.Errorf("parsing mac %q: %w", rep.MAC, err)
		}

		return mac, nil
	}
	if h.Backend == nil {
		return nil, errors.New("backend is nil")
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("error parsing client address: %w: client: %v", err, remoteAddr)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("error parsing client address: %v", remoteAddr)
	}
	d, _, err := h.Backend.GetByIP(ctx, ip)
	if err != nil {
		return nil, err
	}

	return d.MACAddress, nil
}
