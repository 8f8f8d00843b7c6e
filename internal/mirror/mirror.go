// Package mirror reverse proxies the OS install media mirror. Installers
// fetch their kernels, initrds and package repos through it so the whole
// install flow rides on one address.
package mirror

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/wickboot/wick/internal/metric"
)

type Handler struct {
	Logger logr.Logger
	// UpstreamURL is the media mirror wick proxies, example
	// http://mirror.lab.example.com/pub.
	UpstreamURL *url.URL
	// PathPrefix is stripped from the request before proxying. Defaults
	// to /mirror.
	PathPrefix string
}

// HandlerFunc returns a http.HandlerFunc proxying GET and HEAD requests to
// the upstream mirror.
func (h *Handler) HandlerFunc() http.HandlerFunc {
	proxy := httputil.NewSingleHostReverseProxy(h.UpstreamURL)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.Logger.Error(err, "mirror upstream error", "uri", r.RequestURI)
		w.WriteHeader(http.StatusBadGateway)
	}
	prefix := h.PathPrefix
	if prefix == "" {
		prefix = "/mirror"
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)

			return
		}
		labels := prometheus.Labels{"from": "http", "op": "mirror"}
		metric.JobsTotal.With(labels).Inc()
		metric.JobsInProgress.With(labels).Inc()
		defer metric.JobsInProgress.With(labels).Dec()
		timer := prometheus.NewTimer(metric.JobDuration.With(labels))
		defer timer.ObserveDuration()

		r.URL.Path = strings.TrimPrefix(r.URL.Path, prefix)
		if !strings.HasPrefix(r.URL.Path, "/") {
			r.URL.Path = "/" + r.URL.Path
		}
		proxy.ServeHTTP(w, r)
	}
}
