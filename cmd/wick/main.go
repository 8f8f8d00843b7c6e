package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"github.com/tinkerbell/ipxedust"
	"github.com/tinkerbell/ipxedust/ihttp"
	"github.com/wickboot/wick/internal/dhcp/handler"
	"github.com/wickboot/wick/internal/dhcp/handler/proxy"
	"github.com/wickboot/wick/internal/dhcp/handler/reservation"
	"github.com/wickboot/wick/internal/dhcp/server"
	bhttp "github.com/wickboot/wick/internal/ipxe/http"
	"github.com/wickboot/wick/internal/ipxe/script"
	"github.com/wickboot/wick/internal/kickstart"
	"github.com/wickboot/wick/internal/metric"
	"github.com/wickboot/wick/internal/mirror"
	"github.com/wickboot/wick/internal/otel"
	"github.com/wickboot/wick/internal/phonehome"
	"github.com/wickboot/wick/internal/syslog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	// GitRev is the git revision of the build. It is set by the Makefile.
	GitRev = "unknown (use make)"

	startTime = time.Now()
)

const (
	name                         = "wick"
	dhcpModeProxy       dhcpMode = "proxy"
	dhcpModeReservation dhcpMode = "reservation"
)

type config struct {
	syslog         syslogConfig
	tftp           tftp
	ipxeHTTPBinary ipxeHTTPBinary
	httpServer     httpConfig
	mirror         mirrorConfig
	dhcp           dhcpConfig

	// loglevel is the log level for wick.
	logLevel string
	backends dhcpBackends
	otel     otelConfig
}

type syslogConfig struct {
	enabled  bool
	bindAddr string
	bindPort int
}

type tftp struct {
	bindAddr        string
	bindPort        int
	blockSize       int
	enabled         bool
	ipxeScriptPatch string
	timeout         time.Duration
}

type ipxeHTTPBinary struct {
	enabled bool
}

type httpConfig struct {
	enabled         bool
	bindAddr        string
	bindPort        int
	extraKernelArgs string
	trustedProxies  string
	retries         int
	retryDelay      int
	menuTimeoutMS   int
	// installers is a comma separated list of os/version=Label entries
	// offered on the install menu.
	installers string
}

type mirrorConfig struct {
	enabled bool
	// upstreamURL is the media mirror wick proxies, example
	// http://mirror.lab.example.com/pub.
	upstreamURL string
	// baseURL overrides the mirror base URL rendered into boot scripts and
	// kickstarts. Defaults to the wick HTTP server's /mirror prefix.
	baseURL string
}

type dhcpMode string

type dhcpConfig struct {
	enabled           bool
	mode              string
	bindAddr          string
	bindInterface     string
	ipForPacket       string
	syslogIP          string
	tftpIP            string
	tftpPort          int
	httpIpxeBinaryURL urlBuilder
	httpIpxeScript    httpIpxeScript
}

type urlBuilder struct {
	Scheme string
	Host   string
	Port   int
	Path   string
}

type httpIpxeScript struct {
	urlBuilder
	// injectMacAddress will prepend the hardware mac address to the ipxe script URL file name.
	// For example: http://1.2.3.4/my/loc/auto.ipxe -> http://1.2.3.4/my/loc/40:15:ff:89:cc:0e/auto.ipxe
	// Setting this to false is useful when you are not using the auto.ipxe script in Wick.
	injectMacAddress bool
}

type dhcpBackends struct {
	file File
	Noop Noop
}

type otelConfig struct {
	endpoint string
	insecure bool
}

// backendStore is what the file and noop backends implement. Reads serve
// DHCP and boot scripts, writes persist phone-home state changes.
type backendStore interface {
	handler.BackendReader
	handler.BackendWriter
}

func main() {
	cfg := &config{}
	cli := newCLI(cfg, flag.NewFlagSet(name, flag.ExitOnError))
	_ = cli.Parse(os.Args[1:])

	log := defaultLogger(cfg.logLevel)
	log.Info("starting", "version", GitRev)

	ctx, done := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM)
	defer done()
	oCfg := otel.Config{
		Servicename: "wick",
		Endpoint:    cfg.otel.endpoint,
		Insecure:    cfg.otel.insecure,
		Logger:      log,
	}
	ctx, otelShutdown, err := otel.Init(ctx, oCfg)
	if err != nil {
		log.Error(err, "failed to initialize OpenTelemetry")
		panic(err)
	}
	defer otelShutdown()
	metric.Init()

	// One backend instance serves DHCP, boot scripts, kickstarts and
	// phone-home so state written by phone-home is read everywhere else.
	store, err := cfg.backend(ctx, log)
	if err != nil {
		log.Error(err, "failed to create backend")
		panic(fmt.Errorf("failed to create backend: %w", err))
	}

	g, ctx := errgroup.WithContext(ctx)
	// syslog
	if cfg.syslog.enabled {
		addr := fmt.Sprintf("%s:%d", cfg.syslog.bindAddr, cfg.syslog.bindPort)
		log.Info("starting syslog server", "bind_addr", addr)
		g.Go(func() error {
			r, err := syslog.StartReceiver(log, addr, 1)
			if err != nil {
				log.Error(err, "syslog server failure")
				return err
			}
			<-ctx.Done()
			r.Close()
			<-r.Done()
			log.Info("syslog server stopped")
			return nil
		})
	}

	// tftp
	if cfg.tftp.enabled {
		tftpServer := &ipxedust.Server{
			Log:                  log.WithValues("service", "github.com/wickboot/wick").WithName("github.com/tinkerbell/ipxedust"),
			HTTP:                 ipxedust.ServerSpec{Disabled: true}, // disabled because below we use the http handlerfunc instead.
			EnableTFTPSinglePort: true,
		}
		addr := fmt.Sprintf("%s:%d", cfg.tftp.bindAddr, cfg.tftp.bindPort)
		if ip, err := netip.ParseAddrPort(addr); err == nil {
			tftpServer.TFTP = ipxedust.ServerSpec{
				Disabled:  false,
				Addr:      ip,
				Timeout:   cfg.tftp.timeout,
				Patch:     []byte(cfg.tftp.ipxeScriptPatch),
				BlockSize: cfg.tftp.blockSize,
			}
			// start the ipxe binary tftp server
			log.Info("starting tftp server", "bind_addr", addr)
			g.Go(func() error {
				return tftpServer.ListenAndServe(ctx)
			})
		} else {
			log.Error(err, "invalid bind address")
			panic(fmt.Errorf("invalid bind address: %w", err))
		}
	}

	handlers := bhttp.HandlerMapping{}
	// http ipxe binaries
	if cfg.ipxeHTTPBinary.enabled {
		// serve ipxe binaries from the "/ipxe/" URI.
		handlers["/ipxe/"] = ihttp.Handler{
			Log:   log.WithValues("service", "github.com/wickboot/wick").WithName("github.com/tinkerbell/ipxedust"),
			Patch: []byte(cfg.tftp.ipxeScriptPatch),
		}.Handle
	}

	// http boot scripts, kickstarts, phone-home and the media mirror
	if cfg.httpServer.enabled {
		scriptBase := cfg.scriptBaseURL()
		mirrorBase := cfg.mirror.baseURL
		if mirrorBase == "" {
			mirrorBase = scriptBase.JoinPath("mirror").String()
		}
		sh := script.Handler{
			Logger:               log,
			Backend:              store,
			ScriptBaseURL:        scriptBase,
			MirrorBaseURL:        mirrorBase,
			PublicSyslogFQDN:     cfg.dhcp.syslogIP,
			ExtraKernelParams:    strings.Fields(cfg.httpServer.extraKernelArgs),
			IPXEScriptRetries:    cfg.httpServer.retries,
			IPXEScriptRetryDelay: cfg.httpServer.retryDelay,
			MenuTimeoutMS:        cfg.httpServer.menuTimeoutMS,
			Installers:           parseInstallers(cfg.httpServer.installers),
			StaticMenuEnabled:    (dhcpMode(cfg.dhcp.mode) == dhcpModeProxy),
		}
		kh := kickstart.Handler{
			Logger:        log,
			Backend:       store,
			PhoneHomeURL:  scriptBase.JoinPath("phone-home"),
			MirrorBaseURL: mirrorBase,
		}
		ph := phonehome.Handler{
			Logger:  log,
			Backend: store,
			Writer:  store,
		}

		handlers["/menu.ipxe"] = sh.MenuHandlerFunc()
		handlers["/installmenu.ipxe"] = sh.InstallMenuHandlerFunc()
		handlers["/phone-home"] = ph.HandlerFunc()
		if cfg.mirror.enabled {
			upstream, err := url.Parse(cfg.mirror.upstreamURL)
			if err != nil || upstream.Scheme == "" || upstream.Host == "" {
				panic(fmt.Errorf("invalid mirror upstream url %q: %w", cfg.mirror.upstreamURL, err))
			}
			mh := mirror.Handler{Logger: log, UpstreamURL: upstream}
			handlers["/mirror/"] = mh.HandlerFunc()
		}

		// serve boot scripts and kickstarts from the "/" URI:
		// /<mac>/auto.ipxe and /<mac>/ks.cfg.
		auto := sh.HandlerFunc()
		ks := kh.HandlerFunc()
		handlers["/"] = func(w http.ResponseWriter, r *http.Request) {
			if path.Base(r.URL.Path) == "ks.cfg" {
				ks(w, r)
				return
			}
			auto(w, r)
		}
	}

	if len(handlers) > 0 {
		// start the http server for ipxe binaries, scripts and kickstarts
		tp := parseTrustedProxies(cfg.httpServer.trustedProxies)
		httpServer := &bhttp.Config{
			GitRev:         GitRev,
			StartTime:      startTime,
			Logger:         log,
			TrustedProxies: tp,
		}
		bindAddr := fmt.Sprintf("%s:%d", cfg.httpServer.bindAddr, cfg.httpServer.bindPort)
		log.Info("serving http", "addr", bindAddr, "trusted_proxies", tp)
		g.Go(func() error {
			return httpServer.ServeHTTP(ctx, bindAddr, handlers)
		})
	}

	// dhcp serving
	if cfg.dhcp.enabled {
		dh, err := cfg.dhcpHandler(log, store)
		if err != nil {
			log.Error(err, "failed to create dhcp listener")
			panic(fmt.Errorf("failed to create dhcp listener: %w", err))
		}
		log.Info("starting dhcp server", "bind_addr", cfg.dhcp.bindAddr)
		g.Go(func() error {
			bindAddr, err := netip.ParseAddrPort(cfg.dhcp.bindAddr)
			if err != nil {
				panic(fmt.Errorf("invalid bind address for DHCP server: %w", err))
			}
			conn, err := server4.NewIPv4UDPConn(cfg.dhcp.bindInterface, net.UDPAddrFromAddrPort(bindAddr))
			if err != nil {
				panic(err)
			}
			defer conn.Close()
			ds := &server.DHCP{Logger: log, Conn: conn, Handlers: []server.Handler{dh}}

			return ds.Serve(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(err, "failed running all Wick services")
		panic(err)
	}
	log.Info("wick is shutting down")
}

func numTrue(b ...bool) int {
	n := 0
	for _, v := range b {
		if v {
			n++
		}
	}
	return n
}

func (c *config) backend(ctx context.Context, log logr.Logger) (backendStore, error) {
	switch {
	case numTrue(c.backends.file.Enabled, c.backends.Noop.Enabled) > 1:
		return nil, errors.New("only one backend can be enabled at a time")
	case c.backends.Noop.Enabled:
		if c.dhcp.mode != string(dhcpModeProxy) {
			return nil, errors.New("noop backend can only be used with --dhcp-mode=proxy")
		}
		return c.backends.Noop.backend(), nil
	default: // default backend is the file backend
		b, err := c.backends.file.backend(ctx, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create file backend: %w", err)
		}
		return b, nil
	}
}

// scriptBaseURL is the URL boot scripts, kickstarts and the phone-home
// endpoint hang off of. The port is elided when it is 80 so rendered URLs
// stay short.
func (c *config) scriptBaseURL() *url.URL {
	return &url.URL{
		Scheme: c.dhcp.httpIpxeScript.Scheme,
		Host: func() string {
			if c.dhcp.httpIpxeScript.Port == 80 {
				return c.dhcp.httpIpxeScript.Host
			}
			return fmt.Sprintf("%s:%d", c.dhcp.httpIpxeScript.Host, c.dhcp.httpIpxeScript.Port)
		}(),
	}
}

func (c *config) dhcpHandler(log logr.Logger, store backendStore) (server.Handler, error) {
	pktIP, err := netip.ParseAddr(c.dhcp.ipForPacket)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address: %w", err)
	}
	tftpIP, err := netip.ParseAddrPort(fmt.Sprintf("%s:%d", c.dhcp.tftpIP, c.dhcp.tftpPort))
	if err != nil {
		return nil, fmt.Errorf("invalid tftp address for DHCP server: %w", err)
	}
	httpBinaryURL := &url.URL{
		Scheme: c.dhcp.httpIpxeBinaryURL.Scheme,
		Host:   fmt.Sprintf("%s:%d", c.dhcp.httpIpxeBinaryURL.Host, c.dhcp.httpIpxeBinaryURL.Port),
		Path:   c.dhcp.httpIpxeBinaryURL.Path,
	}
	if _, err := url.Parse(httpBinaryURL.String()); err != nil {
		return nil, fmt.Errorf("invalid http ipxe binary url: %w", err)
	}

	httpScriptURL := c.scriptBaseURL()
	httpScriptURL.Path = c.dhcp.httpIpxeScript.Path
	if _, err := url.Parse(httpScriptURL.String()); err != nil {
		return nil, fmt.Errorf("invalid http ipxe script url: %w", err)
	}
	ipxeScript := func(*dhcpv4.DHCPv4) *url.URL {
		return httpScriptURL
	}
	if c.dhcp.httpIpxeScript.injectMacAddress {
		ipxeScript = func(d *dhcpv4.DHCPv4) *url.URL {
			u := *httpScriptURL
			p := path.Base(u.Path)
			u.Path = path.Join(path.Dir(u.Path), d.ClientHWAddr.String(), p)
			return &u
		}
	}

	switch dhcpMode(c.dhcp.mode) {
	case dhcpModeReservation:
		syslogIP, err := netip.ParseAddr(c.dhcp.syslogIP)
		if err != nil {
			return nil, fmt.Errorf("invalid syslog address: %w", err)
		}
		dh := &reservation.Handler{
			Backend: store,
			IPAddr:  pktIP,
			Log:     log,
			Netboot: reservation.Netboot{
				IPXEBinServerTFTP: tftpIP,
				IPXEBinServerHTTP: httpBinaryURL,
				IPXEScriptURL:     ipxeScript,
				Enabled:           true,
			},
			OTELEnabled: true,
			SyslogAddr:  syslogIP,
		}
		return dh, nil
	case dhcpModeProxy:
		dh := &proxy.Handler{
			Backend: store,
			IPAddr:  pktIP,
			Log:     log,
			Netboot: proxy.Netboot{
				IPXEBinServerTFTP: tftpIP,
				IPXEBinServerHTTP: httpBinaryURL,
				IPXEScriptURL:     ipxeScript,
				Enabled:           true,
			},
			OTELEnabled: true,
		}
		return dh, nil
	}

	return nil, errors.New("invalid dhcp mode")
}

// parseInstallers turns "centos/7=CentOS 7,esxi/7.0U2a=ESXi 7.0U2a" into
// install menu entries. The label defaults to "os version" when omitted.
func parseInstallers(s string) []script.MenuEntry {
	var entries []script.MenuEntry
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		release := item
		label := ""
		if i := strings.Index(item, "="); i >= 0 {
			release = item[:i]
			label = item[i+1:]
		}
		osName, version, found := strings.Cut(release, "/")
		if !found {
			continue
		}
		if label == "" {
			label = osName + " " + version
		}
		entries = append(entries, script.MenuEntry{OS: osName, Version: version, Label: label})
	}

	return entries
}

// defaultLogger is zap logr implementation.
func defaultLogger(level string) logr.Logger {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stdout"}
	switch level {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	zapLogger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("who watches the watchmen (%v)?", err))
	}

	return zapr.NewLogger(zapLogger)
}

func parseTrustedProxies(trustedProxies string) (result []string) {
	for _, cidr := range strings.Split(trustedProxies, ",") {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		_, _, err := net.ParseCIDR(cidr)
		if err != nil {
			// Its not a cidr, but maybe its an IP
			if ip := net.ParseIP(cidr); ip != nil {
				if ip.To4() != nil {
					cidr += "/32"
				} else {
					cidr += "/128"
				}
			} else {
				// not an IP, panic
				panic("invalid ip cidr in TRUSTED_PROXIES cidr=" + cidr)
			}
		}
		result = append(result, cidr)
	}

	return result
}
