// Package dispatcher implements the Client Dispatcher (spec.md §4.7): the
// per-connection entry point that distinguishes explicit vs transparent
// endpoints, performs the CONNECT handshake (explicit) or immediate TLS
// accept (transparent), then hands off to the Session Loop — grounded on
// the teacher's proxy/entry.go (wrapListener.Accept + entry.ServeHTTP +
// entry.handleConnect), adapted from its net/http.Server-embedded routing
// to the spec's hand-rolled line-read-first dispatch.
package dispatcher

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"regexp"
	"strings"

	"github.com/proxycore/interceptproxy/cert"
	"github.com/proxycore/interceptproxy/internal/linecodec"
	"github.com/proxycore/interceptproxy/internal/session"
	"github.com/proxycore/interceptproxy/internal/tlsintercept"
	"github.com/proxycore/interceptproxy/internal/tunnel"
	"github.com/proxycore/interceptproxy/internal/upstreamconn"
	"github.com/proxycore/interceptproxy/internal/wireconn"
)

// EndpointConfig discriminates the two listening modes of spec.md §3,
// immutable for the connection's lifetime.
type EndpointConfig struct {
	Transparent bool

	// Explicit mode only.
	IncludeHTTPSPatterns []string
	ExcludeHTTPSPatterns []string

	// Transparent mode only.
	TLSEnabled      bool
	GenericCertName string
}

// Deps bundles everything a client connection's dispatch needs beyond its
// net.Conn, so HandleConnection stays a pure function of (conn, deps).
type Deps struct {
	Endpoint EndpointConfig
	Session  session.Config
	Hooks    *session.Hooks
	CA       cert.CA
	Factory  *upstreamconn.TcpConnectionFactory
	Logger   *slog.Logger
}

// HandleConnection dispatches one accepted client connection: explicit mode
// reads the first request line and branches on CONNECT vs a regular
// request; transparent mode optionally TLS-accepts immediately using a
// fixed generic cert name, then always proceeds into the Session Loop.
func HandleConnection(ctx context.Context, raw net.Conn, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bufSize := deps.Session.BufferSize
	if bufSize <= 0 {
		bufSize = session.DefaultBufferSize
	}
	client := wireconn.New(raw, bufSize)
	defer client.Close()

	if deps.Endpoint.Transparent {
		handleTransparent(ctx, client, deps, logger)
		return
	}
	handleExplicit(ctx, client, deps, logger)
}

// handleTransparent implements spec.md §4.7's transparent endpoint path.
func handleTransparent(ctx context.Context, client *wireconn.Conn, deps Deps, logger *slog.Logger) {
	httpsConnectHostname := ""
	if deps.Endpoint.TLSEnabled {
		leaf, err := deps.CA.GetCert(deps.Endpoint.GenericCertName)
		if err != nil {
			logger.Error("transparent TLS cert acquisition failed", "error", err)
			client.Close()
			return
		}
		tlsConn := tls.Server(client.Underlying(), &tls.Config{Certificates: []tls.Certificate{*leaf}})
		if err := tlsConn.Handshake(); err != nil {
			logger.Debug("transparent TLS handshake failed", "error", err)
			client.Close()
			return
		}
		if err := client.Upgrade(tlsConn, 0); err != nil {
			logger.Error("transparent TLS upgrade failed", "error", err)
			client.Close()
			return
		}
		httpsConnectHostname = deps.Endpoint.GenericCertName
	}

	session.Loop(ctx, client, nil, httpsConnectHostname, deps.Session, deps.Hooks, deps.Factory)
}

// handleExplicit implements spec.md §4.7's explicit endpoint path.
func handleExplicit(ctx context.Context, client *wireconn.Conn, deps Deps, logger *slog.Logger) {
	rl, err := linecodec.ReadRequestLine(client.Reader())
	if err != nil {
		return
	}

	if !strings.EqualFold(rl.Method, "CONNECT") {
		// Not a CONNECT: hand the already-read line straight to the
		// Session Loop instead of the usual read-first-line entry point.
		session.LoopWithFirstLine(ctx, client, nil, "", deps.Session, deps.Hooks, deps.Factory, &rl)
		return
	}

	handleConnect(ctx, client, rl, deps, logger)
}

// handleConnect implements the explicit-mode CONNECT branch of spec.md
// §4.7: parse authority, read headers, fire TunnelConnectRequest, evaluate
// exclusion, perform proxy auth, then run the TLS Interceptor.
func handleConnect(ctx context.Context, client *wireconn.Conn, rl linecodec.RequestLine, deps Deps, logger *slog.Logger) {
	headers, err := linecodec.ReadHeaders(client.Reader())
	if err != nil {
		return
	}

	cr := &session.ConnectRequest{Authority: rl.Target, Version: rl.Version, Headers: headers}
	deps.Hooks.ReportTunnelConnectRequest(cr)

	host, _, splitErr := net.SplitHostPort(rl.Target)
	if splitErr != nil {
		host = rl.Target
	}
	excluded := deps.excludedHost(host)

	if !excluded && deps.Hooks.ConnectAuthDenied(cr) {
		deps.Hooks.ReportTunnelConnectResponse(cr, 407)
		writeStatus(client, rl.Version, 407, "Proxy Authentication Required")
		client.Close()
		return
	}

	result, err := tlsintercept.Intercept(client, rl.Version, host, excluded, deps.CA, deps.Session.TLS)
	if err != nil {
		logger.Debug("tls intercept failed", "error", err, "host", host)
		client.Close()
		return
	}

	if result == tlsintercept.ResultTunnel {
		runOpaqueTunnel(ctx, client, rl.Target, deps, logger)
		return
	}

	session.Loop(ctx, client, cr, host, deps.Session, deps.Hooks, deps.Factory)
}

// runOpaqueTunnel dials the CONNECT target directly and relays bytes
// unchanged, used for excluded hosts and non-TLS CONNECT payloads (spec.md
// §4.3 step 3, §4.6).
func runOpaqueTunnel(ctx context.Context, client *wireconn.Conn, authority string, deps Deps, logger *slog.Logger) {
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		client.Close()
		return
	}
	up, err := deps.Factory.CreateClient(ctx, host, port, "HTTP/1.1", false, nil, nil)
	if err != nil {
		logger.Debug("opaque tunnel dial failed", "error", err, "host", host)
		client.Close()
		return
	}
	tunnel.Relay(logger, client, up.Underlying(), tunnel.Observer{})
}

func (d Deps) excludedHost(host string) bool {
	m := tlsintercept.HostMatcher{}
	for _, p := range d.Endpoint.IncludeHTTPSPatterns {
		if re := compileOrNil(p); re != nil {
			m.Include = append(m.Include, re)
		}
	}
	for _, p := range d.Endpoint.ExcludeHTTPSPatterns {
		if re := compileOrNil(p); re != nil {
			m.Exclude = append(m.Exclude, re)
		}
	}
	return m.Excluded(host)
}

func writeStatus(client *wireconn.Conn, version linecodec.Version, code int, reason string) {
	w := client.Writer()
	if err := linecodec.WriteStatusLine(w, version, code, reason); err != nil {
		return
	}
	h := linecodec.NewHeader()
	_ = linecodec.WriteHeaders(w, h)
	_ = w.Flush()
}

// compileOrNil compiles pattern, discarding it (rather than failing startup)
// if malformed, since host patterns arrive as free-form embedder config.
func compileOrNil(pattern string) *regexp.Regexp {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	return re
}
