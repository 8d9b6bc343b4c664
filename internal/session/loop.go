package session

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/proxycore/interceptproxy/internal/linecodec"
	"github.com/proxycore/interceptproxy/internal/tunnel"
	"github.com/proxycore/interceptproxy/internal/upstreamconn"
	"github.com/proxycore/interceptproxy/internal/wireconn"
	"github.com/proxycore/interceptproxy/proxyerr"
)

// Loop runs the Session Loop state machine (spec.md §4.4) for one client
// connection until the client closes, a malformed request is read, a hook
// cancels, or an unrecoverable I/O error occurs. httpsConnectHostname is
// non-empty when a prior CONNECT (or transparent TLS accept) means client
// is now plaintext-HTTP-over-TLS and the request target is a path, per
// spec.md §4.7's "httpsConnectHostname = generic_cert_name when TLS".
func Loop(ctx context.Context, client *wireconn.Conn, connectReq *ConnectRequest, httpsConnectHostname string, cfg Config, h *Hooks, factory *upstreamconn.TcpConnectionFactory) {
	LoopWithFirstLine(ctx, client, connectReq, httpsConnectHostname, cfg, h, factory, nil)
}

// LoopWithFirstLine is Loop, but reuses an already-read request line for the
// first iteration instead of reading one — used by the Client Dispatcher's
// explicit-mode path, which must read a line to decide CONNECT vs. a
// regular request before the Session Loop starts (spec.md §4.7).
func LoopWithFirstLine(ctx context.Context, client *wireconn.Conn, connectReq *ConnectRequest, httpsConnectHostname string, cfg Config, h *Hooks, factory *upstreamconn.TcpConnectionFactory, firstLine *linecodec.RequestLine) {
	var upstream *upstreamconn.UpstreamConnection
	var prev *Session
	defer func() {
		if upstream != nil {
			upstream.Close()
		}
	}()

	for {
		s := NewSession(client, connectReq)
		s.Upstream = upstream
		if upstream != nil && prev != nil {
			// A reused connection keeps the upstream-proxy routing it was dialed with.
			s.ForwardAbsoluteForm = prev.ForwardAbsoluteForm
			s.EffectiveUpstreamProxy = prev.EffectiveUpstreamProxy
		}

		err := runOneRequest(ctx, s, httpsConnectHostname, cfg, h, factory, firstLine)
		firstLine = nil
		if err != nil {
			if !proxyerr.Is(err, proxyerr.KindClientClosed) && !proxyerr.Is(err, proxyerr.KindHookCancelled) {
				h.reportException(err, s)
			}
			if s.Upstream != nil {
				s.Upstream.Close()
			}
			return
		}

		upstream = s.Upstream
		prev = s
		if s.Response == nil || !s.Response.KeepAlive {
			return
		}
	}
}

// runOneRequest executes states S0 through S8 for a single request/response
// exchange, leaving s.Upstream set to the (possibly reused) connection for
// the caller to carry into the next iteration.
func runOneRequest(ctx context.Context, s *Session, httpsConnectHostname string, cfg Config, h *Hooks, factory *upstreamconn.TcpConnectionFactory, firstLine *linecodec.RequestLine) error {
	cr := s.Client.Reader()

	// S0 READ_LINE
	var rl linecodec.RequestLine
	if firstLine != nil {
		rl = *firstLine
	} else {
		var err error
		rl, err = linecodec.ReadRequestLine(cr)
		if err != nil {
			return err
		}
	}

	// S1 PARSE_REQUEST: read headers, reconstruct the absolute URI.
	headers, err := linecodec.ReadHeaders(cr)
	if err != nil {
		return err
	}
	flags, err := linecodec.ParseFlags(headers)
	if err != nil {
		return err
	}

	absURI, err := reconstructURI(rl.Target, headers, httpsConnectHostname)
	if err != nil {
		return err
	}

	req := &Request{
		Method:           rl.Method,
		URI:              absURI,
		Version:          rl.Version,
		Headers:          headers,
		ContentLength:    flags.ContentLength,
		HasBody:          flags.HasBody,
		IsChunked:        flags.IsChunked,
		ExpectContinue:   flags.ExpectContinue,
		UpgradeWebsocket: flags.UpgradeWebsocket,
	}
	s.Request = req

	// S2 AUTH (only if no prior CONNECT established this client connection).
	if s.ConnectReq == nil && h.Auth != nil {
		if !h.Auth(req) {
			return proxyerr.New(proxyerr.KindAuthDenied, "auth", headers.Get("Host"), nil)
		}
	}

	// S3 HOOK_BEFORE_REQUEST, then lock.
	h.fireBeforeRequest(req)
	req.Lock()
	if req.Cancelled() {
		return proxyerr.New(proxyerr.KindHookCancelled, "before_request", "", nil)
	}

	linecodec.PrepareRequestHeaders(req.Headers)

	scheme, host, port, err := splitTarget(absURI, headers)
	if err != nil {
		return err
	}
	req.Headers.Set("Host", hostHeaderFor(host, port, scheme))

	// S4 ENSURE_UPSTREAM: create if absent, or if the host changed.
	if s.Upstream == nil || !s.Upstream.MatchesHost(host) {
		if s.Upstream != nil {
			s.Upstream.Close()
			s.Upstream = nil
		}
		s.ForwardAbsoluteForm = false
		s.EffectiveUpstreamProxy = ""
		isHTTPS := scheme == "https"
		resolver := h.HTTPProxyResolver
		static := cfg.UpstreamHTTPProxy
		if isHTTPS {
			resolver = h.HTTPSProxyResolver
			static = cfg.UpstreamHTTPSProxy
		}
		var proxyURL *url.URL
		if resolver != nil {
			proxyURL, err = resolver(host)
			if err != nil {
				return proxyerr.New(proxyerr.KindUpstreamUnavailable, "resolve_upstream_proxy", host, err)
			}
		}
		if proxyURL == nil {
			proxyURL = static
		}
		var httpProxy, httpsProxy *url.URL
		if proxyURL != nil {
			if isHTTPS {
				httpsProxy = proxyURL
			} else {
				httpProxy = proxyURL
				s.ForwardAbsoluteForm = true
			}
			s.EffectiveUpstreamProxy = proxyURL.String()
		}

		up, err := factory.CreateClient(ctx, host, port, req.Version.String(), isHTTPS, httpProxy, httpsProxy)
		if err != nil {
			return err
		}
		s.Upstream = up
	}

	// S5: WebSocket upgrade hands off to the Raw Tunnel and ends the loop.
	if req.UpgradeWebsocket {
		return handOffWebsocket(s, req)
	}

	// S6 FORWARD_REQUEST / S7 FORWARD_RESPONSE
	if err := HandleHTTPSessionRequestInternal(s, h, cfg); err != nil {
		return err
	}

	// S8 decided by the caller inspecting s.Response.KeepAlive.
	return nil
}

// handOffWebsocket replays the already-parsed request line and headers to
// the upstream side, then relays bytes bidirectionally until either side
// closes, per spec.md §4.4 S5 and §4.6.
func handOffWebsocket(s *Session, req *Request) error {
	uw := s.Upstream.Writer()
	if err := linecodec.WriteRequestLine(uw, linecodec.RequestLine{Method: req.Method, Target: req.URI, Version: req.Version}); err != nil {
		return proxyerr.New(proxyerr.KindUpstreamIO, "write_websocket_request_line", "", err)
	}
	if err := linecodec.WriteHeaders(uw, req.Headers); err != nil {
		return proxyerr.New(proxyerr.KindUpstreamIO, "write_websocket_headers", "", err)
	}
	if err := uw.Flush(); err != nil {
		return proxyerr.New(proxyerr.KindUpstreamIO, "flush_websocket_headers", "", err)
	}

	tunnel.Relay(nil, s.Client, s.Upstream.Underlying(), tunnel.Observer{})
	s.Upstream = nil // Relay already closed it; avoid a double-close in Loop's defer.
	return proxyerr.New(proxyerr.KindClientClosed, "websocket_tunnel_end", "", nil)
}

// reconstructURI implements spec.md §4.4 S1: absolute already in explicit
// plaintext mode; a path in transparent mode (Host header supplies
// authority); "https://" + (Host or CONNECT authority) + target when a
// prior CONNECT established HTTPS.
func reconstructURI(target string, headers *linecodec.Header, httpsConnectHostname string) (string, error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target, nil
	}
	if httpsConnectHostname != "" {
		host := headers.Get("Host")
		if host == "" {
			host = httpsConnectHostname
		}
		return "https://" + host + target, nil
	}
	// Transparent, non-TLS: target stays origin-form; the session resolves
	// authority from the Host header when ensuring the upstream connection.
	if headers.Get("Host") == "" {
		// Open Question resolution (spec.md §9): absent Host with no
		// other authority source is unspecified; we close as malformed.
		return "", proxyerr.New(proxyerr.KindMalformedRequest, "reconstruct_uri", "", nil)
	}
	return target, nil
}

// splitTarget derives scheme/host/port for upstream connection purposes.
// reconstructURI already rewrites any TLS-context request into an absolute
// "https://" URI, so the only case reaching the origin-form fallback below
// is a plaintext transparent request, whose authority comes from the Host
// header (spec.md §4.4 S1).
func splitTarget(uri string, headers *linecodec.Header) (scheme, host, port string, err error) {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		u, perr := url.Parse(uri)
		if perr != nil {
			return "", "", "", proxyerr.New(proxyerr.KindMalformedRequest, "parse_uri", "", perr)
		}
		h := u.Hostname()
		p := u.Port()
		if p == "" {
			if u.Scheme == "https" {
				p = "443"
			} else {
				p = "80"
			}
		}
		return u.Scheme, h, p, nil
	}

	host = headers.Get("Host")
	port = "80"
	if h, p, splitErr := net.SplitHostPort(host); splitErr == nil {
		host, port = h, p
	}
	return "http", host, port, nil
}

// hostHeaderFor builds the Host header value enforced on the outgoing
// request (spec.md §6: "Host set to the request URI authority"), omitting
// the port when it is the scheme's default.
func hostHeaderFor(host, port, scheme string) string {
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		return host
	}
	return net.JoinHostPort(host, port)
}
