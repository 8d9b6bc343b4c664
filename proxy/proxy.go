// Package proxy wires the Line/Header Codec, Upstream Connector, TLS
// Interceptor, Session Loop, and Client Dispatcher into one embeddable
// Proxy type, grounded on the teacher's proxy.Proxy/entry pairing but
// replacing its net/http.Server-based entry with a raw net.Listener Accept
// loop over internal/dispatcher, since the session loop needs byte-level
// control http.Server does not expose.
package proxy

import (
	"context"
	"crypto/x509"
	"log/slog"
	"net"
	"net/url"
	"sync"

	"github.com/proxycore/interceptproxy/cert"
	"github.com/proxycore/interceptproxy/internal/dispatcher"
	"github.com/proxycore/interceptproxy/internal/session"
	"github.com/proxycore/interceptproxy/internal/upstreamconn"
	"github.com/proxycore/interceptproxy/version"
)

// Proxy runs one listener and dispatches every accepted connection through
// the Client Dispatcher, per spec.md §2's six-component pipeline.
type Proxy struct {
	Version string

	cfg     Config
	ca      cert.CA
	hooks   *session.Hooks
	factory *upstreamconn.TcpConnectionFactory
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closed   bool
}

// NewProxy creates a Proxy with the given configuration and certificate
// authority. ca mints the leaf certificates the TLS Interceptor needs;
// cert.NewSelfSignCA is the reference implementation.
func NewProxy(cfg Config, ca cert.CA) *Proxy {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		Version: version.Version,
		cfg:     cfg,
		ca:      ca,
		hooks:   &session.Hooks{},
		factory: upstreamconn.NewTcpConnectionFactory(cfg.Session.SSLInsecure),
		logger:  logger,
	}
}

// Start listens on cfg.Addr and serves connections until Shutdown or Close
// is called, or the listener returns a fatal error. Blocking, like the
// teacher's entry.start.
func (p *Proxy) Start() error {
	ln, err := net.Listen("tcp", p.cfg.Addr)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	p.logger.Info("proxy listening", "addr", p.cfg.Addr, "transparent", p.cfg.Endpoint.Transparent)

	deps := dispatcher.Deps{
		Endpoint: p.cfg.Endpoint,
		Session:  p.cfg.Session,
		Hooks:    p.hooks,
		CA:       p.ca,
		Factory:  p.factory,
		Logger:   p.logger,
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				p.wg.Wait()
				return nil
			}
			return err
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			dispatcher.HandleConnection(context.Background(), conn, deps)
		}()
	}
}

// Close immediately stops accepting connections, without waiting for
// in-flight ones to finish.
func (p *Proxy) Close() error {
	p.mu.Lock()
	p.closed = true
	ln := p.listener
	p.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// Shutdown stops accepting new connections and waits for in-flight ones to
// finish, up to ctx's deadline.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if err := p.Close(); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetCertificate returns the CA's own root certificate, for embedders that
// need to offer it to clients for trust installation.
func (p *Proxy) GetCertificate() x509.Certificate {
	return *p.ca.GetRootCA()
}

// OnBeforeRequest registers a BeforeRequest subscriber (spec.md §4.4 S3).
func (p *Proxy) OnBeforeRequest(fn session.BeforeRequestFunc) { p.hooks.BeforeRequest.Add(fn) }

// OnBeforeResponse registers a BeforeResponse subscriber (spec.md §4.5).
func (p *Proxy) OnBeforeResponse(fn session.BeforeResponseFunc) { p.hooks.BeforeResponse.Add(fn) }

// OnAfterResponse registers an AfterResponse subscriber (spec.md §4.5).
func (p *Proxy) OnAfterResponse(fn session.AfterResponseFunc) { p.hooks.AfterResponse.Add(fn) }

// OnTunnelConnectRequest registers a TunnelConnectRequest subscriber
// (spec.md §4.7's CONNECT-phase observational hook).
func (p *Proxy) OnTunnelConnectRequest(fn session.TunnelConnectRequestFunc) {
	p.hooks.TunnelConnectRequest.Add(fn)
}

// OnTunnelConnectResponse registers a TunnelConnectResponse subscriber.
func (p *Proxy) OnTunnelConnectResponse(fn session.TunnelConnectResponseFunc) {
	p.hooks.TunnelConnectResponse.Add(fn)
}

// SetAuth installs the S2 proxy-authentication hook for requests without a
// prior CONNECT. A nil fn (the default) allows everything.
func (p *Proxy) SetAuth(fn session.AuthFunc) { p.hooks.Auth = fn }

// SetConnectAuth installs the CONNECT-phase proxy-authentication hook.
func (p *Proxy) SetConnectAuth(fn session.ConnectAuthFunc) { p.hooks.ConnectAuth = fn }

// SetHTTPProxyResolver installs GetCustomUpStreamHttpProxyFunc (spec.md §6).
func (p *Proxy) SetHTTPProxyResolver(fn func(host string) (*url.URL, error)) {
	p.hooks.HTTPProxyResolver = fn
}

// SetHTTPSProxyResolver installs GetCustomUpStreamHttpsProxyFunc (spec.md §6).
func (p *Proxy) SetHTTPSProxyResolver(fn func(host string) (*url.URL, error)) {
	p.hooks.HTTPSProxyResolver = fn
}

// SetException installs the terminal error sink (spec.md §6: "ExceptionFunc(e)").
func (p *Proxy) SetException(fn session.ExceptionFunc) { p.hooks.Exception = fn }
