// Package upstreamconn implements the Upstream Connector: resolving and
// dialing the TcpConnection a session forwards a request over, optionally
// tunneling through an upstream HTTP or HTTPS proxy, grounded on the
// teacher's internal/helper.GetProxyConn and proxy/internal/upstream.Manager.
package upstreamconn

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
	"golang.org/x/net/proxy"

	"github.com/proxycore/interceptproxy/proxyerr"
)

// ServerConnectionCount is the process-wide count of live UpstreamConnections,
// incremented by CreateClient and decremented by (*UpstreamConnection).Close,
// mirroring the teacher's conn.Context.FlowCount atomic.Uint32 pattern.
var ServerConnectionCount atomic.Int64

// ProxyKind discriminates how CreateClient reaches the target.
type ProxyKind int

const (
	// ProxyDirect dials the target directly, no upstream proxy.
	ProxyDirect ProxyKind = iota
	// ProxyHTTP tunnels through a plaintext HTTP upstream proxy.
	ProxyHTTP
	// ProxyHTTPS tunnels through a TLS-wrapped (or SOCKS5) upstream proxy.
	ProxyHTTPS
)

// UpstreamConnection owns a TCP socket to the origin (or upstream proxy),
// its own buffered reader/writer, and the target identity it was dialed
// for. It is reused across requests in a session loop while the next
// request's host (case-insensitive) matches Host; otherwise it is disposed.
type UpstreamConnection struct {
	ID uuid.UUID

	Host       string
	Port       string
	Scheme     string // "http" or "https"
	HTTPVersion string
	TLSWrapped bool

	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	closeOnce sync.Once
}

// Reader returns the buffered reader over the upstream socket.
func (u *UpstreamConnection) Reader() *bufio.Reader { return u.r }

// Writer returns the buffered writer over the upstream socket.
func (u *UpstreamConnection) Writer() *bufio.Writer { return u.w }

// Underlying returns the concrete net.Conn.
func (u *UpstreamConnection) Underlying() net.Conn { return u.conn }

// MatchesHost reports whether this connection may be reused for a request
// to host (case-insensitive), per the §4.2 reuse policy.
func (u *UpstreamConnection) MatchesHost(host string) bool {
	return strings.EqualFold(u.Host, host)
}

// Close disposes the upstream connection exactly once and decrements
// ServerConnectionCount.
func (u *UpstreamConnection) Close() error {
	var err error
	u.closeOnce.Do(func() {
		err = u.conn.Close()
		ServerConnectionCount.Dec()
	})
	return err
}

// TcpConnectionFactory dials UpstreamConnections, optionally through an
// upstream HTTP or HTTPS proxy.
type TcpConnectionFactory struct {
	// SSLInsecure skips upstream-proxy TLS certificate verification,
	// matching the teacher's Config.SslInsecure knob.
	SSLInsecure bool
	// DialTimeout bounds the CONNECT round-trip to an HTTPS upstream proxy.
	DialTimeout time.Duration
}

// NewTcpConnectionFactory returns a factory with the teacher's defaults.
func NewTcpConnectionFactory(sslInsecure bool) *TcpConnectionFactory {
	return &TcpConnectionFactory{SSLInsecure: sslInsecure, DialTimeout: time.Minute}
}

// CreateClient resolves an UpstreamConnection for (host, port), optionally
// through httpProxy or httpsProxy (exactly one of which should be non-nil;
// both nil means direct). isHTTPS selects whether the factory performs an
// inner TLS handshake to the origin once the transport socket is up.
func (f *TcpConnectionFactory) CreateClient(ctx context.Context, host, port, httpVersion string, isHTTPS bool, httpProxy, httpsProxy *url.URL) (*UpstreamConnection, error) {
	scheme := "http"
	if isHTTPS {
		scheme = "https"
	}
	address := net.JoinHostPort(host, port)

	var conn net.Conn
	var err error
	switch {
	case httpsProxy != nil:
		conn, err = f.dialViaHTTPSProxy(ctx, httpsProxy, address)
	case httpProxy != nil:
		conn, err = f.dialViaHTTPProxy(ctx, httpProxy, address)
	default:
		conn, err = (&net.Dialer{}).DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, proxyerr.New(proxyerr.KindUpstreamUnavailable, "dial_upstream", host, err)
	}

	tlsWrapped := false
	if isHTTPS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host, InsecureSkipVerify: f.SSLInsecure})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, proxyerr.New(proxyerr.KindUpstreamUnavailable, "upstream_tls_handshake", host, err)
		}
		conn = tlsConn
		tlsWrapped = true
	}

	ServerConnectionCount.Inc()
	return &UpstreamConnection{
		ID:          uuid.NewV4(),
		Host:        host,
		Port:        port,
		Scheme:      scheme,
		HTTPVersion: httpVersion,
		TLSWrapped:  tlsWrapped,
		conn:        conn,
		r:           bufio.NewReader(conn),
		w:           bufio.NewWriter(conn),
	}, nil
}

// Resolver picks the upstream proxy URL for a request, mirroring the
// teacher's UpstreamManager.GetUpstreamProxyURL precedence: an explicit
// per-request hook, then a static configured proxy, then environment
// variables (HTTP_PROXY/HTTPS_PROXY/NO_PROXY) via http.ProxyFromEnvironment.
type Resolver struct {
	// HTTPProxy resolves the proxy for a plaintext-HTTP-target request.
	// A nil return (with nil error) means direct.
	HTTPProxy func(host string) (*url.URL, error)
	// HTTPSProxy resolves the proxy for an HTTPS-target request.
	HTTPSProxy func(host string) (*url.URL, error)
	// Static, if set, is used by both hooks above when they are nil.
	Static *url.URL
}

// Resolve returns the proxy URL (or nil for direct) to use for host given
// isHTTPS, per §4.2: "If request scheme is http, consults the optional
// HTTP-proxy resolver hook; else consults the HTTPS-proxy resolver hook."
func (r *Resolver) Resolve(host string, isHTTPS bool) (*url.URL, error) {
	hook := r.HTTPProxy
	if isHTTPS {
		hook = r.HTTPSProxy
	}
	if hook != nil {
		return hook(host)
	}
	if r.Static != nil {
		return r.Static, nil
	}
	scheme := "http"
	if isHTTPS {
		scheme = "https"
	}
	probe := &http.Request{URL: &url.URL{Scheme: scheme, Host: host}}
	return http.ProxyFromEnvironment(probe)
}

// dialViaHTTPProxy opens a plaintext TCP connection to the proxy. The
// caller's own Line/Header Codec then writes the request in absolute-form
// directly over this socket; no CONNECT handshake happens for a plaintext
// HTTP target behind an HTTP proxy.
func (f *TcpConnectionFactory) dialViaHTTPProxy(ctx context.Context, proxyURL *url.URL, address string) (net.Conn, error) {
	return (&net.Dialer{}).DialContext(ctx, "tcp", proxyURL.Host)
}

// dialViaHTTPSProxy reaches address through an upstream proxy that itself
// requires (or offers) TLS or SOCKS5, then issues CONNECT address and reads
// the 200 response, grounded on helper.GetProxyConn's "ref: http/transport.go
// dialConn func" shape.
func (f *TcpConnectionFactory) dialViaHTTPSProxy(ctx context.Context, proxyURL *url.URL, address string) (net.Conn, error) {
	if proxyURL.Scheme == "socks5" {
		return f.dialSOCKS5(ctx, proxyURL, address)
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", proxyURL.Host)
	if err != nil {
		return nil, err
	}

	if proxyURL.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: proxyURL.Hostname(), InsecureSkipVerify: f.SSLInsecure})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	return f.connectThroughProxy(ctx, conn, proxyURL, address)
}

func (f *TcpConnectionFactory) dialSOCKS5(ctx context.Context, proxyURL *url.URL, address string) (net.Conn, error) {
	auth := &proxy.Auth{}
	if proxyURL.User != nil {
		auth.User = proxyURL.User.Username()
		auth.Password, _ = proxyURL.User.Password()
	}
	dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
	if err != nil {
		return nil, err
	}
	dc, ok := dialer.(interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	})
	if !ok {
		return nil, errors.New("upstreamconn: SOCKS5 dialer does not support DialContext")
	}
	return dc.DialContext(ctx, "tcp", address)
}

// connectThroughProxy issues "CONNECT address HTTP/1.1" over conn and waits
// for a 200 status line, per §4.2's "Failure ... or non-200 from upstream
// CONNECT surfaces as UpstreamUnavailable".
func (f *TcpConnectionFactory) connectThroughProxy(ctx context.Context, conn net.Conn, proxyURL *url.URL, address string) (net.Conn, error) {
	connectReq := &http.Request{
		Method: "CONNECT",
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: http.Header{},
	}
	if proxyURL.User != nil {
		connectReq.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(proxyURL.User.String())))
	}

	timeout := f.DialTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	var resp *http.Response
	var err error
	go func() {
		defer close(done)
		if werr := connectReq.Write(conn); werr != nil {
			err = werr
			return
		}
		br := bufio.NewReader(conn)
		resp, err = http.ReadResponse(br, connectReq)
	}()

	select {
	case <-connectCtx.Done():
		conn.Close()
		<-done
		return nil, connectCtx.Err()
	case <-done:
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("upstream proxy CONNECT %s: %s", address, resp.Status)
	}
	return conn, nil
}
