// Package tlsintercept implements the TLS Interceptor: on CONNECT, it peeks
// the client's first byte to detect a TLS ClientHello, mints (or reuses) a
// leaf certificate for a wildcard-normalized hostname, and performs a TLS
// server handshake over the buffered client stream — grounded on the
// teacher's proxy/internal/attacker.Attacker.HTTPSTLSDial/serverTLSHandshake,
// adapted from its net/http.Server-embedded GetConfigForClient callback to
// the spec's explicit peek-then-handshake shape.
package tlsintercept

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/proxycore/interceptproxy/cert"
	"github.com/proxycore/interceptproxy/internal/linecodec"
	"github.com/proxycore/interceptproxy/internal/wireconn"
	"github.com/proxycore/interceptproxy/proxyerr"
)

// clientHelloRecordType is the TLS record content type of a ClientHello
// handshake record, per mitmproxy's is_tls_record_magic / the teacher's
// helper.IsTLS (buf[0] == 0x16).
const clientHelloRecordType = 0x16

// Result reports what Intercept did with the connection.
type Result int

const (
	// ResultUpgraded means the client stream is now TLS-wrapped and the
	// session loop should resume reading plaintext HTTP over it.
	ResultUpgraded Result = iota
	// ResultTunnel means the connection was NOT intercepted (excluded, or
	// the first byte was not a ClientHello) and must be handed to the Raw
	// Tunnel as an opaque host:port byte relay; the buffered peeked bytes
	// are still unread in conn's reader.
	ResultTunnel
)

// HostMatcher decides inclusion/exclusion for a host using the tie-break
// rule from spec.md §4.3: if both lists are configured, include decides —
// a host matched by no include pattern is excluded even if nothing in the
// exclude list matches it.
type HostMatcher struct {
	Include []*regexp.Regexp
	Exclude []*regexp.Regexp
}

// Excluded reports whether host should bypass interception.
func (m *HostMatcher) Excluded(host string) bool {
	if len(m.Include) > 0 {
		for _, re := range m.Include {
			if re.MatchString(host) {
				return false
			}
		}
		return true
	}
	for _, re := range m.Exclude {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

// WildcardName replaces host's leftmost label with "*", e.g.
// "a.b.example.com" -> "*.b.example.com". A single-label host is returned
// unchanged, per the GLOSSARY's "Wildcard-normalized hostname" definition.
func WildcardName(host string) string {
	idx := strings.IndexByte(host, '.')
	if idx < 0 {
		return host
	}
	return "*" + host[idx:]
}

// Config bounds the negotiated TLS protocol versions offered to the client,
// sourced from embedder configuration (spec.md §4.3: "Supported protocol
// versions are taken from configuration").
type Config struct {
	MinVersion uint16
	MaxVersion uint16
}

func (c Config) tlsConfig() *tls.Config {
	min, max := c.MinVersion, c.MaxVersion
	if min == 0 {
		min = tls.VersionTLS12
	}
	if max == 0 {
		max = tls.VersionTLS13
	}
	return &tls.Config{MinVersion: min, MaxVersion: max}
}

// Intercept runs the §4.3 procedure against conn for a CONNECT target whose
// authority is host:port, already known to be explicit/transparent at the
// call site. version is the HTTP version to use on the synthetic "200
// Connection established" line.
func Intercept(conn *wireconn.Conn, version linecodec.Version, host string, excluded bool, ca cert.CA, cfg Config) (Result, error) {
	if err := writeEstablished(conn, version); err != nil {
		return ResultTunnel, proxyerr.New(proxyerr.KindUpstreamIO, "write_connection_established", host, err)
	}

	peek, err := conn.Peek(1)
	if err != nil {
		return ResultTunnel, proxyerr.New(proxyerr.KindClientClosed, "peek_client_hello", host, err)
	}
	isClientHello := peek[0] == clientHelloRecordType

	if excluded || !isClientHello {
		return ResultTunnel, nil
	}

	name := WildcardName(host)
	leaf, err := ca.GetCert(name)
	if err != nil {
		conn.Close()
		return ResultTunnel, proxyerr.New(proxyerr.KindTLSHandshakeFailed, "get_certificate", host, err)
	}

	tlsCfg := cfg.tlsConfig()
	tlsCfg.Certificates = []tls.Certificate{*leaf}

	raw := &bufReadConn{Conn: conn.Underlying(), r: conn.Reader()}
	tlsConn := tls.Server(raw, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return ResultTunnel, proxyerr.New(proxyerr.KindTLSHandshakeFailed, "tls_server_handshake", host, err)
	}

	if err := conn.Upgrade(tlsConn, 0); err != nil {
		return ResultTunnel, proxyerr.New(proxyerr.KindTLSHandshakeFailed, "upgrade_transport", host, err)
	}
	return ResultUpgraded, nil
}

// writeEstablished writes the synthetic CONNECT response per §4.3 step 1.
func writeEstablished(conn *wireconn.Conn, version linecodec.Version) error {
	w := conn.Writer()
	if err := linecodec.WriteStatusLine(w, version, 200, "Connection established"); err != nil {
		return err
	}
	h := linecodec.NewHeader()
	h.Set("Timestamp", time.Now().Format(time.RFC1123))
	if err := linecodec.WriteHeaders(w, h); err != nil {
		return err
	}
	return w.Flush()
}

// bufReadConn adapts a net.Conn plus a bufio.Reader already positioned over
// it (which may hold peeked-but-unconsumed bytes) into a net.Conn whose
// Read drains the buffer first, so tls.Server sees the full ClientHello
// including the byte Intercept peeked.
type bufReadConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufReadConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

var _ io.ReadWriteCloser = (*bufReadConn)(nil)
