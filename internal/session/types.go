// Package session implements the Data Model (spec.md §3), the per-client
// Session Loop state machine (§4.4), and request/response forwarding
// (§4.5, HandleHttpSessionRequestInternal), grounded on the teacher's
// proxy/internal/types.Flow/Request/Response for field shape and on
// proxy/internal/attacker.Attacker.Attack for the phase ordering, adapted
// from its net/http.Server handler model to the spec's hand-rolled loop.
package session

import (
	"sync"

	uuid "github.com/satori/go.uuid"

	"github.com/proxycore/interceptproxy/internal/linecodec"
	"github.com/proxycore/interceptproxy/internal/upstreamconn"
	"github.com/proxycore/interceptproxy/internal/wireconn"
)

// ConnectRequest is captured only in explicit mode and attached to every
// Session born from the client connection it was read on (spec.md §3).
type ConnectRequest struct {
	Authority string // "host:port"
	Version   linecodec.Version
	Headers   *linecodec.Header
}

// Request mirrors spec.md §3's Request entity: method, absolute
// request-URI, version, headers, optional cached body, and framing flags.
// Once Locked is true, mutations from embedder hooks are rejected.
type Request struct {
	Method  string
	URI     string // absolute after S1 reconstruction
	Version linecodec.Version
	Headers *linecodec.Header

	ContentLength    int64
	HasBody          bool
	IsChunked        bool
	ExpectContinue   bool
	UpgradeWebsocket bool

	// Body holds a cached copy only if an embedder hook explicitly read it
	// (BodyRead becomes true); the forwarding path streams straight from
	// the client reader otherwise.
	Body     []byte
	BodyRead bool

	mu      sync.Mutex
	locked  bool
	cancel  bool
}

// Lock marks the request immutable to embedder hooks, per spec.md §3's
// "once request_locked is true, mutations by embedder hooks are rejected."
func (r *Request) Lock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked = true
}

// Locked reports whether Lock has run.
func (r *Request) Locked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked
}

// SetHeader mutates a request header, rejected once the request is locked.
func (r *Request) SetHeader(name, value string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return false
	}
	r.Headers.Set(name, value)
	return true
}

// Cancel marks the request cancelled by a BeforeRequest hook (spec.md §4.4
// S3: "continue" vs "cancel").
func (r *Request) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel = true
}

// Cancelled reports whether a hook called Cancel.
func (r *Request) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel
}

// Response mirrors spec.md §3's Response entity.
type Response struct {
	StatusCode int
	Reason     string
	Version    linecodec.Version
	Headers    *linecodec.Header

	KeepAlive         bool
	Is100Continue     bool
	ExpectationFailed bool
}

// Session pairs a Request and Response with the ClientConnection and the
// current UpstreamConnection, created per request and destroyed when the
// loop advances or exits (spec.md §3).
type Session struct {
	ID uuid.UUID

	Client   *wireconn.Conn
	Upstream *upstreamconn.UpstreamConnection

	ConnectReq *ConnectRequest // nil outside explicit-mode post-CONNECT sessions

	Request  *Request
	Response *Response

	// EffectiveUpstreamProxy records the resolved upstream proxy for
	// observability, per §4.2: "Records the effective upstream proxy on
	// the session."
	EffectiveUpstreamProxy string

	// ForwardAbsoluteForm is set when the request is being relayed through
	// a plaintext HTTP upstream proxy, in which case the request line sent
	// upstream keeps the absolute-form URI (standard proxy-chaining
	// behavior); otherwise the request line upstream is rewritten to
	// origin-form, per spec.md §8 scenario 1.
	ForwardAbsoluteForm bool
}

// NewSession creates a Session scoped to one request on client.
func NewSession(client *wireconn.Conn, connectReq *ConnectRequest) *Session {
	return &Session{ID: uuid.NewV4(), Client: client, ConnectReq: connectReq}
}
