package session

import (
	"net/url"

	"github.com/proxycore/interceptproxy/internal/hooks"
)

// BeforeRequestFunc may mutate req before it is locked, or call req.Cancel().
type BeforeRequestFunc func(req *Request)

// BeforeResponseFunc/AfterResponseFunc observe (and, for BeforeResponse,
// may still mutate) the response on its way to the client.
type BeforeResponseFunc func(req *Request, resp *Response)
type AfterResponseFunc func(req *Request, resp *Response)

// TunnelConnectRequestFunc/TunnelConnectResponseFunc are the CONNECT-phase
// observational hooks from spec.md §6.
type TunnelConnectRequestFunc func(cr *ConnectRequest)
type TunnelConnectResponseFunc func(cr *ConnectRequest, statusCode int)

// ProxyResolverFunc resolves an upstream proxy for host, or (nil, nil) for
// direct — GetCustomUpStreamHttpProxyFunc / GetCustomUpStreamHttpsProxyFunc
// from spec.md §6.
type ProxyResolverFunc func(host string) (*url.URL, error)

// ExceptionFunc is the terminal error sink, invoked with the session that
// failed (spec.md §6: "ExceptionFunc(e)").
type ExceptionFunc func(err error, s *Session)

// AuthFunc decides whether a request (S2, when no prior CONNECT exists) is
// authorized. A nil AuthFunc allows everything.
type AuthFunc func(req *Request) bool

// ConnectAuthFunc decides whether a CONNECT target is authorized. A nil
// ConnectAuthFunc allows everything.
type ConnectAuthFunc func(cr *ConnectRequest) bool

// Hooks bundles every embedder hook surface the Session Loop and Client
// Dispatcher consume, grounded on the teacher's types.AddonRegistry but
// split into typed per-point subscriber lists instead of one monolithic
// Addon interface, since the spec's hook surface is a flat set of named
// events rather than an addon object.
type Hooks struct {
	BeforeRequest        hooks.List[BeforeRequestFunc]
	BeforeResponse       hooks.List[BeforeResponseFunc]
	AfterResponse        hooks.List[AfterResponseFunc]
	TunnelConnectRequest hooks.List[TunnelConnectRequestFunc]
	TunnelConnectResponse hooks.List[TunnelConnectResponseFunc]

	Auth        AuthFunc
	ConnectAuth ConnectAuthFunc

	HTTPProxyResolver  ProxyResolverFunc
	HTTPSProxyResolver ProxyResolverFunc

	Exception ExceptionFunc
}

// fireBeforeRequest runs every BeforeRequest subscriber in parallel and
// awaits all of them, per spec.md §4.4 S3: "invoked in parallel (all
// subscribers see the same args; the loop awaits all)."
func (h *Hooks) fireBeforeRequest(req *Request) {
	hooks.InvokeParallel(h.BeforeRequest.Snapshot(), func(fn BeforeRequestFunc) { fn(req) })
}

func (h *Hooks) fireBeforeResponse(req *Request, resp *Response) {
	hooks.InvokeSequential(h.BeforeResponse.Snapshot(), func(fn BeforeResponseFunc) { fn(req, resp) })
}

func (h *Hooks) fireAfterResponse(req *Request, resp *Response) {
	hooks.InvokeSequential(h.AfterResponse.Snapshot(), func(fn AfterResponseFunc) { fn(req, resp) })
}

func (h *Hooks) fireTunnelConnectRequest(cr *ConnectRequest) {
	hooks.InvokeSequential(h.TunnelConnectRequest.Snapshot(), func(fn TunnelConnectRequestFunc) { fn(cr) })
}

func (h *Hooks) fireTunnelConnectResponse(cr *ConnectRequest, status int) {
	hooks.InvokeSequential(h.TunnelConnectResponse.Snapshot(), func(fn TunnelConnectResponseFunc) { fn(cr, status) })
}

func (h *Hooks) reportException(err error, s *Session) {
	if h.Exception != nil {
		h.Exception(err, s)
	}
}

// ReportTunnelConnectRequest fires the TunnelConnectRequest observational
// hook set; exported for the Client Dispatcher's CONNECT branch.
func (h *Hooks) ReportTunnelConnectRequest(cr *ConnectRequest) { h.fireTunnelConnectRequest(cr) }

// ReportTunnelConnectResponse fires the TunnelConnectResponse observational
// hook set; exported for the Client Dispatcher's CONNECT branch.
func (h *Hooks) ReportTunnelConnectResponse(cr *ConnectRequest, status int) {
	h.fireTunnelConnectResponse(cr, status)
}

// ConnectAuthDenied reports whether cr fails CONNECT-phase proxy auth, per
// spec.md §4.7: "perform proxy auth if not excluded (non-excluded + auth-deny
// -> fire TunnelConnectResponse and close)."
func (h *Hooks) ConnectAuthDenied(cr *ConnectRequest) bool {
	if h.ConnectAuth == nil {
		return false
	}
	return !h.ConnectAuth(cr)
}
