package session

import (
	"net/url"

	"github.com/proxycore/interceptproxy/internal/tlsintercept"
)

// Config is the session-level part of the configuration recognized by the
// core (spec.md §6): buffer size, supported TLS protocol versions (TLS), the
// 100-continue and Windows-auth switches, and the static upstream HTTP/HTTPS
// proxies. The include/exclude HTTPS host patterns are carried by
// dispatcher.EndpointConfig, not here.
type Config struct {
	BufferSize int

	TLS tlsintercept.Config

	Enable100Continue bool
	EnableWinAuth     bool

	UpstreamHTTPProxy  *url.URL
	UpstreamHTTPSProxy *url.URL

	SSLInsecure bool
}

// DefaultBufferSize matches the teacher's buffered reader/writer sizing.
const DefaultBufferSize = 4096
