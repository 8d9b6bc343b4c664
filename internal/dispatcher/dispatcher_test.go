package dispatcher

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/proxycore/interceptproxy/cert"
	"github.com/proxycore/interceptproxy/internal/session"
	"github.com/proxycore/interceptproxy/internal/upstreamconn"
)

func TestExcludedHostIncludeTakesPrecedence(t *testing.T) {
	c := qt.New(t)

	d := Deps{Endpoint: EndpointConfig{
		IncludeHTTPSPatterns: []string{`^a\.example\.com$`},
		ExcludeHTTPSPatterns: []string{`^b\.example\.com$`},
	}}

	c.Assert(d.excludedHost("b.example.com"), qt.IsTrue)
	c.Assert(d.excludedHost("a.example.com"), qt.IsFalse)
}

func TestExcludedHostExcludeOnlyWhenNoInclude(t *testing.T) {
	c := qt.New(t)

	d := Deps{Endpoint: EndpointConfig{ExcludeHTTPSPatterns: []string{`^bank\.example\.com$`}}}
	c.Assert(d.excludedHost("bank.example.com"), qt.IsTrue)
	c.Assert(d.excludedHost("other.example.com"), qt.IsFalse)
}

func TestExcludedHostIgnoresMalformedPattern(t *testing.T) {
	c := qt.New(t)

	d := Deps{Endpoint: EndpointConfig{ExcludeHTTPSPatterns: []string{"(unclosed"}}}
	// A malformed pattern is discarded rather than matching everything or
	// failing startup.
	c.Assert(d.excludedHost("anything.example.com"), qt.IsFalse)
}

func TestHandleConnectionDeniesConnectAuth(t *testing.T) {
	c := qt.New(t)

	clientConn, serverSide := net.Pipe()
	defer clientConn.Close()

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	h := &session.Hooks{ConnectAuth: func(cr *session.ConnectRequest) bool { return false }}
	deps := Deps{
		Session: session.Config{},
		Hooks:   h,
		CA:      ca,
		Factory: upstreamconn.NewTcpConnectionFactory(false),
	}

	done := make(chan struct{})
	go func() {
		HandleConnection(context.Background(), serverSide, deps)
		close(done)
	}()

	_, err = clientConn.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))
	c.Assert(err, qt.IsNil)

	r := bufio.NewReader(clientConn)
	status, err := r.ReadString('\n')
	c.Assert(err, qt.IsNil)
	c.Assert(status, qt.Equals, "HTTP/1.1 407 Proxy Authentication Required\r\n")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleConnection did not close after denying CONNECT auth")
	}
}
