package upstreamconn

import (
	"context"
	"net"
	"net/url"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestMatchesHostIsCaseInsensitive(t *testing.T) {
	c := qt.New(t)

	u := &UpstreamConnection{Host: "Example.COM"}
	c.Assert(u.MatchesHost("example.com"), qt.IsTrue)
	c.Assert(u.MatchesHost("EXAMPLE.COM"), qt.IsTrue)
	c.Assert(u.MatchesHost("other.com"), qt.IsFalse)
}

func TestCloseIsIdempotentAndDecrementsCount(t *testing.T) {
	c := qt.New(t)

	client, server := net.Pipe()
	defer server.Close()

	before := ServerConnectionCount.Load()
	ServerConnectionCount.Inc()
	u := &UpstreamConnection{Host: "example.com", conn: client}

	c.Assert(u.Close(), qt.IsNil)
	c.Assert(ServerConnectionCount.Load(), qt.Equals, before)

	// Second close must not panic or double-decrement.
	c.Assert(u.Close(), qt.IsNil)
	c.Assert(ServerConnectionCount.Load(), qt.Equals, before)
}

func TestCreateClientDialsDirect(t *testing.T) {
	c := qt.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	c.Assert(err, qt.IsNil)

	factory := NewTcpConnectionFactory(false)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upstream, err := factory.CreateClient(ctx, host, port, "HTTP/1.1", false, nil, nil)
	c.Assert(err, qt.IsNil)
	defer upstream.Close()

	c.Assert(upstream.Host, qt.Equals, host)
	c.Assert(upstream.Port, qt.Equals, port)
	c.Assert(upstream.Scheme, qt.Equals, "http")
	c.Assert(upstream.TLSWrapped, qt.IsFalse)
	c.Assert(upstream.Reader(), qt.Not(qt.IsNil))
	c.Assert(upstream.Writer(), qt.Not(qt.IsNil))

	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("origin server never accepted the dial")
	}
}

func TestCreateClientSurfacesDialFailureAsUpstreamUnavailable(t *testing.T) {
	c := qt.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	host, port, err := net.SplitHostPort(ln.Addr().String())
	c.Assert(err, qt.IsNil)
	ln.Close() // nobody is listening anymore

	factory := NewTcpConnectionFactory(false)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = factory.CreateClient(ctx, host, port, "HTTP/1.1", false, nil, nil)
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestResolverPrefersHookOverStatic(t *testing.T) {
	c := qt.New(t)

	called := false
	r := &Resolver{
		HTTPProxy: func(host string) (*url.URL, error) {
			called = true
			return nil, nil
		},
		Static: &url.URL{Scheme: "http", Host: "proxy.example.com:8080"},
	}
	got, err := r.Resolve("example.com", false)
	c.Assert(err, qt.IsNil)
	c.Assert(called, qt.IsTrue)
	c.Assert(got, qt.IsNil)
}

func TestResolverFallsBackToStaticWhenHookNil(t *testing.T) {
	c := qt.New(t)

	static := &url.URL{Scheme: "http", Host: "proxy.example.com:8080"}
	r := &Resolver{Static: static}

	got, err := r.Resolve("example.com", true)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Equals, static)
}
