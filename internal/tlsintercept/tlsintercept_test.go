package tlsintercept

import (
	"bufio"
	"crypto/tls"
	"net"
	"regexp"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/proxycore/interceptproxy/cert"
	"github.com/proxycore/interceptproxy/internal/linecodec"
	"github.com/proxycore/interceptproxy/internal/wireconn"
)

// drainEstablished reads and discards the synthetic "200 Connection
// established" status line + headers + blank line written by Intercept.
func drainEstablished(r *bufio.Reader) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		if line == "\r\n" {
			return nil
		}
	}
}

func TestWildcardName(t *testing.T) {
	c := qt.New(t)
	c.Assert(WildcardName("a.b.example.com"), qt.Equals, "*.b.example.com")
	c.Assert(WildcardName("example.com"), qt.Equals, "*.com")
	c.Assert(WildcardName("localhost"), qt.Equals, "localhost")
}

func TestHostMatcherIncludeTakesPrecedence(t *testing.T) {
	c := qt.New(t)

	m := &HostMatcher{
		Include: []*regexp.Regexp{regexp.MustCompile(`^a\.example\.com$`)},
		Exclude: []*regexp.Regexp{regexp.MustCompile(`^b\.example\.com$`)},
	}
	// Not in the include list, so excluded regardless of the exclude list.
	c.Assert(m.Excluded("b.example.com"), qt.IsTrue)
	c.Assert(m.Excluded("a.example.com"), qt.IsFalse)
}

func TestHostMatcherExcludeOnlyWhenNoInclude(t *testing.T) {
	c := qt.New(t)

	m := &HostMatcher{Exclude: []*regexp.Regexp{regexp.MustCompile(`^bank\.example\.com$`)}}
	c.Assert(m.Excluded("bank.example.com"), qt.IsTrue)
	c.Assert(m.Excluded("other.example.com"), qt.IsFalse)
}

func TestInterceptExcludedHostTunnels(t *testing.T) {
	c := qt.New(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	conn := wireconn.New(server, 0)
	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r := bufio.NewReader(client)
		drainEstablished(r)
		client.Write([]byte{0x16})
	}()

	result, err := Intercept(conn, linecodec.V11, "excluded.example.com", true, ca, Config{})
	c.Assert(err, qt.IsNil)
	c.Assert(result, qt.Equals, ResultTunnel)
	wg.Wait()
}

func TestInterceptNonTLSFirstByteTunnels(t *testing.T) {
	c := qt.New(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	conn := wireconn.New(server, 0)
	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r := bufio.NewReader(client)
		drainEstablished(r)
		client.Write([]byte("G")) // not a ClientHello record
	}()

	result, err := Intercept(conn, linecodec.V11, "plain.example.com", false, ca, Config{})
	c.Assert(err, qt.IsNil)
	c.Assert(result, qt.Equals, ResultTunnel)
	wg.Wait()
}

func TestInterceptUpgradesOnClientHello(t *testing.T) {
	c := qt.New(t)

	client, server := net.Pipe()
	defer client.Close()

	conn := wireconn.New(server, 0)
	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	serverDone := make(chan error, 1)
	go func() {
		_, err := Intercept(conn, linecodec.V11, "secure.example.com", false, ca, Config{})
		serverDone <- err
	}()

	// Drain the "200 Connection established" response, then run the TLS
	// client handshake over the same pipe.
	buf := make([]byte, 256)
	client.Read(buf)

	tlsClient := tls.Client(client, &tls.Config{InsecureSkipVerify: true})
	err = tlsClient.Handshake()
	c.Assert(err, qt.IsNil)
	defer tlsClient.Close()

	c.Assert(<-serverDone, qt.IsNil)
}
