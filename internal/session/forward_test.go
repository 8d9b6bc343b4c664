package session

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/klauspost/compress/gzip"

	"github.com/proxycore/interceptproxy/internal/linecodec"
)

func TestWriteRequestLineRewritesAbsoluteFormToOriginForm(t *testing.T) {
	c := qt.New(t)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	req := &Request{Method: "GET", URI: "http://example.com/path?q=1", Version: linecodec.V11}

	c.Assert(writeRequestLine(w, req, false), qt.IsNil)
	c.Assert(w.Flush(), qt.IsNil)
	c.Assert(buf.String(), qt.Equals, "GET /path?q=1 HTTP/1.1\r\n")
}

func TestWriteRequestLineKeepsAbsoluteFormForProxyChain(t *testing.T) {
	c := qt.New(t)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	req := &Request{Method: "GET", URI: "http://example.com/path", Version: linecodec.V11}

	c.Assert(writeRequestLine(w, req, true), qt.IsNil)
	c.Assert(w.Flush(), qt.IsNil)
	c.Assert(buf.String(), qt.Equals, "GET http://example.com/path HTTP/1.1\r\n")
}

func TestReadInterimStatusParsesCodeAndDrainsHeaders(t *testing.T) {
	c := qt.New(t)

	r := bufio.NewReader(strings.NewReader("HTTP/1.1 100 Continue\r\n\r\n"))
	code, reason, err := readInterimStatus(r)
	c.Assert(err, qt.IsNil)
	c.Assert(code, qt.Equals, 100)
	c.Assert(reason, qt.Equals, "Continue")
}

func TestKeepAliveForHTTP11DefaultsTrueUnlessClose(t *testing.T) {
	c := qt.New(t)

	h := linecodec.NewHeader()
	c.Assert(keepAliveFor(linecodec.V11, h), qt.IsTrue)

	h.Set("Connection", "close")
	c.Assert(keepAliveFor(linecodec.V11, h), qt.IsFalse)
}

func TestKeepAliveForHTTP10DefaultsFalseUnlessKeepAlive(t *testing.T) {
	c := qt.New(t)

	h := linecodec.NewHeader()
	c.Assert(keepAliveFor(linecodec.V10, h), qt.IsFalse)

	h.Set("Connection", "keep-alive")
	c.Assert(keepAliveFor(linecodec.V10, h), qt.IsTrue)
}

func TestIsWinAuthChallengeDetectsNTLMAndNegotiate(t *testing.T) {
	c := qt.New(t)

	h := linecodec.NewHeader()
	h.Set("WWW-Authenticate", "NTLM")
	resp := &Response{StatusCode: 401, Headers: h}
	c.Assert(isWinAuthChallenge(resp), qt.IsTrue)

	h2 := linecodec.NewHeader()
	h2.Set("Proxy-Authenticate", "Negotiate")
	resp2 := &Response{StatusCode: 407, Headers: h2}
	c.Assert(isWinAuthChallenge(resp2), qt.IsTrue)

	h3 := linecodec.NewHeader()
	h3.Set("WWW-Authenticate", "Basic")
	resp3 := &Response{StatusCode: 401, Headers: h3}
	c.Assert(isWinAuthChallenge(resp3), qt.IsFalse)

	resp4 := &Response{StatusCode: 200, Headers: linecodec.NewHeader()}
	c.Assert(isWinAuthChallenge(resp4), qt.IsFalse)
}

func TestReadResponseParsesStatusAndHeaders(t *testing.T) {
	c := qt.New(t)

	r := bufio.NewReader(strings.NewReader("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
	resp, err := readResponse(r, linecodec.V11)
	c.Assert(err, qt.IsNil)
	c.Assert(resp.StatusCode, qt.Equals, 200)
	c.Assert(resp.Reason, qt.Equals, "OK")
	c.Assert(resp.KeepAlive, qt.IsTrue)
	c.Assert(resp.Headers.Get("Content-Length"), qt.Equals, "5")
}

func TestStreamChunkedBodyRelaysSizeLinesAndTrailer(t *testing.T) {
	c := qt.New(t)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	r := bufio.NewReader(strings.NewReader("4\r\nwiki\r\n0\r\n\r\n"))

	c.Assert(streamChunkedBody(r, w), qt.IsNil)
	c.Assert(w.Flush(), qt.IsNil)
	c.Assert(buf.String(), qt.Equals, "4\r\nwiki\r\n0\r\n\r\n")
}

func TestWriteCachedBodyRecompressesGzipAndFixesContentLength(t *testing.T) {
	c := qt.New(t)

	var original bytes.Buffer
	zw := gzip.NewWriter(&original)
	_, err := zw.Write([]byte("hello world"))
	c.Assert(err, qt.IsNil)
	c.Assert(zw.Close(), qt.IsNil)

	h := linecodec.NewHeader()
	h.Set("Content-Encoding", "gzip")
	h.Set("Content-Length", "999")
	req := &Request{Headers: h, Body: []byte("hello world, mutated")}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	c.Assert(writeCachedBody(w, req), qt.IsNil)
	c.Assert(w.Flush(), qt.IsNil)

	c.Assert(req.Headers.Get("Content-Length"), qt.Not(qt.Equals), "999")
	c.Assert(req.Headers.Has("Transfer-Encoding"), qt.IsFalse)

	_, body, ok := strings.Cut(buf.String(), "\r\n\r\n")
	c.Assert(ok, qt.IsTrue)
	c.Assert(req.Headers.Get("Content-Length"), qt.Equals, strconv.Itoa(len(body)))
	zr, err := gzip.NewReader(strings.NewReader(body))
	c.Assert(err, qt.IsNil)
	plain, err := io.ReadAll(zr)
	c.Assert(err, qt.IsNil)
	c.Assert(string(plain), qt.Equals, "hello world, mutated")
}

func TestForwardResponseToClientWritesStatusHeadersAndFixedBody(t *testing.T) {
	c := qt.New(t)

	h := linecodec.NewHeader()
	h.Set("Content-Length", "5")
	resp := &Response{StatusCode: 200, Reason: "OK", Version: linecodec.V11, Headers: h}

	var out bytes.Buffer
	w := bufio.NewWriter(&out)
	ur := bufio.NewReader(strings.NewReader("hello"))

	c.Assert(forwardResponseToClient(w, ur, resp), qt.IsNil)
	c.Assert(strings.Contains(out.String(), "HTTP/1.1 200 OK\r\n"), qt.IsTrue)
	c.Assert(strings.HasSuffix(out.String(), "hello"), qt.IsTrue)
}
