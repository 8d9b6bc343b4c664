package session

import (
	"bufio"
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"github.com/proxycore/interceptproxy/internal/linecodec"
	"github.com/proxycore/interceptproxy/proxyerr"
)

// HandleHTTPSessionRequestInternal implements §4.5: sends the request to
// the upstream (negotiating Expect: 100-continue if enabled), forwards the
// request body, then parses and forwards the upstream's response. Pre:
// s.Request is locked and its headers are already prepared
// (linecodec.PrepareRequestHeaders has run).
func HandleHTTPSessionRequestInternal(s *Session, h *Hooks, cfg Config) error {
	enable100Continue := cfg.Enable100Continue
	req := s.Request
	uw := s.Upstream.Writer()
	ur := s.Upstream.Reader()
	cr := s.Client.Reader()
	cw := s.Client.Writer()

	if err := writeRequestLine(uw, req, s.ForwardAbsoluteForm); err != nil {
		return proxyerr.New(proxyerr.KindUpstreamIO, "write_request_line", req.Headers.Get("Host"), err)
	}

	expectationFailed := false

	// A cached body (req.BodyRead) is sent by writeCachedBody together with
	// its headers, so the headers are written here only for a streamed body.
	if req.ExpectContinue && enable100Continue && !req.BodyRead {
		if err := linecodec.WriteHeaders(uw, req.Headers); err != nil || uw.Flush() != nil {
			return proxyerr.New(proxyerr.KindUpstreamIO, "write_request_headers", "", err)
		}
		status, reason, err := readInterimStatus(ur)
		if err != nil {
			return proxyerr.New(proxyerr.KindUpstreamIO, "read_interim_status", "", err)
		}
		switch status {
		case 100:
			if _, err := cw.WriteString(req.Version.String() + " 100 Continue\r\n\r\n"); err != nil {
				return proxyerr.New(proxyerr.KindUpstreamIO, "write_100_continue", "", err)
			}
			if err := cw.Flush(); err != nil {
				return proxyerr.New(proxyerr.KindUpstreamIO, "flush_100_continue", "", err)
			}
		case 417:
			expectationFailed = true
			if _, err := cw.WriteString(req.Version.String() + " 417 " + reason + "\r\n\r\n"); err != nil {
				return proxyerr.New(proxyerr.KindUpstreamIO, "write_417", "", err)
			}
			if err := cw.Flush(); err != nil {
				return proxyerr.New(proxyerr.KindUpstreamIO, "flush_417", "", err)
			}
		}
	} else if !req.BodyRead {
		if err := linecodec.WriteHeaders(uw, req.Headers); err != nil {
			return proxyerr.New(proxyerr.KindUpstreamIO, "write_request_headers", "", err)
		}
	}

	if req.BodyRead {
		if err := writeCachedBody(uw, req); err != nil {
			return proxyerr.New(proxyerr.KindUpstreamIO, "write_cached_body", "", err)
		}
	} else if !expectationFailed && req.HasBody {
		if err := streamRequestBody(cr, uw, req); err != nil {
			return proxyerr.New(proxyerr.KindUpstreamIO, "stream_request_body", "", err)
		}
	}
	if err := uw.Flush(); err != nil {
		return proxyerr.New(proxyerr.KindUpstreamIO, "flush_request", "", err)
	}

	if expectationFailed {
		s.Response = &Response{StatusCode: 417, Reason: "Expectation Failed", Version: req.Version, ExpectationFailed: true}
		return nil
	}

	resp, err := readResponse(ur, req.Version)
	if err != nil {
		return proxyerr.New(proxyerr.KindUpstreamIO, "read_response", "", err)
	}
	if cfg.EnableWinAuth && isWinAuthChallenge(resp) {
		// NTLM/Negotiate is a per-TCP-connection handshake: the client must
		// keep talking to the same upstream connection across the 401/407
		// challenge-response legs, so keep-alive is forced regardless of
		// what Connection header the upstream sent.
		resp.KeepAlive = true
	}
	s.Response = resp

	h.fireBeforeResponse(req, resp)

	if err := forwardResponseToClient(cw, ur, resp); err != nil {
		return proxyerr.New(proxyerr.KindUpstreamIO, "forward_response", "", err)
	}

	h.fireAfterResponse(req, resp)
	return nil
}

// writeRequestLine writes the request line upstream. Per spec.md §8
// scenario 1, a request that arrived in absolute-form is rewritten to
// origin-form before forwarding direct to origin; absoluteForm preserves
// it verbatim for the upstream-HTTP-proxy chaining case (§4.2).
func writeRequestLine(w *bufio.Writer, req *Request, absoluteForm bool) error {
	target := req.URI
	if !absoluteForm {
		if u, err := url.Parse(req.URI); err == nil && u.IsAbs() {
			target = u.RequestURI()
		}
	}
	return linecodec.WriteRequestLine(w, linecodec.RequestLine{Method: req.Method, Target: target, Version: req.Version})
}

// readInterimStatus reads one status line and the header block that follows
// it, whatever the code, returning the code and reason phrase.
func readInterimStatus(r *bufio.Reader) (int, string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, "", err
	}
	line = strings.TrimRight(line, "\r\n")
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return 0, "", fmt.Errorf("session: malformed interim status line %q", line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, "", err
	}
	reason := ""
	if len(fields) == 3 {
		reason = fields[2]
	}
	// Drain the (typically empty) header block following the status line.
	for {
		hl, err := r.ReadString('\n')
		if err != nil {
			return code, reason, err
		}
		if strings.TrimRight(hl, "\r\n") == "" {
			break
		}
	}
	return code, reason, nil
}

// writeCachedBody re-encodes req.Body to match req.Headers' original
// Content-Encoding (gzip, deflate, or br) and overwrites Content-Length,
// per spec.md §4.5 point 3 and §9's "do not silently switch to chunked
// when the caller provided a mutated body" — identity and unknown
// encodings pass through unchanged.
func writeCachedBody(w *bufio.Writer, req *Request) error {
	body := req.Body
	enc := strings.ToLower(strings.TrimSpace(req.Headers.Get("Content-Encoding")))

	var recoded []byte
	var err error
	switch enc {
	case "gzip":
		recoded, err = recompressGzip(body)
	case "deflate":
		recoded, err = recompressDeflate(body)
	case "br":
		recoded, err = recompressBrotli(body)
	default:
		recoded = body
	}
	if err != nil {
		return err
	}

	req.Headers.Set("Content-Length", strconv.Itoa(len(recoded)))
	req.Headers.Del("Transfer-Encoding")
	if err := linecodec.WriteHeaders(w, req.Headers); err != nil {
		return err
	}
	_, err = w.Write(recoded)
	return err
}

func recompressGzip(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func recompressDeflate(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func recompressBrotli(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	if _, err := bw.Write(body); err != nil {
		return nil, err
	}
	if err := bw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// streamRequestBody copies the client's request body to the upstream
// writer verbatim: fixed-length via io.CopyN, chunked by relaying each
// chunk (size line, payload, CRLF) until the terminal "0\r\n\r\n".
func streamRequestBody(r *bufio.Reader, w *bufio.Writer, req *Request) error {
	if req.IsChunked {
		return streamChunkedBody(r, w)
	}
	if req.ContentLength > 0 {
		_, err := io.CopyN(w, r, req.ContentLength)
		return err
	}
	return nil
}

func streamChunkedBody(r *bufio.Reader, w *bufio.Writer) error {
	for {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		if _, err := w.WriteString(sizeLine); err != nil {
			return err
		}
		trimmed := strings.TrimRight(sizeLine, "\r\n")
		sizeField, _, _ := strings.Cut(trimmed, ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
		if err != nil {
			return fmt.Errorf("session: malformed chunk size %q: %w", trimmed, err)
		}
		if size == 0 {
			// Trailer block, terminated by a blank line.
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					return err
				}
				if _, err := w.WriteString(line); err != nil {
					return err
				}
				if strings.TrimRight(line, "\r\n") == "" {
					return nil
				}
			}
		}
		if _, err := io.CopyN(w, r, size); err != nil {
			return err
		}
		crlf := make([]byte, 2)
		if _, err := io.ReadFull(r, crlf); err != nil {
			return err
		}
		if _, err := w.Write(crlf); err != nil {
			return err
		}
	}
}

// readResponse parses the upstream's status line and headers and derives
// KeepAlive from the negotiated version and the Connection header, per
// spec.md §4.4's keep-alive governance rule.
func readResponse(r *bufio.Reader, reqVersion linecodec.Version) (*Response, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return nil, fmt.Errorf("session: malformed status line %q", line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, err
	}
	reason := ""
	if len(fields) == 3 {
		reason = fields[2]
	}
	version := linecodec.V11
	if strings.EqualFold(fields[0], "HTTP/1.0") {
		version = linecodec.V10
	}

	headers, err := linecodec.ReadHeaders(r)
	if err != nil {
		return nil, err
	}

	resp := &Response{StatusCode: code, Reason: reason, Version: version, Headers: headers}
	resp.KeepAlive = keepAliveFor(version, headers)
	return resp, nil
}

// isWinAuthChallenge reports whether resp is a 401/407 carrying an NTLM or
// Negotiate authentication challenge.
func isWinAuthChallenge(resp *Response) bool {
	if resp.StatusCode != 401 && resp.StatusCode != 407 {
		return false
	}
	for _, header := range []string{"WWW-Authenticate", "Proxy-Authenticate"} {
		v := strings.ToLower(resp.Headers.Get(header))
		if strings.Contains(v, "ntlm") || strings.Contains(v, "negotiate") {
			return true
		}
	}
	return false
}

// keepAliveFor implements spec.md §4.4's keep-alive governance: HTTP/1.1
// defaults to keep-alive unless the peer sent Connection: close; HTTP/1.0
// defaults to close unless the peer sent Connection: keep-alive.
func keepAliveFor(version linecodec.Version, h *linecodec.Header) bool {
	conn := strings.ToLower(h.Get("Connection"))
	if version == linecodec.V11 {
		return !strings.Contains(conn, "close")
	}
	return strings.Contains(conn, "keep-alive")
}

// forwardResponseToClient writes the response status line and headers to
// the client, then copies the body per its own framing (fixed-length or
// chunked), mirroring streamRequestBody's symmetry on the response side.
func forwardResponseToClient(w *bufio.Writer, ur *bufio.Reader, resp *Response) error {
	if err := linecodec.WriteStatusLine(w, resp.Version, resp.StatusCode, resp.Reason); err != nil {
		return err
	}
	if err := linecodec.WriteHeaders(w, resp.Headers); err != nil {
		return err
	}

	flags, err := linecodec.ParseFlags(resp.Headers)
	if err != nil {
		return err
	}
	switch {
	case flags.IsChunked:
		if err := streamChunkedBody(ur, w); err != nil {
			return err
		}
	case flags.ContentLength > 0:
		if _, err := io.CopyN(w, ur, flags.ContentLength); err != nil {
			return err
		}
	}
	return w.Flush()
}
