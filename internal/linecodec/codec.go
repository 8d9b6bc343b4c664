package linecodec

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/proxycore/interceptproxy/proxyerr"
)

// Version is the negotiated HTTP version of a request or response line.
type Version int

const (
	// V10 is HTTP/1.0.
	V10 Version = iota
	// V11 is HTTP/1.1.
	V11
)

func (v Version) String() string {
	if v == V10 {
		return "HTTP/1.0"
	}
	return "HTTP/1.1"
}

// RequestLine is a parsed "METHOD target VERSION" line.
type RequestLine struct {
	Method  string
	Target  string
	Version Version
}

// maxLineLen bounds the length of a single CRLF line: readLine reads the
// whole line and then rejects one longer than this, so ReadRequestLine and
// ReadHeaders surface it as a malformed line.
const maxLineLen = 64 * 1024

// readLine reads one CRLF- or LF-terminated line, stripping the terminator.
// Returns io.EOF if the stream ended with no bytes read.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if len(line) == 0 {
			return "", err
		}
		// Partial line followed by EOF: still malformed upstream, but
		// surface the line as-is so callers can decide.
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) > maxLineLen {
		return "", proxyerr.New(proxyerr.KindMalformedRequest, "read_line", "", io.ErrShortBuffer)
	}
	return line, nil
}

// ReadRequestLine reads and parses an ASCII request line. An empty line (or
// a clean EOF before any bytes) is reported as KindClientClosed so the
// session loop can end the session without treating it as an error.
func ReadRequestLine(r *bufio.Reader) (RequestLine, error) {
	line, err := readLine(r)
	if err != nil {
		if err == io.EOF {
			return RequestLine{}, proxyerr.New(proxyerr.KindClientClosed, "read_request_line", "", io.EOF)
		}
		return RequestLine{}, proxyerr.New(proxyerr.KindMalformedRequest, "read_request_line", "", err)
	}
	if line == "" {
		return RequestLine{}, proxyerr.New(proxyerr.KindClientClosed, "read_request_line", "", io.EOF)
	}

	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return RequestLine{}, proxyerr.New(proxyerr.KindMalformedRequest, "parse_request_line", "", nil)
	}

	rl := RequestLine{
		Method: strings.ToUpper(strings.TrimSpace(fields[0])),
		Target: fields[1],
		// HTTP/1.1 is assumed when the version field is absent.
		Version: V11,
	}
	if len(fields) == 3 {
		if strings.EqualFold(strings.TrimSpace(fields[2]), "HTTP/1.0") {
			rl.Version = V10
		} else {
			rl.Version = V11
		}
	}
	if rl.Method == "" || rl.Target == "" {
		return RequestLine{}, proxyerr.New(proxyerr.KindMalformedRequest, "parse_request_line", "", nil)
	}
	return rl, nil
}

// ReadHeaders reads header lines until a blank line. Each line is split on
// the first ':'; values are trimmed of surrounding whitespace. Order and
// multiplicity are preserved in the returned Header.
func ReadHeaders(r *bufio.Reader) (*Header, error) {
	h := NewHeader()
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, proxyerr.New(proxyerr.KindMalformedHeader, "read_headers", "", err)
		}
		if line == "" {
			return h, nil
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, proxyerr.New(proxyerr.KindMalformedHeader, "read_headers", "", nil)
		}
		name := line[:idx]
		value := strings.TrimSpace(line[idx+1:])
		h.Add(name, value)
	}
}

// WriteStatusLine writes "VERSION code reason\r\n".
func WriteStatusLine(w *bufio.Writer, v Version, code int, reason string) error {
	_, err := w.WriteString(v.String() + " " + strconv.Itoa(code) + " " + reason + "\r\n")
	return err
}

// WriteRequestLine writes "METHOD target VERSION\r\n".
func WriteRequestLine(w *bufio.Writer, rl RequestLine) error {
	_, err := w.WriteString(rl.Method + " " + rl.Target + " " + rl.Version.String() + "\r\n")
	return err
}

// WriteHeaders writes each header line followed by the terminating blank
// line. It does not flush; callers flush once after the body is written
// (or immediately, for a headers-only message).
func WriteHeaders(w *bufio.Writer, h *Header) error {
	var writeErr error
	h.Each(func(name, value string) {
		if writeErr != nil {
			return
		}
		_, writeErr = w.WriteString(name + ": " + value + "\r\n")
	})
	if writeErr != nil {
		return writeErr
	}
	_, err := w.WriteString("\r\n")
	return err
}

// hopByHop are headers stripped before forwarding to the upstream,
// regardless of what the Connection header lists.
var hopByHop = []string{"Proxy-Connection", "Proxy-Authorization"}

// PrepareRequestHeaders rewrites request headers before dispatch to the
// upstream: normalizes Accept-Encoding to exactly "gzip,deflate" and strips
// proxy hop-by-hop headers, including any header named in the Connection
// field.
func PrepareRequestHeaders(h *Header) {
	h.Set("Accept-Encoding", "gzip,deflate")

	for _, name := range hopByHop {
		h.Del(name)
	}

	for _, connValue := range h.Values("Connection") {
		for _, tok := range strings.Split(connValue, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" || strings.EqualFold(tok, "keep-alive") || strings.EqualFold(tok, "close") {
				continue
			}
			h.Del(tok)
		}
	}
}

// Flags are the typed request/response framing signals surfaced from a
// parsed header collection.
type Flags struct {
	Host             string
	ContentLength    int64
	HasBody          bool
	IsChunked        bool
	ExpectContinue   bool
	UpgradeWebsocket bool
}

// ParseFlags derives framing flags from request headers. At most one of
// {ContentLength-based body, chunked body} is ever set; a request with a
// "Content-Length: 0" or no body-indicating header has HasBody=false.
func ParseFlags(h *Header) (Flags, error) {
	f := Flags{Host: h.Get("Host")}

	for _, v := range h.Values("Transfer-Encoding") {
		if strings.Contains(strings.ToLower(v), "chunked") {
			f.IsChunked = true
		}
	}

	if cl := h.Get("Content-Length"); cl != "" && !f.IsChunked {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return Flags{}, proxyerr.New(proxyerr.KindMalformedHeader, "parse_content_length", "", nil)
		}
		f.ContentLength = n
	}

	f.HasBody = f.IsChunked || f.ContentLength > 0

	if strings.EqualFold(h.Get("Expect"), "100-continue") {
		f.ExpectContinue = true
	}

	if strings.EqualFold(h.Get("Upgrade"), "websocket") {
		f.UpgradeWebsocket = true
	}

	return f, nil
}
