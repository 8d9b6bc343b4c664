// Command interceptproxy runs the intercepting HTTP/HTTPS proxy core as a
// standalone process, grounded on the teacher's cmd/go-mitmproxy/main.go
// flag layout and logger setup, adapted to the new Config shape.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/samber/lo"

	"github.com/proxycore/interceptproxy/cert"
	"github.com/proxycore/interceptproxy/internal/dispatcher"
	"github.com/proxycore/interceptproxy/internal/session"
	"github.com/proxycore/interceptproxy/proxy"
)

func main() {
	var (
		showVersion        = flag.Bool("version", false, "show interceptproxy version")
		addr               = flag.String("addr", ":8080", "proxy listen address")
		transparent        = flag.Bool("transparent", false, "run as a transparent endpoint instead of explicit CONNECT-based proxy")
		tlsEnabled         = flag.Bool("transparent-tls", false, "transparent mode: accept TLS immediately using generic-cert-name")
		genericCertName    = flag.String("generic-cert-name", "", "transparent mode: hostname minted for the fixed TLS accept cert")
		includeHTTPS       = flag.String("include-https", "", "comma-separated regex patterns: only these hosts are MITM'd over CONNECT")
		excludeHTTPS       = flag.String("exclude-https", "", "comma-separated regex patterns: these hosts are tunneled opaquely over CONNECT")
		certDir            = flag.String("cert-dir", "", "directory to persist the self-signed root CA (empty: in-memory only)")
		sslInsecure        = flag.Bool("ssl-insecure", false, "do not verify upstream TLS certificates")
		enable100Continue  = flag.Bool("enable-100-continue", true, "negotiate Expect: 100-continue with upstreams instead of always forwarding the body")
		enableWinAuth      = flag.Bool("enable-win-auth", false, "pin the upstream connection across NTLM/Negotiate challenge-response legs")
		debug              = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level, AddSource: *debug}))
	slog.SetDefault(logger)

	ca, err := cert.NewSelfSignCA(*certDir)
	if err != nil {
		slog.Error("failed to create CA", "error", err)
		os.Exit(1)
	}

	cfg := proxy.Config{
		Addr: *addr,
		Endpoint: dispatcher.EndpointConfig{
			Transparent:          *transparent,
			IncludeHTTPSPatterns: splitPatterns(*includeHTTPS),
			ExcludeHTTPSPatterns: splitPatterns(*excludeHTTPS),
			TLSEnabled:           *tlsEnabled,
			GenericCertName:      *genericCertName,
		},
		Session: session.Config{
			BufferSize:        session.DefaultBufferSize,
			Enable100Continue: *enable100Continue,
			EnableWinAuth:     *enableWinAuth,
			SSLInsecure:       *sslInsecure,
		},
		Logger: logger,
	}

	p := proxy.NewProxy(cfg, ca)

	if *showVersion {
		fmt.Println("interceptproxy: " + p.Version)
		os.Exit(0)
	}

	rootCert := p.GetCertificate()
	slog.Info("interceptproxy root CA", "common_name", rootCert.Subject.CommonName)

	if err := p.Start(); err != nil {
		slog.Error("proxy exited", "error", err)
		os.Exit(1)
	}
}

// splitPatterns trims and drops empty entries from a comma-separated flag
// value, using samber/lo's filter/map combinators in place of a hand-rolled
// loop.
func splitPatterns(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := lo.Map(strings.Split(raw, ","), func(s string, _ int) string { return strings.TrimSpace(s) })
	return lo.Filter(parts, func(s string, _ int) bool { return s != "" })
}
