// Command dummycert mints a single leaf certificate from a fresh in-memory
// self-signed CA and prints it (and its private key) as PEM, for manual
// inspection or feeding into another TLS server during testing.
package main

import (
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/proxycore/interceptproxy/cert"
)

func main() {
	commonName := flag.String("commonName", "", "server commonName")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if *commonName == "" {
		slog.Error("commonName required")
		os.Exit(1)
	}

	ca, err := cert.NewSelfSignCAMemory()
	if err != nil {
		slog.Error("failed to create CA", "error", err)
		os.Exit(1)
	}

	tlsCert, err := ca.GetCert(*commonName)
	if err != nil {
		slog.Error("failed to mint certificate", "error", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stdout, "%v-cert.pem\n", *commonName)
	if err := pem.Encode(os.Stdout, &pem.Block{Type: "CERTIFICATE", Bytes: tlsCert.Certificate[0]}); err != nil {
		slog.Error("failed to encode certificate", "error", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stdout, "\n%v-key.pem\n", *commonName)
	keyBytes, err := x509.MarshalPKCS8PrivateKey(tlsCert.PrivateKey)
	if err != nil {
		slog.Error("failed to marshal private key", "error", err)
		os.Exit(1)
	}
	if err := pem.Encode(os.Stdout, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}); err != nil {
		slog.Error("failed to encode private key", "error", err)
		os.Exit(1)
	}
}
