// Package cert provides the CertificateCache contract consumed by the TLS
// Interceptor (spec.md §4.3, §3) plus a self-signed reference
// implementation. The interceptor never depends on the concrete type: it
// only ever calls CA.GetCert(name).
package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
	"github.com/tidwall/match"

	"crypto/tls"
)

// CA mints leaf certificates for a given (already wildcard-normalized)
// hostname. This is the only capability the TLS Interceptor consumes.
type CA interface {
	GetCert(name string) (*tls.Certificate, error)
	GetRootCA() *x509.Certificate
}

// SelfSignCA is a self-signed certificate authority that mints leaf certs
// on demand and caches them in memory. Minting is deduplicated per
// hostname with singleflight (at-most-once under concurrent callers, per
// spec.md §5) and an LRU eviction policy bounds memory use, grounded
// directly on examples/trusted-ca/trustedca.go's groupcache lru +
// singleflight pairing.
type SelfSignCA struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
	caDER  []byte

	dir string

	mu      sync.Mutex
	cache   *lru.Cache
	keys    map[string]struct{} // mirrors cache's key set; lru.Cache has no iterator
	flights singleflight.Group
}

const leafCacheSize = 1024

// NewSelfSignCA creates (or loads, if dir already holds one) a self-signed
// root CA. An empty dir means in-memory only: the CA key is generated
// fresh and never persisted.
func NewSelfSignCA(dir string) (CA, error) {
	ca := &SelfSignCA{dir: dir, cache: lru.New(leafCacheSize), keys: make(map[string]struct{})}
	ca.cache.OnEvicted = func(key lru.Key, _ any) {
		if name, ok := key.(string); ok {
			delete(ca.keys, name)
		}
	}

	if dir != "" {
		if loaded, err := ca.loadFrom(dir); err == nil && loaded {
			return ca, nil
		}
	}

	if err := ca.generate(); err != nil {
		return nil, err
	}

	if dir != "" {
		path, err := getStorePath(dir)
		if err != nil {
			return nil, err
		}
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := ca.saveTo(f); err != nil {
			return nil, err
		}
	}

	return ca, nil
}

// NewSelfSignCAMemory creates an in-memory-only CA, convenient for tests.
func NewSelfSignCAMemory() (CA, error) {
	return NewSelfSignCA("")
}

func getStorePath(dir string) (string, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".interceptproxy")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "interceptproxy-ca.pem"), nil
}

func (ca *SelfSignCA) caFile() string {
	path, err := getStorePath(ca.dir)
	if err != nil {
		return ""
	}
	return path
}

func (ca *SelfSignCA) generate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate ca key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return fmt.Errorf("generate ca serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"interceptproxy"}, CommonName: "interceptproxy root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create ca certificate: %w", err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse ca certificate: %w", err)
	}
	ca.caCert = parsed
	ca.caKey = key
	ca.caDER = der
	return nil
}

// saveTo PEM-encodes the CA certificate and key to w.
func (ca *SelfSignCA) saveTo(w io.Writer) error {
	if err := pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: ca.caDER}); err != nil {
		return err
	}
	return pem.Encode(w, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(ca.caKey)})
}

func (ca *SelfSignCA) loadFrom(dir string) (bool, error) {
	path, err := getStorePath(dir)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	certBlock, rest := pem.Decode(data)
	if certBlock == nil {
		return false, fmt.Errorf("no certificate PEM block in %s", path)
	}
	keyBlock, _ := pem.Decode(rest)
	if keyBlock == nil {
		return false, fmt.Errorf("no key PEM block in %s", path)
	}
	parsed, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return false, err
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return false, err
	}
	ca.caCert = parsed
	ca.caKey = key
	ca.caDER = certBlock.Bytes
	return true, nil
}

// GetRootCA returns the CA's own certificate, for embedders that need to
// offer it to clients for trust installation.
func (ca *SelfSignCA) GetRootCA() *x509.Certificate {
	return ca.caCert
}

// GetCert returns a leaf certificate valid for name (and, transitively,
// for any hostname an already-cached wildcard pattern covers). Concurrent
// callers requesting the same name mint at most once.
func (ca *SelfSignCA) GetCert(name string) (*tls.Certificate, error) {
	if cached := ca.lookupCached(name); cached != nil {
		return cached, nil
	}

	v, err := ca.flights.Do(name, func() (any, error) {
		if cached := ca.lookupCached(name); cached != nil {
			return cached, nil
		}
		leaf, err := ca.mint(name)
		if err != nil {
			return nil, err
		}
		ca.mu.Lock()
		ca.cache.Add(name, leaf)
		ca.keys[name] = struct{}{}
		ca.mu.Unlock()
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

// lookupCached checks the exact name first, then every cached wildcard
// pattern for containment via glob matching (tidwall/match), since the
// wildcard-normalized hostname ("*.example.com") is exactly a
// single-label glob pattern. match.Match lets '*' span dots, so a match is
// only accepted when the part of name covered by '*' holds no dot.
func (ca *SelfSignCA) lookupCached(name string) *tls.Certificate {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if v, ok := ca.cache.Get(name); ok {
		return v.(*tls.Certificate)
	}
	for pattern := range ca.keys {
		if match.Match(name, pattern) && !strings.Contains(name[:len(name)-len(pattern)+1], ".") {
			if v, ok := ca.cache.Get(pattern); ok {
				return v.(*tls.Certificate)
			}
		}
	}
	return nil
}

func (ca *SelfSignCA) mint(name string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("generate leaf serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name, Organization: []string{"interceptproxy"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{name},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.caCert, &key.PublicKey, ca.caKey)
	if err != nil {
		return nil, fmt.Errorf("create leaf certificate: %w", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, ca.caDER},
		PrivateKey:  key,
	}, nil
}
