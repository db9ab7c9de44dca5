// Package ca implements the interception root CA: loading an operator
// supplied root key pair and minting short-lived per-host leaf
// certificates on demand (spec.md §4.2).
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheSize  = 1024
	defaultLeafMaxAge = 30 * 24 * time.Hour
	renewThresholdPct = 0.10 // refresh within the last 10% of a leaf's lifetime
)

// RootCA is the operator-supplied signing key pair and self-signed
// certificate. It is loaded once at startup and is immutable while running.
type RootCA struct {
	cert      *x509.Certificate
	certDER   []byte
	key       *ecdsa.PrivateKey
	notAfter  time.Time
	certPEM   []byte
}

// LoadRootCA reads a PEM certificate and key from disk and returns the
// RootCA used to mint leaves. Missing or malformed root material is a
// fatal startup error per spec.md §4.2.
func LoadRootCA(certPath, keyPath string) (*RootCA, error) {
	certPEM, err := os.ReadFile(certPath) // #nosec G304 -- path from trusted CLI flag
	if err != nil {
		return nil, fmt.Errorf("reading root CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath) // #nosec G304 -- path from trusted CLI flag
	if err != nil {
		return nil, fmt.Errorf("reading root CA key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("root CA certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing root CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("root CA key is not valid PEM")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing root CA key: %w", err)
	}

	return &RootCA{
		cert:     cert,
		certDER:  certBlock.Bytes,
		key:      key,
		notAfter: cert.NotAfter,
		certPEM:  certPEM,
	}, nil
}

// GenerateDevRootCA creates a fresh self-signed root CA in memory, for
// local development when no root material is supplied on disk. Grounded
// on the teacher's generateSelfSignedCert, generalized into a full
// signing root rather than a single leaf.
func GenerateDevRootCA(validity time.Duration) (*RootCA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(validity)
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"INT3RCEPTOR Dev Root"},
			CommonName:   "INT3RCEPTOR Dev Root CA",
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &RootCA{
		cert:     cert,
		certDER:  der,
		key:      key,
		notAfter: notAfter,
		certPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}, nil
}

// RootCertPEM exports the root certificate for operator installation.
func (r *RootCA) RootCertPEM() []byte {
	return r.certPEM
}

// Authority mints and caches per-host leaf certificates signed by a RootCA.
type Authority struct {
	root  *RootCA
	cache *lru.Cache[string, *Leaf]
	group singleflight.Group
}

// Leaf is a minted per-host leaf certificate (spec.md §3 LeafCert).
type Leaf struct {
	Serial    *big.Int
	Host      string
	NotBefore time.Time
	NotAfter  time.Time
	TLSCert   tls.Certificate
}

// NewAuthority builds an Authority with the default 1024-entry LRU cache.
func NewAuthority(root *RootCA) (*Authority, error) {
	return NewAuthorityWithCacheSize(root, defaultCacheSize)
}

// NewAuthorityWithCacheSize builds an Authority with an explicit cache bound.
func NewAuthorityWithCacheSize(root *RootCA, size int) (*Authority, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, *Leaf](size)
	if err != nil {
		return nil, fmt.Errorf("creating leaf cache: %w", err)
	}
	return &Authority{root: root, cache: cache}, nil
}

// Mint returns a cached leaf for host if present, valid, and not within
// 10% of expiry; otherwise it signs a fresh one. Concurrent mints for the
// same host collapse into a single signing operation via singleflight.
func (a *Authority) Mint(host string) (*Leaf, error) {
	if leaf, ok := a.cache.Get(host); ok && !a.nearExpiry(leaf) {
		return leaf, nil
	}

	v, err, _ := a.group.Do(host, func() (interface{}, error) {
		if leaf, ok := a.cache.Get(host); ok && !a.nearExpiry(leaf) {
			return leaf, nil
		}
		leaf, err := a.sign(host)
		if err != nil {
			return nil, err
		}
		a.cache.Add(host, leaf)
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Leaf), nil
}

func (a *Authority) nearExpiry(leaf *Leaf) bool {
	lifetime := leaf.NotAfter.Sub(leaf.NotBefore)
	threshold := leaf.NotAfter.Add(-time.Duration(float64(lifetime) * renewThresholdPct))
	return time.Now().After(threshold)
}

func (a *Authority) sign(host string) (*Leaf, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating leaf serial: %w", err)
	}

	notBefore := time.Now().Add(-5 * time.Minute) // tolerate client clock skew
	remaining := time.Until(a.root.notAfter)
	validity := defaultLeafMaxAge
	if remaining < validity {
		validity = remaining
	}
	notAfter := notBefore.Add(validity)

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{host},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, a.root.cert, &key.PublicKey, a.root.key)
	if err != nil {
		return nil, fmt.Errorf("signing leaf certificate for %s: %w", host, err)
	}

	tlsCert := tls.Certificate{
		Certificate: [][]byte{der, a.root.certDER},
		PrivateKey:  key,
	}

	slog.Debug("minted leaf certificate", "host", host, "serial", serial.String(), "not_after", notAfter)

	return &Leaf{
		Serial:    serial,
		Host:      host,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		TLSCert:   tlsCert,
	}, nil
}

// RootCertPEM exposes the root certificate for `--export-ca`.
func (a *Authority) RootCertPEM() []byte {
	return a.root.RootCertPEM()
}
