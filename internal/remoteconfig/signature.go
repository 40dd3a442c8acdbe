package remoteconfig

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// DefaultCertificateTTL bounds how long a fetched signing certificate is
// reused before a refresh.
const DefaultCertificateTTL = 30 * time.Minute

// CertificateFetcher retrieves the fleet signing certificate, caching it for
// a TTL.
type CertificateFetcher struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu        sync.Mutex
	cert      *x509.Certificate
	fetchedAt time.Time
}

func NewCertificateFetcher(url string, ttl time.Duration) *CertificateFetcher {
	if ttl <= 0 {
		ttl = DefaultCertificateTTL
	}
	return &CertificateFetcher{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 10 * time.Second, Transport: &http.Transport{Proxy: http.ProxyFromEnvironment}},
	}
}

// Certificate returns the cached certificate, refreshing it past the TTL.
func (f *CertificateFetcher) Certificate() (*x509.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cert != nil && time.Since(f.fetchedAt) < f.ttl {
		return f.cert, nil
	}
	resp, err := f.client.Get(f.url)
	if err != nil {
		return nil, fmt.Errorf("fetching certificate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching certificate: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading certificate: %w", err)
	}
	cert, err := ParseCertificate(raw)
	if err != nil {
		return nil, err
	}
	f.cert = cert
	f.fetchedAt = time.Now()
	return cert, nil
}

// ParseCertificate accepts a PEM or DER encoded certificate.
func ParseCertificate(raw []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(raw); block != nil {
		raw = block.Bytes
	}
	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	return cert, nil
}

// SignatureValidator verifies the detached signature shipped with a remote
// config body against the current signing certificate.
type SignatureValidator struct {
	fetcher *CertificateFetcher
}

func NewSignatureValidator(fetcher *CertificateFetcher) *SignatureValidator {
	return &SignatureValidator{fetcher: fetcher}
}

// Validate checks an ASN.1 ECDSA signature over the SHA-256 digest of body.
func (v *SignatureValidator) Validate(body, signature []byte) error {
	if len(signature) == 0 {
		return fmt.Errorf("remote config is not signed")
	}
	cert, err := v.fetcher.Certificate()
	if err != nil {
		return err
	}
	key, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("signing certificate does not carry an ECDSA key")
	}
	digest := sha256.Sum256(body)
	if !ecdsa.VerifyASN1(key, digest[:], signature) {
		return fmt.Errorf("invalid remote config signature")
	}
	return nil
}
