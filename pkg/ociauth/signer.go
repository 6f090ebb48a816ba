package ociauth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// signedHeaders is the header subset the signature covers, in protocol
// order. The order is fixed by the signing scheme, not by implementation
// choice; servers re-derive the canonical string and compare.
const signedHeaders = "(request-target) date host x-content-sha256"

// Signer produces OCI "Signature version 1" header sets for outbound
// requests made under a user-principal context. The private key file is
// opened, read, and closed per signature; no key material outlives one
// signing operation.
type Signer struct {
	clock    func() time.Time
	readFile func(string) ([]byte, error)
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithClock fixes the signing clock, mainly for tests.
func WithClock(clock func() time.Time) SignerOption {
	return func(s *Signer) {
		s.clock = clock
	}
}

// WithKeyReader overrides how the key file is read.
func WithKeyReader(read func(string) ([]byte, error)) SignerOption {
	return func(s *Signer) {
		s.readFile = read
	}
}

// NewSigner creates a Signer with the real clock and filesystem.
func NewSigner(opts ...SignerOption) *Signer {
	s := &Signer{
		clock:    time.Now,
		readFile: os.ReadFile,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign builds the canonical signing string for the request, signs it with
// the context's private key, and returns the resulting header set. It
// fails with a signing error before touching the filesystem when the
// context is not a user principal or any secret field is absent.
func (s *Signer) Sign(req SigningRequest, cc *CredentialContext) (*SignedHeaderSet, error) {
	if cc == nil || cc.Scheme != SchemeUserPrincipal {
		return nil, ErrSigning("request signing requires a user-principal context").
			WithOperation("sign")
	}
	if !cc.Usable() {
		return nil, ErrSigning("context is missing tenancy, user, fingerprint, or key file").
			WithContextID(cc.ID).WithOperation("sign")
	}

	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, ErrSigning("invalid request URL").WithCause(err).WithOperation("sign")
	}

	target := strings.ToLower(req.Method) + " " + requestPath(u)
	date := s.clock().UTC().Format(http.TimeFormat)

	sum := sha256.Sum256(req.Body)
	digest := base64.StdEncoding.EncodeToString(sum[:])

	canonical := fmt.Sprintf("(request-target): %s\ndate: %s\nhost: %s\nx-content-sha256: %s",
		target, date, u.Host, digest)

	keyPEM, err := s.readFile(cc.Secret.KeyFile)
	if err != nil {
		return nil, ErrSigning("cannot read private key file").
			WithContextID(cc.ID).WithCause(err)
	}
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, ErrSigning("cannot parse private key").
			WithContextID(cc.ID).WithCause(err)
	}

	hashed := sha256.Sum256([]byte(canonical))
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	if err != nil {
		return nil, ErrSigning("RSA signing failed").WithContextID(cc.ID).WithCause(err)
	}

	keyID := fmt.Sprintf("%s/%s/%s", cc.TenancyID, cc.Secret.UserID, cc.Secret.Fingerprint)
	authorization := fmt.Sprintf(
		`Signature version="1",keyId="%s",algorithm="rsa-sha256",headers="%s",signature="%s"`,
		keyID, signedHeaders, base64.StdEncoding.EncodeToString(signature))

	return &SignedHeaderSet{
		Authorization: authorization,
		Date:          date,
		Host:          u.Host,
		ContentSHA256: digest,
	}, nil
}

// Apply attaches a signed header set to an outbound request. All four
// headers must be present for the server to authenticate the request.
func (h *SignedHeaderSet) Apply(req *http.Request) {
	req.Header.Set("Authorization", h.Authorization)
	req.Header.Set("Date", h.Date)
	req.Header.Set("X-Content-Sha256", h.ContentSHA256)
	req.Host = h.Host
}

// requestPath returns the path, with query string when present.
func requestPath(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}

// parsePrivateKey parses an RSA private key in PKCS#1 or PKCS#8 PEM form.
func parsePrivateKey(keyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unsupported private key format: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}
