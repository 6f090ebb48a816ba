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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testKey generates a throwaway RSA keypair and writes the private half
// as PKCS#1 PEM, returning the path and the public key for verification.
func testKey(t *testing.T) (string, *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))
	return path, &key.PublicKey
}

func testContext(keyFile string) *CredentialContext {
	return &CredentialContext{
		ID:          "DEFAULT",
		Scheme:      SchemeUserPrincipal,
		TenancyID:   "ocid1.tenancy.oc1..aaaa",
		Region:      "us-phoenix-1",
		ProfileName: "DEFAULT",
		Valid:       true,
		Secret: &SecretRef{
			UserID:      "ocid1.user.oc1..bbbb",
			Fingerprint: "11:22:33",
			KeyFile:     keyFile,
		},
	}
}

func frozenClock() func() time.Time {
	at := time.Date(2026, time.March, 14, 15, 9, 26, 0, time.UTC)
	return func() time.Time { return at }
}

func TestSign_Deterministic(t *testing.T) {
	keyFile, _ := testKey(t)
	cc := testContext(keyFile)
	signer := NewSigner(WithClock(frozenClock()))

	req := SigningRequest{
		Method: "POST",
		URL:    "https://telemetry.us-phoenix-1.oraclecloud.com/20180401/metrics/actions/summarizeMetricsData?compartmentId=ocid1.compartment.oc1..cccc",
		Body:   []byte(`{"namespace":"oci_computeagent"}`),
	}

	first, err := signer.Sign(req, cc)
	require.NoError(t, err)
	second, err := signer.Sign(req, cc)
	require.NoError(t, err)

	// Same frozen timestamp, same body, same context: byte-identical
	// header sets.
	assert.Equal(t, first, second)
}

func TestSign_HeaderSetShape(t *testing.T) {
	keyFile, pub := testKey(t)
	cc := testContext(keyFile)
	signer := NewSigner(WithClock(frozenClock()))

	body := []byte(`{"hello":"world"}`)
	headers, err := signer.Sign(SigningRequest{
		Method: "POST",
		URL:    "https://identity.us-phoenix-1.oraclecloud.com/20160918/regions?limit=5",
		Body:   body,
	}, cc)
	require.NoError(t, err)

	assert.Equal(t, "identity.us-phoenix-1.oraclecloud.com", headers.Host)
	assert.Equal(t, "Sat, 14 Mar 2026 15:09:26 GMT", headers.Date)

	sum := sha256.Sum256(body)
	wantDigest := base64.StdEncoding.EncodeToString(sum[:])
	assert.Equal(t, wantDigest, headers.ContentSHA256)

	wantKeyID := "ocid1.tenancy.oc1..aaaa/ocid1.user.oc1..bbbb/11:22:33"
	assert.Contains(t, headers.Authorization, `Signature version="1"`)
	assert.Contains(t, headers.Authorization, fmt.Sprintf(`keyId="%s"`, wantKeyID))
	assert.Contains(t, headers.Authorization, `algorithm="rsa-sha256"`)
	assert.Contains(t, headers.Authorization, `headers="(request-target) date host x-content-sha256"`)

	// The server re-derives the canonical string and verifies; do the
	// same here to pin the construction order.
	canonical := strings.Join([]string{
		"(request-target): post /20160918/regions?limit=5",
		"date: " + headers.Date,
		"host: " + headers.Host,
		"x-content-sha256: " + headers.ContentSHA256,
	}, "\n")

	sig := extractSignature(t, headers.Authorization)
	hashed := sha256.Sum256([]byte(canonical))
	require.NoError(t, rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], sig))
}

func extractSignature(t *testing.T, authorization string) []byte {
	t.Helper()
	const marker = `signature="`
	idx := strings.Index(authorization, marker)
	require.NotEqual(t, -1, idx)
	rest := authorization[idx+len(marker):]
	end := strings.Index(rest, `"`)
	require.NotEqual(t, -1, end)
	sig, err := base64.StdEncoding.DecodeString(rest[:end])
	require.NoError(t, err)
	return sig
}

func TestSign_EmptyBodyDigestsEmptyString(t *testing.T) {
	keyFile, _ := testKey(t)
	signer := NewSigner(WithClock(frozenClock()))

	headers, err := signer.Sign(SigningRequest{
		Method: "GET",
		URL:    "https://identity.us-phoenix-1.oraclecloud.com/20160918/regions",
	}, testContext(keyFile))
	require.NoError(t, err)

	sum := sha256.Sum256(nil)
	assert.Equal(t, base64.StdEncoding.EncodeToString(sum[:]), headers.ContentSHA256)
}

func TestSign_TamperSensitivity(t *testing.T) {
	keyFile, _ := testKey(t)
	cc := testContext(keyFile)
	signer := NewSigner(WithClock(frozenClock()))

	req := SigningRequest{
		Method: "POST",
		URL:    "https://identity.us-phoenix-1.oraclecloud.com/20160918/regions",
		Body:   []byte(`{"value":1}`),
	}
	original, err := signer.Sign(req, cc)
	require.NoError(t, err)

	req.Body = []byte(`{"value":2}`)
	tampered, err := signer.Sign(req, cc)
	require.NoError(t, err)

	assert.NotEqual(t, original.ContentSHA256, tampered.ContentSHA256)
	assert.NotEqual(t, original.Authorization, tampered.Authorization)
}

func TestSign_PlatformIdentityRejectedBeforeIO(t *testing.T) {
	signer := NewSigner(WithKeyReader(func(string) ([]byte, error) {
		t.Fatal("signing a platform-identity context must not touch the filesystem")
		return nil, nil
	}))

	cc := &CredentialContext{
		ID:     PlatformContextID,
		Scheme: SchemePlatformIdentity,
		Region: "us-phoenix-1",
	}
	_, err := signer.Sign(SigningRequest{Method: "GET", URL: "https://example.com/"}, cc)
	require.Error(t, err)
	assert.True(t, IsCategory(err, ErrCategorySigning))
}

func TestSign_IncompleteContextRejected(t *testing.T) {
	signer := NewSigner()
	cc := testContext("/tmp/key.pem")
	cc.Secret.Fingerprint = ""

	_, err := signer.Sign(SigningRequest{Method: "GET", URL: "https://example.com/"}, cc)
	require.Error(t, err)
	assert.True(t, IsCategory(err, ErrCategorySigning))
}

func TestSign_UnreadableKeyFile(t *testing.T) {
	signer := NewSigner()
	cc := testContext(filepath.Join(t.TempDir(), "missing.pem"))

	_, err := signer.Sign(SigningRequest{Method: "GET", URL: "https://example.com/"}, cc)
	require.Error(t, err)
	assert.True(t, IsCategory(err, ErrCategorySigning))
}

func TestParsePrivateKey_PKCS8(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	parsed, err := parsePrivateKey(pemBytes)
	require.NoError(t, err)
	assert.Equal(t, key.N, parsed.N)
}
