package servicetoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"alttextpro/pkg/domain"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestVerifierAcceptsHostToken(t *testing.T) {
	key, publicPath := writeRSAKey(t)
	verifier := newTestVerifier(t, publicPath)

	signed := signHostToken(t, key, "host-active", jwt.RegisteredClaims{
		Issuer:    "cms",
		Subject:   "site-42",
		Audience:  jwt.ClaimStrings{DefaultAudience},
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	caller, err := verifier.Verify(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if caller.ID != "host:site-42" {
		t.Fatalf("caller id = %q", caller.ID)
	}
	if !caller.Can(domain.CapUploadFiles) || caller.Can(domain.CapManageOptions) {
		t.Fatalf("unexpected capabilities: %v", caller.Capabilities)
	}
}

func TestVerifierRejectsBadTokens(t *testing.T) {
	key, publicPath := writeRSAKey(t)
	verifier := newTestVerifier(t, publicPath)
	now := time.Now()
	valid := jwt.RegisteredClaims{
		Issuer:    "cms",
		Audience:  jwt.ClaimStrings{DefaultAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}

	tests := []struct {
		name   string
		kid    string
		mutate func(*jwt.RegisteredClaims)
	}{
		{name: "wrong audience", kid: "host-active", mutate: func(c *jwt.RegisteredClaims) { c.Audience = jwt.ClaimStrings{"other"} }},
		{name: "unknown issuer", kid: "host-active", mutate: func(c *jwt.RegisteredClaims) { c.Issuer = "intruder" }},
		{name: "expired", kid: "host-active", mutate: func(c *jwt.RegisteredClaims) { c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Hour)) }},
		{name: "no expiry", kid: "host-active", mutate: func(c *jwt.RegisteredClaims) { c.ExpiresAt = nil }},
		{name: "future iat", kid: "host-active", mutate: func(c *jwt.RegisteredClaims) { c.IssuedAt = jwt.NewNumericDate(now.Add(2 * time.Minute)) }},
		{name: "unknown kid", kid: "retired", mutate: func(*jwt.RegisteredClaims) {}},
		{name: "missing kid", kid: "", mutate: func(*jwt.RegisteredClaims) {}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			claims := valid
			tc.mutate(&claims)
			signed := signHostToken(t, key, tc.kid, claims)
			if _, err := verifier.Verify(signed); err == nil {
				t.Fatalf("expected verification to fail")
			}
		})
	}
}

func TestNewVerifierRequiresKeyAndIssuer(t *testing.T) {
	_, publicPath := writeRSAKey(t)
	if _, err := NewVerifier(Options{PublicKeyPath: publicPath}); err == nil {
		t.Fatalf("expected missing issuer to fail")
	}
	if _, err := NewVerifier(Options{AllowedIssuers: []string{"cms"}}); err == nil {
		t.Fatalf("expected missing key to fail")
	}
}

func TestParseVerifyPublicKeys(t *testing.T) {
	parsed, err := ParseVerifyPublicKeys("k1=/a.pem, k2=/b.pem")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed) != 2 || parsed["k2"] != "/b.pem" {
		t.Fatalf("unexpected parsed keys: %v", parsed)
	}
	if _, err := ParseVerifyPublicKeys("k1"); err == nil {
		t.Fatalf("expected error for entry without path")
	}
}

func newTestVerifier(t *testing.T, publicPath string) *Verifier {
	t.Helper()
	v, err := NewVerifier(Options{
		PublicKeyPath:  publicPath,
		AllowedIssuers: []string{"cms"},
		Leeway:         time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func signHostToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func writeRSAKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public: %v", err)
	}
	publicPath := filepath.Join(t.TempDir(), "host-public.pem")
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
		t.Fatalf("write public: %v", err)
	}
	return key, publicPath
}
