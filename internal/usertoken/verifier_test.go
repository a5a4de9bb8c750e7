package usertoken

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"alttextpro/pkg/domain"

	jwt "github.com/golang-jwt/jwt/v5"
)

// jwksServer publishes whichever keys are currently set and counts fetches.
type jwksServer struct {
	*httptest.Server
	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	fetches atomic.Int32
}

func newJWKSServer(t *testing.T, keys map[string]*rsa.PublicKey) *jwksServer {
	t.Helper()
	s := &jwksServer{keys: keys}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.fetches.Add(1)
		s.mu.Lock()
		defer s.mu.Unlock()
		var out []map[string]string
		for kid, pub := range s.keys {
			out = append(out, toJWK(kid, pub))
		}
		w.Header().Set("Cache-Control", "public, max-age=300")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": out})
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) publish(keys map[string]*rsa.PublicKey) {
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
}

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
}

func TestVerifyMapsCapabilities(t *testing.T) {
	key := generateKey(t)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"kid-1": &key.PublicKey})
	v := newTestVerifier(t, srv.URL)

	tests := []struct {
		name   string
		claims Claims
		want   []domain.Capability
	}{
		{
			name:   "caps claim deduplicated",
			claims: Claims{Caps: []string{"upload_files", "upload_files", " manage_options "}},
			want:   []domain.Capability{domain.CapUploadFiles, domain.CapManageOptions},
		},
		{
			name:   "scope fallback",
			claims: Claims{Scope: "upload_files  read"},
			want:   []domain.Capability{domain.CapUploadFiles, "read"},
		},
		{
			name:   "caps win over scope",
			claims: Claims{Caps: []string{"manage_options"}, Scope: "upload_files"},
			want:   []domain.Capability{domain.CapManageOptions},
		},
		{name: "no capabilities"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.claims.RegisteredClaims = validClaims("editor-7")
			caller, err := v.Verify(sign(t, key, "kid-1", tc.claims))
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if caller.ID != "editor-7" {
				t.Fatalf("caller id = %q", caller.ID)
			}
			if len(caller.Capabilities) != len(tc.want) {
				t.Fatalf("capabilities = %v, want %v", caller.Capabilities, tc.want)
			}
			for i := range tc.want {
				if caller.Capabilities[i] != tc.want[i] {
					t.Fatalf("capabilities = %v, want %v", caller.Capabilities, tc.want)
				}
			}
		})
	}
}

func TestVerifyRefreshesOnKeyRotation(t *testing.T) {
	oldKey, newKey := generateKey(t), generateKey(t)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"kid-1": &oldKey.PublicKey})
	v := newTestVerifier(t, srv.URL)

	if _, err := v.Verify(sign(t, oldKey, "kid-1", Claims{RegisteredClaims: validClaims("u1")})); err != nil {
		t.Fatalf("verify before rotation: %v", err)
	}
	srv.publish(map[string]*rsa.PublicKey{"kid-2": &newKey.PublicKey})
	caller, err := v.Verify(sign(t, newKey, "kid-2", Claims{RegisteredClaims: validClaims("u2")}))
	if err != nil || caller.ID != "u2" {
		t.Fatalf("verify after rotation: caller=%+v err=%v", caller, err)
	}
	if got := srv.fetches.Load(); got != 2 {
		t.Fatalf("jwks fetches = %d, want 2", got)
	}
}

func TestVerifyRejectsBadClaims(t *testing.T) {
	key := generateKey(t)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"kid-1": &key.PublicKey})
	v := newTestVerifier(t, srv.URL)

	tests := []struct {
		name   string
		mutate func(*jwt.RegisteredClaims)
	}{
		{name: "future iat", mutate: func(c *jwt.RegisteredClaims) { c.IssuedAt = jwt.NewNumericDate(time.Now().Add(2 * time.Minute)) }},
		{name: "wrong issuer", mutate: func(c *jwt.RegisteredClaims) { c.Issuer = "someone-else" }},
		{name: "wrong audience", mutate: func(c *jwt.RegisteredClaims) { c.Audience = jwt.ClaimStrings{"other-api"} }},
		{name: "expired", mutate: func(c *jwt.RegisteredClaims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour)) }},
		{name: "missing subject", mutate: func(c *jwt.RegisteredClaims) { c.Subject = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			claims := validClaims("u1")
			tc.mutate(&claims)
			if _, err := v.Verify(sign(t, key, "kid-1", Claims{RegisteredClaims: claims})); err == nil {
				t.Fatalf("expected verification to fail")
			}
		})
	}
}

func TestMaxAge(t *testing.T) {
	tests := map[string]time.Duration{
		"":                           0,
		"no-cache":                   0,
		"public, max-age=60":         time.Minute,
		"MAX-AGE=5, must-revalidate": 5 * time.Second,
		"max-age=abc":                0,
	}
	for header, want := range tests {
		if got := maxAge(header); got != want {
			t.Fatalf("maxAge(%q) = %v, want %v", header, got, want)
		}
	}
}

func newTestVerifier(t *testing.T, url string) *Verifier {
	t.Helper()
	v, err := NewVerifier(Config{JWKSURL: url, Issuer: "issuer-a", Audience: "aud-a", Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func validClaims(subject string) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "issuer-a",
		Audience:  jwt.ClaimStrings{"aud-a"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
}

func sign(t *testing.T, key *rsa.PrivateKey, kid string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func toJWK(kid string, key *rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"use": "sig",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
