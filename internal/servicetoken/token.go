// Package servicetoken verifies the short-lived RS256 JWTs a host application
// signs when it calls the service directly, e.g. the attachment-created hook.
package servicetoken

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"alttextpro/pkg/domain"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	DefaultLeeway   = 15 * time.Second
	DefaultKeyID    = "host-active"
	DefaultAudience = "alttextpro-hooks"

	// callerPrefix marks callers authenticated as a host rather than a user.
	callerPrefix = "host:"
)

// Options configures host token verification.
type Options struct {
	PublicKeyPath string
	// VerifyPublicKeys maps extra key ids to PEM paths for key rotation.
	VerifyPublicKeys map[string]string
	DefaultKeyID     string
	Audience         string
	AllowedIssuers   []string
	Leeway           time.Duration
}

// Verifier validates host tokens against an audience and issuer allowlist.
type Verifier struct {
	audience       string
	allowedIssuers map[string]struct{}
	leeway         time.Duration
	keys           map[string]*rsa.PublicKey
}

func NewVerifier(opts Options) (*Verifier, error) {
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		audience = DefaultAudience
	}
	issuers := make(map[string]struct{})
	for _, issuer := range opts.AllowedIssuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			issuers[issuer] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, errors.New("at least one allowed host issuer is required")
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	v := &Verifier{
		audience:       audience,
		allowedIssuers: issuers,
		leeway:         leeway,
		keys:           make(map[string]*rsa.PublicKey),
	}
	defaultKid := strings.TrimSpace(opts.DefaultKeyID)
	if defaultKid == "" {
		defaultKid = DefaultKeyID
	}
	if path := strings.TrimSpace(opts.PublicKeyPath); path != "" {
		pub, err := loadRSAPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("load host public key: %w", err)
		}
		v.keys[defaultKid] = pub
	}
	for kid, path := range opts.VerifyPublicKeys {
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if kid == "" || path == "" {
			continue
		}
		pub, err := loadRSAPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("load host verify key %q: %w", kid, err)
		}
		v.keys[kid] = pub
	}
	if len(v.keys) == 0 {
		return nil, errors.New("host token verifier requires an rsa public key")
	}
	return v, nil
}

// Verify checks signature, expiry, audience and issuer. The returned caller
// may upload files; the host decides who uploads on its side.
func (v *Verifier) Verify(token string) (domain.Caller, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Caller{}, errors.New("token required")
	}
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, v.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return domain.Caller{}, err
	}
	if !parsed.Valid {
		return domain.Caller{}, errors.New("invalid token")
	}
	if _, ok := v.allowedIssuers[claims.Issuer]; !ok {
		return domain.Caller{}, errors.New("issuer not allowed")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		subject = claims.Issuer
	}
	return domain.Caller{
		ID:           callerPrefix + subject,
		Capabilities: []domain.Capability{domain.CapUploadFiles},
	}, nil
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, errors.New("token key id required")
	}
	pub, ok := v.keys[kid]
	if !ok {
		return nil, errors.New("unknown token key")
	}
	return pub, nil
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pubAny, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := pubAny.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not rsa")
		}
		return pub, nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("certificate key is not rsa")
	}
	return pub, nil
}

// ParseVerifyPublicKeys parses "kid=path,kid2=path2" into a map.
func ParseVerifyPublicKeys(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, path, ok := strings.Cut(pair, "=")
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if !ok || kid == "" || path == "" {
			return nil, fmt.Errorf("invalid verify key entry %q", pair)
		}
		out[kid] = path
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
