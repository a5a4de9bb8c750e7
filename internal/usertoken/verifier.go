// Package usertoken verifies end-user access tokens (RS256, keys from a
// JWKS endpoint) and maps them onto a domain.Caller with capabilities.
package usertoken

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"alttextpro/pkg/domain"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "alttextpro-auth"
	defaultAudience = "alttextpro-api"
	defaultLeeway   = 30 * time.Second
)

var errUnknownKey = errors.New("unknown token key")

// Claims are the access-token claims the service reads. Capabilities come
// from "caps"; when it is absent a space separated "scope" is used instead.
type Claims struct {
	jwt.RegisteredClaims
	Caps  []string `json:"caps,omitempty"`
	Scope string   `json:"scope,omitempty"`
}

func (c Claims) capabilities() []domain.Capability {
	raw := c.Caps
	if len(raw) == 0 && c.Scope != "" {
		raw = strings.Fields(c.Scope)
	}
	var out []domain.Capability
	seen := make(map[string]struct{}, len(raw))
	for _, name := range raw {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, domain.Capability(name))
	}
	return out
}

type Config struct {
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// Verifier checks user access tokens against the issuer's published keys.
type Verifier struct {
	keys    *keySet
	options []jwt.ParserOption
}

// NewVerifier fetches the key set once so a misconfigured JWKS URL fails
// at startup.
func NewVerifier(cfg Config) (*Verifier, error) {
	url := strings.TrimSpace(cfg.JWKSURL)
	if url == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: keySetFetchTimeout}
	}

	v := &Verifier{
		keys: newKeySet(url, client),
		options: []jwt.ParserOption{
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(leeway),
		},
	}
	if err := v.keys.refresh(context.Background()); err != nil {
		return nil, err
	}
	return v, nil
}

// Verify validates the token and returns the caller it identifies. An
// unknown key id or a stale key set triggers one JWKS refresh and retry.
func (v *Verifier) Verify(token string) (domain.Caller, error) {
	claims, err := v.parse(token)
	if err != nil {
		if !errors.Is(err, errUnknownKey) && !v.keys.stale() {
			return domain.Caller{}, err
		}
		if refreshErr := v.keys.refresh(context.Background()); refreshErr != nil {
			return domain.Caller{}, refreshErr
		}
		if claims, err = v.parse(token); err != nil {
			return domain.Caller{}, err
		}
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return domain.Caller{}, errors.New("token subject missing")
	}
	return domain.Caller{ID: subject, Capabilities: claims.capabilities()}, nil
}

func (v *Verifier) parse(token string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, v.keyFunc, v.options...)
	if err != nil {
		return claims, err
	}
	if !parsed.Valid {
		return claims, errors.New("invalid token")
	}
	return claims, nil
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid = strings.TrimSpace(kid); kid == "" {
		return nil, errUnknownKey
	}
	key := v.keys.lookup(kid)
	if key == nil {
		return nil, errUnknownKey
	}
	return key, nil
}
