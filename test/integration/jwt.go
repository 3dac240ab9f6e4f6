package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"maps"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID = "dealflow-it-1"

	testIssuer   = "https://auth.test.dealflow.dev"
	testAudience = "dealflow-test"

	tokenLifetime = time.Hour
)

// TestClaims describes the caller a test token speaks for. Extra claims
// are merged last and may override the standard ones.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Email     string
	Roles     []string
	Extra     map[string]any
}

func (c TestClaims) mapClaims(iat, exp time.Time) jwt.MapClaims {
	m := jwt.MapClaims{
		"iss":       testIssuer,
		"aud":       testAudience,
		"iat":       jwt.NewNumericDate(iat),
		"exp":       jwt.NewNumericDate(exp),
		"sub":       c.SubjectID,
		"tenant_id": c.TenantID,
		"email":     c.Email,
	}
	if len(c.Roles) > 0 {
		m["roles"] = anySlice(c.Roles)
	}
	maps.Copy(m, c.Extra)
	return m
}

// anySlice mirrors how a decoded JSON array reaches the claims map.
func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// signingKey is one RS256 key published by the stub identity provider.
type signingKey struct {
	kid  string
	priv *rsa.PrivateKey
}

func (k signingKey) jwk() map[string]any {
	pub := k.priv.PublicKey
	return map[string]any{
		"kid": k.kid,
		"kty": "RSA",
		"alg": jwt.SigningMethodRS256.Alg(),
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// tokenIssuer is a stub identity provider: it mints RS256 tokens for the
// harness and publishes the verifying keys on an httptest JWKS endpoint.
type tokenIssuer struct {
	t   *testing.T
	srv *httptest.Server

	mu     sync.RWMutex
	active signingKey
	keys   []signingKey
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	ti := &tokenIssuer{t: t}
	ti.active = ti.generate(testKeyID)
	ti.keys = []signingKey{ti.active}

	ti.srv = httptest.NewServer(http.HandlerFunc(ti.serveJWKS))
	t.Cleanup(ti.srv.Close)
	return ti
}

func (ti *tokenIssuer) generate(kid string) signingKey {
	ti.t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		ti.t.Fatalf("generate signing key %s: %v", kid, err)
	}
	return signingKey{kid: kid, priv: priv}
}

func (ti *tokenIssuer) serveJWKS(w http.ResponseWriter, _ *http.Request) {
	ti.mu.RLock()
	set := make([]map[string]any, 0, len(ti.keys))
	for _, k := range ti.keys {
		set = append(set, k.jwk())
	}
	ti.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"keys": set})
}

// Rotate publishes a new key under kid and signs subsequent tokens with
// it. Earlier keys stay in the set so outstanding tokens keep verifying.
func (ti *tokenIssuer) Rotate(kid string) {
	k := ti.generate(kid)
	ti.mu.Lock()
	ti.active = k
	ti.keys = append(ti.keys, k)
	ti.mu.Unlock()
}

// GenerateToken mints a token valid for the next hour.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims.mapClaims(now, now.Add(tokenLifetime)))
}

// GenerateExpiredToken mints a token whose exp lies an hour in the past.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims.mapClaims(now.Add(-2*tokenLifetime), now.Add(-tokenLifetime)))
}

// ForgeToken signs otherwise valid claims with a key the JWKS does not
// publish, under the active kid.
func (ti *tokenIssuer) ForgeToken(claims TestClaims) string {
	ti.mu.RLock()
	kid := ti.active.kid
	ti.mu.RUnlock()

	now := time.Now()
	return ti.signWith(ti.generate(kid), claims.mapClaims(now, now.Add(tokenLifetime)))
}

func (ti *tokenIssuer) sign(claims jwt.MapClaims) string {
	ti.mu.RLock()
	k := ti.active
	ti.mu.RUnlock()
	return ti.signWith(k, claims)
}

func (ti *tokenIssuer) signWith(k signingKey, claims jwt.MapClaims) string {
	ti.t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = k.kid
	signed, err := token.SignedString(k.priv)
	if err != nil {
		ti.t.Fatalf("sign token with %s: %v", k.kid, err)
	}
	return signed
}

// JWKSURL is the endpoint the authenticator fetches keys from.
func (ti *tokenIssuer) JWKSURL() string { return ti.srv.URL }

// Issuer is the iss every minted token carries.
func (ti *tokenIssuer) Issuer() string { return testIssuer }

// Audience is the aud every minted token carries.
func (ti *tokenIssuer) Audience() string { return testAudience }
