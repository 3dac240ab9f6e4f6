package transport

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/dealflow/internal/config"
	"github.com/pitabwire/dealflow/model"
)

const (
	maxJWKSBytes      = 1 << 20
	defaultMinRefresh = 5 * time.Minute
	tokenLeeway       = 30 * time.Second
)

var (
	errUnknownSigningKey = errors.New("jwks: unknown signing key")
	errMissingKid        = errors.New("missing kid in token header")
	errUnsupportedKty    = errors.New("unsupported key type")
)

var jwkCurves = map[string]elliptic.Curve{
	"P-256": elliptic.P256(),
	"P-384": elliptic.P384(),
	"P-521": elliptic.P521(),
}

// JWKSClient resolves token signing keys against an identity provider's
// JSON Web Key Set. Keys are cached for ttl; refetches are spaced at least
// minRefresh apart, and a failed refetch falls back to the cached key.
type JWKSClient struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	httpClient *http.Client
	logger     *zap.Logger

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	lastFetch time.Time
}

// JWKSOption configures a JWKSClient.
type JWKSOption func(*JWKSClient)

// WithJWKSLogger sets the logger used for degraded-mode warnings.
func WithJWKSLogger(l *zap.Logger) JWKSOption {
	return func(c *JWKSClient) { c.logger = l }
}

// WithJWKSHTTPClient overrides the HTTP client used to fetch key sets.
func WithJWKSHTTPClient(hc *http.Client) JWKSOption {
	return func(c *JWKSClient) { c.httpClient = hc }
}

// NewJWKSClient returns a client for the key set published at url.
func NewJWKSClient(url string, ttl time.Duration, opts ...JWKSOption) *JWKSClient {
	c := &JWKSClient{
		url:        url,
		ttl:        ttl,
		minRefresh: defaultMinRefresh,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     zap.NewNop(),
		keys:       map[string]crypto.PublicKey{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetKey returns the verification key published under kid.
func (c *JWKSClient) GetKey(kid string) (crypto.PublicKey, error) {
	if key, fresh := c.cached(kid); key != nil && fresh {
		return key, nil
	}

	err := c.refresh()
	key, _ := c.cached(kid)
	switch {
	case err != nil && key != nil:
		c.logger.Warn("jwks: refresh failed, using cached key", zap.String("kid", kid), zap.Error(err))
	case err != nil:
		return nil, fmt.Errorf("jwks: fetch failed: %w", err)
	case key == nil:
		return nil, fmt.Errorf("%w %q", errUnknownSigningKey, kid)
	}
	return key, nil
}

// keyFunc adapts GetKey to jwt.Keyfunc.
func (c *JWKSClient) keyFunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errMissingKid
	}
	return c.GetKey(kid)
}

func (c *JWKSClient) cached(kid string) (key crypto.PublicKey, fresh bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys[kid], time.Since(c.lastFetch) <= c.ttl
}

func (c *JWKSClient) refresh() error {
	c.mu.RLock()
	recent := len(c.keys) > 0 && time.Since(c.lastFetch) < c.minRefresh
	c.mu.RUnlock()
	if recent {
		return nil
	}

	keys, err := c.fetch()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.keys, c.lastFetch = keys, time.Now()
	c.mu.Unlock()
	return nil
}

func (c *JWKSClient) fetch() (map[string]crypto.PublicKey, error) {
	resp, err := c.httpClient.Get(c.url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks: unexpected status %d", resp.StatusCode)
	}

	var set struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&set); err != nil {
		return nil, fmt.Errorf("jwks: decode key set: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.Kid == "" {
			continue
		}
		key, err := jwk.publicKey()
		if err != nil {
			if !errors.Is(err, errUnsupportedKty) {
				c.logger.Warn("jwks: skipping unusable key", zap.String("kid", jwk.Kid), zap.Error(err))
			}
			continue
		}
		keys[jwk.Kid] = key
	}
	return keys, nil
}

// jsonWebKey holds the public members of an RSA or EC JWK (RFC 7517).
type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	N   string `json:"n"`
	E   string `json:"e"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (k jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := decodeJWKInt("n", k.N)
		if err != nil {
			return nil, err
		}
		e, err := decodeJWKInt("e", k.E)
		if err != nil {
			return nil, err
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		curve, ok := jwkCurves[k.Crv]
		if !ok {
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := decodeJWKInt("x", k.X)
		if err != nil {
			return nil, err
		}
		y, err := decodeJWKInt("y", k.Y)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("%w %q", errUnsupportedKty, k.Kty)
	}
}

func decodeJWKInt(member, v string) (*big.Int, error) {
	if v == "" {
		return nil, fmt.Errorf("missing %q", member)
	}
	b, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", member, err)
	}
	return new(big.Int).SetBytes(b), nil
}

// JWTAuthenticator verifies the bearer token on each request against the
// configured issuer, audience and algorithms, and stores its claims in the
// request context.
func JWTAuthenticator(cfg config.IdentityConfig, jwks *JWKSClient) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithExpirationRequired(),
	)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				writeError(w, r, err)
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(raw, claims, jwks.keyFunc)
			if err != nil {
				writeError(w, r, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}
			if !token.Valid {
				writeError(w, r, model.NewUnauthorizedError("Invalid token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", model.NewUnauthorizedError("Missing authorization header")
	}
	raw, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || raw == "" {
		return "", model.NewUnauthorizedError("Invalid authorization header format")
	}
	return raw, nil
}

// jwtFailures maps fragments of golang-jwt error text to client messages,
// checked in order.
var jwtFailures = []struct{ fragment, message string }{
	{"expired", "Token expired"},
	{"issuer", "Invalid token issuer"},
	{"audience", "Invalid token audience"},
	{"signing method", "Disallowed signing algorithm"},
	{"kid", "Unknown signing key"},
	{"signing key", "Unknown signing key"},
	{"signature", "Invalid token signature"},
}

func classifyJWTError(err error) string {
	s := err.Error()
	for _, f := range jwtFailures {
		if strings.Contains(s, f.fragment) {
			return f.message
		}
	}
	return "Invalid token"
}
