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
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxJWKSBody = 1 << 20

// JWKSClient resolves token signing keys from an identity provider's key
// set. Keys are cached for ttl and refetched at most once per minRefresh.
// When the provider is unreachable, previously fetched keys keep working.
type JWKSClient struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	httpClient *http.Client
	logger     *zap.Logger

	fetchMu sync.Mutex

	mu      sync.RWMutex
	keys    map[string]crypto.PublicKey
	fetched time.Time
}

// NewJWKSClient returns a client for the key set at url.
func NewJWKSClient(url string, ttl time.Duration, logger *zap.Logger) *JWKSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWKSClient{
		url:        url,
		ttl:        ttl,
		minRefresh: 5 * time.Minute,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.Named("jwks"),
		keys:       map[string]crypto.PublicKey{},
	}
}

func (c *JWKSClient) cached(kid string) (crypto.PublicKey, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	return key, ok, time.Since(c.fetched) <= c.ttl
}

// GetKey returns the public key with the given key ID.
func (c *JWKSClient) GetKey(kid string) (crypto.PublicKey, error) {
	if key, ok, fresh := c.cached(kid); ok && fresh {
		return key, nil
	}

	err := c.refresh()
	key, ok, _ := c.cached(kid)
	switch {
	case ok && err != nil:
		c.logger.Warn("key set refresh failed, serving cached key", zap.String("kid", kid), zap.Error(err))
		return key, nil
	case ok:
		return key, nil
	case err != nil:
		return nil, fmt.Errorf("jwks: fetch failed: %w", err)
	}
	return nil, fmt.Errorf("jwks: unknown signing key %q", kid)
}

func (c *JWKSClient) refresh() error {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	c.mu.RLock()
	recent := len(c.keys) > 0 && time.Since(c.fetched) < c.minRefresh
	c.mu.RUnlock()
	if recent {
		return nil
	}

	keys, err := c.fetch()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.keys, c.fetched = keys, time.Now()
	c.mu.Unlock()
	c.logger.Debug("key set refreshed", zap.Int("keys", len(keys)))
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
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBody)).Decode(&set); err != nil {
		return nil, fmt.Errorf("jwks: parse error: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kid == "" {
			continue
		}
		pub, err := k.publicKey()
		if errors.Is(err, errUnsupportedKeyType) {
			continue
		}
		if err != nil {
			c.logger.Warn("key skipped", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

var errUnsupportedKeyType = errors.New("unsupported key type")

// jwk is the subset of RFC 7517 fields needed for RSA and EC verification.
type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (k jwk) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		return k.rsa()
	case "EC":
		return k.ecdsa()
	}
	return nil, errUnsupportedKeyType
}

func (k jwk) rsa() (*rsa.PublicKey, error) {
	if k.N == "" || k.E == "" {
		return nil, errors.New("missing n or e")
	}
	n, err := b64Int("n", k.N)
	if err != nil {
		return nil, err
	}
	e, err := b64Int("e", k.E)
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

var curves = map[string]elliptic.Curve{
	"P-256": elliptic.P256(),
	"P-384": elliptic.P384(),
	"P-521": elliptic.P521(),
}

func (k jwk) ecdsa() (*ecdsa.PublicKey, error) {
	if k.Crv == "" || k.X == "" || k.Y == "" {
		return nil, errors.New("missing crv, x, or y")
	}
	curve, ok := curves[k.Crv]
	if !ok {
		return nil, fmt.Errorf("unsupported curve %q", k.Crv)
	}
	x, err := b64Int("x", k.X)
	if err != nil {
		return nil, err
	}
	y, err := b64Int("y", k.Y)
	if err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

func b64Int(field, s string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", field, err)
	}
	return new(big.Int).SetBytes(b), nil
}
