package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "https://auth.tabula.test"
	testAudience = "tabula-test"
	testKeyID    = "tabula-test-key"
)

// Claims describe who a harness token speaks for.
type Claims struct {
	SubjectID string
	TenantID  string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// mapClaims lays c out the way the identity provider does, valid from nbf
// until exp.
func (c Claims) mapClaims(nbf, exp time.Time) jwt.MapClaims {
	mc := jwt.MapClaims{
		"iss":       testIssuer,
		"aud":       testAudience,
		"iat":       nbf.Unix(),
		"exp":       exp.Unix(),
		"sub":       c.SubjectID,
		"tenant_id": c.TenantID,
		"email":     c.Email,
	}
	if c.Roles != nil {
		mc["roles"] = c.Roles
	}
	for k, v := range c.Extra {
		mc[k] = v
	}
	return mc
}

// tokenIssuer is a minimal identity provider: one RS256 key published as a
// JWKS document.
type tokenIssuer struct {
	key     *rsa.PrivateKey
	jwks    *httptest.Server
	fetches atomic.Int64
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	ti := &tokenIssuer{key: key}

	enc := base64.RawURLEncoding.EncodeToString
	doc, err := json.Marshal(map[string]any{"keys": []any{map[string]string{
		"kid": testKeyID, "kty": "RSA", "alg": "RS256", "use": "sig",
		"n": enc(key.N.Bytes()),
		"e": enc(big.NewInt(int64(key.E)).Bytes()),
	}}})
	if err != nil {
		t.Fatal(err)
	}
	ti.jwks = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		ti.fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(ti.jwks.Close)
	return ti
}

func (ti *tokenIssuer) Token(c Claims) string {
	now := time.Now()
	return ti.sign(c.mapClaims(now.Add(-time.Minute), now.Add(time.Hour)))
}

// ExpiredToken is well formed and signed but lapsed an hour ago, well past
// any clock skew allowance.
func (ti *tokenIssuer) ExpiredToken(c Claims) string {
	now := time.Now()
	return ti.sign(c.mapClaims(now.Add(-2*time.Hour), now.Add(-time.Hour)))
}

func (ti *tokenIssuer) sign(mc jwt.MapClaims) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, mc)
	tok.Header["kid"] = testKeyID
	s, err := tok.SignedString(ti.key)
	if err != nil {
		panic(err)
	}
	return s
}

func (ti *tokenIssuer) JWKSURL() string { return ti.jwks.URL }

// JWKSFetches counts downloads of the key set.
func (ti *tokenIssuer) JWKSFetches() int64 { return ti.fetches.Load() }
