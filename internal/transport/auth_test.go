package transport

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
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

	"github.com/pitabwire/haulflow/internal/config"
	"github.com/pitabwire/haulflow/model"
)

const (
	testIssuer   = "https://id.fleet.test"
	testAudience = "haulflow"
)

// signingKeys is one RSA and one EC key published under fixed key IDs.
type signingKeys struct {
	rsa *rsa.PrivateKey
	ec  *ecdsa.PrivateKey
}

func newSigningKeys(t *testing.T) signingKeys {
	t.Helper()
	rk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa key: %v", err)
	}
	ek, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ec key: %v", err)
	}
	return signingKeys{rsa: rk, ec: ek}
}

func (k signingKeys) jwks() []map[string]any {
	b64 := base64.RawURLEncoding.EncodeToString
	return []map[string]any{
		{"kid": "dispatch-rsa", "kty": "RSA", "n": b64(k.rsa.N.Bytes()), "e": b64(big.NewInt(int64(k.rsa.E)).Bytes())},
		{"kid": "cab-ec", "kty": "EC", "crv": "P-256", "x": b64(k.ec.X.Bytes()), "y": b64(k.ec.Y.Bytes())},
		{"kid": "broken", "kty": "EC", "crv": "P-999", "x": "AA", "y": "AA"},
		{"kty": "RSA", "n": "AQAB", "e": "AQAB"},
	}
}

// serveJWKS publishes keys and counts fetches. Setting fail makes the
// endpoint answer 500.
func serveJWKS(t *testing.T, keys []map[string]any) (url string, fetches *atomic.Int32, fail *atomic.Bool) {
	t.Helper()
	fetches, fail = new(atomic.Int32), new(atomic.Bool)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		if fail.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(srv.Close)
	return srv.URL, fetches, fail
}

func sign(t *testing.T, key crypto.Signer, method jwt.SigningMethod, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

// driverToken claims a driver on fleet-1 with a valid hour ahead.
func driverToken() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":       testIssuer,
		"aud":       testAudience,
		"sub":       "d-1",
		"tenant_id": "fleet-1",
		"roles":     []string{"driver"},
		"iat":       jwt.NewNumericDate(now),
		"exp":       jwt.NewNumericDate(now.Add(time.Hour)),
	}
}

func TestJWKSClient_GetKey(t *testing.T) {
	keys := newSigningKeys(t)
	url, fetches, _ := serveJWKS(t, keys.jwks())
	client := NewJWKSClient(url, time.Hour)

	rk, err := client.GetKey("dispatch-rsa")
	if err != nil {
		t.Fatalf("GetKey(dispatch-rsa): %v", err)
	}
	if pub, ok := rk.(*rsa.PublicKey); !ok || pub.N.Cmp(keys.rsa.N) != 0 {
		t.Errorf("dispatch-rsa = %T, want the published RSA key", rk)
	}

	ek, err := client.GetKey("cab-ec")
	if err != nil {
		t.Fatalf("GetKey(cab-ec): %v", err)
	}
	if pub, ok := ek.(*ecdsa.PublicKey); !ok || pub.X.Cmp(keys.ec.X) != 0 {
		t.Errorf("cab-ec = %T, want the published EC key", ek)
	}

	if n := fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1 while the set is fresh", n)
	}

	for _, kid := range []string{"broken", "", "never-published"} {
		if _, err := client.GetKey(kid); err == nil {
			t.Errorf("GetKey(%q) succeeded, want error", kid)
		}
	}
}

func TestJWKSClient_keepsCachedKeyWhenRefreshFails(t *testing.T) {
	keys := newSigningKeys(t)
	url, fetches, fail := serveJWKS(t, keys.jwks())
	client := NewJWKSClient(url, time.Nanosecond)
	client.minRefresh = 0

	if _, err := client.GetKey("cab-ec"); err != nil {
		t.Fatalf("first GetKey: %v", err)
	}
	fail.Store(true)

	if _, err := client.GetKey("cab-ec"); err != nil {
		t.Errorf("GetKey during outage: %v, want cached key", err)
	}
	if _, err := client.GetKey("never-published"); err == nil {
		t.Error("unknown kid during outage succeeded, want error")
	}
	if n := fetches.Load(); n < 2 {
		t.Errorf("fetches = %d, want a refresh attempt after expiry", n)
	}
}

func TestJWTAuthenticator(t *testing.T) {
	keys := newSigningKeys(t)
	url, _, _ := serveJWKS(t, keys.jwks())
	cfg := config.IdentityConfig{
		Issuer:     testIssuer,
		Audience:   testAudience,
		Algorithms: []string{"RS256", "ES256"},
	}

	rsaSigned := func(mut func(jwt.MapClaims)) func(*testing.T) string {
		return func(t *testing.T) string {
			c := driverToken()
			if mut != nil {
				mut(c)
			}
			return "Bearer " + sign(t, keys.rsa, jwt.SigningMethodRS256, "dispatch-rsa", c)
		}
	}

	tests := []struct {
		name    string
		header  func(*testing.T) string
		cfg     func(*config.IdentityConfig)
		wantMsg string
	}{
		{name: "rsa driver token", header: rsaSigned(nil)},
		{name: "ec driver token", header: func(t *testing.T) string {
			return "Bearer " + sign(t, keys.ec, jwt.SigningMethodES256, "cab-ec", driverToken())
		}},
		{name: "expired within leeway", header: rsaSigned(func(c jwt.MapClaims) {
			c["exp"] = jwt.NewNumericDate(time.Now().Add(-10 * time.Second))
		})},
		{name: "no header", header: func(*testing.T) string { return "" }, wantMsg: "Missing authorization header"},
		{name: "basic scheme", header: func(*testing.T) string { return "Basic ZDE6cHc=" }, wantMsg: "Invalid authorization header format"},
		{name: "garbage token", header: func(*testing.T) string { return "Bearer not.a.jwt" }, wantMsg: "Invalid token"},
		{name: "expired", header: rsaSigned(func(c jwt.MapClaims) {
			c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		}), wantMsg: "Token expired"},
		{name: "foreign issuer", header: rsaSigned(func(c jwt.MapClaims) { c["iss"] = "https://id.other.test" }), wantMsg: "Invalid token issuer"},
		{name: "foreign audience", header: rsaSigned(func(c jwt.MapClaims) { c["aud"] = "billing" }), wantMsg: "Invalid token audience"},
		{name: "no exp", header: rsaSigned(func(c jwt.MapClaims) { delete(c, "exp") }), wantMsg: "Token is missing a required claim"},
		{name: "unknown kid", header: func(t *testing.T) string {
			return "Bearer " + sign(t, keys.rsa, jwt.SigningMethodRS256, "rotated-away", driverToken())
		}, wantMsg: "Unknown signing key"},
		{name: "key id of another key", header: func(t *testing.T) string {
			return "Bearer " + sign(t, keys.rsa, jwt.SigningMethodRS256, "cab-ec", driverToken())
		}, wantMsg: "Invalid token signature"},
		{name: "algorithm not allowed", header: rsaSigned(nil), cfg: func(c *config.IdentityConfig) {
			c.Algorithms = []string{"ES256"}
		}, wantMsg: "Disallowed signing algorithm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cfg
			if tt.cfg != nil {
				tt.cfg(&c)
			}
			client := NewJWKSClient(url, time.Hour)
			client.minRefresh = 0

			var sub string
			handler := JWTAuthenticator(c, client)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				sub, _ = ClaimsFrom(r.Context())["sub"].(string)
			}))

			req := httptest.NewRequest(http.MethodGet, "/ui/executions", nil)
			if h := tt.header(t); h != "" {
				req.Header.Set("Authorization", h)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if tt.wantMsg == "" {
				if w.Code != http.StatusOK || sub != "d-1" {
					t.Fatalf("status = %d sub = %q, want 200 for d-1: %s", w.Code, sub, w.Body)
				}
				return
			}
			var body errorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if w.Code != http.StatusUnauthorized || body.Error.Code != model.ErrUnauthorized {
				t.Fatalf("status = %d code = %q, want 401 UNAUTHORIZED", w.Code, body.Error.Code)
			}
			if body.Error.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", body.Error.Message, tt.wantMsg)
			}
		})
	}
}

func TestExtractClaim(t *testing.T) {
	claims := map[string]any{
		"sub":          "op-1",
		"realm_access": map[string]any{"roles": []any{"dispatcher", 7, "driver"}},
		"fleet":        map[string]any{"id": "fleet-1"},
		"groups":       []string{"driver"},
		"scope":        "executions:read executions:move",
		"level":        3,
	}

	strs := []struct{ path, want string }{
		{"sub", "op-1"},
		{"fleet.id", "fleet-1"},
		{"fleet.id.extra", ""},
		{"fleet", ""},
		{"", ""},
	}
	for _, tt := range strs {
		if got := extractClaimString(claims, tt.path); got != tt.want {
			t.Errorf("extractClaimString(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
	if got := extractClaimString(nil, "sub"); got != "" {
		t.Errorf("nil claims = %q", got)
	}

	slices := []struct {
		path string
		want []string
	}{
		{"realm_access.roles", []string{"dispatcher", "driver"}},
		{"groups", []string{"driver"}},
		{"scope", []string{"executions:read", "executions:move"}},
		{"level", nil},
		{"missing", nil},
	}
	for _, tt := range slices {
		got := extractClaimStringSlice(claims, tt.path)
		if len(got) != len(tt.want) {
			t.Errorf("extractClaimStringSlice(%q) = %v, want %v", tt.path, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("extractClaimStringSlice(%q) = %v, want %v", tt.path, got, tt.want)
				break
			}
		}
	}
}
