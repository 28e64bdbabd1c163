// Package integration provides a reusable test harness for end-to-end
// integration testing of the haulflow server. It starts a full HTTP server
// with in-memory stores, an optional Redis-backed idempotency store, and a
// test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/haulflow/internal/capability"
	"github.com/pitabwire/haulflow/internal/command"
	"github.com/pitabwire/haulflow/internal/config"
	"github.com/pitabwire/haulflow/internal/notify"
	"github.com/pitabwire/haulflow/internal/observability"
	"github.com/pitabwire/haulflow/internal/store"
	"github.com/pitabwire/haulflow/internal/transport"
	"github.com/pitabwire/haulflow/model"
)

// TestHarness encapsulates a fully wired haulflow instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store       *store.MemoryStore
	Publisher   notify.Publisher
	Events      *notify.MemoryPublisher
	Service     *command.Service
	Metrics     *observability.Metrics
	Registry    *prometheus.Registry
	CapResolver model.CapabilityResolver

	// Redis is set when the harness runs WithRedisIdempotency.
	Redis *miniredis.Miniredis

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	policyFile     string
	redis          bool
	noIdempotency  bool
	handlerTimeout time.Duration
	publisher      notify.Publisher
	maxRetries     int
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithRedisIdempotency backs the idempotency store with an in-process Redis.
func WithRedisIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.redis = true
	}
}

// WithoutIdempotency disables idempotency checking.
func WithoutIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.noIdempotency = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithPublisher replaces the in-memory transition publisher.
func WithPublisher(p notify.Publisher) HarnessOption {
	return func(c *harnessConfig) {
		c.publisher = p
	}
}

// NewTestHarness creates and starts a full haulflow test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		maxRetries:     3,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	// Step 1: Build capability resolver. An empty policy file selects the
	// built-in dispatcher and driver roles.
	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}

	// Step 2: Metrics on a private registry so tests do not collide.
	h.Registry = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Registry)
	h.CapResolver = capability.NewResolver(evaluator, time.Minute,
		capability.WithCacheRecorder(h.Metrics),
	)

	// Step 3: Stores and publisher.
	h.Store = store.NewMemoryStore()
	h.Events = &notify.MemoryPublisher{}
	h.Publisher = h.Events
	if hc.publisher != nil {
		h.Publisher = hc.publisher
	}

	readiness := observability.ReadinessChecks{Store: h.Store}

	svcOpts := []command.Option{
		command.WithPublisher(h.Publisher),
		command.WithRecorder(h.Metrics),
		command.WithMaxRetries(hc.maxRetries),
	}
	switch {
	case hc.noIdempotency:
	case hc.redis:
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { client.Close() })
		idem := command.NewRedisIdempotencyStore(client)
		readiness.IdempotencyStore = idem
		svcOpts = append(svcOpts, command.WithIdempotencyStore(idem, time.Hour))
	default:
		svcOpts = append(svcOpts, command.WithIdempotencyStore(command.NewMemoryIdempotencyStore(), time.Hour))
	}
	h.Service = command.NewService(h.Store, svcOpts...)

	// Step 4: Create JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 5: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.Algorithms = []string{"ES256"}
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()

	// Step 6: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour)

	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Service:            h.Service,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, jwks),
		CapabilityResolver: h.CapResolver,
		Metrics:            h.Metrics,
		MetricsHandler:     observability.HandlerFor(h.Registry),
		Readiness:          readiness,
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PUT", path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code and
// drains the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and the error envelope code.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) {
	t.Helper()
	var body struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error == nil || body.Error.Code != code {
		t.Errorf("error = %+v, want code %s", body.Error, code)
	}
}

// --- Fixtures ---

// SeedContract creates contract c-1 from Ulaanbaatar to Zamyn-Uud through
// the given waypoints, with vehicle v-1 and driver d-1 assigned to it.
func (h *TestHarness) SeedContract(waypoints ...string) {
	h.t.Helper()
	token := h.GenerateToken(DispatcherClaims())

	wps := make([]model.Waypoint, len(waypoints))
	for i, id := range waypoints {
		wps[i] = model.Waypoint{ID: id}
	}
	h.AssertStatus(h.t, h.POST("/api/contracts", command.ContractInput{
		ID:          "c-1",
		Name:        "Ulaanbaatar - Zamyn-Uud",
		Origin:      "Ulaanbaatar",
		Destination: "Zamyn-Uud",
		Waypoints:   wps,
	}, token), http.StatusCreated)
	h.AssertStatus(h.t, h.POST("/api/contracts/c-1/vehicles",
		model.Vehicle{ID: "v-1", License: "1234 UBA"}, token), http.StatusOK)
	h.AssertStatus(h.t, h.POST("/api/contracts/c-1/assignments", model.Assignment{
		DriverID: "d-1", DriverName: "Bat", AssignedVehicleID: "v-1",
	}, token), http.StatusOK)
}

// SeedExecution creates an execution on c-1 for driver d-1.
func (h *TestHarness) SeedExecution(cargo ...string) *model.Execution {
	h.t.Helper()
	token := h.GenerateToken(DispatcherClaims())
	resp := h.POST("/api/contracts/c-1/executions", map[string]any{
		"driver_id":      "d-1",
		"selected_cargo": cargo,
	}, token)
	var exec model.Execution
	h.AssertJSON(h.t, resp, http.StatusCreated, &exec)
	return &exec
}

// ExecutionPath returns the REST path of an execution.
func ExecutionPath(id string) string {
	return "/api/executions/" + id
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
