package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benwis/oso/internal/handlers"
	"github.com/benwis/oso/internal/infrastructure/metrics"
	"github.com/benwis/oso/internal/registry"
	"github.com/benwis/oso/internal/services"
	"github.com/benwis/oso/internal/services/authorization"
)

// E2ETestServer runs the full HTTP stack in-process: registry, evaluator,
// policy service, handlers, and metrics middleware.
type E2ETestServer struct {
	Server    *httptest.Server
	Client    *http.Client
	Policy    *services.PolicyService
	Collector *metrics.Collector
}

// SetupE2ETest builds the server the same way cmd/server wires it, minus
// the Postgres store and the Prometheus exporter.
func SetupE2ETest(t *testing.T) *E2ETestServer {
	t.Helper()

	reg := registry.NewTypeRegistry()
	celEngine, err := authorization.NewCELEngine()
	if err != nil {
		t.Fatalf("failed to create CEL engine: %v", err)
	}
	decider := authorization.NewDecider(authorization.NewResolver(reg, celEngine))

	policy, err := services.NewPolicyService(reg, celEngine, nil)
	if err != nil {
		t.Fatalf("failed to create policy service: %v", err)
	}

	collector := metrics.NewCollector()

	mux := http.NewServeMux()
	handlers.NewAuthorizationHandler(decider, policy, reg, collector, nil, false).Register(mux)
	handlers.NewPolicyHandler(policy).Register(mux)

	server := httptest.NewServer(metrics.Middleware(collector, nil, mux))

	return &E2ETestServer{
		Server:    server,
		Client:    &http.Client{Timeout: 10 * time.Second},
		Policy:    policy,
		Collector: collector,
	}
}

// Teardown stops the server.
func (e *E2ETestServer) Teardown(t *testing.T) {
	t.Helper()
	e.Server.Close()
}

// LoadPolicy replaces the active policy through the HTTP API.
func (e *E2ETestServer) LoadPolicy(t *testing.T, source string) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPut, e.Server.URL+"/v1/policy", strings.NewReader(source))
	if err != nil {
		t.Fatalf("failed to build policy request: %v", err)
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("policy write failed: status %d: %s", resp.StatusCode, body)
	}
}

// Check calls POST /v1/check and returns the decision.
func (e *E2ETestServer) Check(t *testing.T, actor any, action string, resource any, reqCtx map[string]any) bool {
	t.Helper()

	payload := map[string]any{
		"actor":    actor,
		"action":   action,
		"resource": resource,
	}
	if reqCtx != nil {
		payload["context"] = reqCtx
	}

	var out struct {
		Allowed bool `json:"allowed"`
	}
	e.postJSON(t, "/v1/check", payload, http.StatusOK, &out)
	return out.Allowed
}

// AllowedActions calls POST /v1/allowed-actions.
func (e *E2ETestServer) AllowedActions(t *testing.T, actor, resource any) []string {
	t.Helper()

	var out struct {
		Actions []string `json:"actions"`
	}
	e.postJSON(t, "/v1/allowed-actions", map[string]any{
		"actor":    actor,
		"resource": resource,
	}, http.StatusOK, &out)
	return out.Actions
}

// QueryRule calls POST /v1/query.
func (e *E2ETestServer) QueryRule(t *testing.T, rule string, args ...any) bool {
	t.Helper()

	var out struct {
		Holds bool `json:"holds"`
	}
	e.postJSON(t, "/v1/query", map[string]any{
		"rule": rule,
		"args": args,
	}, http.StatusOK, &out)
	return out.Holds
}

func (e *E2ETestServer) postJSON(t *testing.T, path string, payload any, wantStatus int, out any) {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	resp, err := e.Client.Post(e.Server.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request to %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s: status %d, want %d: %s", path, resp.StatusCode, wantStatus, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
}

// generation reads the active policy generation over HTTP.
func (e *E2ETestServer) generation(t *testing.T) string {
	t.Helper()

	resp, err := e.Client.Get(e.Server.URL + "/v1/policy")
	if err != nil {
		t.Fatalf("failed to read policy: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Generation string `json:"generation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode policy response: %v", err)
	}
	if out.Generation == "" {
		t.Fatal(fmt.Errorf("empty policy generation"))
	}
	return out.Generation
}
