package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/app"
	"github.com/eugener/mithril/internal/config"
	"github.com/eugener/mithril/internal/keystore"
	"github.com/eugener/mithril/internal/provider"
	"github.com/eugener/mithril/internal/quota"
	"github.com/eugener/mithril/internal/ratelimit"
	"github.com/eugener/mithril/internal/testutil"
)

const testAdminToken = "op-token-for-tests-0123456789abcdef"

type env struct {
	store  *testutil.FakeStore
	keys   *keystore.Store
	users  *app.UserManager
	engine *quota.Engine
	fake   *testutil.FakeProvider
	srv    *httptest.Server
}

// newEnv wires the full handler against the in-memory store with one fake
// provider registered. mod can adjust the deps before the handler is built.
func newEnv(t *testing.T, mod func(*Deps)) *env {
	t.Helper()

	store := testutil.NewFakeStore()
	keys, err := keystore.New(store)
	if err != nil {
		t.Fatal(err)
	}
	engine := quota.NewEngine(store, store, store)

	fake := &testutil.FakeProvider{
		ProviderName: gateway.ProviderOpenAI,
		ModelList:    []string{"gpt-4o", "gpt-4o-mini"},
		Default:      "gpt-4o-mini",
	}
	router := provider.NewRouter(provider.RetryPolicy{
		Attempts:     2,
		BaseInterval: time.Millisecond,
		MaxInterval:  time.Millisecond,
	})
	router.Register(fake, nil)

	cap := 50.0
	users := app.NewUserManager(store, keys, config.QuotaDefaults{
		DailyRequests:      1000,
		DailyTokens:        100_000,
		MonthlySpendCapUSD: &cap,
		MaxConcurrent:      4,
	})

	deps := Deps{
		Store:      store,
		Keys:       keys,
		Users:      users,
		Quota:      engine,
		Router:     router,
		AdminToken: testAdminToken,
	}
	if mod != nil {
		mod(&deps)
	}

	srv := httptest.NewServer(New(deps))
	t.Cleanup(srv.Close)
	return &env{store: store, keys: keys, users: users, engine: engine, fake: fake, srv: srv}
}

// newUser creates an active user with one minted key and returns its ID and
// the plaintext token.
func (e *env) newUser(t *testing.T) (string, string) {
	t.Helper()
	u, err := e.users.CreateUser(context.Background(), fmt.Sprintf("%s@example.com", strings.ReplaceAll(t.Name(), "/", "_")), "Test User")
	if err != nil {
		t.Fatal(err)
	}
	_, token, err := e.keys.Mint(context.Background(), u.ID, "test")
	if err != nil {
		t.Fatal(err)
	}
	return u.ID, token
}

// do issues a request and decodes the JSON response body into a map.
func (e *env) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func completeBody() map[string]any {
	return map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}
}

func TestCompleteHappyPath(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	_, token := e.newUser(t)

	resp, body := e.do(t, http.MethodPost, "/v1/llm/complete", token, completeBody())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["content"] != "hello" || body["provider"] != "openai" || body["model"] != "gpt-4o-mini" {
		t.Errorf("envelope %v", body)
	}
	usage, _ := body["usage"].(map[string]any)
	if usage["input_tokens"] != 10.0 || usage["output_tokens"] != 5.0 || usage["total_tokens"] != 15.0 {
		t.Errorf("usage %v", usage)
	}
	reqID := resp.Header.Get("X-Request-Id")
	if reqID == "" || body["id"] != reqID {
		t.Errorf("id %v does not match X-Request-Id %q", body["id"], reqID)
	}

	recs := e.store.Records()
	if len(recs) != 1 {
		t.Fatalf("usage records = %d, want exactly 1", len(recs))
	}
	r := recs[0]
	if r.RequestID != reqID || r.Status != gateway.UsageSuccess || r.InputTokens != 10 {
		t.Errorf("record %+v", r)
	}
	if got := e.engine.InFlight(r.UserID); got != 0 {
		t.Errorf("in-flight after completion = %d", got)
	}
}

func TestCompleteRequiresToken(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	for _, token := range []string{"", "not-a-real-token", "mth_" + strings.Repeat("z", 32)} {
		resp, body := e.do(t, http.MethodPost, "/v1/llm/complete", token, completeBody())
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, resp.StatusCode)
		}
		if body["error"] != "unauthorized" {
			t.Errorf("token %q: error = %v", token, body["error"])
		}
	}
	if len(e.store.Records()) != 0 {
		t.Error("rejected requests must not write usage records")
	}
}

func TestCompleteValidationError(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	_, token := e.newUser(t)

	resp, body := e.do(t, http.MethodPost, "/v1/llm/complete", token, map[string]any{"messages": []any{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body["error"] != "validation_error" {
		t.Errorf("error = %v", body["error"])
	}
	if len(e.store.Records()) != 0 {
		t.Error("validation failures happen before admission; no usage record expected")
	}
}

func TestSuspendRevokesAccess(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	userID, token := e.newUser(t)

	if resp, _ := e.do(t, http.MethodPost, "/v1/llm/complete", token, completeBody()); resp.StatusCode != http.StatusOK {
		t.Fatalf("pre-suspension status = %d", resp.StatusCode)
	}

	if err := e.users.Suspend(context.Background(), userID); err != nil {
		t.Fatal(err)
	}

	// Suspension revokes keys, so the token itself stops verifying.
	resp, body := e.do(t, http.MethodPost, "/v1/llm/complete", token, completeBody())
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("post-suspension status = %d, want 401, body %v", resp.StatusCode, body)
	}
}

func TestSuspendedUserWithLiveKeyIsForbidden(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	userID, token := e.newUser(t)

	// Flip the user directly, leaving the key active. The status check in
	// authenticate must still reject.
	if err := e.store.UpdateUserStatus(context.Background(), userID, gateway.UserSuspended); err != nil {
		t.Fatal(err)
	}
	resp, body := e.do(t, http.MethodPost, "/v1/llm/complete", token, completeBody())
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if body["error"] != "forbidden" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestCompleteQuotaExceeded(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	userID, token := e.newUser(t)
	e.store.SetAggregate(gateway.DailyAggregate{
		UserID: userID, Date: time.Now().Format("2006-01-02"), RequestCount: 1000,
	})

	resp, body := e.do(t, http.MethodPost, "/v1/llm/complete", token, completeBody())
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if body["error"] != "quota_exceeded" || body["dimension"] != gateway.DimDailyRequests {
		t.Errorf("body %v", body)
	}
	if body["resets_at"] == nil || body["limit"] != 1000.0 {
		t.Errorf("quota detail missing: %v", body)
	}
	if len(e.store.Records()) != 0 {
		t.Error("refused admission must not write a usage record")
	}
}

func TestCompleteConcurrencyLimit(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	userID, token := e.newUser(t)

	q, err := e.store.GetQuota(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	q.MaxConcurrent = 1
	if err := e.store.UpdateQuota(context.Background(), q); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	e.fake.CompleteFn = func(_ context.Context, req *gateway.CompletionRequest) (*gateway.Completion, error) {
		close(started)
		<-release
		return &gateway.Completion{Provider: "openai", Model: req.Model, Content: "slow", FinishReason: "stop"}, nil
	}

	firstDone := make(chan int, 1)
	go func() {
		resp, _ := e.do(t, http.MethodPost, "/v1/llm/complete", token, completeBody())
		firstDone <- resp.StatusCode
	}()
	<-started

	e.fake.CompleteFn = nil // second request would answer instantly if admitted
	resp, body := e.do(t, http.MethodPost, "/v1/llm/complete", token, completeBody())
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
	if body["error"] != "too_many_concurrent" || body["limit"] != 1.0 {
		t.Errorf("body %v", body)
	}

	close(release)
	if code := <-firstDone; code != http.StatusOK {
		t.Errorf("first request status = %d", code)
	}
}

func TestCompleteUpstreamFailureRecorded(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	_, token := e.newUser(t)
	e.fake.CompleteFn = func(context.Context, *gateway.CompletionRequest) (*gateway.Completion, error) {
		return nil, &provider.APIError{Provider: "openai", StatusCode: 503, Body: "down"}
	}

	resp, body := e.do(t, http.MethodPost, "/v1/llm/complete", token, completeBody())
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if body["error"] != "llm_error" || body["request_id"] == nil {
		t.Errorf("body %v", body)
	}

	recs := e.store.Records()
	if len(recs) != 1 {
		t.Fatalf("usage records = %d, want 1 for the failed request", len(recs))
	}
	r := recs[0]
	if r.Status != gateway.UsageError || r.Provider != "openai" || r.ErrorMessage == "" {
		t.Errorf("record %+v", r)
	}
}

func TestCompleteUnknownProviderValidation(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	_, token := e.newUser(t)

	body := completeBody()
	body["provider"] = "anthropic" // registered provider set has only openai

	resp, out := e.do(t, http.MethodPost, "/v1/llm/complete", token, body)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if out["error"] != "no_provider_available" {
		t.Errorf("error = %v", out["error"])
	}

	// Resolution failures still account the attempt, attributed to unknown.
	recs := e.store.Records()
	if len(recs) != 1 || recs[0].Provider != gateway.ProviderUnknown {
		t.Errorf("records %+v, want one attributed to unknown", recs)
	}
}

func TestCompleteModelNotAllowed(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	_, token := e.newUser(t)

	body := completeBody()
	body["model"] = "gpt-999"
	resp, out := e.do(t, http.MethodPost, "/v1/llm/complete", token, body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if out["error"] != "model_not_allowed" {
		t.Errorf("error = %v", out["error"])
	}
}

func TestRateLimitRunsBeforeAuth(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(d *Deps) {
		d.Limiter = ratelimit.NewRegistry(1, time.Minute)
	})

	// Two unauthenticated requests from the same client IP. The second is
	// rejected by the limiter without ever reaching key verification.
	resp1, _ := e.do(t, http.MethodPost, "/v1/llm/complete", "", completeBody())
	if resp1.StatusCode != http.StatusUnauthorized {
		t.Fatalf("first status = %d, want 401 from auth", resp1.StatusCode)
	}
	resp2, body := e.do(t, http.MethodPost, "/v1/llm/complete", "", completeBody())
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", resp2.StatusCode)
	}
	if body["error"] != "rate_limit_exceeded" {
		t.Errorf("error = %v", body["error"])
	}
	if resp2.Header.Get("Retry-After") == "" || body["retry_after_seconds"] == nil {
		t.Errorf("retry hints missing: header %q body %v", resp2.Header.Get("Retry-After"), body)
	}
}

func TestModelsEndpoint(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	_, token := e.newUser(t)

	resp, body := e.do(t, http.MethodGet, "/v1/llm/models", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	providers, _ := body["providers"].([]any)
	if len(providers) != 1 {
		t.Fatalf("providers = %v", body)
	}
	p, _ := providers[0].(map[string]any)
	if p["provider"] != "openai" || p["default_model"] != "gpt-4o-mini" {
		t.Errorf("catalog entry %v", p)
	}
}

func TestQuotaEndpoint(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	userID, token := e.newUser(t)
	e.store.SetAggregate(gateway.DailyAggregate{
		UserID: userID, Date: time.Now().Format("2006-01-02"),
		RequestCount: 7, TotalTokens: 700, TotalCostUSD: 1.5,
	})

	resp, body := e.do(t, http.MethodGet, "/v1/llm/quota", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	dr, _ := body["daily_requests"].(map[string]any)
	if dr["used"] != 7.0 || dr["limit"] != 1000.0 || dr["remaining"] != 993.0 {
		t.Errorf("daily_requests %v", dr)
	}
	ms, _ := body["monthly_spend"].(map[string]any)
	if ms["used_usd"] != 1.5 || ms["cap_usd"] != 50.0 {
		t.Errorf("monthly_spend %v", ms)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	resp, body := e.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health: %d %v", resp.StatusCode, body)
	}
	resp, body = e.do(t, http.MethodGet, "/health/ready", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ready" {
		t.Errorf("ready: %d %v", resp.StatusCode, body)
	}
}

func TestReadyDegraded(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(d *Deps) {
		d.ReadyCheck = func(context.Context) error { return fmt.Errorf("connection refused") }
	})
	resp, body := e.do(t, http.MethodGet, "/health/ready", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("ready: %d %v", resp.StatusCode, body)
	}
	checks, _ := body["checks"].(map[string]any)
	if checks["persistence"] != "connection refused" {
		t.Errorf("checks %v", checks)
	}
}

func TestAdminAuth(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	resp, body := e.do(t, http.MethodGet, "/admin/users", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || body["error"] != "unauthorized" {
		t.Errorf("missing token: %d %v", resp.StatusCode, body)
	}
	resp, body = e.do(t, http.MethodGet, "/admin/users", "wrong-token", nil)
	if resp.StatusCode != http.StatusForbidden || body["error"] != "forbidden" {
		t.Errorf("wrong token: %d %v", resp.StatusCode, body)
	}
}

func TestAdminUserLifecycle(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)

	// Create the user.
	resp, body := e.do(t, http.MethodPost, "/admin/users", testAdminToken,
		map[string]string{"email": "lifecycle@example.com", "name": "Life Cycle"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user: %d %v", resp.StatusCode, body)
	}
	userID, _ := body["id"].(string)
	if userID == "" || body["status"] != string(gateway.UserActive) {
		t.Fatalf("created user %v", body)
	}

	// Mint a key. The plaintext comes back exactly once with the warning.
	resp, body = e.do(t, http.MethodPost, "/admin/users/"+userID+"/keys", testAdminToken,
		map[string]string{"label": "ci"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %v", resp.StatusCode, body)
	}
	token, _ := body["token"].(string)
	if !strings.HasPrefix(token, gateway.TokenPrefix) {
		t.Fatalf("token %q", token)
	}
	if body["warning"] != plaintextBanner {
		t.Errorf("warning = %v", body["warning"])
	}
	keyInfo, _ := body["key"].(map[string]any)
	if keyInfo["hash"] != nil && keyInfo["hash"] != "" {
		t.Errorf("key response leaks the hash: %v", keyInfo)
	}

	// The minted key works for completions.
	if resp, b := e.do(t, http.MethodPost, "/v1/llm/complete", token, completeBody()); resp.StatusCode != http.StatusOK {
		t.Fatalf("complete with minted key: %d %v", resp.StatusCode, b)
	}

	// Detail view includes quota, keys, and stats.
	resp, body = e.do(t, http.MethodGet, "/admin/users/"+userID, testAdminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get user: %d %v", resp.StatusCode, body)
	}
	if body["user"] == nil || body["quota"] == nil || body["keys"] == nil || body["stats"] == nil {
		t.Errorf("detail %v", body)
	}

	// Suspend over the API; the key stops working.
	if resp, _ := e.do(t, http.MethodPost, "/admin/users/"+userID+"/suspend", testAdminToken, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("suspend: %d", resp.StatusCode)
	}
	if resp, _ := e.do(t, http.MethodPost, "/v1/llm/complete", token, completeBody()); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("suspended key status = %d, want 401", resp.StatusCode)
	}

	// Activation restores the account but not the revoked key.
	if resp, _ := e.do(t, http.MethodPost, "/admin/users/"+userID+"/activate", testAdminToken, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("activate: %d", resp.StatusCode)
	}
	if resp, _ := e.do(t, http.MethodPost, "/v1/llm/complete", token, completeBody()); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("revoked key after reactivation should stay dead")
	}
}

func TestAdminQuotaUpdate(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	userID, _ := e.newUser(t)

	// Partial update: only daily_requests changes.
	resp, body := e.do(t, http.MethodPut, "/admin/users/"+userID+"/quota", testAdminToken,
		map[string]any{"daily_requests": 5})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %v", resp.StatusCode, body)
	}
	if body["daily_requests"] != 5.0 || body["daily_tokens"] != 100_000.0 {
		t.Errorf("quota after partial update %v", body)
	}
	if body["monthly_spend_cap_usd"] != 50.0 {
		t.Errorf("untouched cap = %v, want 50", body["monthly_spend_cap_usd"])
	}

	// Explicit null clears the spend cap.
	resp, body = e.do(t, http.MethodPut, "/admin/users/"+userID+"/quota", testAdminToken,
		map[string]any{"monthly_spend_cap_usd": nil})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear cap: %d %v", resp.StatusCode, body)
	}
	if body["monthly_spend_cap_usd"] != nil {
		t.Errorf("cap = %v, want null", body["monthly_spend_cap_usd"])
	}

	// Non-positive limits are refused.
	resp, body = e.do(t, http.MethodPut, "/admin/users/"+userID+"/quota", testAdminToken,
		map[string]any{"daily_tokens": 0})
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "validation_error" {
		t.Errorf("zero limit: %d %v", resp.StatusCode, body)
	}

	// Unknown user is a 404.
	resp, body = e.do(t, http.MethodPut, "/admin/users/nope/quota", testAdminToken,
		map[string]any{"daily_requests": 5})
	if resp.StatusCode != http.StatusNotFound || body["error"] != "not_found" {
		t.Errorf("unknown user: %d %v", resp.StatusCode, body)
	}
}

func TestAdminRevokeKey(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	userID, token := e.newUser(t)

	keys, err := e.store.ListKeysByUser(context.Background(), userID)
	if err != nil || len(keys) != 1 {
		t.Fatalf("keys %v err %v", keys, err)
	}

	resp, body := e.do(t, http.MethodDelete, "/admin/keys/"+keys[0].ID, testAdminToken, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != string(gateway.KeyRevoked) {
		t.Fatalf("revoke: %d %v", resp.StatusCode, body)
	}
	if resp, _ := e.do(t, http.MethodPost, "/v1/llm/complete", token, completeBody()); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("revoked key status = %d, want 401", resp.StatusCode)
	}
}

func TestAdminListUsers(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	for i := range 3 {
		if _, err := e.users.CreateUser(context.Background(), fmt.Sprintf("list-%d@example.com", i), "U"); err != nil {
			t.Fatal(err)
		}
	}

	resp, body := e.do(t, http.MethodGet, "/admin/users?limit=2", testAdminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %v", resp.StatusCode, body)
	}
	users, _ := body["users"].([]any)
	if len(users) != 2 || body["total"] != 3.0 || body["limit"] != 2.0 {
		t.Errorf("page %v", body)
	}
}

func TestAdminDuplicateEmailConflict(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	payload := map[string]string{"email": "dup@example.com", "name": "Dup"}
	if resp, _ := e.do(t, http.MethodPost, "/admin/users", testAdminToken, payload); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create failed: %d", resp.StatusCode)
	}
	resp, body := e.do(t, http.MethodPost, "/admin/users", testAdminToken, payload)
	if resp.StatusCode != http.StatusConflict || body["error"] != "conflict" {
		t.Errorf("duplicate: %d %v", resp.StatusCode, body)
	}
}

func TestAdminUserUsage(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	userID, token := e.newUser(t)

	for range 2 {
		if resp, _ := e.do(t, http.MethodPost, "/v1/llm/complete", token, completeBody()); resp.StatusCode != http.StatusOK {
			t.Fatal("seed completion failed")
		}
	}

	resp, body := e.do(t, http.MethodGet, "/admin/users/"+userID+"/usage", testAdminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("usage: %d %v", resp.StatusCode, body)
	}
	if body["user_id"] != userID {
		t.Errorf("user_id = %v", body["user_id"])
	}
	records, _ := body["records"].([]any)
	if len(records) != 2 {
		t.Errorf("records = %d, want 2", len(records))
	}
	if body["stats"] == nil {
		t.Error("stats missing")
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	_, token := e.newUser(t)

	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/v1/llm/complete", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
