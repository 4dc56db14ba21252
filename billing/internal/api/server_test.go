package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/auth"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/config"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/gateway"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/handoff"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/idempotency"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/ledger"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/plans"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/store"
)

const (
	testJWTSecret     = "test-secret-at-least-32-chars-long"
	testWebhookSecret = "whsec_api_test"
	testSite          = "https://mcplugin.example"
	testBuilder       = "https://builder.mcplugin.example"
)

// fakeGateway verifies real webhook signatures and records hosted-page requests.
type fakeGateway struct {
	*gateway.Stripe

	mu            sync.Mutex
	customers     atomic.Int64
	sessions      atomic.Int64
	lastCheckout  gateway.CheckoutRequest
	sessionDelay  time.Duration
	failCheckouts bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{Stripe: gateway.NewStripeVerifier(testWebhookSecret, 5*time.Minute)}
}

func (f *fakeGateway) CreateCustomer(_ context.Context, _, userID, _ string) (string, error) {
	f.customers.Add(1)
	return "cus_" + userID, nil
}

func (f *fakeGateway) GetCustomer(_ context.Context, id string) (*gateway.Customer, error) {
	return &gateway.Customer{ID: id}, nil
}

func (f *fakeGateway) CreateCheckoutSession(_ context.Context, req gateway.CheckoutRequest) (*gateway.RedirectSession, error) {
	if f.failCheckouts {
		return nil, fmt.Errorf("gateway unavailable")
	}
	time.Sleep(f.sessionDelay)
	n := f.sessions.Add(1)
	f.mu.Lock()
	f.lastCheckout = req
	f.mu.Unlock()
	return &gateway.RedirectSession{ID: fmt.Sprintf("cs_%d", n), URL: fmt.Sprintf("https://checkout.gateway.test/cs_%d", n)}, nil
}

func (f *fakeGateway) CreatePortalSession(_ context.Context, customerID, returnURL, _ string) (*gateway.RedirectSession, error) {
	return &gateway.RedirectSession{ID: "bps_1", URL: "https://portal.gateway.test/" + customerID + "?return=" + returnURL}, nil
}

func (f *fakeGateway) GetSubscription(_ context.Context, id string) (*gateway.Subscription, error) {
	return nil, fmt.Errorf("no such subscription: %s", id)
}

type testEnv struct {
	srv    *Server
	store  *store.SQLiteStore
	gw     *fakeGateway
	tokens *auth.SharedSecretProvider
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			SiteURL:        testSite,
			BuilderURL:     testBuilder,
			AllowedOrigins: []string{"http://localhost:3000"},
			MaxBodyBytes:   64 * 1024,
		},
		Auth:      config.AuthConfig{Provider: "jwt", JWTSecret: testJWTSecret, CookieName: "sb-access-token"},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
	}

	catalog, err := plans.NewCatalog(map[string][]string{"premium": {"price_premium"}, "pro": {"price_pro"}})
	if err != nil {
		t.Fatal(err)
	}
	handoffs, err := handoff.New(s, bytes.Repeat([]byte{7}, handoff.KeySize), 0)
	if err != nil {
		t.Fatal(err)
	}

	gw := newFakeGateway()
	tokens := auth.NewSharedSecretProvider(testJWTSecret, "", "")
	srv := NewServer(Deps{
		Store:   s,
		Auth:    tokens,
		Gateway: gw,
		Ledger:  ledger.New(s, gw, catalog),
		Guard:   idempotency.New(s, 0),
		Handoff: handoffs,
		Catalog: catalog,
	}, cfg, slog.Default())
	return &testEnv{srv: srv, store: s, gw: gw, tokens: tokens}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.tokens.Issue(userID, userID+"@example.com", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

type requestOpts struct {
	token  string
	origin string
	key    string
}

func (e *testEnv) do(method, path string, body any, o requestOpts) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if o.token != "" {
		req.Header.Set("Authorization", "Bearer "+o.token)
	}
	if o.origin != "" {
		req.Header.Set("Origin", o.origin)
	}
	if o.key != "" {
		req.Header.Set("Idempotency-Key", o.key)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

// parseJSONResponse decodes the JSON body of the response into the given target.
func parseJSONResponse(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
}

// --- Tests ---

func TestHealthz(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(http.MethodGet, "/healthz", nil, requestOpts{})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestReadyz(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(http.MethodGet, "/readyz", nil, requestOpts{})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
}

func TestBillingRequiresAuth(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(http.MethodPost, "/api/billing/checkout", map[string]string{"price_id": "price_pro"},
		requestOpts{origin: testSite, key: "abc"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", w.Code)
	}

	w = env.do(http.MethodGet, "/api/billing/subscription", nil, requestOpts{token: "not-a-jwt"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", w.Code)
	}
}

func TestCheckoutCreatesSession(t *testing.T) {
	env := setupTestServer(t)
	tok := env.token(t, "user-1")

	w := env.do(http.MethodPost, "/api/billing/checkout",
		map[string]string{"price_id": "price_pro", "return_to": testBuilder + "/dashboard"},
		requestOpts{token: tok, origin: testSite, key: "key-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp redirectResponse
	parseJSONResponse(t, w, &resp)
	if !strings.HasPrefix(resp.URL, "https://checkout.gateway.test/") {
		t.Errorf("url: got %q", resp.URL)
	}

	req := env.gw.lastCheckout
	if req.CustomerID != "cus_user-1" || req.UserID != "user-1" || req.PriceID != "price_pro" {
		t.Errorf("checkout request: got %+v", req)
	}
	if !strings.Contains(req.SuccessURL, "return_to=https%3A%2F%2Fbuilder.mcplugin.example%2Fdashboard") {
		t.Errorf("success url: got %q", req.SuccessURL)
	}
	if req.CancelURL != testSite+"/#pricing" {
		t.Errorf("cancel url: got %q", req.CancelURL)
	}

	p, err := env.store.GetProfile(context.Background(), "user-1")
	if err != nil || p == nil || p.GatewayCustomerID != "cus_user-1" {
		t.Fatalf("profile not linked: %+v, %v", p, err)
	}

	// A second checkout with a new key reuses the linked customer.
	w = env.do(http.MethodPost, "/api/billing/checkout", map[string]string{"price_id": "price_premium"},
		requestOpts{token: tok, origin: testSite, key: "key-2"})
	if w.Code != http.StatusOK {
		t.Fatalf("second checkout: expected 200, got %d", w.Code)
	}
	if n := env.gw.customers.Load(); n != 1 {
		t.Errorf("customers created: got %d, want 1", n)
	}
}

func TestCheckoutUntrustedReturnToFallsBack(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(http.MethodPost, "/api/billing/checkout",
		map[string]string{"price_id": "price_pro", "return_to": "https://evil.example/phish"},
		requestOpts{token: env.token(t, "user-1"), origin: testSite, key: "key-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := env.gw.lastCheckout.SuccessURL; strings.Contains(got, "evil.example") {
		t.Errorf("untrusted return_to leaked into success url: %q", got)
	}
}

func TestCheckoutValidation(t *testing.T) {
	env := setupTestServer(t)
	tok := env.token(t, "user-1")

	tests := []struct {
		name string
		body any
		key  string
		want int
	}{
		{"missing key", map[string]string{"price_id": "price_pro"}, "", http.StatusBadRequest},
		{"key with spaces", map[string]string{"price_id": "price_pro"}, "a b", http.StatusBadRequest},
		{"missing price", map[string]string{}, "k1", http.StatusBadRequest},
		{"unknown price", map[string]string{"price_id": "price_gold"}, "k2", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/billing/checkout", tt.body, requestOpts{token: tok, origin: testSite, key: tt.key})
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
	if n := env.gw.sessions.Load(); n != 0 {
		t.Errorf("sessions created: got %d, want 0", n)
	}
}

func TestParallelCheckoutSameKeyCreatesOneSession(t *testing.T) {
	env := setupTestServer(t)
	env.gw.sessionDelay = 20 * time.Millisecond
	tok := env.token(t, "user-1")

	const n = 8
	codes := make([]int, n)
	urls := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := env.do(http.MethodPost, "/api/billing/checkout", map[string]string{"price_id": "price_pro"},
				requestOpts{token: tok, origin: testSite, key: "abc"})
			codes[i] = w.Code
			if w.Code == http.StatusOK {
				var resp redirectResponse
				_ = json.NewDecoder(w.Body).Decode(&resp)
				urls[i] = resp.URL
			}
		}(i)
	}
	wg.Wait()

	if got := env.gw.sessions.Load(); got != 1 {
		t.Fatalf("sessions created: got %d, want 1", got)
	}

	// Every response is either the single session or a conflict, never a second session.
	var want string
	for i := 0; i < n; i++ {
		switch codes[i] {
		case http.StatusOK:
			if want == "" {
				want = urls[i]
			}
			if urls[i] != want {
				t.Errorf("request %d: url %q, want %q", i, urls[i], want)
			}
		case http.StatusConflict:
		default:
			t.Errorf("request %d: unexpected status %d", i, codes[i])
		}
	}

	// Once complete, a replay returns the cached URL.
	w := env.do(http.MethodPost, "/api/billing/checkout", map[string]string{"price_id": "price_pro"},
		requestOpts{token: tok, origin: testSite, key: "abc"})
	if w.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d", w.Code)
	}
	var resp redirectResponse
	parseJSONResponse(t, w, &resp)
	if want != "" && resp.URL != want {
		t.Errorf("replay url: got %q, want %q", resp.URL, want)
	}
	if got := env.gw.sessions.Load(); got != 1 {
		t.Errorf("sessions after replay: got %d, want 1", got)
	}
}

func TestCheckoutFailureReleasesKey(t *testing.T) {
	env := setupTestServer(t)
	tok := env.token(t, "user-1")

	env.gw.failCheckouts = true
	w := env.do(http.MethodPost, "/api/billing/checkout", map[string]string{"price_id": "price_pro"},
		requestOpts{token: tok, origin: testSite, key: "retry-me"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "gateway unavailable") {
		t.Error("internal error detail leaked to client")
	}

	env.gw.failCheckouts = false
	w = env.do(http.MethodPost, "/api/billing/checkout", map[string]string{"price_id": "price_pro"},
		requestOpts{token: tok, origin: testSite, key: "retry-me"})
	if w.Code != http.StatusOK {
		t.Fatalf("retry: expected 200, got %d", w.Code)
	}
}

func TestOriginGuard(t *testing.T) {
	env := setupTestServer(t)
	tok := env.token(t, "user-1")
	body := map[string]string{"price_id": "price_pro"}

	w := env.do(http.MethodPost, "/api/billing/checkout", body, requestOpts{token: tok, origin: "https://evil.example", key: "k"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign origin: expected 403, got %d", w.Code)
	}
	w = env.do(http.MethodPost, "/api/billing/checkout", body, requestOpts{token: tok, key: "k"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("no origin: expected 403, got %d", w.Code)
	}

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest(http.MethodPost, "/api/billing/checkout", &buf)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Idempotency-Key", "k")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("same-origin fetch: expected 200, got %d", rec.Code)
	}
}

func TestPortal(t *testing.T) {
	env := setupTestServer(t)
	tok := env.token(t, "user-1")

	w := env.do(http.MethodPost, "/api/billing/portal", nil, requestOpts{token: tok, origin: testSite, key: "p1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("no customer: expected 400, got %d", w.Code)
	}

	ctx := context.Background()
	if err := env.store.EnsureProfile(ctx, "user-1", "", time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.LinkGatewayCustomer(ctx, "user-1", "cus_9", time.Now()); err != nil {
		t.Fatal(err)
	}

	w = env.do(http.MethodPost, "/api/billing/portal", nil, requestOpts{token: tok, origin: testSite, key: "p2"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp redirectResponse
	parseJSONResponse(t, w, &resp)
	if !strings.Contains(resp.URL, "cus_9") || !strings.Contains(resp.URL, testSite+"/account") {
		t.Errorf("portal url: got %q", resp.URL)
	}
}

func TestGetSubscription(t *testing.T) {
	env := setupTestServer(t)
	tok := env.token(t, "user-1")

	w := env.do(http.MethodGet, "/api/billing/subscription", nil, requestOpts{token: tok})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp subscriptionResponse
	parseJSONResponse(t, w, &resp)
	if resp.Tier != plans.Free || resp.BuildsRemaining != 1 {
		t.Errorf("new user: got %+v", resp)
	}

	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	if err := env.store.EnsureProfile(ctx, "user-1", "", time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.LinkGatewayCustomer(ctx, "user-1", "cus_1", time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.ApplySubscription(ctx, store.ProfileRef{UserID: "user-1"}, store.SubscriptionUpdate{
		SubscriptionID: "sub_1", Tier: "pro", Status: store.StatusActive,
		PeriodStart: &start, PeriodEnd: &end,
	}, time.Now()); err != nil {
		t.Fatal(err)
	}

	w = env.do(http.MethodGet, "/api/billing/subscription", nil, requestOpts{token: tok})
	parseJSONResponse(t, w, &resp)
	if resp.Tier != plans.Pro || resp.BuildsRemaining != 20 || !resp.HasBillingCustomer {
		t.Errorf("pro user: got %+v", resp)
	}
}

func TestEntitlementsDropLapsedTier(t *testing.T) {
	got := entitlements(&store.Profile{Tier: "pro", SubscriptionStatus: store.StatusCanceled, BuildsUsedThisPeriod: 3})
	if got.Tier != plans.Free {
		t.Errorf("canceled pro: got tier %q", got.Tier)
	}
	if got.BuildsRemaining != 0 {
		t.Errorf("remaining must not go negative: got %d", got.BuildsRemaining)
	}
}

func signedWebhook(t *testing.T, id, eventType string) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":      id,
		"object":  "event",
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": map[string]any{"id": "cus_1", "object": "customer"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return body, signed.Header
}

func postWebhook(env *testEnv, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(body))
	if sig != "" {
		req.Header.Set("Stripe-Signature", sig)
	}
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestWebhookDuplicateReturns200(t *testing.T) {
	env := setupTestServer(t)
	body, sig := signedWebhook(t, "evt_1", "customer.created")

	for i, wantDup := range []bool{false, true} {
		w := postWebhook(env, body, sig)
		if w.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
		var resp map[string]bool
		parseJSONResponse(t, w, &resp)
		if !resp["received"] || resp["duplicate"] != wantDup {
			t.Errorf("delivery %d: got %v", i, resp)
		}
	}

	ev, err := env.store.GetWebhookEvent(context.Background(), "evt_1")
	if err != nil || ev == nil || ev.Status != store.EventProcessed {
		t.Fatalf("ledger row: %+v, %v", ev, err)
	}
}

func TestWebhookBadSignature(t *testing.T) {
	env := setupTestServer(t)
	body, _ := signedWebhook(t, "evt_2", "customer.created")

	if w := postWebhook(env, body, ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing signature: expected 400, got %d", w.Code)
	}
	if w := postWebhook(env, body, "t=1,v1=00"); w.Code != http.StatusBadRequest {
		t.Errorf("bad signature: expected 400, got %d", w.Code)
	}
}

func TestWebhookPendingConflict(t *testing.T) {
	env := setupTestServer(t)
	now := time.Now()
	if _, err := env.store.InsertWebhookEvent(context.Background(), &store.WebhookEvent{
		EventID: "evt_3", EventType: "customer.created", Status: store.EventPending,
		Version: 1, Attempts: 1, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	body, sig := signedWebhook(t, "evt_3", "customer.created")
	if w := postWebhook(env, body, sig); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestHandoffCreateAndExchange(t *testing.T) {
	env := setupTestServer(t)
	access := env.token(t, "user-1")

	w := env.do(http.MethodPost, "/api/handoff/create",
		map[string]string{"access_token": access, "refresh_token": "refresh-1"},
		requestOpts{origin: testSite})
	if w.Code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var created handoffCreateResponse
	parseJSONResponse(t, w, &created)
	if created.Code == "" || created.ExpiresIn != 120 {
		t.Fatalf("create: got %+v", created)
	}

	w = env.do(http.MethodPost, "/api/handoff/exchange", map[string]string{"code": created.Code},
		requestOpts{origin: testBuilder})
	if w.Code != http.StatusOK {
		t.Fatalf("exchange: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != testBuilder {
		t.Errorf("allow-origin: got %q", got)
	}
	var tokens handoff.Tokens
	parseJSONResponse(t, w, &tokens)
	if tokens.AccessToken != access || tokens.RefreshToken != "refresh-1" {
		t.Errorf("tokens: got %+v", tokens)
	}

	w = env.do(http.MethodPost, "/api/handoff/exchange", map[string]string{"code": created.Code},
		requestOpts{origin: testBuilder})
	if w.Code != http.StatusConflict {
		t.Fatalf("second exchange: expected 409, got %d", w.Code)
	}
}

func TestHandoffCreateAuth(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(http.MethodPost, "/api/handoff/create",
		map[string]string{"access_token": "forged", "refresh_token": "r"}, requestOpts{origin: testSite})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("invalid posted token: expected 401, got %d", w.Code)
	}

	w = env.do(http.MethodPost, "/api/handoff/create",
		map[string]string{"access_token": env.token(t, "user-1"), "refresh_token": "r"},
		requestOpts{origin: testSite, token: env.token(t, "user-2")})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("mismatched session: expected 401, got %d", w.Code)
	}

	w = env.do(http.MethodPost, "/api/handoff/create",
		map[string]string{"access_token": env.token(t, "user-1"), "refresh_token": "r"},
		requestOpts{origin: "https://evil.example"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign origin: expected 403, got %d", w.Code)
	}
}

func TestHandoffExchangeErrors(t *testing.T) {
	env := setupTestServer(t)

	if w := env.do(http.MethodPost, "/api/handoff/exchange", map[string]string{}, requestOpts{}); w.Code != http.StatusBadRequest {
		t.Errorf("missing code: expected 400, got %d", w.Code)
	}
	if w := env.do(http.MethodPost, "/api/handoff/exchange", map[string]string{"code": "nope"}, requestOpts{}); w.Code != http.StatusBadRequest {
		t.Errorf("unknown code: expected 400, got %d", w.Code)
	}
}

func TestExchangeCORS(t *testing.T) {
	env := setupTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/handoff/exchange", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("preflight allow-origin: got %q", got)
	}

	w = env.do(http.MethodPost, "/api/handoff/exchange", map[string]string{"code": "x"}, requestOpts{origin: "https://evil.example"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign origin: expected 403, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin echoed: %q", got)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := newRateLimiter(1, 1)
	if !rl.allow("a") {
		t.Fatal("first request must pass")
	}
	if rl.allow("a") {
		t.Fatal("second request within the burst window must be limited")
	}
	if n := rl.cleanup(-time.Second); n != 1 {
		t.Errorf("cleanup: removed %d, want 1", n)
	}
}
