package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/numhive/platform/internal/activation"
	"github.com/numhive/platform/internal/catalog"
	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/internal/domain/offer"
	"github.com/numhive/platform/internal/domain/provider"
	"github.com/numhive/platform/internal/domain/user"
	"github.com/numhive/platform/internal/engine"
	"github.com/numhive/platform/internal/queue"
	"github.com/numhive/platform/internal/search"
	"github.com/numhive/platform/internal/storage/memory"
	"github.com/numhive/platform/internal/wallet"
)

const testTokenSecret = "httpapi-test-secret"

type stubVendor struct {
	order    *engine.NumberOrder
	orderErr error
}

func (v *stubVendor) GetNumber(_ context.Context, _, _, _ string) (*engine.NumberOrder, error) {
	if v.orderErr != nil {
		return nil, v.orderErr
	}
	return v.order, nil
}

func (v *stubVendor) CancelNumber(_ context.Context, _ string) error { return nil }

type stubVendors struct{ vendor *stubVendor }

func (s stubVendors) Vendor(_ context.Context, _ string) (activation.NumberVendor, error) {
	return s.vendor, nil
}

type harness struct {
	srv    *Server
	store  *memory.Store
	funds  *wallet.Service
	vendor *stubVendor
	jobs   *queue.Service
}

// newHarness wires the API against in-memory storage and a stubbed
// upstream vendor. mutate hooks adjust configuration or dependencies
// before the server is built.
func newHarness(t *testing.T, mutate ...func(*config.HTTPConfig, *config.AuthConfig, *Deps)) *harness {
	t.Helper()
	store := memory.New()
	funds := wallet.New(store, nil)
	vendor := &stubVendor{order: &engine.NumberOrder{ActivationID: "prov-act-1", PhoneNumber: "+15550001111"}}
	acts := activation.New(activation.Deps{
		Activations: store,
		Offers:      store,
		Numbers:     store,
		Providers:   store,
		Outbox:      store,
		Funds:       funds,
		Vendors:     stubVendors{vendor: vendor},
	}, nil)
	market := search.NewService(store, nil, nil, config.DefaultAliasConfig(), 0, nil)
	jobsSvc := queue.New(store, store, config.WorkerConfig{}, nil)

	cfg := config.HTTPConfig{Addr: "127.0.0.1:0"}
	authCfg := config.AuthConfig{JWTSecret: testTokenSecret, TokenTTL: time.Hour}
	deps := Deps{
		Users:       store,
		Funds:       funds,
		Market:      market,
		Activations: acts,
		Numbers:     store,
		Providers:   store,
		Outbox:      store,
		Registry:    catalog.NewRegistry(store, nil, nil, nil),
		Jobs:        jobsSvc,
	}
	for _, m := range mutate {
		m(&cfg, &authCfg, &deps)
	}
	srv := New(cfg, authCfg, deps, nil)
	return &harness{srv: srv, store: store, funds: funds, vendor: vendor, jobs: jobsSvc}
}

func (h *harness) do(t *testing.T, method, path, token string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// errorCode extracts the taxonomy code from an error envelope.
func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, rec, &body)
	return body.Error.Code
}

func (h *harness) register(t *testing.T, email, password string) (token, userID string) {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email":    email,
		"password": password,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: %d %s", email, rec.Code, rec.Body.String())
	}
	var resp struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
		Token string `json:"token"`
	}
	decodeBody(t, rec, &resp)
	return resp.Token, resp.User.ID
}

// registerAdmin seeds an admin account directly and logs it in.
func (h *harness) registerAdmin(t *testing.T, email, password string) (token, userID string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u, err := h.store.CreateUser(context.Background(), user.User{
		Email:        email,
		PasswordHash: string(hash),
		Role:         user.RoleAdmin,
	})
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	rec := h.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email":    email,
		"password": password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("admin login: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	decodeBody(t, rec, &resp)
	return resp.Token, u.ID
}

// seedCatalogue stores one active provider and one priced offer.
func (h *harness) seedCatalogue(t *testing.T, stock int) offer.Offer {
	t.Helper()
	ctx := context.Background()
	if _, err := h.store.CreateProvider(ctx, provider.Provider{
		ID: "p1", Slug: "k1", Name: "K One", Active: true, Priority: 1,
	}); err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	off := offer.Offer{
		ProviderID:   "p1",
		ProviderSlug: "k1",
		CountryCode:  "us",
		ServiceCode:  "tg",
		OperatorID:   "default",
		SellPrice:    100,
		Stock:        stock,
	}
	off.ID = off.DocumentID()
	if err := h.store.UpsertOffers(ctx, []offer.Offer{off}); err != nil {
		t.Fatalf("seed offer: %v", err)
	}
	return off
}

func (h *harness) topup(t *testing.T, token string, amount int64, key string) {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/wallet/topup", token, map[string]interface{}{
		"amount":         amount,
		"idempotencyKey": key,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("topup: %d %s", rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	decodeBody(t, rec, &body)
	if body.Status != "ok" {
		t.Fatalf("status = %q", body.Status)
	}
}

func TestCorrelationHeaderEchoed(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Correlation-ID", "corr-42")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-ID"); got != "corr-42" {
		t.Fatalf("correlation echo = %q", got)
	}

	rec2 := h.do(t, http.MethodGet, "/health", "", nil)
	if rec2.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("correlation id not minted")
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email":    "a@b.c",
		"password": "longenough",
		"extra":    "nope",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: %d %s", rec.Code, rec.Body.String())
	}
}
