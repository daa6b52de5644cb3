package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/numhive/platform/internal/domain/provider"
	"github.com/numhive/platform/internal/errors"
	"github.com/numhive/platform/internal/money"
)

func jsonAPIProvider(baseURL string) *provider.Provider {
	return &provider.Provider{
		Slug:     "smsproka",
		BaseURL:  baseURL,
		AuthType: provider.AuthQuery,
		Endpoints: map[provider.Operation]provider.EndpointSpec{
			provider.OpGetPrices: {
				Query: map[string]string{"action": "getPrices", "country": "{country}"},
				Defaults: map[string]string{
					"country": "",
					"service": "",
				},
			},
			provider.OpGetNumber: {
				Query: map[string]string{
					"action":  "getNumber",
					"country": "{country}",
					"service": "{service}",
				},
				Defaults: map[string]string{"operator": ""},
			},
			provider.OpGetStatus: {
				Query: map[string]string{"action": "getStatus", "id": "{activationId}"},
			},
			provider.OpGetBalance: {
				Query: map[string]string{"action": "getBalance"},
			},
		},
		Mappings: map[provider.Operation]provider.MappingSpec{
			provider.OpGetPrices: {
				Type: provider.MapJSONDictionary,
				Fields: map[string]string{
					"country": "$parentKey",
					"service": "$key",
					"cost":    "cost",
					"count":   "count",
				},
			},
			provider.OpGetNumber: {
				Type:      provider.MapJSONObject,
				ErrorPath: "error",
				Fields: map[string]string{
					"activationId": "activation_id|id",
					"phoneNumber":  "phone|number",
					"price":        "price",
				},
			},
			provider.OpGetStatus: {
				Type:   provider.MapJSONObject,
				Fields: map[string]string{"status": "status"},
				Messages: &provider.MappingSpec{
					Type: provider.MapJSONArray,
					Root: "sms",
					Fields: map[string]string{
						"messageId":  "id",
						"sender":     "from",
						"text":       "text",
						"receivedAt": "date",
					},
				},
			},
			provider.OpGetBalance: {
				Type: provider.MapJSONValue,
				Root: "balance",
			},
		},
	}
}

func TestAdapterGetPricesMapsAndCaches(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"us": {"tg": {"cost": 0.5, "count": 3}, "wa": {"cost": 1.25, "count": 0}}}`))
	}))
	defer srv.Close()

	a, err := NewAdapter(jsonAPIProvider(srv.URL), []string{"k1"}, NewClient(srv.Client(), nil), nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	rows, err := a.GetPrices(context.Background(), "us", "")
	if err != nil {
		t.Fatalf("get prices: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 price rows, got %d", len(rows))
	}
	byService := map[string]money.Amount{}
	for _, r := range rows {
		if r.Country != "us" || r.Operator != "default" {
			t.Fatalf("row normalization: %+v", r)
		}
		byService[r.Service] = r.Cost
	}
	if byService["tg"] != money.MustParse("0.5") || byService["wa"] != money.MustParse("1.25") {
		t.Fatalf("costs: %+v", byService)
	}

	if _, err := a.GetPrices(context.Background(), "us", ""); err != nil {
		t.Fatalf("cached get prices: %v", err)
	}
	if n := atomic.LoadInt64(&hits); n != 1 {
		t.Fatalf("expected cache to absorb second call, upstream hits = %d", n)
	}
}

func TestAdapterRotatesCredentialsOnRateLimit(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		if r.URL.Query().Get("api_key") == "k1" {
			w.Header().Set("Retry-After", "10")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("retry in 10s"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"us": {"tg": {"cost": 0.5, "count": 3}}}`))
	}))
	defer srv.Close()

	a, err := NewAdapter(jsonAPIProvider(srv.URL), []string{"k1", "k2"}, NewClient(srv.Client(), nil), nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	rows, err := a.GetPrices(context.Background(), "us", "")
	if err != nil {
		t.Fatalf("expected rotation to recover, got %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows: %d", len(rows))
	}
	if n := atomic.LoadInt64(&hits); n != 2 {
		t.Fatalf("expected one retry after 429, upstream hits = %d", n)
	}
	if a.BreakerOpen() {
		t.Fatal("rate limits must not trip the breaker")
	}
}

func TestAdapterAllCredentialsCoolingFailsRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("retry in 7s"))
	}))
	defer srv.Close()

	a, err := NewAdapter(jsonAPIProvider(srv.URL), []string{"k1", "k2"}, NewClient(srv.Client(), nil), nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	_, err = a.GetPrices(context.Background(), "us", "")
	if !errors.IsCode(err, errors.CodeProviderRateLimited) {
		t.Fatalf("expected PROVIDER_RATELIMITED, got %v", err)
	}
}

func TestAdapterTranslatesJSONErrorPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"error": "NO_NUMBERS"}`))
	}))
	defer srv.Close()

	a, err := NewAdapter(jsonAPIProvider(srv.URL), []string{"k1"}, NewClient(srv.Client(), nil), nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	_, err = a.GetNumber(context.Background(), "us", "tg", "")
	if !errors.IsCode(err, errors.CodeOutOfStock) {
		t.Fatalf("expected OUT_OF_STOCK, got %v", err)
	}
	if a.BreakerOpen() {
		t.Fatal("protocol errors are healthy calls")
	}
}

func TestAdapterTranslatesTextLiteral(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("BAD_KEY"))
	}))
	defer srv.Close()

	a, err := NewAdapter(jsonAPIProvider(srv.URL), []string{"k1"}, NewClient(srv.Client(), nil), nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	_, err = a.GetBalance(context.Background())
	if !errors.IsCode(err, errors.CodeBadKey) {
		t.Fatalf("expected BAD_KEY, got %v", err)
	}
}

func TestAdapterCustomErrorMapWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"error": "NO_NUMBERS"}`))
	}))
	defer srv.Close()

	p := jsonAPIProvider(srv.URL)
	p.ErrorMap = map[string]string{"NO_NUMBERS": string(errors.CodeNumberUnavailable)}
	a, err := NewAdapter(p, []string{"k1"}, NewClient(srv.Client(), nil), nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	_, err = a.GetNumber(context.Background(), "us", "tg", "")
	if !errors.IsCode(err, errors.CodeNumberUnavailable) {
		t.Fatalf("expected custom translation, got %v", err)
	}
}

func TestAdapterBreakerFailsFast(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := jsonAPIProvider(srv.URL)
	p.BreakerThreshold = 2
	a, err := NewAdapter(p, []string{"k1"}, NewClient(srv.Client(), nil), nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := a.GetBalance(context.Background()); !errors.IsCode(err, errors.CodeProviderUnavailable) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if !a.BreakerOpen() {
		t.Fatal("breaker should be open after threshold failures")
	}

	_, err = a.GetBalance(context.Background())
	if !errors.IsCode(err, errors.CodeProviderUnavailable) {
		t.Fatalf("fail-fast error: %v", err)
	}
	if n := atomic.LoadInt64(&hits); n != 2 {
		t.Fatalf("open circuit still hit upstream: %d calls", n)
	}
}

func TestAdapterGetNumber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"activation_id": 998877, "phone": "15551230000", "price": 0.42}`))
	}))
	defer srv.Close()

	a, err := NewAdapter(jsonAPIProvider(srv.URL), []string{"k1"}, NewClient(srv.Client(), nil), nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	order, err := a.GetNumber(context.Background(), "us", "tg", "default")
	if err != nil {
		t.Fatalf("get number: %v", err)
	}
	if order.ActivationID != "998877" {
		t.Fatalf("activation id: %s", order.ActivationID)
	}
	if order.PhoneNumber != "+15551230000" {
		t.Fatalf("phone not normalized to E.164: %s", order.PhoneNumber)
	}
	if order.Price != money.MustParse("0.42") {
		t.Fatalf("price: %d", order.Price)
	}
}

func TestAdapterGetStatusWithMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"status": "ok",
			"sms": [
				{"id": "m1", "from": "Telegram", "text": "Your code is 12345", "date": "2026-08-24T10:00:00Z"},
				{"id": "m2", "from": "Telegram", "text": "Your code is 54321", "date": 1756029600}
			]
		}`))
	}))
	defer srv.Close()

	a, err := NewAdapter(jsonAPIProvider(srv.URL), []string{"k1"}, NewClient(srv.Client(), nil), nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	res, err := a.GetStatus(context.Background(), "998877")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if res.Status != StatusReceived {
		t.Fatalf("status: %s", res.Status)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("messages: %d", len(res.Messages))
	}
	if res.Messages[0].ID != "m1" || res.Messages[0].Sender != "Telegram" {
		t.Fatalf("first message: %+v", res.Messages[0])
	}
	if res.Messages[0].ReceivedAt.IsZero() || res.Messages[1].ReceivedAt.IsZero() {
		t.Fatal("timestamps not parsed")
	}
}

func TestAdapterParseWebhook(t *testing.T) {
	p := jsonAPIProvider("https://unused.test")
	p.Mappings[provider.OpParseWebhook] = provider.MappingSpec{
		Type: provider.MapJSONObject,
		Fields: map[string]string{
			"activationId": "activation_id",
			"status":       "status",
			"text":         "sms.text",
		},
	}
	a, err := NewAdapter(p, nil, nil, nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	payload, err := a.ParseWebhook([]byte(`{"activation_id": "a1", "status": "received", "sms": {"text": "code 777"}}`))
	if err != nil {
		t.Fatalf("parse webhook: %v", err)
	}
	if payload.ActivationID != "a1" || payload.Status != StatusReceived {
		t.Fatalf("payload: %+v", payload)
	}
	if len(payload.Messages) != 1 || payload.Messages[0].Text != "code 777" {
		t.Fatalf("messages: %+v", payload.Messages)
	}

	if _, err := a.ParseWebhook([]byte(`{"status": "received"}`)); err == nil {
		t.Fatal("missing activation id must fail")
	}
}

func TestAdapterGetBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"balance": 104.5}`))
	}))
	defer srv.Close()

	a, err := NewAdapter(jsonAPIProvider(srv.URL), []string{"k1"}, NewClient(srv.Client(), nil), nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	got, err := a.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if got != money.MustParse("104.5") {
		t.Fatalf("balance: %d", got)
	}
}
