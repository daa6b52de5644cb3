package httpapi

import (
	"net/http"
	"testing"

	"github.com/tidwall/gjson"
)

func TestWebhookEndpointLifecycle(t *testing.T) {
	h := newHarness(t)
	token, _ := h.register(t, "subscriber@example.com", "password1")

	rec := h.do(t, http.MethodPost, "/webhook-endpoints", token, map[string]interface{}{
		"url":        "https://consumer.example.com/hooks/sms",
		"eventTypes": []string{"sms.received", "number.updated"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.Bytes()
	endpointID := gjson.GetBytes(body, "endpoint.id").String()
	if endpointID == "" {
		t.Fatal("created endpoint has no id")
	}
	secret := gjson.GetBytes(body, "secret").String()
	if len(secret) != 32 {
		t.Fatalf("generated secret = %q, want 16 random bytes hex encoded", secret)
	}
	if !gjson.GetBytes(body, "endpoint.active").Bool() {
		t.Fatal("created endpoint not active")
	}

	// The secret is delivered once at creation and never listed again.
	rec = h.do(t, http.MethodGet, "/webhook-endpoints", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	body = rec.Body.Bytes()
	if total := gjson.GetBytes(body, "total").Int(); total != 1 {
		t.Fatalf("total = %d", total)
	}
	if gjson.GetBytes(body, "endpoints.0.secret").Exists() {
		t.Fatal("list response leaks the signing secret")
	}
	if got := gjson.GetBytes(body, "endpoints.0.url").String(); got != "https://consumer.example.com/hooks/sms" {
		t.Fatalf("url = %s", got)
	}

	rec = h.do(t, http.MethodDelete, "/webhook-endpoints/"+endpointID, token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	rec = h.do(t, http.MethodGet, "/webhook-endpoints", token, nil)
	if total := gjson.GetBytes(rec.Body.Bytes(), "total").Int(); total != 0 {
		t.Fatalf("total after delete = %d", total)
	}
}

func TestWebhookEndpointKeepsProvidedSecret(t *testing.T) {
	h := newHarness(t)
	token, _ := h.register(t, "subscriber@example.com", "password1")

	rec := h.do(t, http.MethodPost, "/webhook-endpoints", token, map[string]interface{}{
		"url":    "https://consumer.example.com/hooks",
		"secret": "shared-with-consumer",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	if got := gjson.GetBytes(rec.Body.Bytes(), "secret").String(); got != "shared-with-consumer" {
		t.Fatalf("secret = %s", got)
	}
}

func TestWebhookEndpointValidation(t *testing.T) {
	h := newHarness(t)
	token, _ := h.register(t, "subscriber@example.com", "password1")

	for _, url := range []string{"", "not a url", "ftp://files.example.com", "/relative/path"} {
		rec := h.do(t, http.MethodPost, "/webhook-endpoints", token, map[string]interface{}{"url": url})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("url %q: %d", url, rec.Code)
		}
	}

	rec := h.do(t, http.MethodPost, "/webhook-endpoints", token, map[string]interface{}{
		"url":        "https://consumer.example.com/hooks",
		"eventTypes": []string{"sms.received", "made.up"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown event type: %d %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookEndpointIsolation(t *testing.T) {
	h := newHarness(t)
	owner, _ := h.register(t, "owner@example.com", "password1")
	intruder, _ := h.register(t, "intruder@example.com", "password1")

	rec := h.do(t, http.MethodPost, "/webhook-endpoints", owner, map[string]interface{}{
		"url": "https://consumer.example.com/hooks",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}
	endpointID := gjson.GetBytes(rec.Body.Bytes(), "endpoint.id").String()

	rec = h.do(t, http.MethodDelete, "/webhook-endpoints/"+endpointID, intruder, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-user delete: %d", rec.Code)
	}
	rec = h.do(t, http.MethodGet, "/webhook-endpoints", intruder, nil)
	if total := gjson.GetBytes(rec.Body.Bytes(), "total").Int(); total != 0 {
		t.Fatalf("intruder sees %d endpoints", total)
	}
}
