package engine

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/numhive/platform/internal/domain/provider"
)

func signedHeaders(secret string, ts time.Time, body []byte) http.Header {
	h := http.Header{}
	tsRaw := fmt.Sprintf("%d", ts.Unix())
	h.Set("X-Webhook-Timestamp", tsRaw)
	h.Set("X-Webhook-Signature", SignWebhook(secret, tsRaw, body))
	return h
}

func TestVerifyWebhookAccepts(t *testing.T) {
	now := time.Now()
	body := []byte(`{"activation_id": "a1", "status": "received"}`)
	spec := provider.WebhookSpec{Secret: "whsec"}

	v := VerifyWebhook(spec, body, signedHeaders("whsec", now, body), "203.0.113.9", now)
	if !v.Valid {
		t.Fatalf("expected valid, got %q", v.Error)
	}
}

func TestVerifyWebhookAcceptsPrefixedSignature(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)
	spec := provider.WebhookSpec{Secret: "whsec"}

	h := signedHeaders("whsec", now, body)
	h.Set("X-Webhook-Signature", "sha256="+h.Get("X-Webhook-Signature"))
	if v := VerifyWebhook(spec, body, h, "", now); !v.Valid {
		t.Fatalf("sha256= prefix rejected: %q", v.Error)
	}
}

func TestVerifyWebhookRejectsDrift(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)
	spec := provider.WebhookSpec{Secret: "whsec"}

	old := now.Add(-6 * time.Minute)
	v := VerifyWebhook(spec, body, signedHeaders("whsec", old, body), "", now)
	if v.Valid {
		t.Fatal("expected stale timestamp rejection")
	}
	if v.TimeDrift < 5*time.Minute {
		t.Fatalf("drift not reported: %s", v.TimeDrift)
	}

	future := now.Add(6 * time.Minute)
	if v := VerifyWebhook(spec, body, signedHeaders("whsec", future, body), "", now); v.Valid {
		t.Fatal("expected future timestamp rejection")
	}

	edge := now.Add(-4 * time.Minute)
	if v := VerifyWebhook(spec, body, signedHeaders("whsec", edge, body), "", now); !v.Valid {
		t.Fatalf("within tolerance rejected: %q", v.Error)
	}
}

func TestVerifyWebhookRejectsBadSignature(t *testing.T) {
	now := time.Now()
	body := []byte(`{"status": "received"}`)
	spec := provider.WebhookSpec{Secret: "whsec"}

	h := signedHeaders("other-secret", now, body)
	if v := VerifyWebhook(spec, body, h, "", now); v.Valid {
		t.Fatal("wrong secret accepted")
	}

	// Tampered body after signing.
	h = signedHeaders("whsec", now, body)
	if v := VerifyWebhook(spec, []byte(`{"status": "completed"}`), h, "", now); v.Valid {
		t.Fatal("tampered body accepted")
	}
}

func TestVerifyWebhookMissingPieces(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)

	if v := VerifyWebhook(provider.WebhookSpec{}, body, signedHeaders("x", now, body), "", now); v.Valid {
		t.Fatal("missing secret accepted")
	}

	spec := provider.WebhookSpec{Secret: "whsec"}
	if v := VerifyWebhook(spec, body, http.Header{}, "", now); v.Valid {
		t.Fatal("missing headers accepted")
	}

	h := http.Header{}
	h.Set("X-Webhook-Timestamp", "not-a-number")
	h.Set("X-Webhook-Signature", "00")
	if v := VerifyWebhook(spec, body, h, "", now); v.Valid {
		t.Fatal("malformed timestamp accepted")
	}
}

func TestVerifyWebhookIPAllowlist(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)
	spec := provider.WebhookSpec{
		Secret:      "whsec",
		IPAllowlist: []string{"203.0.113.9", "10.1.0.0/16"},
	}
	h := signedHeaders("whsec", now, body)

	if v := VerifyWebhook(spec, body, h, "203.0.113.9", now); !v.Valid {
		t.Fatalf("listed ip rejected: %q", v.Error)
	}
	if v := VerifyWebhook(spec, body, h, "10.1.44.7", now); !v.Valid {
		t.Fatalf("cidr member rejected: %q", v.Error)
	}
	if v := VerifyWebhook(spec, body, h, "198.51.100.4", now); v.Valid {
		t.Fatal("unlisted ip accepted")
	}
	if v := VerifyWebhook(spec, body, h, "", now); v.Valid {
		t.Fatal("missing source ip accepted with allowlist configured")
	}
}

func TestVerifyWebhookCustomHeaders(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)
	spec := provider.WebhookSpec{
		Secret:          "whsec",
		SignatureHeader: "X-Sig",
		TimestampHeader: "X-Ts",
	}

	tsRaw := fmt.Sprintf("%d", now.Unix())
	h := http.Header{}
	h.Set("X-Ts", tsRaw)
	h.Set("X-Sig", SignWebhook("whsec", tsRaw, body))
	if v := VerifyWebhook(spec, body, h, "", now); !v.Valid {
		t.Fatalf("custom headers rejected: %q", v.Error)
	}
}

func TestWebhookIdempotencyKey(t *testing.T) {
	p := WebhookPayload{ActivationID: "12345"}
	if got := p.IdempotencyKey("smsproka", "1700000000"); got != "smsproka:12345:1700000000" {
		t.Fatalf("key: %s", got)
	}
}
