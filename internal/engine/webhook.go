package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/numhive/platform/internal/domain/provider"
)

// WebhookTolerance is the accepted clock drift on signed webhooks.
const WebhookTolerance = 300 * time.Second

// Header names used when a provider's webhook spec does not override them.
const (
	DefaultTimestampHeader = "X-Webhook-Timestamp"
	DefaultSignatureHeader = "X-Webhook-Signature"
)

// WebhookVerification is the outcome of signature validation.
type WebhookVerification struct {
	Valid     bool
	Error     string
	TimeDrift time.Duration
}

// VerifyWebhook checks an inbound provider webhook: optional IP allowlist,
// timestamp drift within tolerance, and a constant-time HMAC-SHA256
// comparison over "timestamp.body".
func VerifyWebhook(spec provider.WebhookSpec, rawBody []byte, headers http.Header, sourceIP string, now time.Time) WebhookVerification {
	if strings.TrimSpace(spec.Secret) == "" {
		return WebhookVerification{Error: "webhook secret not configured"}
	}

	if len(spec.IPAllowlist) > 0 && !ipAllowed(sourceIP, spec.IPAllowlist) {
		return WebhookVerification{Error: "source ip not allowed"}
	}

	tsHeader := spec.TimestampHeader
	if tsHeader == "" {
		tsHeader = DefaultTimestampHeader
	}
	sigHeader := spec.SignatureHeader
	if sigHeader == "" {
		sigHeader = DefaultSignatureHeader
	}

	tsRaw := strings.TrimSpace(headers.Get(tsHeader))
	if tsRaw == "" {
		return WebhookVerification{Error: "missing timestamp header"}
	}
	tsUnix, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return WebhookVerification{Error: "malformed timestamp"}
	}
	drift := now.Sub(time.Unix(tsUnix, 0))
	if drift > WebhookTolerance || drift < -WebhookTolerance {
		return WebhookVerification{Error: "timestamp outside tolerance", TimeDrift: drift}
	}

	sigRaw := strings.TrimSpace(headers.Get(sigHeader))
	if sigRaw == "" {
		return WebhookVerification{Error: "missing signature header"}
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(sigRaw, "sha256="))
	if err != nil {
		return WebhookVerification{Error: "malformed signature", TimeDrift: drift}
	}

	mac := hmac.New(sha256.New, []byte(spec.Secret))
	mac.Write([]byte(tsRaw))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	if !hmac.Equal(provided, expected) {
		return WebhookVerification{Error: "signature mismatch", TimeDrift: drift}
	}
	return WebhookVerification{Valid: true, TimeDrift: drift}
}

// SignWebhook computes the hex signature a sender would attach; used by
// tests and the notification delivery path.
func SignWebhook(secret string, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func ipAllowed(sourceIP string, allowlist []string) bool {
	ip := net.ParseIP(strings.TrimSpace(sourceIP))
	if ip == nil {
		return false
	}
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if allowed := net.ParseIP(entry); allowed != nil && allowed.Equal(ip) {
			return true
		}
	}
	return false
}

// WebhookPayload is a normalized inbound webhook.
type WebhookPayload struct {
	ActivationID string
	Status       string
	Messages     []InboundMessage
}

// IdempotencyKey derives the processing key for a webhook delivery.
func (p WebhookPayload) IdempotencyKey(providerSlug string, ts string) string {
	return fmt.Sprintf("%s:%s:%s", providerSlug, p.ActivationID, ts)
}
