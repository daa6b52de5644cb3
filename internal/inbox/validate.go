package inbox

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"

	"github.com/numhive/platform/internal/domain/number"
	"github.com/numhive/platform/internal/engine"
)

const (
	maxSenderLen  = 64
	maxContentLen = 1024

	// hashDedupWindow is the span in which identical payloads on the same
	// number count as redeliveries.
	hashDedupWindow = 10 * time.Second

	// futureSlack tolerates minor upstream clock skew.
	futureSlack = 5 * time.Minute
)

// sanitize trims, caps and strips control characters from one field.
func sanitize(s string, max int) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' {
			return -1
		}
		return r
	}, s)
	if len(s) > max {
		s = s[:max]
	}
	return s
}

// ContentHash fingerprints the exact payload for the short dedup window.
func ContentHash(sender, content string) string {
	sum := sha256.Sum256([]byte(sender + "\x00" + content))
	return hex.EncodeToString(sum[:16])
}

// Fingerprint normalizes the content down to lowercase alphanumerics so
// near-identical redeliveries (altered spacing, punctuation) still match.
func Fingerprint(content string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(content) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

// acceptMessages validates, sanitizes and deduplicates upstream messages
// for one number, returning rows ready for insertion. recent is the
// number's stored inbox, used for the content-hash window; rejected
// messages are dropped with a reason in the returned slice.
func acceptMessages(num number.Number, msgs []engine.InboundMessage, recent []number.SmsMessage, now time.Time) (accepted []number.SmsMessage, rejected []string) {
	seenID := make(map[string]bool, len(recent))
	type hashSeen struct{ at time.Time }
	seenHash := make(map[string]hashSeen, len(recent))
	for _, m := range recent {
		seenID[m.ID] = true
		seenHash[m.ContentHash] = hashSeen{at: m.ReceivedAt}
	}

	for _, m := range msgs {
		content := sanitize(m.Text, maxContentLen)
		if content == "" {
			rejected = append(rejected, "empty content")
			continue
		}
		sender := sanitize(m.Sender, maxSenderLen)

		receivedAt := m.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = now
		}
		// Timing anomaly: a message cannot predate the number nor sit far
		// in the future.
		if receivedAt.Before(num.CreatedAt.Add(-time.Minute)) {
			rejected = append(rejected, "timestamp before number creation")
			continue
		}
		if receivedAt.After(now.Add(futureSlack)) {
			rejected = append(rejected, "timestamp in the future")
			continue
		}

		upstreamID := strings.TrimSpace(m.ID)
		if upstreamID == "" {
			// Providers without message ids get a deterministic slot so
			// redelivery of the same payload still collides.
			upstreamID = Fingerprint(content)[:12]
		}
		id := num.ID + "_" + upstreamID
		if seenID[id] {
			rejected = append(rejected, "duplicate message id")
			continue
		}

		hash := ContentHash(sender, content)
		if prev, ok := seenHash[hash]; ok {
			delta := receivedAt.Sub(prev.at)
			if delta < 0 {
				delta = -delta
			}
			if delta <= hashDedupWindow {
				rejected = append(rejected, "duplicate content within window")
				continue
			}
		}

		ext := ExtractCode(num.ServiceCode, content)
		row := number.SmsMessage{
			ID:          id,
			NumberID:    num.ID,
			Sender:      sender,
			Content:     content,
			Code:        ext.Code,
			Confidence:  ext.Confidence,
			ContentHash: hash,
			Fingerprint: Fingerprint(content),
			ReceivedAt:  receivedAt.UTC(),
		}
		accepted = append(accepted, row)
		seenID[id] = true
		seenHash[hash] = hashSeen{at: receivedAt}
	}
	return accepted, rejected
}
