package inbox

import (
	"regexp"
	"strings"
)

// Extraction is the outcome of scanning one message for a verification
// code. Confidence is 0 when no code was found.
type Extraction struct {
	Code       string
	Confidence float64
}

// servicePatterns carries per-service extraction rules tried before the
// generic ones. Patterns must expose the code as group 1.
var servicePatterns = map[string]*regexp.Regexp{
	"telegram":  regexp.MustCompile(`(?i)telegram code:?\s*(\d{5,6})`),
	"whatsapp":  regexp.MustCompile(`(?i)whatsapp code:?\s*(\d{3}-?\d{3})`),
	"google":    regexp.MustCompile(`(?i)\bG-(\d{6})\b`),
	"facebook":  regexp.MustCompile(`(?i)\b(\d{5,8})\s+is your facebook`),
	"instagram": regexp.MustCompile(`(?i)\b(\d{6})\s+is your instagram`),
	"discord":   regexp.MustCompile(`(?i)discord\D{0,30}?(\d{6})`),
	"uber":      regexp.MustCompile(`(?i)uber code:?\s*(\d{4})`),
	"tiktok":    regexp.MustCompile(`(?i)\[tiktok\]\s*(\d{4,6})`),
}

// keywordPattern matches digits that follow a verification keyword with
// at most a few characters in between.
var keywordPattern = regexp.MustCompile(`(?i)\b(?:code|otp|pin|password|passcode|verification)\b\D{0,12}?(\d{4,8})\b`)

// hyphenPattern matches the NNN-NNN code style some senders use.
var hyphenPattern = regexp.MustCompile(`\b(\d{3})-(\d{3})\b`)

// fallbackPattern is the last-resort bare digit run.
var fallbackPattern = regexp.MustCompile(`\b\d{4,8}\b`)

// ExtractCode scans content for a verification code, trying the
// service-specific pattern first, then keyword proximity, then generic
// digit runs. serviceSlug selects the specific pattern; unknown slugs
// skip straight to the generic rules.
func ExtractCode(serviceSlug, content string) Extraction {
	if strings.TrimSpace(content) == "" {
		return Extraction{}
	}

	if re, ok := servicePatterns[strings.ToLower(serviceSlug)]; ok {
		if m := re.FindStringSubmatch(content); len(m) >= 2 {
			return Extraction{Code: stripSeparators(m[1]), Confidence: 0.95}
		}
	}

	if m := keywordPattern.FindStringSubmatch(content); len(m) >= 2 {
		return Extraction{Code: m[1], Confidence: 0.85}
	}

	if m := hyphenPattern.FindStringSubmatch(content); len(m) >= 3 {
		return Extraction{Code: m[1] + m[2], Confidence: 0.7}
	}

	if code := fallbackPattern.FindString(content); code != "" {
		return Extraction{Code: code, Confidence: 0.6}
	}
	return Extraction{}
}

func stripSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
