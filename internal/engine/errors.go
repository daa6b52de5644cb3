package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/numhive/platform/internal/errors"
)

// UpstreamError is a textual error literal returned by a provider inside
// an otherwise successful response.
type UpstreamError struct {
	Literal string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error literal %q", e.Literal)
}

// builtinLiterals translates the error vocabulary shared by most
// SMS-activation APIs. Provider configs may extend or override it.
var builtinLiterals = map[string]errors.Code{
	"NO_NUMBERS":     errors.CodeOutOfStock,
	"NO_NUMBER":      errors.CodeOutOfStock,
	"OUT_OF_STOCK":   errors.CodeOutOfStock,
	"BAD_SERVICE":    errors.CodeBadService,
	"WRONG_SERVICE":  errors.CodeBadService,
	"BAD_KEY":        errors.CodeBadKey,
	"ERROR_API_KEY":  errors.CodeBadKey,
	"INVALID_KEY":    errors.CodeBadKey,
	"NO_BALANCE":     errors.CodeProviderUnavailable,
	"LOW_BALANCE":    errors.CodeProviderUnavailable,
	"BANNED":         errors.CodeProviderUnavailable,
	"NO_ACTIVATION":  errors.CodeNumberUnavailable,
	"WRONG_ID":       errors.CodeNumberUnavailable,
	"BAD_ACTION":     errors.CodeProviderBadResponse,
	"ERROR_SQL":      errors.CodeProviderBadResponse,
	"WRONG_OPERATOR": errors.CodeBadService,
}

// translateLiteral maps an upstream error literal to a taxonomy error.
// Custom provider mappings win over the builtin vocabulary.
func translateLiteral(providerSlug, literal string, custom map[string]string) error {
	key := strings.ToUpper(strings.TrimSpace(literal))
	if i := strings.IndexByte(key, ':'); i >= 0 {
		key = key[:i]
	}

	if custom != nil {
		if mapped, ok := custom[key]; ok {
			return errors.New(errors.Code(mapped), "Provider reported "+key, nil).
				WithDetails("provider", providerSlug)
		}
	}
	if code, ok := builtinLiterals[key]; ok {
		return errors.New(code, "Provider reported "+key, nil).
			WithDetails("provider", providerSlug)
	}
	return errors.ProviderBadResponse(providerSlug, &UpstreamError{Literal: literal})
}

// looksLikeErrorLiteral detects bare protocol error strings in text
// responses.
func looksLikeErrorLiteral(body string, custom map[string]string) (string, bool) {
	s := strings.TrimSpace(body)
	if s == "" || len(s) > 120 {
		return "", false
	}
	key := s
	if i := strings.IndexByte(key, ':'); i >= 0 {
		key = key[:i]
	}
	key = strings.ToUpper(key)
	if _, ok := builtinLiterals[key]; ok {
		return s, true
	}
	if custom != nil {
		if _, ok := custom[key]; ok {
			return s, true
		}
	}
	return "", false
}

// retryHintRe extracts the cooldown from "retry in Ns" rate-limit bodies.
var retryHintRe = regexp.MustCompile(`(?i)retry\s+in\s+(\d+)\s*s`)

// parseRetryHint returns the advertised cooldown seconds, or 0.
func parseRetryHint(body string) int {
	m := retryHintRe.FindStringSubmatch(body)
	if len(m) != 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 0 {
		return 0
	}
	return n
}
