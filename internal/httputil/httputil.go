// Package httputil provides bounded response reading and JSON decoding
// shared by the outbound HTTP clients.
package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ReadAllWithLimit reads at most limit bytes and reports whether the body
// was cut short.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > limit {
		return body[:limit], true, nil
	}
	return body, false, nil
}

// ReadAllStrict reads the whole body and fails if it exceeds limit bytes.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	body, truncated, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return body, nil
}

// ErrorText extracts a short diagnostic string from an error response body.
func ErrorText(r io.Reader, limit int64) string {
	body, truncated, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return "unreadable error body"
	}
	msg := strings.TrimSpace(string(body))
	if truncated {
		msg += "...(truncated)"
	}
	return msg
}

// DecodeJSON consumes a response: non-2xx statuses become errors carrying
// the status and a bounded slice of the body, otherwise the body is
// unmarshalled into target (which may be nil to discard).
func DecodeJSON(resp *http.Response, target interface{}, limit int64) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, ErrorText(resp.Body, 32<<10))
	}
	if target == nil {
		_, err := io.Copy(io.Discard, io.LimitReader(resp.Body, limit))
		return err
	}
	body, err := ReadAllStrict(resp.Body, limit)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
