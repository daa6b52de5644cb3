// Package httpapi exposes the platform's REST surface: auth bootstrap,
// wallet, catalogue search, number lifecycle, inbound provider webhooks
// and the admin provider endpoints.
package httpapi

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	stderrors "errors"

	"github.com/numhive/platform/internal/errors"
)

// errorBody is the wire form of every failed response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Validation("request body malformed: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError renders err through the service taxonomy. Untyped errors and
// raw sql misses are normalized first so internals never reach the wire.
func writeError(w http.ResponseWriter, err error) {
	se := errors.GetServiceError(err)
	switch {
	case se != nil:
	case stderrors.Is(err, sql.ErrNoRows):
		se = errors.NotFound("resource")
	default:
		se = errors.Internal("request failed", err)
	}
	if se.Code == errors.CodeAuthRateLimited || se.Code == errors.CodeProviderRateLimited {
		if w.Header().Get("Retry-After") == "" {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		}
	}
	writeJSON(w, se.HTTPStatus, errorBody{Error: errorDetail{
		Code:    string(se.Code),
		Message: se.Message,
	}})
}

// pageParams reads 1-based ?page and ?limit with the service defaults.
func pageParams(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page <= 0 {
		page = 1
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}
