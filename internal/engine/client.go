package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/numhive/platform/internal/domain/provider"
	"github.com/numhive/platform/internal/errors"
	"github.com/numhive/platform/pkg/logger"
)

// maxResponseBytes caps how much of an upstream response is read.
const maxResponseBytes = 4 << 20

// DefaultCallTimeout bounds upstream calls without a caller deadline.
const DefaultCallTimeout = 10 * time.Second

// Client executes resolved provider requests and translates transport and
// protocol failures into the platform taxonomy.
type Client struct {
	http *http.Client
	log  *logger.Logger
}

// NewClient wraps an HTTP client; nil selects sane defaults.
func NewClient(httpClient *http.Client, log *logger.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultCallTimeout}
	}
	if log == nil {
		log = logger.NewDefault("engine-client")
	}
	return &Client{http: httpClient, log: log}
}

// callResult is a raw upstream response after taxonomy checks.
type callResult struct {
	body       []byte
	statusCode int
	isJSON     bool
	// retryAfter carries the upstream cooldown on rate-limit responses.
	retryAfter time.Duration
}

// execute performs one resolved request. Rate-limit responses return a
// *rateLimitedError so the adapter can rotate credentials.
func (c *Client) execute(ctx context.Context, p *provider.Provider, req *ResolvedRequest) (*callResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if req.Body != "" {
		bodyReader = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	for name, v := range req.Headers {
		httpReq.Header.Set(name, v)
	}
	if req.Body != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.classifyTransportError(p.Slug, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.ProviderUnavailable(p.Slug, fmt.Errorf("read response: %w", err))
	}

	result := &callResult{
		body:       body,
		statusCode: resp.StatusCode,
		isJSON:     strings.Contains(resp.Header.Get("Content-Type"), "json"),
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		result.retryAfter = retryAfterOf(resp, body)
		return result, &rateLimitedError{provider: p.Slug, retryAfter: result.retryAfter}
	case resp.StatusCode >= 500:
		return nil, errors.ProviderUnavailable(p.Slug, fmt.Errorf("upstream status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		if literal, ok := looksLikeErrorLiteral(string(body), p.ErrorMap); ok {
			return nil, translateLiteral(p.Slug, literal, p.ErrorMap)
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, errors.BadKey(p.Slug)
		}
		return nil, errors.ProviderBadResponse(p.Slug, fmt.Errorf("upstream status %d", resp.StatusCode))
	}

	// Some providers speak errors through 200 bodies.
	if !result.isJSON {
		if literal, ok := looksLikeErrorLiteral(string(body), p.ErrorMap); ok {
			return nil, translateLiteral(p.Slug, literal, p.ErrorMap)
		}
	}
	return result, nil
}

func (c *Client) classifyTransportError(slug string, err error) error {
	var uerr *url.Error
	if stderrors.As(err, &uerr) && uerr.Timeout() {
		return errors.ProviderTimeout(slug, err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.ProviderTimeout(slug, err)
	}
	return errors.ProviderUnavailable(slug, err)
}

// rateLimitedError is internal to the adapter's rotation loop.
type rateLimitedError struct {
	provider   string
	retryAfter time.Duration
}

func (e *rateLimitedError) Error() string {
	return fmt.Sprintf("provider %s rate limited, retry in %s", e.provider, e.retryAfter)
}

// retryAfterOf prefers the Retry-After header, then the textual
// "retry in Ns" hint, then a conservative default.
func retryAfterOf(resp *http.Response, body []byte) time.Duration {
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if secs := parseRetryHint(string(body)); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 30 * time.Second
}
