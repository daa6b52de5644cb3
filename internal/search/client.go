package search

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/internal/httputil"
	"github.com/numhive/platform/pkg/logger"
)

const (
	maxResponseBytes  = 8 << 20
	maxErrorBodyBytes = 32 << 10
)

// index settings pushed on startup; the trailing custom rules keep
// in-stock and freshly synced offers ahead of equally relevant matches.
var (
	searchableAttributes = []string{
		"serviceName", "serviceSlug", "countryName", "countryCode", "provider", "displayName",
	}
	filterableAttributes = []string{
		"serviceSlug", "serviceName", "countryCode", "countryName", "provider",
		"operatorId", "price", "stock", "lastSyncedAt",
	}
	sortableAttributes = []string{"price", "stock", "lastSyncedAt", "serviceName", "countryName"}
	rankingRules       = []string{
		"words", "typo", "proximity", "attribute", "sort", "exactness",
		"stock:desc", "lastSyncedAt:desc",
	}
)

// Client talks to the search engine's REST API for one index.
type Client struct {
	host       string
	apiKey     string
	index      string
	httpClient *http.Client
	log        *logger.Logger
}

// NewClient creates the index client. A client with no host is disabled:
// every call fails fast and callers fall back to the relational store.
func NewClient(cfg config.SearchConfig, httpClient *http.Client, log *logger.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("search")
	}
	index := cfg.IndexName
	if index == "" {
		index = "offers"
	}
	return &Client{
		host:       strings.TrimRight(cfg.Host, "/"),
		apiKey:     cfg.APIKey,
		index:      index,
		httpClient: httpClient,
		log:        log,
	}
}

// Enabled reports whether a search host is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.host != ""
}

type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("search API error %d: %s", e.status, e.msg)
}

// request makes one REST call; statuses >= 400 are returned as *apiError.
func (c *Client) request(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("search is not configured")
	}

	var reqBody *bytes.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &apiError{status: resp.StatusCode, msg: httputil.ErrorText(resp.Body, maxErrorBodyBytes)}
	}
	return httputil.ReadAllStrict(resp.Body, maxResponseBytes)
}

// Health checks the engine is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.request(ctx, http.MethodGet, "/health", nil)
	return err
}

// EnsureIndex creates the index if missing and pushes the full settings
// block, including the alias table's synonyms and stop words.
func (c *Client) EnsureIndex(ctx context.Context, synonyms map[string][]string, stopWords []string) error {
	_, err := c.request(ctx, http.MethodGet, "/indexes/"+c.index, nil)
	if err != nil {
		var ae *apiError
		if !stderrors.As(err, &ae) || ae.status != http.StatusNotFound {
			return err
		}
		_, err = c.request(ctx, http.MethodPost, "/indexes", map[string]string{
			"uid":        c.index,
			"primaryKey": "id",
		})
		if err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	settings := map[string]interface{}{
		"searchableAttributes": searchableAttributes,
		"filterableAttributes": filterableAttributes,
		"sortableAttributes":   sortableAttributes,
		"rankingRules":         rankingRules,
	}
	if len(synonyms) > 0 {
		settings["synonyms"] = synonyms
	}
	if len(stopWords) > 0 {
		settings["stopWords"] = stopWords
	}
	if _, err := c.request(ctx, http.MethodPatch, "/indexes/"+c.index+"/settings", settings); err != nil {
		return fmt.Errorf("push settings: %w", err)
	}
	return nil
}

// PushDocuments upserts one batch of documents by primary key.
func (c *Client) PushDocuments(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := c.request(ctx, http.MethodPut, "/indexes/"+c.index+"/documents", docs)
	return err
}

// DeleteDocuments removes documents by id.
func (c *Client) DeleteDocuments(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.request(ctx, http.MethodPost, "/indexes/"+c.index+"/documents/delete-batch", ids)
	return err
}

// DeleteStale removes a provider's documents last synced before the cutoff,
// mirroring the relational purge after each catalogue pass.
func (c *Client) DeleteStale(ctx context.Context, providerSlug string, syncedBefore int64) error {
	filter := fmt.Sprintf("provider = %q AND lastSyncedAt < %d", providerSlug, syncedBefore)
	_, err := c.request(ctx, http.MethodPost, "/indexes/"+c.index+"/documents/delete", map[string]string{
		"filter": filter,
	})
	return err
}

// Query is one search request against the offer index.
type Query struct {
	Query  string   `json:"q"`
	Filter string   `json:"filter,omitempty"`
	Sort   []string `json:"sort,omitempty"`
	Limit  int      `json:"limit,omitempty"`
	Offset int      `json:"offset,omitempty"`
}

// Result is the engine's response page.
type Result struct {
	Hits               []Document `json:"hits"`
	EstimatedTotalHits int64      `json:"estimatedTotalHits"`
	ProcessingTimeMs   int64      `json:"processingTimeMs"`
	Query              string     `json:"query"`
}

// Search runs one query against the offer index.
func (c *Client) Search(ctx context.Context, q Query) (*Result, error) {
	body, err := c.request(ctx, http.MethodPost, "/indexes/"+c.index+"/search", q)
	if err != nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return &res, nil
}
