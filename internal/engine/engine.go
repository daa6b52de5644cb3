package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/numhive/platform/internal/domain/offer"
	"github.com/numhive/platform/internal/domain/provider"
	"github.com/numhive/platform/internal/errors"
	"github.com/numhive/platform/internal/money"
	"github.com/numhive/platform/pkg/logger"
)

// Cache lifetimes per spec'd concern.
const (
	priceCacheTTL    = 60 * time.Second
	metadataCacheTTL = 24 * time.Hour
)

// Canonical upstream activation statuses.
const (
	StatusPending   = "pending"
	StatusReceived  = "received"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusUnknown   = "unknown"
)

// CountryRow is a normalized upstream country.
type CountryRow struct {
	ExternalID string
	Code       string
	Name       string
	FlagURL    string
}

// ServiceRow is a normalized upstream service.
type ServiceRow struct {
	ExternalID string
	Code       string
	Name       string
	IconURL    string
}

// NumberOrder is the result of a successful number acquisition.
type NumberOrder struct {
	ActivationID string
	PhoneNumber  string
	Price        money.Amount
}

// InboundMessage is one upstream SMS.
type InboundMessage struct {
	ID         string
	Sender     string
	Text       string
	ReceivedAt time.Time
}

// StatusResult is the outcome of a status poll.
type StatusResult struct {
	Status   string
	Messages []InboundMessage
}

// Adapter services one provider through its declarative configuration.
// It owns the provider's credential rotation, circuit breaker and caches;
// construct one Adapter per provider and share it between callers.
type Adapter struct {
	p           *provider.Provider
	client      *Client
	mappings    map[provider.Operation]*Mapping
	msgMappings map[provider.Operation]*Mapping
	creds       *credentialRing
	breaker     *Breaker
	prices      *swrCache
	meta        *swrCache
	script      *ScriptAdapter
	log         *logger.Logger

	statusTimeout time.Duration
}

// NewAdapter compiles the provider's mappings and script once. keys is the
// decrypted credential rotation list.
func NewAdapter(p *provider.Provider, keys []string, client *Client, log *logger.Logger) (*Adapter, error) {
	if p == nil {
		return nil, fmt.Errorf("engine: nil provider")
	}
	if client == nil {
		client = NewClient(nil, nil)
	}
	if log == nil {
		log = logger.NewDefault("engine")
	}
	log = log.WithField("provider", p.Slug)

	a := &Adapter{
		p:             p,
		client:        client,
		mappings:      make(map[provider.Operation]*Mapping, len(p.Mappings)),
		msgMappings:   make(map[provider.Operation]*Mapping),
		creds:         newCredentialRing(keys),
		breaker:       NewBreaker(p.BreakerThreshold),
		prices:        newSWRCache(priceCacheTTL),
		meta:          newSWRCache(metadataCacheTTL),
		log:           log,
		statusTimeout: 15 * time.Second,
	}

	for op, spec := range p.Mappings {
		m, err := CompileMapping(spec)
		if err != nil {
			return nil, fmt.Errorf("engine: provider %s op %s: %w", p.Slug, op, err)
		}
		a.mappings[op] = m
		if spec.Messages != nil {
			mm, err := CompileMapping(*spec.Messages)
			if err != nil {
				return nil, fmt.Errorf("engine: provider %s op %s messages: %w", p.Slug, op, err)
			}
			a.msgMappings[op] = mm
		}
	}

	if p.MetadataMode == provider.MetadataLegacy {
		script, err := NewScriptAdapter(p.LegacyScript, log)
		if err != nil {
			return nil, err
		}
		a.script = script
	}
	return a, nil
}

// Provider returns the adapter's configuration.
func (a *Adapter) Provider() *provider.Provider { return a.p }

// BreakerOpen reports whether calls currently fail fast.
func (a *Adapter) BreakerOpen() bool { return a.breaker.Open() }

// call resolves, executes and maps one operation, rotating credentials on
// upstream rate limits and keeping the circuit breaker honest.
func (a *Adapter) call(ctx context.Context, op provider.Operation, args map[string]string) ([]Row, error) {
	rows, _, err := a.callRaw(ctx, op, args)
	return rows, err
}

// callRaw is call, additionally exposing the raw body so sub-mappings can
// re-read it.
func (a *Adapter) callRaw(ctx context.Context, op provider.Operation, args map[string]string) ([]Row, []byte, error) {
	if err := a.breaker.Allow(); err != nil {
		return nil, nil, errors.ProviderUnavailable(a.p.Slug, err).WithDetails("breaker", "open")
	}

	endpoint, ok := a.p.Endpoints[op]
	if !ok {
		return nil, nil, errors.ProviderBadResponse(a.p.Slug, fmt.Errorf("operation %s not configured", op))
	}
	mapping, ok := a.mappings[op]
	if !ok {
		return nil, nil, errors.ProviderBadResponse(a.p.Slug, fmt.Errorf("operation %s has no mapping", op))
	}

	attempts := 1
	if a.p.AuthType != provider.AuthNone && !a.creds.Empty() {
		attempts = a.creds.Size()
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		credential := ""
		if a.p.AuthType != provider.AuthNone {
			key, wait, err := a.creds.Acquire()
			if err != nil {
				return nil, nil, errors.BadKey(a.p.Slug).WithDetails("reason", err.Error())
			}
			if wait > 0 {
				return nil, nil, errors.ProviderRateLimited(a.p.Slug, int(wait/time.Second))
			}
			credential = key
		}

		req, err := ResolveEndpoint(a.p, endpoint, args, credential)
		if err != nil {
			return nil, nil, errors.ProviderBadResponse(a.p.Slug, err)
		}

		result, err := a.client.execute(ctx, a.p, req)
		if err != nil {
			var limited *rateLimitedError
			if stderrors.As(err, &limited) {
				a.creds.CoolDown(credential, limited.retryAfter)
				lastErr = errors.ProviderRateLimited(a.p.Slug, int(limited.retryAfter/time.Second))
				continue
			}
			a.recordOutcome(err)
			return nil, nil, err
		}

		rows, err := mapping.Eval(result.body)
		if err != nil {
			var upstream *UpstreamError
			if stderrors.As(err, &upstream) {
				a.breaker.Success()
				return nil, nil, translateLiteral(a.p.Slug, upstream.Literal, a.p.ErrorMap)
			}
			a.recordOutcome(err)
			return nil, nil, errors.ProviderBadResponse(a.p.Slug, err)
		}

		a.breaker.Success()
		return rows, result.body, nil
	}

	if lastErr == nil {
		lastErr = errors.ProviderRateLimited(a.p.Slug, 30)
	}
	return nil, nil, lastErr
}

// recordOutcome feeds only availability failures to the breaker; protocol
// errors like OUT_OF_STOCK are healthy calls.
func (a *Adapter) recordOutcome(err error) {
	se := errors.GetServiceError(err)
	if se == nil {
		a.breaker.Failure()
		return
	}
	switch se.Code {
	case errors.CodeProviderUnavailable, errors.CodeProviderTimeout, errors.CodeProviderBadResponse:
		a.breaker.Failure()
	default:
	}
}

// GetCountries returns the provider's country list, cached for 24 h with
// stale-while-revalidate.
func (a *Adapter) GetCountries(ctx context.Context) ([]CountryRow, error) {
	const key = "countries"
	if v, ok, refresh := a.meta.Get(key); ok {
		if refresh {
			go a.revalidateCountries()
		}
		return v.([]CountryRow), nil
	}
	rows, err := a.fetchCountries(ctx)
	if err != nil {
		return nil, err
	}
	a.meta.Put(key, rows)
	return rows, nil
}

func (a *Adapter) revalidateCountries() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultCallTimeout)
	defer cancel()
	rows, err := a.fetchCountries(ctx)
	if err != nil {
		a.meta.Release("countries")
		a.log.WithError(err).Debug("country revalidation failed")
		return
	}
	a.meta.Put("countries", rows)
}

func (a *Adapter) fetchCountries(ctx context.Context) ([]CountryRow, error) {
	var raw []Row
	var err error
	if a.script != nil {
		raw, err = a.script.Countries(ctx)
	} else {
		raw, err = a.call(ctx, provider.OpGetCountries, nil)
	}
	if err != nil {
		return nil, err
	}

	out := make([]CountryRow, 0, len(raw))
	for _, row := range raw {
		c := CountryRow{
			ExternalID: firstStr(row, "externalId", "id", "code"),
			Code:       strings.ToLower(firstStr(row, "code", "id")),
			Name:       firstStr(row, "name", "country"),
			FlagURL:    row.Str("flag"),
		}
		if c.Code == "" {
			continue
		}
		if c.Name == "" {
			c.Name = c.Code
		}
		out = append(out, c)
	}
	return out, nil
}

// GetServices returns the provider's service list for an optional country,
// cached for 24 h.
func (a *Adapter) GetServices(ctx context.Context, country string) ([]ServiceRow, error) {
	key := "services:" + country
	if v, ok, refresh := a.meta.Get(key); ok {
		if refresh {
			go a.revalidateServices(country)
		}
		return v.([]ServiceRow), nil
	}
	rows, err := a.fetchServices(ctx, country)
	if err != nil {
		return nil, err
	}
	a.meta.Put(key, rows)
	return rows, nil
}

func (a *Adapter) revalidateServices(country string) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultCallTimeout)
	defer cancel()
	rows, err := a.fetchServices(ctx, country)
	if err != nil {
		a.meta.Release("services:" + country)
		a.log.WithError(err).Debug("service revalidation failed")
		return
	}
	a.meta.Put("services:"+country, rows)
}

func (a *Adapter) fetchServices(ctx context.Context, country string) ([]ServiceRow, error) {
	var raw []Row
	var err error
	if a.script != nil {
		raw, err = a.script.Services(ctx, country)
	} else {
		args := map[string]string{}
		if country != "" {
			args["country"] = country
		}
		raw, err = a.call(ctx, provider.OpGetServices, args)
	}
	if err != nil {
		return nil, err
	}

	out := make([]ServiceRow, 0, len(raw))
	for _, row := range raw {
		s := ServiceRow{
			ExternalID: firstStr(row, "externalId", "id", "code"),
			Code:       strings.ToLower(firstStr(row, "code", "id", "slug")),
			Name:       firstStr(row, "name", "service"),
			IconURL:    row.Str("icon"),
		}
		if s.Code == "" {
			continue
		}
		if s.Name == "" {
			s.Name = s.Code
		}
		out = append(out, s)
	}
	return out, nil
}

// GetPrices returns normalized price rows for a country (and optional
// service), cached 60 s with stale-while-revalidate.
func (a *Adapter) GetPrices(ctx context.Context, country, service string) ([]offer.PriceRow, error) {
	key := "prices:" + country + ":" + service
	if v, ok, refresh := a.prices.Get(key); ok {
		if refresh {
			go a.revalidatePrices(country, service)
		}
		return v.([]offer.PriceRow), nil
	}
	rows, err := a.fetchPrices(ctx, country, service)
	if err != nil {
		return nil, err
	}
	a.prices.Put(key, rows)
	return rows, nil
}

func (a *Adapter) revalidatePrices(country, service string) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultCallTimeout)
	defer cancel()
	key := "prices:" + country + ":" + service
	rows, err := a.fetchPrices(ctx, country, service)
	if err != nil {
		a.prices.Release(key)
		a.log.WithError(err).Debug("price revalidation failed")
		return
	}
	a.prices.Put(key, rows)
}

func (a *Adapter) fetchPrices(ctx context.Context, country, service string) ([]offer.PriceRow, error) {
	args := map[string]string{}
	if country != "" {
		args["country"] = country
	}
	if service != "" {
		args["service"] = service
	}
	raw, err := a.call(ctx, provider.OpGetPrices, args)
	if err != nil {
		return nil, err
	}

	out := make([]offer.PriceRow, 0, len(raw))
	for _, row := range raw {
		costVal, ok := row.Get("cost")
		if !ok {
			if costVal, ok = row.Get("price"); !ok {
				continue
			}
		}
		cost, err := money.Parse(costVal.Str)
		if err != nil || cost.IsNegative() {
			continue
		}

		count := 0
		if v, ok := row.Get("count"); ok {
			if n, err := v.Int(); err == nil {
				count = int(n)
			}
		}

		pr := offer.PriceRow{
			Country:  strings.ToLower(firstStr(row, "country")),
			Service:  strings.ToLower(firstStr(row, "service")),
			Operator: strings.ToLower(row.Str("operator")),
			Cost:     cost,
			Count:    count,
		}
		if pr.Country == "" {
			pr.Country = strings.ToLower(country)
		}
		if pr.Service == "" {
			pr.Service = strings.ToLower(service)
		}
		if pr.Operator == "" {
			pr.Operator = "default"
		}
		if pr.Country == "" || pr.Service == "" {
			continue
		}
		out = append(out, pr)
	}
	return out, nil
}

// GetNumber acquires a number for (country, service, operator).
func (a *Adapter) GetNumber(ctx context.Context, country, service, operator string) (*NumberOrder, error) {
	args := map[string]string{"country": country, "service": service}
	if operator != "" && operator != "default" {
		args["operator"] = operator
	} else {
		args["operator"] = ""
	}

	raw, err := a.call(ctx, provider.OpGetNumber, args)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.ProviderBadResponse(a.p.Slug, fmt.Errorf("empty getNumber response"))
	}
	row := raw[0]

	order := &NumberOrder{
		ActivationID: firstStr(row, "activationId", "id"),
		PhoneNumber:  firstStr(row, "phoneNumber", "number", "phone"),
	}
	if order.ActivationID == "" || order.PhoneNumber == "" {
		return nil, errors.ProviderBadResponse(a.p.Slug, fmt.Errorf("getNumber response missing activation id or number"))
	}
	if v, ok := row.Get("price"); ok {
		if p, err := money.Parse(v.Str); err == nil {
			order.Price = p
		}
	}
	if !strings.HasPrefix(order.PhoneNumber, "+") {
		order.PhoneNumber = "+" + order.PhoneNumber
	}
	return order, nil
}

// GetStatus polls the upstream state of an activation with a 15 s bound.
func (a *Adapter) GetStatus(ctx context.Context, activationID string) (*StatusResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.statusTimeout)
	defer cancel()

	args := map[string]string{"activationId": activationID, "id": activationID}
	raw, body, err := a.callRaw(ctx, provider.OpGetStatus, args)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.ProviderBadResponse(a.p.Slug, fmt.Errorf("empty getStatus response"))
	}
	row := raw[0]

	result := &StatusResult{Status: normalizeStatus(row.Str("status"))}

	if mm, ok := a.msgMappings[provider.OpGetStatus]; ok {
		msgRows, err := mm.Eval(body)
		if err == nil {
			result.Messages = messagesFromRows(msgRows)
		} else {
			a.log.WithError(err).Debug("message sub-mapping failed")
		}
	} else {
		result.Messages = messagesFromRows(raw)
	}

	// Text protocols deliver a single code inline.
	if len(result.Messages) == 0 {
		if code := row.Str("code"); code != "" {
			result.Messages = append(result.Messages, InboundMessage{
				Sender:     a.p.Slug,
				Text:       code,
				ReceivedAt: time.Now().UTC(),
			})
		}
	}
	return result, nil
}

// SetStatus pushes the next upstream state for an activation.
func (a *Adapter) SetStatus(ctx context.Context, activationID, status string) error {
	args := map[string]string{"activationId": activationID, "id": activationID, "status": status}
	_, err := a.call(ctx, provider.OpSetStatus, args)
	return err
}

// CancelNumber cancels an activation upstream.
func (a *Adapter) CancelNumber(ctx context.Context, activationID string) error {
	args := map[string]string{"activationId": activationID, "id": activationID}
	_, err := a.call(ctx, provider.OpCancelNumber, args)
	return err
}

// GetBalance fetches the provider account balance.
func (a *Adapter) GetBalance(ctx context.Context) (money.Amount, error) {
	raw, err := a.call(ctx, provider.OpGetBalance, nil)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, errors.ProviderBadResponse(a.p.Slug, fmt.Errorf("empty balance response"))
	}
	v, ok := raw[0].Get("balance")
	if !ok {
		if v, ok = raw[0].Get("value"); !ok {
			return 0, errors.ProviderBadResponse(a.p.Slug, fmt.Errorf("balance response missing value"))
		}
	}
	amount, err := money.Parse(v.Str)
	if err != nil {
		return 0, errors.ProviderBadResponse(a.p.Slug, fmt.Errorf("parse balance: %w", err))
	}
	return amount, nil
}

// ParseWebhook normalizes a raw webhook body through the provider's
// parseWebhook mapping.
func (a *Adapter) ParseWebhook(raw []byte) (*WebhookPayload, error) {
	mapping, ok := a.mappings[provider.OpParseWebhook]
	if !ok {
		return nil, errors.ProviderBadResponse(a.p.Slug, fmt.Errorf("webhook mapping not configured"))
	}
	rows, err := mapping.Eval(raw)
	if err != nil {
		var upstream *UpstreamError
		if stderrors.As(err, &upstream) {
			return nil, translateLiteral(a.p.Slug, upstream.Literal, a.p.ErrorMap)
		}
		return nil, errors.ProviderBadResponse(a.p.Slug, err)
	}
	if len(rows) == 0 {
		return nil, errors.ProviderBadResponse(a.p.Slug, fmt.Errorf("webhook body produced no rows"))
	}

	payload := &WebhookPayload{
		ActivationID: firstStr(rows[0], "activationId", "id"),
		Status:       normalizeStatus(rows[0].Str("status")),
		Messages:     messagesFromRows(rows),
	}
	if payload.ActivationID == "" {
		return nil, errors.ProviderBadResponse(a.p.Slug, fmt.Errorf("webhook missing activation id"))
	}
	return payload, nil
}

// VerifyWebhook validates an inbound webhook signature for this provider.
func (a *Adapter) VerifyWebhook(rawBody []byte, headers http.Header, sourceIP string, now time.Time) WebhookVerification {
	return VerifyWebhook(a.p.Webhook, rawBody, headers, sourceIP, now)
}

// messagesFromRows extracts inbox messages from mapped rows carrying
// text/sender fields.
func messagesFromRows(rows []Row) []InboundMessage {
	var out []InboundMessage
	for _, row := range rows {
		text := firstStr(row, "text", "message", "content")
		if text == "" {
			continue
		}
		msg := InboundMessage{
			ID:     firstStr(row, "messageId", "msgId"),
			Sender: firstStr(row, "sender", "from"),
			Text:   text,
		}
		if ts := firstStr(row, "receivedAt", "date", "ts"); ts != "" {
			msg.ReceivedAt = parseUpstreamTime(ts)
		}
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = time.Now().UTC()
		}
		out = append(out, msg)
	}
	return out
}

func parseUpstreamTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	// Epoch seconds or milliseconds.
	if n, err := (Value{Kind: KindNumber, Str: s}).Int(); err == nil && n > 0 {
		if n > 1_000_000_000_000 {
			return time.UnixMilli(n).UTC()
		}
		return time.Unix(n, 0).UTC()
	}
	return time.Time{}
}

func normalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case StatusPending, "wait", "waiting", "wait_code":
		return StatusPending
	case StatusReceived, "ok", "success", "code_received":
		return StatusReceived
	case StatusCompleted, "complete", "done", "finished":
		return StatusCompleted
	case StatusCancelled, "canceled", "cancel", "refunded":
		return StatusCancelled
	default:
		return StatusUnknown
	}
}

func firstStr(row Row, fields ...string) string {
	for _, f := range fields {
		if v, ok := row.Get(f); ok && v.Str != "" {
			return v.Str
		}
	}
	return ""
}
