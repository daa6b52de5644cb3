// Package event defines the typed fan-out envelope and the payload
// registry that validates every published event.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Version is the envelope schema version.
const Version = 1

// Known event types. Publishing an unregistered type is rejected.
const (
	TypeSmsReceived       = "sms.received"
	TypeNumberUpdated     = "number.updated"
	TypeActivationUpdated = "activation.updated"
	TypeWalletUpdated     = "wallet.updated"
	TypeOfferSynced       = "offer.synced"
	TypeProviderSynced    = "provider.synced"
)

// Envelope is the wire format delivered to subscribers.
type Envelope struct {
	V       int             `json:"v"`
	EventID string          `json:"eventId"`
	Ts      int64           `json:"ts"`
	Type    string          `json:"type"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
	Seq     int64           `json:"seq,omitempty"`
	Meta    Meta            `json:"meta"`
}

// Meta carries tracing context.
type Meta struct {
	CorrelationID string `json:"correlationId,omitempty"`
	Source        string `json:"source,omitempty"`
}

// CatalogRoom is the broadcast room for provider and offer updates.
const CatalogRoom = "catalog"

// UserRoom returns the per-user room name.
func UserRoom(userID string) string { return "user:" + userID }

// OrderRoom returns the per-activation room name.
func OrderRoom(activationID string) string { return "order:" + activationID }

// UserID extracts the user id from a user room, or "".
func UserID(room string) string {
	if strings.HasPrefix(room, "user:") {
		return strings.TrimPrefix(room, "user:")
	}
	return ""
}

// OrderID extracts the activation id from an order room, or "".
func OrderID(room string) string {
	if strings.HasPrefix(room, "order:") {
		return strings.TrimPrefix(room, "order:")
	}
	return ""
}

// fieldKind constrains a payload field in the registry.
type fieldKind int

const (
	kindString fieldKind = iota
	kindNumber
	kindBool
)

type fieldSpec struct {
	name     string
	kind     fieldKind
	optional bool
}

// registry holds the payload schema per event type.
var registry = map[string][]fieldSpec{
	TypeSmsReceived: {
		{name: "numberId", kind: kindString},
		{name: "sender", kind: kindString},
		{name: "preview", kind: kindString},
		{name: "code", kind: kindString, optional: true},
		{name: "confidence", kind: kindNumber, optional: true},
	},
	TypeNumberUpdated: {
		{name: "numberId", kind: kindString},
		{name: "status", kind: kindString},
	},
	TypeActivationUpdated: {
		{name: "activationId", kind: kindString},
		{name: "state", kind: kindString},
	},
	TypeWalletUpdated: {
		{name: "walletId", kind: kindString},
		{name: "balance", kind: kindNumber},
	},
	TypeOfferSynced: {
		{name: "providerSlug", kind: kindString},
		{name: "upserted", kind: kindNumber},
	},
	TypeProviderSynced: {
		{name: "providerSlug", kind: kindString},
		{name: "status", kind: kindString},
	},
}

// Known reports whether typ has a registered payload schema.
func Known(typ string) bool {
	_, ok := registry[typ]
	return ok
}

// ValidatePayload checks payload against the registered schema for typ.
func ValidatePayload(typ string, payload json.RawMessage) error {
	specs, ok := registry[typ]
	if !ok {
		return fmt.Errorf("event: unknown type %q", typ)
	}
	if !gjson.ValidBytes(payload) {
		return fmt.Errorf("event: payload for %q is not valid JSON", typ)
	}
	doc := gjson.ParseBytes(payload)
	for _, spec := range specs {
		v := doc.Get(spec.name)
		if !v.Exists() {
			if spec.optional {
				continue
			}
			return fmt.Errorf("event: %q payload missing field %q", typ, spec.name)
		}
		switch spec.kind {
		case kindString:
			if v.Type != gjson.String {
				return fmt.Errorf("event: %q field %q must be a string", typ, spec.name)
			}
		case kindNumber:
			if v.Type != gjson.Number {
				return fmt.Errorf("event: %q field %q must be a number", typ, spec.name)
			}
		case kindBool:
			if !v.IsBool() {
				return fmt.Errorf("event: %q field %q must be a boolean", typ, spec.name)
			}
		}
	}
	return nil
}

// New builds a validated envelope ready for publishing.
func New(typ, room string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("event: marshal payload: %w", err)
	}
	if err := ValidatePayload(typ, raw); err != nil {
		return Envelope{}, err
	}
	if strings.TrimSpace(room) == "" {
		return Envelope{}, fmt.Errorf("event: room must not be empty")
	}
	return Envelope{
		V:       Version,
		EventID: uuid.NewString(),
		Ts:      time.Now().UTC().UnixMilli(),
		Type:    typ,
		Room:    room,
		Payload: raw,
	}, nil
}
