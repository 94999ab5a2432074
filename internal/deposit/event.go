package deposit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Provider event types.
const (
	EventChargeSuccess = "charge.success"
	EventChargeFailed  = "charge.failed"
)

// ErrInvalidEvent is returned for payloads that cannot be interpreted.
var ErrInvalidEvent = errors.New("invalid deposit event")

// Event is the part of a provider notification the processor acts on.
// Amounts arrive in minor units and are converted to two-decimal values.
type Event struct {
	ID             string
	Type           string
	Reference      string
	Amount         decimal.Decimal
	ProviderStatus string
	AccountID      string
}

// Succeeded reports whether the provider confirmed the charge.
func (e Event) Succeeded() bool {
	return e.Type == EventChargeSuccess
}

// Failed reports whether the provider declined the charge.
func (e Event) Failed() bool {
	return e.Type == EventChargeFailed
}

type rawEvent struct {
	ID    json.RawMessage `json:"id"`
	Event string          `json:"event"`
	Data  struct {
		ID        json.RawMessage `json:"id"`
		Reference string          `json:"reference"`
		Amount    json.Number     `json:"amount"`
		Status    string          `json:"status"`
		Metadata  map[string]any  `json:"metadata"`
	} `json:"data"`
}

// ParseEvent decodes a provider payload.
func ParseEvent(payload []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var raw rawEvent
	if err := dec.Decode(&raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if raw.Event == "" {
		return Event{}, fmt.Errorf("%w: missing event type", ErrInvalidEvent)
	}

	ev := Event{
		Type:           raw.Event,
		Reference:      strings.TrimSpace(raw.Data.Reference),
		ProviderStatus: raw.Data.Status,
		AccountID:      metadataString(raw.Data.Metadata, "account_id"),
	}
	if raw.Data.Amount != "" {
		minor, err := decimal.NewFromString(raw.Data.Amount.String())
		if err != nil {
			return Event{}, fmt.Errorf("%w: amount %q", ErrInvalidEvent, raw.Data.Amount)
		}
		ev.Amount = minor.Shift(-2)
	}

	switch {
	case idString(raw.ID) != "":
		ev.ID = idString(raw.ID)
	case idString(raw.Data.ID) != "":
		ev.ID = idString(raw.Data.ID)
	case ev.Reference != "":
		ev.ID = ev.Type + ":" + ev.Reference
	default:
		return Event{}, fmt.Errorf("%w: no event id or reference", ErrInvalidEvent)
	}
	return ev, nil
}

// idString accepts ids sent either as JSON strings or numbers.
func idString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return string(raw)
}

func metadataString(meta map[string]any, key string) string {
	switch v := meta[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
