package payment

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fitplan/subsync/internal/domain"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Metadata keys that may carry the internal user ID.
var userIDMetadataKeys = []string{"userId", "user_id", "uid"}

// Subscription is the validated internal shape of a provider subscription.
type Subscription struct {
	ID                 string        `validate:"required"`
	CustomerID         string        `validate:"required"`
	Status             domain.Status `validate:"required"`
	PriceID            string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	Metadata           map[string]string
}

// UserID returns the user ID embedded in metadata, if any.
func (s *Subscription) UserID() string {
	return userIDFromMetadata(s.Metadata)
}

// Patch converts the subscription into a full canonical patch stamped with eventAt.
// canceledAt is copied only when the provider supplied it.
func (s *Subscription) Patch(eventAt time.Time) domain.Patch {
	p := domain.Patch{
		SubscriptionID:    domain.Ptr(s.ID),
		CustomerID:        domain.Ptr(s.CustomerID),
		Status:            domain.Ptr(s.Status),
		PriceID:           domain.Ptr(s.PriceID),
		CancelAtPeriodEnd: domain.Ptr(s.CancelAtPeriodEnd),
		EventAt:           domain.Millis(eventAt),
	}
	if !s.CurrentPeriodStart.IsZero() {
		p.CurrentPeriodStart = domain.Ptr(domain.Millis(s.CurrentPeriodStart))
	}
	if !s.CurrentPeriodEnd.IsZero() {
		p.CurrentPeriodEnd = domain.Ptr(domain.Millis(s.CurrentPeriodEnd))
	}
	if s.CanceledAt != nil {
		p.CanceledAt = domain.Ptr(domain.Millis(*s.CanceledAt))
	}
	return p
}

// Invoice is the validated internal shape of a provider invoice.
type Invoice struct {
	ID             string `validate:"required"`
	CustomerID     string `validate:"required"`
	SubscriptionID string
	Status         string
	Metadata       map[string]string
}

// UserID returns the user ID embedded in invoice or subscription metadata.
func (i *Invoice) UserID() string {
	return userIDFromMetadata(i.Metadata)
}

type rawPeriod struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

type rawSubscription struct {
	ID                string            `json:"id"`
	Object            string            `json:"object"`
	Customer          json.RawMessage   `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CanceledAt        *int64            `json:"canceled_at"`
	Metadata          map[string]string `json:"metadata"`
	rawPeriod
	Items struct {
		Data []struct {
			rawPeriod
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type rawInvoice struct {
	ID                  string          `json:"id"`
	Object              string          `json:"object"`
	Customer            json.RawMessage `json:"customer"`
	Status              string          `json:"status"`
	Subscription        json.RawMessage `json:"subscription"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage   `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Metadata map[string]string `json:"metadata"`
}

// ParseSubscription decodes and validates a subscription object.
// Period bounds are read from the top level or, on newer API versions, from the first item.
func ParseSubscription(raw []byte) (*Subscription, error) {
	var rs rawSubscription
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("%w: decode subscription: %v", ErrMalformed, err)
	}
	if rs.Object != "" && rs.Object != "subscription" {
		return nil, fmt.Errorf("%w: expected subscription object, got %q", ErrMalformed, rs.Object)
	}

	status, ok := domain.ParseStatus(rs.Status)
	if !ok {
		return nil, fmt.Errorf("%w: unknown subscription status %q", ErrMalformed, rs.Status)
	}

	sub := &Subscription{
		ID:                strings.TrimSpace(rs.ID),
		CustomerID:        expandableID(rs.Customer),
		Status:            status,
		CancelAtPeriodEnd: rs.CancelAtPeriodEnd,
		Metadata:          rs.Metadata,
	}

	period := rs.rawPeriod
	if len(rs.Items.Data) > 0 {
		item := rs.Items.Data[0]
		sub.PriceID = item.Price.ID
		if period.CurrentPeriodStart == 0 {
			period = item.rawPeriod
		}
	}
	sub.CurrentPeriodStart = unixOrZero(period.CurrentPeriodStart)
	sub.CurrentPeriodEnd = unixOrZero(period.CurrentPeriodEnd)
	if rs.CanceledAt != nil && *rs.CanceledAt > 0 {
		t := time.Unix(*rs.CanceledAt, 0)
		sub.CanceledAt = &t
	}

	if err := validate.Struct(sub); err != nil {
		return nil, fmt.Errorf("%w: subscription: %v", ErrMalformed, err)
	}
	return sub, nil
}

// ParseInvoice decodes and validates an invoice object.
func ParseInvoice(raw []byte) (*Invoice, error) {
	var ri rawInvoice
	if err := json.Unmarshal(raw, &ri); err != nil {
		return nil, fmt.Errorf("%w: decode invoice: %v", ErrMalformed, err)
	}
	if ri.Object != "" && ri.Object != "invoice" {
		return nil, fmt.Errorf("%w: expected invoice object, got %q", ErrMalformed, ri.Object)
	}

	inv := &Invoice{
		ID:             strings.TrimSpace(ri.ID),
		CustomerID:     expandableID(ri.Customer),
		SubscriptionID: expandableID(ri.Subscription),
		Status:         ri.Status,
		Metadata:       map[string]string{},
	}
	if ri.SubscriptionDetails != nil {
		mergeMetadata(inv.Metadata, ri.SubscriptionDetails.Metadata)
	}
	if ri.Parent != nil && ri.Parent.SubscriptionDetails != nil {
		if inv.SubscriptionID == "" {
			inv.SubscriptionID = expandableID(ri.Parent.SubscriptionDetails.Subscription)
		}
		mergeMetadata(inv.Metadata, ri.Parent.SubscriptionDetails.Metadata)
	}
	mergeMetadata(inv.Metadata, ri.Metadata)

	if err := validate.Struct(inv); err != nil {
		return nil, fmt.Errorf("%w: invoice: %v", ErrMalformed, err)
	}
	return inv, nil
}

// expandableID reads a field the provider sends either as an ID string or as an expanded object.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.ID)
	}
	return ""
}

func mergeMetadata(dst, src map[string]string) {
	for k, v := range src {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
}

func userIDFromMetadata(md map[string]string) string {
	for _, k := range userIDMetadataKeys {
		if v := strings.TrimSpace(md[k]); v != "" {
			return v
		}
	}
	return ""
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

type rawEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes a provider event envelope without verifying it.
func ParseEvent(payload []byte) (*Event, error) {
	var re rawEvent
	if err := json.Unmarshal(payload, &re); err != nil {
		return nil, fmt.Errorf("%w: decode event: %v", ErrMalformed, err)
	}
	if re.ID == "" || re.Type == "" {
		return nil, fmt.Errorf("%w: event id and type are required", ErrMalformed)
	}
	return &Event{
		ID:      re.ID,
		Type:    re.Type,
		Created: time.Unix(re.Created, 0),
		Object:  re.Data.Object,
	}, nil
}
