package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Event is a verified webhook event with its data object left raw.
type Event struct {
	ID   string
	Type string
	Raw  json.RawMessage
}

// ExpandableID decodes a Stripe reference that may arrive as an id string or
// as an expanded object.
type ExpandableID string

func (e *ExpandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = ExpandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = ExpandableID(obj.ID)
	return nil
}

type CheckoutSession struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	PaymentStatus string            `json:"payment_status"`
	Customer      ExpandableID      `json:"customer"`
	Subscription  ExpandableID      `json:"subscription"`
	Metadata      map[string]string `json:"metadata"`
}

type Subscription struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	Customer          ExpandableID      `json:"customer"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// PriceID returns the price of the first subscription item.
func (s Subscription) PriceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

// PeriodEnd reads the period end from the subscription or, on newer API
// versions, from its first item.
func (s Subscription) PeriodEnd() *time.Time {
	end := s.CurrentPeriodEnd
	if end == 0 && len(s.Items.Data) > 0 {
		end = s.Items.Data[0].CurrentPeriodEnd
	}
	if end == 0 {
		return nil
	}
	t := time.Unix(end, 0).UTC()
	return &t
}

type Invoice struct {
	ID                string       `json:"id"`
	Customer          ExpandableID `json:"customer"`
	Subscription      ExpandableID `json:"subscription"`
	AmountPaid        int64        `json:"amount_paid"`
	Currency          string       `json:"currency"`
	BillingReason     string       `json:"billing_reason"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	Parent struct {
		SubscriptionDetails struct {
			Subscription ExpandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			Pricing struct {
				PriceDetails struct {
					Price string `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
		} `json:"data"`
	} `json:"lines"`
}

// SubscriptionID handles both the legacy top-level field and the parent
// block used by newer API versions.
func (i Invoice) SubscriptionID() string {
	if i.Subscription != "" {
		return string(i.Subscription)
	}
	return string(i.Parent.SubscriptionDetails.Subscription)
}

func (i Invoice) PriceID() string {
	for _, line := range i.Lines.Data {
		if line.Price.ID != "" {
			return line.Price.ID
		}
		if line.Pricing.PriceDetails.Price != "" {
			return line.Pricing.PriceDetails.Price
		}
	}
	return ""
}

// PaidAt falls back to fallback when Stripe omits the timestamp.
func (i Invoice) PaidAt(fallback time.Time) time.Time {
	if i.StatusTransitions.PaidAt == 0 {
		return fallback.UTC()
	}
	return time.Unix(i.StatusTransitions.PaidAt, 0).UTC()
}

type Charge struct {
	ID             string       `json:"id"`
	Customer       ExpandableID `json:"customer"`
	Invoice        ExpandableID `json:"invoice"`
	Refunded       bool         `json:"refunded"`
	AmountRefunded int64        `json:"amount_refunded"`
}

func (e Event) decode(into any) error {
	if err := json.Unmarshal(e.Raw, into); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}

func (e Event) CheckoutSession() (CheckoutSession, error) {
	var v CheckoutSession
	if err := e.decode(&v); err != nil {
		return CheckoutSession{}, err
	}
	return v, nil
}

func (e Event) Subscription() (Subscription, error) {
	var v Subscription
	if err := e.decode(&v); err != nil {
		return Subscription{}, err
	}
	return v, nil
}

func (e Event) Invoice() (Invoice, error) {
	var v Invoice
	if err := e.decode(&v); err != nil {
		return Invoice{}, err
	}
	return v, nil
}

func (e Event) Charge() (Charge, error) {
	var v Charge
	if err := e.decode(&v); err != nil {
		return Charge{}, err
	}
	return v, nil
}
