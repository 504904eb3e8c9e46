package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

var (
	ErrNotConfigured    = errors.New("billing not configured")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// CheckoutRequest describes one Checkout Session.
type CheckoutRequest struct {
	CustomerID string
	BrokerID   string
	Kind       string
	ItemID     string
	PriceID    string
}

// Client is the narrow slice of Stripe the service uses.
type Client struct {
	api           *client.API
	secretKey     string
	webhookSecret string
	publicURL     string
}

// NewClient builds a Stripe client. backends may be nil to use the live API.
func NewClient(secretKey, webhookSecret, publicURL string, backends *stripe.Backends) *Client {
	api := &client.API{}
	api.Init(secretKey, backends)
	return &Client{
		api:           api,
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		publicURL:     publicURL,
	}
}

func (c *Client) IsConfigured() bool {
	return c != nil && c.secretKey != ""
}

func (c *Client) CreateCustomer(ctx context.Context, brokerID, email, name string) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(name),
	}
	params.Context = ctx
	params.AddMetadata("broker_id", brokerID)
	customer, err := c.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return customer.ID, nil
}

// CreateCheckoutSession returns the hosted checkout URL. Plans use
// subscription mode; token packs are one-off payments.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}
	metadata := map[string]string{
		"broker_id": req.BrokerID,
		"kind":      req.Kind,
		"item_id":   req.ItemID,
	}
	mode := stripe.CheckoutSessionModePayment
	if req.Kind == KindPlan {
		mode = stripe.CheckoutSessionModeSubscription
	}
	params := &stripe.CheckoutSessionParams{
		Customer:          stripe.String(req.CustomerID),
		ClientReferenceID: stripe.String(req.BrokerID),
		Mode:              stripe.String(string(mode)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.PriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(c.publicURL + "/billing?checkout=success"),
		CancelURL:  stripe.String(c.publicURL + "/billing?checkout=cancelled"),
	}
	if req.Kind == KindPlan {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: metadata}
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	session, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return session.URL, nil
}

func (c *Client) CreatePortalSession(ctx context.Context, customerID string) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(c.publicURL + "/billing"),
	}
	params.Context = ctx
	session, err := c.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return session.URL, nil
}

// ParseEvent verifies the Stripe-Signature header and returns the event.
func (c *Client) ParseEvent(payload []byte, signature string) (Event, error) {
	if c == nil || c.webhookSecret == "" {
		return Event{}, ErrNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return Event{ID: event.ID, Type: string(event.Type), Raw: event.Data.Raw}, nil
}
