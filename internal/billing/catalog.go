// Package billing wraps Stripe checkout, the customer portal and webhook
// decoding, plus the YAML catalog of plans and token packs.
package billing

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	KindPlan   = "plan"
	KindTokens = "tokens"

	// MinimumAssistantBalance is the balance required before an AI call.
	MinimumAssistantBalance = 500
)

type Plan struct {
	ID            string `yaml:"id" json:"id"`
	Name          string `yaml:"name" json:"name"`
	StripePriceID string `yaml:"stripePriceId" json:"stripePriceId"`
	MonthlyTokens int64  `yaml:"monthlyTokens" json:"monthlyTokens"`
	PriceCents    int64  `yaml:"priceCents" json:"priceCents"`
}

type TokenPack struct {
	ID            string `yaml:"id" json:"id"`
	Name          string `yaml:"name" json:"name"`
	StripePriceID string `yaml:"stripePriceId" json:"stripePriceId"`
	Tokens        int64  `yaml:"tokens" json:"tokens"`
	PriceCents    int64  `yaml:"priceCents" json:"priceCents"`
}

type Catalog struct {
	Currency             string      `yaml:"currency" json:"currency"`
	DefaultCommissionBps int         `yaml:"defaultCommissionBps" json:"defaultCommissionBps"`
	Plans                []Plan      `yaml:"plans" json:"plans"`
	TokenPacks           []TokenPack `yaml:"tokenPacks" json:"tokenPacks"`
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() Catalog {
	return Catalog{
		Currency:             "usd",
		DefaultCommissionBps: 2000,
		Plans: []Plan{
			{ID: "starter", Name: "Starter", StripePriceID: "price_starter_monthly", MonthlyTokens: 20000, PriceCents: 2900},
			{ID: "pro", Name: "Pro", StripePriceID: "price_pro_monthly", MonthlyTokens: 100000, PriceCents: 7900},
		},
		TokenPacks: []TokenPack{
			{ID: "tokens-50k", Name: "50k tokens", StripePriceID: "price_tokens_50k", Tokens: 50000, PriceCents: 1000},
		},
	}
}

// LoadCatalog reads a YAML catalog. An empty path or missing file yields the
// default catalog.
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultCatalog(), nil
	}
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	if c.Currency == "" {
		c.Currency = "usd"
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

func (c Catalog) Validate() error {
	if c.DefaultCommissionBps < 0 || c.DefaultCommissionBps > 5000 {
		return fmt.Errorf("catalog: defaultCommissionBps must be within 0..5000")
	}
	ids := map[string]bool{}
	prices := map[string]bool{}
	check := func(id, price string) error {
		if id == "" || price == "" {
			return fmt.Errorf("catalog: every item needs id and stripePriceId")
		}
		if ids[id] {
			return fmt.Errorf("catalog: duplicate id %q", id)
		}
		if prices[price] {
			return fmt.Errorf("catalog: duplicate price %q", price)
		}
		ids[id] = true
		prices[price] = true
		return nil
	}
	for _, p := range c.Plans {
		if err := check(p.ID, p.StripePriceID); err != nil {
			return err
		}
	}
	for _, p := range c.TokenPacks {
		if err := check(p.ID, p.StripePriceID); err != nil {
			return err
		}
		if p.Tokens <= 0 {
			return fmt.Errorf("catalog: token pack %q needs a positive token count", p.ID)
		}
	}
	return nil
}

func (c Catalog) Plan(id string) (Plan, bool) {
	for _, p := range c.Plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

func (c Catalog) PlanByPrice(priceID string) (Plan, bool) {
	for _, p := range c.Plans {
		if p.StripePriceID == priceID {
			return p, true
		}
	}
	return Plan{}, false
}

func (c Catalog) TokenPack(id string) (TokenPack, bool) {
	for _, p := range c.TokenPacks {
		if p.ID == id {
			return p, true
		}
	}
	return TokenPack{}, false
}

// PriceFor resolves the Stripe price behind a checkout request.
func (c Catalog) PriceFor(kind, itemID string) (string, bool) {
	switch kind {
	case KindPlan:
		if p, ok := c.Plan(itemID); ok {
			return p.StripePriceID, true
		}
	case KindTokens:
		if p, ok := c.TokenPack(itemID); ok {
			return p.StripePriceID, true
		}
	}
	return "", false
}
