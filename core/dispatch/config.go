package dispatch

import (
	"fmt"
	"time"
)

// UnrankedPolicy decides what happens to drivers without a known location
// when an order has an origin.
type UnrankedPolicy string

const (
	// UnrankedAppend offers unlocated drivers after all ranked ones.
	UnrankedAppend UnrankedPolicy = "append"
	// UnrankedExclude leaves unlocated drivers out of the candidate list.
	UnrankedExclude UnrankedPolicy = "exclude"
)

const (
	DefaultOfferTimeout   = 30 * time.Second
	DefaultSettleDelay    = time.Second
	DefaultPublishTimeout = 5 * time.Second
	DefaultLedgerTimeout  = 10 * time.Second
)

// Config defines dispatch-related settings.
type Config struct {
	OfferTimeoutSeconds int `json:"offer_timeout_seconds"`
	// SettleDelayMS is the pause between a rejection and the next offer.
	// nil means the default; 0 advances immediately.
	SettleDelayMS         *int           `json:"settle_delay_ms"`
	UnrankedPolicy        UnrankedPolicy `json:"unranked_policy"`
	PublishTimeoutSeconds int            `json:"publish_timeout_seconds"`
	LedgerTimeoutSeconds  int            `json:"ledger_timeout_seconds"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.OfferTimeoutSeconds <= 0 {
		c.OfferTimeoutSeconds = int(DefaultOfferTimeout / time.Second)
	}
	if c.SettleDelayMS == nil {
		ms := int(DefaultSettleDelay / time.Millisecond)
		c.SettleDelayMS = &ms
	}
	if c.UnrankedPolicy == "" {
		c.UnrankedPolicy = UnrankedAppend
	}
	if c.PublishTimeoutSeconds <= 0 {
		c.PublishTimeoutSeconds = int(DefaultPublishTimeout / time.Second)
	}
	if c.LedgerTimeoutSeconds <= 0 {
		c.LedgerTimeoutSeconds = int(DefaultLedgerTimeout / time.Second)
	}
}

// Validate checks the settings after defaults were applied.
func (c Config) Validate() error {
	if c.UnrankedPolicy != UnrankedAppend && c.UnrankedPolicy != UnrankedExclude {
		return fmt.Errorf("dispatch: unknown unranked_policy %q", c.UnrankedPolicy)
	}
	if c.SettleDelayMS != nil && *c.SettleDelayMS < 0 {
		return fmt.Errorf("dispatch: settle_delay_ms must not be negative")
	}
	return nil
}

func (c Config) offerTimeout() time.Duration {
	if c.OfferTimeoutSeconds <= 0 {
		return DefaultOfferTimeout
	}
	return time.Duration(c.OfferTimeoutSeconds) * time.Second
}

func (c Config) settleDelay() time.Duration {
	if c.SettleDelayMS == nil {
		return DefaultSettleDelay
	}
	return time.Duration(*c.SettleDelayMS) * time.Millisecond
}

func (c Config) publishTimeout() time.Duration {
	if c.PublishTimeoutSeconds <= 0 {
		return DefaultPublishTimeout
	}
	return time.Duration(c.PublishTimeoutSeconds) * time.Second
}

func (c Config) ledgerTimeout() time.Duration {
	if c.LedgerTimeoutSeconds <= 0 {
		return DefaultLedgerTimeout
	}
	return time.Duration(c.LedgerTimeoutSeconds) * time.Second
}
