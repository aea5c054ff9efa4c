package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/lastmile/core/dispatch"
	"github.com/kilianp07/lastmile/core/journal"
	"github.com/kilianp07/lastmile/core/metrics"
	"github.com/kilianp07/lastmile/infra/amqp"
	"github.com/kilianp07/lastmile/infra/ledger"
	"github.com/kilianp07/lastmile/infra/locationcache"
	"github.com/kilianp07/lastmile/infra/mqtt"
	"github.com/kilianp07/lastmile/infra/ws"
)

type Config struct {
	Dispatch  dispatch.Config      `json:"dispatch"`
	Transport TransportConfig      `json:"transport"`
	Ledger    ledger.Config        `json:"ledger"`
	HTTP      HTTPConfig           `json:"http"`
	Metrics   metrics.Config       `json:"metrics"`
	Journal   journal.Config       `json:"journal"`
	Logging   LoggingConfig        `json:"logging"`
	Sentry    SentryConfig         `json:"sentry"`
	AMQP      amqp.Config          `json:"amqp"`
	Redis     locationcache.Config `json:"redis"`
}

// TransportConfig enables the driver transports. At least one must be on.
type TransportConfig struct {
	WS   WSConfig    `json:"ws"`
	MQTT mqtt.Config `json:"mqtt"`
}

// WSConfig wraps the hub settings with an on/off switch.
type WSConfig struct {
	Enabled   bool `json:"enabled"`
	ws.Config `json:",squash"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr           string   `json:"addr"`
	AllowedOrigins []string `json:"allowed_origins"`
	// JournalToken protects GET /api/journal when set.
	JournalToken string `json:"journal_token"`
}

// Load reads path (YAML or JSON by extension) and applies K_ prefixed
// environment overrides, e.g. K_DISPATCH__OFFER_TIMEOUT_SECONDS=20. An empty
// path loads defaults and the environment only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		ext := strings.ToLower(filepath.Ext(path))
		var parser koanf.Parser
		switch ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, err
		}
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("K_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills unset fields of every section.
func (c *Config) SetDefaults() {
	c.Dispatch.SetDefaults()
	c.Logging.SetDefaults()
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if !c.Transport.WS.Enabled && !c.Transport.MQTT.Enabled() {
		c.Transport.WS.Enabled = true
	}
	if c.Transport.WS.Path == "" {
		c.Transport.WS.Path = "/ws"
	}
	if len(c.Transport.WS.AllowedOrigins) == 0 {
		c.Transport.WS.AllowedOrigins = c.HTTP.AllowedOrigins
	}
	if c.Metrics.FleetIntervalSeconds <= 0 {
		c.Metrics.FleetIntervalSeconds = 15
	}
}

// Validate checks every section after defaults were applied.
func (c Config) Validate() error {
	var errs []error
	if err := c.Dispatch.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if !strings.HasPrefix(c.Transport.WS.Path, "/") {
		errs = append(errs, fmt.Errorf("transport.ws: path must start with /"))
	}
	if m := c.Transport.MQTT; m.Enabled() && m.ClientID == "" {
		errs = append(errs, fmt.Errorf("transport.mqtt: client_id is required"))
	}
	if a := c.Ledger.Auth; a.AuthURL != "" && (a.ClientID == "" || a.ClientSecret == "") {
		errs = append(errs, fmt.Errorf("ledger.auth: client_id and client_secret are required with auth_url"))
	}
	return errors.Join(errs...)
}
