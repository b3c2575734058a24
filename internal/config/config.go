package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Feed      FeedConfig     `yaml:"feed"`
	Engine    EngineConfig   `yaml:"engine"`
	Shipping  ShippingConfig `yaml:"shipping"`
	Delivery  DeliveryConfig `yaml:"delivery"`
	State     StateConfig    `yaml:"state"`
	Tenants   TenantConfig   `yaml:"tenants"`
	Classify  ClassifyConfig `yaml:"classify"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Status    StatusConfig   `yaml:"status"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
}

// FeedConfig selects and configures the record source. Exactly one source
// is active, chosen by Source.
type FeedConfig struct {
	Source string `yaml:"source"` // db | csv | ami | nats

	DB struct {
		URL          string        `yaml:"url"`
		CDRTable     string        `yaml:"cdr_table"`
		CELTable     string        `yaml:"cel_table"`
		PollInterval time.Duration `yaml:"poll_interval"`
		FetchLimit   int           `yaml:"fetch_limit"`
	} `yaml:"db"`

	CSV struct {
		Path         string        `yaml:"path"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"csv"`

	AMI struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Secret   string `yaml:"secret"`
	} `yaml:"ami"`

	NATS struct {
		URL        string `yaml:"url"`
		Token      string `yaml:"token"`
		CDRSubject string `yaml:"cdr_subject"`
		CELSubject string `yaml:"cel_subject"`
	} `yaml:"nats"`
}

// EngineConfig tunes correlation and aggregation.
type EngineConfig struct {
	Quiescence        time.Duration `yaml:"quiescence"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	LongCallThreshold time.Duration `yaml:"long_call_threshold"`
	RequireCEL        *bool         `yaml:"require_cel"`
}

// ShippingConfig tunes when aggregates ship.
type ShippingConfig struct {
	Mode                string        `yaml:"mode"` // complete | progressive
	LongCallUpdateEvery time.Duration `yaml:"long_call_update_every"`
}

// DeliveryConfig configures the remote API client and retry policy.
type DeliveryConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout"`
	BatchSize      int           `yaml:"batch_size"`
	BatchMaxWait   time.Duration `yaml:"batch_max_wait"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	RetryCeiling   time.Duration `yaml:"retry_ceiling"`
}

// StateConfig configures the durable shipping state.
type StateConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// TenantConfig configures tenant resolution.
type TenantConfig struct {
	Default      string            `yaml:"default"`
	DIDMap       map[string]string `yaml:"did_map"`
	AccountMap   map[string]string `yaml:"account_map"`
	KnownTrunks  []string          `yaml:"known_trunks"`
	CacheTTL     time.Duration     `yaml:"cache_ttl"`
	CacheMaxSize int               `yaml:"cache_max_size"`
}

// ClassifyConfig tunes the direction classifier and the number-shape
// heuristics. Context and trunk patterns extend the stock tables; extension
// lengths and international prefixes replace the defaults when set.
type ClassifyConfig struct {
	InternalContexts []string `yaml:"internal_contexts"`
	ExternalContexts []string `yaml:"external_contexts"`
	TrunkPatterns    []string `yaml:"trunk_patterns"`
	MinExtensionLen  int      `yaml:"min_extension_len"`
	MaxExtensionLen  int      `yaml:"max_extension_len"`
	IntlPrefixes     []string `yaml:"intl_prefixes"`
}

// MQTTConfig configures optional lifecycle notifications. Disabled when
// Broker is empty.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// StatusConfig configures the local health/status HTTP listener. Disabled
// when Listen is empty.
type StatusConfig struct {
	Listen string `yaml:"listen"`
}

func (c *FeedConfig) AMIAddr() string {
	return net.JoinHostPort(c.AMI.Host, fmt.Sprintf("%d", c.AMI.Port))
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{
		Engine: EngineConfig{
			Quiescence:        60 * time.Second,
			SweepInterval:     5 * time.Second,
			LongCallThreshold: time.Hour,
		},
		Shipping: ShippingConfig{
			Mode:                "complete",
			LongCallUpdateEvery: 10 * time.Minute,
		},
		Delivery: DeliveryConfig{
			Timeout:        30 * time.Second,
			BatchSize:      100,
			BatchMaxWait:   5 * time.Second,
			InitialBackoff: 5 * time.Second,
			MaxBackoff:     time.Hour,
			RetryCeiling:   48 * time.Hour,
		},
		State: StateConfig{
			Path:      "/var/lib/asterisk-shipper/state.json",
			Retention: 7 * 24 * time.Hour,
		},
		Tenants: TenantConfig{
			Default:      "unknown",
			CacheTTL:     time.Hour,
			CacheMaxSize: 10000,
		},
		MQTT: MQTTConfig{
			ClientID:    "asterisk-shipper",
			TopicPrefix: "pbx/calls",
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
	cfg.Feed.Source = "db"
	cfg.Feed.DB.CDRTable = "cdr"
	cfg.Feed.DB.CELTable = "cel"
	cfg.Feed.DB.PollInterval = 5 * time.Second
	cfg.Feed.DB.FetchLimit = 500
	cfg.Feed.CSV.PollInterval = 2 * time.Second
	cfg.Feed.AMI.Host = "127.0.0.1"
	cfg.Feed.AMI.Port = 5038
	cfg.Feed.NATS.URL = "nats://127.0.0.1:4222"
	cfg.Feed.NATS.CDRSubject = "pbx.events.cdr"
	cfg.Feed.NATS.CELSubject = "pbx.events.cel"
	return cfg
}

func (c *Config) validate() error {
	switch c.Feed.Source {
	case "db":
		if c.Feed.DB.URL == "" {
			return fmt.Errorf("feed.db.url is required when feed.source is db")
		}
	case "csv":
		if c.Feed.CSV.Path == "" {
			return fmt.Errorf("feed.csv.path is required when feed.source is csv")
		}
	case "ami":
		if c.Feed.AMI.Host == "" {
			return fmt.Errorf("feed.ami.host is required when feed.source is ami")
		}
		if c.Feed.AMI.Port < 1 || c.Feed.AMI.Port > 65535 {
			return fmt.Errorf("feed.ami.port must be between 1 and 65535, got %d", c.Feed.AMI.Port)
		}
		if c.Feed.AMI.Username == "" {
			return fmt.Errorf("feed.ami.username is required when feed.source is ami")
		}
		if c.Feed.AMI.Secret == "" {
			return fmt.Errorf("feed.ami.secret is required when feed.source is ami")
		}
	case "nats":
		if c.Feed.NATS.URL == "" {
			return fmt.Errorf("feed.nats.url is required when feed.source is nats")
		}
	default:
		return fmt.Errorf("feed.source must be one of db, csv, ami, nats; got %q", c.Feed.Source)
	}

	switch c.Shipping.Mode {
	case "complete", "progressive":
	default:
		return fmt.Errorf("shipping.mode must be complete or progressive, got %q", c.Shipping.Mode)
	}

	if c.Delivery.Endpoint == "" {
		return fmt.Errorf("delivery.endpoint is required")
	}
	if c.Delivery.APIKey == "" {
		return fmt.Errorf("delivery.api_key is required")
	}
	if c.Delivery.RetryCeiling < c.Delivery.InitialBackoff {
		return fmt.Errorf("delivery.retry_ceiling must exceed delivery.initial_backoff")
	}
	if c.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if c.Engine.Quiescence <= 0 {
		return fmt.Errorf("engine.quiescence must be positive")
	}
	if c.MQTT.Broker != "" && c.MQTT.ClientID == "" {
		return fmt.Errorf("mqtt.client_id is required when mqtt.broker is set")
	}
	if c.Classify.MinExtensionLen < 0 || c.Classify.MaxExtensionLen < 0 {
		return fmt.Errorf("classify extension lengths must not be negative")
	}
	if c.Classify.MinExtensionLen > 0 && c.Classify.MaxExtensionLen > 0 &&
		c.Classify.MinExtensionLen > c.Classify.MaxExtensionLen {
		return fmt.Errorf("classify.min_extension_len must not exceed classify.max_extension_len")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// RequireCEL reports whether groups must be corroborated by CEL events
// before quiescence closure applies. Defaults to true for CEL-carrying
// sources, false for the CDR-only CSV feed.
func (c *Config) RequireCEL() bool {
	if c.Engine.RequireCEL != nil {
		return *c.Engine.RequireCEL
	}
	return c.Feed.Source != "csv"
}
