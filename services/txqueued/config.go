package txqueued

import (
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"txqueue/observability/logging"
	"txqueue/services/txqueued/chain"
	"txqueue/services/txqueued/gas"
	"txqueue/services/txqueued/resend"
	"txqueue/services/txqueued/storage"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for txqueued.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	Database      DatabaseConfig  `yaml:"database"`
	Chain         ChainConfig     `yaml:"chain"`
	Gas           GasConfig       `yaml:"gas"`
	Resend        ResendConfig    `yaml:"resend"`
	Straggler     StragglerConfig `yaml:"straggler"`
	Syncer        SyncerConfig    `yaml:"syncer"`
	Retry         RetryConfig     `yaml:"retry"`
	Keystore      KeystoreConfig  `yaml:"keystore"`
	Admin         AdminConfig     `yaml:"admin"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// DatabaseConfig selects the backing store.
type DatabaseConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	Path            string   `yaml:"path"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// ChainConfig points the service at one network.
type ChainConfig struct {
	Spec          string   `yaml:"spec"`
	RPCURL        string   `yaml:"rpc_url"`
	RPS           float64  `yaml:"rps"`
	Burst         int      `yaml:"burst"`
	CallTimeout   Duration `yaml:"call_timeout"`
	Confirmations uint64   `yaml:"confirmations"`
}

// GasConfig holds the gas provider scalars. The three decimals are required.
type GasConfig struct {
	HolderMinimumUnits string   `yaml:"holder_minimum_units"`
	RefillThreshold    string   `yaml:"refill_threshold"`
	MinFeePrice        string   `yaml:"min_fee_price"`
	Provider           string   `yaml:"provider"`
	HealthAttempts     int      `yaml:"health_attempts"`
	HealthDelay        Duration `yaml:"health_delay"`
}

// ResendConfig controls replacement pricing.
type ResendConfig struct {
	Factor       float64 `yaml:"factor"`
	FloorBumpWei string  `yaml:"floor_bump_wei"`
	MaxPriceWei  string  `yaml:"max_price_wei"`
}

// StragglerConfig tunes the straggler detector.
type StragglerConfig struct {
	Grace Duration `yaml:"grace"`
	Batch int      `yaml:"batch"`
}

// SyncerConfig tunes the chain follower.
type SyncerConfig struct {
	Interval   Duration `yaml:"interval"`
	MaxBlocks  int      `yaml:"max_blocks"`
	FlushLimit int      `yaml:"flush_limit"`
}

// RetryConfig is the backoff schedule for submissions made by the admin API.
type RetryConfig struct {
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	MaxRetries      uint64   `yaml:"max_retries"`
	MaxElapsed      Duration `yaml:"max_elapsed"`
}

// KeystoreConfig locates the custodial keys.
type KeystoreConfig struct {
	Dir            string `yaml:"dir"`
	Passphrase     string `yaml:"passphrase"`
	PassphraseEnv  string `yaml:"passphrase_env"`
	PassphraseFile string `yaml:"passphrase_file"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	Traces      bool              `yaml:"traces"`
	Metrics     bool              `yaml:"metrics"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// LoadConfig reads configuration from the supplied path. Environment
// variables prefixed TXQUEUE_ override secrets and endpoints.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyEnv(&cfg, os.LookupEnv)
	applyDefaults(&cfg)
	if err := cfg.Keystore.normalise(); err != nil {
		return cfg, fmt.Errorf("keystore: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set("TXQUEUE_ENV", &cfg.Environment)
	set("TXQUEUE_DATABASE_DSN", &cfg.Database.DSN)
	set("TXQUEUE_RPC_URL", &cfg.Chain.RPCURL)
	set("TXQUEUE_KEYSTORE_PASSPHRASE", &cfg.Keystore.Passphrase)
	set("TXQUEUE_ADMIN_TOKEN", &cfg.Admin.BearerToken)
	set("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)
	if v, ok := lookup("OTEL_EXPORTER_OTLP_INSECURE"); ok {
		if insecure, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Telemetry.Insecure = insecure
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = storage.DriverSQLite
	}
	if cfg.Database.Driver == storage.DriverSQLite && cfg.Database.DSN == "" && cfg.Database.Path == "" {
		cfg.Database.Path = "txqueue.db"
	}
	if cfg.Chain.Spec == "" {
		cfg.Chain.Spec = "evm:1"
	}
	if cfg.Chain.CallTimeout.Duration == 0 {
		cfg.Chain.CallTimeout.Duration = 10 * time.Second
	}
	if cfg.Chain.Confirmations == 0 {
		cfg.Chain.Confirmations = 1
	}
	if cfg.Gas.HealthAttempts <= 0 {
		cfg.Gas.HealthAttempts = 3
	}
	if cfg.Gas.HealthDelay.Duration == 0 {
		cfg.Gas.HealthDelay.Duration = 200 * time.Millisecond
	}
	if cfg.Resend.Factor == 0 {
		cfg.Resend.Factor = 1.1
	}
	if cfg.Resend.FloorBumpWei == "" {
		cfg.Resend.FloorBumpWei = "1"
	}
	if cfg.Straggler.Grace.Duration == 0 {
		cfg.Straggler.Grace.Duration = 5 * time.Minute
	}
	if cfg.Straggler.Batch <= 0 {
		cfg.Straggler.Batch = 50
	}
	if cfg.Syncer.Interval.Duration == 0 {
		cfg.Syncer.Interval.Duration = 5 * time.Second
	}
	if cfg.Syncer.MaxBlocks <= 0 {
		cfg.Syncer.MaxBlocks = 100
	}
	if cfg.Syncer.FlushLimit <= 0 {
		cfg.Syncer.FlushLimit = 100
	}
	if cfg.Retry.InitialInterval.Duration == 0 {
		cfg.Retry.InitialInterval.Duration = 200 * time.Millisecond
	}
	if cfg.Retry.MaxInterval.Duration == 0 {
		cfg.Retry.MaxInterval.Duration = 5 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 5
	}
	if cfg.Retry.MaxElapsed.Duration == 0 {
		cfg.Retry.MaxElapsed.Duration = 30 * time.Second
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = "TXQUEUE_KEYSTORE_PASSPHRASE"
	}
	if cfg.Telemetry.Headers == nil {
		cfg.Telemetry.Headers = map[string]string{}
	}
}

func (k *KeystoreConfig) normalise() error {
	if k == nil || k.Passphrase != "" {
		return nil
	}
	if path := strings.TrimSpace(k.PassphraseFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read passphrase file: %w", err)
		}
		k.Passphrase = strings.TrimRight(string(data), "\r\n")
		return nil
	}
	if env := strings.TrimSpace(k.PassphraseEnv); env != "" {
		k.Passphrase = os.Getenv(env)
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return nil
	}
	a.BearerToken = strings.TrimSpace(a.BearerToken)
	if a.BearerToken != "" {
		return nil
	}
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer token: %w", err)
		}
		a.BearerToken = strings.TrimSpace(string(data))
	}
	return nil
}

func validateConfig(cfg Config) error {
	if _, err := chain.ParseSpec(cfg.Chain.Spec); err != nil {
		return fmt.Errorf("chain spec: %w", err)
	}
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("chain rpc_url must be configured")
	}
	switch cfg.Database.Driver {
	case storage.DriverSQLite:
	case storage.DriverPostgres:
		if strings.TrimSpace(cfg.Database.DSN) == "" {
			return fmt.Errorf("database dsn must be configured for postgres")
		}
	default:
		return fmt.Errorf("database driver %q unsupported", cfg.Database.Driver)
	}
	if _, err := cfg.Gas.Parse(); err != nil {
		return err
	}
	if cfg.Gas.Provider != "" && !common.IsHexAddress(cfg.Gas.Provider) {
		return fmt.Errorf("gas provider %q is not an address", cfg.Gas.Provider)
	}
	policy, err := cfg.Resend.Policy()
	if err != nil {
		return err
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Keystore.Dir) == "" {
		return fmt.Errorf("keystore dir must be configured")
	}
	if cfg.Admin.BearerToken == "" {
		return fmt.Errorf("admin bearer token must be configured")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample_ratio must be within [0,1]")
	}
	return nil
}

// ParsedSpec returns the parsed chain spec.
func (c ChainConfig) ParsedSpec() (chain.Spec, error) { return chain.ParseSpec(c.Spec) }

// Parse converts the decimal scalars into a gas.Config.
func (g GasConfig) Parse() (gas.Config, error) {
	return gas.ParseConfig(g.HolderMinimumUnits, g.RefillThreshold, g.MinFeePrice)
}

// Policy converts the section into a resend.Policy.
func (r ResendConfig) Policy() (resend.Policy, error) {
	floor, ok := new(big.Int).SetString(strings.TrimSpace(r.FloorBumpWei), 10)
	if !ok {
		return resend.Policy{}, fmt.Errorf("resend floor_bump_wei %q is not a decimal", r.FloorBumpWei)
	}
	policy := resend.Policy{Factor: r.Factor, FloorBump: floor}
	if raw := strings.TrimSpace(r.MaxPriceWei); raw != "" {
		maxPrice, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return resend.Policy{}, fmt.Errorf("resend max_price_wei %q is not a decimal", r.MaxPriceWei)
		}
		policy.MaxPrice = maxPrice
	}
	return policy, nil
}

// ResolveDSN returns the configured DSN or derives one from Path.
func (d DatabaseConfig) ResolveDSN() (string, error) {
	if d.DSN != "" {
		return d.DSN, nil
	}
	return storage.FileDSN(d.Path)
}

// LogAttrs summarises the configuration for the startup log. Values that may
// carry credentials go through logging.MaskField.
func (c Config) LogAttrs() []any {
	return []any{
		slog.String("listen", c.ListenAddress),
		logging.MaskField("chain", c.Chain.Spec),
		logging.MaskField("rpc_url", c.Chain.RPCURL),
		slog.String("database_driver", c.Database.Driver),
		slog.String("database_path", c.Database.Path),
		logging.MaskField("database_dsn", c.Database.DSN),
		slog.String("keystore_dir", c.Keystore.Dir),
		logging.MaskField("keystore_passphrase", c.Keystore.Passphrase),
		logging.MaskField("admin_token", c.Admin.BearerToken),
		slog.String("telemetry_endpoint", c.Telemetry.Endpoint),
	}
}
