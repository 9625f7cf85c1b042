package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables recognised by [ApplyEnv]. Secrets belong here rather
// than in the config file.
const (
	EnvStoreDSN           = "SBGATE_STORE_DSN"
	EnvModelAPIKey        = "SBGATE_MODEL_API_KEY"
	EnvTelephonySID       = "SBGATE_TELEPHONY_ACCOUNT_SID"
	EnvTelephonyAuthToken = "SBGATE_TELEPHONY_AUTH_TOKEN"
	EnvTransferNumber     = "SBGATE_TRANSFER_NUMBER"
	EnvListenAddr         = "SBGATE_LISTEN_ADDR"
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays recognised environment variables onto cfg. Set variables
// always win over file values so deployments never write secrets to disk.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvStoreDSN); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv(EnvModelAPIKey); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv(EnvTelephonySID); v != "" {
		cfg.Telephony.AccountSID = v
	}
	if v := os.Getenv(EnvTelephonyAuthToken); v != "" {
		cfg.Telephony.AuthToken = v
	}
	if v := os.Getenv(EnvTransferNumber); v != "" {
		cfg.Restaurant.TransferNumber = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.Server.ListenAddr = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Restaurant.ID == "" {
		cfg.Restaurant.ID = "saffron-bistro-irvine"
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicHost == "" {
		errs = append(errs, errors.New("server.public_host is required (the host the telephony provider connects back to)"))
	}
	if cfg.Store.DSN == "" {
		errs = append(errs, fmt.Errorf("store.dsn is required (or set %s)", EnvStoreDSN))
	}
	if cfg.Model.APIKey == "" {
		errs = append(errs, fmt.Errorf("model.api_key is required (or set %s)", EnvModelAPIKey))
	}
	if cfg.Restaurant.TransferNumber == "" {
		errs = append(errs, fmt.Errorf("restaurant.transfer_number is required (or set %s)", EnvTransferNumber))
	}

	return errors.Join(errs...)
}
