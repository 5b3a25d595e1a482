package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "PORTFOLIO_"

type GlobalFlags struct {
	ConfigPath  string
	JSON        bool
	Plain       bool
	Select      string
	ResultsOnly bool
	Strict      bool
	Timeout     string
	Retries     int
	LogLevel    string
	Networks    string

	// EnableCommands is a comma separated allowlist of command paths.
	EnableCommands string
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	Strict         bool
	Timeout        time.Duration
	Retries        int
	LogLevel       string
	StorePath      string
	StoreLockPath  string

	RelayerURL    string
	HintsURL      string
	PricesURL     string
	RateLimit     float64
	RateBurst     int
	LatestMaxAge  time.Duration
	GasTankMaxAge time.Duration
	RewardsMaxAge time.Duration
	PriceRecency  time.Duration

	Accounts []string
	Networks []string
	// RPC maps a network slug or chain ID to an endpoint override.
	RPC map[string]string
}

type fileConfig struct {
	Output   string            `yaml:"output"`
	Strict   *bool             `yaml:"strict"`
	Timeout  string            `yaml:"timeout"`
	Retries  *int              `yaml:"retries"`
	LogLevel string            `yaml:"log_level"`
	Accounts []string          `yaml:"accounts"`
	Networks []string          `yaml:"networks"`
	RPC      map[string]string `yaml:"rpc"`
	Store    struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"store"`
	Relayer struct {
		URL       string   `yaml:"url"`
		RateLimit *float64 `yaml:"rate_limit"`
		Burst     *int     `yaml:"burst"`
	} `yaml:"relayer"`
	Hints struct {
		URL          string `yaml:"url"`
		PriceRecency string `yaml:"price_recency"`
	} `yaml:"hints"`
	Prices struct {
		URL string `yaml:"url"`
	} `yaml:"prices"`
	Staleness struct {
		Latest  string `yaml:"latest"`
		GasTank string `yaml:"gas_tank"`
		Rewards string `yaml:"rewards"`
	} `yaml:"staleness"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.RateBurst <= 0 {
		settings.RateBurst = 1
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	storePath, lockPath, err := defaultStorePaths()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:    "json",
		Timeout:       10 * time.Second,
		Retries:       2,
		LogLevel:      "warn",
		StorePath:     storePath,
		StoreLockPath: lockPath,
		RateLimit:     5,
		RateBurst:     2,
		LatestMaxAge:  20 * time.Second,
		GasTankMaxAge: 20 * time.Second,
		RewardsMaxAge: 60 * time.Second,
		PriceRecency:  time.Minute,
		RPC:           map[string]string{},
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	if v := os.Getenv(envPrefix + "CONFIG"); v != "" {
		return v, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "portfolio", "config.yaml"), nil
}

func defaultStorePaths() (string, string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	dir := filepath.Join(base, "portfolio")
	return filepath.Join(dir, "state.db"), filepath.Join(dir, "state.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Strict != nil {
		settings.Strict = *cfg.Strict
	}
	if cfg.Timeout != "" {
		if err := setDuration(&settings.Timeout, cfg.Timeout, "config timeout"); err != nil {
			return err
		}
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.LogLevel != "" {
		settings.LogLevel = cfg.LogLevel
	}
	if len(cfg.Accounts) > 0 {
		settings.Accounts = cfg.Accounts
	}
	if len(cfg.Networks) > 0 {
		settings.Networks = cfg.Networks
	}
	for network, url := range cfg.RPC {
		settings.RPC[strings.ToLower(strings.TrimSpace(network))] = url
	}
	if cfg.Store.Path != "" {
		settings.StorePath = cfg.Store.Path
	}
	if cfg.Store.LockPath != "" {
		settings.StoreLockPath = cfg.Store.LockPath
	}
	if cfg.Relayer.URL != "" {
		settings.RelayerURL = cfg.Relayer.URL
	}
	if cfg.Relayer.RateLimit != nil {
		settings.RateLimit = *cfg.Relayer.RateLimit
	}
	if cfg.Relayer.Burst != nil {
		settings.RateBurst = *cfg.Relayer.Burst
	}
	if cfg.Hints.URL != "" {
		settings.HintsURL = cfg.Hints.URL
	}
	if cfg.Prices.URL != "" {
		settings.PricesURL = cfg.Prices.URL
	}
	durations := []struct {
		raw    string
		target *time.Duration
		name   string
	}{
		{cfg.Hints.PriceRecency, &settings.PriceRecency, "config hints.price_recency"},
		{cfg.Staleness.Latest, &settings.LatestMaxAge, "config staleness.latest"},
		{cfg.Staleness.GasTank, &settings.GasTankMaxAge, "config staleness.gas_tank"},
		{cfg.Staleness.Rewards, &settings.RewardsMaxAge, "config staleness.rewards"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		if err := setDuration(d.target, d.raw, d.name); err != nil {
			return err
		}
	}

	return nil
}

func setDuration(target *time.Duration, raw, name string) error {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*target = d
	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv(envPrefix + "OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv(envPrefix + "STRICT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.Strict = b
		}
	}
	if v := os.Getenv(envPrefix + "TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv(envPrefix + "RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		settings.LogLevel = v
	}
	if v := os.Getenv(envPrefix + "STORE_PATH"); v != "" {
		settings.StorePath = v
	}
	if v := os.Getenv(envPrefix + "STORE_LOCK_PATH"); v != "" {
		settings.StoreLockPath = v
	}
	if v := os.Getenv(envPrefix + "RELAYER_URL"); v != "" {
		settings.RelayerURL = v
	}
	if v := os.Getenv(envPrefix + "RELAYER_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			settings.RateLimit = f
		}
	}
	if v := os.Getenv(envPrefix + "HINTS_URL"); v != "" {
		settings.HintsURL = v
	}
	if v := os.Getenv(envPrefix + "PRICES_URL"); v != "" {
		settings.PricesURL = v
	}
	if v := os.Getenv(envPrefix + "PRICE_RECENCY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.PriceRecency = d
		}
	}
	if v := os.Getenv(envPrefix + "MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.LatestMaxAge = d
		}
	}
	if v := os.Getenv(envPrefix + "ACCOUNTS"); v != "" {
		settings.Accounts = splitList(v)
	}
	if v := os.Getenv(envPrefix + "NETWORKS"); v != "" {
		settings.Networks = splitList(v)
	}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envPrefix+"RPC_") || value == "" {
			continue
		}
		network := strings.ToLower(strings.TrimPrefix(name, envPrefix+"RPC_"))
		if network != "" {
			settings.RPC[network] = value
		}
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = splitList(flags.Select)
	}
	settings.ResultsOnly = flags.ResultsOnly
	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = splitList(flags.EnableCommands)
	}

	if flags.Strict {
		settings.Strict = true
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.LogLevel != "" {
		settings.LogLevel = flags.LogLevel
	}
	if strings.TrimSpace(flags.Networks) != "" {
		settings.Networks = splitList(flags.Networks)
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
