package swcache

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	// Version is embedded in the generation names. Bumping it orphans the
	// previous generations, which are removed on activation.
	Version string `yaml:"version"`

	Storage struct {
		Path   string `yaml:"path"`
		Prefix string `yaml:"prefix"`
		RAM    struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
	} `yaml:"storage"`

	Manifest struct {
		URLs        []string `yaml:"urls"`
		Sitemaps    []string `yaml:"sitemaps"`
		Concurrency int      `yaml:"concurrency"`
	} `yaml:"manifest"`

	Rules struct {
		NetworkFirst   []string `yaml:"networkFirst"`
		StaticSuffixes []string `yaml:"staticSuffixes"`
		TrustedHosts   []string `yaml:"trustedHosts"`
		OfflineJSON    []string `yaml:"offlineJSON"`
	} `yaml:"rules"`

	Offline struct {
		Message string `yaml:"message"`
	} `yaml:"offline"`

	Fetch struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"fetch"`

	Strategy struct {
		BackgroundLimit   int    `yaml:"backgroundLimit"`
		BackgroundTimeout string `yaml:"backgroundTimeout"`
	} `yaml:"strategy"`

	Notifications struct {
		Title      string               `yaml:"title"`
		Icon       string               `yaml:"icon"`
		Badge      string               `yaml:"badge"`
		Vibrate    []int                `yaml:"vibrate"`
		Tag        string               `yaml:"tag"`
		Actions    []NotificationAction `yaml:"actions"`
		OpenAction string               `yaml:"openAction"`
		OpenURL    string               `yaml:"openURL"`
	} `yaml:"notifications"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// compiled
	manifestURLs     []string
	ramMax           int64
	fetchTimeout     time.Duration
	bgTimeout        time.Duration
	logStatsEveryDur time.Duration
}

// DefaultConfig returns the built-in rule tables; a config file only needs
// to set the origin and the manifest.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Version = "v1"
	cfg.Storage.Prefix = "swcache"
	cfg.Storage.RAM.Max = "64m"
	cfg.Manifest.Concurrency = 6
	cfg.Rules.NetworkFirst = []string{
		"https://eujpxsoz2tqoqqk6tnpiqgjbne0oxymx.lambda-url.us-east-2.on.aws/",
		"https://api.github.com/",
		"https://calendly.com/",
	}
	cfg.Rules.StaticSuffixes = []string{".css", ".js", ".png", ".jpg", ".jpeg", ".gif", ".svg"}
	cfg.Rules.TrustedHosts = []string{"fonts.googleapis.com", "cdnjs.cloudflare.com"}
	cfg.Rules.OfflineJSON = []string{"api.github.com"}
	cfg.Offline.Message = "Offline - GitHub data unavailable"
	cfg.Fetch.Timeout = "30s"
	cfg.Strategy.BackgroundLimit = 32
	cfg.Strategy.BackgroundTimeout = "30s"
	cfg.Notifications.Title = "Notification"
	cfg.Notifications.Vibrate = []int{200, 100, 200}
	cfg.Notifications.Tag = "swcache-notification"
	cfg.Notifications.Actions = []NotificationAction{{Action: "view", Title: "View"}}
	cfg.Notifications.OpenAction = "view"
	cfg.Notifications.OpenURL = "/"
	cfg.Logging.Level = "info"
	return cfg
}

// LoadConfig reads the YAML file at path on top of DefaultConfig, applies
// SWCACHE_* environment overrides and compiles the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envOverrides are the settings a deployment usually changes without
// editing the config file.
type envOverrides struct {
	Port        int    `env:"SWCACHE_PORT"`
	Origin      string `env:"SWCACHE_ORIGIN"`
	Version     string `env:"SWCACHE_VERSION"`
	StoragePath string `env:"SWCACHE_STORAGE_PATH"`
	LogLevel    string `env:"SWCACHE_LOG_LEVEL"`
}

func (cfg *Config) applyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return errors.Wrap(err, "parse env")
	}
	if o.Port != 0 {
		cfg.Server.Port = o.Port
	}
	if o.Origin != "" {
		cfg.Server.Origin = o.Origin
	}
	if o.Version != "" {
		cfg.Version = o.Version
	}
	if o.StoragePath != "" {
		cfg.Storage.Path = o.StoragePath
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	return nil
}

// Compile validates the config and fills the derived fields. LoadConfig
// calls it; configs built in code must call it before NewService.
func (cfg *Config) Compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return errors.New("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil || !origin.IsAbs() {
		return errors.Errorf("server.origin must be an absolute URL, got %q", cfg.Server.Origin)
	}

	cfg.Version = strings.TrimSpace(cfg.Version)
	if cfg.Version == "" || strings.ContainsAny(cfg.Version, " \t\x00") {
		return errors.Errorf("invalid version %q", cfg.Version)
	}
	if cfg.Storage.Prefix == "" {
		cfg.Storage.Prefix = "swcache"
	}

	cfg.manifestURLs = nil
	seen := map[string]struct{}{}
	for i, raw := range cfg.Manifest.URLs {
		abs, err := resolveURL(origin, raw)
		if err != nil {
			return errors.Wrapf(err, "manifest.urls[%d]", i)
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		cfg.manifestURLs = append(cfg.manifestURLs, abs)
	}
	if cfg.Manifest.Concurrency <= 0 {
		cfg.Manifest.Concurrency = 1
	}

	for i, s := range cfg.Rules.StaticSuffixes {
		cfg.Rules.StaticSuffixes[i] = strings.ToLower(strings.TrimSpace(s))
	}
	for i, h := range cfg.Rules.TrustedHosts {
		cfg.Rules.TrustedHosts[i] = strings.ToLower(strings.TrimSpace(h))
	}

	cfg.ramMax = 0
	if cfg.Storage.RAM.Max != "" {
		n, err := parseBytes(cfg.Storage.RAM.Max)
		if err != nil {
			return errors.Wrap(err, "storage.ram.max")
		}
		cfg.ramMax = n
	}

	if cfg.fetchTimeout, err = parseOptionalDuration(cfg.Fetch.Timeout); err != nil {
		return errors.Wrap(err, "fetch.timeout")
	}
	if cfg.bgTimeout, err = parseOptionalDuration(cfg.Strategy.BackgroundTimeout); err != nil {
		return errors.Wrap(err, "strategy.backgroundTimeout")
	}
	if cfg.logStatsEveryDur, err = parseOptionalDuration(cfg.Logging.LogStatsEvery); err != nil {
		return errors.Wrap(err, "logging.logStatsEvery")
	}
	if cfg.Strategy.BackgroundLimit <= 0 {
		cfg.Strategy.BackgroundLimit = 1
	}
	if cfg.Notifications.OpenURL == "" {
		cfg.Notifications.OpenURL = "/"
	}
	return nil
}

// StaticGeneration is the name of the generation holding manifest assets.
func (cfg *Config) StaticGeneration() string {
	return cfg.Storage.Prefix + "-static-" + cfg.Version
}

// DynamicGeneration is the name of the generation holding runtime entries.
func (cfg *Config) DynamicGeneration() string {
	return cfg.Storage.Prefix + "-dynamic-" + cfg.Version
}

// ManifestURLs returns the absolute, de-duplicated manifest in config order.
func (cfg *Config) ManifestURLs() []string {
	out := make([]string, len(cfg.manifestURLs))
	copy(out, cfg.manifestURLs)
	return out
}

func resolveURL(base *url.URL, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
