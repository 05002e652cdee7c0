package fetchcache

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/always-cache/fetchcache/admission"
	"github.com/always-cache/fetchcache/cache"
	"github.com/always-cache/fetchcache/precache"
	"github.com/always-cache/fetchcache/strategy"

	"gopkg.in/yaml.v3"
)

// Strategy kinds accepted in route configuration.
const (
	StrategyNetworkFirst = strategy.KindNetworkFirst
	StrategyCacheFirst   = strategy.KindCacheFirst
	StrategyNetworkOnly  = strategy.KindNetworkOnly
)

// Storage providers accepted in configuration.
const (
	ProviderMemory  = "memory"
	ProviderSQLite  = "sqlite"
	ProviderLevelDB = "leveldb"
)

const (
	defaultSweepInterval     = time.Minute
	defaultPrecachePartition = "precache"
)

type Config struct {
	// Version is the build version token embedded in partition names.
	Version string `yaml:"version"`
	// Origin resolves relative request URLs in proxy mode and is the origin
	// for sameOrigin route matches.
	Origin        string          `yaml:"origin"`
	Storage       StorageConfig   `yaml:"storage"`
	SweepInterval Duration        `yaml:"sweepInterval"`
	Partitions    []PartitionSpec `yaml:"partitions"`
	Routes        []RouteSpec     `yaml:"routes"`
	Precache      PrecacheSpec    `yaml:"precache"`
}

type StorageConfig struct {
	Provider string `yaml:"provider"`
	Path     string `yaml:"path"`
}

type PartitionSpec struct {
	// Name is the purpose of the partition, without version token.
	Name       string   `yaml:"name"`
	MaxEntries *int     `yaml:"maxEntries"`
	MaxAge     Duration `yaml:"maxAge"`
}

type RouteSpec struct {
	Name      string    `yaml:"name"`
	Match     MatchSpec `yaml:"match"`
	Strategy  string    `yaml:"strategy"`
	Partition string    `yaml:"partition"`
	// Timeout of the NetworkFirst race.
	Timeout            Duration `yaml:"timeout"`
	AwaitNetworkOnMiss bool     `yaml:"awaitNetworkOnMiss"`
	// Fallback is a precached URL served when network and cache fail.
	Fallback     string        `yaml:"fallback"`
	IgnoreQuery  bool          `yaml:"ignoreQuery"`
	IgnoreParams []string      `yaml:"ignoreParams"`
	MaxBodySize  int64         `yaml:"maxBodySize"`
	Admission    AdmissionSpec `yaml:"admission"`
}

// MatchSpec lists route conditions. All given conditions must hold.
type MatchSpec struct {
	Mode        StringList `yaml:"mode"`
	Methods     StringList `yaml:"methods"`
	PathPrefix  string     `yaml:"pathPrefix"`
	Regexp      string     `yaml:"regexp"`
	Origin      StringList `yaml:"origin"`
	SameOrigin  bool       `yaml:"sameOrigin"`
	Destination StringList `yaml:"destination"`
	Extension   StringList `yaml:"extension"`
}

type AdmissionSpec struct {
	// Statuses defaults to 0 and 200.
	Statuses         []int             `yaml:"statuses"`
	RequireJSONField string            `yaml:"requireJSONField"`
	RequireJSONKind  string            `yaml:"requireJSONKind"`
	MaxBodySize      int64             `yaml:"maxBodySize"`
	StripHeaders     []string          `yaml:"stripHeaders"`
	SetHeaders       map[string]string `yaml:"setHeaders"`
}

type PrecacheSpec struct {
	Partition   string            `yaml:"partition"`
	Concurrency int               `yaml:"concurrency"`
	CacheBust   bool              `yaml:"cacheBust"`
	Manifest    precache.Manifest `yaml:"manifest"`
	// ManifestFile is loaded and appended to Manifest.
	ManifestFile string `yaml:"manifestFile"`
}

// Duration is a time.Duration written as "3s" or "24h" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// StringList accepts a single string or a list of strings.
type StringList []string

func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*l = list
	return nil
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(filename string) (Config, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, err
	}
	cfg, err := ParseConfig(b)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", filename, err)
	}
	if cfg.Precache.ManifestFile != "" {
		m, err := precache.LoadManifest(cfg.Precache.ManifestFile)
		if err != nil {
			return cfg, err
		}
		cfg.Precache.Manifest = append(cfg.Precache.Manifest, m...)
	}
	return cfg, nil
}

// ParseConfig parses and validates a YAML configuration.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	if c.SweepInterval == 0 {
		c.SweepInterval = Duration(defaultSweepInterval)
	}
	if c.Storage.Provider == "" {
		c.Storage.Provider = ProviderMemory
	}
	if c.Precache.Partition == "" {
		c.Precache.Partition = defaultPrecachePartition
	}
}

// Validate checks the configuration. Errors name the offending field.
func (c Config) Validate() error {
	if strings.Contains(c.Version, "@") {
		return fmt.Errorf("version: must not contain '@'")
	}
	if c.Origin != "" {
		u, err := url.Parse(c.Origin)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("origin: %q is not an absolute URL", c.Origin)
		}
	}
	switch c.Storage.Provider {
	case "", ProviderMemory, ProviderSQLite:
	case ProviderLevelDB:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path: required for leveldb")
		}
	default:
		return fmt.Errorf("storage.provider: unknown provider %q", c.Storage.Provider)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweepInterval: is negative")
	}
	if strings.Contains(c.Precache.Partition, "@") {
		return fmt.Errorf("precache.partition: must not contain '@'")
	}

	partitions := make(map[string]bool, len(c.Partitions))
	for i, p := range c.Partitions {
		if strings.Contains(p.Name, "@") {
			return fmt.Errorf("partitions[%d].name: must not contain '@'", i)
		}
		if partitions[p.Name] {
			return fmt.Errorf("partitions[%d].name: duplicate partition %q", i, p.Name)
		}
		if err := p.config("").Validate(); err != nil {
			return fmt.Errorf("partitions[%d]: %w", i, err)
		}
		partitions[p.Name] = true
	}

	routes := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		path := fmt.Sprintf("routes[%d]", i)
		if r.Name == "" {
			return fmt.Errorf("%s.name: is empty", path)
		}
		if routes[r.Name] {
			return fmt.Errorf("%s.name: duplicate route %q", path, r.Name)
		}
		routes[r.Name] = true
		switch normalizeStrategy(r.Strategy) {
		case StrategyNetworkOnly:
		case StrategyNetworkFirst, StrategyCacheFirst:
			if r.Partition == "" {
				return fmt.Errorf("%s.partition: required for %s", path, r.Strategy)
			}
			if !partitions[r.Partition] {
				return fmt.Errorf("%s.partition: unknown partition %q", path, r.Partition)
			}
			if r.Partition == c.Precache.Partition && c.Precache.Partition != "" {
				return fmt.Errorf("%s.partition: %q is the precache partition", path, r.Partition)
			}
		default:
			return fmt.Errorf("%s.strategy: unknown strategy %q", path, r.Strategy)
		}
		if r.Timeout < 0 {
			return fmt.Errorf("%s.timeout: is negative", path)
		}
		if r.Match.Regexp != "" {
			if _, err := regexp.Compile(r.Match.Regexp); err != nil {
				return fmt.Errorf("%s.match.regexp: %w", path, err)
			}
		}
		for _, expr := range r.IgnoreParams {
			if _, err := regexp.Compile(expr); err != nil {
				return fmt.Errorf("%s.ignoreParams: %w", path, err)
			}
		}
		if r.Match.SameOrigin && c.Origin == "" {
			return fmt.Errorf("%s.match.sameOrigin: requires origin", path)
		}
		if r.Fallback != "" && !c.Precache.Manifest.Has(r.Fallback) && c.Precache.ManifestFile == "" {
			return fmt.Errorf("%s.fallback: %q is not precached", path, r.Fallback)
		}
		switch r.Admission.RequireJSONKind {
		case "", admission.KindObject, admission.KindArray, admission.KindString, admission.KindNumber, admission.KindBool:
		default:
			return fmt.Errorf("%s.admission.requireJSONKind: unknown kind %q", path, r.Admission.RequireJSONKind)
		}
	}
	if err := c.Precache.Manifest.Validate(); err != nil {
		return fmt.Errorf("precache.manifest: %w", err)
	}
	return nil
}

func (p PartitionSpec) config(version string) cache.PartitionConfig {
	return cache.PartitionConfig{
		Name:       cache.PartitionName(p.Name, version),
		MaxEntries: p.MaxEntries,
		MaxAge:     time.Duration(p.MaxAge),
	}
}

func normalizeStrategy(s string) string {
	for _, kind := range []string{StrategyNetworkFirst, StrategyCacheFirst, StrategyNetworkOnly} {
		if strings.EqualFold(s, kind) {
			return kind
		}
	}
	return s
}
