package config

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/semihalev/zlog/v2"
	"gopkg.in/yaml.v3"
)

const configver = "1.0.0"

// BlackholeGroup is the reserved rule target that refuses a query
// without contacting any upstream.
const BlackholeGroup = "__blackhole__"

// Config type
type Config struct {
	Version        string   `toml:"version"`
	LogLevel       string   `toml:"loglevel"`
	Bind           string   `toml:"bind"`
	BindDOH        string   `toml:"binddoh"`
	DOHPath        string   `toml:"dohpath"`
	TLSCertificate string   `toml:"tlscertificate"`
	TLSPrivateKey  string   `toml:"tlsprivatekey"`
	AccessList     []string `toml:"accesslist"`
	UserAgent      string   `toml:"useragent"`
	AccessLog      string   `toml:"accesslog"`
	Chaos          bool     `toml:"chaos"`

	// HTTPTimeout bounds reading and writing one DoH request.
	HTTPTimeout Duration   `toml:"httptimeout"`
	HTTPClient  HTTPClient `toml:"http_client"`

	Upstream             Upstream `toml:"upstream"`
	Groups               []Group  `toml:"groups"`
	Rules                []Rule   `toml:"rules"`
	DefaultUpstreamGroup string   `toml:"default_upstream_group"`

	Cache Cache `toml:"cache"`

	RateLimit RateLimit `toml:"ratelimit"`

	sVersion string
}

// Upstream holds the global resolver defaults every group inherits.
type Upstream struct {
	EnableDNSSEC bool       `toml:"enable_dnssec" yaml:"enable_dnssec"`
	QueryTimeout Duration   `toml:"query_timeout" yaml:"query_timeout"`
	Resolvers    []Resolver `toml:"resolvers" yaml:"resolvers"`
	ECS          ECS        `toml:"ecs" yaml:"ecs"`
}

// Resolver is one upstream endpoint.
type Resolver struct {
	Address    string `toml:"address" yaml:"address"`
	Protocol   string `toml:"protocol" yaml:"protocol"`
	ServerName string `toml:"server_name" yaml:"server_name"`
}

// ECS policy settings.
type ECS struct {
	Strategy      string `toml:"strategy" yaml:"strategy"`
	IPv4Prefix    int    `toml:"ipv4_prefix" yaml:"ipv4_prefix"`
	IPv6Prefix    int    `toml:"ipv6_prefix" yaml:"ipv6_prefix"`
	AlwaysForward bool   `toml:"always_forward" yaml:"always_forward"`
}

// ECSOverride is the per-group ECS policy, unset fields inherit.
type ECSOverride struct {
	Strategy      *string `toml:"strategy" yaml:"strategy"`
	IPv4Prefix    *int    `toml:"ipv4_prefix" yaml:"ipv4_prefix"`
	IPv6Prefix    *int    `toml:"ipv6_prefix" yaml:"ipv6_prefix"`
	AlwaysForward *bool   `toml:"always_forward" yaml:"always_forward"`
}

// Group is a named upstream group. Nil fields inherit from Upstream.
type Group struct {
	Name         string       `toml:"name" yaml:"name"`
	EnableDNSSEC *bool        `toml:"enable_dnssec" yaml:"enable_dnssec"`
	QueryTimeout *Duration    `toml:"query_timeout" yaml:"query_timeout"`
	Resolvers    []Resolver   `toml:"resolvers" yaml:"resolvers"`
	ECS          *ECSOverride `toml:"ecs" yaml:"ecs"`
}

// Rule routes matching names to an upstream group.
type Rule struct {
	Match         Match  `toml:"match" yaml:"match"`
	UpstreamGroup string `toml:"upstream_group" yaml:"upstream_group"`
}

// Match describes the matcher of a rule. Type is one of
// exact, regex, wildcard, file or url.
type Match struct {
	Type     string   `toml:"type" yaml:"type"`
	Values   []string `toml:"values" yaml:"values"`
	Path     string   `toml:"path" yaml:"path"`
	URL      string   `toml:"url" yaml:"url"`
	Interval Duration `toml:"interval" yaml:"interval"`
}

// Cache settings.
type Cache struct {
	Enabled     bool        `toml:"enabled" yaml:"enabled"`
	Size        int         `toml:"size" yaml:"size"`
	TTL         TTL         `toml:"ttl" yaml:"ttl"`
	Persistence Persistence `toml:"persistence" yaml:"persistence"`
}

// TTL bounds applied to cached answers.
type TTL struct {
	Min      Duration `toml:"min" yaml:"min"`
	Max      Duration `toml:"max" yaml:"max"`
	Negative Duration `toml:"negative" yaml:"negative"`
}

// Persistence controls cache snapshots on disk.
type Persistence struct {
	Enabled           bool     `toml:"enabled" yaml:"enabled"`
	Path              string   `toml:"path" yaml:"path"`
	LoadOnStartup     bool     `toml:"load_on_startup" yaml:"load_on_startup"`
	SkipExpiredOnLoad bool     `toml:"skip_expired_on_load" yaml:"skip_expired_on_load"`
	SkipExpiredOnSave bool     `toml:"skip_expired_on_save" yaml:"skip_expired_on_save"`
	SaveOnShutdown    bool     `toml:"save_on_shutdown" yaml:"save_on_shutdown"`
	ShutdownTimeout   Duration `toml:"shutdown_save_timeout" yaml:"shutdown_save_timeout"`
	MaxItems          int      `toml:"max_items_to_save" yaml:"max_items_to_save"`
	Interval          Duration `toml:"interval" yaml:"interval"`
}

// ServerVersion return current server version
func (c *Config) ServerVersion() string {
	return c.sVersion
}

// HTTPClient configures the client used for DoH upstreams.
type HTTPClient struct {
	Timeout      Duration `toml:"timeout" yaml:"timeout"`
	IdleTimeout  Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	MaxIdleConns int      `toml:"max_idle_connections" yaml:"max_idle_connections"`
}

// RateLimit limits queries per client IP with a token bucket.
type RateLimit struct {
	Enabled    bool `toml:"enabled" yaml:"enabled"`
	PerIPRate  int  `toml:"per_ip_rate" yaml:"per_ip_rate"`
	PerIPBurst int  `toml:"per_ip_burst" yaml:"per_ip_burst"`
	MaxClients int  `toml:"max_clients" yaml:"max_clients"`
}

// Duration type
type Duration struct {
	time.Duration
}

// UnmarshalText for duration type
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = parseDuration(string(text))
	return err
}

// MarshalText for duration type
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML accepts "3s" style strings or plain seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var err error
	d.Duration, err = parseDuration(value.Value)
	return err
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}

	return time.ParseDuration(s)
}

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# Address to bind to for the DNS server
bind = ":53"

# Address to bind to for the DNS-over-HTTPS server, /metrics is served on the same listener
# binddoh = ":8053"

# DNS-over-HTTPS endpoint path
dohpath = "/dns-query"

# TLS certificate file, plain http is used when empty
# tlscertificate = "server.crt"

# TLS private key file
# tlsprivatekey = "server.key"

# What kind of information should be logged, Log verbosity level [error,warn,info,debug]
loglevel = "info"

# Which clients allowed to make queries
accesslist = [
"0.0.0.0/0",
"::0/0"
]

# User agent sent to DoH upstreams and list sources
useragent = "oxide-wdns"

# Query access log file, Apache-like lines, disabled when empty
# accesslog = "/var/log/wdns/access.log"

# Answer version.bind and hostname.bind CHAOS TXT queries
chaos = true

# Read and write timeout of one DoH request
httptimeout = "30s"

# Group used when no rule matches, left blank for the global upstream
default_upstream_group = ""

[upstream]
# Validate DNSSEC signatures of upstream answers
enable_dnssec = false

# Timeout of each upstream attempt
query_timeout = "3s"

# Resolvers are tried in order, protocol one of [udp,tcp,dot,doh,doq]
resolvers = [
	{ address = "1.1.1.1:53", protocol = "udp" },
	{ address = "8.8.8.8:53", protocol = "udp" },
]

[upstream.ecs]
# EDNS client subnet strategy [disabled,strip,forward,anonymize]
strategy = "strip"
ipv4_prefix = 24
ipv6_prefix = 48
always_forward = false

# Upstream groups inherit every unset field from [upstream]
# [[groups]]
# name = "secure"
# enable_dnssec = true
# resolvers = [
#	{ address = "https://dns.google/dns-query", protocol = "doh" },
#	{ address = "1.1.1.1:853", protocol = "dot", server_name = "cloudflare-dns.com" },
# ]

# Rules are evaluated in order, first match wins. type one of [exact,regex,wildcard,file,url]
# "__blackhole__" refuses the query without contacting any upstream.
# [[rules]]
# upstream_group = "__blackhole__"
# match = { type = "wildcard", values = ["*.ads.example"] }
#
# [[rules]]
# upstream_group = "secure"
# match = { type = "url", url = "https://example.com/list.txt", interval = "1h" }

[http_client]
# DoH upstream client: request timeout and idle connection pool
timeout = "10s"
idle_timeout = "90s"
max_idle_connections = 16

[ratelimit]
# Queries per second allowed from one client IP, UDP and TCP clients over
# the limit get no reply, DoH clients get 429
enabled = false
per_ip_rate = 100
per_ip_burst = 100
max_clients = 25600

[cache]
enabled = true
size = 10000

[cache.ttl]
min = "60s"
max = "24h"
negative = "5m"

[cache.persistence]
enabled = false
path = "cache.dat"
load_on_startup = true
skip_expired_on_load = true
skip_expired_on_save = true
save_on_shutdown = true
shutdown_save_timeout = "30s"
max_items_to_save = 0
interval = "0s"
`

// Load loads the given config file
func Load(cfgfile, version string) (*Config, error) {
	if _, err := os.Stat(cfgfile); os.IsNotExist(err) {
		if path.Base(cfgfile) == "wdns.conf" {
			if err := generateConfig(cfgfile); err != nil {
				return nil, err
			}
		}
	}

	zlog.Info("Loading config file", "path", cfgfile)

	f, err := os.Open(cfgfile)
	if err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}
	defer f.Close()

	config, err := Decode(f, formatOf(cfgfile))
	if err != nil {
		return nil, err
	}

	if config.Version != configver {
		zlog.Warn("Config file is out of version, you can generate new one and check the changes.")
	}

	config.sVersion = version

	return config, nil
}

// Decode reads a config in the given format ("toml" or "yaml") and
// fills in defaults.
func Decode(r io.Reader, format string) (*Config, error) {
	config := new(Config)

	switch format {
	case "yaml":
		var f yamlFile

		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && err != io.EOF {
			return nil, fmt.Errorf("could not load config: %w", err)
		}

		f.apply(config)
	default:
		if _, err := toml.NewDecoder(r).Decode(config); err != nil {
			return nil, fmt.Errorf("could not load config: %w", err)
		}
	}

	config.SetDefaults()

	return config, nil
}

// SetDefaults fills every unset field with its default.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Bind == "" {
		c.Bind = ":53"
	}

	if c.DOHPath == "" {
		c.DOHPath = "/dns-query"
	}

	if c.UserAgent == "" {
		c.UserAgent = "oxide-wdns"
	}

	if c.Upstream.QueryTimeout.Duration <= 0 {
		c.Upstream.QueryTimeout.Duration = 3 * time.Second
	}

	if c.Upstream.ECS.Strategy == "" {
		c.Upstream.ECS.Strategy = "strip"
	}

	if c.Upstream.ECS.IPv4Prefix == 0 {
		c.Upstream.ECS.IPv4Prefix = 24
	}

	if c.Upstream.ECS.IPv6Prefix == 0 {
		c.Upstream.ECS.IPv6Prefix = 48
	}

	if c.Cache.Size <= 0 {
		c.Cache.Size = 10000
	}

	if c.Cache.TTL.Max.Duration <= 0 {
		c.Cache.TTL.Max.Duration = 24 * time.Hour
	}

	if c.Cache.TTL.Min.Duration > c.Cache.TTL.Max.Duration {
		c.Cache.TTL.Min.Duration = c.Cache.TTL.Max.Duration
	}

	if c.Cache.TTL.Negative.Duration <= 0 {
		c.Cache.TTL.Negative.Duration = 5 * time.Minute
	}

	if c.Cache.Persistence.Path == "" {
		c.Cache.Persistence.Path = "cache.dat"
	}

	if c.Cache.Persistence.ShutdownTimeout.Duration <= 0 {
		c.Cache.Persistence.ShutdownTimeout.Duration = 30 * time.Second
	}

	if c.HTTPTimeout.Duration <= 0 {
		c.HTTPTimeout.Duration = 30 * time.Second
	}

	if c.HTTPClient.Timeout.Duration <= 0 {
		c.HTTPClient.Timeout.Duration = 10 * time.Second
	}

	if c.HTTPClient.IdleTimeout.Duration <= 0 {
		c.HTTPClient.IdleTimeout.Duration = 90 * time.Second
	}

	if c.HTTPClient.MaxIdleConns <= 0 {
		c.HTTPClient.MaxIdleConns = 16
	}

	if c.RateLimit.PerIPRate <= 0 {
		c.RateLimit.PerIPRate = 100
	}

	if c.RateLimit.PerIPBurst <= 0 {
		c.RateLimit.PerIPBurst = c.RateLimit.PerIPRate
	}

	if c.RateLimit.MaxClients <= 0 {
		c.RateLimit.MaxClients = 25600
	}
}

func formatOf(cfgfile string) string {
	switch strings.ToLower(filepath.Ext(cfgfile)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "toml"
	}
}

func generateConfig(path string) error {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %w", err)
	}

	defer func() {
		err := output.Close()
		if err != nil {
			zlog.Warn("Config generation failed while file closing", "error", err.Error())
		}
	}()

	r := strings.NewReader(fmt.Sprintf(defaultConfig, configver))
	if _, err := io.Copy(output, r); err != nil {
		return fmt.Errorf("could not copy default config: %w", err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		zlog.Info("Default config file generated", "config", abs)
	}

	return nil
}
