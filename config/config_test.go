package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_config(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "example.conf")

	err := generateConfig(configFile)
	assert.NoError(t, err)

	cfg, err := Load(configFile, "0.0.0")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0", cfg.ServerVersion())
	assert.Equal(t, configver, cfg.Version)
	assert.Len(t, cfg.Upstream.Resolvers, 2)
	assert.Equal(t, "udp", cfg.Upstream.Resolvers[0].Protocol)
	assert.Equal(t, 3*time.Second, cfg.Upstream.QueryTimeout.Duration)
	assert.Equal(t, "strip", cfg.Upstream.ECS.Strategy)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL.Max.Duration)
	assert.True(t, cfg.Cache.Enabled)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 100, cfg.RateLimit.PerIPRate)
	assert.Equal(t, 100, cfg.RateLimit.PerIPBurst)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout.Duration)
	assert.Equal(t, 10*time.Second, cfg.HTTPClient.Timeout.Duration)
	assert.Equal(t, 16, cfg.HTTPClient.MaxIdleConns)
	assert.True(t, cfg.Cache.Persistence.SkipExpiredOnSave)
}

func Test_configError(t *testing.T) {
	const configFile = ""

	_, err := Load(configFile, "0.0.0")
	assert.Error(t, err)
}

func Test_configGenerateDefault(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(wd) }()

	cfg, err := Load("wdns.conf", "0.0.0")
	require.NoError(t, err)
	assert.Equal(t, ":53", cfg.Bind)

	_, err = os.Stat(filepath.Join(dir, "wdns.conf"))
	assert.NoError(t, err)
}

func Test_configGroupsAndRulesTOML(t *testing.T) {
	const data = `
default_upstream_group = "cn"

[upstream]
enable_dnssec = true
query_timeout = "2s"
resolvers = [{ address = "8.8.8.8:53", protocol = "udp" }]

[[groups]]
name = "cn"
query_timeout = "500ms"
resolvers = [{ address = "https://doh.example/dns-query", protocol = "doh" }]
ecs = { strategy = "anonymize", ipv4_prefix = 16 }

[[groups]]
name = "plain"
enable_dnssec = false

[[rules]]
upstream_group = "cn"
match = { type = "regex", values = [".*\\.cn"] }

[[rules]]
upstream_group = "__blackhole__"
match = { type = "url", url = "http://lists.example/ads.txt", interval = "1h" }
`

	cfg, err := Decode(strings.NewReader(data), "toml")
	require.NoError(t, err)

	assert.Equal(t, "cn", cfg.DefaultUpstreamGroup)
	assert.True(t, cfg.Upstream.EnableDNSSEC)
	assert.Equal(t, 2*time.Second, cfg.Upstream.QueryTimeout.Duration)

	require.Len(t, cfg.Groups, 2)

	cn := cfg.Groups[0]
	assert.Nil(t, cn.EnableDNSSEC)
	require.NotNil(t, cn.QueryTimeout)
	assert.Equal(t, 500*time.Millisecond, cn.QueryTimeout.Duration)
	require.NotNil(t, cn.ECS)
	require.NotNil(t, cn.ECS.Strategy)
	assert.Equal(t, "anonymize", *cn.ECS.Strategy)
	require.NotNil(t, cn.ECS.IPv4Prefix)
	assert.Equal(t, 16, *cn.ECS.IPv4Prefix)
	assert.Nil(t, cn.ECS.IPv6Prefix)

	plain := cfg.Groups[1]
	require.NotNil(t, plain.EnableDNSSEC)
	assert.False(t, *plain.EnableDNSSEC)
	assert.Nil(t, plain.Resolvers)

	require.Len(t, cfg.Rules, 2)
	assert.Equal(t, "regex", cfg.Rules[0].Match.Type)
	assert.Equal(t, BlackholeGroup, cfg.Rules[1].UpstreamGroup)
	assert.Equal(t, time.Hour, cfg.Rules[1].Match.Interval.Duration)
}

func Test_configYAML(t *testing.T) {
	const data = `
http_server:
  listen_addr: "127.0.0.1:8053"
  timeout: 10
  rate_limit:
    enabled: true
    per_ip_rate: 1
    per_ip_concurrent: 1
dns_resolver:
  upstream:
    resolvers:
      - address: "8.8.8.8:53"
        protocol: udp
    query_timeout: 3
    enable_dnssec: false
  http_client:
    timeout: 5
    pool:
      idle_timeout: 60
      max_idle_connections: 20
    request:
      user_agent: "oxide-wdns-test/0.1.0"
  cache:
    enabled: true
    size: 1000
    ttl:
      min: 10
      max: 300
      negative: 30
`

	cfg, err := Decode(strings.NewReader(data), "yaml")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8053", cfg.BindDOH)
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout.Duration)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 1, cfg.RateLimit.PerIPRate)
	assert.Equal(t, 1, cfg.RateLimit.PerIPBurst)

	require.Len(t, cfg.Upstream.Resolvers, 1)
	assert.Equal(t, "8.8.8.8:53", cfg.Upstream.Resolvers[0].Address)
	assert.Equal(t, 3*time.Second, cfg.Upstream.QueryTimeout.Duration)

	assert.Equal(t, 5*time.Second, cfg.HTTPClient.Timeout.Duration)
	assert.Equal(t, time.Minute, cfg.HTTPClient.IdleTimeout.Duration)
	assert.Equal(t, 20, cfg.HTTPClient.MaxIdleConns)
	assert.Equal(t, "oxide-wdns-test/0.1.0", cfg.UserAgent)

	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 1000, cfg.Cache.Size)
	assert.Equal(t, 10*time.Second, cfg.Cache.TTL.Min.Duration)
	assert.Equal(t, 300*time.Second, cfg.Cache.TTL.Max.Duration)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL.Negative.Duration)

	assert.Empty(t, cfg.Groups)
	assert.Equal(t, ":53", cfg.Bind)
}

func Test_configYAMLRouting(t *testing.T) {
	const data = `
http_server:
  listen_addr: "127.0.0.1:8053"
  timeout: 10
  rate_limit:
    enabled: false
dns_resolver:
  upstream:
    resolvers:
      - address: "https://default.example/dns-query"
        protocol: doh
    query_timeout: 3
    enable_dnssec: false
  cache:
    enabled: false
  routing:
    enabled: true
    upstream_groups:
      - name: "cn_group"
        resolvers:
          - address: "https://cn.example/dns-query"
            protocol: doh
      - name: "secure_group"
        enable_dnssec: true
        resolvers:
          - address: "https://secure.example/dns-query"
            protocol: doh
    rules:
      - match:
          type: regex
          values: [".*\\.cn$", ".*\\.com\\.cn$"]
        upstream_group: "cn_group"
      - match:
          type: exact
          values: ["secure.example.com"]
        upstream_group: "secure_group"
      - match:
          type: exact
          values: ["blocked.example.com"]
        upstream_group: "__blackhole__"
`

	cfg, err := Decode(strings.NewReader(data), "yaml")
	require.NoError(t, err)

	assert.False(t, cfg.RateLimit.Enabled)
	assert.False(t, cfg.Cache.Enabled)

	require.Len(t, cfg.Groups, 2)
	assert.Equal(t, "cn_group", cfg.Groups[0].Name)
	require.NotNil(t, cfg.Groups[1].EnableDNSSEC)
	assert.True(t, *cfg.Groups[1].EnableDNSSEC)
	assert.Equal(t, "doh", cfg.Groups[1].Resolvers[0].Protocol)

	require.Len(t, cfg.Rules, 3)
	assert.Equal(t, "regex", cfg.Rules[0].Match.Type)
	assert.Equal(t, []string{`.*\.cn$`, `.*\.com\.cn$`}, cfg.Rules[0].Match.Values)
	assert.Equal(t, []string{"secure.example.com"}, cfg.Rules[1].Match.Values)
	assert.Equal(t, BlackholeGroup, cfg.Rules[2].UpstreamGroup)
}

func Test_configYAMLRoutingDisabled(t *testing.T) {
	const data = `
dns_resolver:
  routing:
    enabled: false
    upstream_groups:
      - name: "g"
        resolvers:
          - address: "1.1.1.1:53"
            protocol: udp
    rules:
      - match:
          type: exact
          values: ["a.example"]
        upstream_group: "g"
`

	cfg, err := Decode(strings.NewReader(data), "yaml")
	require.NoError(t, err)

	assert.Empty(t, cfg.Groups)
	assert.Empty(t, cfg.Rules)
}

func Test_configYAMLUnknownKey(t *testing.T) {
	_, err := Decode(strings.NewReader("upstream:\n  resolvers: []\n"), "yaml")
	assert.Error(t, err)

	_, err = Decode(strings.NewReader("dns_resolver:\n  cache:\n    enabeld: true\n"), "yaml")
	assert.Error(t, err)
}

func Test_configYAMLServerExtensions(t *testing.T) {
	const data = `
log_level: debug
http_server:
  path: /q
dns_server:
  listen_addr: "127.0.0.1:5353"
  access_list: ["127.0.0.1/32"]
  chaos: true
dns_resolver:
  cache:
    enabled: true
    persistence:
      enabled: true
      path: snap.dat
      skip_expired_on_save: true
`

	cfg, err := Decode(strings.NewReader(data), "yaml")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/q", cfg.DOHPath)
	assert.Equal(t, "127.0.0.1:5353", cfg.Bind)
	assert.Equal(t, []string{"127.0.0.1/32"}, cfg.AccessList)
	assert.True(t, cfg.Chaos)
	assert.True(t, cfg.Cache.Persistence.Enabled)
	assert.True(t, cfg.Cache.Persistence.SkipExpiredOnSave)
	assert.False(t, cfg.Cache.Persistence.SkipExpiredOnLoad)
}

func Test_formatOf(t *testing.T) {
	assert.Equal(t, "yaml", formatOf("/etc/wdns.yaml"))
	assert.Equal(t, "yaml", formatOf("wdns.YML"))
	assert.Equal(t, "toml", formatOf("wdns.conf"))
}

func Test_parseDuration(t *testing.T) {
	d, err := parseDuration("15")
	assert.NoError(t, err)
	assert.Equal(t, 15*time.Second, d)

	d, err = parseDuration("1m30s")
	assert.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = parseDuration("soon")
	assert.Error(t, err)
}
