package config

// yamlFile is the on-disk YAML layout. Server settings live under
// http_server and dns_server, resolution settings under dns_resolver.
type yamlFile struct {
	Version  string `yaml:"version"`
	LogLevel string `yaml:"log_level"`

	HTTPServer struct {
		ListenAddr     string   `yaml:"listen_addr"`
		Timeout        Duration `yaml:"timeout"`
		Path           string   `yaml:"path"`
		TLSCertificate string   `yaml:"tls_certificate"`
		TLSPrivateKey  string   `yaml:"tls_private_key"`
		RateLimit      struct {
			Enabled         bool `yaml:"enabled"`
			PerIPRate       int  `yaml:"per_ip_rate"`
			PerIPConcurrent int  `yaml:"per_ip_concurrent"`
			MaxClients      int  `yaml:"max_clients"`
		} `yaml:"rate_limit"`
	} `yaml:"http_server"`

	DNSServer struct {
		ListenAddr string   `yaml:"listen_addr"`
		AccessList []string `yaml:"access_list"`
		AccessLog  string   `yaml:"access_log"`
		Chaos      bool     `yaml:"chaos"`
	} `yaml:"dns_server"`

	DNSResolver struct {
		Upstream   Upstream `yaml:"upstream"`
		HTTPClient struct {
			Timeout Duration `yaml:"timeout"`
			Pool    struct {
				IdleTimeout        Duration `yaml:"idle_timeout"`
				MaxIdleConnections int      `yaml:"max_idle_connections"`
			} `yaml:"pool"`
			Request struct {
				UserAgent string `yaml:"user_agent"`
			} `yaml:"request"`
		} `yaml:"http_client"`
		Cache   Cache `yaml:"cache"`
		Routing struct {
			Enabled              bool    `yaml:"enabled"`
			UpstreamGroups       []Group `yaml:"upstream_groups"`
			Rules                []Rule  `yaml:"rules"`
			DefaultUpstreamGroup string  `yaml:"default_upstream_group"`
		} `yaml:"routing"`
	} `yaml:"dns_resolver"`
}

// apply copies the file into c. Groups and rules are only taken when
// routing is enabled.
func (f *yamlFile) apply(c *Config) {
	c.Version = f.Version
	c.LogLevel = f.LogLevel

	hs := f.HTTPServer
	c.BindDOH = hs.ListenAddr
	c.HTTPTimeout = hs.Timeout
	c.DOHPath = hs.Path
	c.TLSCertificate = hs.TLSCertificate
	c.TLSPrivateKey = hs.TLSPrivateKey
	c.RateLimit = RateLimit{
		Enabled:    hs.RateLimit.Enabled,
		PerIPRate:  hs.RateLimit.PerIPRate,
		PerIPBurst: hs.RateLimit.PerIPConcurrent,
		MaxClients: hs.RateLimit.MaxClients,
	}

	ds := f.DNSServer
	c.Bind = ds.ListenAddr
	c.AccessList = ds.AccessList
	c.AccessLog = ds.AccessLog
	c.Chaos = ds.Chaos

	dr := f.DNSResolver
	c.Upstream = dr.Upstream
	c.HTTPClient = HTTPClient{
		Timeout:      dr.HTTPClient.Timeout,
		IdleTimeout:  dr.HTTPClient.Pool.IdleTimeout,
		MaxIdleConns: dr.HTTPClient.Pool.MaxIdleConnections,
	}
	c.UserAgent = dr.HTTPClient.Request.UserAgent
	c.Cache = dr.Cache

	if dr.Routing.Enabled {
		c.Groups = dr.Routing.UpstreamGroups
		c.Rules = dr.Routing.Rules
		c.DefaultUpstreamGroup = dr.Routing.DefaultUpstreamGroup
	}
}
