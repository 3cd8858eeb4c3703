package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// NodeConfig is one entry of the fleet map keyed by node name, loaded from
// the "nodes" section of the config file.
type NodeConfig struct {
	ViewURL string         `mapstructure:"viewUrl"`
	Scheme  string         `mapstructure:"scheme"`
	Extra   map[string]any `mapstructure:",remain"`
}

// RemoteClusterConfig describes one forward-action target, loaded from the
// "remote-clusters" section.
type RemoteClusterConfig struct {
	URL            string `mapstructure:"url"`
	ServerSecret   string `mapstructure:"serverSecret"`
	PasswordSecret string `mapstructure:"passwordSecret"`
}

// Config holds all application configuration: scalar operational settings
// bound from environment variables, and structured fleet/cluster settings
// bound from an optional YAML file.
type Config struct {
	Mode string `mapstructure:"mode"` // "api" or "cron" (cron-enabled node)

	NodeName string `mapstructure:"nodeName"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`

	ElasticsearchURLs []string `mapstructure:"elasticsearchUrls"`
	RedisURL          string   `mapstructure:"redisUrl"`

	LogLevel    string `mapstructure:"logLevel"`
	LogFormat   string `mapstructure:"logFormat"`
	MetricsPath string `mapstructure:"metricsPath"`

	CORSAllowedOrigins []string `mapstructure:"corsAllowedOrigins"`

	// Auth / realm configuration (configuration surface §6.5).
	PasswordSecret        string `mapstructure:"passwordSecret"`
	ServerSecret          string `mapstructure:"serverSecret"`
	HTTPRealm             string `mapstructure:"httpRealm"`
	UserNameHeader        string `mapstructure:"userNameHeader"`
	RequiredAuthHeader    string `mapstructure:"requiredAuthHeader"`
	RequiredAuthHeaderVal string `mapstructure:"requiredAuthHeaderVal"`
	UserAutoCreateTmpl    string `mapstructure:"userAutoCreateTmpl"`
	Iframe                string `mapstructure:"iframe"` // deny | sameorigin | <origin>
	HSTSHeader            bool   `mapstructure:"hstsHeader"`

	ViewPort int    `mapstructure:"viewPort"`
	ViewHost string `mapstructure:"viewHost"`
	TLSCert  string `mapstructure:"tlsCert"`
	TLSKey   string `mapstructure:"tlsKey"`

	// PCAP / retention.
	PcapDir    []string `mapstructure:"pcapDir"`    // semicolon-separated in the raw config value
	FreeSpaceG string   `mapstructure:"freeSpaceG"` // absolute GB or "N%"

	// Hunt / cron.
	CronQueries    bool `mapstructure:"cronQueries"` // true on the cron-elected node
	HuntAdminLimit int  `mapstructure:"huntAdminLimit"`
	HuntLimit      int  `mapstructure:"huntLimit"`
	HuntWarn       int  `mapstructure:"huntWarn"`
	CronDelay      int  `mapstructure:"cronDelaySeconds"`

	MultiES         bool `mapstructure:"multiES"`
	RegressionTests bool `mapstructure:"regressionTests"`

	Nodes          map[string]NodeConfig          `mapstructure:"nodes"`
	RemoteClusters map[string]RemoteClusterConfig `mapstructure:"remote-clusters"`
}

// Load reads configuration from built-in defaults, an optional YAML config
// file, and VIEWER_*-prefixed environment variables, with env taking
// precedence over the file and the file taking precedence over defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VIEWER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	v.SetDefault("mode", "api")
	v.SetDefault("nodeName", "node1")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("elasticsearchUrls", []string{"http://localhost:9200"})
	v.SetDefault("redisUrl", "redis://localhost:6379/0")
	v.SetDefault("logLevel", "info")
	v.SetDefault("logFormat", "json")
	v.SetDefault("metricsPath", "/metrics")
	v.SetDefault("corsAllowedOrigins", []string{"*"})
	v.SetDefault("httpRealm", "Moloch")
	v.SetDefault("iframe", "deny")
	v.SetDefault("hstsHeader", false)
	v.SetDefault("viewPort", 8005)
	v.SetDefault("pcapDir", []string{"/data/pcap"})
	v.SetDefault("freeSpaceG", "10%")
	v.SetDefault("cronQueries", false)
	v.SetDefault("huntAdminLimit", 10000000)
	v.SetDefault("huntLimit", 1000000)
	v.SetDefault("huntWarn", 100000)
	v.SetDefault("cronDelaySeconds", 60)
	v.SetDefault("multiES", false)
	v.SetDefault("regressionTests", false)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	var dirs []string
	for _, entry := range cfg.PcapDir {
		for _, d := range strings.Split(entry, ";") {
			if d = strings.TrimSpace(d); d != "" {
				dirs = append(dirs, d)
			}
		}
	}
	cfg.PcapDir = dirs

	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsHTTPS reports whether TLS key/cert material was configured, deriving
// the flag instead of storing it as a redundant separate setting.
func (c *Config) IsHTTPS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
