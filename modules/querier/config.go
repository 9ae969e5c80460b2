package querier

import (
	"flag"
	"time"
)

// Config for the query API.
type Config struct {
	ListenAddress string `yaml:"listen_address"`

	AuthEnabled bool   `yaml:"auth_enabled"`
	APIKey      string `yaml:"api_key"`

	// CORSAllowedOrigins is a comma-separated origin list; "*" allows all.
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`

	WSPushInterval time.Duration `yaml:"ws_push_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.ListenAddress = ":8081"
	cfg.CORSAllowedOrigins = "*"
	cfg.WSPushInterval = 5 * time.Second

	f.StringVar(&cfg.ListenAddress, prefix+".listen-address", cfg.ListenAddress, "Query API listen address.")
	f.StringVar(&cfg.APIKey, prefix+".api-key", cfg.APIKey, "API key required on query requests when auth is enabled.")
	f.StringVar(&cfg.CORSAllowedOrigins, prefix+".cors-allowed-origins", cfg.CORSAllowedOrigins, "Comma-separated list of allowed CORS origins.")
}
