package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ConsoleConfig captures runtime settings for the training console.
type ConsoleConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	APIBaseURL     string        `mapstructure:"api_base_url"`
	JobID          string        `mapstructure:"job_id"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	LogsPageSize   int           `mapstructure:"logs_page_size"`
	AuthScheme     string        `mapstructure:"auth_scheme"`
	AuthToken      string        `mapstructure:"auth_token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	LogMode        string        `mapstructure:"log_mode"`
	TraceEnabled   bool          `mapstructure:"trace_enabled"`
}

// ServerConfig captures runtime settings for the reference training API.
type ServerConfig struct {
	ListenAddr    string        `mapstructure:"listen_addr"`
	RedisURL      string        `mapstructure:"redis_url"`
	DatabaseURL   string        `mapstructure:"database_url"`
	AuthScheme    string        `mapstructure:"auth_scheme"`
	AuthToken     string        `mapstructure:"auth_token"`
	ArtifactDir   string        `mapstructure:"artifact_dir"`
	SSHKeyPath    string        `mapstructure:"ssh_key_path"`
	EpochDuration time.Duration `mapstructure:"epoch_duration"`
	PrepareDelay  time.Duration `mapstructure:"prepare_delay"`
	LogMode       string        `mapstructure:"log_mode"`
	TraceEnabled  bool          `mapstructure:"trace_enabled"`
}

// LoadConsole loads console configuration from defaults, files, and env vars.
func LoadConsole() (ConsoleConfig, error) {
	v := newViper("console", "TRAINCONSOLE")

	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("api_base_url", "http://localhost:5000")
	v.SetDefault("job_id", "")
	v.SetDefault("poll_interval", 3*time.Second)
	v.SetDefault("logs_page_size", 0)
	v.SetDefault("auth_scheme", "Bearer")
	v.SetDefault("auth_token", "")
	v.SetDefault("request_timeout", 15*time.Second)
	v.SetDefault("log_mode", "dev")
	v.SetDefault("trace_enabled", false)

	var cfg ConsoleConfig
	if err := load(v, &cfg); err != nil {
		return ConsoleConfig{}, err
	}
	if cfg.PollInterval <= 0 {
		return ConsoleConfig{}, fmt.Errorf("poll_interval must be positive, got %s", cfg.PollInterval)
	}
	return cfg, nil
}

// LoadServer loads reference server configuration from defaults, files, and env vars.
func LoadServer() (ServerConfig, error) {
	v := newViper("server", "TRAINSERVER")

	v.SetDefault("listen_addr", ":5000")
	v.SetDefault("redis_url", "")
	v.SetDefault("database_url", "")
	v.SetDefault("auth_scheme", "Bearer")
	v.SetDefault("auth_token", "")
	v.SetDefault("artifact_dir", "./data/artifacts")
	v.SetDefault("ssh_key_path", "")
	v.SetDefault("epoch_duration", 2*time.Second)
	v.SetDefault("prepare_delay", time.Second)
	v.SetDefault("log_mode", "dev")
	v.SetDefault("trace_enabled", false)

	var cfg ServerConfig
	if err := load(v, &cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func newViper(name, envPrefix string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(name)
	v.AddConfigPath("./configs")
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	return v
}

func load(v *viper.Viper, out any) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}
