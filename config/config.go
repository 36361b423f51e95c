package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

var defaultConfigPaths = []string{
	"./cnagent.yaml",
	"/etc/cnagent/cnagent.yaml",
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Images   ImagesConfig   `mapstructure:"images"`
	Packages PackagesConfig `mapstructure:"packages"`
}

type ServerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AdminToken     string        `mapstructure:"admin_token"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AgentConfig points at the upstream job server. An empty BackendURL turns
// the heartbeat loop off.
type AgentConfig struct {
	BackendURL        string        `mapstructure:"backend_url"`
	NodeToken         string        `mapstructure:"node_token"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

func (a *AgentConfig) Enabled() bool { return a.BackendURL != "" }

type RuntimeConfig struct {
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver     string         `mapstructure:"driver"`
	MaxHistory int            `mapstructure:"max_history"`
	Retention  time.Duration  `mapstructure:"retention"`
	Database   DatabaseConfig `mapstructure:"database"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type RedisConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Addr          string        `mapstructure:"addr"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	ChannelPrefix string        `mapstructure:"channel_prefix"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type ExecutorConfig struct {
	UseSudo        bool          `mapstructure:"use_sudo"`
	VMAdmPath      string        `mapstructure:"vmadm_path"`
	ZFSPath        string        `mapstructure:"zfs_path"`
	ZonesRoot      string        `mapstructure:"zones_root"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	AllowedPaths   []string      `mapstructure:"allowed_paths"`
}

// ImagesConfig describes the SFTP image depot used by image_get.
type ImagesConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	KeyPath     string        `mapstructure:"key_path"`
	RemoteDir   string        `mapstructure:"remote_dir"`
	LocalDir    string        `mapstructure:"local_dir"`
	Retries     int           `mapstructure:"retries"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type PackagesConfig struct {
	// InstallCommand and UninstallCommand are run once per package with the
	// package name appended.
	InstallCommand   string `mapstructure:"install_command"`
	UninstallCommand string `mapstructure:"uninstall_command"`
	// ServicePrefix maps an agent name to its systemd unit.
	ServicePrefix string `mapstructure:"service_prefix"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8510)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("agent.heartbeat_interval", 10*time.Second)
	v.SetDefault("agent.request_timeout", 10*time.Second)

	v.SetDefault("runtime.default_timeout", 10*time.Minute)
	v.SetDefault("runtime.max_concurrency", 16)
	v.SetDefault("runtime.shutdown_timeout", 30*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.max_size_mb", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age_days", 14)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.max_history", 1000)
	v.SetDefault("store.retention", 7*24*time.Hour)
	v.SetDefault("store.database.port", 5432)
	v.SetDefault("store.database.sslmode", "disable")
	v.SetDefault("store.database.max_idle_conns", 2)
	v.SetDefault("store.database.max_open_conns", 5)
	v.SetDefault("store.database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.channel_prefix", "cnagent:tasks")
	v.SetDefault("redis.timeout", 2*time.Second)

	v.SetDefault("executor.use_sudo", false)
	v.SetDefault("executor.vmadm_path", "/usr/sbin/vmadm")
	v.SetDefault("executor.zfs_path", "/usr/sbin/zfs")
	v.SetDefault("executor.zones_root", "/zones")
	v.SetDefault("executor.command_timeout", 5*time.Minute)
	v.SetDefault("executor.allowed_paths", []string{"/etc/cnagent/", "/var/lib/cnagent/"})

	v.SetDefault("images.port", 22)
	v.SetDefault("images.remote_dir", "/images")
	v.SetDefault("images.local_dir", "/var/lib/cnagent/images")
	v.SetDefault("images.retries", 3)
	v.SetDefault("images.dial_timeout", 10*time.Second)

	v.SetDefault("packages.install_command", "pkgin -y install")
	v.SetDefault("packages.uninstall_command", "pkgin -y remove")
	v.SetDefault("packages.service_prefix", "cnagent-")
}

// Load reads the config file at path, or the first default path that exists.
// A missing file is not an error: defaults and CNAGENT_* environment
// variables are enough to run.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CNAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := path
	if configPath == "" {
		for _, p := range defaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				configPath = p
				break
			}
		}
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var err error
	if c.Runtime.DefaultTimeout <= 0 {
		err = multierr.Append(err, errors.New("runtime.default_timeout must be positive"))
	}
	if c.Runtime.MaxConcurrency < 0 {
		err = multierr.Append(err, errors.New("runtime.max_concurrency cannot be negative"))
	}
	if c.Agent.Enabled() && c.Agent.NodeToken == "" {
		err = multierr.Append(err, errors.New("agent.node_token is required when agent.backend_url is set"))
	}
	if c.Agent.Enabled() && c.Agent.HeartbeatInterval <= 0 {
		err = multierr.Append(err, errors.New("agent.heartbeat_interval must be positive"))
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.Database.Host == "" || c.Store.Database.Name == "" {
			err = multierr.Append(err, errors.New("store.database.host and store.database.name are required for postgres"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		err = multierr.Append(err, errors.New("redis.addr is required when redis is enabled"))
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		err = multierr.Append(err, errors.New("server.port must be positive"))
	}
	return err
}
