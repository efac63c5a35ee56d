package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvPrefix     = "DRMAATIC"
	EnvConfigPath = "DRMAATIC_CONFIG_PATH"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logger      LoggerConfig      `mapstructure:"logger"`
	Security    SecurityConfig    `mapstructure:"security"`
	Cluster     ClusterConfig     `mapstructure:"cluster"`
	AMQP        AMQPConfig        `mapstructure:"amqp"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Features    FeaturesConfig    `mapstructure:"features"`
	Auth        AuthConfig        `mapstructure:"auth"`
}

type SecurityConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	BodyLimitMB  int           `mapstructure:"body_limit_mb"`
	// ProxyHeader names the header holding the client address, e.g. X-Forwarded-For.
	ProxyHeader  string        `mapstructure:"proxy_header"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
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

type LoggerConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// ClusterConfig describes how jobs reach the DRM and where their files live.
type ClusterConfig struct {
	DRMSystem               string        `mapstructure:"drm_system"`
	Transport               string        `mapstructure:"transport"`
	ScriptDir               string        `mapstructure:"script_dir"`
	OutputDir               string        `mapstructure:"output_dir"`
	RemoveTaskFilesOnDelete bool          `mapstructure:"remove_task_files_on_delete"`
	PollInterval            time.Duration `mapstructure:"poll_interval"`
	CommandTimeout          time.Duration `mapstructure:"command_timeout"`
	SSH                     SSHConfig     `mapstructure:"ssh"`
}

type SSHConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	KeyPath           string        `mapstructure:"key_path"`
	EncryptedPassword string        `mapstructure:"encrypted_password"`
	KnownHostsPath    string        `mapstructure:"known_hosts_path"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	Retries           int           `mapstructure:"retries"`
	// RemoteScriptDir receives uploaded batch scripts on the head node.
	RemoteScriptDir   string        `mapstructure:"remote_script_dir"`
}

type AMQPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
}

func (a *AMQPConfig) URL() string {
	vhost := strings.TrimPrefix(a.VHost, "/")
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", a.User, a.Password, a.Host, a.Port, vhost)
}

type MaintenanceConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	StatusSync        string        `mapstructure:"status_sync"`
	ArchiveSweep      string        `mapstructure:"archive_sweep"`
	Purge             string        `mapstructure:"purge"`
	PurgeAfter        time.Duration `mapstructure:"purge_after"`
	TimelinePrune     string        `mapstructure:"timeline_prune"`
	TimelineRetention time.Duration `mapstructure:"timeline_retention"`
}

type FeaturesConfig struct {
	EnableLocks          bool   `mapstructure:"enable_locks"`
	EnableTimeline       bool   `mapstructure:"enable_timeline"`
	RequestIDHeader      string `mapstructure:"request_id_header"`
	EnableRequestLogging bool   `mapstructure:"enable_request_logging"`
}

type AuthConfig struct {
	AdminAPIKey    string   `mapstructure:"admin_api_key"`
	UserHeader     string   `mapstructure:"user_header"`
	SourceHeader   string   `mapstructure:"source_header"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.body_limit_mb", 512)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "drmaatic")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "drmaatic")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("cluster.drm_system", "slurm")
	v.SetDefault("cluster.transport", "local")
	v.SetDefault("cluster.output_dir", "/var/lib/drmaatic/outputs")
	v.SetDefault("cluster.script_dir", "/var/lib/drmaatic/scripts")
	v.SetDefault("cluster.remove_task_files_on_delete", true)
	v.SetDefault("cluster.poll_interval", "5s")
	v.SetDefault("cluster.command_timeout", "30s")
	v.SetDefault("cluster.ssh.host", "")
	v.SetDefault("cluster.ssh.port", 22)
	v.SetDefault("cluster.ssh.user", "")
	v.SetDefault("cluster.ssh.key_path", "")
	v.SetDefault("cluster.ssh.encrypted_password", "")
	v.SetDefault("cluster.ssh.known_hosts_path", "")
	v.SetDefault("cluster.ssh.remote_script_dir", "")
	v.SetDefault("cluster.ssh.connect_timeout", "10s")
	v.SetDefault("cluster.ssh.retries", 3)
	v.SetDefault("amqp.enabled", false)
	v.SetDefault("amqp.host", "localhost")
	v.SetDefault("amqp.port", 5672)
	v.SetDefault("amqp.user", "guest")
	v.SetDefault("amqp.password", "guest")
	v.SetDefault("amqp.vhost", "/")
	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.purge", "")
	v.SetDefault("maintenance.status_sync", "0 */1 * * * *")
	v.SetDefault("maintenance.archive_sweep", "0 */15 * * * *")
	v.SetDefault("maintenance.purge_after", "720h")
	v.SetDefault("maintenance.timeline_prune", "0 0 4 * * *")
	v.SetDefault("maintenance.timeline_retention", "2160h")
	v.SetDefault("features.enable_locks", true)
	v.SetDefault("features.enable_timeline", true)
	v.SetDefault("features.request_id_header", "X-Request-ID")
	v.SetDefault("features.enable_request_logging", true)
	v.SetDefault("auth.admin_api_key", "")
	v.SetDefault("security.encryption_key", "")
	v.SetDefault("auth.user_header", "X-Username")
	v.SetDefault("auth.source_header", "X-User-Source")
}

// Load reads the YAML file at path, falling back to DRMAATIC_CONFIG_PATH when
// path is empty. Environment variables prefixed with DRMAATIC_ override file
// values; a .env file in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
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
	switch c.Cluster.Transport {
	case "local", "ssh":
	default:
		return fmt.Errorf("config: unknown cluster transport %q", c.Cluster.Transport)
	}
	if c.Cluster.DRMSystem != "slurm" {
		return fmt.Errorf("config: unsupported drm system %q", c.Cluster.DRMSystem)
	}
	if c.Cluster.OutputDir == "" {
		return errors.New("config: cluster.output_dir is required")
	}
	if c.Cluster.Transport == "ssh" && c.Cluster.SSH.Host == "" {
		return errors.New("config: cluster.ssh.host is required for the ssh transport")
	}
	return nil
}
