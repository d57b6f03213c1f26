package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the provisioner.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	ServiceName  string `mapstructure:"service_name"`
	LogLevel     string `mapstructure:"log_level"`
	LogFormat    string `mapstructure:"log_format"`
	// LogFile, when set, receives a JSON copy of every log line.
	LogFile      string `mapstructure:"log_file"`
}

// BootstrapConfig controls a single provisioning run.
type BootstrapConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	TargetDB string        `mapstructure:"target_db"`

	// Strict makes a failed phase skip the later phases and fail the run. It
	// also makes an unreachable lock store fatal. The default keeps every
	// failure non-fatal.
	Strict       bool `mapstructure:"strict"`
	UpdateSecret bool `mapstructure:"update_secret"`
	VerifyLogin  bool `mapstructure:"verify_login"`

	Mongo     MongoConfig     `mapstructure:"mongo"`
	Principal PrincipalConfig `mapstructure:"principal"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
}

// MongoConfig describes the administrative endpoint.
type MongoConfig struct {
	URI                    string        `mapstructure:"uri"`
	Username               string        `mapstructure:"username"`
	Password               string        `mapstructure:"password"`
	PasswordFile           string        `mapstructure:"password_file"`
	AuthSource             string        `mapstructure:"auth_source"`
	ConnectTimeout         time.Duration `mapstructure:"connect_timeout"`
	ServerSelectionTimeout time.Duration `mapstructure:"server_selection_timeout"`
}

// PrincipalConfig describes the application user to provision.
type PrincipalConfig struct {
	Name       string `mapstructure:"name"`
	Secret     string `mapstructure:"secret"`
	SecretFile string `mapstructure:"secret_file"`
	AuthDB     string `mapstructure:"auth_db"`
}

// RedisConfig enables the cross-process run lock when Host is set.
type RedisConfig struct {
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// Enabled reports whether a Redis host is configured.
func (r RedisConfig) Enabled() bool { return r.Host != "" }

// NATSConfig enables completion events when URL is set.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	Stream        string `mapstructure:"stream"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// Enabled reports whether a NATS URL is configured.
func (n NATSConfig) Enabled() bool { return n.URL != "" }

// Load reads config from the optional YAML file at path, then overlays
// environment variables with the PROVISIONER_ prefix
// (e.g. PROVISIONER_BOOTSTRAP_PRINCIPAL_SECRET). Secret files are read last
// and win over inline values.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PROVISIONER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the fields a bootstrap run cannot do without.
func (c *Config) Validate() error {
	var errs []error
	b := c.Bootstrap
	if b.Mongo.URI == "" {
		errs = append(errs, errors.New("bootstrap.mongo.uri is required"))
	}
	if b.TargetDB == "" {
		errs = append(errs, errors.New("bootstrap.target_db is required"))
	}
	if b.Principal.Name == "" {
		errs = append(errs, errors.New("bootstrap.principal.name is required"))
	}
	if b.Principal.Secret == "" {
		errs = append(errs, errors.New("bootstrap.principal.secret (or secret_file) is required"))
	}
	if b.Timeout <= 0 {
		errs = append(errs, errors.New("bootstrap.timeout must be positive"))
	}
	if b.Redis.Enabled() && b.Redis.LockTTL <= 0 {
		errs = append(errs, errors.New("bootstrap.redis.lock_ttl must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) resolveSecrets() error {
	m := &c.Bootstrap.Mongo
	if m.PasswordFile != "" {
		pw, err := readSecretFile(m.PasswordFile)
		if err != nil {
			return fmt.Errorf("reading mongo password file: %w", err)
		}
		m.Password = pw
	}

	p := &c.Bootstrap.Principal
	if p.SecretFile != "" {
		s, err := readSecretFile(p.SecretFile)
		if err != nil {
			return fmt.Errorf("reading principal secret file: %w", err)
		}
		p.Secret = s
	}
	return nil
}

// readSecretFile returns the file content without the trailing newline that
// most secret mounts carry.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8082)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", true)
	v.SetDefault("telemetry.service_name", "crawler-provisioner")
	v.SetDefault("telemetry.log_level", "info")
	v.SetDefault("telemetry.log_format", "text")
	v.SetDefault("telemetry.log_file", "")

	v.SetDefault("bootstrap.timeout", 2*time.Minute)
	v.SetDefault("bootstrap.target_db", "web_crawler")
	v.SetDefault("bootstrap.strict", false)
	v.SetDefault("bootstrap.update_secret", false)
	v.SetDefault("bootstrap.verify_login", false)

	v.SetDefault("bootstrap.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("bootstrap.mongo.username", "")
	v.SetDefault("bootstrap.mongo.password", "")
	v.SetDefault("bootstrap.mongo.password_file", "")
	v.SetDefault("bootstrap.mongo.auth_source", "admin")
	v.SetDefault("bootstrap.mongo.connect_timeout", 10*time.Second)
	v.SetDefault("bootstrap.mongo.server_selection_timeout", 10*time.Second)

	v.SetDefault("bootstrap.principal.name", "crawler_admin")
	v.SetDefault("bootstrap.principal.secret", "")
	v.SetDefault("bootstrap.principal.secret_file", "")
	v.SetDefault("bootstrap.principal.auth_db", "admin")

	v.SetDefault("bootstrap.redis.host", "")
	v.SetDefault("bootstrap.redis.port", 6379)
	v.SetDefault("bootstrap.redis.password", "")
	v.SetDefault("bootstrap.redis.db", 0)
	v.SetDefault("bootstrap.redis.lock_ttl", 5*time.Minute)
	v.SetDefault("bootstrap.redis.key_prefix", "crawler:provisioner")

	v.SetDefault("bootstrap.nats.url", "")
	v.SetDefault("bootstrap.nats.stream", "CRAWLER_BOOTSTRAP")
	v.SetDefault("bootstrap.nats.subject_prefix", "crawler.bootstrap")
}
