// Package config loads fwgate settings from an optional YAML file, the
// process environment, and built-in defaults, in that order of precedence
// (lowest first). Command line flags are applied on top by the CLI layer.
package config

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Clusters  ClustersConfig  `yaml:"clusters"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Wait      WaitConfig      `yaml:"wait"`
	Log       LogConfig       `yaml:"log"`

	// JobToken identifies the CI run in rule labels. Falls back to
	// GITHUB_RUN_ID, then to "manual".
	JobToken string `yaml:"job_token" env:"FWGATE_JOB_TOKEN"`
}

// APIConfig describes the provider API connection.
type APIConfig struct {
	URL            string   `yaml:"url" env:"FWGATE_API_URL" validate:"required,url"`
	Token          string   `yaml:"token" env:"FWGATE_API_TOKEN" validate:"required"`
	ConnectTimeout Duration `yaml:"connect_timeout" env:"FWGATE_API_CONNECT_TIMEOUT" validate:"min=0"`
	Timeout        Duration `yaml:"timeout" env:"FWGATE_API_TIMEOUT" validate:"min=0"`
	RateLimitPause Duration `yaml:"rate_limit_pause" validate:"min=0"`
}

// ClustersConfig names the firewall targets. Both ids are optional
// individually, but at least one must be set.
type ClustersConfig struct {
	Database string `yaml:"database" env:"FWGATE_DATABASE_CLUSTER_ID"`
	KeyValue string `yaml:"keyvalue" env:"FWGATE_KEYVALUE_CLUSTER_ID"`
}

// ResolverConfig controls public IP detection.
type ResolverConfig struct {
	Endpoints      []string `yaml:"endpoints"` // tried in order; built-in list if empty
	ConnectTimeout Duration `yaml:"connect_timeout" validate:"min=0"`
	Timeout        Duration `yaml:"timeout" validate:"min=0"`
}

// ReconcileConfig controls rule reconciliation behavior.
type ReconcileConfig struct {
	DeleteInterval    Duration `yaml:"delete_interval" validate:"min=0"` // minimum spacing between bulk deletes
	RateLimitAttempts int      `yaml:"rate_limit_attempts" validate:"omitempty,min=1"`
	RateLimitBackoff  Duration `yaml:"rate_limit_backoff" validate:"min=0"`
}

// WaitConfig bounds the firewall propagation wait after a successful add.
type WaitConfig struct {
	Increment Duration `yaml:"increment" validate:"min=0"`
	Threshold Duration `yaml:"threshold" validate:"min=0"`
	Timeout   Duration `yaml:"timeout" env:"FWGATE_WAIT_TIMEOUT" validate:"min=0"` // 0 = threshold alone governs
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level" env:"FWGATE_LOG_LEVEL"`
	JSON   bool   `yaml:"json" env:"FWGATE_LOG_JSON"`
	Colors bool   `yaml:"colors"`
}

// Duration is a wrapper around time.Duration for YAML and env unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load builds the configuration: YAML file values (path may be empty), then
// environment variables on top, then defaults for anything still unset.
// Validate is separate so that flag overrides can land in between.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(Duration(0)): parseDuration,
		},
	}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func parseDuration(v string) (any, error) {
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return nil, err
	}
	return Duration(parsed), nil
}

func (c *Config) applyDefaults() {
	// API defaults
	if c.API.ConnectTimeout == 0 {
		c.API.ConnectTimeout = Duration(30 * time.Second)
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = Duration(60 * time.Second)
	}
	if c.API.RateLimitPause == 0 {
		c.API.RateLimitPause = Duration(5 * time.Second)
	}

	// Resolver defaults (the endpoint list default lives in the publicip package)
	if c.Resolver.ConnectTimeout == 0 {
		c.Resolver.ConnectTimeout = Duration(10 * time.Second)
	}
	if c.Resolver.Timeout == 0 {
		c.Resolver.Timeout = Duration(15 * time.Second)
	}

	// Reconcile defaults
	if c.Reconcile.DeleteInterval == 0 {
		c.Reconcile.DeleteInterval = Duration(2 * time.Second)
	}
	if c.Reconcile.RateLimitAttempts == 0 {
		c.Reconcile.RateLimitAttempts = 3
	}
	if c.Reconcile.RateLimitBackoff == 0 {
		c.Reconcile.RateLimitBackoff = Duration(1 * time.Second)
	}

	// Propagation wait; Timeout stays 0 unless set (the threshold alone governs)
	if c.Wait.Increment == 0 {
		c.Wait.Increment = Duration(5 * time.Second)
	}
	if c.Wait.Threshold == 0 {
		c.Wait.Threshold = Duration(30 * time.Second)
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.JobToken == "" {
		c.JobToken = os.Getenv("GITHUB_RUN_ID")
	}
	if c.JobToken == "" {
		c.JobToken = "manual"
	}
}

var validate = validator.New()

// Validate checks the fully merged configuration. Call after flag overrides.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Clusters.Database == "" && c.Clusters.KeyValue == "" {
		return fmt.Errorf("no target clusters configured: set clusters.database and/or clusters.keyvalue")
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or
// ${VAR:default}.
func expandEnvVars(input string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
