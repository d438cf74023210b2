package config

import (
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full configuration surface from §6: manager connection
// parameters, webhook server behavior, reconciliation policy, tracker
// classification lists, logging, and the global dry-run switch.
type Config struct {
	Manager    Manager    `json:"manager" yaml:"manager" mapstructure:"manager"`
	Webhook    Webhook    `json:"webhook" yaml:"webhook" mapstructure:"webhook"`
	Monitoring Monitoring `json:"monitoring" yaml:"monitoring" mapstructure:"monitoring"`
	Trackers   Trackers   `json:"trackers" yaml:"trackers" mapstructure:"trackers"`
	Logging    Logging    `json:"logging" yaml:"logging" mapstructure:"logging"`
	Mode       Mode       `json:"mode" yaml:"mode" mapstructure:"mode"`
}

// Manager holds connection parameters for the upstream media manager.
// The *S fields are whole seconds, not time.Duration: viper's default
// mapstructure hooks only parse a duration out of a string value
// ("30s"), so a duration-typed field fed a bare YAML/env integer would
// silently decode as nanoseconds. Callers convert with time.Second.
type Manager struct {
	URL      string `json:"url" yaml:"url" mapstructure:"url" validate:"required,url"`
	APIKey   string `json:"apiKey" yaml:"apiKey" mapstructure:"apiKey" validate:"required"`
	TimeoutS int    `json:"timeoutS" yaml:"timeoutS" mapstructure:"timeoutS" validate:"gte=0"`
	PoolSize int    `json:"poolSize" yaml:"poolSize" mapstructure:"poolSize"`
}

// Webhook holds the ingress server's behavior.
type Webhook struct {
	Enabled           bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Host              string `json:"host" yaml:"host" mapstructure:"host"`
	Port              int    `json:"port" yaml:"port" mapstructure:"port" validate:"gte=0,lte=65535"`
	Secret            string `json:"secret" yaml:"secret" mapstructure:"secret"`
	ImportCheckDelayS int    `json:"importCheckDelayS" yaml:"importCheckDelayS" mapstructure:"importCheckDelayS" validate:"gte=0"`
	RateLimitPerMin   int    `json:"rateLimitPerMin" yaml:"rateLimitPerMin" mapstructure:"rateLimitPerMin" validate:"gte=0"`
}

// Monitoring holds the periodic scan's policy knobs.
type Monitoring struct {
	IntervalS            int     `json:"intervalS" yaml:"intervalS" mapstructure:"intervalS" validate:"gte=0"`
	ForceImportThreshold int     `json:"forceImportThreshold" yaml:"forceImportThreshold" mapstructure:"forceImportThreshold" validate:"gt=0"`
	RemovePublicFailures bool    `json:"removePublicFailures" yaml:"removePublicFailures" mapstructure:"removePublicFailures"`
	ProtectPrivateRatio  float64 `json:"protectPrivateRatio" yaml:"protectPrivateRatio" mapstructure:"protectPrivateRatio"`
}

// Trackers holds the indexer name lists used to classify a release's
// tracker class, matched case-insensitively as substrings per §4.2.
type Trackers struct {
	Private []string `json:"private" yaml:"private" mapstructure:"private"`
	Public  []string `json:"public" yaml:"public" mapstructure:"public"`
}

// Logging holds observability formatting options.
type Logging struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Format string `json:"format" yaml:"format" mapstructure:"format" validate:"omitempty,oneof=console json"`
}

// Mode holds the global dry-run switch.
type Mode struct {
	DryRun bool `json:"dryRun" yaml:"dryRun" mapstructure:"dryRun"`
}

// ConfigUnmarshaler is the subset of viper's API New depends on, kept as
// an interface so tests can substitute a fake loader.
type ConfigUnmarshaler interface {
	ReadInConfig() error
	Unmarshal(any, ...viper.DecoderConfigOption) error
	ConfigFileUsed() string
}

// New reads and validates a Config. Required fields per §6: manager URL
// and API key; everything else carries a usable default.
func New(cu ConfigUnmarshaler) (Config, error) {
	var c Config

	if cu.ConfigFileUsed() != "" {
		if err := cu.ReadInConfig(); err != nil {
			return c, err
		}
	}

	if err := cu.Unmarshal(&c); err != nil {
		return c, err
	}

	if err := validator.New().Struct(c); err != nil {
		return c, err
	}

	return c, nil
}
