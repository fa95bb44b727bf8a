package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Veraticus/legacy-reconcile/internal/common"
	"github.com/Veraticus/legacy-reconcile/internal/service"
)

// EnvPrefix is the prefix of every environment variable the tool reads.
const EnvPrefix = "RECONCILE"

// Config is the validated runtime configuration.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Precedence PrecedenceConfig `mapstructure:"precedence"`
	Report     ReportConfig     `mapstructure:"report"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Passwords  PasswordConfig   `mapstructure:"passwords"`
}

// DatabaseConfig selects and locates the live store.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver" validate:"required,oneof=sqlite postgres"`
	Path     string `mapstructure:"path" validate:"required_if=Driver sqlite"`
	DSN      string `mapstructure:"dsn" validate:"required_if=Driver postgres"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gte=0"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

// PrecedenceConfig points at an optional YAML override file.
type PrecedenceConfig struct {
	File string `mapstructure:"file"`
}

// ReportConfig bounds the audit report.
type ReportConfig struct {
	Out      string `mapstructure:"out"`
	Examples int    `mapstructure:"examples" validate:"gte=1"`
}

// RetryConfig configures retries of transient store failures.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"gte=1"`
	InitialDelay time.Duration `mapstructure:"initial_delay" validate:"gte=0"`
	MaxDelay     time.Duration `mapstructure:"max_delay" validate:"gte=0"`
}

// CheckpointConfig controls the sqlite snapshot taken before apply.
type CheckpointConfig struct {
	Auto bool `mapstructure:"auto"`
	Keep int  `mapstructure:"keep" validate:"gte=1"`
}

// PasswordConfig sets the cost of re-hashed legacy passwords.
type PasswordConfig struct {
	BcryptCost int `mapstructure:"bcrypt_cost" validate:"gte=4,lte=31"`
}

// RetryOptions converts the retry settings for common.WithRetry.
func (c RetryConfig) RetryOptions() service.RetryOptions {
	return service.RetryOptions{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		Multiplier:   2,
	}
}

// SetDefaults registers every key with its default so environment variables
// are seen by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "$HOME/.local/share/reconcile/live.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("precedence.file", "")
	v.SetDefault("report.out", "")
	v.SetDefault("report.examples", 20)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", 100*time.Millisecond)
	v.SetDefault("retry.max_delay", 5*time.Second)
	v.SetDefault("checkpoint.auto", true)
	v.SetDefault("checkpoint.keep", 5)
	v.SetDefault("passwords.bcrypt_cost", 10)
}

// BindEnv makes RECONCILE_DATABASE_DSN and friends override config keys.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// LoadEnvFiles loads .env.local, then .env, from the working directory.
// Variables already set are never overridden, so .env.local wins over .env.
func LoadEnvFiles() error {
	for _, name := range []string{".env.local", ".env"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
	}
	return nil
}

var validate = newValidator()

// newValidator reports fields by their config key instead of the Go name.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
	})
	return v
}

// Load decodes and validates the configuration held by v. Paths are expanded.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
	}
	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.Precedence.File = ExpandPath(cfg.Precedence.File)
	cfg.Report.Out = ExpandPath(cfg.Report.Out)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field constraint and reports all violations at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, describe(fe))
	}
	return fmt.Errorf("%w: %s", common.ErrInvalidConfig, strings.Join(problems, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_if":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}
