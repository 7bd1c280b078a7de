package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "CHAIRQUEUE"

type Config struct {
	Remote  RemoteConfig  `mapstructure:"remote"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type RemoteConfig struct {
	Driver     string `mapstructure:"driver" validate:"required,oneof=postgres sqlite"`
	Endpoint   string `mapstructure:"endpoint" validate:"required"`
	Credential string `mapstructure:"credential"`
}

// BrokerConfig points at the redis broadcast broker. An empty URL keeps
// calls and replies in process.
type BrokerConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

type QueueConfig struct {
	// DoctorID restricts the doctor tabs to one doctor; 0 shows all.
	DoctorID          int64         `mapstructure:"doctor_id" validate:"gte=0"`
	DoctorCallEnabled bool          `mapstructure:"doctor_call_enabled"`
	CallCooldown      time.Duration `mapstructure:"call_cooldown" validate:"gt=0"`
	ReplyTTL          time.Duration `mapstructure:"reply_ttl" validate:"gt=0"`
	RollbackOnFailure bool          `mapstructure:"rollback_on_failure"`
	AtomicWrites      bool          `mapstructure:"atomic_writes"`
	ResyncSchedule    string        `mapstructure:"resync_schedule"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr" validate:"required"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	JSON  bool   `mapstructure:"json"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DoctorFilter returns the selected doctor, or nil when every doctor is shown.
func (q QueueConfig) DoctorFilter() *int64 {
	if q.DoctorID == 0 {
		return nil
	}
	id := q.DoctorID
	return &id
}

var defaults = map[string]interface{}{
	"remote.driver":             "sqlite",
	"remote.endpoint":           "file:chairqueue.db",
	"remote.credential":         "",
	"broker.url":                "",
	"queue.doctor_id":           0,
	"queue.doctor_call_enabled": true,
	"queue.call_cooldown":       "3s",
	"queue.reply_ttl":           "15s",
	"queue.rollback_on_failure": false,
	"queue.atomic_writes":       true,
	"queue.resync_schedule":     "",
	"server.addr":               "127.0.0.1:8080",
	"server.allowed_origins":    []string{"*"},
	"log.level":                 "info",
	"log.json":                  false,
	"metrics.enabled":           true,
}

// LoadConfig reads chairqueue.yaml (or the file at path), applies
// CHAIRQUEUE_ environment overrides and validates the result. A .env file
// in the working directory is loaded first if present.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("chairqueue")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/chairqueue")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

var validate = validator.New()

func Validate(c *Config) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// CredentialExpiry reports the expiry of a JWT access token credential.
// The token is only decoded, never verified; ok is false when the
// credential is not a JWT or carries no exp claim.
func CredentialExpiry(credential string) (exp time.Time, ok bool) {
	if strings.Count(credential, ".") != 2 {
		return time.Time{}, false
	}
	token, _, err := jwt.NewParser().ParseUnverified(credential, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	at, err := token.Claims.GetExpirationTime()
	if err != nil || at == nil {
		return time.Time{}, false
	}
	return at.Time, true
}
