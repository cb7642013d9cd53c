package domain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type ServiceConfig struct {
	ListenAddress string `mapstructure:"listen_address"`

	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`

	// RedisAddress is optional; when set the endpoint resolver cache is
	// shared across replicas instead of per-process.
	RedisAddress string `mapstructure:"redis_address"`

	// DefaultProvider is used when a dispatch request does not name one.
	DefaultProvider string `mapstructure:"default_provider"`

	// DefaultBaseURL is the process-wide fallback base address used when no
	// tenant connection record yields one.
	DefaultBaseURL string `mapstructure:"default_base_url"`

	// TestEndpointMarker classifies a resolved URL as a test endpoint when
	// it contains this segment. Test endpoints get the patient retry policy.
	TestEndpointMarker string `mapstructure:"test_endpoint_marker"`

	EndpointCacheTTL time.Duration `mapstructure:"endpoint_cache_ttl"`

	HTTPTimeout time.Duration `mapstructure:"http_timeout"`

	LogLevel string `mapstructure:"log_level"`
}

type ConfigManager interface {
	GetConfig(ctx context.Context) (ServiceConfig, error)
}

type configManager struct {
	viper *viper.Viper
}

func NewConfigManager() (ConfigManager, error) {
	v := viper.New()

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("HOOKBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	envMappings := map[string]string{
		"listen_address":       "HOOKBRIDGE_LISTEN_ADDRESS",
		"mongo_uri":            "HOOKBRIDGE_MONGO_URI",
		"mongo_database":       "HOOKBRIDGE_MONGO_DATABASE",
		"redis_address":        "HOOKBRIDGE_REDIS_ADDRESS",
		"default_provider":     "HOOKBRIDGE_DEFAULT_PROVIDER",
		"default_base_url":     "HOOKBRIDGE_DEFAULT_BASE_URL",
		"test_endpoint_marker": "HOOKBRIDGE_TEST_ENDPOINT_MARKER",
		"endpoint_cache_ttl":   "HOOKBRIDGE_ENDPOINT_CACHE_TTL",
		"http_timeout":         "HOOKBRIDGE_HTTP_TIMEOUT",
		"log_level":            "HOOKBRIDGE_LOG_LEVEL",
	}

	for configKey, envVar := range envMappings {
		if err := v.BindEnv(configKey, envVar); err != nil {
			log.Warn().Err(err).Msgf("Failed to bind environment variable %s for %s", envVar, configKey)
		}
	}

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.hookbridge")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug().Msg("Config file not found, using environment variables and defaults")
	} else {
		log.Debug().Msgf("Using config file: %s", v.ConfigFileUsed())
	}

	return &configManager{
		viper: v,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_address", ":8085")
	v.SetDefault("mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("mongo_database", "hookbridge")
	v.SetDefault("default_provider", "n8n")
	v.SetDefault("test_endpoint_marker", "/webhook-test/")
	v.SetDefault("endpoint_cache_ttl", "5m")
	v.SetDefault("http_timeout", "30s")
	v.SetDefault("log_level", "info")
}

func (m *configManager) GetConfig(ctx context.Context) (ServiceConfig, error) {
	var config ServiceConfig
	if err := m.viper.Unmarshal(&config); err != nil {
		return ServiceConfig{}, fmt.Errorf("unable to decode config: %w", err)
	}

	return config, nil
}
