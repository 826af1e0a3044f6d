package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode             string        `mapstructure:"mode"`
	Port             int           `mapstructure:"port"`
	StaticPath       string        `mapstructure:"static_path"`
	ReadLimit        int64         `mapstructure:"read_limit"`
	Secret           string        `mapstructure:"secret"`
	HeartbeatPeriod  time.Duration `mapstructure:"heartbeat_period"`
	IdentifyTimeout  time.Duration `mapstructure:"identify_timeout"`
	MinClientVersion string        `mapstructure:"min_client_version"`
	ServerVersion    string        `mapstructure:"server_version"`
	ICEServers       []string      `mapstructure:"ice_servers"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("heartbeat_period", "30s")
	v.SetDefault("identify_timeout", "10s")
	v.SetDefault("min_client_version", "1.0.0")
	v.SetDefault("server_version", "1.2.0")
	v.SetDefault("secret", "dev-secret")
	v.SetDefault("ice_servers", []string{})

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
