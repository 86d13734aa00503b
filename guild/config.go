package guild

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "GUILD_"

type TransportConfig struct {
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	MaxAttempts        int           `yaml:"max_attempts"`
	Exponential        bool          `yaml:"exponential"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
}

type TypingConfig struct {
	Ttl          time.Duration `yaml:"ttl"`
	SendInterval time.Duration `yaml:"send_interval"`
}

type Config struct {
	ApiUrl     string `yaml:"api_url"`
	ConnectUrl string `yaml:"connect_url"`
	Jwt        string `yaml:"jwt"`
	ServerId   string `yaml:"server_id"`
	// pebble directory for the durable override cache. empty disables it.
	CachePath string `yaml:"cache_path"`
	// shared override store. empty disables it.
	RedisAddr string `yaml:"redis_addr"`

	Transport TransportConfig `yaml:"transport"`
	Typing    TypingConfig    `yaml:"typing"`
}

func DefaultConfig() *Config {
	transportSettings := DefaultTransportSettings()
	return &Config{
		ApiUrl:     "https://api.guild.chat",
		ConnectUrl: "wss://connect.guild.chat",
		Transport: TransportConfig{
			ReconnectBaseDelay: transportSettings.Backoff.BaseDelay,
			ReconnectMaxDelay:  transportSettings.Backoff.MaxDelay,
			MaxAttempts:        transportSettings.Backoff.MaxAttempts,
			Exponential:        transportSettings.Backoff.Exponential,
			HandshakeTimeout:   transportSettings.HandshakeTimeout,
			PingTimeout:        transportSettings.PingTimeout,
			ReadTimeout:        transportSettings.ReadTimeout,
			WriteTimeout:       transportSettings.WriteTimeout,
		},
		Typing: TypingConfig{
			Ttl:          DefaultStoreSettings().TypingTtl,
			SendInterval: DefaultDispatcherSettings().TypingInterval,
		},
	}
}

// defaults, then the yaml file at `path` if it exists, then `.env`, then `GUILD_*` environment variables
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		configBytes, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(configBytes, config); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// does not override variables already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return config, nil
}

func (self *Config) applyEnv(lookup func(string) (string, bool)) error {
	stringFields := map[string]*string{
		"API_URL":     &self.ApiUrl,
		"CONNECT_URL": &self.ConnectUrl,
		"JWT":         &self.Jwt,
		"SERVER_ID":   &self.ServerId,
		"CACHE_PATH":  &self.CachePath,
		"REDIS_ADDR":  &self.RedisAddr,
	}
	for name, field := range stringFields {
		if value, ok := lookup(envPrefix + name); ok {
			*field = value
		}
	}

	durationFields := map[string]*time.Duration{
		"RECONNECT_BASE_DELAY": &self.Transport.ReconnectBaseDelay,
		"RECONNECT_MAX_DELAY":  &self.Transport.ReconnectMaxDelay,
		"TYPING_TTL":           &self.Typing.Ttl,
	}
	for name, field := range durationFields {
		if value, ok := lookup(envPrefix + name); ok {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, name, err)
			}
			*field = d
		}
	}

	if value, ok := lookup(envPrefix + "MAX_ATTEMPTS"); ok {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%sMAX_ATTEMPTS: %w", envPrefix, err)
		}
		self.Transport.MaxAttempts = n
	}
	return nil
}

func (self *Config) TransportSettings() *TransportSettings {
	settings := DefaultTransportSettings()
	settings.Backoff = ReconnectBackoff{
		BaseDelay:   self.Transport.ReconnectBaseDelay,
		MaxDelay:    self.Transport.ReconnectMaxDelay,
		MaxAttempts: self.Transport.MaxAttempts,
		Exponential: self.Transport.Exponential,
	}
	if 0 < self.Transport.HandshakeTimeout {
		settings.HandshakeTimeout = self.Transport.HandshakeTimeout
	}
	if 0 < self.Transport.PingTimeout {
		settings.PingTimeout = self.Transport.PingTimeout
	}
	if 0 < self.Transport.ReadTimeout {
		settings.ReadTimeout = self.Transport.ReadTimeout
	}
	if 0 < self.Transport.WriteTimeout {
		settings.WriteTimeout = self.Transport.WriteTimeout
	}
	return settings
}

func (self *Config) SessionSettings() *SessionSettings {
	settings := DefaultSessionSettings(self.ConnectUrl)
	settings.TransportSettings = self.TransportSettings()
	if 0 < self.Typing.Ttl {
		settings.StoreSettings.TypingTtl = self.Typing.Ttl
	}
	if 0 < self.Typing.SendInterval {
		settings.DispatcherSettings.TypingInterval = self.Typing.SendInterval
	}
	return settings
}
