package guild

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestConfigDefaults(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Equal(t, err, nil)
	assert.Equal(t, config.Transport.MaxAttempts, DefaultReconnectBackoff().MaxAttempts)
	assert.Equal(t, config.Typing.Ttl, 8*time.Second)
}

func TestConfigYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guild.yml")
	err := os.WriteFile(path, []byte(`
api_url: http://localhost:8080
connect_url: ws://localhost:8081
server_id: s1
cache_path: /tmp/guild
transport:
  reconnect_base_delay: 2s
  max_attempts: 7
  exponential: true
typing:
  ttl: 10s
`), 0600)
	assert.Equal(t, err, nil)

	t.Setenv("GUILD_SERVER_ID", "s2")
	config, err := LoadConfig(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, config.ApiUrl, "http://localhost:8080")
	assert.Equal(t, config.ConnectUrl, "ws://localhost:8081")
	// the environment wins over the file
	assert.Equal(t, config.ServerId, "s2")
	assert.Equal(t, config.CachePath, "/tmp/guild")
	assert.Equal(t, config.Transport.ReconnectBaseDelay, 2*time.Second)
	// unset keys keep their defaults
	assert.Equal(t, config.Transport.ReconnectMaxDelay, DefaultReconnectBackoff().MaxDelay)

	settings := config.SessionSettings()
	assert.Equal(t, settings.ConnectUrl, "ws://localhost:8081")
	assert.Equal(t, settings.TransportSettings.Backoff, ReconnectBackoff{
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 7,
		Exponential: true,
	})
	assert.Equal(t, settings.StoreSettings.TypingTtl, 10*time.Second)
}

func TestConfigBadYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guild.yml")
	os.WriteFile(path, []byte("transport: [1, 2"), 0600)
	_, err := LoadConfig(path)
	assert.NotEqual(t, err, nil)
}

func TestConfigEnv(t *testing.T) {
	env := map[string]string{
		"GUILD_JWT":                  "token",
		"GUILD_REDIS_ADDR":           "localhost:6379",
		"GUILD_RECONNECT_MAX_DELAY":  "1m",
		"GUILD_MAX_ATTEMPTS":         "3",
		"GUILD_TYPING_TTL":           "4s",
		"UNRELATED_RECONNECT_DELAYS": "x",
	}
	lookup := func(name string) (string, bool) {
		value, ok := env[name]
		return value, ok
	}

	config := DefaultConfig()
	assert.Equal(t, config.applyEnv(lookup), nil)
	assert.Equal(t, config.Jwt, "token")
	assert.Equal(t, config.RedisAddr, "localhost:6379")
	assert.Equal(t, config.Transport.ReconnectMaxDelay, time.Minute)
	assert.Equal(t, config.Transport.MaxAttempts, 3)
	assert.Equal(t, config.Typing.Ttl, 4*time.Second)

	env["GUILD_MAX_ATTEMPTS"] = "many"
	assert.NotEqual(t, DefaultConfig().applyEnv(lookup), nil)

	delete(env, "GUILD_MAX_ATTEMPTS")
	env["GUILD_TYPING_TTL"] = "soon"
	assert.NotEqual(t, DefaultConfig().applyEnv(lookup), nil)
}
