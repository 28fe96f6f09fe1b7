package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	require.Equal(t, BrokerRabbitMQ, cfg.Broker.Kind)
	require.Equal(t, 5*time.Second, cfg.ReconnectDelay())
	require.Equal(t, "Anonymous", cfg.Session.SenderLabel)
	require.Equal(t, EchoAppend, cfg.Session.EchoPolicy)
	require.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[broker]
kind = "redis"
topic = "vet-room"

[session]
sender_label = "mina"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("BROKER_TOPIC", "vet-room-override")
	t.Setenv("BROKER_RECONNECT_DELAY_MS", "250")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, BrokerRedis, cfg.Broker.Kind)
	require.Equal(t, "vet-room-override", cfg.Broker.Topic)
	require.Equal(t, "mina", cfg.Session.SenderLabel)
	require.Equal(t, 250*time.Millisecond, cfg.ReconnectDelay())
}

func TestLoadRejectsUnknownEnums(t *testing.T) {
	cases := map[string]string{
		"BROKER_KIND":         "kafka",
		"LLM_PROTOCOL":        "grpc",
		"SESSION_ECHO_POLICY": "ignore",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
			require.Error(t, err)
		})
	}
}

func TestGetEnvAsIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("APP_PORT", "eighty")
	require.Equal(t, 9000, getEnvAsInt("APP_PORT", 9000))
}
