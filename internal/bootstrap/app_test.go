package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gopherai-chatsync/internal/broker"
	"gopherai-chatsync/internal/config"
	"gopherai-chatsync/internal/model"
)

func memoryConfig(t *testing.T, chatURL string) *config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	cfg.Broker.Kind = config.BrokerMemory
	cfg.Broker.ReconnectDelayMS = 10
	cfg.LLM.Protocol = config.ProtocolChat
	cfg.LLM.ChatURL = chatURL
	cfg.LLM.TimeoutSeconds = 2
	return cfg
}

func TestMemorySessionRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":"Brush her teeth weekly."}`))
	}))
	defer server.Close()

	cfg := memoryConfig(t, server.URL)
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Hub)
	require.Eventually(t, func() bool {
		return a.Manager.State() == broker.Connected
	}, time.Second, 5*time.Millisecond)

	greeting := a.Orchestrator.Log().All()
	require.Len(t, greeting, 1)
	require.Equal(t, model.RoleAssistant, greeting[0].Role)
	require.Equal(t, "Veterinarian", greeting[0].RoleDescription)

	_, err = a.Orchestrator.Submit(context.Background(), "how often should I brush my dog's teeth?")
	require.NoError(t, err)

	// greeting, user, assistant reply, own echo routed back by the hub
	require.Eventually(t, func() bool {
		return a.Orchestrator.Log().Len() == 4
	}, 2*time.Second, 5*time.Millisecond)

	all := a.Orchestrator.Log().All()
	require.Equal(t, "Brush her teeth weekly.", all[2].Content)
	require.Equal(t, all[1].Content, all[3].Content)
}

func TestGreetingCanBeDisabled(t *testing.T) {
	cfg := memoryConfig(t, "http://127.0.0.1:0")
	cfg.Session.Greeting = "  "

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	require.Zero(t, a.Orchestrator.Log().Len())
}

func TestRelayIsNotNeededForMemoryBroker(t *testing.T) {
	cfg := memoryConfig(t, "http://127.0.0.1:0")
	_, err := NewRelay(context.Background(), cfg, nil)
	require.ErrorIs(t, err, ErrRelayNotNeeded)
}
