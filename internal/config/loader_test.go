package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_DefaultsAndDerived(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, c.TypingTimeout)
	require.Equal(t, 1500*time.Millisecond, c.TypingIdle)
	require.Equal(t, 25*time.Second, c.PingInterval)
	require.Equal(t, 50, c.Sync.HistoryPageSize)
	require.True(t, c.Sync.AutoMarkRead)
	require.Equal(t, "memory", c.Relay.Presence)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	p := writeConfig(t, `
identity:
  user_id: alice
  token: tok
transport:
  url: ws://relay.local/v1/ws
sync:
  confirm_timeout_seconds: 4
relay:
  users: [alice, bob]
`)
	t.Setenv("CHATSYNC_IDENTITY_USER_ID", "carol")

	c, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "carol", c.Identity.UserID)
	require.Equal(t, "ws://relay.local/v1/ws", c.Transport.URL)
	require.Equal(t, 4*time.Second, c.ConfirmTimeout)
	require.Equal(t, []string{"alice", "bob"}, c.Relay.Users)
	require.NoError(t, c.ValidateClient())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateClient_RequiresIdentity(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Error(t, c.ValidateClient())
}

func TestValidateRelay(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Error(t, c.ValidateRelay(), "jwt secret is required")

	c.Relay.JWTSecret = "s3cret"
	require.NoError(t, c.ValidateRelay())

	c.Relay.Publisher = "kafka"
	require.Error(t, c.ValidateRelay())
	c.Relay.Kafka.Brokers = []string{"localhost:9092"}
	require.NoError(t, c.ValidateRelay())

	c.Relay.Presence = "etcd"
	require.Error(t, c.ValidateRelay())
}
