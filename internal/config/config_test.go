package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(writeFile(t, "c.yml", "env: test\n"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Equal(t, "memory", c.Storage.Driver)
	assert.Equal(t, "memory", c.Recents.Driver)
	assert.Equal(t, "memory", c.Idempotency.Driver)
	assert.Equal(t, 7*24*time.Hour, c.Idempotency.TTL)
	assert.Equal(t, 4096, c.Delivery.MaxTextLen)
	assert.Equal(t, 256, c.Subscription.MaxPending)
	assert.Equal(t, "default_protect", c.Auth.Mode)
	assert.Equal(t, []string{"/healthz", "/metrics"}, c.Auth.PublicPaths)
}

func TestLaterFilesOverride(t *testing.T) {
	common := writeFile(t, "common.yml", `
storage:
  driver: sqlite
  dsn: /tmp/a.db
redis:
  addr: 127.0.0.1:6379
delivery:
  retry:
    max_attempts: 6
directory:
  users:
    - id: alice
      display_name: Alice
`)
	svc := writeFile(t, "im-chat.yml", `
http:
  addr: ":9090"
storage:
  dsn: /tmp/b.db
recents:
  driver: redis
`)
	c, err := Load(common + "," + svc)
	require.NoError(t, err)
	assert.Equal(t, ":9090", c.HTTP.Addr)
	assert.Equal(t, "sqlite", c.Storage.Driver)
	assert.Equal(t, "/tmp/b.db", c.Storage.DSN)
	assert.Equal(t, "redis", c.Recents.Driver)
	assert.Equal(t, "redis", c.Idempotency.Driver)
	assert.Equal(t, 6, c.Delivery.Retry.MaxAttempts)
	require.Len(t, c.Directory.Users, 1)
	assert.Equal(t, "Alice", c.Directory.Users[0].DisplayName)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvPath, writeFile(t, "c.yml", "node_id: 7\n"))
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, uint16(7), c.NodeID)
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"unknown storage":  "storage:\n  driver: postgres\n",
		"mysql needs dsn":  "storage:\n  driver: mysql\n",
		"sql recents":      "recents:\n  driver: sql\n",
		"redis needs addr": "recents:\n  driver: redis\n",
		"token secret":     "auth:\n  enabled: true\n  source: token\n  token:\n    secret: short\n",
		"session redis":    "auth:\n  enabled: true\n",
		"mq name server":   "rocketmq:\n  enabled: true\n",
		"prod needs auth":  "env: prod\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yml", body))
			assert.Error(t, err)
		})
	}
}

func TestMaxLimitCappedAtStorePage(t *testing.T) {
	c, err := Load(writeFile(t, "c.yml", "sync:\n  max_limit: 1000\n"))
	require.NoError(t, err)
	assert.Equal(t, 500, c.Sync.MaxLimit)
}

func TestMissingPath(t *testing.T) {
	t.Setenv(EnvPath, "")
	_, err := Load(" ")
	assert.Error(t, err)
}
