package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mailsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
database_path: /tmp/mirror.db
engine:
  reconcile_interval: 45s
  import_workers: 5
accounts:
  - name: work
    imap_host: imap.example.com
    imap_username: me@example.com
    imap_password: secret
  - name: legacy
    imap_host: mail.example.org
    imap_username: old
    imap_password: pw
    tls: false
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/tmp/mirror.db", cfg.DatabasePath)
	assert.Equal(t, 45*time.Second, cfg.Engine.ReconcileInterval)
	assert.Equal(t, 5, cfg.Engine.ImportWorkers)
	assert.Equal(t, 30*time.Second, cfg.Engine.SessionIdleClose)
	assert.Equal(t, 20, cfg.Engine.BatchSize)
	assert.Equal(t, 300*time.Second, cfg.Engine.Backoff.Max)

	require.Len(t, cfg.Accounts, 2)
	work := cfg.Accounts[0]
	assert.True(t, work.UseTLS)
	assert.Equal(t, 993, work.IMAPPort)
	assert.Equal(t, "me@example.com", work.Email)
	assert.Equal(t, "imap.example.com:993", work.Address())

	legacy := cfg.Accounts[1]
	assert.False(t, legacy.UseTLS)
	assert.Equal(t, 143, legacy.IMAPPort)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, `
accounts:
  - name: work
    imap_host: imap.example.com
    imap_username: me
    imap_password: secret
`)
	t.Setenv("MAILSYNC_ENGINE_BATCH_SIZE", "50")
	t.Setenv("MAILSYNC_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Engine.BatchSize)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigFallsBackToEnvironmentAccounts(t *testing.T) {
	t.Setenv("ACCOUNT_1_NAME", "personal")
	t.Setenv("ACCOUNT_1_IMAP_HOST", "imap.personal.test")
	t.Setenv("ACCOUNT_1_IMAP_USERNAME", "me")
	t.Setenv("ACCOUNT_1_IMAP_PASSWORD", "pw")
	t.Setenv("ACCOUNT_2_NAME", "work")
	t.Setenv("ACCOUNT_2_IMAP_HOST", "imap.work.test")
	t.Setenv("ACCOUNT_2_IMAP_PORT", "1993")
	t.Setenv("ACCOUNT_2_IMAP_USERNAME", "me")
	t.Setenv("ACCOUNT_2_IMAP_PASSWORD", "pw")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"personal", "work"}, cfg.AccountNames())
	assert.Equal(t, 1993, cfg.Accounts[1].IMAPPort)

	acc, err := cfg.GetAccountByName("work")
	require.NoError(t, err)
	assert.Equal(t, "imap.work.test", acc.IMAPHost)
}

func TestLoadConfigResolvesKeyringPassword(t *testing.T) {
	orig := PasswordResolver
	t.Cleanup(func() { PasswordResolver = orig })

	PasswordResolver = func(key string) (string, error) {
		if key == "work-imap" {
			return "from-keyring", nil
		}
		return "", errors.New("no such key")
	}

	path := writeConfig(t, `
accounts:
  - name: work
    imap_host: imap.example.com
    imap_username: me
    password_keyring: work-imap
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-keyring", cfg.Accounts[0].IMAPPassword)

	bad := writeConfig(t, `
accounts:
  - name: work
    imap_host: imap.example.com
    imap_username: me
    password_keyring: other
`)
	_, err = LoadConfig(bad)
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DatabasePath: "/tmp/db",
			Engine: EngineConfig{
				SessionIdleClose:   time.Second,
				FolderScanInterval: time.Second,
				ReconcileInterval:  time.Second,
				IdleTimeout:        time.Second,
				PushReconnectDelay: time.Second,
				BatchSize:          20,
				ImportWorkers:      3,
				Backoff:            BackoffConfig{Base: time.Second, Factor: 2, Max: time.Minute},
			},
			Accounts: []AccountConfig{{Name: "a", IMAPHost: "h", IMAPPort: 993, IMAPUsername: "u"}},
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(c *Config){
		"no database":     func(c *Config) { c.DatabasePath = "" },
		"zero batch":      func(c *Config) { c.Engine.BatchSize = 0 },
		"zero workers":    func(c *Config) { c.Engine.ImportWorkers = 0 },
		"cap below base":  func(c *Config) { c.Engine.Backoff.Max = time.Millisecond },
		"flat factor":     func(c *Config) { c.Engine.Backoff.Factor = 1 },
		"no accounts":     func(c *Config) { c.Accounts = nil },
		"bad port":        func(c *Config) { c.Accounts[0].IMAPPort = 70000 },
		"duplicate names": func(c *Config) { c.Accounts = append(c.Accounts, c.Accounts[0]) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
