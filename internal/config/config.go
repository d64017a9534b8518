package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/brandon/mailsync/internal/credential"
)

// Config holds the application configuration
type Config struct {
	DatabasePath string `mapstructure:"database_path"`
	StagingDir   string `mapstructure:"staging_dir"`
	LogLevel     string `mapstructure:"log_level"`

	Engine EngineConfig `mapstructure:"engine"`

	Accounts []AccountConfig `mapstructure:"accounts"`
}

// EngineConfig holds the timings and sizing of the sync engine
type EngineConfig struct {
	SessionIdleClose   time.Duration `mapstructure:"session_idle_close"`
	FolderScanInterval time.Duration `mapstructure:"folder_scan_interval"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	PushReconnectDelay time.Duration `mapstructure:"push_reconnect_delay"`
	BatchSize          int           `mapstructure:"batch_size"`
	ImportWorkers      int           `mapstructure:"import_workers"`
	PushAllFolders     bool          `mapstructure:"push_all_folders"`
	Backoff            BackoffConfig `mapstructure:"backoff"`
}

// BackoffConfig configures the supervisor reconnect backoff
type BackoffConfig struct {
	Base   time.Duration `mapstructure:"base"`
	Factor float64       `mapstructure:"factor"`
	Max    time.Duration `mapstructure:"max"`
}

// AccountConfig holds configuration for a single mirrored account
type AccountConfig struct {
	Name string `mapstructure:"name"`

	IMAPHost        string        `mapstructure:"imap_host"`
	IMAPPort        int           `mapstructure:"imap_port"`
	IMAPUsername    string        `mapstructure:"imap_username"`
	IMAPPassword    string        `mapstructure:"imap_password"`
	PasswordKeyring string        `mapstructure:"password_keyring"`
	UseTLS          bool          `mapstructure:"tls"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`

	Email string `mapstructure:"email"`
	Owner string `mapstructure:"owner"`
}

// Address returns host:port for dialing
func (a *AccountConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.IMAPHost, a.IMAPPort)
}

// PasswordResolver looks up a keyring reference. Tests replace it.
var PasswordResolver = credential.Get

// DefaultConfigPath is used when no --config flag is given
const DefaultConfigPath = "mailsync.yaml"

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_path", "/data/mailsync.db")
	v.SetDefault("staging_dir", os.TempDir())
	v.SetDefault("log_level", "info")

	v.SetDefault("engine.session_idle_close", 30*time.Second)
	v.SetDefault("engine.folder_scan_interval", time.Minute)
	v.SetDefault("engine.reconcile_interval", 3*time.Minute)
	v.SetDefault("engine.idle_timeout", 5*time.Minute)
	v.SetDefault("engine.push_reconnect_delay", 10*time.Second)
	v.SetDefault("engine.batch_size", 20)
	v.SetDefault("engine.import_workers", 3)
	v.SetDefault("engine.push_all_folders", false)
	v.SetDefault("engine.backoff.base", 5*time.Second)
	v.SetDefault("engine.backoff.factor", 2.0)
	v.SetDefault("engine.backoff.max", 300*time.Second)
}

// LoadConfig reads the YAML file at path (optional) with MAILSYNC_* environment overrides.
// When the file defines no accounts, accounts are loaded from IMAP_* / ACCOUNT_n_* variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	for i := range cfg.Accounts {
		// Unset booleans unmarshal as false; TLS is on unless explicitly disabled
		if !cfg.Accounts[i].UseTLS && !v.IsSet(fmt.Sprintf("accounts.%d.tls", i)) {
			cfg.Accounts[i].UseTLS = true
		}
	}

	if len(cfg.Accounts) == 0 {
		accounts, err := loadAccounts()
		if err != nil {
			return nil, fmt.Errorf("failed to load accounts: %w", err)
		}
		cfg.Accounts = accounts
	}

	for i := range cfg.Accounts {
		if err := cfg.Accounts[i].applyDefaults(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// applyDefaults fills the port and resolves a keyring password reference
func (a *AccountConfig) applyDefaults() error {
	if a.IMAPPort == 0 {
		if a.UseTLS {
			a.IMAPPort = 993
		} else {
			a.IMAPPort = 143
		}
	}
	if a.DialTimeout == 0 {
		a.DialTimeout = 30 * time.Second
	}
	if a.Email == "" {
		a.Email = a.IMAPUsername
	}
	if a.IMAPPassword == "" && a.PasswordKeyring != "" {
		password, err := PasswordResolver(a.PasswordKeyring)
		if err != nil {
			return fmt.Errorf("account %s: failed to resolve password: %w", a.Name, err)
		}
		a.IMAPPassword = password
	}
	return nil
}

// loadAccounts loads account configurations from environment variables
func loadAccounts() ([]AccountConfig, error) {
	// Single account configuration takes precedence
	if getEnv("IMAP_HOST", "") != "" {
		account, err := loadSingleAccount()
		if err != nil {
			return nil, err
		}
		return []AccountConfig{*account}, nil
	}

	// Load multiple accounts (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
	var accounts []AccountConfig
	for num := 1; ; num++ {
		account, err := loadAccountByNumber(num)
		if err != nil {
			break
		}
		accounts = append(accounts, *account)
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts found in config file or environment variables")
	}
	return accounts, nil
}

// loadSingleAccount loads one account from IMAP_* variables
func loadSingleAccount() (*AccountConfig, error) {
	return loadAccountWithPrefix("", getEnv("ACCOUNT_NAME", "default"))
}

// loadAccountByNumber loads an account by number (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
func loadAccountByNumber(num int) (*AccountConfig, error) {
	prefix := fmt.Sprintf("ACCOUNT_%d_", num)

	name := getEnv(prefix+"NAME", "")
	if name == "" {
		return nil, fmt.Errorf("account %d: NAME is required", num)
	}
	return loadAccountWithPrefix(prefix, name)
}

func loadAccountWithPrefix(prefix, name string) (*AccountConfig, error) {
	account := &AccountConfig{
		Name:            name,
		IMAPHost:        getEnv(prefix+"IMAP_HOST", ""),
		IMAPPort:        getEnvInt(prefix+"IMAP_PORT", 0),
		IMAPUsername:    getEnv(prefix+"IMAP_USERNAME", ""),
		IMAPPassword:    getEnv(prefix+"IMAP_PASSWORD", ""),
		PasswordKeyring: getEnv(prefix+"IMAP_PASSWORD_KEYRING", ""),
		UseTLS:          getEnvBool(prefix+"IMAP_TLS", true),
		Email:           getEnv(prefix+"EMAIL", ""),
		Owner:           getEnv(prefix+"OWNER", ""),
	}

	if account.IMAPHost == "" {
		return nil, fmt.Errorf("account %s: %sIMAP_HOST is required", name, prefix)
	}
	if account.IMAPUsername == "" {
		return nil, fmt.Errorf("account %s: %sIMAP_USERNAME is required", name, prefix)
	}
	if account.IMAPPassword == "" && account.PasswordKeyring == "" {
		return nil, fmt.Errorf("account %s: %sIMAP_PASSWORD or %sIMAP_PASSWORD_KEYRING is required", name, prefix, prefix)
	}
	return account, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as a boolean or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetAccountByName finds an account by name
func (c *Config) GetAccountByName(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}

	e := c.Engine
	if e.BatchSize < 1 || e.BatchSize > 1000 {
		return fmt.Errorf("engine.batch_size must be between 1 and 1000")
	}
	if e.ImportWorkers < 1 || e.ImportWorkers > 32 {
		return fmt.Errorf("engine.import_workers must be between 1 and 32")
	}
	for name, d := range map[string]time.Duration{
		"engine.session_idle_close":   e.SessionIdleClose,
		"engine.folder_scan_interval": e.FolderScanInterval,
		"engine.reconcile_interval":   e.ReconcileInterval,
		"engine.idle_timeout":         e.IdleTimeout,
		"engine.push_reconnect_delay": e.PushReconnectDelay,
		"engine.backoff.base":         e.Backoff.Base,
		"engine.backoff.max":          e.Backoff.Max,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if e.Backoff.Max < e.Backoff.Base {
		return fmt.Errorf("engine.backoff.max must not be below engine.backoff.base")
	}
	if e.Backoff.Factor <= 1 {
		return fmt.Errorf("engine.backoff.factor must be greater than 1")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	seen := make(map[string]bool)
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.Name == "" {
			return fmt.Errorf("account %d: name is required", i+1)
		}
		if seen[acc.Name] {
			return fmt.Errorf("account %s: duplicate name", acc.Name)
		}
		seen[acc.Name] = true
		if acc.IMAPHost == "" {
			return fmt.Errorf("account %s: imap_host is required", acc.Name)
		}
		if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid imap_port", acc.Name)
		}
		if acc.IMAPUsername == "" {
			return fmt.Errorf("account %s: imap_username is required", acc.Name)
		}
	}

	return nil
}

// AccountNames returns a list of all account names
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}
