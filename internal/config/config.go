package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds application configuration
type Config struct {
	// Server settings
	ServerPort int    `json:"server_port"`
	DataDir    string `json:"data_dir"`

	// MELCloud account settings. Username/Password may also come from
	// the MELCLOUD_EMAIL / MELCLOUD_PASSWORD environment variables or
	// from the encrypted credential store.
	BaseURL  string `json:"melcloud_base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
	Language int    `json:"language"`

	// Polling and client tuning
	PollInterval int `json:"poll_interval_seconds"`
	CacheTTL     int `json:"cache_ttl_seconds"`
	HTTPTimeout  int `json:"http_timeout_seconds"`

	// Encryption key path (for stored credentials)
	EncryptionKeyPath string `json:"encryption_key_path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".melcloud-bridge")

	return &Config{
		ServerPort:        8080,
		DataDir:           dataDir,
		BaseURL:           "https://app.melcloud.com/Mitsubishi.Wifi.Client",
		Language:          0, // English
		PollInterval:      300,
		CacheTTL:          10,
		HTTPTimeout:       30,
		EncryptionKeyPath: filepath.Join(dataDir, "encryption.key"),
	}
}

// Load reads configuration from a JSON file, falling back to defaults
// when the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv lets environment variables override file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("MELCLOUD_EMAIL"); v != "" {
		c.Username = v
	}
	if v := os.Getenv("MELCLOUD_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("MELCLOUD_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("MELCLOUD_LANGUAGE"); v != "" {
		if lang, err := strconv.Atoi(v); err == nil {
			c.Language = lang
		}
	}
}

// Save writes configuration to a JSON file
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// EnsureDataDir creates the data directory if it doesn't exist
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

// DatabasePath returns the path to the SQLite database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "melcloud-bridge.db")
}
