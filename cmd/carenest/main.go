package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	carenest "github.com/carenest/realtime-go"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.carenest/config.toml.
type Config struct {
	Default  ConfigDefault     `toml:"default"`
	Identity carenest.Identity `toml:"identity"`
	Queue    ConfigQueue       `toml:"queue"`
	Storage  ConfigStorage     `toml:"storage"`
	Push     ConfigPush        `toml:"push"`
}

// ConfigDefault holds general SDK settings.
type ConfigDefault struct {
	Token       string `toml:"token"`
	Environment string `toml:"environment"`
	BaseURL     string `toml:"base_url"`
	LogLevel    string `toml:"log_level"`
}

// ConfigQueue locates the durable offline queue.
type ConfigQueue struct {
	Path string `toml:"path"`
}

// ConfigStorage selects a MinIO bucket for attachments. Empty endpoint means
// the platform file endpoints are used.
type ConfigStorage struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
	PublicURL string `toml:"public_url"`
}

// ConfigPush enables the signed push receiver in `listen`.
type ConfigPush struct {
	Addr   string `toml:"addr"`
	Secret string `toml:"secret"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.carenest, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".carenest")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and applies the .env file and CARENEST_*
// environment variables on top. A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load()
	applyEnv(cfg)
	return cfg, nil
}

func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	overlay := map[string]*string{
		"CARENEST_TOKEN":          &cfg.Default.Token,
		"CARENEST_BASE_URL":       &cfg.Default.BaseURL,
		"CARENEST_ENVIRONMENT":    &cfg.Default.Environment,
		"CARENEST_LOG_LEVEL":      &cfg.Default.LogLevel,
		"CARENEST_USER_ID":        &cfg.Identity.UserID,
		"CARENEST_USER_NAME":      &cfg.Identity.Name,
		"CARENEST_QUEUE_PATH":     &cfg.Queue.Path,
		"CARENEST_MINIO_ENDPOINT": &cfg.Storage.Endpoint,
		"CARENEST_MINIO_ACCESS":   &cfg.Storage.AccessKey,
		"CARENEST_MINIO_SECRET":   &cfg.Storage.SecretKey,
		"CARENEST_MINIO_BUCKET":   &cfg.Storage.Bucket,
		"CARENEST_PUSH_SECRET":    &cfg.Push.Secret,
	}
	for key, dst := range overlay {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("CARENEST_ROLE"); v != "" {
		cfg.Identity.Role = carenest.Role(strings.ToUpper(v))
	}
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "token":
			cfg.Default.Token = value
		case "environment":
			cfg.Default.Environment = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "identity":
		switch field {
		case "user_id":
			cfg.Identity.UserID = value
		case "name":
			cfg.Identity.Name = value
		case "role":
			cfg.Identity.Role = carenest.Role(strings.ToUpper(value))
		default:
			return fmt.Errorf("unknown field %q in section [identity]", field)
		}
	case "queue":
		if field != "path" {
			return fmt.Errorf("unknown field %q in section [queue]", field)
		}
		cfg.Queue.Path = value
	case "storage":
		switch field {
		case "endpoint":
			cfg.Storage.Endpoint = value
		case "access_key":
			cfg.Storage.AccessKey = value
		case "secret_key":
			cfg.Storage.SecretKey = value
		case "bucket":
			cfg.Storage.Bucket = value
		case "public_url":
			cfg.Storage.PublicURL = value
		case "use_ssl":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("storage.use_ssl: %w", err)
			}
			cfg.Storage.UseSSL = b
		default:
			return fmt.Errorf("unknown field %q in section [storage]", field)
		}
	case "push":
		switch field {
		case "addr":
			cfg.Push.Addr = value
		case "secret":
			cfg.Push.Secret = value
		default:
			return fmt.Errorf("unknown field %q in section [push]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, identity, queue, storage, push)", section)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

var (
	flagLogLevel string
	flagLogJSON  bool
)

func setupLogger(cfg *Config) *slog.Logger {
	level := flagLogLevel
	if level == "" {
		level = cfg.Default.LogLevel
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if flagLogJSON {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "carenest",
	Short:        "CareNest realtime CLI",
	Long:         "Command-line interface for the CareNest realtime SDK.\nManage configuration, listen to live events, send messages and drain the offline queue.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "log as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
