package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Log      LogConfig
	Telegram TelegramConfig
	Auth     AuthConfig
	Scan     ScanConfig
	Engine   EngineConfig
	Dispatch DispatchConfig
	Gmail    GmailConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type TelegramConfig struct {
	BotToken      string
	WebhookSecret string
	ChatID        int
}

// AuthConfig holds the access lists. Admins and AllowedSenders are raw
// comma-separated values; the guard package parses them.
type AuthConfig struct {
	Owner          string
	Admins         string
	AllowedSenders string
}

type ScanConfig struct {
	Interval string
}

type EngineConfig struct {
	MaxRetries int
}

type DispatchConfig struct {
	Workers int
}

type GmailConfig struct {
	User string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Log: LogConfig{
			Level: "info",
		},
		Scan: ScanConfig{
			Interval: "30s",
		},
		Engine: EngineConfig{
			MaxRetries: 5,
		},
		Dispatch: DispatchConfig{
			Workers: 1,
		},
		Gmail: GmailConfig{
			User: "me",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.remindd.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/remindd/config.json
// and secrets live in a mode-0600 secrets file under $XDG_DATA_HOME.
//
// Environment variables (REMINDD_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Telegram.BotToken == "" {
		if tok, err := kc.Get("remindd", "telegram_bot_token"); err == nil && tok != "" {
			cfg.Telegram.BotToken = tok
		}
	}
	if cfg.Telegram.WebhookSecret == "" {
		if sec, err := kc.Get("remindd", "telegram_webhook_secret"); err == nil && sec != "" {
			cfg.Telegram.WebhookSecret = sec
		}
	}

	if cfg.Telegram.BotToken == "" {
		msg := "missing required config: Telegram bot token. " +
			"Set it via environment variable REMINDD_TELEGRAM_BOT_TOKEN" +
			secretHint()
		return Config{}, fmt.Errorf("%s", msg)
	}
	if cfg.Auth.Owner == "" {
		return Config{}, fmt.Errorf("missing required config: owner. " +
			"Set it via environment variable REMINDD_AUTH_OWNER or `remindd config set auth.owner <name>`")
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
