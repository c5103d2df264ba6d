package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "REMINDD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "REMINDD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "REMINDD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "telegram.bot_token", typ: kString, env: "REMINDD_TELEGRAM_BOT_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.BotToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.BotToken },
	},
	{
		key: "telegram.webhook_secret", typ: kString, env: "REMINDD_TELEGRAM_WEBHOOK_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.WebhookSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.WebhookSecret },
	},
	{
		key: "telegram.chat_id", typ: kInt, env: "REMINDD_TELEGRAM_CHAT_ID",
		apply:   func(cfg *Config, v any) { cfg.Telegram.ChatID = v.(int) },
		extract: func(cfg Config) any { return cfg.Telegram.ChatID },
	},
	{
		key: "auth.owner", typ: kString, env: "REMINDD_AUTH_OWNER",
		apply:   func(cfg *Config, v any) { cfg.Auth.Owner = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.Owner },
	},
	{
		key: "auth.admins", typ: kString, env: "REMINDD_AUTH_ADMINS",
		apply:   func(cfg *Config, v any) { cfg.Auth.Admins = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.Admins },
	},
	{
		key: "auth.allowed_senders", typ: kString, env: "REMINDD_AUTH_ALLOWED_SENDERS",
		apply:   func(cfg *Config, v any) { cfg.Auth.AllowedSenders = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.AllowedSenders },
	},
	{
		key: "scan.interval", typ: kString, env: "REMINDD_SCAN_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scan.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Scan.Interval },
	},
	{
		key: "engine.max_retries", typ: kInt, env: "REMINDD_ENGINE_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Engine.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.MaxRetries },
	},
	{
		key: "dispatch.workers", typ: kInt, env: "REMINDD_DISPATCH_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Dispatch.Workers },
	},
	{
		key: "gmail.user", typ: kString, env: "REMINDD_GMAIL_USER",
		apply:   func(cfg *Config, v any) { cfg.Gmail.User = v.(string) },
		extract: func(cfg Config) any { return cfg.Gmail.User },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
