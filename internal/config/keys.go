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
	kBool
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
		key: "server.port", typ: kInt, env: "QRPANEL_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "QRPANEL_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "QRPANEL_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "QRPANEL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "QRPANEL_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "local.enabled", typ: kBool, env: "QRPANEL_LOCAL_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Local.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Local.Enabled },
	},
	{
		key: "local.size", typ: kInt, env: "QRPANEL_LOCAL_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Local.Size = v.(int) },
		extract: func(cfg Config) any { return cfg.Local.Size },
	},
	{
		key: "remote.api_ninjas_key", typ: kString, env: "QRPANEL_API_NINJAS_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Remote.APINinjasKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.APINinjasKey },
	},
	{
		key: "selection.show_button", typ: kBool, env: "QRPANEL_SHOW_SELECTION_BUTTON",
		apply:   func(cfg *Config, v any) { cfg.Custom.ShowSelectionButton = v.(bool) },
		extract: func(cfg Config) any { return cfg.Custom.ShowSelectionButton },
	},
	{
		key: "custom.enabled", typ: kBool, env: "QRPANEL_CUSTOM_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Custom.UseCustomAPI = v.(bool) },
		extract: func(cfg Config) any { return cfg.Custom.UseCustomAPI },
	},
	{
		key: "custom.url", typ: kString, env: "QRPANEL_CUSTOM_URL",
		apply:   func(cfg *Config, v any) { cfg.Custom.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Custom.URL },
	},
	{
		key: "custom.headers", typ: kString, env: "QRPANEL_CUSTOM_HEADERS",
		apply:   func(cfg *Config, v any) { cfg.Custom.Headers = v.(string) },
		extract: func(cfg Config) any { return cfg.Custom.Headers },
	},
	{
		key: "custom.timeout_ms", typ: kInt, env: "QRPANEL_CUSTOM_TIMEOUT_MS",
		apply:   func(cfg *Config, v any) { cfg.Custom.TimeoutMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Custom.TimeoutMs },
	},
	{
		key: "notify.redis_url", typ: kString, env: "QRPANEL_NOTIFY_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Notify.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.RedisURL },
	},
	{
		key: "notify.redis_channel", typ: kString, env: "QRPANEL_NOTIFY_REDIS_CHANNEL",
		apply:   func(cfg *Config, v any) { cfg.Notify.RedisChannel = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.RedisChannel },
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
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
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
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
