package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const envPrefix = "STRONGBUY_"

// setting binds a dotted config key to a Config field. field returns a
// pointer to the field: *string, *int, *bool or *float64.
type setting struct {
	key    string
	secret bool
	field  func(*Config) any
}

// env is the variable that overrides the key, e.g. STRONGBUY_SERVER_PORT
// for server.port.
func (s setting) env() string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(s.key, ".", "_"))
}

// parse converts raw to the field's type and stores it in cfg.
func (s setting) parse(cfg *Config, raw string) error {
	switch p := s.field(cfg).(type) {
	case *string:
		*p = raw
	case *int:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		*p = v
	case *bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid bool value for %s: %w", s.key, err)
		}
		*p = v
	case *float64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid float value for %s: %w", s.key, err)
		}
		*p = v
	}
	return nil
}

func (s setting) value(cfg Config) string {
	switch p := s.field(&cfg).(type) {
	case *string:
		return *p
	case *int:
		return strconv.Itoa(*p)
	case *bool:
		return strconv.FormatBool(*p)
	case *float64:
		return strconv.FormatFloat(*p, 'g', -1, 64)
	}
	return ""
}

func (s setting) isInt() bool {
	_, ok := s.field(&Config{}).(*int)
	return ok
}

func (s setting) isString() bool {
	_, ok := s.field(&Config{}).(*string)
	return ok
}

var settings = []setting{
	{key: "server.port", field: func(c *Config) any { return &c.Server.Port }},
	{key: "server.max_conns", field: func(c *Config) any { return &c.Server.MaxConns }},
	{key: "log.level", field: func(c *Config) any { return &c.Log.Level }},
	{key: "storage.data_dir", field: func(c *Config) any { return &c.Storage.DataDir }},
	{key: "engine.provider", field: func(c *Config) any { return &c.Engine.Provider }},

	{key: "ollama.url", field: func(c *Config) any { return &c.Ollama.BaseURL }},
	{key: "ollama.chat_model", field: func(c *Config) any { return &c.Ollama.ChatModel }},
	{key: "ollama.embed_model", field: func(c *Config) any { return &c.Ollama.EmbedModel }},

	{key: "openai.base_url", field: func(c *Config) any { return &c.OpenAI.BaseURL }},
	{key: "openai.api_key", secret: true, field: func(c *Config) any { return &c.OpenAI.APIKey }},
	{key: "openai.chat_model", field: func(c *Config) any { return &c.OpenAI.ChatModel }},
	{key: "openai.embed_model", field: func(c *Config) any { return &c.OpenAI.EmbedModel }},

	{key: "index.backend", field: func(c *Config) any { return &c.Index.Backend }},
	{key: "index.name", field: func(c *Config) any { return &c.Index.Name }},
	{key: "index.dimensions", field: func(c *Config) any { return &c.Index.Dimensions }},
	{key: "index.postgres_dsn", secret: true, field: func(c *Config) any { return &c.Index.PostgresDSN }},

	{key: "cache.redis_addr", field: func(c *Config) any { return &c.Cache.RedisAddr }},
	{key: "cache.ttl_seconds", field: func(c *Config) any { return &c.Cache.TTLSeconds }},

	{key: "catalog.inventory_path", field: func(c *Config) any { return &c.Catalog.InventoryPath }},
	{key: "catalog.personas_path", field: func(c *Config) any { return &c.Catalog.PersonasPath }},

	{key: "search.default_top", field: func(c *Config) any { return &c.Search.DefaultTop }},
	{key: "search.include_facets", field: func(c *Config) any { return &c.Search.IncludeFacets }},

	{key: "agent.enabled", field: func(c *Config) any { return &c.Agent.Enabled }},
	{key: "agent.timeout_ms", field: func(c *Config) any { return &c.Agent.TimeoutMS }},

	{key: "embedding.rate_per_sec", field: func(c *Config) any { return &c.Embedding.RatePerSec }},
	{key: "ingest.workers", field: func(c *Config) any { return &c.Ingest.Workers }},
}

func lookupSetting(key string) (setting, bool) {
	for _, s := range settings {
		if s.key == key {
			return s, true
		}
	}
	return setting{}, false
}

// applyBackend copies stored values into cfg. Integers must be valid;
// unparsable bools and floats are logged and leave the default in place.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range settings {
		if s.secret {
			continue
		}
		if p, ok := s.field(cfg).(*int); ok {
			v, found, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if found {
				*p = v
			}
			continue
		}

		raw, found, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !found || (raw == "" && !s.isString()) {
			continue
		}
		if err := s.parse(cfg, raw); err != nil {
			slog.Warn("ignoring stored config value", "key", s.key, "value", raw, "error", err)
		}
	}
	return nil
}

// applyEnvOverrides applies non-empty STRONGBUY_* variables. Unparsable
// values are logged and ignored.
func applyEnvOverrides(cfg *Config) {
	for _, s := range settings {
		raw, ok := os.LookupEnv(s.env())
		if !ok || raw == "" {
			continue
		}
		if err := s.parse(cfg, raw); err != nil {
			slog.Warn("ignoring environment override", "env", s.env(), "value", raw, "error", err)
		}
	}
}
