package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
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
		key: "server.port", typ: kInt, env: "STMCP_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.http", typ: kBool, env: "STMCP_SERVER_HTTP",
		apply:   func(cfg *Config, v any) { cfg.Server.HTTP = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.HTTP },
	},
	{
		key: "hub.base_url", typ: kString, env: "STMCP_HUB_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Hub.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Hub.BaseURL },
	},
	{
		key: "hub.token", typ: kString, env: "STMCP_HUB_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Hub.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Hub.Token },
	},
	{
		key: "hub.location_id", typ: kString, env: "STMCP_HUB_LOCATION_ID",
		apply:   func(cfg *Config, v any) { cfg.Hub.LocationID = v.(string) },
		extract: func(cfg Config) any { return cfg.Hub.LocationID },
	},
	{
		key: "hub.rate_limit", typ: kFloat, env: "STMCP_HUB_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Hub.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Hub.RateLimit },
	},
	{
		key: "hub.timeout", typ: kDuration, env: "STMCP_HUB_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Hub.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Hub.Timeout },
	},
	{
		key: "context.status_ttl", typ: kDuration, env: "STMCP_CONTEXT_STATUS_TTL",
		apply:   func(cfg *Config, v any) { cfg.Context.StatusTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Context.StatusTTL },
	},
	{
		key: "context.evict_after_turn", typ: kInt, env: "STMCP_CONTEXT_EVICT_AFTER_TURN",
		apply:   func(cfg *Config, v any) { cfg.Context.EvictAfterTurn = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.EvictAfterTurn },
	},
	{
		key: "context.evict_threshold", typ: kInt, env: "STMCP_CONTEXT_EVICT_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Context.EvictThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.EvictThreshold },
	},
	{
		key: "context.idle_timeout", typ: kDuration, env: "STMCP_CONTEXT_IDLE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Context.IdleTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Context.IdleTimeout },
	},
	{
		key: "search.limit", typ: kInt, env: "STMCP_SEARCH_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Search.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.Limit },
	},
	{
		key: "batch.concurrency", typ: kInt, env: "STMCP_BATCH_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Batch.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Batch.Concurrency },
	},
	{
		key: "retry.max_attempts", typ: kInt, env: "STMCP_RETRY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.MaxAttempts },
	},
	{
		key: "retry.initial_delay", typ: kDuration, env: "STMCP_RETRY_INITIAL_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.InitialDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.InitialDelay },
	},
	{
		key: "errors.history_limit", typ: kInt, env: "STMCP_ERRORS_HISTORY_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Errors.HistoryLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Errors.HistoryLimit },
	},
	{
		key: "journal.retention", typ: kDuration, env: "STMCP_JOURNAL_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Journal.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Journal.Retention },
	},
	{
		key: "intent.mapping_file", typ: kString, env: "STMCP_INTENT_MAPPING_FILE",
		apply:   func(cfg *Config, v any) { cfg.Intent.MappingFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Intent.MappingFile },
	},
	{
		key: "storage.data_dir", typ: kString, env: "STMCP_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "STMCP_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts raw into the Go type of typ. Strings pass through.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func typeName(typ keyType) string {
	switch typ {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
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
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			if pv, err := parseValue(s.typ, v); err == nil {
				s.apply(cfg, pv)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", typeName(s.typ), s.key, v, err)
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
		if v, err := parseValue(s.typ, raw); err == nil {
			s.apply(cfg, v)
		} else {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", typeName(s.typ), s.env, raw, err)
		}
	}
}
