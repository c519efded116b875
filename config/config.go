// Package config reads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"subscription-proxy/filter"
)

// Config is the complete service configuration.
type Config struct {
	Debug      bool
	ListenAddr string

	PublicBaseURL   string
	UpstreamURL     string
	UpstreamTimeout time.Duration
	LocalTypes      []string

	StorageConnectionString string
	RecordsTable            string
	HistoryTable            string
	EventsQueue             string

	RedisConnectionString string
	RecordCacheTTL        time.Duration
	EventsChannel         string
	DispatchSource        string

	EmitterWorkers        int
	EmitterBuffer         int
	EmitterHandoffTimeout time.Duration
	DeliveryTimeout       time.Duration

	FilterOrder filter.Order

	AuthTestMode  bool
	AuthDomain    string
	AuthAudience  string
	TestJWTSecret string
}

const (
	DispatchInline = "inline"
	DispatchRedis  = "redis"
)

// Load reads Config from the process environment.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	e := env{lookup: lookup}
	cfg := Config{
		Debug:      e.boolean("DEBUG", false),
		ListenAddr: e.str("LISTEN_ADDR", ":8080"),

		PublicBaseURL:   e.str("PUBLIC_BASE_URL", "http://localhost:8080/"),
		UpstreamURL:     e.str("UPSTREAM_URL", ""),
		UpstreamTimeout: e.dur("UPSTREAM_TIMEOUT", 30*time.Second),
		LocalTypes:      e.list("LOCAL_TYPES", []string{"SubscriptionTopic"}),

		StorageConnectionString: e.str("STORAGE_CONNECTION_STRING", ""),
		RecordsTable:            e.str("RECORDS_TABLE", "records"),
		HistoryTable:            e.str("HISTORY_TABLE", "history"),
		EventsQueue:             e.str("EVENTS_QUEUE", ""),

		RedisConnectionString: e.str("REDIS_CONNECTION_STRING", ""),
		RecordCacheTTL:        e.dur("RECORD_CACHE_TTL", 5*time.Minute),
		EventsChannel:         e.str("EVENTS_CHANNEL", "change-events"),
		DispatchSource:        strings.ToLower(e.str("DISPATCH_SOURCE", DispatchInline)),

		EmitterWorkers:        e.integer("EMITTER_WORKERS", 8),
		EmitterBuffer:         e.integer("EMITTER_BUFFER", 1024),
		EmitterHandoffTimeout: e.dur("EMITTER_HANDOFF_TIMEOUT", 15*time.Millisecond),
		DeliveryTimeout:       e.dur("DELIVERY_TIMEOUT", 30*time.Second),

		AuthTestMode:  e.str("AUTH0_TEST_MODE", "") == "1",
		AuthDomain:    e.str("AUTH0_DOMAIN", ""),
		AuthAudience:  e.str("AUTH0_AUDIENCE", ""),
		TestJWTSecret: e.str("TEST_JWT_SECRET", ""),
	}

	order, err := filter.ParseOrder(e.str("FILTER_ORDER", ""))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("FILTER_ORDER: %w", err))
	}
	cfg.FilterOrder = order

	if err := errors.Join(e.errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.StorageConnectionString == "" {
		return errors.New("missing storage config")
	}
	if c.EmitterWorkers <= 0 || c.EmitterBuffer <= 0 {
		return errors.New("EMITTER_WORKERS and EMITTER_BUFFER must be greater than zero")
	}
	switch c.DispatchSource {
	case DispatchInline:
	case DispatchRedis:
		if c.RedisConnectionString == "" {
			return errors.New("DISPATCH_SOURCE=redis requires REDIS_CONNECTION_STRING")
		}
	default:
		return fmt.Errorf("invalid DISPATCH_SOURCE %q", c.DispatchSource)
	}
	if !c.AuthTestMode && (c.AuthDomain == "") != (c.AuthAudience == "") {
		return errors.New("AUTH0_DOMAIN and AUTH0_AUDIENCE must be set together")
	}
	return nil
}

// AuthEnabled reports whether resource routes require a bearer token.
func (c Config) AuthEnabled() bool {
	return c.AuthTestMode || c.AuthDomain != ""
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func (e *env) dur(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %q", key, v))
		return def
	}
	return d
}

func (e *env) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return b
}

// list splits a comma separated value. An explicit "-" yields an empty list.
func (e *env) list(key string, def []string) []string {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	if v == "-" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
