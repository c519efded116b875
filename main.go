package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"subscription-proxy/api"
	"subscription-proxy/config"
	"subscription-proxy/domain"
	"subscription-proxy/filter"
	"subscription-proxy/gateway"
	"subscription-proxy/notify"
	"subscription-proxy/storage"
	"subscription-proxy/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(storage.Config{
		ConnectionString: cfg.StorageConnectionString,
		RecordsTable:     cfg.RecordsTable,
		HistoryTable:     cfg.HistoryTable,
	})
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	var local gateway.Local = store

	var rc *redis.Client
	if cfg.RedisConnectionString != "" {
		rc = redis.NewClient(redisOptions(cfg.RedisConnectionString))
		defer rc.Close()
		if cfg.RecordCacheTTL > 0 {
			local = storage.NewCache(store, rc, cfg.RecordCacheTTL)
		}
	}

	var up gateway.Strategy
	if cfg.UpstreamURL != "" {
		client, err := upstream.New(cfg.UpstreamURL, cfg.UpstreamTimeout, logger)
		if err != nil {
			log.Fatalf("upstream: %v", err)
		}
		up = client
	}

	index := filter.NewIndex(filter.WithOrder(cfg.FilterOrder))
	dispatcher := notify.NewDispatcher(index, notify.LogDeliverer{Logger: logger}, logger)

	var sinks notify.Sinks
	if rc != nil {
		sinks = append(sinks, notify.NewRedisSink(rc, cfg.EventsChannel))
	}
	if cfg.EventsQueue != "" {
		qs, err := notify.NewQueueSink(cfg.StorageConnectionString, cfg.EventsQueue)
		if err != nil {
			log.Fatalf("events queue: %v", err)
		}
		sinks = append(sinks, qs)
	}
	if cfg.DispatchSource == config.DispatchInline {
		sinks = append(sinks, dispatcher)
	} else {
		go notify.Consume(ctx, rc, cfg.EventsChannel, dispatcher, logger)
	}

	emitter := notify.NewEmitter(notify.EmitterConfig{
		Workers:         cfg.EmitterWorkers,
		Buffer:          cfg.EmitterBuffer,
		HandoffTimeout:  cfg.EmitterHandoffTimeout,
		DeliveryTimeout: cfg.DeliveryTimeout,
	}, sinks, logger)

	gw := gateway.New(gateway.Config{BaseURL: cfg.PublicBaseURL, LocalTypes: cfg.LocalTypes}, local, up, emitter, logger)

	subs, err := gw.Resource(domain.SubscriptionType)
	if err != nil {
		log.Fatalf("subscriptions: %v", err)
	}
	n, err := dispatcher.Load(ctx, subs)
	if err != nil {
		logger.WithError(err).Warn("unable to load stored subscriptions")
	}
	logger.Infof("indexed %d subscriptions", n)

	auth, err := newAuth(cfg)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "If-Match", "If-None-Exist", echo.HeaderIfModifiedSince, "Prefer"},
		ExposeHeaders: []string{echo.HeaderLocation, "ETag", echo.HeaderLastModified},
	}))
	e.Use(api.GzipRequestMiddleware())
	api.Register(e, gw, auth, logger)

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Logger.Fatal(err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("http shutdown")
	}
	emitter.Close()
	stats := emitter.Stats()
	logger.WithFields(log.Fields{
		"accepted": stats.Accepted,
		"dropped":  stats.Dropped,
		"failed":   stats.Failed,
	}).Info("emitter stopped")
}

// newAuth returns nil when resource routes are served without authentication.
func newAuth(cfg config.Config) (api.Authenticator, error) {
	if !cfg.AuthEnabled() {
		return nil, nil
	}
	if cfg.AuthTestMode {
		return api.NewTestAuth(cfg.TestJWTSecret)
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.AuthDomain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, cfg.AuthAudience, "https://"+cfg.AuthDomain+"/"), nil
}

// redisOptions accepts a redis:// URL or the "host:port,password=...,ssl=true"
// form used by Azure Cache for Redis.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "password":
			opts.Password = v
		case "ssl":
			if strings.EqualFold(v, "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
