// Package gateway brokers every operation on a resource type between the
// local store and the upstream server, and emits one change event for every
// accepted mutation.
package gateway

import (
	"context"
	"encoding/json"
	"net/url"
	"slices"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"subscription-proxy/domain"
)

const tracerName = "subscription-proxy/gateway"

// Strategy is the set of record operations both paths implement.
type Strategy interface {
	Read(ctx context.Context, typ, id string, opts domain.ReadOptions) (*domain.Record, error)
	Create(ctx context.Context, rec *domain.Record, pre domain.Preconditions) (*domain.Record, error)
	Update(ctx context.Context, rec *domain.Record, pre domain.Preconditions) (*domain.Record, error)
	Delete(ctx context.Context, typ, id, ifMatch string) error
	Search(ctx context.Context, typ string, params url.Values) (*domain.Bundle, error)
	History(ctx context.Context, typ, id string, opts domain.HistoryOptions) (*domain.Bundle, error)
	Operation(ctx context.Context, typ, id, name string, params json.RawMessage) (*domain.Record, error)
}

// Local is the local store. Its validator is used for writes on both paths.
type Local interface {
	Strategy
	Validate(ctx context.Context, rec *domain.Record, mode domain.Mode) error
}

// Emitter accepts change events without blocking on delivery. Emit reports
// whether the event was handed off.
type Emitter interface {
	Emit(ev *domain.ChangeEvent) bool
}

type baser interface {
	BaseURL() string
}

// Route decides which strategy serves a resource type. A nil Upstream
// routes everything locally.
type Route struct {
	Upstream   Strategy
	LocalTypes []string
}

func (r *Route) isLocal(typ string) bool {
	return r == nil || r.Upstream == nil || slices.Contains(r.LocalTypes, typ)
}

// Config holds the gateway identity and its initial routing.
type Config struct {
	BaseURL    string
	LocalTypes []string
}

type Gateway struct {
	base    string
	local   Local
	emitter Emitter
	logger  *log.Logger
	route   atomic.Pointer[Route]
}

// New creates a gateway. upstream may be nil.
func New(cfg Config, local Local, upstream Strategy, emitter Emitter, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.StandardLogger()
	}
	g := &Gateway{
		base:    domain.NormalizeBase(cfg.BaseURL),
		local:   local,
		emitter: emitter,
		logger:  logger,
	}
	g.route.Store(&Route{Upstream: upstream, LocalTypes: cfg.LocalTypes})
	return g
}

// SetRoute replaces the routing rule. Calls already in flight keep the
// strategy they picked.
func (g *Gateway) SetRoute(r Route) {
	g.route.Store(&r)
}

// BaseURL is the identity space records are addressed under.
func (g *Gateway) BaseURL() string { return g.base }

// Resource returns the handle for one resource type.
func (g *Gateway) Resource(typ string) (*Resource, error) {
	if !domain.ValidType(typ) {
		return nil, domain.Errorf(domain.KindUnsupported, "resource type %q is not supported", typ)
	}
	return &Resource{gw: g, typ: typ}, nil
}

func (g *Gateway) pick(typ string) (Strategy, string) {
	r := g.route.Load()
	if r.isLocal(typ) {
		return g.local, "local"
	}
	return r.Upstream, "upstream"
}

func (g *Gateway) readdress(rec *domain.Record) *domain.Record {
	if rec == nil || g.base == "" {
		return rec
	}
	return rec.WithBase(g.base)
}

func (g *Gateway) readdressBundle(s Strategy, b *domain.Bundle) *domain.Bundle {
	if b == nil || g.base == "" {
		return b
	}
	var from string
	if bs, ok := s.(baser); ok {
		from = bs.BaseURL()
	}
	b.Rebase(from, g.base)
	return b
}

// emit hands ev to the emitter. A dropped event is logged and traced, the
// caller's result is unaffected.
func (g *Gateway) emit(ctx context.Context, ev *domain.ChangeEvent) {
	span := trace.SpanFromContext(ctx)
	ok := g.emitter != nil && g.emitter.Emit(ev)
	span.SetAttributes(attribute.Bool("proxy.emitted", ok))
	if ok {
		return
	}
	span.AddEvent("proxy.event.dropped", trace.WithAttributes(attribute.String("proxy.event_id", ev.ID)))
	g.logger.WithFields(log.Fields{
		"event_id": ev.ID,
		"key":      ev.Key(),
		"verb":     ev.Verb,
	}).Warn("gateway.event.dropped")
}

func startSpan(ctx context.Context, op, typ, route string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "gateway."+op,
		trace.WithAttributes(
			attribute.String("proxy.resource_type", typ),
			attribute.String("proxy.route", route),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Int("http.status_code", domain.StatusOf(err)))
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

type methodKey struct{}

// WithMethod records the inbound request method carried on change events.
func WithMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, methodKey{}, method)
}

func methodFrom(ctx context.Context, fallback string) string {
	if m, ok := ctx.Value(methodKey{}).(string); ok && m != "" {
		return m
	}
	return fallback
}
