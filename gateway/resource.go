package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"subscription-proxy/domain"
)

// Resource is the gateway for one resource type. Every call re-evaluates the
// route and sticks to the chosen strategy for its pre-read and its write.
type Resource struct {
	gw  *Gateway
	typ string
}

// Type is the resource type served by r.
func (r *Resource) Type() string { return r.typ }

// Create writes rec. A record naming an id that already exists is updated
// instead.
func (r *Resource) Create(ctx context.Context, rec *domain.Record, pre domain.Preconditions) (*domain.Record, error) {
	return r.write(ctx, "create", rec, pre)
}

// Update writes rec under id.
func (r *Resource) Update(ctx context.Context, id string, rec *domain.Record, pre domain.Preconditions) (*domain.Record, error) {
	if id == "" {
		return nil, invalid("id", "update requires an id")
	}
	if rec.ID == "" {
		rec = rec.Clone()
		rec.ID = id
	}
	if rec.ID != id {
		return nil, invalid("id", "resource id "+rec.ID+" does not match "+id)
	}
	return r.write(ctx, "update", rec, pre)
}

func (r *Resource) write(ctx context.Context, op string, rec *domain.Record, pre domain.Preconditions) (out *domain.Record, err error) {
	strategy, route := r.gw.pick(r.typ)
	ctx, span := startSpan(ctx, op, r.typ, route)
	defer func() { endSpan(span, err) }()

	rec = rec.Clone()
	if rec.Type == "" {
		rec.Type = r.typ
	}
	if rec.Type != r.typ {
		return nil, invalid("resourceType", "resourceType "+rec.Type+" does not match "+r.typ)
	}

	mode := domain.ModeCreate
	var old *domain.Record
	if rec.ID != "" {
		if old, err = r.preRead(ctx, strategy, rec.ID); err != nil {
			return nil, err
		}
		if old != nil {
			mode = domain.ModeUpdate
		}
	}
	span.SetAttributes(attribute.String("proxy.mode", string(mode)))

	// If-Match names a version, so it can never hold for a record that is not there.
	if mode == domain.ModeCreate && pre.IfMatch != "" {
		return nil, domain.Errorf(domain.KindPreconditionFailed, "%s/%s does not exist", r.typ, rec.ID)
	}

	if err = r.gw.local.Validate(ctx, rec, mode); err != nil {
		return nil, err
	}

	var written *domain.Record
	fallback := http.MethodPost
	if mode == domain.ModeCreate {
		written, err = strategy.Create(ctx, rec, pre)
	} else {
		fallback = http.MethodPut
		written, err = strategy.Update(ctx, rec, pre)
	}
	if err != nil {
		return nil, err
	}

	written = r.gw.readdress(written)
	r.gw.logger.WithFields(log.Fields{
		"resource": r.typ + "/" + written.ID,
		"version":  written.VersionID,
		"mode":     mode,
		"route":    route,
	}).Debug("gateway.write")
	r.gw.emit(ctx, domain.NewChangeEvent(r.typ, written.ID, r.gw.readdress(old), written, domain.VerbFor(mode), methodFrom(ctx, fallback)))
	return written, nil
}

// Delete removes id. The event carries the last known state, or no state at
// all when nothing existed.
func (r *Resource) Delete(ctx context.Context, id, ifMatch string) (err error) {
	strategy, route := r.gw.pick(r.typ)
	ctx, span := startSpan(ctx, "delete", r.typ, route)
	defer func() { endSpan(span, err) }()

	if id == "" {
		return invalid("id", "delete requires an id")
	}
	old, err := r.preRead(ctx, strategy, id)
	if err != nil {
		return err
	}
	if err = strategy.Delete(ctx, r.typ, id, ifMatch); err != nil {
		return err
	}
	r.gw.emit(ctx, domain.NewChangeEvent(r.typ, id, r.gw.readdress(old), nil, domain.VerbDelete, methodFrom(ctx, http.MethodDelete)))
	return nil
}

// preRead loads the current state. A missing or deleted record is not an
// error.
func (r *Resource) preRead(ctx context.Context, s Strategy, id string) (*domain.Record, error) {
	rec, err := s.Read(ctx, r.typ, id, domain.ReadOptions{})
	if err != nil {
		if domain.IsNotFoundOrGone(err) {
			trace.SpanFromContext(ctx).AddEvent("proxy.preread.missing")
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (r *Resource) Read(ctx context.Context, id string, opts domain.ReadOptions) (out *domain.Record, err error) {
	strategy, route := r.gw.pick(r.typ)
	ctx, span := startSpan(ctx, "read", r.typ, route)
	defer func() { endSpan(span, err) }()

	rec, err := strategy.Read(ctx, r.typ, id, opts)
	if err != nil {
		return nil, err
	}
	return r.gw.readdress(rec), nil
}

func (r *Resource) Search(ctx context.Context, params url.Values) (out *domain.Bundle, err error) {
	strategy, route := r.gw.pick(r.typ)
	ctx, span := startSpan(ctx, "search", r.typ, route)
	defer func() { endSpan(span, err) }()

	b, err := strategy.Search(ctx, r.typ, params)
	if err != nil {
		return nil, err
	}
	return r.gw.readdressBundle(strategy, b), nil
}

func (r *Resource) TypeHistory(ctx context.Context, opts domain.HistoryOptions) (*domain.Bundle, error) {
	return r.history(ctx, "", opts)
}

func (r *Resource) InstanceHistory(ctx context.Context, id string, opts domain.HistoryOptions) (*domain.Bundle, error) {
	if id == "" {
		return nil, invalid("id", "instance history requires an id")
	}
	return r.history(ctx, id, opts)
}

func (r *Resource) history(ctx context.Context, id string, opts domain.HistoryOptions) (out *domain.Bundle, err error) {
	strategy, route := r.gw.pick(r.typ)
	ctx, span := startSpan(ctx, "history", r.typ, route)
	defer func() { endSpan(span, err) }()

	b, err := strategy.History(ctx, r.typ, id, opts)
	if err != nil {
		return nil, err
	}
	return r.gw.readdressBundle(strategy, b), nil
}

// Operation runs a named operation on one instance.
func (r *Resource) Operation(ctx context.Context, id, name string, params json.RawMessage) (*domain.Record, error) {
	if id == "" {
		return nil, invalid("id", "instance operation requires an id")
	}
	return r.operation(ctx, id, name, params)
}

// TypeOperation runs a named operation on the resource type.
func (r *Resource) TypeOperation(ctx context.Context, name string, params json.RawMessage) (*domain.Record, error) {
	return r.operation(ctx, "", name, params)
}

func (r *Resource) operation(ctx context.Context, id, name string, params json.RawMessage) (out *domain.Record, err error) {
	strategy, route := r.gw.pick(r.typ)
	ctx, span := startSpan(ctx, "operation", r.typ, route)
	span.SetAttributes(attribute.String("proxy.operation", name))
	defer func() { endSpan(span, err) }()

	rec, err := strategy.Operation(ctx, r.typ, id, name, params)
	if err != nil {
		return nil, err
	}
	return r.gw.readdress(rec), nil
}

func invalid(expr, msg string) error {
	return domain.ValidationError([]domain.Issue{{Severity: "error", Code: "invalid", Diagnostics: msg, Expression: []string{expr}}})
}
