// Package api exposes the gateway over the FHIR REST interactions.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"subscription-proxy/domain"
	"subscription-proxy/gateway"
)

const (
	contentType  = "application/fhir+json"
	maxBodyBytes = 4 << 20
	errorKey     = "error"
)

// Register wires the resource routes on e. auth may be nil to serve
// without authentication.
func Register(e *echo.Echo, gw *gateway.Gateway, auth Authenticator, logger *log.Logger) {
	e.GET("/healthz", healthz())

	mw := []echo.MiddlewareFunc{RequestMetrics(logger)}
	if auth != nil {
		mw = append(mw, RequireAuth(auth))
	}
	h := &handlers{gw: gw}
	g := e.Group("", mw...)
	g.POST("/:type", h.postType)
	g.GET("/:type", h.search)
	g.GET("/:type/_history", h.typeHistory)
	g.POST("/:type/:id", h.postInstance)
	g.PUT("/:type/:id", h.update)
	g.GET("/:type/:id", h.read)
	g.DELETE("/:type/:id", h.delete)
	g.GET("/:type/:id/_history", h.instanceHistory)
	g.GET("/:type/:id/_history/:vid", h.vread)
	g.POST("/:type/:id/:op", h.instanceOperation)
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

type handlers struct {
	gw *gateway.Gateway
}

func (h *handlers) resource(c echo.Context) (*gateway.Resource, context.Context, error) {
	req := c.Request()
	ctx := gateway.WithMethod(req.Context(), req.Method)
	res, err := h.gw.Resource(c.Param("type"))
	return res, ctx, err
}

// postType serves create, or a system operation when the segment is $name.
func (h *handlers) postType(c echo.Context) error {
	if name, ok := operationName(c.Param("type")); ok {
		params, err := readBody(c)
		if err != nil {
			return writeError(c, err)
		}
		out, err := h.gw.SystemOperation(gateway.WithMethod(c.Request().Context(), http.MethodPost), name, params)
		if err != nil {
			return writeError(c, err)
		}
		return writeRecord(c, http.StatusOK, out)
	}

	res, ctx, err := h.resource(c)
	if err != nil {
		return writeError(c, err)
	}
	rec, pre, err := h.payload(c, res.Type())
	if err != nil {
		return writeError(c, err)
	}
	out, err := res.Create(ctx, rec, pre)
	if err != nil {
		return writeError(c, err)
	}
	return writeWrite(c, http.StatusCreated, out)
}

// postInstance serves type-level operations. A plain POST to an instance is
// not an interaction.
func (h *handlers) postInstance(c echo.Context) error {
	name, ok := operationName(c.Param("id"))
	if !ok {
		return writeError(c, domain.FromStatus(http.StatusMethodNotAllowed, nil, "POST is not allowed on a resource instance"))
	}
	res, ctx, err := h.resource(c)
	if err != nil {
		return writeError(c, err)
	}
	params, err := readBody(c)
	if err != nil {
		return writeError(c, err)
	}
	out, err := res.TypeOperation(ctx, name, params)
	if err != nil {
		return writeError(c, err)
	}
	return writeRecord(c, http.StatusOK, out)
}

func (h *handlers) instanceOperation(c echo.Context) error {
	name, ok := operationName(c.Param("op"))
	if !ok {
		return writeError(c, domain.Errorf(domain.KindNotFound, "unknown interaction %q", c.Param("op")))
	}
	res, ctx, err := h.resource(c)
	if err != nil {
		return writeError(c, err)
	}
	params, err := readBody(c)
	if err != nil {
		return writeError(c, err)
	}
	out, err := res.Operation(ctx, c.Param("id"), name, params)
	if err != nil {
		return writeError(c, err)
	}
	return writeRecord(c, http.StatusOK, out)
}

func (h *handlers) update(c echo.Context) error {
	res, ctx, err := h.resource(c)
	if err != nil {
		return writeError(c, err)
	}
	rec, pre, err := h.payload(c, res.Type())
	if err != nil {
		return writeError(c, err)
	}
	out, err := res.Update(ctx, c.Param("id"), rec, pre)
	if err != nil {
		return writeError(c, err)
	}
	status := http.StatusOK
	if out.VersionID == "1" {
		status = http.StatusCreated
	}
	return writeWrite(c, status, out)
}

func (h *handlers) delete(c echo.Context) error {
	res, ctx, err := h.resource(c)
	if err != nil {
		return writeError(c, err)
	}
	if err := res.Delete(ctx, c.Param("id"), strings.TrimSpace(c.Request().Header.Get("If-Match"))); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) read(c echo.Context) error {
	return h.readVersion(c, "")
}

func (h *handlers) vread(c echo.Context) error {
	return h.readVersion(c, c.Param("vid"))
}

func (h *handlers) readVersion(c echo.Context, version string) error {
	res, ctx, err := h.resource(c)
	if err != nil {
		return writeError(c, err)
	}
	out, err := res.Read(ctx, c.Param("id"), domain.ReadOptions{Version: version, Summary: c.QueryParam("_summary")})
	if err != nil {
		return writeError(c, err)
	}
	return writeRecord(c, http.StatusOK, out)
}

func (h *handlers) search(c echo.Context) error {
	res, ctx, err := h.resource(c)
	if err != nil {
		return writeError(c, err)
	}
	b, err := res.Search(ctx, c.QueryParams())
	if err != nil {
		return writeError(c, err)
	}
	return writeBundle(c, b)
}

func (h *handlers) typeHistory(c echo.Context) error {
	res, ctx, err := h.resource(c)
	if err != nil {
		return writeError(c, err)
	}
	opts, err := historyOptions(c)
	if err != nil {
		return writeError(c, err)
	}
	b, err := res.TypeHistory(ctx, opts)
	if err != nil {
		return writeError(c, err)
	}
	return writeBundle(c, b)
}

func (h *handlers) instanceHistory(c echo.Context) error {
	res, ctx, err := h.resource(c)
	if err != nil {
		return writeError(c, err)
	}
	opts, err := historyOptions(c)
	if err != nil {
		return writeError(c, err)
	}
	b, err := res.InstanceHistory(ctx, c.Param("id"), opts)
	if err != nil {
		return writeError(c, err)
	}
	return writeBundle(c, b)
}

func (h *handlers) payload(c echo.Context, typ string) (*domain.Record, domain.Preconditions, error) {
	pre, err := preconditions(c.Request().Header)
	if err != nil {
		return nil, pre, err
	}
	body, err := readBody(c)
	if err != nil {
		return nil, pre, err
	}
	if len(body) == 0 {
		return nil, pre, domain.Errorf(domain.KindValidation, "request body is empty")
	}
	rec, err := domain.ParseRecord(typ, body)
	if err != nil {
		return nil, pre, err
	}
	return rec, pre, nil
}

func operationName(segment string) (string, bool) {
	name, ok := strings.CutPrefix(segment, "$")
	return name, ok && name != ""
}

func readBody(c echo.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return nil, domain.Wrap(domain.KindValidation, err, "unable to read request body")
	}
	if len(body) > maxBodyBytes {
		return nil, domain.FromStatus(http.StatusRequestEntityTooLarge, nil, "request body too large")
	}
	return body, nil
}

func preconditions(h http.Header) (domain.Preconditions, error) {
	pre := domain.Preconditions{
		IfMatch:     strings.TrimSpace(h.Get("If-Match")),
		IfNoneExist: h.Get("If-None-Exist"),
	}
	if v := h.Get(echo.HeaderIfModifiedSince); v != "" {
		t, err := http.ParseTime(v)
		if err != nil {
			return pre, domain.Errorf(domain.KindValidation, "invalid If-Modified-Since %q", v)
		}
		pre.IfModifiedSince = &t
	}
	return pre, nil
}

func historyOptions(c echo.Context) (domain.HistoryOptions, error) {
	var opts domain.HistoryOptions
	for name, dst := range map[string]**time.Time{"_since": &opts.Since, "_till": &opts.Till} {
		v := c.QueryParam(name)
		if v == "" {
			continue
		}
		t, err := parseInstant(v)
		if err != nil {
			return opts, domain.Errorf(domain.KindValidation, "invalid %s %q", name, v)
		}
		*dst = &t
	}
	if v := c.QueryParam("_count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, domain.Errorf(domain.KindValidation, "invalid _count %q", v)
		}
		opts.Count = n
	}
	return opts, nil
}

func parseInstant(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}

// writeWrite honors Prefer: return=minimal|representation|OperationOutcome.
func writeWrite(c echo.Context, status int, rec *domain.Record) error {
	setRecordHeaders(c, rec)
	c.Response().Header().Set(echo.HeaderLocation, rec.Location())
	switch preferredReturn(c.Request().Header) {
	case "minimal":
		return c.NoContent(status)
	case "OperationOutcome":
		return c.Blob(status, contentType, domain.NewOutcome(domain.Issue{
			Severity:    "information",
			Code:        "informational",
			Diagnostics: "stored " + rec.Type + "/" + rec.ID + "/_history/" + rec.VersionID,
		}))
	}
	return c.Blob(status, contentType, rec.Content)
}

func preferredReturn(h http.Header) string {
	for _, pref := range strings.Split(h.Get("Prefer"), ",") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(pref), "return="); ok {
			return v
		}
	}
	return "representation"
}

func writeRecord(c echo.Context, status int, rec *domain.Record) error {
	setRecordHeaders(c, rec)
	return c.Blob(status, contentType, rec.Content)
}

func setRecordHeaders(c echo.Context, rec *domain.Record) {
	hdr := c.Response().Header()
	if etag := rec.ETag(); etag != "" {
		hdr.Set("ETag", etag)
	}
	if !rec.LastUpdated.IsZero() {
		hdr.Set(echo.HeaderLastModified, rec.LastUpdated.UTC().Format(http.TimeFormat))
	}
}

func writeBundle(c echo.Context, b *domain.Bundle) error {
	data, err := b.MarshalJSON()
	if err != nil {
		return writeError(c, domain.Wrap(domain.KindInternal, err, "unable to encode bundle"))
	}
	return c.Blob(http.StatusOK, contentType, data)
}

func writeError(c echo.Context, err error) error {
	c.Set(errorKey, err)
	return c.Blob(domain.StatusOf(err), contentType, domain.OutcomeOf(err))
}
