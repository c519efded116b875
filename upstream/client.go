// Package upstream is the strategy that forwards every operation to the
// upstream system of record over its REST API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"subscription-proxy/domain"
)

const (
	contentType          = "application/fhir+json"
	maxResponseBytes     = 8 << 20
	defaultConnectTime   = 5 * time.Second
	defaultTLSTimeout    = 5 * time.Second
	defaultClientTimeout = 30 * time.Second
)

// Client talks to the upstream server rooted at a base URL.
type Client struct {
	base   string
	http   *http.Client
	logger *log.Logger
}

func defaultClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	dialer := &net.Dialer{Timeout: defaultConnectTime}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultTLSTimeout,
		MaxIdleConnsPerHost: 32,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// New creates a client for baseURL whose requests are bounded by timeout.
func New(baseURL string, timeout time.Duration, logger *log.Logger) (*Client, error) {
	return NewWithHTTPClient(baseURL, defaultClient(timeout), logger)
}

// NewWithHTTPClient creates a client using hc for transport.
func NewWithHTTPClient(baseURL string, hc *http.Client, logger *log.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("upstream: base URL must be http or https")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Client{base: domain.NormalizeBase(u.String()), http: hc, logger: logger}, nil
}

// BaseURL is the normalized upstream base, always ending in a slash.
func (c *Client) BaseURL() string { return c.base }

func (c *Client) Read(ctx context.Context, typ, id string, opts domain.ReadOptions) (*domain.Record, error) {
	path := typ + "/" + url.PathEscape(id)
	if opts.Version != "" {
		path += "/_history/" + url.PathEscape(opts.Version)
	}
	q := url.Values{}
	if opts.Summary != "" {
		q.Set("_summary", opts.Summary)
	}
	resp, body, err := c.do(ctx, http.MethodGet, path, q, nil, nil)
	if err != nil {
		return nil, err
	}
	return c.record(typ, resp, body)
}

func (c *Client) Create(ctx context.Context, rec *domain.Record, pre domain.Preconditions) (*domain.Record, error) {
	h := http.Header{}
	if pre.IfNoneExist != "" {
		h.Set("If-None-Exist", pre.IfNoneExist)
	}
	resp, body, err := c.do(ctx, http.MethodPost, rec.Type, nil, h, rec.Content)
	if err != nil {
		return nil, err
	}
	return c.written(rec, resp, body)
}

func (c *Client) Update(ctx context.Context, rec *domain.Record, pre domain.Preconditions) (*domain.Record, error) {
	h := http.Header{}
	if pre.IfMatch != "" {
		h.Set("If-Match", domain.FormatETag(pre.IfMatch))
	}
	if pre.IfModifiedSince != nil {
		h.Set("If-Modified-Since", pre.IfModifiedSince.UTC().Format(http.TimeFormat))
	}
	if pre.IfNoneExist != "" {
		h.Set("If-None-Exist", pre.IfNoneExist)
	}
	resp, body, err := c.do(ctx, http.MethodPut, rec.Type+"/"+url.PathEscape(rec.ID), nil, h, rec.Content)
	if err != nil {
		return nil, err
	}
	return c.written(rec, resp, body)
}

func (c *Client) Delete(ctx context.Context, typ, id, ifMatch string) error {
	h := http.Header{}
	if ifMatch != "" {
		h.Set("If-Match", domain.FormatETag(ifMatch))
	}
	_, _, err := c.do(ctx, http.MethodDelete, typ+"/"+url.PathEscape(id), nil, h, nil)
	return err
}

func (c *Client) Search(ctx context.Context, typ string, params url.Values) (*domain.Bundle, error) {
	_, body, err := c.do(ctx, http.MethodGet, typ, params, nil, nil)
	if err != nil {
		return nil, err
	}
	return c.bundle(body)
}

func (c *Client) History(ctx context.Context, typ, id string, opts domain.HistoryOptions) (*domain.Bundle, error) {
	path := typ
	if id != "" {
		path += "/" + url.PathEscape(id)
	}
	path += "/_history"
	q := url.Values{}
	if opts.Since != nil {
		q.Set("_since", opts.Since.UTC().Format(time.RFC3339Nano))
	}
	if opts.Count > 0 {
		q.Set("_count", strconv.Itoa(opts.Count))
	}
	_, body, err := c.do(ctx, http.MethodGet, path, q, nil, nil)
	if err != nil {
		return nil, err
	}
	b, err := c.bundle(body)
	if err != nil {
		return nil, err
	}
	if opts.Till != nil {
		kept := b.Entries[:0]
		for _, e := range b.Entries {
			if e.Record.LastUpdated.IsZero() || !e.Record.LastUpdated.After(*opts.Till) {
				kept = append(kept, e)
			}
		}
		b.Entries = kept
	}
	return b, nil
}

func (c *Client) Operation(ctx context.Context, typ, id, name string, params json.RawMessage) (*domain.Record, error) {
	path := typ
	if id != "" {
		path += "/" + url.PathEscape(id)
	}
	path += "/$" + name
	resp, body, err := c.do(ctx, http.MethodPost, path, nil, nil, params)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return &domain.Record{Type: "OperationOutcome", Content: domain.NewOutcome()}, nil
	}
	return c.record("", resp, body)
}

// do sends one request. Transport failures become UpstreamTransport errors;
// error statuses keep the upstream status and outcome.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, h http.Header, body []byte) (*http.Response, []byte, error) {
	target := c.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, nil, domain.Wrap(domain.KindInternal, err, "build upstream request")
	}
	for k, vs := range h {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", contentType)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WithFields(log.Fields{"method": method, "path": path, "duration_ms": msSince(start)}).WithError(err).Warn("upstream.request.failed")
		return nil, nil, domain.UpstreamTransport(err, isTimeout(ctx, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, domain.UpstreamTransport(err, isTimeout(ctx, err))
	}
	c.logger.WithFields(log.Fields{
		"method":      method,
		"path":        path,
		"status":      resp.StatusCode,
		"duration_ms": msSince(start),
	}).Debug("upstream.request")

	if resp.StatusCode >= 400 {
		var outcome []byte
		if len(data) > 0 && sonic.Valid(data) {
			outcome = data
		}
		e := domain.FromStatus(resp.StatusCode, outcome, "upstream "+method+" "+path)
		if resp.StatusCode >= 500 {
			e.Kind = domain.KindUpstreamTransport
		}
		return nil, nil, e
	}
	return resp, data, nil
}

func (c *Client) record(typ string, resp *http.Response, body []byte) (*domain.Record, error) {
	rec, err := domain.ParseRecord(typ, body)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "decode upstream resource")
	}
	if rec.VersionID == "" {
		rec.VersionID = domain.ParseETag(resp.Header.Get("ETag"))
	}
	rec.Base = c.base
	return rec, nil
}

// written builds the result of a create or update. A server answering with
// an empty body is described by its Location and ETag headers.
func (c *Client) written(sent *domain.Record, resp *http.Response, body []byte) (*domain.Record, error) {
	if len(bytes.TrimSpace(body)) > 0 {
		return c.record(sent.Type, resp, body)
	}
	rec := sent.Clone()
	rec.Base = c.base
	if loc := resp.Header.Get("Location"); loc != "" {
		id, version := parseLocation(loc, sent.Type)
		if id != "" {
			rec.ID = id
		}
		if version != "" {
			rec.VersionID = version
		}
	}
	if rec.VersionID == "" {
		rec.VersionID = domain.ParseETag(resp.Header.Get("ETag"))
	}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		rec.LastUpdated = lm.UTC()
	}
	return rec, nil
}

func (c *Client) bundle(body []byte) (*domain.Bundle, error) {
	b, err := domain.ParseBundle(body)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "decode upstream bundle")
	}
	return b, nil
}

// parseLocation extracts id and version from ".../Type/id/_history/version".
func parseLocation(loc, typ string) (string, string) {
	loc = strings.SplitN(loc, "?", 2)[0]
	i := strings.LastIndex(loc, typ+"/")
	if i < 0 {
		return "", ""
	}
	parts := strings.Split(loc[i+len(typ)+1:], "/")
	id := parts[0]
	if len(parts) >= 3 && parts[1] == "_history" {
		return id, parts[2]
	}
	return id, ""
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}
