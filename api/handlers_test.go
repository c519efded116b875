package api

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"subscription-proxy/domain"
	"subscription-proxy/gateway"
)

const testBase = "https://proxy.example/fhir/"

type testServer struct {
	e       *echo.Echo
	store   *memStore
	emitter *countingEmitter
	hook    *test.Hook
}

func newTestServer(t *testing.T, auth Authenticator) *testServer {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	store := newMemStore()
	em := &countingEmitter{}
	gw := gateway.New(gateway.Config{BaseURL: testBase}, store, nil, em, logger)

	e := echo.New()
	e.Use(GzipRequestMiddleware())
	Register(e, gw, auth, logger)
	return &testServer{e: e, store: store, emitter: em, hook: hook}
}

func (s *testServer) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.Header.Set(echo.HeaderContentType, contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func outcomeCode(t *testing.T, body []byte) string {
	t.Helper()
	var oo struct {
		ResourceType string `json:"resourceType"`
		Issue        []struct {
			Code string `json:"code"`
		} `json:"issue"`
	}
	if err := sonic.Unmarshal(body, &oo); err != nil {
		t.Fatalf("decode outcome %s: %v", body, err)
	}
	if oo.ResourceType != "OperationOutcome" || len(oo.Issue) == 0 {
		t.Fatalf("expected an OperationOutcome, got %s", body)
	}
	return oo.Issue[0].Code
}

func TestCreateSetsLocationAndETag(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodPost, "/Patient", `{"resourceType":"Patient","active":true}`, nil)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(echo.HeaderLocation); got != testBase+"Patient/mem-1/_history/1" {
		t.Fatalf("unexpected Location %q", got)
	}
	if got := rec.Header().Get("ETag"); got != `W/"1"` {
		t.Fatalf("unexpected ETag %q", got)
	}
	if got := rec.Header().Get(echo.HeaderLastModified); got != "Tue, 02 Jan 2024 03:04:05 GMT" {
		t.Fatalf("unexpected Last-Modified %q", got)
	}
	if got := rec.Header().Get(echo.HeaderContentType); got != contentType {
		t.Fatalf("unexpected content type %q", got)
	}
	written, err := domain.ParseRecord("", rec.Body.Bytes())
	if err != nil || written.ID != "mem-1" || written.VersionID != "1" {
		t.Fatalf("unexpected body %s (%v)", rec.Body.String(), err)
	}
	if s.emitter.count() != 1 || s.emitter.events[0].Verb != domain.VerbCreate || s.emitter.events[0].Method != http.MethodPost {
		t.Fatalf("expected one create event, got %+v", s.emitter.events)
	}
}

func TestPutCreatesThenUpdates(t *testing.T) {
	s := newTestServer(t, nil)
	body := `{"resourceType":"Encounter","id":"e1","status":"planned"}`

	if rec := s.do(http.MethodPut, "/Encounter/e1", body, nil); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 on first put, got %d: %s", rec.Code, rec.Body.String())
	}
	rec := s.do(http.MethodPut, "/Encounter/e1", body, map[string]string{"If-Match": `W/"1"`})
	if rec.Code != http.StatusOK || rec.Header().Get("ETag") != `W/"2"` {
		t.Fatalf("expected 200 with version 2, got %d %q", rec.Code, rec.Header().Get("ETag"))
	}
	if got := s.emitter.events[1]; got.Verb != domain.VerbUpdate || got.Old == nil || got.Old.VersionID != "1" || got.Method != http.MethodPut {
		t.Fatalf("unexpected update event %+v", got)
	}
}

func TestWriteFailuresReturnOutcomes(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodPut, "/Encounter/e1", `{"resourceType":"Encounter","status":"planned"}`, nil)

	tests := []struct {
		name    string
		method  string
		target  string
		body    string
		headers map[string]string
		status  int
		code    string
	}{
		{name: "stale if-match", method: http.MethodPut, target: "/Encounter/e1", body: `{"resourceType":"Encounter"}`, headers: map[string]string{"If-Match": `W/"9"`}, status: http.StatusPreconditionFailed, code: "conflict"},
		{name: "id mismatch", method: http.MethodPut, target: "/Encounter/e1", body: `{"resourceType":"Encounter","id":"e2"}`, status: http.StatusBadRequest, code: "invalid"},
		{name: "type mismatch", method: http.MethodPost, target: "/Encounter", body: `{"resourceType":"Patient"}`, status: http.StatusBadRequest, code: "invalid"},
		{name: "bad json", method: http.MethodPost, target: "/Encounter", body: `{"resourceType":`, status: http.StatusBadRequest, code: "invalid"},
		{name: "empty body", method: http.MethodPost, target: "/Encounter", status: http.StatusBadRequest, code: "invalid"},
		{name: "validation", method: http.MethodPost, target: "/Basic", body: `{"resourceType":"Basic"}`, status: http.StatusBadRequest, code: "required"},
		{name: "bad if-modified-since", method: http.MethodPut, target: "/Encounter/e1", body: `{"resourceType":"Encounter"}`, headers: map[string]string{"If-Modified-Since": "yesterday"}, status: http.StatusBadRequest, code: "invalid"},
		{name: "post to instance", method: http.MethodPost, target: "/Encounter/e1", body: `{}`, status: http.StatusMethodNotAllowed},
		{name: "bad type", method: http.MethodGet, target: "/encounter/e1", status: http.StatusNotImplemented, code: "not-supported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.target, tt.body, tt.headers)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			code := outcomeCode(t, rec.Body.Bytes())
			if tt.code != "" && code != tt.code {
				t.Fatalf("expected issue code %q, got %q", tt.code, code)
			}
		})
	}
	if s.emitter.count() != 1 {
		t.Fatalf("failed writes must not emit, got %d events", s.emitter.count())
	}
}

func TestReadVersionAndDelete(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodPut, "/Patient/p1", `{"resourceType":"Patient","active":true}`, nil)
	s.do(http.MethodPut, "/Patient/p1", `{"resourceType":"Patient","active":false}`, nil)

	rec := s.do(http.MethodGet, "/Patient/p1", "", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("ETag") != `W/"2"` {
		t.Fatalf("expected current version 2, got %d %q", rec.Code, rec.Header().Get("ETag"))
	}
	rec = s.do(http.MethodGet, "/Patient/p1/_history/1", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"active":true`) {
		t.Fatalf("unexpected vread %d %s", rec.Code, rec.Body.String())
	}

	if rec = s.do(http.MethodDelete, "/Patient/p1", "", map[string]string{"If-Match": `W/"1"`}); rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412 for stale delete, got %d", rec.Code)
	}
	if rec = s.do(http.MethodDelete, "/Patient/p1", "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec = s.do(http.MethodGet, "/Patient/p1", "", nil); rec.Code != http.StatusGone {
		t.Fatalf("expected 410 after delete, got %d", rec.Code)
	}
	if rec = s.do(http.MethodDelete, "/Patient/missing", "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("deleting a missing record should succeed, got %d", rec.Code)
	}

	last := s.emitter.events[len(s.emitter.events)-1]
	if last.Verb != domain.VerbDelete || last.Old != nil || last.New != nil || last.Method != http.MethodDelete {
		t.Fatalf("unexpected delete event %+v", last)
	}
}

func TestSearchAndHistoryBundles(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodPut, "/Patient/p1", `{"resourceType":"Patient"}`, nil)
	s.do(http.MethodPut, "/Patient/p1", `{"resourceType":"Patient","active":true}`, nil)

	rec := s.do(http.MethodGet, "/Patient?active=true", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search: %d %s", rec.Code, rec.Body.String())
	}
	var bundle struct {
		ResourceType string `json:"resourceType"`
		Type         string `json:"type"`
		Total        int    `json:"total"`
		Entry        []struct {
			FullURL string `json:"fullUrl"`
		} `json:"entry"`
	}
	if err := sonic.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bundle.ResourceType != "Bundle" || bundle.Type != "searchset" || bundle.Total != 1 {
		t.Fatalf("unexpected bundle %+v", bundle)
	}
	if bundle.Entry[0].FullURL != testBase+"Patient/p1" {
		t.Fatalf("entry not addressed under the proxy base: %q", bundle.Entry[0].FullURL)
	}

	rec = s.do(http.MethodGet, "/Patient/p1/_history?_count=1", "", nil)
	if err := sonic.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || bundle.Type != "history" || len(bundle.Entry) != 1 {
		t.Fatalf("unexpected history %d %s", rec.Code, rec.Body.String())
	}

	for _, target := range []string{"/Patient/_history?_count=-1", "/Patient/p1/_history?_since=last-week"} {
		if rec = s.do(http.MethodGet, target, "", nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
	}
}

func TestOperations(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(http.MethodPost, "/$convert", `{"resourceType":"Parameters","parameter":[{"name":"input","resource":{"resourceType":"Patient","id":"x"}}]}`, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"id":"x"`) {
		t.Fatalf("unexpected $convert response %d %s", rec.Code, rec.Body.String())
	}
	if rec = s.do(http.MethodPost, "/$reindex", "", nil); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 for unknown system operation, got %d", rec.Code)
	}
	if rec = s.do(http.MethodPost, "/Patient/$everything", "", nil); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 from the store, got %d", rec.Code)
	}
	if rec = s.do(http.MethodPost, "/Patient/p1/$validate", `{}`, nil); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 from the store, got %d", rec.Code)
	}
	if rec = s.do(http.MethodPost, "/Patient/p1/validate", `{}`, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without the $ prefix, got %d", rec.Code)
	}
}

func TestPreferReturn(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(http.MethodPost, "/Patient", `{"resourceType":"Patient"}`, map[string]string{"Prefer": "return=minimal"})
	if rec.Code != http.StatusCreated || rec.Body.Len() != 0 || rec.Header().Get(echo.HeaderLocation) == "" {
		t.Fatalf("expected empty 201 with Location, got %d %q", rec.Code, rec.Body.String())
	}
	rec = s.do(http.MethodPost, "/Patient", `{"resourceType":"Patient"}`, map[string]string{"Prefer": "handling=strict, return=OperationOutcome"})
	if code := outcomeCode(t, rec.Body.Bytes()); rec.Code != http.StatusCreated || code != "informational" {
		t.Fatalf("expected informational outcome, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestGzipRequestBody(t *testing.T) {
	s := newTestServer(t, nil)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(`{"resourceType":"Patient","id":"gz"}`))
	_ = zw.Close()

	req := httptest.NewRequest(http.MethodPut, "/Patient/gz", &buf)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/Patient", strings.NewReader("not gzip"))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec = httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid gzip, got %d", rec.Code)
	}
}

func TestRequestMetricsLogged(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodGet, "/Patient/nope", "", nil)

	var entry *log.Entry
	for _, e := range s.hook.AllEntries() {
		if e.Message == "http.request.metrics" {
			entry = e
		}
	}
	if entry == nil {
		t.Fatal("expected a request metrics entry")
	}
	if entry.Level != log.WarnLevel || entry.Data["status"] != http.StatusNotFound || entry.Data["route"] != "/:type/:id" {
		t.Fatalf("unexpected metrics entry %#v", entry.Data)
	}
	if entry.Data["resource_type"] != "Patient" || entry.Data["error"] == nil {
		t.Fatalf("missing resource type or error: %#v", entry.Data)
	}
}

func TestHealthzSkipsAuth(t *testing.T) {
	auth, err := NewTestAuth("secret")
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	s := newTestServer(t, auth)
	if rec := s.do(http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
