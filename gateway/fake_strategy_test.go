package gateway

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"sync"

	"subscription-proxy/domain"
)

// fakeStrategy keeps current versions in memory and records the calls it saw.
type fakeStrategy struct {
	mu       sync.Mutex
	name     string
	base     string
	records  map[string]*domain.Record
	calls    []string
	seq      int
	failNext error
	readErr  error
	validate func(rec *domain.Record, mode domain.Mode) error
}

func newFakeStrategy(name string) *fakeStrategy {
	return &fakeStrategy{name: name, records: map[string]*domain.Record{}}
}

func (f *fakeStrategy) BaseURL() string { return f.base }

func (f *fakeStrategy) record(call string) error {
	f.calls = append(f.calls, call)
	if err := f.failNext; err != nil {
		f.failNext = nil
		return err
	}
	return nil
}

func (f *fakeStrategy) seed(rec *domain.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.Type+"/"+rec.ID] = rec.Clone()
}

func (f *fakeStrategy) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeStrategy) Read(_ context.Context, typ, id string, _ domain.ReadOptions) (*domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "read "+typ+"/"+id)
	if f.readErr != nil {
		return nil, f.readErr
	}
	rec, ok := f.records[typ+"/"+id]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "%s/%s not found", typ, id)
	}
	out := rec.Clone()
	out.Base = f.base
	return out, nil
}

func (f *fakeStrategy) put(rec *domain.Record) *domain.Record {
	out := rec.Clone()
	if out.ID == "" {
		f.seq++
		out.ID = f.name + "-" + strconv.Itoa(f.seq)
	}
	n := 1
	if prev, ok := f.records[out.Type+"/"+out.ID]; ok {
		n, _ = strconv.Atoi(prev.VersionID)
		n++
	}
	out.VersionID = strconv.Itoa(n)
	f.records[out.Type+"/"+out.ID] = out.Clone()
	out.Base = f.base
	return out
}

func (f *fakeStrategy) Create(_ context.Context, rec *domain.Record, _ domain.Preconditions) (*domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("create " + rec.Type); err != nil {
		return nil, err
	}
	return f.put(rec), nil
}

func (f *fakeStrategy) Update(_ context.Context, rec *domain.Record, pre domain.Preconditions) (*domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("update " + rec.Type + "/" + rec.ID); err != nil {
		return nil, err
	}
	if cur, ok := f.records[rec.Type+"/"+rec.ID]; ok && pre.IfMatch != "" && domain.ParseETag(pre.IfMatch) != cur.VersionID {
		return nil, domain.Errorf(domain.KindPreconditionFailed, "version mismatch")
	}
	return f.put(rec), nil
}

func (f *fakeStrategy) Delete(_ context.Context, typ, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("delete " + typ + "/" + id); err != nil {
		return err
	}
	delete(f.records, typ+"/"+id)
	return nil
}

func (f *fakeStrategy) Search(_ context.Context, typ string, _ url.Values) (*domain.Bundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("search " + typ); err != nil {
		return nil, err
	}
	b := &domain.Bundle{Kind: domain.BundleSearchset, Links: []domain.Link{{Relation: "self", URL: f.base + typ}}}
	for _, rec := range f.records {
		if rec.Type == typ {
			out := rec.Clone()
			out.Base = f.base
			b.Entries = append(b.Entries, domain.Entry{Record: out})
		}
	}
	b.Total = len(b.Entries)
	return b, nil
}

func (f *fakeStrategy) History(_ context.Context, typ, id string, _ domain.HistoryOptions) (*domain.Bundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("history " + typ + "/" + id); err != nil {
		return nil, err
	}
	return &domain.Bundle{Kind: domain.BundleHistory}, nil
}

func (f *fakeStrategy) Operation(_ context.Context, typ, id, name string, _ json.RawMessage) (*domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("operation " + typ + "/" + id + "$" + name); err != nil {
		return nil, err
	}
	return &domain.Record{Type: "OperationOutcome", Content: domain.NewOutcome()}, nil
}

func (f *fakeStrategy) Validate(_ context.Context, rec *domain.Record, mode domain.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "validate "+string(mode))
	if f.validate != nil {
		return f.validate(rec, mode)
	}
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []*domain.ChangeEvent
	reject bool
}

func (e *recordingEmitter) Emit(ev *domain.ChangeEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reject {
		return false
	}
	e.events = append(e.events, ev)
	return true
}

func (e *recordingEmitter) all() []*domain.ChangeEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*domain.ChangeEvent(nil), e.events...)
}
