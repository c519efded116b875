package api

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"subscription-proxy/domain"
)

var fixedNow = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

// memStore is a minimal local strategy keeping every version in memory.
type memStore struct {
	mu       sync.Mutex
	seq      int
	versions map[string][]*domain.Record
	deleted  map[string]bool
}

func newMemStore() *memStore {
	return &memStore{versions: map[string][]*domain.Record{}, deleted: map[string]bool{}}
}

func (m *memStore) current(typ, id string) *domain.Record {
	vs := m.versions[typ+"/"+id]
	if len(vs) == 0 || m.deleted[typ+"/"+id] {
		return nil
	}
	return vs[len(vs)-1]
}

func (m *memStore) ofType(typ string) []*domain.Record {
	var out []*domain.Record
	for key, vs := range m.versions {
		if strings.HasPrefix(key, typ+"/") && !m.deleted[key] {
			out = append(out, vs[len(vs)-1])
		}
	}
	return out
}

func (m *memStore) Read(_ context.Context, typ, id string, opts domain.ReadOptions) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := m.versions[typ+"/"+id]
	if opts.Version != "" {
		for _, v := range vs {
			if v.VersionID == opts.Version {
				return v.Clone(), nil
			}
		}
		return nil, domain.Errorf(domain.KindNotFound, "%s/%s/_history/%s not found", typ, id, opts.Version)
	}
	if m.deleted[typ+"/"+id] {
		return nil, domain.Errorf(domain.KindGone, "%s/%s was deleted", typ, id)
	}
	cur := m.current(typ, id)
	if cur == nil {
		return nil, domain.Errorf(domain.KindNotFound, "%s/%s not found", typ, id)
	}
	return cur.Clone(), nil
}

func (m *memStore) Create(_ context.Context, rec *domain.Record, pre domain.Preconditions) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pre.IfNoneExist != "" && len(m.ofType(rec.Type)) > 0 {
		return nil, domain.Errorf(domain.KindPreconditionFailed, "If-None-Exist matched")
	}
	if rec.ID == "" {
		m.seq++
		rec.ID = "mem-" + strconv.Itoa(m.seq)
	}
	return m.put(rec)
}

func (m *memStore) Update(_ context.Context, rec *domain.Record, pre domain.Preconditions) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pre.IfMatch != "" {
		cur := m.current(rec.Type, rec.ID)
		if cur == nil || cur.VersionID != domain.ParseETag(pre.IfMatch) {
			return nil, domain.Errorf(domain.KindPreconditionFailed, "version mismatch")
		}
	}
	return m.put(rec)
}

func (m *memStore) put(rec *domain.Record) (*domain.Record, error) {
	key := rec.Type + "/" + rec.ID
	out := rec.Clone()
	out.VersionID = strconv.Itoa(len(m.versions[key]) + 1)
	out.LastUpdated = fixedNow
	if err := out.Stamp(); err != nil {
		return nil, err
	}
	m.versions[key] = append(m.versions[key], out)
	delete(m.deleted, key)
	return out.Clone(), nil
}

func (m *memStore) Delete(_ context.Context, typ, id, ifMatch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.current(typ, id)
	if ifMatch != "" && (cur == nil || cur.VersionID != domain.ParseETag(ifMatch)) {
		return domain.Errorf(domain.KindPreconditionFailed, "version mismatch")
	}
	if cur != nil {
		m.deleted[typ+"/"+id] = true
	}
	return nil
}

func (m *memStore) Search(_ context.Context, typ string, _ url.Values) (*domain.Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := &domain.Bundle{Kind: domain.BundleSearchset}
	for _, cur := range m.ofType(typ) {
		b.Entries = append(b.Entries, domain.Entry{Record: cur.Clone()})
	}
	b.Total = len(b.Entries)
	return b, nil
}

func (m *memStore) History(_ context.Context, typ, id string, opts domain.HistoryOptions) (*domain.Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := &domain.Bundle{Kind: domain.BundleHistory}
	for _, v := range m.versions[typ+"/"+id] {
		if opts.Count > 0 && len(b.Entries) == opts.Count {
			break
		}
		b.Entries = append(b.Entries, domain.Entry{Record: v.Clone()})
	}
	return b, nil
}

func (m *memStore) Operation(_ context.Context, _, _, name string, _ json.RawMessage) (*domain.Record, error) {
	return nil, domain.Errorf(domain.KindUnsupported, "operation $%s is not supported", name)
}

func (m *memStore) Validate(_ context.Context, rec *domain.Record, _ domain.Mode) error {
	if rec.Type == "Basic" && len(rec.Content) > 0 && string(rec.Content) == `{"resourceType":"Basic"}` {
		return domain.ValidationError([]domain.Issue{{Severity: "error", Code: "required", Diagnostics: "Basic.code is required"}})
	}
	return nil
}

type countingEmitter struct {
	mu     sync.Mutex
	events []*domain.ChangeEvent
}

func (c *countingEmitter) Emit(ev *domain.ChangeEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return true
}

func (c *countingEmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}
