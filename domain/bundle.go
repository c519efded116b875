package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// BundleKind is the Bundle.type of a collection response.
type BundleKind string

const (
	BundleSearchset BundleKind = "searchset"
	BundleHistory   BundleKind = "history"
)

// Entry is one element of a Bundle. A history entry for a deletion carries a
// Record without Content.
type Entry struct {
	Record  *Record
	Method  string
	Deleted bool
}

// Link is a paging link.
type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// Bundle is the paged collection returned by Search and History.
type Bundle struct {
	Kind    BundleKind
	Total   int
	Entries []Entry
	Links   []Link
}

type wireBundle struct {
	ResourceType string      `json:"resourceType"`
	Type         string      `json:"type"`
	Total        *int        `json:"total,omitempty"`
	Link         []Link      `json:"link,omitempty"`
	Entry        []wireEntry `json:"entry,omitempty"`
}

type wireEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *wireRequest    `json:"request,omitempty"`
	Response *wireResponse   `json:"response,omitempty"`
}

type wireRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type wireResponse struct {
	Status       string `json:"status"`
	Etag         string `json:"etag,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
}

// MarshalJSON encodes the bundle as a Bundle resource.
func (b *Bundle) MarshalJSON() ([]byte, error) {
	w := wireBundle{ResourceType: "Bundle", Type: string(b.Kind), Link: b.Links}
	if b.Kind == BundleSearchset || b.Total > 0 {
		total := b.Total
		w.Total = &total
	}
	for _, e := range b.Entries {
		if e.Record == nil {
			continue
		}
		we := wireEntry{FullURL: e.Record.FullURL()}
		if !e.Deleted {
			we.Resource = e.Record.Content
		}
		if b.Kind == BundleHistory {
			method := e.Method
			if method == "" {
				method = "PUT"
			}
			we.Request = &wireRequest{Method: method, URL: e.Record.Type + "/" + e.Record.ID}
			resp := &wireResponse{Status: "200 OK", Etag: e.Record.ETag()}
			if e.Deleted {
				resp.Status = "204 No Content"
			} else if method == "POST" {
				resp.Status = "201 Created"
			}
			if !e.Record.LastUpdated.IsZero() {
				resp.LastModified = e.Record.LastUpdated.UTC().Format(time.RFC3339Nano)
			}
			we.Response = resp
		}
		w.Entry = append(w.Entry, we)
	}
	return sonic.Marshal(w)
}

// ParseBundle decodes a Bundle resource received from another server.
func ParseBundle(data []byte) (*Bundle, error) {
	var w wireBundle
	if err := sonic.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	if w.ResourceType != "Bundle" {
		return nil, Errorf(KindInternal, "expected Bundle, got %q", w.ResourceType)
	}
	b := &Bundle{Kind: BundleKind(w.Type), Links: w.Link}
	if w.Total != nil {
		b.Total = *w.Total
	}
	for _, we := range w.Entry {
		e := Entry{}
		if we.Request != nil {
			e.Method = we.Request.Method
		}
		if len(we.Resource) > 0 {
			rec, err := ParseRecord("", we.Resource)
			if err != nil {
				return nil, err
			}
			rec.Base = baseOf(we.FullURL, rec.Type, rec.ID)
			e.Record = rec
		} else if we.Request != nil {
			typ, id := splitReference(we.Request.URL)
			e.Record = &Record{Type: typ, ID: id, Base: baseOf(we.FullURL, typ, id)}
			e.Deleted = strings.EqualFold(e.Method, "DELETE")
		} else {
			continue
		}
		b.Entries = append(b.Entries, e)
	}
	return b, nil
}

// Rebase readdresses every entry under to, and rewrites link URLs that point
// into from.
func (b *Bundle) Rebase(from, to string) {
	from, to = NormalizeBase(from), NormalizeBase(to)
	for i := range b.Entries {
		if b.Entries[i].Record != nil {
			b.Entries[i].Record.Base = to
		}
	}
	if from == "" {
		return
	}
	for i := range b.Links {
		if strings.HasPrefix(b.Links[i].URL, from) {
			b.Links[i].URL = to + strings.TrimPrefix(b.Links[i].URL, from)
		}
	}
}

func baseOf(fullURL, typ, id string) string {
	suffix := typ + "/" + id
	if i := strings.Index(fullURL, suffix); i >= 0 && typ != "" {
		return fullURL[:i]
	}
	return ""
}

func splitReference(ref string) (string, string) {
	ref = strings.SplitN(ref, "?", 2)[0]
	parts := strings.Split(strings.Trim(ref, "/"), "/")
	if len(parts) < 2 {
		return ref, ""
	}
	return parts[0], parts[1]
}
