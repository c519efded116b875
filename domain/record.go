package domain

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Record is one versioned resource addressed by type and id.
type Record struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	VersionID   string          `json:"versionId,omitempty"`
	LastUpdated time.Time       `json:"lastUpdated"`
	Content     json.RawMessage `json:"content,omitempty"`
	Base        string          `json:"base,omitempty"`
}

// Mode is the write mode chosen after the pre-read.
type Mode string

const (
	ModeCreate Mode = "create"
	ModeUpdate Mode = "update"
)

// Preconditions are the conditional-write headers passed through to a strategy.
type Preconditions struct {
	IfMatch         string
	IfNoneExist     string
	IfModifiedSince *time.Time
}

// ReadOptions select a specific version and/or a summary form.
type ReadOptions struct {
	Version string
	Summary string
}

// HistoryOptions bound a history query.
type HistoryOptions struct {
	Since *time.Time
	Till  *time.Time
	Count int
}

type envelope struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         struct {
		VersionID   string `json:"versionId"`
		LastUpdated string `json:"lastUpdated"`
	} `json:"meta"`
}

// ParseRecord reads the envelope fields out of a JSON resource. typ is used
// when the content does not name its own resourceType.
func ParseRecord(typ string, content []byte) (*Record, error) {
	var env envelope
	if err := sonic.Unmarshal(content, &env); err != nil {
		return nil, Wrap(KindValidation, err, "resource is not valid JSON")
	}
	rec := &Record{
		Type:      env.ResourceType,
		ID:        env.ID,
		VersionID: env.Meta.VersionID,
		Content:   append(json.RawMessage(nil), content...),
	}
	if rec.Type == "" {
		rec.Type = typ
	}
	if env.Meta.LastUpdated != "" {
		if ts, err := time.Parse(time.RFC3339Nano, env.Meta.LastUpdated); err == nil {
			rec.LastUpdated = ts.UTC()
		}
	}
	return rec, nil
}

// Stamp writes the envelope fields back into Content so both agree.
func (r *Record) Stamp() error {
	doc := map[string]any{}
	if len(r.Content) > 0 {
		if err := sonic.Unmarshal(r.Content, &doc); err != nil {
			return Wrap(KindValidation, err, "resource is not a JSON object")
		}
	}
	doc["resourceType"] = r.Type
	if r.ID != "" {
		doc["id"] = r.ID
	}
	meta, _ := doc["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	if r.VersionID != "" {
		meta["versionId"] = r.VersionID
	}
	if !r.LastUpdated.IsZero() {
		meta["lastUpdated"] = r.LastUpdated.UTC().Format(time.RFC3339Nano)
	}
	if len(meta) > 0 {
		doc["meta"] = meta
	}
	data, err := sonic.Marshal(doc)
	if err != nil {
		return err
	}
	r.Content = data
	return nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Content = append(json.RawMessage(nil), r.Content...)
	return &c
}

// WithBase returns a copy addressed under base.
func (r *Record) WithBase(base string) *Record {
	if r == nil {
		return nil
	}
	c := r.Clone()
	c.Base = NormalizeBase(base)
	return c
}

// Location is the versioned address of the record.
func (r *Record) Location() string {
	loc := ForResourceID(r.Base, r.Type, r.ID)
	if r.VersionID != "" {
		loc += "/_history/" + r.VersionID
	}
	return loc
}

// FullURL is the unversioned address of the record.
func (r *Record) FullURL() string {
	return ForResourceID(r.Base, r.Type, r.ID)
}

// ETag is the weak entity tag for the current version.
func (r *Record) ETag() string {
	if r.VersionID == "" {
		return ""
	}
	return FormatETag(r.VersionID)
}

// Summarize returns content reduced to the requested summary form. Unknown
// forms and "false" return the content unchanged.
func (r *Record) Summarize(form string) (json.RawMessage, error) {
	var keep func(key string) bool
	switch form {
	case "text":
		keep = func(k string) bool { return k == "resourceType" || k == "id" || k == "meta" || k == "text" }
	case "data":
		keep = func(k string) bool { return k != "text" }
	case "true":
		keep = func(k string) bool { return k == "resourceType" || k == "id" || k == "meta" || k == "status" }
	default:
		return r.Content, nil
	}
	doc := map[string]any{}
	if err := sonic.Unmarshal(r.Content, &doc); err != nil {
		return nil, err
	}
	for k := range doc {
		if !keep(k) {
			delete(doc, k)
		}
	}
	return sonic.Marshal(doc)
}

// ParseETag strips the weak prefix and quotes from an If-Match value.
func ParseETag(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "W/")
	return strings.Trim(v, `"`)
}

// FormatETag returns v as an entity tag. A bare version becomes a weak tag;
// a value that is already quoted is kept as sent.
func FormatETag(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasSuffix(v, `"`) {
		return v
	}
	return `W/"` + v + `"`
}

// NormalizeBase makes sure a non-empty base ends with a slash.
func NormalizeBase(base string) string {
	if base == "" || strings.HasSuffix(base, "/") {
		return base
	}
	return base + "/"
}

// ForResourceID is the address of a resource under base.
func ForResourceID(base, typ, id string) string {
	return NormalizeBase(base) + typ + "/" + id
}

var (
	typePattern = regexp.MustCompile(`^[A-Z][A-Za-z]{1,63}$`)
	idPattern   = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)
)

// ValidType reports whether typ is a well-formed resource type name.
func ValidType(typ string) bool { return typePattern.MatchString(typ) }

// ValidID reports whether id is a well-formed resource id.
func ValidID(id string) bool { return idPattern.MatchString(id) }
