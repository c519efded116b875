package channel

import (
	"github.com/bytedance/sonic"
)

// Extension is one element of an R4 extension array.
type Extension struct {
	URL         string  `json:"url"`
	ValueString *string `json:"valueString,omitempty"`
	ValueURI    *string `json:"valueUri,omitempty"`
	ValueURL    *string `json:"valueUrl,omitempty"`
}

// R4Extensions reads parameters from an R4 resource's extension array.
// Repeated URLs are allowed; the first element carrying a non-empty value in
// the requested encoding wins.
type R4Extensions []Extension

// ParseR4Extensions decodes a raw JSON extension array.
func ParseR4Extensions(raw []byte) (R4Extensions, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var exts R4Extensions
	if err := sonic.Unmarshal(raw, &exts); err != nil {
		return nil, err
	}
	return exts, nil
}

func (r R4Extensions) StringExtension(url string) (string, bool) {
	return r.lookup(url, func(e Extension) *string { return e.ValueString })
}

func (r R4Extensions) URIExtension(url string) (string, bool) {
	return r.lookup(url, func(e Extension) *string { return e.ValueURI })
}

func (r R4Extensions) URLExtension(url string) (string, bool) {
	return r.lookup(url, func(e Extension) *string { return e.ValueURL })
}

func (r R4Extensions) lookup(url string, pick func(Extension) *string) (string, bool) {
	for _, e := range r {
		if e.URL != url {
			continue
		}
		if v := pick(e); v != nil && *v != "" {
			return *v, true
		}
	}
	return "", false
}

// Value is a typed entry of a metadata Bag. At most one encoding is normally
// set but all three are kept when present.
type Value struct {
	String string `json:"string,omitempty"`
	URI    string `json:"uri,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Bag is the flat key to typed value metadata map used by newer records.
type Bag map[string]Value

// ParseBag decodes a raw JSON metadata object.
func ParseBag(raw []byte) (Bag, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var b Bag
	if err := sonic.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return b, nil
}

func (b Bag) StringExtension(url string) (string, bool) {
	v, ok := b[url]
	if !ok || v.String == "" {
		return "", false
	}
	return v.String, true
}

func (b Bag) URIExtension(url string) (string, bool) {
	v, ok := b[url]
	if !ok || v.URI == "" {
		return "", false
	}
	return v.URI, true
}

func (b Bag) URLExtension(url string) (string, bool) {
	v, ok := b[url]
	if !ok || v.URL == "" {
		return "", false
	}
	return v.URL, true
}
