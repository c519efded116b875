// Package channel extracts delivery-channel parameters from a subscriber's
// vendor metadata, whichever record generation carried it.
package channel

// Extension URLs under which each channel parameter is stored.
const (
	ExtensionURLSite     = "http://fhir-extension.zulip.org/site"
	ExtensionURLEmail    = "http://fhir-extension.zulip.org/email"
	ExtensionURLKey      = "http://fhir-extension.zulip.org/key"
	ExtensionURLStreamID = "http://fhir-extension.zulip.org/stream-id"
	ExtensionURLPmUserID = "http://fhir-extension.zulip.org/pm-user-id"
	ZulipChannelTypeURL  = "http://fhir-extensions.zulip.org/subscription-channel-type#zulip"

	zulipChannelTypeShorthand = "zulip"
)

// Accessor exposes typed extension values by URL. Each method reports whether
// a value with that encoding exists.
type Accessor interface {
	StringExtension(url string) (string, bool)
	URIExtension(url string) (string, bool)
	URLExtension(url string) (string, bool)
}

// Parameters holds the resolved channel parameters. A nil field is absent.
type Parameters struct {
	Site        *string `json:"site,omitempty"`
	Topic       *string `json:"topic,omitempty"`
	RecipientID *string `json:"recipientId,omitempty"`
	AuthKey     *string `json:"authKey,omitempty"`
	Address     *string `json:"address,omitempty"`
}

// Resolve reads all five parameters from a.
func Resolve(a Accessor) Parameters {
	var p Parameters
	if v, ok := SiteTryGet(a); ok {
		p.Site = &v
	}
	if v, ok := TopicTryGet(a); ok {
		p.Topic = &v
	}
	if v, ok := RecipientTryGet(a); ok {
		p.RecipientID = &v
	}
	if v, ok := KeyTryGet(a); ok {
		p.AuthKey = &v
	}
	if v, ok := AddressTryGet(a); ok {
		p.Address = &v
	}
	return p
}

// SiteTryGet returns the first non-empty site value, checking the string,
// uri and url encodings in that order.
func SiteTryGet(a Accessor) (string, bool) {
	if a == nil {
		return "", false
	}
	for _, get := range []func(string) (string, bool){a.StringExtension, a.URIExtension, a.URLExtension} {
		if v, ok := get(ExtensionURLSite); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// TopicTryGet returns the stream id.
func TopicTryGet(a Accessor) (string, bool) { return stringValue(a, ExtensionURLStreamID) }

// RecipientTryGet returns the private-message recipient id.
func RecipientTryGet(a Accessor) (string, bool) { return stringValue(a, ExtensionURLPmUserID) }

// KeyTryGet returns the auth key.
func KeyTryGet(a Accessor) (string, bool) { return stringValue(a, ExtensionURLKey) }

// AddressTryGet returns the destination email address.
func AddressTryGet(a Accessor) (string, bool) { return stringValue(a, ExtensionURLEmail) }

// IsZulip reports whether channelType names the zulip channel.
func IsZulip(channelType string) bool {
	return channelType == ZulipChannelTypeURL || channelType == zulipChannelTypeShorthand
}

func stringValue(a Accessor, url string) (string, bool) {
	if a == nil {
		return "", false
	}
	v, ok := a.StringExtension(url)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
