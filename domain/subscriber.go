package domain

import (
	"encoding/json"

	"github.com/bytedance/sonic"

	"subscription-proxy/channel"
)

// SubscriptionType is the resource type whose records register subscribers.
const SubscriptionType = "Subscription"

// Subscriber is a registered interest with match criteria and channel metadata.
type Subscriber struct {
	ID          string
	Criteria    []Criterion
	ChannelType string
	Endpoint    string
	Status      string
	Metadata    channel.Accessor
}

// Active reports whether notifications should be matched for the subscriber.
func (s *Subscriber) Active() bool {
	return s.Status == "active" || s.Status == "requested"
}

type subscriptionContent struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	Criteria     string          `json:"criteria"`
	Extension    json.RawMessage `json:"extension"`
	Metadata     json.RawMessage `json:"metadata"`
	Channel      struct {
		Type     string `json:"type"`
		Endpoint string `json:"endpoint"`
	} `json:"channel"`
}

// SubscriberFromRecord builds a Subscriber from a Subscription record. An R4
// extension array and a flat metadata object are both understood; the
// metadata object wins when both are present.
func SubscriberFromRecord(rec *Record) (*Subscriber, error) {
	if rec == nil || rec.Type != SubscriptionType {
		return nil, Errorf(KindValidation, "not a Subscription record")
	}
	var c subscriptionContent
	if err := sonic.Unmarshal(rec.Content, &c); err != nil {
		return nil, Wrap(KindValidation, err, "subscription content")
	}
	criteria, err := ParseCriteria(c.Criteria)
	if err != nil {
		return nil, err
	}
	sub := &Subscriber{
		ID:          rec.ID,
		Criteria:    criteria,
		ChannelType: c.Channel.Type,
		Endpoint:    c.Channel.Endpoint,
		Status:      c.Status,
	}
	switch {
	case len(c.Metadata) > 0 && string(c.Metadata) != "null":
		bag, err := channel.ParseBag(c.Metadata)
		if err != nil {
			return nil, Wrap(KindValidation, err, "subscription metadata")
		}
		sub.Metadata = bag
	case len(c.Extension) > 0 && string(c.Extension) != "null":
		exts, err := channel.ParseR4Extensions(c.Extension)
		if err != nil {
			return nil, Wrap(KindValidation, err, "subscription extensions")
		}
		sub.Metadata = exts
	}
	return sub, nil
}
