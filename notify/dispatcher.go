package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	log "github.com/sirupsen/logrus"

	"subscription-proxy/channel"
	"subscription-proxy/domain"
	"subscription-proxy/filter"
)

// Notification is one subscriber's view of a change event.
type Notification struct {
	Subscriber *domain.Subscriber
	Parameters channel.Parameters
	Event      *domain.ChangeEvent
	Focus      *domain.Record
}

// Deliverer sends a notification over the subscriber's channel.
type Deliverer interface {
	Deliver(ctx context.Context, n Notification) error
}

// LogDeliverer records notifications in the log instead of sending them.
type LogDeliverer struct {
	Logger *log.Logger
}

func (d LogDeliverer) Deliver(_ context.Context, n Notification) error {
	fields := log.Fields{
		"subscriber": n.Subscriber.ID,
		"channel":    n.Subscriber.ChannelType,
		"event_id":   n.Event.ID,
		"key":        n.Event.Key(),
		"verb":       n.Event.Verb,
	}
	if n.Parameters.Site != nil {
		fields["site"] = *n.Parameters.Site
	}
	if n.Parameters.Topic != nil {
		fields["topic"] = *n.Parameters.Topic
	}
	if n.Parameters.RecipientID != nil {
		fields["recipient"] = *n.Parameters.RecipientID
	}
	d.Logger.WithFields(fields).Info("notify.notification")
	return nil
}

// Dispatcher keeps the filter index in step with Subscription records and
// delivers every other event to the subscribers it matches.
type Dispatcher struct {
	index   *filter.Index
	deliver Deliverer
	logger  *log.Logger
}

func NewDispatcher(index *filter.Index, deliver Deliverer, logger *log.Logger) *Dispatcher {
	return &Dispatcher{index: index, deliver: deliver, logger: logger}
}

func (d *Dispatcher) Handle(ctx context.Context, ev *domain.ChangeEvent) error {
	if ev.Type == domain.SubscriptionType {
		d.track(ev.ResourceID, ev.New)
	}
	focus := ev.Focus()
	if focus == nil || len(focus.Content) == 0 || d.index.IsEmpty() {
		return nil
	}
	doc, err := domain.ParseDocument(focus.Content)
	if err != nil {
		return err
	}

	var errs []error
	for _, sub := range d.index.MatchSubscribers(doc) {
		n := Notification{
			Subscriber: sub,
			Parameters: channel.Resolve(sub.Metadata),
			Event:      ev,
			Focus:      focus,
		}
		if err := d.deliver.Deliver(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// track registers an active subscription and removes anything else.
func (d *Dispatcher) track(id string, rec *domain.Record) {
	if rec == nil {
		d.index.Remove(id)
		return
	}
	sub, err := domain.SubscriberFromRecord(rec)
	if err != nil {
		d.logger.WithError(err).WithField("subscription", id).Warn("notify.subscription.invalid")
		d.index.Remove(id)
		return
	}
	if !sub.Active() {
		d.index.Remove(id)
		return
	}
	d.index.Insert(sub)
}

type searcher interface {
	Search(ctx context.Context, params url.Values) (*domain.Bundle, error)
}

// maxLoadPages bounds how many searchset pages Load follows.
const maxLoadPages = 1000

// Load registers every stored subscription, following the searchset's next
// links. It returns the number indexed.
func (d *Dispatcher) Load(ctx context.Context, subscriptions searcher) (int, error) {
	params := url.Values{}
	seen := map[string]bool{}
	for page := 0; page < maxLoadPages; page++ {
		b, err := subscriptions.Search(ctx, params)
		if err != nil {
			return d.index.Len(), err
		}
		for _, e := range b.Entries {
			if e.Record != nil && !e.Deleted {
				d.track(e.Record.ID, e.Record)
			}
		}
		next := nextLink(b)
		if next == "" || seen[next] {
			return d.index.Len(), nil
		}
		seen[next] = true
		u, err := url.Parse(next)
		if err != nil {
			return d.index.Len(), fmt.Errorf("next link %q: %w", next, err)
		}
		params = u.Query()
	}
	d.logger.WithField("pages", maxLoadPages).Warn("notify.load.truncated")
	return d.index.Len(), nil
}

func nextLink(b *domain.Bundle) string {
	for _, l := range b.Links {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}
