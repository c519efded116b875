package storage

import (
	"context"
	"encoding/json"

	"github.com/bytedance/sonic"

	"subscription-proxy/domain"
)

// MaxContentBytes bounds a stored resource. Table string properties hold at
// most 32K UTF-16 characters.
const MaxContentBytes = 32 << 10

var subscriptionStatuses = map[string]bool{"requested": true, "active": true, "error": true, "off": true}

// Validate checks rec against the rules for mode. All problems are reported
// together.
func (s *Store) Validate(_ context.Context, rec *domain.Record, mode domain.Mode) error {
	var issues []domain.Issue
	add := func(expr, msg string) {
		issues = append(issues, domain.Issue{Severity: "error", Code: "invalid", Diagnostics: msg, Expression: []string{expr}})
	}

	if !domain.ValidType(rec.Type) {
		add("resourceType", "resource type "+quote(rec.Type)+" is not valid")
	}
	if mode == domain.ModeUpdate && rec.ID == "" {
		add("id", "update requires an id")
	}
	if rec.ID != "" && !domain.ValidID(rec.ID) {
		add("id", "id "+quote(rec.ID)+" is not valid")
	}
	if len(rec.Content) > MaxContentBytes {
		add(rec.Type, "resource exceeds the maximum stored size")
	}

	var doc map[string]json.RawMessage
	if err := sonic.Unmarshal(rec.Content, &doc); err != nil || doc == nil {
		add(rec.Type, "resource must be a JSON object")
		return domain.ValidationError(issues)
	}
	var declared, id string
	_ = sonic.Unmarshal(doc["resourceType"], &declared)
	_ = sonic.Unmarshal(doc["id"], &id)
	if declared != rec.Type {
		add("resourceType", "resourceType "+quote(declared)+" does not match "+quote(rec.Type))
	}
	if id != "" && rec.ID != "" && id != rec.ID {
		add("id", "resource id "+quote(id)+" does not match "+quote(rec.ID))
	}

	switch rec.Type {
	case domain.SubscriptionType:
		issues = append(issues, validateSubscription(doc)...)
	case "SubscriptionTopic":
		var u string
		_ = sonic.Unmarshal(doc["url"], &u)
		if u == "" {
			add("SubscriptionTopic.url", "SubscriptionTopic requires a url")
		}
	}

	if len(issues) > 0 {
		return domain.ValidationError(issues)
	}
	return nil
}

func validateSubscription(doc map[string]json.RawMessage) []domain.Issue {
	var issues []domain.Issue
	add := func(expr, msg string) {
		issues = append(issues, domain.Issue{Severity: "error", Code: "invalid", Diagnostics: msg, Expression: []string{expr}})
	}
	var status, criteria string
	_ = sonic.Unmarshal(doc["status"], &status)
	_ = sonic.Unmarshal(doc["criteria"], &criteria)
	if !subscriptionStatuses[status] {
		add("Subscription.status", "status "+quote(status)+" is not valid")
	}
	if _, err := domain.ParseCriteria(criteria); err != nil {
		add("Subscription.criteria", "criteria "+quote(criteria)+" cannot be parsed")
	}
	var ch struct {
		Type string `json:"type"`
	}
	_ = sonic.Unmarshal(doc["channel"], &ch)
	if ch.Type == "" {
		add("Subscription.channel.type", "channel type is required")
	}
	return issues
}

func quote(s string) string { return `"` + s + `"` }
