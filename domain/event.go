package domain

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Verb is the mutation kind carried by a ChangeEvent.
type Verb string

const (
	VerbCreate Verb = "CREATE"
	VerbUpdate Verb = "UPDATE"
	VerbDelete Verb = "DELETE"
)

// VerbFor maps a write mode to its event verb.
func VerbFor(m Mode) Verb {
	if m == ModeUpdate {
		return VerbUpdate
	}
	return VerbCreate
}

// ChangeEvent is the before/after snapshot of one accepted mutation. Old is
// nil on create, New is nil on delete. Both are nil when a delete found
// nothing to snapshot.
type ChangeEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"resourceType"`
	ResourceID string    `json:"resourceId"`
	Old        *Record   `json:"old,omitempty"`
	New        *Record   `json:"new,omitempty"`
	Verb       Verb      `json:"verb"`
	Method     string    `json:"method,omitempty"`
	At         time.Time `json:"at"`
}

// NewChangeEvent builds an event with snapshots detached from the caller's records.
func NewChangeEvent(typ, id string, old, new *Record, verb Verb, method string) *ChangeEvent {
	return &ChangeEvent{
		ID:         ulid.Make().String(),
		Type:       typ,
		ResourceID: id,
		Old:        old.Clone(),
		New:        new.Clone(),
		Verb:       verb,
		Method:     method,
		At:         time.Now().UTC(),
	}
}

// Key identifies the resource the event is about. Events sharing a key are
// delivered in submission order.
func (e *ChangeEvent) Key() string {
	return e.Type + "/" + e.ResourceID
}

// Focus is the record notifications are about: the new state, or the old one
// for deletions.
func (e *ChangeEvent) Focus() *Record {
	if e.New != nil {
		return e.New
	}
	return e.Old
}
