package domain

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bytedance/sonic"
)

// Kind classifies a failure independently of the path (local or upstream) that produced it.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindGone
	KindConflict
	KindPreconditionFailed
	KindRejected
	KindUnsupported
	KindUpstreamTransport
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not-found"
	case KindGone:
		return "gone"
	case KindConflict:
		return "conflict"
	case KindPreconditionFailed:
		return "precondition-failed"
	case KindRejected:
		return "rejected"
	case KindUnsupported:
		return "unsupported"
	case KindUpstreamTransport:
		return "upstream-transport"
	default:
		return "internal"
	}
}

// Error is the normalized error shape surfaced by every strategy. Status and
// Outcome are carried verbatim when the failure came from the upstream server.
type Error struct {
	Kind    Kind
	Status  int
	Outcome []byte
	Message string
	Err     error
}

// Sentinels usable with errors.Is; comparison is by Kind.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrGone               = &Error{Kind: KindGone}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrPreconditionFailed = &Error{Kind: KindPreconditionFailed}
	ErrUnsupported        = &Error{Kind: KindUnsupported}
	ErrUpstreamTransport  = &Error{Kind: KindUpstreamTransport}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Errorf builds an error of the given kind with the kind's default status.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: defaultStatus(kind), Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new error of the given kind.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Status: defaultStatus(kind), Message: msg, Err: err}
}

// FromStatus normalizes a status/outcome pair into the shared error shape.
// Both values are preserved unmodified.
func FromStatus(status int, outcome []byte, msg string) *Error {
	return &Error{Kind: kindForStatus(status), Status: status, Outcome: outcome, Message: msg}
}

// ValidationError reports a payload that failed validation before any write.
func ValidationError(issues []Issue) *Error {
	msg := "resource failed validation"
	if len(issues) > 0 {
		msg = issues[0].Diagnostics
	}
	e := &Error{Kind: KindValidation, Status: http.StatusBadRequest, Message: msg}
	e.Outcome = NewOutcome(issues...)
	return e
}

// UpstreamTransport wraps a failure to reach the upstream server at all.
func UpstreamTransport(err error, timeout bool) *Error {
	status := http.StatusBadGateway
	if timeout {
		status = http.StatusGatewayTimeout
	}
	return &Error{Kind: KindUpstreamTransport, Status: status, Message: "upstream request failed", Err: err}
}

// StatusOf returns the HTTP status carried by err, 500 for foreign errors.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

// KindOf returns the kind carried by err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsNotFoundOrGone reports the two statuses a pre-read is allowed to swallow.
func IsNotFoundOrGone(err error) bool {
	switch StatusOf(err) {
	case http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

// OutcomeOf returns the OperationOutcome payload for err, synthesizing one when
// the error did not carry its own.
func OutcomeOf(err error) []byte {
	var e *Error
	if errors.As(err, &e) {
		if len(e.Outcome) > 0 {
			return e.Outcome
		}
		return NewOutcome(Issue{Severity: "error", Code: issueCode(e.Kind), Diagnostics: e.Error()})
	}
	return NewOutcome(Issue{Severity: "fatal", Code: "exception", Diagnostics: err.Error()})
}

// Issue is a single OperationOutcome issue.
type Issue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

type outcome struct {
	ResourceType string  `json:"resourceType"`
	Issue        []Issue `json:"issue"`
}

// NewOutcome encodes issues as an OperationOutcome resource.
func NewOutcome(issues ...Issue) []byte {
	if issues == nil {
		issues = []Issue{}
	}
	data, err := sonic.Marshal(outcome{ResourceType: "OperationOutcome", Issue: issues})
	if err != nil {
		return []byte(`{"resourceType":"OperationOutcome","issue":[]}`)
	}
	return data
}

func defaultStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindGone:
		return http.StatusGone
	case KindConflict:
		return http.StatusConflict
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindRejected:
		return http.StatusUnprocessableEntity
	case KindUnsupported:
		return http.StatusNotImplemented
	case KindUpstreamTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest:
		return KindValidation
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusGone:
		return KindGone
	case http.StatusConflict:
		return KindConflict
	case http.StatusPreconditionFailed:
		return KindPreconditionFailed
	case http.StatusNotImplemented, http.StatusMethodNotAllowed:
		return KindUnsupported
	}
	if status >= 400 && status < 500 {
		return KindRejected
	}
	return KindInternal
}

func issueCode(kind Kind) string {
	switch kind {
	case KindValidation:
		return "invalid"
	case KindNotFound:
		return "not-found"
	case KindGone:
		return "deleted"
	case KindConflict, KindPreconditionFailed:
		return "conflict"
	case KindUnsupported:
		return "not-supported"
	case KindUpstreamTransport:
		return "transient"
	case KindRejected:
		return "processing"
	default:
		return "exception"
	}
}
