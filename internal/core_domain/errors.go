package core_domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrTemplateNotFound = errors.New("template not found")
	ErrNoBackend        = errors.New("no backend configured for message")
	ErrUnknownBackend   = errors.New("unknown backend")
)

// ValidationError rejects a message before anything is persisted or sent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransportError wraps any failure while talking to a provider. Its message is the
// underlying cause verbatim, because it is what ends up in Message.Error.
type TransportError struct {
	Backend string
	Err     error
}

func (e *TransportError) Error() string {
	return e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ParseError describes a provider response that could only be partially understood.
type ParseError struct {
	Backend string
	Issues  []string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: malformed provider response: %s", e.Backend, strings.Join(e.Issues, "; "))
}

// Add records another problem found while parsing.
func (e *ParseError) Add(format string, args ...any) {
	e.Issues = append(e.Issues, fmt.Sprintf(format, args...))
}

// OrNil returns nil when no issue was recorded.
func (e *ParseError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// CorrelationError is a status report for an id the dispatcher does not know, or no longer
// cares about. Callers log and ignore it.
type CorrelationError struct {
	Backend           string
	ProviderMessageID string
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("%s: no pending message for provider id %q", e.Backend, e.ProviderMessageID)
}
