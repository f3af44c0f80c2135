package event

import "fmt"

// Reason classifies why an event was refused. All validation failures are
// recoverable: they are reported to the publishing client and the connection
// stays open.
type Reason string

const (
	ReasonMalformed         Reason = "malformed"
	ReasonTooLarge          Reason = "too-large"
	ReasonIDMismatch        Reason = "id-mismatch"
	ReasonBadSignature      Reason = "bad-signature"
	ReasonFutureTimestamp   Reason = "timestamp-too-far-future"
	ReasonUnsupportedKind   Reason = "unsupported-kind"
	ReasonExtensionRejected Reason = "extension-rejected"
)

// ValidationError is the typed rejection produced by the Validator.
type ValidationError struct {
	Reason Reason
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invalid event: %s", e.Reason)
	}
	return fmt.Sprintf("invalid event: %s: %s", e.Reason, e.Detail)
}

func rejected(reason Reason, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
