package notify

import (
	"errors"
	"fmt"
)

// ErrSourceUnavailable marks a polled endpoint as unreachable or non-healthy.
// The poll cycle is skipped; the next scheduled tick retries on its own.
var ErrSourceUnavailable = errors.New("source unavailable")

// ConfigurationError is a dangling reference discovered at send time (unknown
// channel or topic). It fails only the affected recipient's delivery.
type ConfigurationError struct {
	Kind string // "channel" or "topic"
	Ref  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Kind, e.Ref)
}

// DeliveryError is a per-recipient transport failure (non-success response,
// connection error, timeout). It feeds retry eligibility.
type DeliveryError struct {
	Channel     ChannelType
	RecipientID string
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s via %s failed: %v", e.RecipientID, e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ValidationError is a malformed recipient filter. The recipient is treated
// as non-matching instead of failing the whole dispatch.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid filter on %q: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
