package contracts

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is the ClosedError: the subscription stream closed before a message arrived
var ErrClosed = errors.New("subscription closed unexpectedly")

// ProvisionError reports a failed existence check, create, or open of a subscription
type ProvisionError struct {
	Op           string // exists, create, open
	Topic        string
	Subscription string
	Err          error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision error: %s subscription %s (topic %s): %v", e.Op, e.Subscription, e.Topic, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// PublishError reports a failed publish to a topic
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish error: topic %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ParseError reports a delivered payload that is not valid JSON
type ParseError struct {
	MessageID string
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: message %s: %v", e.MessageID, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// StreamError reports an error emitted by the subscription stream
type StreamError struct {
	Subscription string
	Err          error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error: subscription %s: %v", e.Subscription, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// ShutdownTimeoutError reports that subscription deletion was not confirmed within the budget.
// It is informational; shutdown proceeds regardless.
type ShutdownTimeoutError struct {
	Subscription string
	Budget       time.Duration
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("shutdown timeout: deletion of subscription %s not confirmed within %s", e.Subscription, e.Budget)
}

// IsProvisionError reports whether err is or wraps a ProvisionError
func IsProvisionError(err error) bool {
	var target *ProvisionError
	return errors.As(err, &target)
}

// IsPublishError reports whether err is or wraps a PublishError
func IsPublishError(err error) bool {
	var target *PublishError
	return errors.As(err, &target)
}

// IsParseError reports whether err is or wraps a ParseError
func IsParseError(err error) bool {
	var target *ParseError
	return errors.As(err, &target)
}

// IsStreamError reports whether err is or wraps a StreamError
func IsStreamError(err error) bool {
	var target *StreamError
	return errors.As(err, &target)
}

// IsShutdownTimeout reports whether err is or wraps a ShutdownTimeoutError
func IsShutdownTimeout(err error) bool {
	var target *ShutdownTimeoutError
	return errors.As(err, &target)
}
