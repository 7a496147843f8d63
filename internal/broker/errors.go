package broker

import (
	"errors"
	"strings"
)

// Common errors.
var (
	ErrTopicNotFound           = errors.New("topic not found")
	ErrInvalidTopicName        = errors.New("invalid topic name")
	ErrBrokerClosed            = errors.New("broker is closed")
	ErrNilSubscriber           = errors.New("subscriber cannot be nil")
	ErrSubscriberNotComparable = errors.New("subscriber type is not comparable")
)

// ErrorType classifies a TopicError.
type ErrorType string

const (
	ErrorTopicNotFound     ErrorType = "topic_not_found"
	ErrorInvalidName       ErrorType = "invalid_name"
	ErrorInvalidSubscriber ErrorType = "invalid_subscriber"
	ErrorBrokerClosed      ErrorType = "broker_closed"
	ErrorDispatchFailed    ErrorType = "dispatch_failed"
)

// TopicError is the structured error returned by broker operations.
// Use errors.Is with the sentinel errors above to match on the cause.
type TopicError struct {
	Type    ErrorType `json:"type"`
	Op      string    `json:"op"`
	Topic   string    `json:"topic"`
	Message string    `json:"message"`
	Cause   error     `json:"cause,omitempty"`
}

// Error implements the error interface. Message is left out when the cause
// already starts with it.
func (e *TopicError) Error() string {
	prefix := e.Op + " " + e.Topic + ": "
	if e.Cause == nil {
		return prefix + e.Message
	}
	cause := e.Cause.Error()
	if cause == e.Message || strings.HasPrefix(cause, e.Message+": ") {
		return prefix + cause
	}
	return prefix + e.Message + ": " + cause
}

// Unwrap returns the underlying error
func (e *TopicError) Unwrap() error {
	return e.Cause
}

func topicNotFound(op, topic string) error {
	return &TopicError{
		Type:    ErrorTopicNotFound,
		Op:      op,
		Topic:   topic,
		Message: ErrTopicNotFound.Error(),
		Cause:   ErrTopicNotFound,
	}
}

func brokerClosed(op, topic string) error {
	return &TopicError{
		Type:    ErrorBrokerClosed,
		Op:      op,
		Topic:   topic,
		Message: ErrBrokerClosed.Error(),
		Cause:   ErrBrokerClosed,
	}
}
