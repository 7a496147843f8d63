package broker

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the immutable envelope delivered to subscribers.
// It is a value type with unexported fields: once constructed it can be
// shared by every subscriber that receives it without copying.
type Message struct {
	id        string
	content   string
	createdAt time.Time
	metadata  map[string]string
}

// MessageOption customizes a message at construction time.
type MessageOption func(*Message)

// WithID overrides the generated identifier.
func WithID(id string) MessageOption {
	return func(m *Message) {
		m.id = id
	}
}

// WithCreatedAt overrides the creation timestamp.
func WithCreatedAt(t time.Time) MessageOption {
	return func(m *Message) {
		m.createdAt = t.UTC()
	}
}

// WithMetadata attaches key-value pairs to the message. The map is copied.
func WithMetadata(md map[string]string) MessageOption {
	return func(m *Message) {
		if len(md) == 0 {
			return
		}
		if m.metadata == nil {
			m.metadata = make(map[string]string, len(md))
		}
		for k, v := range md {
			m.metadata[k] = v
		}
	}
}

// NewMessage creates a message with a random UUID and the current UTC time.
func NewMessage(content string, opts ...MessageOption) Message {
	m := Message{
		id:        uuid.NewString(),
		content:   content,
		createdAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// NewBytesMessage is NewMessage for binary payloads. The bytes are copied.
func NewBytesMessage(payload []byte, opts ...MessageOption) Message {
	return NewMessage(string(payload), opts...)
}

// ID returns the message identifier used for tracing.
func (m Message) ID() string {
	return m.id
}

// Content returns the payload as a string.
func (m Message) Content() string {
	return m.content
}

// Bytes returns a fresh copy of the payload.
func (m Message) Bytes() []byte {
	return []byte(m.content)
}

// CreatedAt returns the construction time in UTC.
func (m Message) CreatedAt() time.Time {
	return m.createdAt
}

// Metadata returns the value stored under key.
func (m Message) Metadata(key string) (string, bool) {
	v, ok := m.metadata[key]
	return v, ok
}

// MetadataMap returns a copy of all metadata.
func (m Message) MetadataMap() map[string]string {
	result := make(map[string]string, len(m.metadata))
	for k, v := range m.metadata {
		result[k] = v
	}
	return result
}

// Derive builds a new message carrying this message's metadata and a
// "derived_from" reference to its ID. Subscribers that want to react by
// emitting data use this instead of mutating what they received.
func (m Message) Derive(content string, opts ...MessageOption) Message {
	base := []MessageOption{
		WithMetadata(m.metadata),
		WithMetadata(map[string]string{MetaDerivedFrom: m.id}),
	}
	return NewMessage(content, append(base, opts...)...)
}

// IsZero reports whether m was never constructed.
func (m Message) IsZero() bool {
	return m.id == "" && m.content == "" && m.createdAt.IsZero() && m.metadata == nil
}

// String renders the message for logs and console output.
func (m Message) String() string {
	return fmt.Sprintf("Message{id=%s, content=%q, createdAt=%s}",
		m.id, m.content, m.createdAt.Format(time.RFC3339Nano))
}

// Well-known metadata keys.
const (
	MetaPublisherID = "publisher_id"
	MetaDerivedFrom = "derived_from"
)
