// Package memory keeps published scan events in process, for development
// servers and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultRetain bounds how many messages a Publisher keeps.
const DefaultRetain = 1024

// Publisher stores published payloads for inspection. Only the most recent
// messages are retained.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	retain   int
	total    int
	logger   *zap.Logger
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithRetain caps the number of retained messages.
func WithRetain(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.retain = n
		}
	}
}

// WithLogger logs every publish at debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger.Named("publisher")
		}
	}
}

// New returns a memory Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{retain: DefaultRetain, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	p.total++
	id := fmt.Sprintf("memory-%d", p.total)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	if over := len(p.messages) - p.retain; over > 0 {
		p.messages = append(p.messages[:0:0], p.messages[over:]...)
	}
	p.mu.Unlock()

	p.logger.Debug("event published", zap.String("topic", topic), zap.String("message_id", id))
	return id, nil
}

// Messages returns the retained publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// MessagesFor returns the retained publishes on one topic.
func (p *Publisher) MessagesFor(topic string) []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []PublishedMessage
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
