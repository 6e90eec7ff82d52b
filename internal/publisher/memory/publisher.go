// Package memory records published run events in memory.
package memory

import (
	"context"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
)

// Message is one recorded publish: the topic and the JSON body that would
// have gone over the wire.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// Publisher implements forum.Publisher by keeping encoded messages.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	err      error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent publishes return err. A nil err clears it.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Publish encodes payload as JSON and records it under topic.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Data: data})
	return id, nil
}

// Messages returns a copy of the recorded messages.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Decode unmarshals the i-th recorded message into v.
func (p *Publisher) Decode(i int, v any) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if i < 0 || i >= len(p.messages) {
		return fmt.Errorf("message %d out of range (have %d)", i, len(p.messages))
	}
	return json.Unmarshal(p.messages[i].Data, v)
}
