package testsupport

import (
	"context"
	"sync"
	"time"

	"github.io/infrasutra/digestd/internal/mailer"
)

// Clock is a settable clock for tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Sender records every message it is given and returns Err.
type Sender struct {
	mu   sync.Mutex
	sent []mailer.Message
	Err  error
}

func (s *Sender) Send(_ context.Context, msg mailer.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return s.Err
}

func (s *Sender) Sent() []mailer.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mailer.Message(nil), s.sent...)
}

// Publisher records broadcast payloads.
type Publisher struct {
	mu     sync.Mutex
	Events []string
}

func (p *Publisher) Broadcast(ids []string, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, string(payload))
}

func (p *Publisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Events)
}
