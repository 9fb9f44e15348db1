package messenger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"promobot/internal/ads"
)

// Sent is one message held by Memory.
type Sent struct {
	Tenant   string
	Channel  string
	Ref      string
	Text     string
	Content  ads.Content
	SentAt   time.Time
	Stripped bool
	Deleted  bool
}

// Memory is an in-process Client. It backs dry-run mode and tests.
type Memory struct {
	*Directory

	mu   sync.Mutex
	seq  int
	msgs map[string]*Sent
	log  []string // refs in send order

	// Fail, when set, is consulted before every send.
	Fail func(channel string) error
}

func NewMemory(dir *Directory) *Memory {
	if dir == nil {
		dir = NewDirectory()
	}
	return &Memory{Directory: dir, msgs: map[string]*Sent{}}
}

func (m *Memory) Send(ctx context.Context, tenant, channel string, c ads.Content) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	fail := m.Fail
	m.mu.Unlock()
	if fail != nil {
		if err := fail(channel); err != nil {
			return "", err
		}
	}
	text := FormatText(c, m.Directory.Roles(tenant))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	ref := fmt.Sprintf("m%d", m.seq)
	m.msgs[ref] = &Sent{Tenant: tenant, Channel: channel, Ref: ref, Text: text, Content: c, SentAt: time.Now()}
	m.log = append(m.log, ref)
	return ref, nil
}

func (m *Memory) SetFail(fn func(channel string) error) {
	m.mu.Lock()
	m.Fail = fn
	m.mu.Unlock()
}

func (m *Memory) Exists(_ context.Context, channel, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.msgs[ref]
	return ok && s.Channel == channel && !s.Deleted, nil
}

func (m *Memory) StripControls(_ context.Context, channel, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.msgs[ref]
	if !ok || s.Channel != channel || s.Deleted {
		return fmt.Errorf("message %s not found in %s", ref, channel)
	}
	s.Stripped = true
	s.Content.Button = nil
	return nil
}

func (m *Memory) Delete(_ context.Context, channel, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.msgs[ref]
	if !ok || s.Channel != channel {
		return fmt.Errorf("message %s not found in %s", ref, channel)
	}
	s.Deleted = true
	return nil
}

func (m *Memory) Channels(_ context.Context, tenant string) ([]Channel, error) {
	return m.Directory.Channels(tenant), nil
}

func (m *Memory) Roles(_ context.Context, tenant string) ([]Role, error) {
	return m.Directory.Roles(tenant), nil
}

// Messages returns sent messages in send order.
func (m *Memory) Messages() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sent, 0, len(m.log))
	for _, ref := range m.log {
		out = append(out, *m.msgs[ref])
	}
	return out
}

// CountTo returns how many live messages reached channel.
func (m *Memory) CountTo(channel string) int {
	n := 0
	for _, s := range m.Messages() {
		if s.Channel == channel && !s.Deleted {
			n++
		}
	}
	return n
}
