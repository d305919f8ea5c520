package inbound

import (
	"context"
	"sync"
	"time"

	"msgline/internal/domain"
	"msgline/internal/infra/config"
)

type stubPrefix struct {
	prefix string
	ok     bool
	err    error

	calls    int
	gotCfg   *config.Config
	gotAgent string
	gotIn    domain.PrefixInput
}

func (s *stubPrefix) Resolve(cfg *config.Config, agentID string, in domain.PrefixInput) (string, bool, error) {
	s.calls++
	s.gotCfg, s.gotAgent, s.gotIn = cfg, agentID, in
	return s.prefix, s.ok, s.err
}

type cacheKey struct{ chat, sender string }

type stubCache struct {
	mu      sync.Mutex
	entries map[cacheKey]domain.RecentMedia
	err     error
	lookups int
}

func newStubCache() *stubCache {
	return &stubCache{entries: make(map[cacheKey]domain.RecentMedia)}
}

func (c *stubCache) Lookup(_ context.Context, chatID, senderJID string) (domain.RecentMedia, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	if c.err != nil {
		return domain.RecentMedia{}, false, c.err
	}
	m, ok := c.entries[cacheKey{chatID, senderJID}]
	return m, ok, nil
}

func (c *stubCache) Record(_ context.Context, chatID, senderJID string, m domain.RecentMedia) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.entries[cacheKey{chatID, senderJID}] = m
	return nil
}

func (c *stubCache) lookupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookups
}

// echoFormatter returns the assembled body so tests can inspect it directly.
type echoFormatter struct {
	mu   sync.Mutex
	reqs []domain.EnvelopeRequest
	err  error
	wrap string
}

func (f *echoFormatter) Format(req domain.EnvelopeRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return "", f.err
	}
	return f.wrap + req.Body, nil
}

func (f *echoFormatter) last() domain.EnvelopeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type stubLastSeen struct {
	mu       sync.Mutex
	seen     map[string]time.Time
	loadErr  error
	touchErr error
	touched  map[string]time.Time
}

func newStubLastSeen() *stubLastSeen {
	return &stubLastSeen{seen: map[string]time.Time{}, touched: map[string]time.Time{}}
}

func (s *stubLastSeen) LastSeen(_ context.Context, chatID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return time.Time{}, false, s.loadErr
	}
	ts, ok := s.seen[chatID]
	return ts, ok, nil
}

func (s *stubLastSeen) Touch(_ context.Context, chatID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.touchErr != nil {
		return s.touchErr
	}
	s.touched[chatID] = at
	s.seen[chatID] = at
	return nil
}

type capturedBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *capturedBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *capturedBus) Subscribe(domain.EventType, domain.EventHandler) func() {
	return func() {}
}

func (b *capturedBus) SubscribeAll(domain.EventHandler) func() {
	return func() {}
}

func (b *capturedBus) Close() {}

func (b *capturedBus) ofType(t domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
