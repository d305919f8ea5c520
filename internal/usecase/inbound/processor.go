package inbound

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"msgline/internal/domain"
	"msgline/internal/infra/config"
	"msgline/internal/infra/logger"
)

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithRecorder stores inbound audio so later messages from the same sender
// can reference it through the recent-media cache.
func WithRecorder(r domain.RecentMediaRecorder) ProcessorOption {
	return func(p *Processor) { p.recorder = r }
}

// WithLastSeen sets the store that supplies and records per-chat timestamps.
func WithLastSeen(s domain.LastSeenStore) ProcessorOption {
	return func(p *Processor) { p.lastSeen = s }
}

// WithBus sets the event bus lines are published on.
func WithBus(bus domain.EventBus) ProcessorOption {
	return func(p *Processor) { p.bus = bus }
}

// WithAgentID overrides the agent whose identity drives prefix resolution.
func WithAgentID(id string) ProcessorOption {
	return func(p *Processor) { p.agentID = id }
}

// WithProcessorLogger sets the processor's logger.
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

// Processor runs every inbound message through the LineBuilder and takes care
// of the bookkeeping around it.
type Processor struct {
	builder  *LineBuilder
	cfg      *config.Config
	envelope *domain.EnvelopeOptions
	agentID  string

	recorder domain.RecentMediaRecorder
	lastSeen domain.LastSeenStore
	bus      domain.EventBus
	logger   *slog.Logger
	now      func() time.Time

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewProcessor creates a Processor. cfg must not be nil.
func NewProcessor(builder *LineBuilder, cfg *config.Config, opts ...ProcessorOption) *Processor {
	p := &Processor{
		builder:  builder,
		cfg:      cfg,
		envelope: EnvelopeOptionsFromConfig(cfg.Envelope),
		agentID:  cfg.Agents.Default,
		logger:   logger.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	t := p.now()
	p.entropy = ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return p
}

// Handle satisfies domain.MessageHandler.
func (p *Processor) Handle(ctx context.Context, msg domain.InboundMessage) error {
	_, err := p.Process(ctx, msg)
	return err
}

// Process records media, builds the envelope line and publishes it.
// Failures of the recorder or last-seen store are logged and do not stop the line.
func (p *Processor) Process(ctx context.Context, msg domain.InboundMessage) (domain.Line, error) {
	p.publish(ctx, domain.EventMessageReceived, msg.ChatID, map[string]any{
		"message_id": msg.ID,
		"chat_type":  msg.ChatType,
		"has_media":  msg.MediaPath != "",
	})

	p.recordMedia(ctx, msg)
	previous := p.previousTimestamp(ctx, msg.ChatID)

	text, err := p.builder.Build(ctx, BuildParams{
		Config:            p.cfg,
		Message:           msg,
		AgentID:           p.agentID,
		PreviousTimestamp: previous,
		Envelope:          p.envelope,
	})
	if err != nil {
		p.logger.Warn("build inbound line failed", "chat_id", msg.ChatID, "message_id", msg.ID, "error", err)
		p.publish(ctx, domain.EventLineFailed, msg.ChatID, map[string]string{
			"message_id": msg.ID,
			"error":      err.Error(),
			"code":       string(domain.ErrorCodeOf(err)),
		})
		return domain.Line{}, domain.WrapOp("inbound.Process", err)
	}

	now := p.now()
	line := domain.Line{
		ID:        p.newLineID(now),
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		ChatType:  msg.ChatType,
		Text:      text,
		BuiltAt:   now,
	}
	p.publish(ctx, domain.EventLineBuilt, msg.ChatID, line)

	if p.lastSeen != nil && msg.ChatID != "" {
		seen := msg.Timestamp
		if seen.IsZero() {
			seen = now
		}
		if err := p.lastSeen.Touch(ctx, msg.ChatID, seen); err != nil {
			p.logger.Warn("touch last seen failed", "chat_id", msg.ChatID, "error", err)
		}
	}

	p.logger.Debug("inbound line built", "line_id", line.ID, "chat_id", msg.ChatID)
	return line, nil
}

func (p *Processor) recordMedia(ctx context.Context, msg domain.InboundMessage) {
	if p.recorder == nil || msg.MediaPath == "" || !msg.MediaType.IsAudio() {
		return
	}
	if msg.ChatID == "" || msg.SenderJID == "" {
		return
	}
	m := domain.RecentMedia{Path: msg.MediaPath, Type: msg.MediaType}
	if err := p.recorder.Record(ctx, msg.ChatID, msg.SenderJID, m); err != nil {
		p.logger.Warn("record recent media failed", "chat_id", msg.ChatID, "error", err)
		return
	}
	p.publish(ctx, domain.EventMediaRecorded, msg.ChatID, map[string]string{
		"sender": msg.SenderJID,
		"path":   m.Path,
		"type":   string(m.Type),
	})
}

func (p *Processor) previousTimestamp(ctx context.Context, chatID string) time.Time {
	if p.lastSeen == nil || chatID == "" {
		return time.Time{}
	}
	ts, ok, err := p.lastSeen.LastSeen(ctx, chatID)
	if err != nil {
		p.logger.Warn("load last seen failed", "chat_id", chatID, "error", err)
		return time.Time{}
	}
	if !ok {
		return time.Time{}
	}
	return ts
}

func (p *Processor) newLineID(t time.Time) string {
	p.idMu.Lock()
	defer p.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), p.entropy).String()
}

func (p *Processor) publish(ctx context.Context, eventType domain.EventType, chatID string, payload any) {
	if p.bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			p.logger.Error("marshal event payload failed", "event", string(eventType), "chat_id", chatID, "error", err)
			return
		}
		raw = data
	}
	p.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: p.now(),
		ChatID:    chatID,
		Payload:   raw,
	})
}

// EnvelopeOptionsFromConfig converts envelope settings into formatter options.
func EnvelopeOptionsFromConfig(c config.EnvelopeConfig) *domain.EnvelopeOptions {
	return &domain.EnvelopeOptions{
		Timezone:      strings.TrimSpace(c.Timezone),
		OmitTimestamp: !c.IncludeTimestamp,
		OmitElapsed:   !c.IncludeElapsed,
	}
}
