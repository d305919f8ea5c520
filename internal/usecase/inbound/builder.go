package inbound

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"msgline/internal/domain"
	"msgline/internal/infra/config"
	"msgline/internal/infra/logger"
	"msgline/internal/infra/tracer"
)

// DefaultChannelLabel is the channel name written into every envelope
// unless WithChannelLabel overrides it.
const DefaultChannelLabel = "WhatsApp"

// PrefixResolver decides the literal prefix put in front of a message body.
// ok is false when no prefix applies.
type PrefixResolver interface {
	Resolve(cfg *config.Config, agentID string, in domain.PrefixInput) (prefix string, ok bool, err error)
}

// BuildParams are the inputs for one Build call.
type BuildParams struct {
	Config            *config.Config
	Message           domain.InboundMessage
	AgentID           string
	PreviousTimestamp time.Time // zero when unknown
	Envelope          *domain.EnvelopeOptions
}

// BuilderOption configures a LineBuilder.
type BuilderOption func(*LineBuilder)

// WithLogger sets the logger used at the builder's observation points.
func WithLogger(l *slog.Logger) BuilderOption {
	return func(b *LineBuilder) { b.logger = l }
}

// WithChannelLabel sets the channel name passed to the envelope formatter.
// The lower-cased label followed by ":" is stripped from direct-chat senders.
func WithChannelLabel(label string) BuilderOption {
	return func(b *LineBuilder) { b.channel = label }
}

// LineBuilder composes inbound messages into envelope lines.
// It holds no mutable state and is safe for concurrent use.
type LineBuilder struct {
	prefixes PrefixResolver
	media    domain.RecentMediaCache // nil disables the cache fallback
	envelope domain.EnvelopeFormatter
	channel  string
	logger   *slog.Logger
}

// NewLineBuilder creates a LineBuilder.
func NewLineBuilder(prefixes PrefixResolver, media domain.RecentMediaCache, envelope domain.EnvelopeFormatter, opts ...BuilderOption) *LineBuilder {
	b := &LineBuilder{
		prefixes: prefixes,
		media:    media,
		envelope: envelope,
		channel:  DefaultChannelLabel,
		logger:   logger.Discard(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logger.Discard()
	}
	return b
}

// ChannelLabel returns the channel name the builder stamps on envelopes.
func (b *LineBuilder) ChannelLabel() string { return b.channel }

// Build renders p.Message as a single envelope line. Errors from the prefix
// resolver, media cache or envelope formatter are returned as-is.
func (b *LineBuilder) Build(ctx context.Context, p BuildParams) (line string, err error) {
	msg := p.Message

	ctx, span := tracer.StartSpan(ctx, "inbound.build_line",
		trace.WithAttributes(
			tracer.StringAttr("channel", b.channel),
			tracer.StringAttr("chat.type", string(msg.ChatType)),
			tracer.BoolAttr("message.has_reply", msg.HasReply()),
		),
	)
	defer func() { tracer.Finish(span, err) }()

	b.logger.Debug("inbound message received",
		"chat_id", msg.ChatID,
		"chat_type", msg.ChatType,
		"body_len", len(msg.Body),
		"media_path", msg.MediaPath,
		"media_type", msg.MediaType,
	)

	prefix, hasPrefix, err := b.prefixes.Resolve(p.Config, p.AgentID, prefixInput(p.Config))
	if err != nil {
		return "", err
	}
	span.SetAttributes(tracer.BoolAttr("prefix.applied", hasPrefix && prefix != ""))

	media, err := b.resolveMedia(ctx, msg, span)
	if err != nil {
		return "", err
	}

	body := msg.Body
	if rewritten, ok := attachMediaPath(body, media.Path); ok {
		body = rewritten
		b.logger.Debug("media placeholder rewritten",
			"chat_id", msg.ChatID,
			"media_path", media.Path,
			"media_type", media.Type,
		)
	}

	var sb strings.Builder
	if hasPrefix && prefix != "" {
		sb.WriteString(prefix)
		sb.WriteByte(' ')
	}
	sb.WriteString(body)
	if reply, ok := FormatReplyContext(msg); ok {
		sb.WriteString("\n\n")
		sb.WriteString(reply)
	}

	return b.envelope.Format(domain.EnvelopeRequest{
		Channel:   b.channel,
		From:      b.normalizeFrom(msg),
		Timestamp: msg.Timestamp,
		Body:      sb.String(),
		ChatType:  msg.ChatType,
		Sender: domain.EnvelopeSender{
			Name: msg.SenderName,
			E164: msg.SenderE164,
			ID:   msg.SenderJID,
		},
		PreviousTimestamp: p.PreviousTimestamp,
		Options:           p.Envelope,
	})
}

// resolveMedia prefers media attached to the message and falls back to the
// sender's most recent media in the same chat.
func (b *LineBuilder) resolveMedia(ctx context.Context, msg domain.InboundMessage, span trace.Span) (domain.RecentMedia, error) {
	if msg.MediaPath != "" {
		span.SetAttributes(tracer.StringAttr("media.source", "message"))
		return domain.RecentMedia{Path: msg.MediaPath, Type: msg.MediaType}, nil
	}
	if b.media == nil || msg.ChatID == "" || msg.SenderJID == "" {
		span.SetAttributes(tracer.StringAttr("media.source", "none"))
		return domain.RecentMedia{}, nil
	}

	cached, ok, err := b.media.Lookup(ctx, msg.ChatID, msg.SenderJID)
	if err != nil {
		return domain.RecentMedia{}, err
	}
	if !ok {
		b.logger.Debug("recent media cache miss", "chat_id", msg.ChatID, "sender", msg.SenderJID)
		span.SetAttributes(tracer.StringAttr("media.source", "none"))
		return domain.RecentMedia{}, nil
	}
	b.logger.Debug("recent media cache hit",
		"chat_id", msg.ChatID,
		"sender", msg.SenderJID,
		"media_path", cached.Path,
		"media_type", cached.Type,
	)
	span.SetAttributes(tracer.StringAttr("media.source", "cache"))
	return cached, nil
}

// normalizeFrom keeps group identifiers intact and strips the channel scheme
// ("whatsapp:") from direct-chat senders.
func (b *LineBuilder) normalizeFrom(msg domain.InboundMessage) string {
	if msg.IsGroup() {
		return msg.From
	}
	return strings.TrimPrefix(msg.From, strings.ToLower(b.channel)+":")
}

func prefixInput(cfg *config.Config) domain.PrefixInput {
	if cfg == nil {
		return domain.PrefixInput{}
	}
	wa := cfg.Channels.WhatsApp
	return domain.PrefixInput{
		Configured:   wa.MessagePrefix,
		HasAllowFrom: len(wa.AllowFrom) > 0,
	}
}
