package domain

import (
	"context"
	"time"
)

// EnvelopeSender identifies who sent an inbound message.
type EnvelopeSender struct {
	Name string `json:"name,omitempty"`
	E164 string `json:"e164,omitempty"`
	ID   string `json:"id,omitempty"`
}

// EnvelopeOptions tune how the envelope header is rendered.
// A nil *EnvelopeOptions means formatter defaults.
type EnvelopeOptions struct {
	Timezone      string `json:"timezone,omitempty" yaml:"timezone"`
	OmitTimestamp bool   `json:"omit_timestamp,omitempty" yaml:"omit_timestamp"`
	OmitElapsed   bool   `json:"omit_elapsed,omitempty" yaml:"omit_elapsed"`
}

// EnvelopeRequest is everything an envelope formatter needs to render one line.
type EnvelopeRequest struct {
	Channel           string
	From              string
	Timestamp         time.Time // zero when unknown
	Body              string
	ChatType          ChatType
	Sender            EnvelopeSender
	PreviousTimestamp time.Time // zero when this is the first message seen
	Options           *EnvelopeOptions
}

// EnvelopeFormatter renders the canonical inbound line.
type EnvelopeFormatter interface {
	Format(req EnvelopeRequest) (string, error)
}

// PrefixInput carries the channel-level facts a prefix policy decides on.
type PrefixInput struct {
	Configured   *string // nil when no prefix is configured for the channel
	HasAllowFrom bool
}

// RecentMediaCache looks up the last media item a sender posted in a chat.
// A miss is reported as ok == false with a nil error.
type RecentMediaCache interface {
	Lookup(ctx context.Context, chatID, senderJID string) (RecentMedia, bool, error)
}

// RecentMediaRecorder is the write side of the recent-media cache.
type RecentMediaRecorder interface {
	Record(ctx context.Context, chatID, senderJID string, m RecentMedia) error
}

// LastSeenStore remembers when each chat last produced an inbound line.
type LastSeenStore interface {
	LastSeen(ctx context.Context, chatID string) (time.Time, bool, error)
	Touch(ctx context.Context, chatID string, at time.Time) error
}
