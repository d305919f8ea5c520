package domain

import (
	"context"
	"time"
)

// ChatType distinguishes group conversations from one-to-one chats.
type ChatType string

const (
	ChatTypeGroup  ChatType = "group"
	ChatTypeDirect ChatType = "direct"
)

// MediaType identifies the kind of media attached to a message.
type MediaType string

const (
	MediaTypeImage    MediaType = "image"
	MediaTypeAudio    MediaType = "audio"
	MediaTypeVoice    MediaType = "voice"
	MediaTypeVideo    MediaType = "video"
	MediaTypeDocument MediaType = "document"
	MediaTypeSticker  MediaType = "sticker"
)

// IsAudio reports whether the media is audio or a voice note.
func (m MediaType) IsAudio() bool {
	return m == MediaTypeAudio || m == MediaTypeVoice
}

// MediaPlaceholder returns the inline token a channel writes into a message
// body for media of this kind, e.g. "<media:audio>".
func (m MediaType) MediaPlaceholder() string {
	return "<media:" + string(m) + ">"
}

// InboundMessage is a message received from a chat channel.
// All optional fields are zero-value safe.
type InboundMessage struct {
	ID        string `json:"id,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	Channel   string `json:"channel,omitempty"`

	Body      string    `json:"body"`
	MediaPath string    `json:"media_path,omitempty"`
	MediaType MediaType `json:"media_type,omitempty"`

	ChatID     string   `json:"chat_id,omitempty"`
	ChatType   ChatType `json:"chat_type,omitempty"`
	From       string   `json:"from,omitempty"`
	SenderJID  string   `json:"sender_jid,omitempty"`
	SenderName string   `json:"sender_name,omitempty"`
	SenderE164 string   `json:"sender_e164,omitempty"`

	// Timestamp is the zero time when the channel did not report one.
	Timestamp time.Time `json:"timestamp,omitzero"`

	ReplyToBody   string `json:"reply_to_body,omitempty"`
	ReplyToSender string `json:"reply_to_sender,omitempty"`
	ReplyToID     string `json:"reply_to_id,omitempty"`
}

// IsGroup reports whether the message arrived in a group chat.
func (m InboundMessage) IsGroup() bool { return m.ChatType == ChatTypeGroup }

// HasReply reports whether the message quotes an earlier message.
func (m InboundMessage) HasReply() bool { return m.ReplyToBody != "" }

// RecentMedia is the most recent media item a sender posted in a chat.
type RecentMedia struct {
	Path string    `json:"path"`
	Type MediaType `json:"type,omitempty"`
}

// Line is one rendered envelope line and where it came from.
type Line struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id,omitempty"`
	ChatID    string    `json:"chat_id,omitempty"`
	ChatType  ChatType  `json:"chat_type,omitempty"`
	Text      string    `json:"text"`
	BuiltAt   time.Time `json:"built_at"`
}

// MessageHandler is a callback the channel invokes when it receives input.
type MessageHandler func(ctx context.Context, msg InboundMessage) error

// Channel is the interface for inbound chat adapters.
type Channel interface {
	Start(ctx context.Context, handler MessageHandler) error
	Stop(ctx context.Context) error
	Name() string
}
