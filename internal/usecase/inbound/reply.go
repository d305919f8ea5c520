package inbound

import (
	"strings"

	"msgline/internal/domain"
)

const unknownReplySender = "unknown sender"

// FormatReplyContext renders the quoted message msg replies to as a
// three-line block. It reports false when msg quotes nothing.
//
//	[Replying to Alice id:ABC123]
//	original text
//	[/Replying]
//
// Content is copied verbatim with no escaping.
func FormatReplyContext(msg domain.InboundMessage) (string, bool) {
	if msg.ReplyToBody == "" {
		return "", false
	}

	sender := msg.ReplyToSender
	if sender == "" {
		sender = unknownReplySender
	}

	var b strings.Builder
	b.WriteString("[Replying to ")
	b.WriteString(sender)
	if msg.ReplyToID != "" {
		b.WriteString(" id:")
		b.WriteString(msg.ReplyToID)
	}
	b.WriteString("]\n")
	b.WriteString(msg.ReplyToBody)
	b.WriteString("\n[/Replying]")
	return b.String(), true
}
