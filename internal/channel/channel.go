// Package channel holds the messaging transports guests and staff talk
// through. Each channel publishes inbound text to the bus and registers
// itself as the outbound handler and contact lookup for its name.
package channel

import (
	"context"
	"strings"
	"unicode/utf8"

	"frontdesk/internal/domain"
)

// register wires ch into the bus for outbound sends and contact lookups.
func register(bus domain.MessageBus, ch domain.Channel) {
	bus.OnOutbound(ch.Name(), func(ctx context.Context, msg domain.OutboundMessage) error {
		if msg.Media != nil {
			return ch.SendMedia(ctx, msg.ChatID, *msg.Media, msg.Content)
		}
		return ch.SendText(ctx, msg.ChatID, msg.Content)
	})
	bus.OnContact(ch.Name(), ch.Contact)
}

// splitMessage splits a message into chunks of at most maxLen bytes, trying
// to split on newlines when possible and otherwise on a character boundary.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		} else {
			// never split a multi-byte character
			for cut > 0 && !utf8.RuneStart(msg[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxLen
			}
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}

func isImage(m domain.Media) bool {
	return strings.HasPrefix(m.MimeType, "image/")
}
