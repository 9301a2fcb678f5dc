package domain

import "time"

// InboundMessage is a single guest message delivered by a channel.
type InboundMessage struct {
	Channel       string
	ChatID        string
	SenderID      string
	SenderName    string // optional display name supplied by the transport
	SenderAddress string // optional phone number or handle
	Content       string
	Timestamp     time.Time
}

// ChatKey returns the channel-qualified identifier used to key per-chat state.
func (m InboundMessage) ChatKey() string {
	return ChatKey(m.Channel, m.ChatID)
}

// ChatKey joins a channel name and a chat id into one stable identifier.
func ChatKey(channel, chatID string) string {
	if channel == "" {
		return chatID
	}
	return channel + ":" + chatID
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string // text body, or the caption when Media is set
	Media   *Media
}

// Media is a resolved attachment ready to be uploaded by a channel.
type Media struct {
	Name     string
	FileName string
	MimeType string
	Data     []byte
}

// Contact describes the guest behind a chat as reported by the transport.
type Contact struct {
	DisplayName string `json:"display_name"`
	Address     string `json:"address"`
}
