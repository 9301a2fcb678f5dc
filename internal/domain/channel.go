package domain

import "context"

// Channel is a messaging transport (Telegram, WhatsApp, console).
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	SendText(ctx context.Context, chatID string, text string) error
	SendMedia(ctx context.Context, chatID string, media Media, caption string) error
	Contact(ctx context.Context, chatID string) (Contact, error)
}
