package domain

import "context"

// OutboundHandler delivers one outbound message on a specific channel.
type OutboundHandler func(ctx context.Context, msg OutboundMessage) error

// ContactLookup resolves guest details for a chat on a specific channel.
type ContactLookup func(ctx context.Context, chatID string) (Contact, error)

// MessageBus routes messages between channels and the dispatcher.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	SendOutbound(ctx context.Context, msg OutboundMessage) error
	OnOutbound(channelName string, handler OutboundHandler)
	OnContact(channelName string, lookup ContactLookup)
	Contact(ctx context.Context, channelName, chatID string) (Contact, error)
	Close()
}
