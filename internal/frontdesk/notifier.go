package frontdesk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"frontdesk/internal/bus"
	"frontdesk/internal/domain"
)

// EscalationRecord is the context handed to staff when a guest needs a human.
type EscalationRecord struct {
	ID           string
	GuestName    string
	GuestAddress string
	OriginalText string
	Channel      string
	ChatID       string
	Timestamp    time.Time
}

// Format renders the record as the text staff receive.
func (r EscalationRecord) Format() string {
	var sb strings.Builder
	sb.WriteString("New guest request\n")
	fmt.Fprintf(&sb, "Name: %s\n", r.GuestName)
	fmt.Fprintf(&sb, "Contact: %s\n", r.GuestAddress)
	fmt.Fprintf(&sb, "Channel: %s\n", r.Channel)
	fmt.Fprintf(&sb, "Message: %q\n", r.OriginalText)
	fmt.Fprintf(&sb, "Time: %s\n", r.Timestamp.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&sb, "Ref: %s", r.ID)
	return sb.String()
}

// Recipient is a staff member reachable on one channel.
type Recipient struct {
	Name    string
	Channel string
	ChatID  string
}

func (r Recipient) String() string {
	if r.Name != "" {
		return r.Name + " (" + domain.ChatKey(r.Channel, r.ChatID) + ")"
	}
	return domain.ChatKey(r.Channel, r.ChatID)
}

// Delivery is the outcome of notifying one recipient.
type Delivery struct {
	Recipient Recipient
	Err       error
}

// Sender is the outbound half of the message bus.
type Sender interface {
	SendOutbound(ctx context.Context, msg domain.OutboundMessage) error
}

// Notifier fans an escalation out to every staff recipient. Deliveries are
// independent: each failure is logged and reported, none is retried, and
// none stops the others.
type Notifier struct {
	recipients []Recipient
	sender     Sender
	events     *bus.EventBus
	logger     *slog.Logger
}

type NotifierConfig struct {
	Recipients []Recipient
	Sender     Sender
	Events     *bus.EventBus // optional
	Logger     *slog.Logger
}

func NewNotifier(cfg NotifierConfig) *Notifier {
	return &Notifier{
		recipients: cfg.Recipients,
		sender:     cfg.Sender,
		events:     cfg.Events,
		logger:     cfg.Logger,
	}
}

func (n *Notifier) Recipients() []Recipient {
	out := make([]Recipient, len(n.recipients))
	copy(out, n.recipients)
	return out
}

// Notify delivers rec to all recipients concurrently and returns one Delivery
// per recipient, in configuration order.
func (n *Notifier) Notify(ctx context.Context, rec EscalationRecord) []Delivery {
	if len(n.recipients) == 0 {
		n.logger.Warn("escalation dropped: no staff recipients configured", "ref", rec.ID)
		return nil
	}

	text := rec.Format()
	results := make([]Delivery, len(n.recipients))

	var wg sync.WaitGroup
	for i, r := range n.recipients {
		wg.Add(1)
		go func(i int, r Recipient) {
			defer wg.Done()
			results[i] = Delivery{Recipient: r, Err: n.deliver(ctx, r, text)}
		}(i, r)
	}
	wg.Wait()

	for _, d := range results {
		chatKey := domain.ChatKey(rec.Channel, rec.ChatID)
		labels := map[string]string{"recipient": d.Recipient.String()}
		if d.Err != nil {
			n.logger.Error("staff notification failed",
				"recipient", d.Recipient.String(), "ref", rec.ID, "err", d.Err)
			n.events.Emit(bus.Event{Type: bus.EventEscalationFailed, ChatKey: chatKey, Labels: labels, Err: d.Err})
			continue
		}
		n.logger.Info("staff notified", "recipient", d.Recipient.String(), "ref", rec.ID)
		n.events.Emit(bus.Event{Type: bus.EventEscalationSent, ChatKey: chatKey, Labels: labels})
	}
	return results
}

func (n *Notifier) deliver(ctx context.Context, r Recipient, text string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic delivering to %s: %v", r, p)
		}
	}()
	return n.sender.SendOutbound(ctx, domain.OutboundMessage{
		Channel: r.Channel,
		ChatID:  r.ChatID,
		Content: text,
	})
}
