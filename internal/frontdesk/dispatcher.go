// Package frontdesk implements the per-chat conversation logic: classify each
// guest message, decide what to send, and send it without letting one failure
// stop the rest.
package frontdesk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"frontdesk/internal/bus"
	"frontdesk/internal/catalog"
	"frontdesk/internal/domain"
	"frontdesk/internal/ledger"

	"github.com/google/uuid"
)

const (
	defaultConcurrency = 5
	defaultGuestName   = "Guest"
)

// ActionKind is what an Action does when executed.
type ActionKind int

const (
	ActionText ActionKind = iota
	ActionMedia
	ActionEscalate
)

func (k ActionKind) String() string {
	switch k {
	case ActionMedia:
		return "media"
	case ActionEscalate:
		return "escalate"
	default:
		return "text"
	}
}

// Action is one planned side effect of handling a message.
type Action struct {
	Kind    ActionKind
	Text    string            // ActionText
	Media   *domain.Media     // ActionMedia
	Caption string            // ActionMedia
	Record  *EscalationRecord // ActionEscalate
}

// Result reports what Dispatch did. Errors is indexed like Actions; a nil
// entry means the action went out.
type Result struct {
	Intent     Intent
	Actions    []Action
	Errors     []error
	Deliveries []Delivery
}

// Failed reports how many actions could not be delivered.
func (r Result) Failed() int {
	n := 0
	for _, err := range r.Errors {
		if err != nil {
			n++
		}
	}
	return n
}

// Dispatcher turns inbound messages into outbound actions.
type Dispatcher struct {
	bus         domain.MessageBus
	ledger      *ledger.Ledger
	classifier  *Classifier
	catalog     *catalog.Catalog
	media       catalog.MediaSource
	notifier    *Notifier
	events      *bus.EventBus
	logger      *slog.Logger
	concurrency int
	now         func() time.Time

	chats *keyLock
}

type DispatcherConfig struct {
	Bus         domain.MessageBus
	Ledger      *ledger.Ledger
	Classifier  *Classifier
	Catalog     *catalog.Catalog
	Media       catalog.MediaSource
	Notifier    *Notifier
	Events      *bus.EventBus // optional
	Logger      *slog.Logger
	Concurrency int              // max chats processed in parallel by Run
	Now         func() time.Time // optional clock for escalation timestamps
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		bus:         cfg.Bus,
		ledger:      cfg.Ledger,
		classifier:  cfg.Classifier,
		catalog:     cfg.Catalog,
		media:       cfg.Media,
		notifier:    cfg.Notifier,
		events:      cfg.Events,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
		chats:       newKeyLock(),
	}
}

// Run consumes the bus until ctx ends or the bus closes. Messages for one
// chat are handled strictly in arrival order by a single worker; different
// chats proceed in parallel up to the configured concurrency.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", "concurrency", d.concurrency)

	sem := make(chan struct{}, d.concurrency)
	inbound := d.bus.Subscribe()

	var (
		mu      sync.Mutex
		pending = make(map[string][]domain.InboundMessage)
		wg      sync.WaitGroup
	)
	defer wg.Wait()

	worker := func(key string) {
		defer wg.Done()
		for {
			mu.Lock()
			queue := pending[key]
			if len(queue) == 0 {
				delete(pending, key)
				mu.Unlock()
				return
			}
			next := queue[0]
			pending[key] = queue[1:]
			mu.Unlock()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			d.dispatchGuarded(ctx, next)
			<-sem
		}
	}

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				d.logger.Info("inbound channel closed, dispatcher stopping")
				return
			}
			key := msg.ChatKey()
			mu.Lock()
			_, busy := pending[key]
			pending[key] = append(pending[key], msg)
			mu.Unlock()
			if !busy {
				wg.Add(1)
				go worker(key)
			}
		}
	}
}

// Dispatch handles one message end to end: classify, plan, then execute every
// action in order. It never panics and never returns an error; failures are
// logged and reported in the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, msg domain.InboundMessage) Result {
	unlock := d.chats.Lock(msg.ChatKey())
	defer unlock()

	intent, actions := d.safePlan(ctx, msg)
	res := Result{Intent: intent, Actions: actions, Errors: make([]error, len(actions))}
	for i, a := range actions {
		deliveries, err := d.execute(ctx, msg, a)
		res.Errors[i] = err
		res.Deliveries = append(res.Deliveries, deliveries...)
		if err != nil {
			d.logger.Error("action failed",
				"chat", msg.ChatKey(), "index", i, "action", a.Kind.String(), "err", err)
			d.events.Emit(bus.Event{
				Type:    bus.EventActionFailed,
				ChatKey: msg.ChatKey(),
				Labels:  map[string]string{"action": a.Kind.String()},
				Err:     err,
			})
			continue
		}
		if a.Kind != ActionEscalate {
			d.events.Emit(bus.Event{
				Type:    bus.EventActionSent,
				ChatKey: msg.ChatKey(),
				Labels:  map[string]string{"action": a.Kind.String()},
			})
		}
	}

	d.logger.Info("message handled",
		"chat", msg.ChatKey(), "intent", intent.String(),
		"actions", len(actions), "failed", res.Failed())
	return res
}

// dispatchGuarded is Dispatch for the Run workers: a panic that escapes it
// costs one message, not the worker and its queued chat.
func (d *Dispatcher) dispatchGuarded(ctx context.Context, msg domain.InboundMessage) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("dispatch panicked", "chat", msg.ChatKey(), "panic", p)
		}
	}()
	d.Dispatch(ctx, msg)
}

// safePlan runs Plan, turning a panic in the ledger, media source or contact
// lookup into an empty plan.
func (d *Dispatcher) safePlan(ctx context.Context, msg domain.InboundMessage) (intent Intent, actions []Action) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("planning panicked", "chat", msg.ChatKey(), "panic", p)
			d.events.Emit(bus.Event{
				Type:    bus.EventActionFailed,
				ChatKey: msg.ChatKey(),
				Labels:  map[string]string{"action": "plan"},
				Err:     fmt.Errorf("panic while planning: %v", p),
			})
			intent, actions = Intent{Kind: IntentFreeform}, nil
		}
	}()
	return d.Plan(ctx, msg)
}

// Plan classifies msg and returns the actions it implies. For a chat's first
// message it also records the chat in the ledger before returning, so the
// onboarding sequence is planned at most once per chat.
// Callers outside Dispatch must serialize calls per chat themselves.
func (d *Dispatcher) Plan(ctx context.Context, msg domain.InboundMessage) (Intent, []Action) {
	first, err := d.ledger.MarkIfNew(ctx, msg.ChatKey())
	if err != nil {
		d.events.Emit(bus.Event{Type: bus.EventLedgerPersistError, ChatKey: msg.ChatKey(), Err: err})
	}

	intent := d.classifier.Classify(msg.Content, first)
	d.events.Emit(bus.Event{
		Type:    bus.EventMessageClassified,
		ChatKey: msg.ChatKey(),
		Labels:  map[string]string{"intent": intent.Kind.String()},
	})
	if first {
		d.events.Emit(bus.Event{Type: bus.EventOnboardingStarted, ChatKey: msg.ChatKey()})
	}

	texts := d.catalog.Texts
	switch intent.Kind {
	case IntentFirstContact:
		return intent, d.onboarding(msg)
	case IntentDirective:
		return intent, []Action{textAction(joinBlocks(texts.BookingNumbers, texts.EscalationOffer))}
	case IntentAffirmative:
		return intent, []Action{
			textAction(texts.Confirmation),
			d.escalation(ctx, msg),
		}
	case IntentNegative:
		return intent, []Action{textAction(texts.Reassurance)}
	case IntentQuickCommand:
		return intent, d.quickCommand(msg, intent.Topic)
	default:
		return intent, []Action{
			d.escalation(ctx, msg),
			textAction(texts.Forwarded),
		}
	}
}

func (d *Dispatcher) onboarding(msg domain.InboundMessage) []Action {
	texts := d.catalog.Texts
	actions := []Action{
		textAction(joinBlocks(texts.Greeting, texts.Services)),
	}
	if texts.Pricing != "" {
		actions = append(actions, textAction(texts.Pricing))
	}
	actions = append(actions, d.resolveBundle(msg, d.catalog.OnboardingMedia)...)
	if texts.Instructions != "" {
		actions = append(actions, textAction(texts.Instructions))
	}
	return append(actions, textAction(texts.ReferralPrompt))
}

func (d *Dispatcher) quickCommand(msg domain.InboundMessage, topic string) []Action {
	bundle, err := d.catalog.Topic(topic)
	if err != nil {
		d.logger.Warn("quick command has no catalog entry", "topic", topic, "err", err)
		return []Action{textAction(d.catalog.Texts.NotAvailable)}
	}
	actions := d.resolveBundle(msg, bundle)
	if len(actions) == 0 {
		return []Action{textAction(d.catalog.Texts.NotAvailable)}
	}
	return actions
}

// resolveBundle turns catalog items into actions, dropping media the source
// cannot provide. Each item is resolved on its own.
func (d *Dispatcher) resolveBundle(msg domain.InboundMessage, bundle catalog.Bundle) []Action {
	var actions []Action
	for _, item := range bundle {
		if item.Text != "" {
			actions = append(actions, textAction(item.Text))
		}
		if item.Media == "" {
			continue
		}
		media, ok := d.media.Open(item.Media)
		if !ok {
			d.logger.Warn("skipping unavailable media", "chat", msg.ChatKey(), "media", item.Media)
			d.events.Emit(bus.Event{
				Type:    bus.EventMediaUnavailable,
				ChatKey: msg.ChatKey(),
				Labels:  map[string]string{"media": item.Media},
			})
			continue
		}
		actions = append(actions, Action{Kind: ActionMedia, Media: &media, Caption: item.Caption})
	}
	return actions
}

func (d *Dispatcher) escalation(ctx context.Context, msg domain.InboundMessage) Action {
	name, address := msg.SenderName, msg.SenderAddress
	if name == "" || address == "" {
		contact, err := d.bus.Contact(ctx, msg.Channel, msg.ChatID)
		if err != nil {
			d.logger.Warn("contact lookup failed", "chat", msg.ChatKey(), "err", err)
		}
		if name == "" {
			name = contact.DisplayName
		}
		if address == "" {
			address = contact.Address
		}
	}
	if name == "" {
		name = defaultGuestName
	}
	if address == "" {
		address = firstNonEmpty(msg.SenderID, msg.ChatID)
	}

	return Action{Kind: ActionEscalate, Record: &EscalationRecord{
		ID:           uuid.NewString(),
		GuestName:    name,
		GuestAddress: address,
		OriginalText: msg.Content,
		Channel:      msg.Channel,
		ChatID:       msg.ChatID,
		Timestamp:    d.now(),
	}}
}

// execute performs one action, converting a panic in a channel into an error.
func (d *Dispatcher) execute(ctx context.Context, msg domain.InboundMessage, a Action) (deliveries []Delivery, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s action: %v", a.Kind, p)
		}
	}()

	switch a.Kind {
	case ActionText:
		return nil, d.bus.SendOutbound(ctx, domain.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: a.Text,
		})
	case ActionMedia:
		if a.Media == nil {
			return nil, errors.New("media action without media")
		}
		return nil, d.bus.SendOutbound(ctx, domain.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: a.Caption,
			Media:   a.Media,
		})
	case ActionEscalate:
		if a.Record == nil {
			return nil, errors.New("escalation action without record")
		}
		return d.notifier.Notify(ctx, *a.Record), nil
	default:
		return nil, fmt.Errorf("unknown action kind %d", a.Kind)
	}
}

func textAction(text string) Action {
	return Action{Kind: ActionText, Text: text}
}

func joinBlocks(blocks ...string) string {
	var parts []string
	for _, b := range blocks {
		if b = strings.TrimSpace(b); b != "" {
			parts = append(parts, b)
		}
	}
	return strings.Join(parts, "\n\n")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
