package frontdesk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"frontdesk/internal/bus"
	"frontdesk/internal/catalog"
	"frontdesk/internal/config"
	"frontdesk/internal/domain"
	"frontdesk/internal/ledger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type memStore struct {
	mu   sync.Mutex
	ids  []string
	fail bool
}

func (s *memStore) Load(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...), nil
}

func (s *memStore) Add(ctx context.Context, chatKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.ids = append(s.ids, chatKey)
	return nil
}

func (s *memStore) Close() error { return nil }

// recorder captures every outbound message per channel.
type recorder struct {
	mu   sync.Mutex
	sent []domain.OutboundMessage
	fail func(domain.OutboundMessage) error
}

func (r *recorder) handler(ctx context.Context, msg domain.OutboundMessage) error {
	if r.fail != nil {
		if err := r.fail(msg); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recorder) to(channel, chatID string) []domain.OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.OutboundMessage
	for _, m := range r.sent {
		if m.Channel == channel && m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	dispatcher *Dispatcher
	bus        *bus.InMemoryBus
	events     *bus.EventBus
	ledger     *ledger.Ledger
	store      *memStore
	catalog    *catalog.Catalog
	rec        *recorder
}

func testMedia(names ...string) catalog.MapSource {
	src := catalog.MapSource{}
	for _, n := range names {
		src[n] = domain.Media{Name: n, FileName: n, MimeType: "image/jpeg", Data: []byte("jpeg:" + n)}
	}
	return src
}

func allMedia() catalog.MapSource {
	return testMedia("lobby.jpg", "rooms-deluxe.jpg", "rooms-standard.jpg", "pool.jpg", "restaurant.jpg", "menu.jpg")
}

func newFixture(t *testing.T, media catalog.MediaSource) *fixture {
	t.Helper()
	logger := testLogger()

	cfg := config.Defaults()
	cfg.Hotel = config.HotelConfig{
		Name:           "Lakeview Hotel",
		Tagline:        "Rest by the water.",
		BookingNumbers: config.FlexStringList{"+254700000001", "+254700000002"},
	}
	cat, err := catalog.Default(cfg.Hotel)
	require.NoError(t, err)

	store := &memStore{}
	l := ledger.New(store, logger)
	l.Load(context.Background())

	b := bus.New(100, logger)
	t.Cleanup(b.Close)
	rec := &recorder{}
	b.OnOutbound("telegram", rec.handler)
	b.OnOutbound("whatsapp", rec.handler)

	events := bus.NewEventBus(logger)
	notifier := NewNotifier(NotifierConfig{
		Recipients: []Recipient{
			{Name: "reception", Channel: "telegram", ChatID: "900"},
			{Name: "manager", Channel: "whatsapp", ChatID: "254711000000"},
		},
		Sender: b,
		Events: events,
		Logger: logger,
	})

	d := NewDispatcher(DispatcherConfig{
		Bus:        b,
		Ledger:     l,
		Classifier: NewClassifier(cfg.Classifier),
		Catalog:    cat,
		Media:      media,
		Notifier:   notifier,
		Events:     events,
		Logger:     logger,
		Now:        func() time.Time { return time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC) },
	})
	return &fixture{dispatcher: d, bus: b, events: events, ledger: l, store: store, catalog: cat, rec: rec}
}

func guestMsg(chatID, text string) domain.InboundMessage {
	return domain.InboundMessage{
		Channel:       "telegram",
		ChatID:        chatID,
		SenderID:      "u" + chatID,
		SenderName:    "Jane",
		SenderAddress: "@jane",
		Content:       text,
		Timestamp:     time.Now(),
	}
}

func kinds(actions []Action) []ActionKind {
	out := make([]ActionKind, len(actions))
	for i, a := range actions {
		out[i] = a.Kind
	}
	return out
}

func TestDispatch_FirstContactOnboarding(t *testing.T) {
	f := newFixture(t, allMedia())
	ctx := context.Background()

	res := f.dispatcher.Dispatch(ctx, guestMsg("42", "book a room"))
	assert.Equal(t, IntentFirstContact, res.Intent.Kind)
	assert.Zero(t, res.Failed())

	sent := f.rec.to("telegram", "42")
	require.Len(t, sent, 8)

	texts := f.catalog.Texts
	assert.Contains(t, sent[0].Content, "Lakeview Hotel")
	assert.Contains(t, sent[0].Content, texts.Services)
	assert.Equal(t, texts.Pricing, sent[1].Content)
	var mediaNames []string
	for _, m := range sent[2:6] {
		require.NotNil(t, m.Media)
		mediaNames = append(mediaNames, m.Media.Name)
	}
	assert.Equal(t, []string{"lobby.jpg", "rooms-deluxe.jpg", "pool.jpg", "restaurant.jpg"}, mediaNames)
	assert.Equal(t, "Our lobby", sent[2].Content)
	assert.Equal(t, texts.Instructions, sent[6].Content)
	assert.Equal(t, texts.ReferralPrompt, sent[7].Content)

	assert.True(t, f.ledger.Has("telegram:42"))
	assert.Equal(t, []string{"telegram:42"}, f.store.ids)

	_, ok := f.events.Last(bus.EventOnboardingStarted)
	assert.True(t, ok)
}

func TestDispatch_OnboardingHappensOnce(t *testing.T) {
	f := newFixture(t, allMedia())
	ctx := context.Background()

	first := f.dispatcher.Dispatch(ctx, guestMsg("42", "hello"))
	second := f.dispatcher.Dispatch(ctx, guestMsg("42", "hello"))

	assert.Equal(t, IntentFirstContact, first.Intent.Kind)
	assert.Equal(t, IntentFreeform, second.Intent.Kind)
	assert.Equal(t, 1, f.ledger.Len())
}

func TestDispatch_OnboardingSurvivesRestart(t *testing.T) {
	f := newFixture(t, allMedia())
	ctx := context.Background()
	f.dispatcher.Dispatch(ctx, guestMsg("42", "hello"))

	// A fresh ledger over the same store behaves like a restarted process.
	reloaded := ledger.New(f.store, testLogger())
	reloaded.Load(ctx)
	f.dispatcher.ledger = reloaded

	res := f.dispatcher.Dispatch(ctx, guestMsg("42", "hello again"))
	assert.Equal(t, IntentFreeform, res.Intent.Kind)
}

func TestDispatch_ChannelsDoNotShareOnboarding(t *testing.T) {
	f := newFixture(t, allMedia())
	ctx := context.Background()

	tg := guestMsg("42", "hello")
	wa := guestMsg("42", "hello")
	wa.Channel = "whatsapp"

	assert.Equal(t, IntentFirstContact, f.dispatcher.Dispatch(ctx, tg).Intent.Kind)
	assert.Equal(t, IntentFirstContact, f.dispatcher.Dispatch(ctx, wa).Intent.Kind)
	assert.ElementsMatch(t, []string{"telegram:42", "whatsapp:42"}, f.ledger.List())
}

func TestDispatch_SkipsUnavailableOnboardingMedia(t *testing.T) {
	f := newFixture(t, testMedia("lobby.jpg", "pool.jpg"))

	var skipped []string
	f.events.On(bus.EventMediaUnavailable, func(e bus.Event) { skipped = append(skipped, e.Label("media")) })

	_, actions := f.dispatcher.Plan(context.Background(), guestMsg("42", "hi"))
	assert.Equal(t, []ActionKind{ActionText, ActionText, ActionMedia, ActionMedia, ActionText, ActionText}, kinds(actions))
	assert.Equal(t, "lobby.jpg", actions[2].Media.Name)
	assert.Equal(t, "pool.jpg", actions[3].Media.Name)
	assert.Equal(t, []string{"rooms-deluxe.jpg", "restaurant.jpg"}, skipped)
}

func TestDispatch_OnboardingWithNoMedia(t *testing.T) {
	f := newFixture(t, catalog.MapSource{})
	res := f.dispatcher.Dispatch(context.Background(), guestMsg("42", "hi"))
	assert.Equal(t, []ActionKind{ActionText, ActionText, ActionText, ActionText}, kinds(res.Actions))
	assert.Zero(t, res.Failed())
}

func TestDispatch_LedgerPersistFailureStillOnboards(t *testing.T) {
	f := newFixture(t, allMedia())
	f.store.fail = true

	res := f.dispatcher.Dispatch(context.Background(), guestMsg("42", "hi"))
	assert.Equal(t, IntentFirstContact, res.Intent.Kind)
	assert.True(t, f.ledger.Has("telegram:42"))

	e, ok := f.events.Last(bus.EventLedgerPersistError)
	require.True(t, ok)
	assert.Error(t, e.Err)

	// In-memory state holds, so the next message is not a first contact.
	res = f.dispatcher.Dispatch(context.Background(), guestMsg("42", "hi"))
	assert.Equal(t, IntentFreeform, res.Intent.Kind)
}

func TestDispatch_Directive(t *testing.T) {
	f := newFixture(t, allMedia())
	require.NoError(t, f.ledger.MarkOnboarded(context.Background(), "telegram:42"))

	res := f.dispatcher.Dispatch(context.Background(), guestMsg("42", "please send me the menu"))
	assert.Equal(t, IntentDirective, res.Intent.Kind)

	sent := f.rec.to("telegram", "42")
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content, "+254700000001")
	assert.Contains(t, sent[0].Content, "+254700000002")
	assert.Contains(t, sent[0].Content, f.catalog.Texts.EscalationOffer)
	assert.Empty(t, f.rec.to("telegram", "900"), "directive must not notify staff")
}

func TestDispatch_AffirmativeEscalates(t *testing.T) {
	f := newFixture(t, allMedia())
	require.NoError(t, f.ledger.MarkOnboarded(context.Background(), "telegram:42"))

	res := f.dispatcher.Dispatch(context.Background(), guestMsg("42", "yes"))
	assert.Equal(t, IntentAffirmative, res.Intent.Kind)
	assert.Equal(t, []ActionKind{ActionText, ActionEscalate}, kinds(res.Actions))

	sent := f.rec.to("telegram", "42")
	require.Len(t, sent, 1)
	assert.Equal(t, f.catalog.Texts.Confirmation, sent[0].Content)

	require.Len(t, res.Deliveries, 2)
	for _, d := range res.Deliveries {
		assert.NoError(t, d.Err)
	}
	staff := append(f.rec.to("telegram", "900"), f.rec.to("whatsapp", "254711000000")...)
	require.Len(t, staff, 2)
	for _, m := range staff {
		assert.Contains(t, m.Content, "Jane")
		assert.Contains(t, m.Content, "@jane")
		assert.Contains(t, m.Content, `"yes"`)
	}
}

func TestDispatch_Negative(t *testing.T) {
	f := newFixture(t, allMedia())
	require.NoError(t, f.ledger.MarkOnboarded(context.Background(), "telegram:42"))

	res := f.dispatcher.Dispatch(context.Background(), guestMsg("42", "not now"))
	assert.Equal(t, IntentNegative, res.Intent.Kind)
	sent := f.rec.to("telegram", "42")
	require.Len(t, sent, 1)
	assert.Equal(t, f.catalog.Texts.Reassurance, sent[0].Content)
	assert.Empty(t, res.Deliveries)
}

func TestDispatch_FreeformEscalatesThenAcknowledges(t *testing.T) {
	f := newFixture(t, allMedia())
	require.NoError(t, f.ledger.MarkOnboarded(context.Background(), "telegram:42"))

	res := f.dispatcher.Dispatch(context.Background(), guestMsg("42", "Is late checkout possible?"))
	assert.Equal(t, IntentFreeform, res.Intent.Kind)
	assert.Equal(t, []ActionKind{ActionEscalate, ActionText}, kinds(res.Actions))
	assert.Equal(t, "Is late checkout possible?", res.Actions[0].Record.OriginalText)

	sent := f.rec.to("telegram", "42")
	require.Len(t, sent, 1)
	assert.Equal(t, f.catalog.Texts.Forwarded, sent[0].Content)
	assert.Len(t, f.rec.to("telegram", "900"), 1)
}

func TestDispatch_QuickCommandRoomsSendsEachAttachment(t *testing.T) {
	f := newFixture(t, allMedia())
	require.NoError(t, f.ledger.MarkOnboarded(context.Background(), "telegram:42"))

	res := f.dispatcher.Dispatch(context.Background(), guestMsg("42", "rooms"))
	assert.Equal(t, Intent{Kind: IntentQuickCommand, Topic: "rooms"}, res.Intent)

	sent := f.rec.to("telegram", "42")
	require.Len(t, sent, 2)
	assert.Equal(t, "rooms-standard.jpg", sent[0].Media.Name)
	assert.Equal(t, "rooms-deluxe.jpg", sent[1].Media.Name)
}

func TestDispatch_QuickCommandPartialMedia(t *testing.T) {
	f := newFixture(t, testMedia("rooms-deluxe.jpg"))
	require.NoError(t, f.ledger.MarkOnboarded(context.Background(), "telegram:42"))

	f.dispatcher.Dispatch(context.Background(), guestMsg("42", "room"))
	sent := f.rec.to("telegram", "42")
	require.Len(t, sent, 1)
	assert.Equal(t, "rooms-deluxe.jpg", sent[0].Media.Name)
}

func TestDispatch_QuickCommandMissingMedia(t *testing.T) {
	f := newFixture(t, catalog.MapSource{})
	require.NoError(t, f.ledger.MarkOnboarded(context.Background(), "telegram:42"))

	res := f.dispatcher.Dispatch(context.Background(), guestMsg("42", "menu"))
	assert.Equal(t, Intent{Kind: IntentQuickCommand, Topic: "menu"}, res.Intent)

	sent := f.rec.to("telegram", "42")
	require.Len(t, sent, 1)
	assert.Equal(t, f.catalog.Texts.NotAvailable, sent[0].Content)
	assert.Nil(t, sent[0].Media)
}

func TestDispatch_QuickCommandUnknownTopic(t *testing.T) {
	f := newFixture(t, allMedia())
	f.dispatcher.classifier = NewClassifier(config.ClassifierConfig{QuickCommands: map[string]string{"spa": "spa"}})
	require.NoError(t, f.ledger.MarkOnboarded(context.Background(), "telegram:42"))

	f.dispatcher.Dispatch(context.Background(), guestMsg("42", "spa"))
	sent := f.rec.to("telegram", "42")
	require.Len(t, sent, 1)
	assert.Equal(t, f.catalog.Texts.NotAvailable, sent[0].Content)
}

func TestDispatch_SendFailureDoesNotStopRemainingActions(t *testing.T) {
	f := newFixture(t, allMedia())
	f.rec.fail = func(m domain.OutboundMessage) error {
		if m.Media != nil && m.Media.Name == "lobby.jpg" {
			return errors.New("upload rejected")
		}
		if m.Media != nil && m.Media.Name == "pool.jpg" {
			panic("driver bug")
		}
		return nil
	}

	var failed atomic.Int32
	f.events.On(bus.EventActionFailed, func(bus.Event) { failed.Add(1) })

	res := f.dispatcher.Dispatch(context.Background(), guestMsg("42", "hi"))
	assert.Equal(t, 2, res.Failed())
	assert.EqualValues(t, 2, failed.Load())
	assert.ErrorContains(t, res.Errors[2], "upload rejected")
	assert.ErrorContains(t, res.Errors[4], "panic")

	sent := f.rec.to("telegram", "42")
	require.Len(t, sent, 6)
	assert.Equal(t, f.catalog.Texts.ReferralPrompt, sent[len(sent)-1].Content)
}

func TestDispatch_StaffFailureIsolated(t *testing.T) {
	f := newFixture(t, allMedia())
	require.NoError(t, f.ledger.MarkOnboarded(context.Background(), "telegram:42"))
	f.rec.fail = func(m domain.OutboundMessage) error {
		if m.Channel == "whatsapp" {
			return errors.New("whatsapp: 401 unauthorized")
		}
		return nil
	}

	res := f.dispatcher.Dispatch(context.Background(), guestMsg("42", "yes"))
	require.Len(t, res.Deliveries, 2)
	assert.NoError(t, res.Deliveries[0].Err)
	assert.Error(t, res.Deliveries[1].Err)
	assert.Len(t, f.rec.to("telegram", "900"), 1)

	sent := f.rec.to("telegram", "42")
	require.Len(t, sent, 1)
	assert.Equal(t, f.catalog.Texts.Confirmation, sent[0].Content)

	e, ok := f.events.Last(bus.EventEscalationFailed)
	require.True(t, ok)
	assert.Equal(t, "manager (whatsapp:254711000000)", e.Label("recipient"))
}

func TestDispatch_ContactLookupFillsMissingSender(t *testing.T) {
	f := newFixture(t, allMedia())
	require.NoError(t, f.ledger.MarkOnboarded(context.Background(), "telegram:42"))
	f.bus.OnContact("telegram", func(ctx context.Context, chatID string) (domain.Contact, error) {
		return domain.Contact{DisplayName: "Alice Otieno", Address: "@alice"}, nil
	})

	msg := guestMsg("42", "yes")
	msg.SenderName, msg.SenderAddress = "", ""
	_, actions := f.dispatcher.Plan(context.Background(), msg)

	require.Len(t, actions, 2)
	rec := actions[1].Record
	require.NotNil(t, rec)
	assert.Equal(t, "Alice Otieno", rec.GuestName)
	assert.Equal(t, "@alice", rec.GuestAddress)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC), rec.Timestamp)
}

func TestDispatch_ContactLookupFailureFallsBack(t *testing.T) {
	f := newFixture(t, allMedia())
	require.NoError(t, f.ledger.MarkOnboarded(context.Background(), "telegram:42"))
	f.bus.OnContact("telegram", func(ctx context.Context, chatID string) (domain.Contact, error) {
		return domain.Contact{}, errors.New("chat not found")
	})

	msg := guestMsg("42", "connect me please")
	msg.SenderName, msg.SenderAddress = "", ""
	_, actions := f.dispatcher.Plan(context.Background(), msg)

	rec := actions[len(actions)-1].Record
	require.NotNil(t, rec)
	assert.Equal(t, "Guest", rec.GuestName)
	assert.Equal(t, "u42", rec.GuestAddress)
}

// explodingMedia panics on every lookup.
type explodingMedia struct{}

func (explodingMedia) Open(name string) (domain.Media, bool) {
	panic("media backend exploded")
}

func TestDispatch_MediaSourcePanicIsContained(t *testing.T) {
	f := newFixture(t, explodingMedia{})
	ctx := context.Background()

	var res Result
	require.NotPanics(t, func() {
		res = f.dispatcher.Dispatch(ctx, guestMsg("42", "hello"))
	})
	assert.Empty(t, res.Actions)
	assert.Empty(t, f.rec.to("telegram", "42"))

	e, ok := f.events.Last(bus.EventActionFailed)
	require.True(t, ok)
	assert.Equal(t, "plan", e.Label("action"))

	// the chat lock was released and the chat keeps working
	res = f.dispatcher.Dispatch(ctx, guestMsg("42", "no"))
	assert.Equal(t, IntentNegative, res.Intent.Kind)
	sent := f.rec.to("telegram", "42")
	require.Len(t, sent, 1)
	assert.Equal(t, f.catalog.Texts.Reassurance, sent[0].Content)
}

func TestDispatch_ContactLookupPanicIsContained(t *testing.T) {
	f := newFixture(t, allMedia())
	require.NoError(t, f.ledger.MarkOnboarded(context.Background(), "telegram:42"))
	f.bus.OnContact("telegram", func(ctx context.Context, chatID string) (domain.Contact, error) {
		panic("contact lookup exploded")
	})

	msg := guestMsg("42", "yes")
	msg.SenderName, msg.SenderAddress = "", ""

	var res Result
	require.NotPanics(t, func() {
		res = f.dispatcher.Dispatch(context.Background(), msg)
	})
	assert.Empty(t, res.Actions)
	assert.Empty(t, f.rec.to("telegram", "900"), "no staff message without a plan")
}

func TestRun_SurvivesPlanningPanic(t *testing.T) {
	f := newFixture(t, explodingMedia{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.dispatcher.Run(ctx)
		close(done)
	}()

	f.bus.Publish(guestMsg("a", "hello"))
	f.bus.Publish(guestMsg("a", "no"))
	f.bus.Publish(guestMsg("b", "hello"))
	f.bus.Publish(guestMsg("b", "no"))

	for _, chat := range []string{"a", "b"} {
		chat := chat
		require.Eventually(t, func() bool {
			return len(f.rec.to("telegram", chat)) == 1
		}, 2*time.Second, 10*time.Millisecond, "chat %s", chat)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestDispatch_ConcurrentFirstMessagesOnboardOnce(t *testing.T) {
	f := newFixture(t, allMedia())

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := f.dispatcher.Dispatch(context.Background(), guestMsg("42", fmt.Sprintf("msg %d", i)))
			if res.Intent.Kind == IntentFirstContact {
				firsts.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, firsts.Load())
	assert.Equal(t, 1, f.ledger.Len())
	assert.Zero(t, f.dispatcher.chats.size())
}

func TestScenario_HelloBookYes(t *testing.T) {
	f := newFixture(t, allMedia())
	ctx := context.Background()

	hello := f.dispatcher.Dispatch(ctx, guestMsg("X", "hello"))
	assert.Equal(t, IntentFirstContact, hello.Intent.Kind)
	afterHello := f.rec.to("telegram", "X")
	require.Len(t, afterHello, 8)
	assert.Equal(t, f.catalog.Texts.ReferralPrompt, afterHello[7].Content)

	book := f.dispatcher.Dispatch(ctx, guestMsg("X", "book"))
	assert.Equal(t, IntentDirective, book.Intent.Kind)
	afterBook := f.rec.to("telegram", "X")
	require.Len(t, afterBook, 9)
	assert.Contains(t, afterBook[8].Content, "+254700000001")

	yes := f.dispatcher.Dispatch(ctx, guestMsg("X", "yes"))
	assert.Equal(t, IntentAffirmative, yes.Intent.Kind)
	afterYes := f.rec.to("telegram", "X")
	require.Len(t, afterYes, 10)
	assert.Equal(t, f.catalog.Texts.Confirmation, afterYes[9].Content)

	reception := f.rec.to("telegram", "900")
	manager := f.rec.to("whatsapp", "254711000000")
	require.Len(t, reception, 1)
	require.Len(t, manager, 1)
	assert.Contains(t, reception[0].Content, `"yes"`)
	assert.Equal(t, reception[0].Content, manager[0].Content)
}

func TestRun_PreservesPerChatOrder(t *testing.T) {
	f := newFixture(t, allMedia())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.dispatcher.Run(ctx)
		close(done)
	}()

	for _, chat := range []string{"a", "b", "c"} {
		f.bus.Publish(guestMsg(chat, "hello"))
		f.bus.Publish(guestMsg(chat, "no"))
		f.bus.Publish(guestMsg(chat, "menu"))
	}

	for _, chat := range []string{"a", "b", "c"} {
		chat := chat
		require.Eventually(t, func() bool {
			return len(f.rec.to("telegram", chat)) == 10
		}, 2*time.Second, 10*time.Millisecond, "chat %s", chat)

		sent := f.rec.to("telegram", chat)
		assert.Equal(t, f.catalog.Texts.ReferralPrompt, sent[7].Content)
		assert.Equal(t, f.catalog.Texts.Reassurance, sent[8].Content)
		require.NotNil(t, sent[9].Media)
		assert.Equal(t, "menu.jpg", sent[9].Media.Name)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_StopsWhenBusCloses(t *testing.T) {
	f := newFixture(t, allMedia())
	done := make(chan struct{})
	go func() {
		f.dispatcher.Run(context.Background())
		close(done)
	}()

	f.bus.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after bus close")
	}
}

func TestKeyLock_SerializesSameKey(t *testing.T) {
	kl := newKeyLock()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := kl.Lock("k")
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside.Load())
	assert.Zero(t, kl.size())
}

func TestKeyLock_DifferentKeysDoNotBlock(t *testing.T) {
	kl := newKeyLock()
	unlockA := kl.Lock("a")
	defer unlockA()

	acquired := make(chan struct{})
	go func() {
		unlock := kl.Lock("b")
		unlock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestActionKind_String(t *testing.T) {
	assert.Equal(t, "text", ActionText.String())
	assert.Equal(t, "media", ActionMedia.String())
	assert.Equal(t, "escalate", ActionEscalate.String())
}
