package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"frontdesk/internal/config"
	"frontdesk/internal/domain"

	"github.com/go-chi/chi/v5"
)

const (
	whatsappAPIBase   = "https://graph.facebook.com/v21.0"
	whatsappMaxMsgLen = 4000
	whatsappMaxBody   = 1 << 20
	// Cloud API throughput starts at 80 messages per second per number.
	whatsappSendsPerSecond = 60
)

// WhatsApp implements domain.Channel for the WhatsApp Business Cloud API.
// Inbound messages arrive on the webhook returned by Handler.
type WhatsApp struct {
	cfg     config.WhatsAppConfig
	apiBase string
	logger  *slog.Logger
	client  *http.Client
	limiter *RateLimiter
	router  chi.Router

	// set by Start; the webhook may be served before Start runs
	busMu sync.RWMutex
	bus   domain.MessageBus

	// profile names reported by the webhook, keyed by wa_id
	contactsMu sync.RWMutex
	contacts   map[string]string
}

type WhatsAppChannelConfig struct {
	Config  config.WhatsAppConfig
	Logger  *slog.Logger
	Client  *http.Client // optional
	Limiter *RateLimiter // optional; defaults to the Cloud API send limit
}

func NewWhatsApp(cfg WhatsAppChannelConfig) *WhatsApp {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	base := strings.TrimRight(cfg.Config.APIBase, "/")
	if base == "" {
		base = whatsappAPIBase
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter(whatsappSendsPerSecond, whatsappSendsPerSecond)
	}
	w := &WhatsApp{
		cfg:      cfg.Config,
		apiBase:  base,
		logger:   cfg.Logger,
		client:   cfg.Client,
		limiter:  cfg.Limiter,
		contacts: make(map[string]string),
	}

	r := chi.NewRouter()
	r.Get("/", w.handleVerification)
	r.Post("/", w.handleIncoming)
	w.router = r
	return w
}

func (w *WhatsApp) Name() string { return "whatsapp" }

// Start registers the channel on the bus. Inbound traffic is driven by the
// webhook, so Start returns immediately.
func (w *WhatsApp) Start(ctx context.Context, bus domain.MessageBus) error {
	w.busMu.Lock()
	w.bus = bus
	w.busMu.Unlock()
	register(bus, w)
	w.logger.Info("whatsapp channel ready", "webhook", w.WebhookPath())
	return nil
}

func (w *WhatsApp) Stop() error { return nil }

// WebhookPath is where Handler expects to be mounted.
func (w *WhatsApp) WebhookPath() string {
	if w.cfg.WebhookPath == "" {
		return "/webhook/whatsapp"
	}
	return w.cfg.WebhookPath
}

// Handler serves the webhook verification challenge and inbound messages.
func (w *WhatsApp) Handler() http.Handler { return w.router }

func (w *WhatsApp) SendText(ctx context.Context, chatID string, text string) error {
	for _, chunk := range splitMessage(text, whatsappMaxMsgLen) {
		err := w.postMessage(ctx, map[string]any{
			"messaging_product": "whatsapp",
			"to":                chatID,
			"type":              "text",
			"text":              map[string]string{"body": chunk},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SendMedia uploads the bytes to the media endpoint, then sends a message
// referencing the returned media id.
func (w *WhatsApp) SendMedia(ctx context.Context, chatID string, media domain.Media, caption string) error {
	mediaID, err := w.uploadMedia(ctx, media)
	if err != nil {
		return err
	}
	kind := "document"
	if isImage(media) {
		kind = "image"
	}
	object := map[string]string{"id": mediaID}
	if caption != "" {
		object["caption"] = caption
	}
	if kind == "document" {
		object["filename"] = media.FileName
	}
	return w.postMessage(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                chatID,
		"type":              kind,
		kind:                object,
	})
}

// Contact reports the profile name last seen on the webhook. The chat id is
// the guest's phone number, so the address is always known.
func (w *WhatsApp) Contact(ctx context.Context, chatID string) (domain.Contact, error) {
	w.contactsMu.RLock()
	name := w.contacts[chatID]
	w.contactsMu.RUnlock()
	return domain.Contact{DisplayName: name, Address: "+" + strings.TrimPrefix(chatID, "+")}, nil
}

// --- Webhook handlers ---

func (w *WhatsApp) handleVerification(rw http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && w.cfg.VerifyToken != "" && token == w.cfg.VerifyToken {
		w.logger.Info("whatsapp webhook verified")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, html.EscapeString(challenge))
		return
	}

	w.logger.Warn("whatsapp webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

func (w *WhatsApp) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, whatsappMaxBody))
	if err != nil {
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	if w.cfg.AppSecret != "" && !verifyHMAC(body, w.cfg.AppSecret, r.Header.Get("X-Hub-Signature-256")) {
		w.logger.Warn("whatsapp invalid signature")
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return
	}

	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("whatsapp bad payload", "err", err)
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			w.rememberContacts(change.Value.Contacts)
			for _, msg := range change.Value.Messages {
				w.publish(msg)
			}
		}
	}

	// Meta redelivers on anything but 200.
	rw.WriteHeader(http.StatusOK)
}

func (w *WhatsApp) rememberContacts(contacts []waContact) {
	if len(contacts) == 0 {
		return
	}
	w.contactsMu.Lock()
	defer w.contactsMu.Unlock()
	for _, c := range contacts {
		if c.WaID != "" && c.Profile.Name != "" {
			w.contacts[c.WaID] = c.Profile.Name
		}
	}
}

func (w *WhatsApp) publish(msg waMessage) {
	text := msg.text()
	if text == "" {
		w.logger.Debug("ignoring whatsapp message without text", "type", msg.Type)
		return
	}
	w.busMu.RLock()
	bus := w.bus
	w.busMu.RUnlock()
	if bus == nil {
		w.logger.Warn("whatsapp message received before channel start", "from", msg.From)
		return
	}

	ts := time.Now()
	if sec, err := strconv.ParseInt(msg.Timestamp, 10, 64); err == nil {
		ts = time.Unix(sec, 0)
	}
	contact, _ := w.Contact(context.Background(), msg.From)

	w.logger.Info("whatsapp message received", "from", msg.From, "text_len", len(text))

	bus.Publish(domain.InboundMessage{
		Channel:       "whatsapp",
		ChatID:        msg.From,
		SenderID:      msg.From,
		SenderName:    contact.DisplayName,
		SenderAddress: contact.Address,
		Content:       text,
		Timestamp:     ts,
	})
}

// --- Cloud API calls ---

func (w *WhatsApp) postMessage(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", w.apiBase, w.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = w.do(req)
	return err
}

func (w *WhatsApp) uploadMedia(ctx context.Context, media domain.Media) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("messaging_product", "whatsapp")
	_ = mw.WriteField("type", media.MimeType)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, media.FileName))
	h.Set("Content-Type", media.MimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(media.Data); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/media", w.apiBase, w.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	respBody, err := w.do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", media.Name, err)
	}
	var uploaded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &uploaded); err != nil || uploaded.ID == "" {
		return "", fmt.Errorf("upload %s: no media id in response", media.Name)
	}
	return uploaded.ID, nil
}

func (w *WhatsApp) do(req *http.Request) ([]byte, error) {
	if err := w.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, whatsappMaxBody))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// verifyHMAC checks an X-Hub-Signature-256 style "sha256=<hex>" signature.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// --- WhatsApp webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Contacts         []waContact `json:"contacts"`
	Messages         []waMessage `json:"messages"`
}

type waContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type waMessage struct {
	From        string         `json:"from"`
	ID          string         `json:"id"`
	Timestamp   string         `json:"timestamp"`
	Type        string         `json:"type"`
	Text        *waText        `json:"text,omitempty"`
	Button      *waButton      `json:"button,omitempty"`
	Interactive *waInteractive `json:"interactive,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waButton struct {
	Text string `json:"text"`
}

type waInteractive struct {
	ButtonReply *struct {
		Title string `json:"title"`
	} `json:"button_reply,omitempty"`
}

// text extracts what the guest typed or tapped.
func (m waMessage) text() string {
	switch {
	case m.Type == "text" && m.Text != nil:
		return strings.TrimSpace(m.Text.Body)
	case m.Type == "button" && m.Button != nil:
		return strings.TrimSpace(m.Button.Text)
	case m.Type == "interactive" && m.Interactive != nil && m.Interactive.ButtonReply != nil:
		return strings.TrimSpace(m.Interactive.ButtonReply.Title)
	}
	return ""
}
