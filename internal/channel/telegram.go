package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"frontdesk/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen = 4000
	// Bot API allows about 30 messages per second across all chats.
	telegramSendsPerSecond = 25
)

// telegramAPI is the part of *tgbotapi.BotAPI the channel sends through.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
}

// Telegram implements domain.Channel for a Telegram bot.
type Telegram struct {
	token     string
	parseMode string

	api     telegramAPI
	bus     domain.MessageBus
	limiter *RateLimiter
	logger  *slog.Logger
}

type TelegramConfig struct {
	Token     string
	ParseMode string
	Limiter   *RateLimiter // optional; defaults to the Bot API send limit
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.ParseMode == "" {
		cfg.ParseMode = tgbotapi.ModeMarkdown
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter(telegramSendsPerSecond, telegramSendsPerSecond)
	}
	return &Telegram{
		token:     cfg.Token,
		parseMode: cfg.ParseMode,
		limiter:   cfg.Limiter,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.api = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	register(bus, t)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: polling ends when Start's context is cancelled, and
// calling StopReceivingUpdates twice panics.
func (t *Telegram) Stop() error { return nil }

// SendText sends text in chunks under Telegram's message size limit.
func (t *Telegram) SendText(ctx context.Context, chatID string, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if err := t.sendChunk(ctx, id, chunk); err != nil {
			return err
		}
	}
	return nil
}

// SendMedia uploads media as a photo, or as a document when it is not an image.
func (t *Telegram) SendMedia(ctx context.Context, chatID string, media domain.Media, caption string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	file := tgbotapi.FileBytes{Name: media.FileName, Bytes: media.Data}

	var msg tgbotapi.Chattable
	if isImage(media) {
		photo := tgbotapi.NewPhoto(id, file)
		photo.Caption = caption
		msg = photo
	} else {
		doc := tgbotapi.NewDocument(id, file)
		doc.Caption = caption
		msg = doc
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send %s: %w", media.Name, err)
	}
	return nil
}

// Contact looks the chat up through getChat.
func (t *Telegram) Contact(ctx context.Context, chatID string) (domain.Contact, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return domain.Contact{}, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	chat, err := t.api.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: id}})
	if err != nil {
		return domain.Contact{}, fmt.Errorf("telegram getChat: %w", err)
	}
	name := fullName(chat.FirstName, chat.LastName)
	if name == "" {
		name = chat.Title
	}
	return domain.Contact{DisplayName: name, Address: telegramAddress(chat.UserName, id)}, nil
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}

	text := strings.TrimSpace(msg.Text)
	if msg.IsCommand() {
		// "/menu" reads the same as "menu"
		text = strings.TrimSpace(msg.Command() + " " + msg.CommandArguments())
	}
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		t.logger.Debug("ignoring telegram message without text", "chat_id", msg.Chat.ID)
		return
	}

	t.logger.Info("telegram message received",
		"user_id", msg.From.ID,
		"chat_id", msg.Chat.ID,
		"text_len", len(text),
	)

	_, _ = t.api.Send(tgbotapi.NewChatAction(msg.Chat.ID, tgbotapi.ChatTyping))

	t.bus.Publish(domain.InboundMessage{
		Channel:       "telegram",
		ChatID:        strconv.FormatInt(msg.Chat.ID, 10),
		SenderID:      strconv.FormatInt(msg.From.ID, 10),
		SenderName:    fullName(msg.From.FirstName, msg.From.LastName),
		SenderAddress: telegramAddress(msg.From.UserName, msg.From.ID),
		Content:       text,
		Timestamp:     time.Unix(int64(msg.Date), 0),
	})
}

// sendChunk sends one chunk in the configured parse mode and falls back to
// plain text when Telegram rejects the markup.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = t.parseMode

	_, err := t.api.Send(msg)
	if err == nil {
		return nil
	}
	if msg.ParseMode != "" && strings.Contains(err.Error(), "can't parse entities") {
		t.logger.Warn("telegram markdown parse error, retrying as plain text",
			"err", err, "parseMode", t.parseMode,
		)
		if _, err = t.api.Send(tgbotapi.NewMessage(chatID, text)); err == nil {
			return nil
		}
	}
	return fmt.Errorf("telegram send: %w", err)
}

func fullName(first, last string) string {
	return strings.TrimSpace(first + " " + last)
}

func telegramAddress(username string, id int64) string {
	if username != "" {
		return "@" + username
	}
	return "tg:" + strconv.FormatInt(id, 10)
}
