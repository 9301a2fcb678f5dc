package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"

	"frontdesk/internal/bus"
	"frontdesk/internal/catalog"
	"frontdesk/internal/channel"
	"frontdesk/internal/config"
	"frontdesk/internal/domain"
	"frontdesk/internal/frontdesk"
	"frontdesk/internal/ledger"
	"frontdesk/internal/metrics"
)

// app is the wired front desk shared by serve and chat. Channels are
// attached by the caller.
type app struct {
	cfg        *config.Config
	bus        *bus.InMemoryBus
	events     *bus.EventBus
	ledger     *ledger.Ledger
	catalog    *catalog.Catalog
	metrics    *metrics.Collector
	dispatcher *frontdesk.Dispatcher
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := ledger.Open(ctx, cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("ledger store: %w", err)
	}
	onboarded := ledger.New(store, logger)
	onboarded.Load(ctx)

	cat, err := loadCatalog(cfg)
	if err != nil {
		onboarded.Close()
		return nil, err
	}

	events := bus.NewEventBus(logger)
	collector := metrics.New(onboarded.Len)
	collector.Attach(events)

	messageBus := bus.New(100, logger)

	notifier := frontdesk.NewNotifier(frontdesk.NotifierConfig{
		Recipients: staffRecipients(cfg.Staff),
		Sender:     messageBus,
		Events:     events,
		Logger:     logger,
	})

	dispatcher := frontdesk.NewDispatcher(frontdesk.DispatcherConfig{
		Bus:         messageBus,
		Ledger:      onboarded,
		Classifier:  frontdesk.NewClassifier(cfg.Classifier),
		Catalog:     cat,
		Media:       catalog.NewDirSource(cfg.Catalog.MediaDir, logger),
		Notifier:    notifier,
		Events:      events,
		Logger:      logger,
		Concurrency: cfg.General.MaxConcurrentMessages,
	})

	logger.Info("front desk ready",
		"hotel", cfg.Hotel.Name,
		"ledger", cfg.Ledger.Backend,
		"onboarded", onboarded.Len(),
		"topics", cat.TopicNames(),
		"staff", len(cfg.Staff.Recipients),
	)

	return &app{
		cfg:        cfg,
		bus:        messageBus,
		events:     events,
		ledger:     onboarded,
		catalog:    cat,
		metrics:    collector,
		dispatcher: dispatcher,
	}, nil
}

func (a *app) Close() {
	a.metrics.Detach(a.events)
	a.bus.Close()
	if err := a.ledger.Close(); err != nil {
		logger.Warn("ledger close failed", "err", err)
	}
}

// loadCatalog reads the configured catalog file, falling back to the
// built-in content when the file does not exist.
func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	cat, err := catalog.Load(cfg.Catalog.Path, cfg.Hotel)
	if err == nil {
		return cat, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	logger.Warn("catalog file not found, using built-in content", "path", cfg.Catalog.Path)
	return catalog.Default(cfg.Hotel)
}

func staffRecipients(cfg config.StaffConfig) []frontdesk.Recipient {
	out := make([]frontdesk.Recipient, 0, len(cfg.Recipients))
	for _, r := range cfg.Recipients {
		out = append(out, frontdesk.Recipient{Name: r.Name, Channel: r.Channel, ChatID: string(r.ChatID)})
	}
	return out
}

// buildChannels creates the enabled channels for serve, plus the webhook
// handlers the keep-alive server has to mount for them.
func buildChannels(cfg *config.Config) ([]domain.Channel, map[string]http.Handler) {
	var channels []domain.Channel
	webhooks := map[string]http.Handler{}

	if cfg.Channels.Telegram.Enabled {
		channels = append(channels, channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			ParseMode: cfg.Channels.Telegram.ParseMode,
			Logger:    logger,
		}))
	}
	if cfg.Channels.WhatsApp.Enabled {
		wa := channel.NewWhatsApp(channel.WhatsAppChannelConfig{Config: cfg.Channels.WhatsApp, Logger: logger})
		channels = append(channels, wa)
		webhooks[wa.WebhookPath()] = wa.Handler()
	}
	if cfg.Channels.CLI.Enabled {
		channels = append(channels, newConsole(cfg))
	}
	return channels, webhooks
}

func newConsole(cfg *config.Config) *channel.CLI {
	return channel.NewCLI(channel.CLIConfig{
		Logger:    logger,
		ChatID:    cfg.Channels.CLI.ChatID,
		GuestName: cfg.Channels.CLI.GuestName,
	})
}
