package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			MaxConcurrentMessages: 5,
		},
		Hotel: HotelConfig{
			Name:     "Hotel",
			Tagline:  "Your home away from home",
			Location: "",
		},
		Classifier: ClassifierConfig{
			QuickCommands:       defaultQuickCommands(),
			DirectiveKeywords:   defaultDirectiveKeywords(),
			AffirmativeExact:    []string{"yes"},
			AffirmativeContains: []string{"please connect", "connect me", "refer"},
			NegativeExact:       []string{"no", "not now"},
		},
		Catalog: CatalogConfig{
			Path:     "~/.frontdesk/catalog.yaml",
			MediaDir: "~/.frontdesk/media",
		},
		Ledger: LedgerConfig{
			Backend:  "file",
			Path:     "~/.frontdesk/onboarded.json",
			RedisKey: "frontdesk:onboarded",
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "",
			},
			WhatsApp: WhatsAppConfig{
				Enabled:     false,
				WebhookPath: "/webhook/whatsapp",
			},
			CLI: CLIConfig{
				Enabled:   false,
				ChatID:    "console",
				GuestName: "Console guest",
			},
		},
		Server: ServerConfig{
			Enabled:     true,
			Host:        "0.0.0.0",
			Port:        8080,
			MetricsPath: "/metrics",
		},
	}
}

func defaultQuickCommands() map[string]string {
	return map[string]string{
		"menu":          "menu",
		"pool":          "pool",
		"swimming":      "pool",
		"swimming pool": "pool",
		"rooms":         "rooms",
		"room":          "rooms",
	}
}

// "book" is listed on its own so a bare "book" reaches the booking numbers;
// every other keyword also matches by containment.
func defaultDirectiveKeywords() []string {
	return []string{
		"book", "booking", "menu", "bar", "conference", "playground",
		"wedding", "catering", "rooms", "room", "prices",
	}
}
