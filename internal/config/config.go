package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the root configuration for the front desk.
type Config struct {
	General    GeneralConfig    `json:"general"`
	Hotel      HotelConfig      `json:"hotel"`
	Classifier ClassifierConfig `json:"classifier"`
	Staff      StaffConfig      `json:"staff"`
	Catalog    CatalogConfig    `json:"catalog"`
	Ledger     LedgerConfig     `json:"ledger"`
	Channels   ChannelsConfig   `json:"channels"`
	Server     ServerConfig     `json:"server"`
}

type GeneralConfig struct {
	LogLevel              string `json:"logLevel"`
	LogFile               string `json:"logFile,omitempty"`
	MaxConcurrentMessages int    `json:"maxConcurrentMessages"`
}

// HotelConfig holds the strings substituted into catalog texts.
type HotelConfig struct {
	Name           string         `json:"name"`
	Tagline        string         `json:"tagline"`
	Location       string         `json:"location"`
	BookingNumbers FlexStringList `json:"bookingNumbers"`
}

// ClassifierConfig holds the keyword sets used to classify guest messages.
// QuickCommands maps an exact alias ("swimming pool") to a catalog topic ("pool").
type ClassifierConfig struct {
	QuickCommands       map[string]string `json:"quickCommands"`
	DirectiveKeywords   []string          `json:"directiveKeywords"`
	AffirmativeExact    []string          `json:"affirmativeExact"`
	AffirmativeContains []string          `json:"affirmativeContains"`
	NegativeExact       []string          `json:"negativeExact"`
}

type StaffConfig struct {
	Recipients []StaffRecipient `json:"recipients"`
}

// StaffRecipient is a staff member reachable on one of the configured channels.
type StaffRecipient struct {
	Name    string     `json:"name,omitempty"`
	Channel string     `json:"channel"`
	ChatID  FlexString `json:"chatId"`
}

type CatalogConfig struct {
	Path     string `json:"path"`
	MediaDir string `json:"mediaDir"`
}

type LedgerConfig struct {
	Backend  string `json:"backend"` // "file" | "sqlite" | "redis"
	Path     string `json:"path,omitempty"`
	RedisURL string `json:"redisUrl,omitempty"`
	RedisKey string `json:"redisKey,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	CLI      CLIConfig      `json:"cli"`
}

type TelegramConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token"`
	ParseMode string `json:"parseMode"`
}

type WhatsAppConfig struct {
	Enabled       bool   `json:"enabled"`
	AppSecret     string `json:"appSecret,omitempty"`
	AccessToken   string `json:"accessToken,omitempty"`
	VerifyToken   string `json:"verifyToken,omitempty"`
	PhoneNumberID string `json:"phoneNumberId,omitempty"`
	WebhookPath   string `json:"webhookPath,omitempty"`
	APIBase       string `json:"apiBase,omitempty"`
}

// CLIConfig configures the console channel. `chat` always runs it; `serve`
// attaches it only when Enabled.
type CLIConfig struct {
	Enabled   bool   `json:"enabled"`
	ChatID    string `json:"chatId,omitempty"`
	GuestName string `json:"guestName,omitempty"`
}

// ServerConfig configures the keep-alive HTTP surface.
type ServerConfig struct {
	Enabled     bool   `json:"enabled"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	MetricsPath string `json:"metricsPath"`
}

// FlexString is a string that also unmarshals from a JSON number, so phone
// numbers and Telegram ids can be written unquoted.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(data))
	}
	*f = FlexString(n.String())
	return nil
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.frontdesk).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".frontdesk"
	}
	return filepath.Join(home, ".frontdesk")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		p = ExpandPath(p)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.ExpandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ExpandPaths resolves "~" in every file path setting.
func (c *Config) ExpandPaths() {
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.Catalog.Path = ExpandPath(c.Catalog.Path)
	c.Catalog.MediaDir = ExpandPath(c.Catalog.MediaDir)
	c.Ledger.Path = ExpandPath(c.Ledger.Path)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

var knownChannels = map[string]bool{"telegram": true, "whatsapp": true, "cli": true}

// Validate checks that the config has valid values and reports every problem at once.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}

	if strings.TrimSpace(cfg.Hotel.Name) == "" {
		errs = append(errs, "hotel.name is required")
	}

	if len(cfg.Classifier.DirectiveKeywords) == 0 {
		errs = append(errs, "classifier.directiveKeywords must not be empty")
	}
	for i, kw := range cfg.Classifier.DirectiveKeywords {
		if strings.TrimSpace(kw) == "" {
			errs = append(errs, fmt.Sprintf("classifier.directiveKeywords[%d] is empty", i))
		}
	}
	for alias, topic := range cfg.Classifier.QuickCommands {
		if strings.TrimSpace(alias) == "" || strings.TrimSpace(topic) == "" {
			errs = append(errs, fmt.Sprintf("classifier.quickCommands: alias %q and topic %q must both be set", alias, topic))
		}
	}

	for i, r := range cfg.Staff.Recipients {
		if !knownChannels[r.Channel] {
			errs = append(errs, fmt.Sprintf("staff.recipients[%d].channel must be one of: telegram, whatsapp, cli", i))
		}
		if strings.TrimSpace(string(r.ChatID)) == "" {
			errs = append(errs, fmt.Sprintf("staff.recipients[%d].chatId is required", i))
		}
	}

	switch cfg.Ledger.Backend {
	case "file", "sqlite":
		if cfg.Ledger.Path == "" {
			errs = append(errs, fmt.Sprintf("ledger.path is required for the %s backend", cfg.Ledger.Backend))
		}
	case "redis":
		if cfg.Ledger.RedisURL == "" {
			errs = append(errs, "ledger.redisUrl is required for the redis backend")
		}
	default:
		errs = append(errs, "ledger.backend must be one of: file, sqlite, redis")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.MetricsPath != "" && !strings.HasPrefix(cfg.Server.MetricsPath, "/") {
		errs = append(errs, "server.metricsPath must start with /")
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}
	if cfg.Channels.WhatsApp.Enabled {
		if cfg.Channels.WhatsApp.PhoneNumberID == "" || cfg.Channels.WhatsApp.AccessToken == "" {
			errs = append(errs, "channels.whatsapp.phoneNumberId and accessToken are required when whatsapp is enabled")
		}
		if !cfg.Server.Enabled {
			errs = append(errs, "channels.whatsapp requires server.enabled for the webhook")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
