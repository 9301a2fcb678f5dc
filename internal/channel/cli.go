package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"frontdesk/internal/domain"
)

// CLI implements domain.Channel as an interactive terminal chat, so the front
// desk can be tried without a messaging account. Media is shown as a
// placeholder line.
type CLI struct {
	bus    domain.MessageBus
	logger *slog.Logger
	in     io.Reader
	out    io.Writer
	chatID string
	guest  string

	mu sync.Mutex // serializes writes to out
}

type CLIConfig struct {
	Logger    *slog.Logger
	In        io.Reader
	Out       io.Writer
	ChatID    string // defaults to "console"
	GuestName string
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.ChatID == "" {
		cfg.ChatID = "console"
	}
	if cfg.GuestName == "" {
		cfg.GuestName = "Console guest"
	}
	return &CLI{
		logger: cfg.Logger,
		in:     cfg.In,
		out:    cfg.Out,
		chatID: cfg.ChatID,
		guest:  cfg.GuestName,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the REPL and blocks until input ends, /quit, or ctx is cancelled.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus
	register(bus, c)

	c.print("Front desk console. Type a message and press Enter. Type /quit to exit.\nYou> ")

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				c.print("You> ")
				continue
			}
			if line == "/quit" || line == "/exit" || line == "/q" {
				c.logger.Info("user requested quit")
				return nil
			}
			c.bus.Publish(domain.InboundMessage{
				Channel:   "cli",
				ChatID:    c.chatID,
				SenderID:  c.chatID,
				Content:   line,
				Timestamp: time.Now(),
			})
		}
	}
}

// Stop is a no-op for CLI (we exit when Start returns).
func (c *CLI) Stop() error { return nil }

func (c *CLI) SendText(ctx context.Context, chatID string, text string) error {
	return c.print(c.header(chatID) + text + "\n\nYou> ")
}

func (c *CLI) SendMedia(ctx context.Context, chatID string, media domain.Media, caption string) error {
	line := fmt.Sprintf("[%s: %s, %d bytes]", media.MimeType, media.FileName, len(media.Data))
	if caption != "" {
		line += " " + caption
	}
	return c.print(c.header(chatID) + line + "\n\nYou> ")
}

func (c *CLI) Contact(ctx context.Context, chatID string) (domain.Contact, error) {
	if chatID == c.chatID {
		return domain.Contact{DisplayName: c.guest, Address: "cli:" + chatID}, nil
	}
	return domain.Contact{Address: "cli:" + chatID}, nil
}

// header marks messages addressed to someone other than the console guest,
// such as a staff recipient configured on the cli channel.
func (c *CLI) header(chatID string) string {
	if chatID == c.chatID {
		return "\r--- Front desk ---\n"
	}
	return "\r--- To " + chatID + " ---\n"
}

func (c *CLI) print(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprint(c.out, s)
	return err
}
