package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"frontdesk/internal/catalog"
	"frontdesk/internal/config"
	"frontdesk/internal/domain"
	"frontdesk/internal/server"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	envFiles   []string
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "frontdesk",
		Short:   "Hotel front desk chat bot",
		Long:    "frontdesk greets new guests, answers routine questions and hands everything else to staff over Telegram or WhatsApp.",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(envFiles...)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.frontdesk/config.json)")
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file",
		[]string{".env", filepath.Join(config.DefaultConfigDir(), ".env")},
		"dotenv files loaded before the config is parsed")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(ledgerCmd())
	root.AddCommand(configCmd())
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file and reconfigures the logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	if err := setupLogger(cfg.General); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogger(cfg config.GeneralConfig) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
	}

	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config, catalog and media directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg := config.Defaults()
			cfg.ExpandPaths()

			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.Catalog.MediaDir, 0o755); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfg.Catalog.Path), 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfg.Catalog.Path); err != nil || force {
				if err := os.WriteFile(cfg.Catalog.Path, catalog.DefaultYAML(), 0o644); err != nil {
					return fmt.Errorf("write catalog: %w", err)
				}
			}
			logger.Info("initialized",
				"config", cfgPath,
				"catalog", cfg.Catalog.Path,
				"media", cfg.Catalog.MediaDir,
			)
			fmt.Printf("Edit %s, drop images into %s, then run: frontdesk serve\n", cfgPath, cfg.Catalog.MediaDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the front desk on the enabled channels",
		Long:  "Starts the dispatcher, every enabled messaging channel and the keep-alive server. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	dispatcherDone := make(chan struct{})
	go func() {
		a.dispatcher.Run(ctx)
		close(dispatcherDone)
	}()

	channels, webhooks := buildChannels(cfg)
	if len(channels) == 0 {
		logger.Warn("no messaging channel enabled; only the keep-alive server will run")
	}

	for _, ch := range channels {
		go func(ch domain.Channel) {
			if err := ch.Start(ctx, a.bus); err != nil {
				logger.Error("channel error", "channel", ch.Name(), "err", err)
			}
		}(ch)
		logger.Info("channel enabled", "channel", ch.Name())
	}

	if cfg.Server.Enabled {
		srv := server.New(server.Config{
			Addr:        net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
			Name:        cfg.Hotel.Name + " front desk",
			MetricsPath: cfg.Server.MetricsPath,
			Metrics:     a.metrics.Handler(),
			Webhooks:    webhooks,
			LedgerSize:  a.ledger.Len,
			Activity:    a.events,
			Logger:      logger,
		})
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("keep-alive server error", "err", err)
				stop()
			}
		}()
	}

	logger.Info("front desk started. Press Ctrl+C to stop.")
	<-ctx.Done()
	logger.Info("shutting down front desk...")

	const shutdownTimeout = 10 * time.Second
	for _, ch := range channels {
		if err := ch.Stop(); err != nil {
			logger.Warn("channel stop failed", "channel", ch.Name(), "err", err)
		}
	}

	var shutdownErr error
	select {
	case <-dispatcherDone:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		shutdownErr = fmt.Errorf("shutdown timed out")
	}
	a.Close()
	return shutdownErr
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the front desk from the terminal",
		Long:  "Runs the front desk against an interactive console guest. Staff recipients on the cli channel are printed inline.",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		logger.Warn("config not loaded, using defaults", "path", resolveConfigPath(), "err", err)
		cfg = config.Defaults()
		cfg.ExpandPaths()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.dispatcher.Run(ctx)

	cli := newConsole(cfg)
	err = cli.Start(ctx, a.bus)
	stop()
	return err
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the onboarding ledger",
	}

	withLedger := func(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := context.Background()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return fn(ctx, a, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List onboarded chats",
		RunE: withLedger(func(ctx context.Context, a *app, args []string) error {
			for _, id := range a.ledger.List() {
				fmt.Println(id)
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check [channel:chatId]",
		Short: "Report whether a chat has been onboarded",
		Args:  cobra.ExactArgs(1),
		RunE: withLedger(func(ctx context.Context, a *app, args []string) error {
			key := strings.TrimSpace(args[0])
			if a.ledger.Has(key) {
				fmt.Printf("%s: onboarded\n", key)
			} else {
				fmt.Printf("%s: not onboarded\n", key)
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "mark [channel:chatId]",
		Short: "Mark a chat as onboarded so it skips the welcome sequence",
		Args:  cobra.ExactArgs(1),
		RunE: withLedger(func(ctx context.Context, a *app, args []string) error {
			key := strings.TrimSpace(args[0])
			if err := a.ledger.MarkOnboarded(ctx, key); err != nil {
				return fmt.Errorf("mark %s: %w", key, err)
			}
			logger.Info("chat marked as onboarded", "chat", key)
			return nil
		}),
	})

	return cmd
}
