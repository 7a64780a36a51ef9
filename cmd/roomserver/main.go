package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/udisondev/stagehub/internal/account"
	"github.com/udisondev/stagehub/internal/config"
	"github.com/udisondev/stagehub/internal/roomserver"
	"github.com/udisondev/stagehub/internal/stage"
	"github.com/udisondev/stagehub/internal/token"
	"github.com/udisondev/stagehub/internal/transport"
)

const ConfigPath = "config/roomserver.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := ConfigPath
	if p := os.Getenv("STAGEHUB_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadServer(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	slog.Info("stagehub server starting", "log_level", cfg.LogLevel)

	verifier, err := buildVerifier(cfg.TokenKey)
	if err != nil {
		return fmt.Errorf("token key: %w", err)
	}

	var gate *account.Gate
	if cfg.Database.Enabled() {
		if err := account.RunMigrations(ctx, cfg.Database.DSN()); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		gate, err = account.New(ctx, cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("connecting account gate: %w", err)
		}
		defer gate.Close()
		slog.Info("account gate connected", "host", cfg.Database.Host)
	}

	reg := stage.NewRegistry(stage.Config{
		ReconnectTimeout: cfg.ReconnectTimeout,
		DrainBatch:       cfg.DrainBatch,
		MailboxHighWater: cfg.MailboxHighWater,
		MailboxLowWater:  cfg.MailboxLowWater,
		AsyncWorkers:     cfg.AsyncWorkers,
		ShutdownDeadline: cfg.ShutdownDeadline,
	})

	if err := registerStageTypes(reg); err != nil {
		return fmt.Errorf("registering stage types: %w", err)
	}
	reg.Start()

	srv := roomserver.New(cfg, reg, verifier, gate)

	var listeners []transport.Listener
	tcpLn, err := transport.ListenTCP(fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.TCPPort))
	if err != nil {
		return fmt.Errorf("tcp listener: %w", err)
	}
	listeners = append(listeners, tcpLn)

	if cfg.WSPort > 0 {
		wsLn, err := transport.ListenWS(fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.WSPort), cfg.WSPath)
		if err != nil {
			return fmt.Errorf("websocket listener: %w", err)
		}
		listeners = append(listeners, wsLn)
	}

	return srv.Run(ctx, listeners...)
}

// buildVerifier decodes the configured hex key, or generates an ephemeral
// one so a dev server still boots. Tokens minted elsewhere will not
// verify against an ephemeral key.
func buildVerifier(hexKey string) (*token.Verifier, error) {
	if hexKey == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating ephemeral key: %w", err)
		}
		slog.Warn("no token_key configured, using ephemeral key", "key", hex.EncodeToString(key))
		return token.NewVerifier(key)
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding token_key: %w", err)
	}
	return token.NewVerifier(key)
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
