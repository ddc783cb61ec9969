package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	_ "github.com/joho/godotenv/autoload"

	"dgate/core/log"
	"dgate/services"
)

type Options struct {
	Token   string `long:"token" description:"Account token (falls back to the DGATE_TOKEN environment variable)"`
	Worker  bool   `long:"worker" description:"Run the gateway engine in an isolated worker goroutine"`
	Verbose bool   `long:"verbose" short:"v" description:"Enable debug logging"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	log.SetLevel(level)

	token := opts.Token
	if token == "" {
		token = os.Getenv("DGATE_TOKEN")
	}
	if token == "" {
		fmt.Fprintf(os.Stderr, "Error: provide a token via --token or the DGATE_TOKEN environment variable\n")
		os.Exit(1)
	}

	logFilePath, err := setupProgramLogging()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up program logging: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		fmt.Fprintf(os.Stderr, "\n📝 Session finished, logs are stored in %s\n", logFilePath)
	}()

	if err := run(token, opts.Worker); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(token string, workerIsolated bool) error {
	client := services.New(services.Config{WorkerIsolated: workerIsolated})
	defer func() { _ = client.Close() }()

	// tail every dispatched event before logging in so nothing is missed
	offTail := client.OnAny(func(event string, data json.RawMessage) {
		log.Debug("📨 %s %s", event, truncate(data, 160))
	})
	defer offTail()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := client.Login(ctx, token); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	for _, guild := range client.Guilds().All() {
		log.Info("🏰 %s (%d channels visible)", guild.Name(), len(guild.Channels.Sifted().Get()))
	}
	log.Info("💬 %d direct message channels", len(client.DirectMessages().All()))

	offReady := client.Ready().Subscribe(func(ready bool) {
		if !ready {
			log.Warn("🔌 Connection lost")
		}
	})
	defer offReady()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	log.Info("🔌 Interrupt received, shutting down")
	return client.Logout()
}

func setupProgramLogging() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	logsDir := filepath.Join(homeDir, ".config", "dgate", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create logs directory: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	logFilePath := filepath.Join(logsDir, fmt.Sprintf("%s.log", timestamp))
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create log file: %w", err)
	}

	log.SetWriter(io.MultiWriter(os.Stdout, logFile))
	return logFilePath, nil
}

func truncate(data []byte, max int) string {
	if len(data) <= max {
		return string(data)
	}
	return string(data[:max]) + "…"
}
