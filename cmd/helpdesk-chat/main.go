// Copyright 2026 The Helpdesk Authors
// SPDX-License-Identifier: Apache-2.0

// helpdesk-chat is a terminal client for a live support-ticket
// conversation. It fetches the ticket snapshot over the storefront
// REST API, follows the websocket event stream, and keeps the
// displayed conversation consistent across reconnects.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/openhelpdesk/helpdesk/api"
	"github.com/openhelpdesk/helpdesk/channel"
	"github.com/openhelpdesk/helpdesk/conversation"
	"github.com/openhelpdesk/helpdesk/lib/chatui"
	"github.com/openhelpdesk/helpdesk/lib/config"
	"github.com/openhelpdesk/helpdesk/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var apiURL string
	var channelURL string
	var token string
	var logOutput string

	flagSet := pflag.NewFlagSet("helpdesk-chat", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to helpdesk.yaml (default: $HELPDESK_CONFIG)")
	flagSet.StringVar(&apiURL, "api-url", "", "snapshot API base URL (overrides config)")
	flagSet.StringVar(&channelURL, "channel-url", "", "live event websocket URL (overrides config)")
	flagSet.StringVar(&token, "token", "", "bearer token for both endpoints (overrides config)")
	flagSet.StringVar(&logOutput, "log-output", "", "write JSON log records to this file")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("helpdesk-chat")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	args := flagSet.Args()
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one ticket ID argument, got %d (see --help)", len(args))
	}
	ticketID := args[0]

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if apiURL != "" {
		cfg.API.BaseURL = apiURL
	}
	if channelURL != "" {
		cfg.Channel.URL = channelURL
	}
	if token != "" {
		cfg.API.Token = token
		cfg.Channel.Token = token
	}
	if logOutput != "" {
		cfg.Log.File = logOutput
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	client, err := api.NewClient(api.ClientConfig{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		HTTPClient: &http.Client{
			Timeout: cfg.API.Timeout.Std(),
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	// Fail fast on a bad base URL or dead backend instead of
	// presenting a conversation that never loads.
	probeCtx, probeCancel := context.WithTimeout(context.Background(), cfg.API.Timeout.Std())
	err = client.Health(probeCtx)
	probeCancel()
	if err != nil {
		return fmt.Errorf("support API unreachable at %s: %w", cfg.API.BaseURL, err)
	}

	liveChannel, err := channel.New(channel.Config{
		URL:            cfg.Channel.URL,
		Token:          cfg.ChannelToken(),
		Logger:         logger,
		InitialBackoff: cfg.Channel.InitialBackoff.Std(),
		MaxBackoff:     cfg.Channel.MaxBackoff.Std(),
		SendsPerSecond: cfg.Channel.SendsPerSecond,
		SendBurst:      cfg.Channel.SendBurst,
	})
	if err != nil {
		return err
	}

	engine, err := conversation.NewEngine(conversation.EngineConfig{
		Fetcher:        client,
		Channel:        liveChannel,
		Logger:         logger,
		PendingTimeout: cfg.UI.PendingTimeout.Std(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go liveChannel.Run(ctx)
	go engine.Run(ctx)

	model := chatui.New(engine, ticketID)
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err = program.Run()
	return err
}

// loadConfig resolves the configuration source: explicit --config
// path, then HELPDESK_CONFIG, then built-in defaults (endpoints must
// come from flags in that case).
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv("HELPDESK_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

// newLogger builds the slog logger. The TUI owns the terminal, so
// records go to a file or nowhere; stderr would corrupt the display.
func newLogger(cfg config.LogConfig) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if cfg.File == "" {
		handler := slog.NewJSONHandler(io.Discard, nil)
		return slog.New(handler), func() {}, nil
	}

	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	handler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(handler), func() { file.Close() }, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Live ticket conversation client for the support storefront.

Fetches the ticket's current state over the REST API, joins its live
event room over the websocket, and keeps the two reconciled: messages
appear exactly once, moderation deletions apply even when they race
the snapshot, and reconnects resynchronize without losing what is on
screen.

Usage:
  helpdesk-chat [flags] TICKET_ID

Keys:
  ctrl+s       send the composed message
  pgup/pgdn    scroll the conversation
  esc          quit

Flags:
%s`, flagSet.FlagUsages())
}
