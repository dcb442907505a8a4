// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command bridgehub is a Matrix chat session and bridge orchestration CLI.
// It logs into a homeserver, lists conversations and their bridge links,
// and drives bridge bot connection flows (Discord, WhatsApp, Telegram,
// Signal, IRC) end to end, including QR artifact rendering in the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/bridgehub/pkg/bridge"
	"github.com/aiku/bridgehub/pkg/directory"
	"github.com/aiku/bridgehub/pkg/session"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// app holds the wired core for one CLI invocation.
type app struct {
	cfg       Config
	credsPath string
	log       zerolog.Logger

	transport *session.MatrixTransport
	sess      *session.Session
	dir       *directory.Directory
	registry  *bridge.Registry
	hub       *session.Hub
	notifier  *bridge.ChanNotifier
	orch      *bridge.Orchestrator
	view      *bridge.View
}

// setup builds the transport, session and bridge core from config and any
// stored credentials. Called once from the root PersistentPreRunE.
func (a *app) setup(configPath, homeserverOverride string, verbose bool) error {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	a.log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if homeserverOverride != "" {
		cfg.HomeserverURL = homeserverOverride
	}
	a.cfg = cfg

	a.credsPath, err = credentialsPath(cfg)
	if err != nil {
		return err
	}

	a.transport, err = session.NewMatrixTransport(cfg.HomeserverURL, a.log)
	if err != nil {
		return fmt.Errorf("homeserver %s: %w", cfg.HomeserverURL, err)
	}
	a.sess = session.New(a.transport, a.log)

	if creds, ok, err := loadCredentials(a.credsPath); err != nil {
		return err
	} else if ok {
		a.transport.SetCredentials(creds)
		a.sess.Restore(creds)
	}

	a.dir = directory.New(a.sess, a.log)
	a.hub = session.NewHub(a.sess, a.log)
	a.registry = bridge.NewRegistry(a.sess, a.log)
	a.notifier = bridge.NewChanNotifier(16)
	a.orch = bridge.NewOrchestrator(a.sess, a.registry, a.hub, a.notifier, a.log)
	if cfg.ConfirmTimeout > 0 {
		a.orch.SetDefaultTimeout(time.Duration(cfg.ConfirmTimeout))
	}
	a.view = bridge.NewView(a.sess, a.orch, a.log)
	return nil
}

func main() {
	a := &app{}

	var (
		configPath string
		homeserver string
		verbose    bool
	)

	root := &cobra.Command{
		Use:           "bridgehub",
		Short:         "Matrix session and bridge orchestration CLI",
		Version:       fmt.Sprintf("%s (%s, built %s)", Tag, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(configPath, homeserver, verbose)
		},
	}

	defaultConfigPath := "config.yaml"
	if dir, err := defaultConfigDir(); err == nil {
		defaultConfigPath = filepath.Join(dir, "config.yaml")
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "path to the YAML config file")
	root.PersistentFlags().StringVar(&homeserver, "homeserver", "", "homeserver URL (overrides config)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		loginCommand(a),
		registerCommand(a),
		logoutCommand(a),
		roomsCommand(a),
		messagesCommand(a),
		sendCommand(a),
		bridgesCommand(a),
		platformsCommand(a),
		connectCommand(a),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, styleErr.Render("error: ")+err.Error())
		os.Exit(1)
	}
}
