// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the tooldeck command-line
// application.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tooldeck/tooldeck/pkg/confirm"
	"github.com/tooldeck/tooldeck/pkg/gateway/catalog"
	"github.com/tooldeck/tooldeck/pkg/gateway/config"
	"github.com/tooldeck/tooldeck/pkg/gateway/downstream"
	"github.com/tooldeck/tooldeck/pkg/gateway/index"
	"github.com/tooldeck/tooldeck/pkg/gateway/server"
	"github.com/tooldeck/tooldeck/pkg/logger"
	"github.com/tooldeck/tooldeck/pkg/plugin"
	"github.com/tooldeck/tooldeck/pkg/sandbox"
)

// version is stamped at build time with -ldflags "-X .../app.version=...".
var version = "dev"

// NewRootCmd creates the root command for the tooldeck CLI.
func NewRootCmd() *cobra.Command {
	// A .env in the working directory supplies TOOLDECK_* knobs for hosts
	// that cannot set environment variables. Absence is fine.
	_ = godotenv.Load()

	viper.SetEnvPrefix("TOOLDECK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:               "tooldeck",
		DisableAutoGenTag: true,
		Short:             "Tooldeck is a stdio MCP gateway that fronts a deck of MCP servers",
		Long: `Tooldeck is a stdio MCP (Model Context Protocol) gateway. It connects to the
providers on the active profile, merges their tools into one catalog, and
exposes a compact surface to the host: find for semantic discovery, run for
dispatch, and code for scripted orchestration in an embedded sandbox.

Hosts see one server no matter how many providers are on the deck. Provider
processes are supervised, their catalogs are indexed for search, and scripts
run with egress control and per-action confirmation.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringP(config.KeyProfile, "p", "", "Profile holding the provider deck")
	pf.String(config.KeyMode, "", `Tool surface: "find+run", "find+code" or "code-only"`)
	pf.Bool(config.KeyDebug, false, "Enable debug logging")
	pf.Bool(config.KeyQuiet, false, "Log warnings and errors only")
	pf.Bool(config.KeyExtensionMode, false, "Allow the deck plugin to add and remove providers")
	pf.String(config.KeyProtocolVersion, "", "MCP protocol version to advertise and prefer")
	bindFlags(pf)

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// bindFlags mirrors the root flags into viper so flags, TOOLDECK_* variables
// and defaults resolve through one lookup.
func bindFlags(pf *pflag.FlagSet) {
	for _, key := range []string{
		config.KeyProfile, config.KeyMode, config.KeyDebug, config.KeyQuiet,
		config.KeyExtensionMode, config.KeyProtocolVersion,
	} {
		if err := viper.BindPFlag(key, pf.Lookup(key)); err != nil {
			logger.Errorf("Error binding %s flag: %v", key, err)
		}
	}
}

// newServeCmd creates the serve command for starting the gateway.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the gateway on stdio",
		Long: `Serve the gateway over stdin and stdout.

The command connects the providers of the active profile, builds the unified
catalog and semantic index, then answers MCP requests on stdio until the host
closes the stream or the process receives a stop signal. All logging goes to
stderr; stdout carries protocol frames only.`,
		RunE: runServe,
	}
}

// newValidateCmd creates the validate command for checking the profile.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the active profile",
		Long: `Check the active profile without starting the gateway.

This command checks:
- JSON syntax validity
- provider entries (name, exactly one transport, no duplicates)
- egress rule classes and actions
- limit ranges`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.SettingsFromViper()
			if err != nil {
				return err
			}
			store, err := config.NewProfileStore()
			if err != nil {
				return fmt.Errorf("opening profile store: %w", err)
			}
			return runValidate(cmd.Context(), store, settings.Profile)
		},
	}
}

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Display version information for tooldeck",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("tooldeck %s\n", version)
		},
	}
}

// runValidate reports whether the named profile would serve.
func runValidate(ctx context.Context, store *config.ProfileStore, name string) error {
	exists, err := store.Exists(name)
	if err != nil {
		return err
	}
	if !exists {
		logger.Warnf("Profile %q has no file yet; serving it starts with an empty deck", name)
		return nil
	}

	profile, err := store.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("loading profile %q: %w", name, err)
	}
	if err := profile.Validate(); err != nil {
		return fmt.Errorf("profile %q: %w", name, err)
	}

	logger.Infof("Profile %q is valid: %d providers", name, len(profile.Providers))
	for _, pc := range profile.Providers {
		logger.Infof("  %s (%s): %s", pc.Name, pc.Kind(), pc.Endpoint())
	}
	return nil
}

// runServe implements the serve command logic.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	settings, err := config.SettingsFromViper()
	if err != nil {
		return err
	}

	store, err := config.NewProfileStore()
	if err != nil {
		return fmt.Errorf("opening profile store: %w", err)
	}
	profile, err := store.Load(ctx, settings.Profile)
	if err != nil {
		return fmt.Errorf("loading profile %q: %w", settings.Profile, err)
	}
	if err := profile.Validate(); err != nil {
		return fmt.Errorf("profile %q: %w", settings.Profile, err)
	}
	cacheDir, err := config.CacheDir()
	if err != nil {
		return fmt.Errorf("preparing cache directory: %w", err)
	}

	cat := catalog.New()

	// The gateway pointer is assigned further down; until then elicitation
	// reports unsupported and confirmations use the native dialog.
	var gw *server.Server
	requester := confirm.RequesterFunc(func(ctx context.Context, message string, schema map[string]any) (confirm.Result, error) {
		if gw == nil {
			return confirm.Result{}, confirm.ErrNoElicitation
		}
		return gw.Elicit(ctx, message, schema)
	})
	channel := confirm.NewChannel(requester, confirm.NewNativeDialog(0))

	host := plugin.NewHost(version, channel)
	deck := &deckHandle{store: store, profile: settings.Profile}
	if err := host.Register(plugin.NewDeckPlugin(deck, settings.ExtensionMode)); err != nil {
		return err
	}
	if err := host.Register(plugin.NewClockPlugin()); err != nil {
		return err
	}
	deck.extras = host.Configs()

	mgrCfg := downstream.ManagerConfig{
		ProtocolVersion: settings.ProtocolVersion,
		Transport:       host.Factory(nil),
	}
	if l := profile.Limits; l != nil {
		mgrCfg.HandshakeTimeout = l.HandshakeTimeout.Duration()
		mgrCfg.HandshakeConcurrency = l.HandshakeConcurrency
		mgrCfg.HighWater = l.HighWater
		mgrCfg.PerProviderLimit = l.PerProviderLimit
		mgrCfg.ShutdownGrace = l.ShutdownGrace.Duration()
	}
	mgr := downstream.NewManager(mgrCfg, cat)
	deck.mgr = mgr

	embedder, err := newEmbedder(settings)
	if err != nil {
		return err
	}
	ix, err := index.New(index.Config{CacheDir: cacheDir, Profile: settings.Profile}, embedder)
	if err != nil {
		return fmt.Errorf("opening semantic index: %w", err)
	}
	defer func() {
		if err := ix.Close(); err != nil {
			logger.Warnf("Closing semantic index: %v", err)
		}
	}()
	ix.Watch(ctx, cat)

	var runner server.Runner
	if settings.Mode.ExposesCode() {
		runner = sandbox.New(sandbox.Config{}, cat, mgr, ix)
	}

	gw, err = server.New(server.Config{
		Mode:            settings.Mode,
		ProtocolVersion: settings.ProtocolVersion,
		ServerVersion:   version,
		EgressRules:     profile.EgressRules(),
	}, mgr, cat, ix, runner)
	if err != nil {
		return err
	}

	configs := append(slices.Clone(profile.Providers), host.Configs()...)
	if err := mgr.Start(ctx, configs); err != nil {
		return fmt.Errorf("starting providers: %w", err)
	}
	defer func() {
		// The serve context is already canceled on the way out; the
		// manager bounds each close with its shutdown grace.
		if err := mgr.Shutdown(context.Background()); err != nil {
			logger.Warnf("Shutting down providers: %v", err)
		}
	}()

	logger.Infow("tooldeck serving on stdio",
		"profile", settings.Profile,
		"mode", string(settings.Mode),
		"providers", len(profile.Providers),
	)

	if err := gw.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newEmbedder picks the remote embedder when a model is configured and the
// offline lexical one otherwise.
func newEmbedder(settings config.Settings) (index.Embedder, error) {
	if settings.EmbeddingsModel == "" {
		return index.NewLexicalEmbedder(), nil
	}
	return index.NewOpenAIEmbedder(index.OpenAIEmbedderConfig{
		BaseURL: settings.EmbeddingsURL,
		APIKey:  settings.EmbeddingsAPIKey,
		Model:   settings.EmbeddingsModel,
	})
}
