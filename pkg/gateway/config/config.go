// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the gateway's persistent and runtime configuration:
// profile documents on disk, the store that guards them, and the settings
// resolved from flags and environment at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/tooldeck/tooldeck/pkg/gateway"
)

// appDir is the directory name under the xdg state home.
const appDir = "tooldeck"

// Viper keys. Flags bind to these in cmd; the TOOLDECK_ env prefix with a
// dash-to-underscore replacer maps TOOLDECK_EXTENSION_MODE onto
// "extension-mode" and so on.
const (
	KeyProfile         = "profile"
	KeyMode            = "mode"
	KeyDebug           = "debug"
	KeyExtensionMode   = "extension-mode"
	KeyQuiet           = "quiet"
	KeyProtocolVersion = "protocol-version"
	KeyEmbeddingsURL   = "embeddings-url"
	KeyEmbeddingsModel = "embeddings-model"
	KeyEmbeddingsKey   = "embeddings-api-key"
)

// DefaultProfileName is used when no profile is named.
const DefaultProfileName = "default"

// Settings are the runtime knobs resolved at startup. They come from flags
// and environment, never from the profile: a profile describes a deck of
// providers, settings describe this invocation.
type Settings struct {
	// Profile names the provider deck to serve.
	Profile string

	// Mode selects the synthesized tool surface.
	Mode gateway.Mode

	// Debug enables debug logging.
	Debug bool

	// ExtensionMode permits the deck-mutating internal tools.
	ExtensionMode bool

	// Quiet suppresses informational log output.
	Quiet bool

	// ProtocolVersion is advertised inbound and to every downstream;
	// empty selects the current protocol revision.
	ProtocolVersion string

	// EmbeddingsURL, EmbeddingsModel and EmbeddingsAPIKey select a remote
	// OpenAI-compatible embedder for the semantic index. An empty model
	// keeps the built-in offline embedder.
	EmbeddingsURL    string
	EmbeddingsModel  string
	EmbeddingsAPIKey string
}

// SettingsFromViper resolves settings from the bound flag and environment
// state.
func SettingsFromViper() (Settings, error) {
	s := Settings{
		Profile:          viper.GetString(KeyProfile),
		Debug:            viper.GetBool(KeyDebug),
		ExtensionMode:    viper.GetBool(KeyExtensionMode),
		Quiet:            viper.GetBool(KeyQuiet),
		ProtocolVersion:  viper.GetString(KeyProtocolVersion),
		EmbeddingsURL:    viper.GetString(KeyEmbeddingsURL),
		EmbeddingsModel:  viper.GetString(KeyEmbeddingsModel),
		EmbeddingsAPIKey: viper.GetString(KeyEmbeddingsKey),
	}
	if s.Profile == "" {
		s.Profile = DefaultProfileName
	}
	if err := ValidateProfileName(s.Profile); err != nil {
		return Settings{}, err
	}

	s.Mode = gateway.DefaultMode
	if raw := viper.GetString(KeyMode); raw != "" {
		mode, err := gateway.ParseMode(raw)
		if err != nil {
			return Settings{}, err
		}
		s.Mode = mode
	}
	return s, nil
}

// ProfilesDir returns the directory holding profile documents, creating it
// if needed.
func ProfilesDir() (string, error) {
	return stateDir("profiles")
}

// CacheDir returns the directory holding the semantic-index cache files,
// creating it if needed.
func CacheDir() (string, error) {
	return stateDir("cache")
}

func stateDir(sub string) (string, error) {
	dir := filepath.Join(xdg.StateHome, appDir, sub)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating state directory %s: %w", dir, err)
	}
	return dir, nil
}

// ValidateProfileName rejects names that cannot be a file stem: empty
// names, path separators, traversal and hidden-file prefixes.
func ValidateProfileName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: profile name is empty", gateway.ErrInvalidConfig)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: profile name %q contains %q", gateway.ErrInvalidConfig, name, string(r))
		}
	}
	if name[0] == '.' {
		return fmt.Errorf("%w: profile name %q starts with a dot", gateway.ErrInvalidConfig, name)
	}
	return nil
}
