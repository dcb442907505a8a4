// Copyright 2024-2026 Aiku AI

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aiku/bridgehub/pkg/session"
)

// Duration wraps time.Duration so YAML values like "90s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the CLI configuration, read from YAML.
type Config struct {
	HomeserverURL string `yaml:"homeserver_url"`
	// ConfirmTimeout bounds how long a bridge bot may take to confirm a
	// link before the attempt fails.
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
	// CredentialsFile overrides where the session credentials are stored.
	CredentialsFile string `yaml:"credentials_file"`
}

func defaultConfig() Config {
	return Config{
		HomeserverURL: "https://matrix.org",
	}
}

// defaultConfigDir is ~/.config/bridgehub (or the platform equivalent).
func defaultConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(base, "bridgehub"), nil
}

// loadConfig reads the YAML config at path. A missing file yields the
// defaults; a malformed file is an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.HomeserverURL == "" {
		cfg.HomeserverURL = defaultConfig().HomeserverURL
	}
	return cfg, nil
}

// credentialsPath resolves where session credentials live, honoring the
// config override.
func credentialsPath(cfg Config) (string, error) {
	if cfg.CredentialsFile != "" {
		return cfg.CredentialsFile, nil
	}
	dir, err := defaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "credentials.json"), nil
}

// loadCredentials reads stored credentials. The second return is false when
// no credentials are stored.
func loadCredentials(path string) (session.Credentials, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return session.Credentials{}, false, nil
	} else if err != nil {
		return session.Credentials{}, false, fmt.Errorf("read credentials: %w", err)
	}
	var creds session.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return session.Credentials{}, false, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	if creds.AccessToken == "" {
		return session.Credentials{}, false, nil
	}
	return creds, true, nil
}

// saveCredentials persists credentials with owner-only permissions.
func saveCredentials(path string, creds session.Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	data, err := json.MarshalIndent(&creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// clearCredentials removes the stored credentials. A missing file is fine.
func clearCredentials(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
