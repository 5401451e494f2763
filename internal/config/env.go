package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file values.
const (
	EnvKeyEnv           = "BROADCAST_ENV"
	EnvKeyTelegramToken = "BROADCAST_TELEGRAM_TOKEN"
	EnvKeyStorageDSN    = "BROADCAST_STORAGE_DSN"
	EnvKeyAMQPURL       = "BROADCAST_AMQP_URL"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays environment overrides onto cfg.
// lookup is os.LookupEnv in production; tests pass a map-backed func.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvKeyEnv); ok {
		cfg.Env = v
	}
	if v, ok := get(EnvKeyTelegramToken); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get(EnvKeyStorageDSN); ok {
		cfg.Storage.DSN = v
	}
	if v, ok := get(EnvKeyAMQPURL); ok {
		cfg.Events.AMQP.URL = v
	}
}
