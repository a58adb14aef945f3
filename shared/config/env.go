// Package config holds the environment helpers every service reads its
// Config from. A .env file in the working directory is loaded first.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/forge-ai/codeforge/shared/keys"
)

// Load reads .env if present. Real environment variables win.
func Load() {
	_ = godotenv.Load()
}

func Env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func EnvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		n, _ := strconv.Atoi(v)
		if n > 0 {
			return n
		}
	}
	return def
}

func EnvFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil && f > 0 {
			return f
		}
	}
	return def
}

func EnvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil && d > 0 {
			return d
		}
	}
	return def
}

func EnvList(k string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(k), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// KeyStore is the credential store setup shared by every service that
// resolves or manages provider keys.
func KeyStore() keys.StoreConfig {
	return keys.StoreConfig{
		Backend:     Env("KEY_STORE", ""),
		SupabaseURL: Env("SUPABASE_URL", ""),
		SupabaseKey: Env("SUPABASE_SERVICE_KEY", ""),
		DSN:         Env("KEY_STORE_DSN", "file:keys.db"),
		SealKeys:    Env("MASTER_KEYS", ""),
		SealKeyID:   Env("MASTER_KEY_ID", ""),
	}
}

// DefaultKeys are the admin keys used after every stored key.
func DefaultKeys() map[string]string {
	return map[string]string{
		keys.ProviderOpenRouter:  os.Getenv("OPENROUTER_API_KEY"),
		keys.ProviderGemini:      os.Getenv("GEMINI_API_KEY"),
		keys.ProviderDreamStudio: os.Getenv("STABILITY_API_KEY"),
	}
}
