package config

import (
	"os"

	"github.com/joho/godotenv"
)

// LoadEnv loads environment variables from a .env file if present.
// Missing .env is not an error; deployments inject real env vars.
func LoadEnv() {
	_ = godotenv.Load()
}

// GetEnv returns the value of the environment variable or the fallback.
func GetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
