package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// AlertEnv carries alert transport settings and credentials. They come from
// the environment, optionally seeded from a .env file, and never from the
// JSON detection config.
type AlertEnv struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
	Recipients   []string
	RedisAddr    string
	RedisChannel string
}

// LoadEnv reads path (typically ".env") into the process environment
// without overriding variables that are already set, then returns the
// alert settings. A missing file is not an error.
func LoadEnv(path string) (AlertEnv, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return AlertEnv{}, err
		}
	}
	return AlertEnvFromEnviron(), nil
}

// AlertEnvFromEnviron builds AlertEnv from the current environment.
func AlertEnvFromEnviron() AlertEnv {
	return AlertEnv{
		SMTPHost:     getEnv("FALLWATCH_SMTP_HOST", ""),
		SMTPPort:     getEnvInt("FALLWATCH_SMTP_PORT", 587),
		SMTPUser:     getEnv("FALLWATCH_SMTP_USER", ""),
		SMTPPassword: getEnv("FALLWATCH_SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("FALLWATCH_SMTP_FROM", ""),
		Recipients:   splitList(getEnv("FALLWATCH_ALERT_RECIPIENTS", "")),
		RedisAddr:    getEnv("FALLWATCH_REDIS_ADDR", ""),
		RedisChannel: getEnv("FALLWATCH_REDIS_CHANNEL", "fallwatch:alerts"),
	}
}

// EmailEnabled reports whether enough is configured to send mail.
func (e AlertEnv) EmailEnabled() bool {
	return e.SMTPHost != "" && e.SMTPFrom != "" && len(e.Recipients) > 0
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
