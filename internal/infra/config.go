package infra

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	Port             string
	DatabaseURL      string
	SQLitePath       string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	CORSOrigins      []string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ComfyUIBaseURL        string
	ComfyUIRequestTimeout time.Duration
	ComfyUITimeout        time.Duration
	ComfyUIPollInterval   time.Duration
	MonitorBackoff        time.Duration
	MonitorLinkTTL        time.Duration
	WorkflowsPath         string
	OutputPath            string

	WorkerEnabled      bool
	WorkerPollInterval time.Duration
	StuckJobGrace      time.Duration

	RateLimitEnabled       bool
	RateLimitPerMin        int
	RateLimitWindow        time.Duration
	RateLimitDegradedLimit int
	RateLimitCoolDown      time.Duration
	RateLimitKeyPrefix     string
	RateLimitRedisTimeout  time.Duration
	// TrustedProxies are the peers whose X-Forwarded-For is honoured.
	TrustedProxies []netip.Prefix
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             getEnv("PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       os.Getenv("SQLITE_PATH"),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		CORSOrigins:      splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		ComfyUIBaseURL:        getEnv("COMFYUI_BASE_URL", "http://localhost:8188"),
		ComfyUIRequestTimeout: time.Second * time.Duration(getEnvInt("COMFYUI_REQUEST_TIMEOUT_SECONDS", 30)),
		ComfyUITimeout:        time.Second * time.Duration(getEnvInt("COMFYUI_TIMEOUT_SECONDS", 300)),
		ComfyUIPollInterval:   time.Millisecond * time.Duration(getEnvInt("COMFYUI_POLL_INTERVAL_MS", 2000)),
		MonitorBackoff:        time.Second * time.Duration(getEnvInt("COMFYUI_RECONNECT_SECONDS", 5)),
		MonitorLinkTTL:        time.Minute * time.Duration(getEnvInt("COMFYUI_LINK_TTL_MINUTES", 60)),
		WorkflowsPath:         getEnv("WORKFLOWS_PATH", "./workflows"),
		OutputPath:            getEnv("OUTPUT_PATH", "./outputs"),

		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		WorkerPollInterval: time.Second * time.Duration(getEnvInt("WORKER_POLL_SECONDS", 5)),
		StuckJobGrace:      time.Second * time.Duration(getEnvInt("STUCK_JOB_GRACE_SECONDS", 600)),

		RateLimitEnabled:       getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitPerMin:        getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		RateLimitWindow:        time.Second * time.Duration(getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)),
		RateLimitDegradedLimit: getEnvInt("RATE_LIMIT_DEGRADED_LIMIT", 30),
		RateLimitCoolDown:      time.Second * time.Duration(getEnvInt("RATE_LIMIT_COOLDOWN_SECONDS", 30)),
		RateLimitKeyPrefix:     getEnv("RATE_LIMIT_KEY_PREFIX", "genqueue:ratelimit:"),
		RateLimitRedisTimeout:  time.Millisecond * time.Duration(getEnvInt("RATE_LIMIT_REDIS_TIMEOUT_MS", 1000)),
	}

	proxies, err := ParseTrustedProxies(splitList(os.Getenv("TRUSTED_PROXIES")))
	if err != nil {
		return nil, err
	}
	cfg.TrustedProxies = proxies

	if cfg.DatabaseURL == "" && cfg.SQLitePath == "" {
		return nil, fmt.Errorf("DATABASE_URL or SQLITE_PATH is required")
	}
	if cfg.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be positive")
	}
	if cfg.WorkerPollInterval <= 0 {
		return nil, fmt.Errorf("WORKER_POLL_SECONDS must be positive")
	}
	// A live job must never look stuck to a replica that is just starting.
	if cfg.StuckJobGrace <= cfg.ComfyUITimeout {
		cfg.StuckJobGrace = 2 * cfg.ComfyUITimeout
	}

	return cfg, nil
}

// ParseTrustedProxies accepts CIDRs and bare addresses; a bare address is a
// single-host prefix.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
