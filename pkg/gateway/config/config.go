package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultSystemInstruction = "You are conducting a professional job interview, asking one question at a time in a friendly, professional manner. Listen to audio answers and provide brief encouraging feedback."

type Config struct {
	Addr string

	// Upstream dialog service. The API key is only ever read from the
	// environment.
	GoogleAPIKey           string
	Model                  string
	SystemInstruction      string
	UpstreamConnectTimeout time.Duration
	UpstreamConnectRetries int
	UpstreamRetryBase      time.Duration

	// CORS / origin allowlist for the WebSocket upgrade.
	CORSAllowedOrigins map[string]struct{} // empty => any origin

	// Sessions
	MaxSessions        int
	MaxSessionDuration time.Duration
	HandshakeTimeout   time.Duration
	DrainGrace         time.Duration

	// Client WebSocket
	WSPingInterval         time.Duration
	WSWriteTimeout         time.Duration
	WSReadTimeout          time.Duration
	MaxHandshakeBytes      int64
	MaxAudioFrameBytes     int
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
	OutboundQueueSize      int
	Backpressure           string

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	// Report sinks; empty disables the sink.
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisRecentLimit int64
	DatabaseURL      string

	// Logging
	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

// LoadFromEnv reads configuration from the environment. When
// RELAY_CONFIG_FILE names a YAML file, its keys act as defaults beneath the
// environment.
func LoadFromEnv() (Config, error) {
	src := source{file: map[string]string{}}
	if path := strings.TrimSpace(os.Getenv("RELAY_CONFIG_FILE")); path != "" {
		file, err := loadFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}
	return load(src)
}

func load(src source) (Config, error) {
	defaultAddr := ":8080"
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		defaultAddr = ":" + port
	}

	cfg := Config{
		Addr:                   src.envOr("RELAY_ADDR", defaultAddr),
		GoogleAPIKey:           strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")),
		Model:                  src.envOr("RELAY_MODEL", "gemini-2.5-flash-preview-native-audio-dialog"),
		SystemInstruction:      src.envOr("RELAY_SYSTEM_INSTRUCTION", DefaultSystemInstruction),
		UpstreamConnectTimeout: src.envDurationOr("RELAY_UPSTREAM_CONNECT_TIMEOUT", 10*time.Second),
		UpstreamConnectRetries: src.envIntOr("RELAY_UPSTREAM_CONNECT_RETRIES", 0),
		UpstreamRetryBase:      src.envDurationOr("RELAY_UPSTREAM_RETRY_BASE", 250*time.Millisecond),
		CORSAllowedOrigins:     make(map[string]struct{}),
		MaxSessions:            src.envIntOr("RELAY_MAX_SESSIONS", 64),
		MaxSessionDuration:     src.envDurationOr("RELAY_MAX_SESSION_DURATION", time.Hour),
		HandshakeTimeout:       src.envDurationOr("RELAY_HANDSHAKE_TIMEOUT", 10*time.Second),
		DrainGrace:             src.envDurationOr("RELAY_DRAIN_GRACE", 2*time.Second),
		WSPingInterval:         src.envDurationOr("RELAY_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:         src.envDurationOr("RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:          src.envDurationOr("RELAY_WS_READ_TIMEOUT", 0),
		MaxHandshakeBytes:      src.envInt64Or("RELAY_MAX_HANDSHAKE_BYTES", 64*1024),
		MaxAudioFrameBytes:     src.envIntOr("RELAY_MAX_AUDIO_FRAME_BYTES", 64*1024),
		MaxAudioFPS:            src.envIntOr("RELAY_MAX_AUDIO_FPS", 0),
		MaxAudioBytesPerSecond: src.envInt64Or("RELAY_MAX_AUDIO_BPS", 0),
		InboundBurstSeconds:    src.envIntOr("RELAY_INBOUND_BURST_SECONDS", 2),
		OutboundQueueSize:      src.envIntOr("RELAY_OUTBOUND_QUEUE_SIZE", 64),
		Backpressure:           strings.ToLower(src.envOr("RELAY_BACKPRESSURE", "block")),
		ReadHeaderTimeout:      src.envDurationOr("RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:    src.envDurationOr("RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		RedisAddr:              src.envOr("RELAY_REDIS_ADDR", ""),
		RedisPassword:          strings.TrimSpace(os.Getenv("RELAY_REDIS_PASSWORD")),
		RedisDB:                src.envIntOr("RELAY_REDIS_DB", 0),
		RedisRecentLimit:       src.envInt64Or("RELAY_REDIS_RECENT_LIMIT", 200),
		DatabaseURL:            strings.TrimSpace(os.Getenv("RELAY_DATABASE_URL")),
		LogLevel:               strings.ToLower(src.envOr("RELAY_LOG_LEVEL", "info")),
		LogFormat:              strings.ToLower(src.envOr("RELAY_LOG_FORMAT", "text")),
		LogFile:                src.envOr("RELAY_LOG_FILE", ""),
		LogMaxSizeMB:           src.envIntOr("RELAY_LOG_MAX_SIZE_MB", 100),
		LogMaxBackups:          src.envIntOr("RELAY_LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays:          src.envIntOr("RELAY_LOG_MAX_AGE_DAYS", 28),
	}

	for _, origin := range splitCSV(src.envOr("RELAY_CORS_ORIGINS", "")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.GoogleAPIKey == "" {
		return Config{}, fmt.Errorf("GOOGLE_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return Config{}, fmt.Errorf("RELAY_MODEL must not be empty")
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_UPSTREAM_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.UpstreamConnectRetries < 0 {
		return Config{}, fmt.Errorf("RELAY_UPSTREAM_CONNECT_RETRIES must be >= 0")
	}
	if cfg.UpstreamRetryBase <= 0 {
		return Config{}, fmt.Errorf("RELAY_UPSTREAM_RETRY_BASE must be > 0")
	}
	if cfg.MaxSessions <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_SESSIONS must be > 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.DrainGrace <= 0 {
		return Config{}, fmt.Errorf("RELAY_DRAIN_GRACE must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("RELAY_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.MaxHandshakeBytes <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_HANDSHAKE_BYTES must be > 0")
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.MaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.MaxAudioBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.InboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("RELAY_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.MaxAudioFPS > 0 || cfg.MaxAudioBytesPerSecond > 0) && cfg.InboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("RELAY_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("RELAY_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	switch cfg.Backpressure {
	case "block", "drop":
	default:
		return Config{}, fmt.Errorf("RELAY_BACKPRESSURE must be one of block|drop")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.RedisDB < 0 {
		return Config{}, fmt.Errorf("RELAY_REDIS_DB must be >= 0")
	}
	if cfg.RedisRecentLimit <= 0 {
		return Config{}, fmt.Errorf("RELAY_REDIS_RECENT_LIMIT must be > 0")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("RELAY_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("RELAY_LOG_FORMAT must be one of text|json")
	}
	if cfg.LogFile != "" {
		if cfg.LogMaxSizeMB <= 0 {
			return Config{}, fmt.Errorf("RELAY_LOG_MAX_SIZE_MB must be > 0")
		}
		if cfg.LogMaxBackups < 0 {
			return Config{}, fmt.Errorf("RELAY_LOG_MAX_BACKUPS must be >= 0")
		}
		if cfg.LogMaxAgeDays < 0 {
			return Config{}, fmt.Errorf("RELAY_LOG_MAX_AGE_DAYS must be >= 0")
		}
	}

	return cfg, nil
}

// Keys that may only come from the environment.
var envOnlyKeys = map[string]struct{}{
	"GOOGLE_API_KEY":       {},
	"RELAY_REDIS_PASSWORD": {},
	"RELAY_DATABASE_URL":   {},
	"RELAY_CONFIG_FILE":    {},
}

// loadFile reads a flat YAML mapping. A key such as "max_sessions" becomes
// RELAY_MAX_SESSIONS.
func loadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	out := make(map[string]string, len(raw))
	for key, node := range raw {
		name := "RELAY_" + strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(key), "-", "_"))
		if _, ok := envOnlyKeys[name]; ok {
			return nil, fmt.Errorf("config file %s: %q must be set in the environment", path, key)
		}
		switch node.Kind {
		case yaml.ScalarNode:
			out[name] = node.Value
		case yaml.SequenceNode:
			var items []string
			if err := node.Decode(&items); err != nil {
				return nil, fmt.Errorf("config file %s: %q: %w", path, key, err)
			}
			out[name] = strings.Join(items, ",")
		default:
			return nil, fmt.Errorf("config file %s: %q must be a scalar or a list", path, key)
		}
	}
	return out, nil
}

// source resolves a key from the environment first, then the config file.
type source struct {
	file map[string]string
}

func (s source) lookup(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(s.file[key])
}

func (s source) envOr(key, def string) string {
	v := s.lookup(key)
	if v == "" {
		return def
	}
	return v
}

func (s source) envInt64Or(key string, def int64) int64 {
	raw := s.lookup(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (s source) envIntOr(key string, def int) int {
	raw := s.lookup(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (s source) envDurationOr(key string, def time.Duration) time.Duration {
	raw := s.lookup(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
