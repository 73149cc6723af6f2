package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var relayEnvKeys = []string{
	"PORT",
	"GOOGLE_API_KEY",
	"RELAY_ADDR",
	"RELAY_CONFIG_FILE",
	"RELAY_MODEL",
	"RELAY_SYSTEM_INSTRUCTION",
	"RELAY_CORS_ORIGINS",
	"RELAY_MAX_SESSIONS",
	"RELAY_MAX_SESSION_DURATION",
	"RELAY_HANDSHAKE_TIMEOUT",
	"RELAY_UPSTREAM_CONNECT_TIMEOUT",
	"RELAY_UPSTREAM_CONNECT_RETRIES",
	"RELAY_UPSTREAM_RETRY_BASE",
	"RELAY_DRAIN_GRACE",
	"RELAY_WS_PING_INTERVAL",
	"RELAY_WS_WRITE_TIMEOUT",
	"RELAY_WS_READ_TIMEOUT",
	"RELAY_MAX_HANDSHAKE_BYTES",
	"RELAY_MAX_AUDIO_FRAME_BYTES",
	"RELAY_MAX_AUDIO_FPS",
	"RELAY_MAX_AUDIO_BPS",
	"RELAY_INBOUND_BURST_SECONDS",
	"RELAY_OUTBOUND_QUEUE_SIZE",
	"RELAY_BACKPRESSURE",
	"RELAY_READ_HEADER_TIMEOUT",
	"RELAY_SHUTDOWN_GRACE_PERIOD",
	"RELAY_REDIS_ADDR",
	"RELAY_REDIS_PASSWORD",
	"RELAY_REDIS_DB",
	"RELAY_REDIS_RECENT_LIMIT",
	"RELAY_DATABASE_URL",
	"RELAY_LOG_LEVEL",
	"RELAY_LOG_FORMAT",
	"RELAY_LOG_FILE",
	"RELAY_LOG_MAX_SIZE_MB",
	"RELAY_LOG_MAX_BACKUPS",
	"RELAY_LOG_MAX_AGE_DAYS",
}

func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, key := range relayEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("GOOGLE_API_KEY", "test-key")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.GoogleAPIKey != "test-key" {
		t.Fatalf("GoogleAPIKey = %q", cfg.GoogleAPIKey)
	}
	if cfg.Model != "gemini-2.5-flash-preview-native-audio-dialog" {
		t.Fatalf("Model = %q", cfg.Model)
	}
	if cfg.SystemInstruction != DefaultSystemInstruction {
		t.Fatalf("SystemInstruction = %q", cfg.SystemInstruction)
	}
	if len(cfg.CORSAllowedOrigins) != 0 {
		t.Fatalf("CORSAllowedOrigins = %v, want empty", cfg.CORSAllowedOrigins)
	}
	if cfg.MaxSessions != 64 {
		t.Fatalf("MaxSessions = %d, want 64", cfg.MaxSessions)
	}
	if cfg.MaxSessionDuration != time.Hour {
		t.Fatalf("MaxSessionDuration = %v, want 1h", cfg.MaxSessionDuration)
	}
	if cfg.HandshakeTimeout != 10*time.Second {
		t.Fatalf("HandshakeTimeout = %v, want 10s", cfg.HandshakeTimeout)
	}
	if cfg.UpstreamConnectTimeout != 10*time.Second {
		t.Fatalf("UpstreamConnectTimeout = %v, want 10s", cfg.UpstreamConnectTimeout)
	}
	if cfg.UpstreamConnectRetries != 0 {
		t.Fatalf("UpstreamConnectRetries = %d, want 0", cfg.UpstreamConnectRetries)
	}
	if cfg.UpstreamRetryBase != 250*time.Millisecond {
		t.Fatalf("UpstreamRetryBase = %v, want 250ms", cfg.UpstreamRetryBase)
	}
	if cfg.DrainGrace != 2*time.Second {
		t.Fatalf("DrainGrace = %v, want 2s", cfg.DrainGrace)
	}
	if cfg.WSPingInterval != 20*time.Second {
		t.Fatalf("WSPingInterval = %v, want 20s", cfg.WSPingInterval)
	}
	if cfg.WSWriteTimeout != 5*time.Second {
		t.Fatalf("WSWriteTimeout = %v, want 5s", cfg.WSWriteTimeout)
	}
	if cfg.WSReadTimeout != 0 {
		t.Fatalf("WSReadTimeout = %v, want 0", cfg.WSReadTimeout)
	}
	if cfg.MaxHandshakeBytes != 64*1024 {
		t.Fatalf("MaxHandshakeBytes = %d, want 65536", cfg.MaxHandshakeBytes)
	}
	if cfg.MaxAudioFrameBytes != 64*1024 {
		t.Fatalf("MaxAudioFrameBytes = %d, want 65536", cfg.MaxAudioFrameBytes)
	}
	if cfg.MaxAudioFPS != 0 || cfg.MaxAudioBytesPerSecond != 0 {
		t.Fatalf("inbound limits = %d/%d, want disabled", cfg.MaxAudioFPS, cfg.MaxAudioBytesPerSecond)
	}
	if cfg.InboundBurstSeconds != 2 {
		t.Fatalf("InboundBurstSeconds = %d, want 2", cfg.InboundBurstSeconds)
	}
	if cfg.OutboundQueueSize != 64 {
		t.Fatalf("OutboundQueueSize = %d, want 64", cfg.OutboundQueueSize)
	}
	if cfg.Backpressure != "block" {
		t.Fatalf("Backpressure = %q, want block", cfg.Backpressure)
	}
	if cfg.ReadHeaderTimeout != 10*time.Second {
		t.Fatalf("ReadHeaderTimeout = %v, want 10s", cfg.ReadHeaderTimeout)
	}
	if cfg.ShutdownGracePeriod != 30*time.Second {
		t.Fatalf("ShutdownGracePeriod = %v, want 30s", cfg.ShutdownGracePeriod)
	}
	if cfg.RedisAddr != "" || cfg.DatabaseURL != "" {
		t.Fatalf("sinks should be disabled by default")
	}
	if cfg.RedisRecentLimit != 200 {
		t.Fatalf("RedisRecentLimit = %d, want 200", cfg.RedisRecentLimit)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Fatalf("log = %s/%s, want info/text", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.LogMaxSizeMB != 100 || cfg.LogMaxBackups != 5 || cfg.LogMaxAgeDays != 28 {
		t.Fatalf("log rotation = %d/%d/%d, want 100/5/28", cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays)
	}
}

func TestLoadFromEnv_RequiresAPIKey(t *testing.T) {
	clearRelayEnv(t)

	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "GOOGLE_API_KEY") {
		t.Fatalf("err=%v, want GOOGLE_API_KEY error", err)
	}
}

func TestLoadFromEnv_PortFallback(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("GOOGLE_API_KEY", "k")
	t.Setenv("PORT", "9000")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("Addr = %q, want :9000", cfg.Addr)
	}

	t.Setenv("RELAY_ADDR", "127.0.0.1:7000")
	cfg, err = LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != "127.0.0.1:7000" {
		t.Fatalf("Addr = %q, want RELAY_ADDR to win", cfg.Addr)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("GOOGLE_API_KEY", "k")
	t.Setenv("RELAY_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RELAY_MAX_SESSIONS", "3")
	t.Setenv("RELAY_BACKPRESSURE", "DROP")
	t.Setenv("RELAY_UPSTREAM_CONNECT_RETRIES", "2")
	t.Setenv("RELAY_MAX_AUDIO_FPS", "60")
	t.Setenv("RELAY_LOG_FORMAT", "json")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if _, ok := cfg.CORSAllowedOrigins["https://b.example"]; !ok || len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
	if cfg.MaxSessions != 3 {
		t.Fatalf("MaxSessions = %d, want 3", cfg.MaxSessions)
	}
	if cfg.Backpressure != "drop" {
		t.Fatalf("Backpressure = %q, want drop", cfg.Backpressure)
	}
	if cfg.UpstreamConnectRetries != 2 {
		t.Fatalf("UpstreamConnectRetries = %d, want 2", cfg.UpstreamConnectRetries)
	}
	if cfg.MaxAudioFPS != 60 {
		t.Fatalf("MaxAudioFPS = %d, want 60", cfg.MaxAudioFPS)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("LogFormat = %q, want json", cfg.LogFormat)
	}
}

func TestLoadFromEnv_Validation(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"RELAY_MAX_SESSIONS", "0", "RELAY_MAX_SESSIONS must be > 0"},
		{"RELAY_MAX_SESSION_DURATION", "-1s", "RELAY_MAX_SESSION_DURATION must be > 0"},
		{"RELAY_HANDSHAKE_TIMEOUT", "0s", "RELAY_HANDSHAKE_TIMEOUT must be > 0"},
		{"RELAY_UPSTREAM_CONNECT_RETRIES", "-1", "RELAY_UPSTREAM_CONNECT_RETRIES must be >= 0"},
		{"RELAY_WS_READ_TIMEOUT", "-1s", "RELAY_WS_READ_TIMEOUT must be >= 0"},
		{"RELAY_OUTBOUND_QUEUE_SIZE", "0", "RELAY_OUTBOUND_QUEUE_SIZE must be > 0"},
		{"RELAY_BACKPRESSURE", "spill", "RELAY_BACKPRESSURE must be one of block|drop"},
		{"RELAY_LOG_LEVEL", "trace", "RELAY_LOG_LEVEL must be one of"},
		{"RELAY_LOG_FORMAT", "xml", "RELAY_LOG_FORMAT must be one of"},
		{"RELAY_REDIS_RECENT_LIMIT", "0", "RELAY_REDIS_RECENT_LIMIT must be > 0"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			clearRelayEnv(t)
			t.Setenv("GOOGLE_API_KEY", "k")
			t.Setenv(tc.key, tc.value)

			_, err := LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want %q", err, tc.want)
			}
		})
	}
}

func TestLoadFromEnv_BurstRequiredWithLimits(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("GOOGLE_API_KEY", "k")
	t.Setenv("RELAY_MAX_AUDIO_BPS", "32000")
	t.Setenv("RELAY_INBOUND_BURST_SECONDS", "0")

	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "RELAY_INBOUND_BURST_SECONDS must be >= 1") {
		t.Fatalf("err=%v", err)
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromEnv_FileOverlay(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("GOOGLE_API_KEY", "k")
	t.Setenv("RELAY_CONFIG_FILE", writeConfigFile(t, `
model: gemini-live-test
max_sessions: 8
handshake_timeout: 3s
cors_origins:
  - https://a.example
  - https://b.example
`))
	t.Setenv("RELAY_MAX_SESSIONS", "12")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Model != "gemini-live-test" {
		t.Fatalf("Model = %q, want file value", cfg.Model)
	}
	if cfg.MaxSessions != 12 {
		t.Fatalf("MaxSessions = %d, want env to win over file", cfg.MaxSessions)
	}
	if cfg.HandshakeTimeout != 3*time.Second {
		t.Fatalf("HandshakeTimeout = %v, want 3s", cfg.HandshakeTimeout)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadFromEnv_FileRejectsSecrets(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("GOOGLE_API_KEY", "k")
	t.Setenv("RELAY_CONFIG_FILE", writeConfigFile(t, "database_url: postgres://x\n"))

	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "must be set in the environment") {
		t.Fatalf("err=%v", err)
	}
}

func TestLoadFromEnv_MissingFile(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("GOOGLE_API_KEY", "k")
	t.Setenv("RELAY_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "failed to read config file") {
		t.Fatalf("err=%v", err)
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("splitCSV = %v", got)
	}
}
