package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string

	HTTPBind string
	WSPort   int // port base; one HTTP server on WSPort+2 serves /signaling, /healthz and /metrics.

	SignalingSSL bool
	TLSCertPath  string
	TLSKeyPath   string

	STUNURLs     []string
	TURNURL      string
	TURNUsername string
	TURNPassword string
	ICEPortMin   uint16
	ICEPortMax   uint16

	MaxPlayers int

	VideoCodec    string // h264, hevc, av1
	FramerateHint int    // 0 = absent; RtpPacketizer falls back to frame_index*3000

	JWTSigningKey string // empty disables signaling auth (§2.6 of SPEC_FULL.md)

	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	MetricsBind string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("STREAMCORE_ENV", "development"),

		HTTPBind: getEnv("STREAMCORE_HTTP_BIND", "0.0.0.0"),
		WSPort:   getEnvInt("STREAMCORE_WS_PORT", 48010),

		SignalingSSL: getEnvBool("STREAMCORE_SIGNALING_SSL", false),
		TLSCertPath:  getEnv("STREAMCORE_TLS_CERT_PATH", ""),
		TLSKeyPath:   getEnv("STREAMCORE_TLS_KEY_PATH", ""),

		STUNURLs:     splitCSV(getEnv("STREAMCORE_STUN_URLS", "stun:stun.l.google.com:19302")),
		TURNURL:      getEnv("STREAMCORE_TURN_URL", ""),
		TURNUsername: getEnv("STREAMCORE_TURN_USERNAME", ""),
		TURNPassword: getEnv("STREAMCORE_TURN_PASSWORD", ""),
		ICEPortMin:   uint16(getEnvInt("STREAMCORE_ICE_PORT_MIN", 0)),
		ICEPortMax:   uint16(getEnvInt("STREAMCORE_ICE_PORT_MAX", 0)),

		MaxPlayers: getEnvInt("STREAMCORE_MAX_PLAYERS", 4),

		VideoCodec:    strings.ToLower(getEnv("STREAMCORE_VIDEO_CODEC", "h264")),
		FramerateHint: getEnvInt("STREAMCORE_FRAMERATE_HINT", 0),

		JWTSigningKey: getEnv("STREAMCORE_JWT_SIGNING_KEY", ""),

		TracingEnabled:    getEnvBool("STREAMCORE_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("STREAMCORE_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("STREAMCORE_TRACING_SAMPLE_RATE", 1.0),

		MetricsBind: getEnv("STREAMCORE_METRICS_BIND", "127.0.0.1:9090"),
	}

	if cfg.MaxPlayers < 1 {
		cfg.MaxPlayers = 1
	} else if cfg.MaxPlayers > 4 {
		cfg.MaxPlayers = 4
	}

	switch cfg.VideoCodec {
	case "h264", "hevc", "av1":
	default:
		return nil, fmt.Errorf("unsupported STREAMCORE_VIDEO_CODEC %q: must be h264, hevc, or av1", cfg.VideoCodec)
	}

	if cfg.SignalingSSL && (cfg.TLSCertPath == "" || cfg.TLSKeyPath == "") {
		return nil, fmt.Errorf("STREAMCORE_SIGNALING_SSL=true requires STREAMCORE_TLS_CERT_PATH and STREAMCORE_TLS_KEY_PATH")
	}

	if strings.EqualFold(cfg.Environment, "production") && cfg.TURNURL != "" {
		if cfg.TURNUsername == "" || cfg.TURNPassword == "" {
			return nil, fmt.Errorf("production config with STREAMCORE_TURN_URL set requires STREAMCORE_TURN_USERNAME and STREAMCORE_TURN_PASSWORD")
		}
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
