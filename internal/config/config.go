package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds the tswrite service-level settings: sink selection, the
// optional command and metrics listeners, and logging. Per-engine pacing
// knobs (circ_buf_size, byterate, ...) live in tswriter.PacingConfig, kept
// separate so a process driving several writers can give each its own pacing
// while sharing one Config. tswriter.ConfigFromEnv can load a PacingConfig
// from the environment; cmd/tswrite does not call it and fills its
// PacingConfig from command-line flags instead.
type Config struct {
	SinkKind     string // "stdout" | "file" | "tcp" | "udp"
	SinkPath     string // file path, SinkKind=="file"
	SinkAddr     string // host:port, SinkKind=="tcp"|"udp"
	MulticastIF  string // local IP to send multicast from, SinkKind=="udp"
	MulticastTTL int

	CommandAddr string // optional "host:port" to accept control-channel bytes on
	MetricsAddr string // optional "host:port" to serve /metrics on

	LogLevel string // "debug" | "info" | "warn" | "error"

	PacingEnvPrefix string // prefix for tswriter.ConfigFromEnv, default TSWRITE; not read by cmd/tswrite
}

// Load reads Config from environment. Call LoadEnvFile(".env") before Load()
// to pull variables from a dotenv file first.
func Load() *Config {
	c := &Config{
		SinkKind:        getEnv("TSWRITE_SINK", "stdout"),
		SinkPath:        os.Getenv("TSWRITE_SINK_PATH"),
		SinkAddr:        os.Getenv("TSWRITE_SINK_ADDR"),
		MulticastIF:     os.Getenv("TSWRITE_MULTICAST_IF"),
		MulticastTTL:    getEnvInt("TSWRITE_MULTICAST_TTL", 5),
		CommandAddr:     os.Getenv("TSWRITE_COMMAND_ADDR"),
		MetricsAddr:     os.Getenv("TSWRITE_METRICS_ADDR"),
		LogLevel:        getEnv("TSWRITE_LOG_LEVEL", "info"),
		PacingEnvPrefix: getEnv("TSWRITE_PACING_PREFIX", "TSWRITE"),
	}
	if c.MulticastTTL <= 0 {
		c.MulticastTTL = 5
	}
	return c
}

// Validate rejects sink configurations that are missing a required field for
// their kind.
func (c *Config) Validate() error {
	switch strings.ToLower(c.SinkKind) {
	case "stdout":
	case "file":
		if c.SinkPath == "" {
			return errMissing("TSWRITE_SINK_PATH", "file")
		}
	case "tcp", "udp":
		if c.SinkAddr == "" {
			return errMissing("TSWRITE_SINK_ADDR", c.SinkKind)
		}
	default:
		return errUnknownSinkKind(c.SinkKind)
	}
	return nil
}

func errMissing(env, kind string) error {
	return &configError{msg: env + " is required for sink kind " + kind}
}

func errUnknownSinkKind(kind string) error {
	return &configError{msg: "unknown TSWRITE_SINK kind " + kind}
}

type configError struct{ msg string }

func (e *configError) Error() string { return "config: " + e.msg }

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
