// Package config loads settings for the meshcall client and relay from
// flags over environment variables over defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envServerURL = "MESHCALL_SERVER_URL"
	envRoom      = "MESHCALL_ROOM"
	envLocalID   = "MESHCALL_ID"

	envListenAddr      = "MESHCALL_RELAY_LISTEN_ADDR"
	envAllowedOrigins  = "MESHCALL_RELAY_ALLOWED_ORIGINS"
	envMaxMessageBytes = "MESHCALL_RELAY_MAX_MESSAGE_BYTES"
	envMaxMessagesPerSecond = "MESHCALL_RELAY_MAX_MESSAGES_PER_SECOND"
	envShutdownTimeout = "MESHCALL_RELAY_SHUTDOWN_TIMEOUT"

	envLogFormat = "MESHCALL_LOG_FORMAT"
	envLogLevel  = "MESHCALL_LOG_LEVEL"

	DefaultServerURL = "ws://127.0.0.1:8000"
	DefaultSTUNURL   = "stun:stun.l.google.com:19302"

	DefaultListenAddr           = "127.0.0.1:8000"
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultShutdownTimeout      = 15 * time.Second

	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Client is the configuration for one call participant.
type Client struct {
	ServerURL string
	Room      string
	LocalID   string

	ICEServers []webrtc.ICEServer

	LogFormat string
	LogLevel  slog.Level
}

// Relay is the configuration for the signaling relay server.
type Relay struct {
	ListenAddr string
	// AllowedOrigins is the exact-match Origin allowlist for websocket
	// upgrades. Empty allows every origin (development default).
	AllowedOrigins       []string
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	ShutdownTimeout      time.Duration

	LogFormat string
	LogLevel  slog.Level
}

// ClientDefaults returns flag defaults for the client, with the environment
// already folded in.
func ClientDefaults() Client {
	return Client{
		ServerURL: envOrDefault(envServerURL, DefaultServerURL),
		Room:      envOrDefault(envRoom, ""),
		LocalID:   envOrDefault(envLocalID, ""),
		LogFormat: envOrDefault(envLogFormat, LogFormatText),
	}
}

// NewClient validates raw client settings and resolves ICE servers from the
// environment.
func NewClient(serverURL, room, localID, logFormat, logLevel string) (Client, error) {
	level, err := parseLogLevel(logLevel)
	if err != nil {
		return Client{}, err
	}
	if err := validateLogFormat(logFormat); err != nil {
		return Client{}, err
	}

	iceServers, err := ICEServersFromEnv(os.LookupEnv)
	if err != nil {
		return Client{}, err
	}

	return Client{
		ServerURL:  strings.TrimRight(serverURL, "/"),
		Room:       room,
		LocalID:    localID,
		ICEServers: iceServers,
		LogFormat:  logFormat,
		LogLevel:   level,
	}, nil
}

// LoadClient parses client configuration from args and the environment.
func LoadClient(args []string) (Client, error) {
	fs := flag.NewFlagSet("meshcall", flag.ContinueOnError)

	defaults := ClientDefaults()
	serverURL := fs.String("server", defaults.ServerURL, "relay websocket base URL")
	room := fs.String("room", defaults.Room, "room to join")
	localID := fs.String("id", defaults.LocalID, "participant id (generated when empty)")
	logFormat := fs.String("log-format", defaults.LogFormat, "log format: text or json")
	logLevel := fs.String("log-level", LogLevelNameFromEnv(), "log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return Client{}, err
	}

	return NewClient(*serverURL, *room, *localID, *logFormat, *logLevel)
}

// LogLevelNameFromEnv returns the textual log level default, environment
// included.
func LogLevelNameFromEnv() string {
	return envOrDefault(envLogLevel, "info")
}

// LoadRelay parses relay configuration from args and the environment.
func LoadRelay(args []string) (Relay, error) {
	fs := flag.NewFlagSet("meshcall-relay", flag.ContinueOnError)

	listenAddr := fs.String("listen", envOrDefault(envListenAddr, DefaultListenAddr), "listen address")
	origins := fs.String("allowed-origins", envOrDefault(envAllowedOrigins, ""), "comma-separated Origin allowlist (empty allows all)")
	logFormat := fs.String("log-format", envOrDefault(envLogFormat, LogFormatText), "log format: text or json")
	logLevel := fs.String("log-level", envOrDefault(envLogLevel, "info"), "log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return Relay{}, err
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return Relay{}, err
	}
	if err := validateLogFormat(*logFormat); err != nil {
		return Relay{}, err
	}

	maxBytes, err := envInt(envMaxMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return Relay{}, err
	}
	maxPerSecond, err := envInt(envMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Relay{}, err
	}
	shutdown, err := envDuration(envShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Relay{}, err
	}

	return Relay{
		ListenAddr:           *listenAddr,
		AllowedOrigins:       splitNonEmpty(*origins),
		MaxMessageBytes:      int64(maxBytes),
		MaxMessagesPerSecond: maxPerSecond,
		ShutdownTimeout:      shutdown,
		LogFormat:            *logFormat,
		LogLevel:             level,
	}, nil
}

func NewLogger(format string, level slog.Level) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}

	return slog.New(handler), nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

func validateLogFormat(format string) error {
	if format != LogFormatText && format != LogFormatJSON {
		return fmt.Errorf("unsupported log format %q", format)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func splitNonEmpty(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
