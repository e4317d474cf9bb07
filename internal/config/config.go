package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envVarListenAddr      = "WEBX_LISTEN_ADDR"
	envVarStaticDir       = "WEBX_STATIC_DIR"
	envVarKurentoURL      = "WEBX_KURENTO_URL"
	envVarMode            = "WEBX_MODE"
	envVarLogFormat       = "WEBX_LOG_FORMAT"
	envVarLogLevel        = "WEBX_LOG_LEVEL"
	envVarShutdownTimeout = "WEBX_SHUTDOWN_TIMEOUT"

	// Media relay knobs.
	envVarRelayCallTimeout = "RELAY_CALL_TIMEOUT"
	envVarMinVideoSendBw   = "MIN_VIDEO_SEND_BANDWIDTH"
	envVarMaxVideoSendBw   = "MAX_VIDEO_SEND_BANDWIDTH"

	// Direct-call invitations.
	envVarCallInviteTTL = "CALL_INVITE_TTL"

	// Signaling WebSocket hardening.
	envVarWSReadLimitBytes = "WS_READ_LIMIT_BYTES"
	envVarWSPongTimeout    = "WS_PONG_TIMEOUT"
	envVarWSWriteTimeout   = "WS_WRITE_TIMEOUT"
)

const (
	DefaultListenAddr = "127.0.0.1:3005"
	DefaultKurentoURL = "ws://127.0.0.1:8888/kurento"
	DefaultShutdown   = 15 * time.Second

	DefaultRelayCallTimeout = 10 * time.Second

	// Video send bandwidth bounds (kbps) applied to every relay endpoint.
	DefaultMinVideoSendBandwidth = 20
	DefaultMaxVideoSendBandwidth = 30

	// DefaultCallInviteTTL bounds how long a room created for a direct-call
	// invitation may sit empty before its pipeline is reclaimed. Must be
	// non-zero: a callee that never answers would otherwise leak the room.
	DefaultCallInviteTTL = 2 * time.Minute

	// DefaultWSReadLimitBytes is generous enough for SDP offers.
	DefaultWSReadLimitBytes = int64(64 * 1024)
	DefaultWSPongTimeout    = 60 * time.Second
	DefaultWSWriteTimeout   = 10 * time.Second

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr string
	// StaticDir, when non-empty, is served at / for the browser client.
	StaticDir string
	// KurentoURL is the media relay's JSON-RPC websocket address.
	KurentoURL string

	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	RelayCallTimeout      time.Duration
	MinVideoSendBandwidth int
	MaxVideoSendBandwidth int

	CallInviteTTL time.Duration

	WSReadLimitBytes int64
	WSPongTimeout    time.Duration
	WSWriteTimeout   time.Duration
}

func Load(args []string) (Config, error) {
	// .env values never override variables already present in the environment.
	_ = godotenv.Load()
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if !envLogFormatOK || envLogFormat == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if !envLogLevelOK || envLogLevel == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	staticDir := envOrDefault(lookup, envVarStaticDir, "")
	kurentoURL := envOrDefault(lookup, envVarKurentoURL, DefaultKurentoURL)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	relayCallTimeout, err := envDurationOrDefault(lookup, envVarRelayCallTimeout, DefaultRelayCallTimeout)
	if err != nil {
		return Config{}, err
	}
	callInviteTTL, err := envDurationOrDefault(lookup, envVarCallInviteTTL, DefaultCallInviteTTL)
	if err != nil {
		return Config{}, err
	}
	wsPongTimeout, err := envDurationOrDefault(lookup, envVarWSPongTimeout, DefaultWSPongTimeout)
	if err != nil {
		return Config{}, err
	}
	wsWriteTimeout, err := envDurationOrDefault(lookup, envVarWSWriteTimeout, DefaultWSWriteTimeout)
	if err != nil {
		return Config{}, err
	}

	minBw, err := envIntOrDefault(lookup, envVarMinVideoSendBw, DefaultMinVideoSendBandwidth)
	if err != nil {
		return Config{}, err
	}
	maxBw, err := envIntOrDefault(lookup, envVarMaxVideoSendBw, DefaultMaxVideoSendBandwidth)
	if err != nil {
		return Config{}, err
	}
	wsReadLimit, err := envIntOrDefault(lookup, envVarWSReadLimitBytes, int(DefaultWSReadLimitBytes))
	if err != nil {
		return Config{}, err
	}

	modeStr := modeDefault
	logFormatStr := logFormatDefault
	logLevelStr := logLevelDefault

	fs := flag.NewFlagSet("webx", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&staticDir, "static-dir", staticDir, "Directory of browser client assets to serve at / (env "+envVarStaticDir+")")
	fs.StringVar(&kurentoURL, "kurento-url", kurentoURL, "Media relay JSON-RPC websocket URL (env "+envVarKurentoURL+")")
	fs.StringVar(&modeStr, "mode", modeStr, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&relayCallTimeout, "relay-call-timeout", relayCallTimeout, "Per-call timeout for media relay RPCs (env "+envVarRelayCallTimeout+")")
	fs.DurationVar(&callInviteTTL, "call-invite-ttl", callInviteTTL, "How long a direct-call room may stay empty before reclaim (env "+envVarCallInviteTTL+")")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:            listenAddr,
		StaticDir:             staticDir,
		KurentoURL:            kurentoURL,
		Mode:                  mode,
		LogFormat:             logFormat,
		LogLevel:              logLevel,
		ShutdownTimeout:       shutdownTimeout,
		RelayCallTimeout:      relayCallTimeout,
		MinVideoSendBandwidth: minBw,
		MaxVideoSendBandwidth: maxBw,
		CallInviteTTL:         callInviteTTL,
		WSReadLimitBytes:      int64(wsReadLimit),
		WSPongTimeout:         wsPongTimeout,
		WSWriteTimeout:        wsWriteTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	u, err := url.Parse(c.KurentoURL)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", envVarKurentoURL, c.KurentoURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid %s %q: scheme must be ws or wss", envVarKurentoURL, c.KurentoURL)
	}
	if c.RelayCallTimeout <= 0 {
		return fmt.Errorf("%s must be positive", envVarRelayCallTimeout)
	}
	if c.MinVideoSendBandwidth < 0 || c.MaxVideoSendBandwidth < 0 {
		return fmt.Errorf("video send bandwidth bounds must be non-negative")
	}
	if c.MaxVideoSendBandwidth > 0 && c.MinVideoSendBandwidth > c.MaxVideoSendBandwidth {
		return fmt.Errorf("%s (%d) exceeds %s (%d)",
			envVarMinVideoSendBw, c.MinVideoSendBandwidth, envVarMaxVideoSendBw, c.MaxVideoSendBandwidth)
	}
	if c.CallInviteTTL <= 0 {
		return fmt.Errorf("%s must be positive", envVarCallInviteTTL)
	}
	if c.WSReadLimitBytes <= 0 {
		return fmt.Errorf("%s must be positive", envVarWSReadLimitBytes)
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
