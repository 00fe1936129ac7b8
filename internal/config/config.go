package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/origin"
)

const (
	envVarListenAddr      = "AERO_SIGNALING_LISTEN_ADDR"
	envVarPort            = "PORT"
	envVarMode            = "AERO_SIGNALING_MODE"
	envVarLogFormat       = "AERO_SIGNALING_LOG_FORMAT"
	envVarLogLevel        = "AERO_SIGNALING_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_SIGNALING_SHUTDOWN_TIMEOUT"
	envVarGreeting        = "AERO_SIGNALING_GREETING"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSendQueueLength               = "SIGNALING_SEND_QUEUE_LENGTH"
	envVarMaxIdentityBytes              = "MAX_IDENTITY_BYTES"

	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultListenAddr      = ":9000"
	DefaultMode            = ModeDev
	DefaultShutdownTimeout = 15 * time.Second
	DefaultGreeting        = "Well hello there, I am a WebSocket server"

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSendQueueLength               = 64
	DefaultMaxIdentityBytes              = 256

	DefaultTURNRESTTTLSeconds     int64 = 3600
	DefaultTURNRESTUsernamePrefix       = "aero"
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

type TURNRESTConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
}

func (c TURNRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AllowedOrigins is matched against the browser Origin header. "*" allows
	// any origin; an empty list allows same-host requests only.
	AllowedOrigins []string

	// Greeting is sent in the connect message to every accepted connection.
	Greeting string

	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// SendQueueLength bounds the number of encoded messages buffered per
	// connection before further sends to it fail.
	SendQueueLength int

	MaxIdentityBytes int

	ICEServers []webrtc.ICEServer
	TURNREST   TURNRESTConfig
}

// envSettings is the environment layer; its values become flag defaults.
// Durations are kept as strings so parse errors can name the variable.
type envSettings struct {
	ListenAddr      string `env:"AERO_SIGNALING_LISTEN_ADDR"`
	Port            int    `env:"PORT"`
	Mode            string `env:"AERO_SIGNALING_MODE,default=dev"`
	LogFormat       string `env:"AERO_SIGNALING_LOG_FORMAT"`
	LogLevel        string `env:"AERO_SIGNALING_LOG_LEVEL"`
	ShutdownTimeout string `env:"AERO_SIGNALING_SHUTDOWN_TIMEOUT,default=15s"`
	Greeting        string `env:"AERO_SIGNALING_GREETING"`
	AllowedOrigins  string `env:"ALLOWED_ORIGINS,default=*"`

	SignalingWSIdleTimeout        string `env:"SIGNALING_WS_IDLE_TIMEOUT,default=60s"`
	SignalingWSPingInterval       string `env:"SIGNALING_WS_PING_INTERVAL,default=20s"`
	MaxSignalingMessageBytes      int64  `env:"MAX_SIGNALING_MESSAGE_BYTES,default=65536"`
	MaxSignalingMessagesPerSecond int    `env:"MAX_SIGNALING_MESSAGES_PER_SECOND,default=50"`
	SendQueueLength               int    `env:"SIGNALING_SEND_QUEUE_LENGTH,default=64"`
	MaxIdentityBytes              int    `env:"MAX_IDENTITY_BYTES,default=256"`

	ICEServersJSON string `env:"AERO_ICE_SERVERS_JSON"`
	StunURLs       string `env:"AERO_STUN_URLS"`
	TurnURLs       string `env:"AERO_TURN_URLS"`
	TurnUsername   string `env:"AERO_TURN_USERNAME"`
	TurnCredential string `env:"AERO_TURN_CREDENTIAL"`

	TURNRESTSharedSecret   string `env:"TURN_REST_SHARED_SECRET"`
	TURNRESTTTLSeconds     int64  `env:"TURN_REST_TTL_SECONDS,default=3600"`
	TURNRESTUsernamePrefix string `env:"TURN_REST_USERNAME_PREFIX,default=aero"`
}

// Load reads configuration from the process environment and args (flags
// override environment variables).
func Load(args []string) (Config, error) {
	es, err := env.EnvironToEnvSet(os.Environ())
	if err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	return load(es, args, os.Stderr)
}

func load(es env.EnvSet, args []string, usage io.Writer) (Config, error) {
	// Blank variables count as unset.
	present := env.EnvSet{}
	for k, v := range es {
		if strings.TrimSpace(v) != "" {
			present[k] = v
		}
	}

	var e envSettings
	if err := env.Unmarshal(present, &e); err != nil {
		return Config{}, fmt.Errorf("invalid environment: %w", err)
	}

	listenAddr := DefaultListenAddr
	switch {
	case e.ListenAddr != "":
		listenAddr = e.ListenAddr
	case e.Port != 0:
		listenAddr = ":" + strconv.Itoa(e.Port)
	}
	greeting := DefaultGreeting
	if e.Greeting != "" {
		greeting = e.Greeting
	}

	shutdownTimeout, err := parseEnvDuration(envVarShutdownTimeout, e.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := parseEnvDuration(envVarSignalingWSIdleTimeout, e.SignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := parseEnvDuration(envVarSignalingWSPingInterval, e.SignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("aero-webrtc-signaling", flag.ContinueOnError)
	fs.SetOutput(usage)

	var (
		modeStr      = e.Mode
		logFormatStr string
		logLevelStr  string
		origins      = e.AllowedOrigins
		ttlSeconds   = e.TURNRESTTTLSeconds
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (env "+envVarListenAddr+" or "+envVarPort+")")
	fs.StringVar(&modeStr, "mode", modeStr, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", e.LogFormat, "Log format: text or json (default depends on mode; env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", e.LogLevel, "Log level: debug, info, warn, error (default depends on mode; env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&greeting, "greeting", greeting, "Message sent in the connect announcement (env "+envVarGreeting+")")
	fs.StringVar(&origins, "allowed-origins", origins, "Comma-separated allowed browser origins; '*' allows any, empty allows same host only (env "+envVarAllowedOrigins+")")

	fs.DurationVar(&idleTimeout, "signaling-ws-idle-timeout", idleTimeout, "Close signaling connections idle for this long (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&pingInterval, "signaling-ws-ping-interval", pingInterval, "Ping interval for signaling connections; must be < idle timeout (env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&e.MaxSignalingMessageBytes, "max-signaling-message-bytes", e.MaxSignalingMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&e.MaxSignalingMessagesPerSecond, "max-signaling-messages-per-second", e.MaxSignalingMessagesPerSecond, "Max inbound signaling messages per second per connection, 0 = unlimited (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&e.SendQueueLength, "send-queue-length", e.SendQueueLength, "Outbound messages buffered per connection (env "+envVarSendQueueLength+")")
	fs.IntVar(&e.MaxIdentityBytes, "max-identity-bytes", e.MaxIdentityBytes, "Max login name length in bytes (env "+envVarMaxIdentityBytes+")")

	fs.StringVar(&e.ICEServersJSON, "ice-servers-json", e.ICEServersJSON, "ICE server JSON list served at /webrtc/ice (env "+envICEServersJSON+")")
	fs.StringVar(&e.StunURLs, "stun-urls", e.StunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&e.TurnURLs, "turn-urls", e.TurnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&e.TurnUsername, "turn-username", e.TurnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&e.TurnCredential, "turn-credential", e.TurnCredential, "TURN credential (env "+envTurnCredential+")")
	fs.StringVar(&e.TURNRESTSharedSecret, "turn-rest-shared-secret", e.TURNRESTSharedSecret, "coturn REST shared secret; enables ephemeral TURN credentials (env "+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&ttlSeconds, "turn-rest-ttl-seconds", ttlSeconds, "TURN REST credential TTL in seconds (env "+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&e.TURNRESTUsernamePrefix, "turn-rest-username-prefix", e.TURNRESTUsernamePrefix, "TURN REST username prefix (env "+envVarTURNRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if logFormatStr == "" {
		logFormatStr = defaultLogFormatForMode(mode)
	}
	if logLevelStr == "" {
		logLevelStr = defaultLogLevelForMode(mode)
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	allowedOrigins, err := parseAllowedOrigins(origins)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}
	iceServers, err := parseICEServersFromValues(e.ICEServersJSON, e.StunURLs, e.TurnURLs, e.TurnUsername, e.TurnCredential)
	if err != nil {
		return Config{}, err
	}

	switch {
	case strings.TrimSpace(listenAddr) == "":
		return Config{}, fmt.Errorf("listen address must not be empty")
	case shutdownTimeout <= 0:
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	case idleTimeout <= 0:
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	case pingInterval <= 0:
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	case pingInterval >= idleTimeout:
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval (%s) must be < %s/--signaling-ws-idle-timeout (%s)",
			envVarSignalingWSPingInterval, pingInterval, envVarSignalingWSIdleTimeout, idleTimeout)
	case e.MaxSignalingMessageBytes <= 0:
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	case e.MaxSignalingMessagesPerSecond < 0:
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be >= 0", envVarMaxSignalingMessagesPerSecond)
	case e.SendQueueLength <= 0:
		return Config{}, fmt.Errorf("%s/--send-queue-length must be > 0", envVarSendQueueLength)
	case e.MaxIdentityBytes <= 0:
		return Config{}, fmt.Errorf("%s/--max-identity-bytes must be > 0", envVarMaxIdentityBytes)
	}

	turnREST := TURNRESTConfig{
		SharedSecret:   strings.TrimSpace(e.TURNRESTSharedSecret),
		TTL:            time.Duration(ttlSeconds) * time.Second,
		UsernamePrefix: strings.TrimSpace(e.TURNRESTUsernamePrefix),
	}
	if turnREST.Enabled() {
		if ttlSeconds <= 0 {
			return Config{}, fmt.Errorf("%s/--turn-rest-ttl-seconds must be > 0", envVarTURNRESTTTLSeconds)
		}
		if turnREST.UsernamePrefix == "" || strings.Contains(turnREST.UsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s/--turn-rest-username-prefix must be non-empty and must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	return Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  allowedOrigins,
		Greeting:        greeting,

		SignalingWSIdleTimeout:  idleTimeout,
		SignalingWSPingInterval: pingInterval,

		MaxSignalingMessageBytes:      e.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: e.MaxSignalingMessagesPerSecond,
		SendQueueLength:               e.SendQueueLength,
		MaxIdentityBytes:              e.MaxIdentityBytes,

		ICEServers: iceServers,
		TURNREST:   turnREST,
	}, nil
}

// NewLogger builds the process logger on stdout.
func NewLogger(cfg Config) (*slog.Logger, error) {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg Config, w io.Writer) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func parseEnvDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
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

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitCommaSeparated(raw) {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}
