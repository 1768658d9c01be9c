package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	envListenAddr           = "SIGNALING_LISTEN_ADDR"
	envLogLevel             = "SIGNALING_LOG_LEVEL"
	envLogFormat            = "SIGNALING_LOG_FORMAT"
	envShutdownTimeout      = "SIGNALING_SHUTDOWN_TIMEOUT"
	envReceiveTimeout       = "SIGNALING_RECEIVE_TIMEOUT"
	envHeartbeatInterval    = "SIGNALING_HEARTBEAT_INTERVAL"
	envWriteTimeout         = "SIGNALING_WRITE_TIMEOUT"
	envMaxMessageBytes      = "SIGNALING_MAX_MESSAGE_BYTES"
	envMaxMessagesPerSecond = "SIGNALING_MAX_MESSAGES_PER_SECOND"
	envAllowedOrigins       = "SIGNALING_ALLOWED_ORIGINS"
	envSTUNURLs             = "SIGNALING_STUN_URLS"
	envTURNURLs             = "SIGNALING_TURN_URLS"
	envTURNUsername         = "SIGNALING_TURN_USERNAME"
	envTURNCredential       = "SIGNALING_TURN_CREDENTIAL"

	DefaultListenAddr           = ":8080"
	DefaultLogLevel             = "info"
	DefaultShutdownTimeout      = 5 * time.Second
	DefaultReceiveTimeout       = 60 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultMaxMessageBytes      = 64 << 10
	DefaultMaxMessagesPerSecond = 50
	DefaultSTUNURLs             = "stun:stun.l.google.com:19302"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	LogLevel        zerolog.Level
	LogFormat       LogFormat
	ShutdownTimeout time.Duration

	ReceiveTimeout    time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	// 0 disables the inbound rate limit.
	MaxMessagesPerSecond int

	// Empty allows any Origin.
	AllowedOrigins []string
	ICEServers     []webrtc.ICEServer
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	listenAddr := envOrDefault(lookup, envListenAddr, DefaultListenAddr)
	logLevelStr := envOrDefault(lookup, envLogLevel, DefaultLogLevel)
	logFormatStr := envOrDefault(lookup, envLogFormat, string(LogFormatText))
	allowedOriginsStr := envOrDefault(lookup, envAllowedOrigins, "")
	stunURLs := envOrDefault(lookup, envSTUNURLs, DefaultSTUNURLs)
	turnURLs := envOrDefault(lookup, envTURNURLs, "")
	turnUsername := envOrDefault(lookup, envTURNUsername, "")
	turnCredential := envOrDefault(lookup, envTURNCredential, "")

	shutdownTimeout, err := envDuration(lookup, envShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	receiveTimeout, err := envDuration(lookup, envReceiveTimeout, DefaultReceiveTimeout)
	if err != nil {
		return Config{}, err
	}
	heartbeatInterval, err := envDuration(lookup, envHeartbeatInterval, DefaultHeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	writeTimeout, err := envDuration(lookup, envWriteTimeout, DefaultWriteTimeout)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envInt(lookup, envMaxMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envInt(lookup, envMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("callsignal", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (env "+envListenAddr+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (env "+envLogLevel+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (env "+envLogFormat+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envShutdownTimeout+")")
	fs.DurationVar(&receiveTimeout, "receive-timeout", receiveTimeout, "Idle time before a session pings its peer (env "+envReceiveTimeout+")")
	fs.DurationVar(&heartbeatInterval, "heartbeat-interval", heartbeatInterval, "Per-call liveness probe interval (env "+envHeartbeatInterval+")")
	fs.DurationVar(&writeTimeout, "write-timeout", writeTimeout, "Deadline for a single WebSocket write (env "+envWriteTimeout+")")
	fs.IntVar(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound signaling message size (env "+envMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Max inbound messages per second per connection, 0 = unlimited (env "+envMaxMessagesPerSecond+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated allowed browser origins (env "+envAllowedOrigins+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs advertised to clients (env "+envSTUNURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs advertised to clients (env "+envTURNURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTURNUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTURNCredential+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(logLevelStr)))
	if err != nil {
		return Config{}, fmt.Errorf("invalid log level %q: %w", logLevelStr, err)
	}

	logFormat := LogFormat(strings.ToLower(strings.TrimSpace(logFormatStr)))
	switch logFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("invalid log format %q (expected text or json)", logFormatStr)
	}

	iceServers, err := buildICEServers(splitList(stunURLs), splitList(turnURLs), turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:           listenAddr,
		LogLevel:             logLevel,
		LogFormat:            logFormat,
		ShutdownTimeout:      shutdownTimeout,
		ReceiveTimeout:       receiveTimeout,
		HeartbeatInterval:    heartbeatInterval,
		WriteTimeout:         writeTimeout,
		MaxMessageBytes:      int64(maxMessageBytes),
		MaxMessagesPerSecond: maxMessagesPerSecond,
		AllowedOrigins:       splitList(allowedOriginsStr),
		ICEServers:           iceServers,
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("listen address must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be > 0 (got %s)", c.ShutdownTimeout)
	}
	if c.ReceiveTimeout <= 0 {
		return fmt.Errorf("receive timeout must be > 0 (got %s)", c.ReceiveTimeout)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be > 0 (got %s)", c.HeartbeatInterval)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be > 0 (got %s)", c.WriteTimeout)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("max message bytes must be > 0 (got %d)", c.MaxMessageBytes)
	}
	if c.MaxMessagesPerSecond < 0 {
		return fmt.Errorf("max messages per second must be >= 0 (got %d)", c.MaxMessagesPerSecond)
	}
	return nil
}

func buildICEServers(stun, turn []string, username, credential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer
	for _, u := range stun {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return nil, fmt.Errorf("invalid STUN URL %q", u)
		}
	}
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}

	for _, u := range turn {
		if !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return nil, fmt.Errorf("invalid TURN URL %q", u)
		}
	}
	if len(turn) > 0 {
		if username == "" || credential == "" {
			return nil, errors.New("TURN URLs require both a username and a credential")
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:           turn,
			Username:       username,
			Credential:     credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers, nil
}

func envOrDefault(lookup func(string) (string, bool), key, def string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envInt(lookup func(string) (string, bool), key string, def int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
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
