package config

import (
	"flag"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"
)

// Config holds the call rating engine configuration
type Config struct {
	// PBX event socket settings
	ESLAddr     string // host:port of the FreeSWITCH event socket
	ESLPassword string
	Gateway     string // outbound trunk gateway name
	CallerID    string // caller id number presented on outbound calls

	// Control link liveness/reconnect
	PingInterval         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	ActionTimeout        time.Duration

	// Channel capacity
	MaxChannels      int
	AdmissionTimeout time.Duration

	// Call/IVR policy
	CallTimeout       time.Duration // dial-phase ceiling (no answer within this = failed)
	RatingWindow      time.Duration // extra time after dial phase for the IVR flow
	RatingRetryLimit  int
	SettleDelay       time.Duration // pause after a prompt before moving on
	TransferDigit     string
	OperatorExtension string
	TransferDialplan  string // dialplan used by the transfer redirect

	// Audio prompts: cue name -> file path
	AudioDir   string
	AudioFiles map[string]string

	// Intake
	HTTPAddr     string
	RedisAddr    string
	RedisQueue   string
	QueueWorkers int

	// Persistence (empty DSN = in-memory sinks)
	PostgresDSN string

	LogLevel string
}

// Cue names understood by the IVR flow.
const (
	CueRatingRequest  = "rating_request"
	CueRatingThankyou = "rating_thankyou"
	CueRatingInvalid  = "rating_invalid"
	CueTransfer       = "transfer_message"
	CueTransferError  = "transfer_error"
	CueGoodbye        = "goodbye"
)

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg := &Config{
		PingInterval:         30 * time.Second,
		ReconnectDelay:       5 * time.Second,
		MaxReconnectAttempts: 5,
		ActionTimeout:        10 * time.Second,
		AdmissionTimeout:     60 * time.Second,
		RatingWindow:         60 * time.Second,
		SettleDelay:          3 * time.Second,
		TransferDialplan:     "XML default",
	}

	flag.StringVar(&cfg.ESLAddr, "esl", "127.0.0.1:8021", "FreeSWITCH event socket address")
	flag.StringVar(&cfg.ESLPassword, "esl-password", "ClueCon", "FreeSWITCH event socket password")
	flag.StringVar(&cfg.Gateway, "gateway", "trunk", "Outbound gateway name")
	flag.StringVar(&cfg.CallerID, "callerid", "1000", "Caller ID number for outbound calls")
	flag.StringVar(&cfg.OperatorExtension, "operator", "101", "Operator extension for transfers")
	flag.StringVar(&cfg.TransferDigit, "transfer-digit", "0", "DTMF digit that requests an operator transfer")
	flag.IntVar(&cfg.MaxChannels, "channels", 4, "Maximum concurrent outbound calls")
	flag.IntVar(&cfg.RatingRetryLimit, "rating-retries", 3, "Invalid rating inputs allowed before giving up")
	flag.StringVar(&cfg.AudioDir, "audio-dir", "rating", "Directory prefix for audio prompt files")
	flag.StringVar(&cfg.HTTPAddr, "http", ":8080", "HTTP API listen address")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "Redis address for queue intake (empty = disabled)")
	flag.StringVar(&cfg.RedisQueue, "redis-queue", "callrater:requests", "Redis list consumed by the queue intake")
	flag.IntVar(&cfg.QueueWorkers, "queue-workers", 2, "Concurrent workers for the queue intake")
	flag.StringVar(&cfg.PostgresDSN, "postgres", "", "Postgres DSN for rating/outcome persistence (empty = in-memory)")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")

	var callTimeout, ratingWindow int
	flag.IntVar(&callTimeout, "call-timeout", 30, "Dial timeout in seconds")
	flag.IntVar(&ratingWindow, "rating-window", 60, "Extra seconds allowed for the IVR flow after answer")

	flag.Parse()

	cfg.CallTimeout = time.Duration(callTimeout) * time.Second
	cfg.RatingWindow = time.Duration(ratingWindow) * time.Second

	applyEnv(cfg)
	cfg.AudioFiles = DefaultAudioFiles(cfg.AudioDir)

	return cfg
}

// applyEnv overrides flag values with environment variables if set
func applyEnv(cfg *Config) {
	if v := os.Getenv("ESL_ADDR"); v != "" {
		cfg.ESLAddr = v
	}
	if v := os.Getenv("ESL_PASSWORD"); v != "" {
		cfg.ESLPassword = v
	}
	if v := os.Getenv("GATEWAY"); v != "" {
		cfg.Gateway = v
	}
	if v := os.Getenv("CALLER_ID"); v != "" {
		cfg.CallerID = v
	}
	if v := os.Getenv("OPERATOR_EXTENSION"); v != "" {
		cfg.OperatorExtension = v
	}
	if v := os.Getenv("MAX_CHANNELS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxChannels = n
		}
	}
	if v := os.Getenv("CALL_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CallTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("RATING_RETRY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RatingRetryLimit = n
		}
	}
	if v := os.Getenv("PING_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PingInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxReconnectAttempts = n
		}
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_QUEUE"); v != "" {
		cfg.RedisQueue = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AUDIO_DIR"); v != "" {
		cfg.AudioDir = v
	}
}

// DefaultAudioFiles maps cue names to prompt files under dir.
func DefaultAudioFiles(dir string) map[string]string {
	cues := []string{
		CueRatingRequest,
		CueRatingThankyou,
		CueRatingInvalid,
		CueTransfer,
		CueTransferError,
		CueGoodbye,
	}

	files := make(map[string]string, len(cues))
	for _, cue := range cues {
		files[cue] = path.Join(dir, cue+".wav")
	}
	return files
}

// OverallTimeout is the end-to-end ceiling for a single call: dial phase
// plus the IVR window.
func (c *Config) OverallTimeout() time.Duration {
	return c.CallTimeout + c.RatingWindow
}

// Validate checks that required settings are present and sane.
func (c *Config) Validate() error {
	var problems []string

	if c.ESLAddr == "" {
		problems = append(problems, "ESL address is required")
	}
	if c.MaxChannels <= 0 {
		problems = append(problems, "channel count must be positive")
	}
	if c.RatingRetryLimit <= 0 {
		problems = append(problems, "rating retry limit must be positive")
	}
	if c.CallTimeout <= 0 {
		problems = append(problems, "call timeout must be positive")
	}
	if len(c.TransferDigit) != 1 || !strings.ContainsAny(c.TransferDigit, "0123456789*#") {
		problems = append(problems, "transfer digit must be a single DTMF digit")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
