// Package config holds the immutable configuration structs consumed by the
// client and the live feed engine. Values come from explicit construction
// or from environment variables (with an optional .env file), and are never
// mutated after Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Network configures the websocket connection and the retry behaviour of
// one logical fetch.
type Network struct {
	WSURL  string
	Origin string

	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	RecvTimeout    time.Duration

	MaxRetries        int
	BaseRetryDelay    time.Duration
	MaxRetryDelay     time.Duration
	CumulativeTimeout time.Duration

	RequestsPerMinute int
}

// Data configures bar parsing and validation.
type Data struct {
	MaxBars     int
	DefaultBars int
	StrictOHLC  bool
	Timezone    string
}

// Feed configures the live feed engine loop and shutdown behaviour.
type Feed struct {
	PollInterval        time.Duration
	RetryLimit          int
	RetrySleep          time.Duration
	ConsumerQueueSize   int
	ConsumerStopTimeout time.Duration
	ShutdownTimeout     time.Duration
}

// Config aggregates all sub-configurations.
type Config struct {
	Network Network
	Data    Data
	Feed    Feed
	Verbose bool
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Network: Network{
			WSURL:             "wss://data.tradingview.com/socket.io/websocket",
			Origin:            "https://data.tradingview.com",
			ConnectTimeout:    10 * time.Second,
			SendTimeout:       5 * time.Second,
			RecvTimeout:       30 * time.Second,
			MaxRetries:        3,
			BaseRetryDelay:    2 * time.Second,
			MaxRetryDelay:     60 * time.Second,
			CumulativeTimeout: 5 * time.Minute,
			RequestsPerMinute: 60,
		},
		Data: Data{
			MaxBars:     5000,
			DefaultBars: 10,
			StrictOHLC:  true,
			Timezone:    "exchange",
		},
		Feed: Feed{
			PollInterval:        time.Second,
			RetryLimit:          50,
			RetrySleep:          100 * time.Millisecond,
			ConsumerQueueSize:   64,
			ConsumerStopTimeout: 5 * time.Second,
			ShutdownTimeout:     10 * time.Second,
		},
		Verbose: true,
	}
}

// Load builds a Config from environment variables, falling back to
// Default for anything unset. A .env file in the working directory is
// loaded first if present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	var err error

	cfg.Network.WSURL = getEnv("TV_WS_URL", cfg.Network.WSURL)
	if cfg.Network.ConnectTimeout, err = getDuration("TV_CONNECT_TIMEOUT", cfg.Network.ConnectTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Network.SendTimeout, err = getDuration("TV_SEND_TIMEOUT", cfg.Network.SendTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Network.RecvTimeout, err = getDuration("TV_RECV_TIMEOUT", cfg.Network.RecvTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Network.MaxRetries, err = getInt("TV_MAX_RETRIES", cfg.Network.MaxRetries); err != nil {
		return Config{}, err
	}
	if cfg.Network.BaseRetryDelay, err = getDuration("TV_BASE_RETRY_DELAY", cfg.Network.BaseRetryDelay); err != nil {
		return Config{}, err
	}
	if cfg.Network.MaxRetryDelay, err = getDuration("TV_MAX_RETRY_DELAY", cfg.Network.MaxRetryDelay); err != nil {
		return Config{}, err
	}
	if cfg.Network.CumulativeTimeout, err = getDuration("TV_CUMULATIVE_TIMEOUT", cfg.Network.CumulativeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Network.RequestsPerMinute, err = getInt("TV_REQUESTS_PER_MINUTE", cfg.Network.RequestsPerMinute); err != nil {
		return Config{}, err
	}

	if cfg.Data.MaxBars, err = getInt("TV_MAX_BARS", cfg.Data.MaxBars); err != nil {
		return Config{}, err
	}
	if cfg.Data.DefaultBars, err = getInt("TV_DEFAULT_BARS", cfg.Data.DefaultBars); err != nil {
		return Config{}, err
	}
	if cfg.Data.StrictOHLC, err = getBool("TV_VALIDATE_DATA", cfg.Data.StrictOHLC); err != nil {
		return Config{}, err
	}
	cfg.Data.Timezone = getEnv("TV_TIMEZONE", cfg.Data.Timezone)

	if cfg.Feed.PollInterval, err = getDuration("TV_POLL_INTERVAL", cfg.Feed.PollInterval); err != nil {
		return Config{}, err
	}
	if cfg.Feed.RetryLimit, err = getInt("TV_RETRY_LIMIT", cfg.Feed.RetryLimit); err != nil {
		return Config{}, err
	}
	if cfg.Feed.RetrySleep, err = getDuration("TV_RETRY_SLEEP", cfg.Feed.RetrySleep); err != nil {
		return Config{}, err
	}
	if cfg.Feed.ConsumerQueueSize, err = getInt("TV_CONSUMER_QUEUE_SIZE", cfg.Feed.ConsumerQueueSize); err != nil {
		return Config{}, err
	}
	if cfg.Feed.ShutdownTimeout, err = getDuration("TV_SHUTDOWN_TIMEOUT", cfg.Feed.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Feed.ConsumerStopTimeout, err = getDuration("TV_CONSUMER_STOP_TIMEOUT", cfg.Feed.ConsumerStopTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Verbose, err = getBool("TV_VERBOSE", cfg.Verbose); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Credentials reads the auth material from the environment. It lives here
// rather than in common so that the library types stay env-free.
func CredentialsFromEnv() (username, password, authToken, totpSecret, totpCode string) {
	return os.Getenv("TV_USERNAME"),
		os.Getenv("TV_PASSWORD"),
		os.Getenv("TV_AUTH_TOKEN"),
		os.Getenv("TV_TOTP_SECRET"),
		os.Getenv("TV_2FA_CODE")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return n, nil
}

func getBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	switch v {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid %s: %q", key, v)
}

// getDuration accepts either a Go duration string ("30s") or a plain
// number of seconds ("30"), since the latter is what the original env
// variables used.
func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return d, nil
}
