package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"

	"tracker/internal/domain"
	"tracker/internal/workers/scanqueue"
)

type Config struct {
	Env           string
	ListenAddr    string
	DatabaseURL   string
	SigningSecret string

	QueueURL    string
	ResultsURL  string
	ProcessURL  string
	ScannerURLs map[domain.Protocol]string

	ScanWorkers  int
	JobTimeout   time.Duration
	JobRetries   int
	RetryBackoff time.Duration
	ResultTTL    time.Duration
	// TokenTTL is derived from the queue policy when SCAN_TOKEN_TTL is 0.
	TokenTTL       time.Duration
	ReconcileGrace time.Duration

	AutoscanSchedule string
	AlertWebhookURL  string
	AlertRecipients  []string
	CrliteCommand    string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Load reads the environment, after a .env file in the working directory if
// there is one. The returned error lists every missing or invalid setting;
// the config is still populated so callers can decide.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var errs []error
	cfg := Config{
		Env:           getenv("APP_ENV", "development"),
		ListenAddr:    getenv("LISTEN_ADDR", ":8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SigningSecret: os.Getenv("SCAN_SIGNING_SECRET"),
		QueueURL:      os.Getenv("QUEUE_URL"),
		ResultsURL:    os.Getenv("RESULTS_URL"),
		ProcessURL:    os.Getenv("PROCESS_URL"),
		ScannerURLs: map[domain.Protocol]string{
			domain.ProtocolDNS:   os.Getenv("DNS_SCANNER_URL"),
			domain.ProtocolHTTPS: os.Getenv("HTTPS_SCANNER_URL"),
			domain.ProtocolSSL:   os.Getenv("SSL_SCANNER_URL"),
		},
		ScanWorkers:      getenvInt("SCAN_WORKERS", 2, &errs),
		JobTimeout:       getenvDuration("JOB_TIMEOUT", 20*time.Second, &errs),
		JobRetries:       getenvInt("JOB_RETRIES", 2, &errs),
		RetryBackoff:     getenvDuration("JOB_RETRY_BACKOFF", time.Second, &errs),
		ResultTTL:        getenvDuration("JOB_RESULT_TTL", 10*time.Minute, &errs),
		TokenTTL:         getenvDuration("SCAN_TOKEN_TTL", 0, &errs),
		ReconcileGrace:   getenvDuration("RECONCILE_GRACE", 30*time.Second, &errs),
		AutoscanSchedule: os.Getenv("AUTOSCAN_SCHEDULE"),
		AlertWebhookURL:  os.Getenv("ALERT_WEBHOOK_URL"),
		AlertRecipients:  getenvList("ALERT_RECIPIENTS"),
		CrliteCommand:    os.Getenv("CRLITE_COMMAND"),
	}
	for p, url := range cfg.ScannerURLs {
		if url == "" {
			delete(cfg.ScannerURLs, p)
		}
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = cfg.Policy().Lease()
	}

	if cfg.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL not set"))
	}
	if cfg.SigningSecret == "" {
		errs = append(errs, errors.New("SCAN_SIGNING_SECRET not set"))
	}
	if cfg.ScanWorkers < 1 {
		errs = append(errs, fmt.Errorf("SCAN_WORKERS must be positive, got %d", cfg.ScanWorkers))
	}
	if cfg.JobRetries < 0 || cfg.JobRetries > MaxJobRetries {
		errs = append(errs, fmt.Errorf("JOB_RETRIES must be between 0 and %d, got %d", MaxJobRetries, cfg.JobRetries))
	}
	if cfg.TokenTTL < cfg.JobTimeout {
		errs = append(errs, fmt.Errorf("SCAN_TOKEN_TTL %s is shorter than JOB_TIMEOUT %s", cfg.TokenTTL, cfg.JobTimeout))
	}
	return cfg, multierr.Combine(errs...)
}

// MaxJobRetries bounds JOB_RETRIES. The queue lease grows with 2^retries.
const MaxJobRetries = 10

// Policy is the queue policy the settings describe.
func (c Config) Policy() scanqueue.Policy {
	retries := c.JobRetries
	if retries < 0 {
		retries = 0
	}
	if retries > MaxJobRetries {
		retries = MaxJobRetries
	}
	return scanqueue.Policy{
		Workers:    c.ScanWorkers,
		Timeout:    c.JobTimeout,
		MaxRetries: uint64(retries),
		Backoff:    c.RetryBackoff,
		ResultTTL:  c.ResultTTL,
	}
}

func getenvInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	out, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return out
}

func getenvDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	out, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return out
}

// getenvList splits a comma separated value, dropping blanks.
func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
