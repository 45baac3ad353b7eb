// Package config loads and validates process configuration from the
// environment. All variables share the ATTESTD_ prefix. The signing and
// envelope keys are optional: their absence puts the service in read-only
// degraded mode instead of refusing to start.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/trufnetwork/attestd/internal/types"
)

// Config is the full process configuration.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string `env:"ATTESTD_LISTEN" envDefault:":8484"`

	// PostgresDSN is the connection string for the backing store.
	PostgresDSN string `env:"ATTESTD_PG_DSN,required"`

	// SigningKey is the hex-encoded secp256k1 scalar. Empty disables issuance.
	SigningKey string `env:"ATTESTD_SIGNING_KEY"`

	// EnvelopeKey is the hex-encoded 32-byte AES key. Empty disables issuance.
	EnvelopeKey string `env:"ATTESTD_ENVELOPE_KEY"`

	// Ledger settings. All three of RPC, contract, and key must be set
	// together; a fully unset group runs the batcher without anchoring.
	LedgerRPC      string `env:"ATTESTD_LEDGER_RPC"`
	LedgerContract string `env:"ATTESTD_LEDGER_CONTRACT"`
	LedgerKey      string `env:"ATTESTD_LEDGER_KEY"`
	LedgerChainID  int64  `env:"ATTESTD_LEDGER_CHAIN_ID" envDefault:"0"`

	// Batcher settings.
	BatchSchedule  string        `env:"ATTESTD_BATCH_SCHEDULE" envDefault:"*/5 * * * *"`
	BatchMaxLeaves int           `env:"ATTESTD_BATCH_MAX_LEAVES" envDefault:"500"`
	BatchTimeout   time.Duration `env:"ATTESTD_BATCH_TIMEOUT" envDefault:"2m"`

	// Rate limits applied per credential and per peer address.
	RateRPS   float64 `env:"ATTESTD_RATE_RPS" envDefault:"10"`
	RateBurst int     `env:"ATTESTD_RATE_BURST" envDefault:"20"`

	// VerifyBaseURL prefixes the verify_url returned on issuance.
	VerifyBaseURL string `env:"ATTESTD_VERIFY_BASE_URL" envDefault:"http://localhost:8484"`
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate applies the checks that env tags cannot express. Violations are
// configuration mistakes, so they fail startup rather than classify.
func (c Config) Validate() error {
	if err := ValidateCronSchedule(c.BatchSchedule); err != nil {
		return errors.Wrap(err, "ATTESTD_BATCH_SCHEDULE")
	}
	if c.BatchMaxLeaves < 1 || c.BatchMaxLeaves > types.MaxBatchLeaves {
		return errors.Errorf("ATTESTD_BATCH_MAX_LEAVES must be in [1,%d], got %d",
			types.MaxBatchLeaves, c.BatchMaxLeaves)
	}
	if c.BatchTimeout <= 0 {
		return errors.Errorf("ATTESTD_BATCH_TIMEOUT must be positive, got %s", c.BatchTimeout)
	}
	if c.RateRPS <= 0 {
		return errors.Errorf("ATTESTD_RATE_RPS must be positive, got %g", c.RateRPS)
	}
	if c.RateBurst < 1 {
		return errors.Errorf("ATTESTD_RATE_BURST must be at least 1, got %d", c.RateBurst)
	}
	if _, err := url.Parse(c.VerifyBaseURL); err != nil {
		return errors.Wrapf(err, "ATTESTD_VERIFY_BASE_URL %q", c.VerifyBaseURL)
	}
	if !strings.HasPrefix(c.VerifyBaseURL, "http://") && !strings.HasPrefix(c.VerifyBaseURL, "https://") {
		return errors.Errorf("ATTESTD_VERIFY_BASE_URL %q must be an http(s) URL", c.VerifyBaseURL)
	}

	set := 0
	for _, v := range []string{c.LedgerRPC, c.LedgerContract, c.LedgerKey} {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		return errors.New("ledger config is partial: set all of ATTESTD_LEDGER_RPC, ATTESTD_LEDGER_CONTRACT, ATTESTD_LEDGER_KEY or none")
	}
	if set == 3 && c.LedgerChainID <= 0 {
		return errors.New("ATTESTD_LEDGER_CHAIN_ID must be positive when the ledger is configured")
	}
	return nil
}

// IssuanceConfigured reports whether both secrets needed for issuing are
// present. Absence is the degraded read-only mode, not an error.
func (c Config) IssuanceConfigured() bool {
	return c.SigningKey != "" && c.EnvelopeKey != ""
}

// LedgerConfigured reports whether batches anchor to an external ledger.
func (c Config) LedgerConfigured() bool {
	return c.LedgerRPC != "" && c.LedgerContract != "" && c.LedgerKey != ""
}

// ValidateCronSchedule checks a 5-field cron expression with the same parser
// the batch scheduler uses, so validation and scheduling cannot disagree.
func ValidateCronSchedule(schedule string) error {
	if schedule == "" {
		return fmt.Errorf("cron schedule cannot be empty")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule '%s': %w", schedule, err)
	}
	return nil
}
