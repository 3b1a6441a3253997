package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

// Config adds service-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIAuthToken          string
	DatabaseURL           string
	RedisAddr             string
	TenantsFile           string
	AIBaseURL             string
	AIAuthToken           string
	TelemetryBaseURL      string
	CarrierBaseURL        string
	CarrierAccountSID     string
	CarrierAuthToken      string
	CarrierFromNumber     string
	CarrierCallbackURL    string
	MediaDir              string
	KafkaBrokers          string
	KafkaTopic            string
	SlackWebhookURL       string
	SweepMinutes          int
	PreloadWindowMinutes  int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIAuthToken, "api-auth-token", "", "bearer token guarding the API routes (empty = no auth)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory stores)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the tenant KV store (empty = in-memory)")
	fs.StringVar(&c.TenantsFile, "tenants-file", "", "path to the YAML tenant registry")
	fs.StringVar(&c.AIBaseURL, "ai-base-url", "", "base URL of the AI triage service")
	fs.StringVar(&c.AIAuthToken, "ai-auth-token", "", "bearer token for the AI triage service")
	fs.StringVar(&c.TelemetryBaseURL, "telemetry-base-url", "", "base URL of the vehicle telemetry provider")
	fs.StringVar(&c.CarrierBaseURL, "carrier-base-url", "", "messaging carrier base URL (empty = provider default)")
	fs.StringVar(&c.CarrierAccountSID, "carrier-account-sid", "", "messaging carrier account SID")
	fs.StringVar(&c.CarrierAuthToken, "carrier-auth-token", "", "messaging carrier auth token")
	fs.StringVar(&c.CarrierFromNumber, "carrier-from-number", "", "messaging carrier sender number")
	fs.StringVar(&c.CarrierCallbackURL, "carrier-callback-url", "", "public URL for carrier delivery callbacks")
	fs.StringVar(&c.MediaDir, "media-dir", "./media", "directory for persisted evidence media")
	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma-separated Kafka brokers for domain events (empty = disabled)")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", "vanguard.domain-events", "Kafka topic for domain events")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for ops incidents")
	fs.IntVar(&c.SweepMinutes, "sweep-minutes", 1, "interval between acknowledgement sweeps in minutes (1..60)")
	fs.IntVar(&c.PreloadWindowMinutes, "preload-window-minutes", 30, "telemetry context window in minutes (1..1440)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// The AI service and telemetry provider are the two upstreams triage
	// cannot run without
	if c.AIBaseURL == "" {
		errs = append(errs, errors.New("AI_BASE_URL is required"))
	}
	if c.TelemetryBaseURL == "" {
		errs = append(errs, errors.New("TELEMETRY_BASE_URL is required"))
	}

	if c.TenantsFile == "" {
		errs = append(errs, errors.New("TENANTS_FILE is required"))
	}

	// Carrier credentials are all-or-nothing
	carrierSet := c.CarrierAccountSID != "" || c.CarrierAuthToken != "" || c.CarrierFromNumber != ""
	carrierComplete := c.CarrierAccountSID != "" && c.CarrierAuthToken != "" && c.CarrierFromNumber != ""
	if carrierSet && !carrierComplete {
		errs = append(errs, errors.New("CARRIER_ACCOUNT_SID, CARRIER_AUTH_TOKEN and CARRIER_FROM_NUMBER must be set together"))
	}

	if c.SweepMinutes <= 0 || c.SweepMinutes > 60 {
		errs = append(errs, fmt.Errorf("invalid SWEEP_MINUTES %d (must be 1..60)", c.SweepMinutes))
	}
	if c.PreloadWindowMinutes <= 0 || c.PreloadWindowMinutes > 1440 {
		errs = append(errs, fmt.Errorf("invalid PRELOAD_WINDOW_MINUTES %d (must be 1..1440)", c.PreloadWindowMinutes))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// KafkaBrokerList splits the comma-separated broker flag. Empty input yields
// no brokers.
func (c *Config) KafkaBrokerList() []string {
	if c.KafkaBrokers == "" {
		return nil
	}
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
