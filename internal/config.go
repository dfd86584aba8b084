package internal

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron"

	"github.com/superduperfeeder/feeder"
)

// Config contains the server configuration parameters
type Config struct {
	Debug bool

	Data  string
	Store string

	BaseURL string
	HubURL  string

	DefaultLeaseSeconds int
	MaxLeaseSeconds     int

	DefaultPollingIntervalMinutes int
	MinPollingIntervalMinutes     int

	WebhookTimeout time.Duration
	WebhookRetries int
	FetchTimeout   time.Duration

	QueueWorkers int

	PollSchedule  string
	RenewSchedule string
	SweepSchedule string

	RenewalWindow        time.Duration
	VerificationWindow   time.Duration
	SubscriptionGrace    time.Duration
	UserCallbackTokenTTL time.Duration
}

// UserAgent returns the User-Agent header sent on every outbound request.
func (c *Config) UserAgent() string {
	return fmt.Sprintf("SuperDuperFeeder/%s", feeder.FullVersion())
}

// URLForPath joins a path onto the configured base URL.
func (c *Config) URLForPath(path string) string {
	return strings.TrimSuffix(c.BaseURL, "/") + path
}

// Validate validates the configuration and fills in derived values.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("error parsing base url %q: %w", c.BaseURL, err)
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		c.BaseURL = u.String()
	}

	// The hub endpoint is the root of the base URL unless overridden.
	if c.HubURL == "" {
		c.HubURL = c.URLForPath("/")
	}

	// The store lives inside the data directory unless pointed elsewhere.
	if c.Store == "" {
		c.Store = fmt.Sprintf("bitcask://%s", filepath.Join(c.Data, "feeder.db"))
	}

	if c.MinPollingIntervalMinutes < 1 {
		return fmt.Errorf("error: min polling interval must be at least 1 minute")
	}
	if c.DefaultPollingIntervalMinutes < c.MinPollingIntervalMinutes {
		c.DefaultPollingIntervalMinutes = c.MinPollingIntervalMinutes
	}

	if c.DefaultLeaseSeconds < 1 || c.DefaultLeaseSeconds > c.MaxLeaseSeconds {
		return fmt.Errorf("error: default lease %d outside [1, %d]", c.DefaultLeaseSeconds, c.MaxLeaseSeconds)
	}

	for _, schedule := range []string{c.PollSchedule, c.RenewSchedule, c.SweepSchedule} {
		if _, err := cron.Parse(schedule); err != nil {
			return fmt.Errorf("error parsing schedule %q: %w", schedule, err)
		}
	}

	return nil
}
