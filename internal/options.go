package internal

import "time"

const (
	// DefaultDebug is the default debug mode
	DefaultDebug = false

	// DefaultData is the default data directory for storage
	DefaultData = "./data"

	// DefaultStore is the default data store uri; empty means a bitcask
	// store inside the data directory
	DefaultStore = ""

	// DefaultBaseURL is the default base url of the instance
	DefaultBaseURL = "http://0.0.0.0:8080"

	// DefaultLeaseSeconds is the lease granted when a subscriber asks for none
	DefaultLeaseSeconds = 86400

	// DefaultMaxLeaseSeconds is the longest lease a subscriber may request
	DefaultMaxLeaseSeconds = 2592000

	// DefaultPollingIntervalMinutes is the polling cadence for new feeds
	DefaultPollingIntervalMinutes = 60

	// DefaultMinPollingIntervalMinutes is the floor on per-feed polling cadence
	DefaultMinPollingIntervalMinutes = 15

	// DefaultWebhookTimeout is the timeout for verification and delivery requests
	DefaultWebhookTimeout = 10 * time.Second

	// DefaultWebhookRetries is the number of retries for user callback relays
	DefaultWebhookRetries = 3

	// DefaultFetchTimeout is the timeout for feed fetches
	DefaultFetchTimeout = 30 * time.Second

	// DefaultQueueWorkers is the number of queue dispatch workers
	DefaultQueueWorkers = 4

	// DefaultPollSchedule is the cadence of the polling tick
	DefaultPollSchedule = "@every 1m"

	// DefaultRenewSchedule is the cadence of renewal and verification sweeps
	DefaultRenewSchedule = "@every 10m"

	// DefaultSweepSchedule is the cadence of the expired subscription sweep
	DefaultSweepSchedule = "@every 1h"

	// DefaultRenewalWindow is how far ahead of expiry leases are renewed
	DefaultRenewalWindow = time.Hour

	// DefaultVerificationWindow is how long a pending verification token lives
	DefaultVerificationWindow = 15 * time.Minute

	// DefaultSubscriptionGrace is how long expired subscriptions linger
	DefaultSubscriptionGrace = 24 * time.Hour

	// DefaultUserCallbackTokenTTL is how long a user callback token lives
	DefaultUserCallbackTokenTTL = 24 * time.Hour
)

// Option is a function that takes a config struct and modifies it
type Option func(*Config) error

// NewConfig ...
func NewConfig() *Config {
	return &Config{
		Debug: DefaultDebug,

		Data:  DefaultData,
		Store: DefaultStore,

		BaseURL: DefaultBaseURL,

		DefaultLeaseSeconds: DefaultLeaseSeconds,
		MaxLeaseSeconds:     DefaultMaxLeaseSeconds,

		DefaultPollingIntervalMinutes: DefaultPollingIntervalMinutes,
		MinPollingIntervalMinutes:     DefaultMinPollingIntervalMinutes,

		WebhookTimeout: DefaultWebhookTimeout,
		WebhookRetries: DefaultWebhookRetries,
		FetchTimeout:   DefaultFetchTimeout,

		QueueWorkers: DefaultQueueWorkers,

		PollSchedule:  DefaultPollSchedule,
		RenewSchedule: DefaultRenewSchedule,
		SweepSchedule: DefaultSweepSchedule,

		RenewalWindow:        DefaultRenewalWindow,
		VerificationWindow:   DefaultVerificationWindow,
		SubscriptionGrace:    DefaultSubscriptionGrace,
		UserCallbackTokenTTL: DefaultUserCallbackTokenTTL,
	}
}

// WithDebug sets the debug mode lfag
func WithDebug(debug bool) Option {
	return func(cfg *Config) error {
		cfg.Debug = debug
		return nil
	}
}

// WithData sets the data directory to use for storage
func WithData(data string) Option {
	return func(cfg *Config) error {
		cfg.Data = data
		return nil
	}
}

// WithStore sets the store to use for accounts, sessions, etc.
func WithStore(store string) Option {
	return func(cfg *Config) error {
		cfg.Store = store
		return nil
	}
}

// WithBaseURL sets the Base URL used for constructing callback URLs
func WithBaseURL(baseURL string) Option {
	return func(cfg *Config) error {
		cfg.BaseURL = baseURL
		return nil
	}
}

// WithHubURL sets the hub URL advertised in Link headers
func WithHubURL(hubURL string) Option {
	return func(cfg *Config) error {
		cfg.HubURL = hubURL
		return nil
	}
}

// WithDefaultLeaseSeconds sets the lease granted when none is requested
func WithDefaultLeaseSeconds(seconds int) Option {
	return func(cfg *Config) error {
		cfg.DefaultLeaseSeconds = seconds
		return nil
	}
}

// WithMaxLeaseSeconds sets the longest lease a subscriber may request
func WithMaxLeaseSeconds(seconds int) Option {
	return func(cfg *Config) error {
		cfg.MaxLeaseSeconds = seconds
		return nil
	}
}

// WithDefaultPollingInterval sets the polling cadence for new feeds
func WithDefaultPollingInterval(minutes int) Option {
	return func(cfg *Config) error {
		cfg.DefaultPollingIntervalMinutes = minutes
		return nil
	}
}

// WithMinPollingInterval sets the floor on per-feed polling cadence
func WithMinPollingInterval(minutes int) Option {
	return func(cfg *Config) error {
		cfg.MinPollingIntervalMinutes = minutes
		return nil
	}
}

// WithWebhookTimeout sets the timeout for verification and delivery requests
func WithWebhookTimeout(timeout time.Duration) Option {
	return func(cfg *Config) error {
		cfg.WebhookTimeout = timeout
		return nil
	}
}

// WithWebhookRetries sets the number of retries for user callback relays
func WithWebhookRetries(retries int) Option {
	return func(cfg *Config) error {
		cfg.WebhookRetries = retries
		return nil
	}
}

// WithFetchTimeout sets the timeout for feed fetches
func WithFetchTimeout(timeout time.Duration) Option {
	return func(cfg *Config) error {
		cfg.FetchTimeout = timeout
		return nil
	}
}

// WithQueueWorkers sets the number of queue dispatch workers
func WithQueueWorkers(workers int) Option {
	return func(cfg *Config) error {
		cfg.QueueWorkers = workers
		return nil
	}
}

// WithPollSchedule sets the cadence of the polling tick
func WithPollSchedule(schedule string) Option {
	return func(cfg *Config) error {
		cfg.PollSchedule = schedule
		return nil
	}
}

// WithRenewSchedule sets the cadence of renewal and verification sweeps
func WithRenewSchedule(schedule string) Option {
	return func(cfg *Config) error {
		cfg.RenewSchedule = schedule
		return nil
	}
}

// WithSweepSchedule sets the cadence of the expired subscription sweep
func WithSweepSchedule(schedule string) Option {
	return func(cfg *Config) error {
		cfg.SweepSchedule = schedule
		return nil
	}
}
