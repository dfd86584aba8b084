package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigDefaultsValidate(t *testing.T) {
	assert := assert.New(t)

	config := NewConfig()
	assert.NoError(config.Validate())
	assert.Equal(config.URLForPath("/"), config.HubURL)
	assert.Contains(config.UserAgent(), "SuperDuperFeeder/")
}

func TestConfigDerivesStoreFromData(t *testing.T) {
	assert := assert.New(t)

	config := NewConfig()
	config.Data = "/var/lib/feeder"
	assert.NoError(config.Validate())
	assert.Equal("bitcask:///var/lib/feeder/feeder.db", config.Store)

	// An explicit store uri wins over the data directory.
	config = NewConfig()
	config.Data = "/var/lib/feeder"
	config.Store = "bitcask://elsewhere.db"
	assert.NoError(config.Validate())
	assert.Equal("bitcask://elsewhere.db", config.Store)
}

func TestConfigRejectsBadSchedule(t *testing.T) {
	assert := assert.New(t)

	config := NewConfig()
	config.PollSchedule = "every now and then"
	assert.Error(config.Validate())
}

func TestConfigClampsPollingInterval(t *testing.T) {
	assert := assert.New(t)

	config := NewConfig()
	config.MinPollingIntervalMinutes = 30
	config.DefaultPollingIntervalMinutes = 5
	assert.NoError(config.Validate())
	assert.Equal(30, config.DefaultPollingIntervalMinutes)

	config = NewConfig()
	config.MinPollingIntervalMinutes = 0
	assert.Error(config.Validate())
}

func TestConfigRejectsBadLease(t *testing.T) {
	assert := assert.New(t)

	config := NewConfig()
	config.DefaultLeaseSeconds = config.MaxLeaseSeconds + 1
	assert.Error(config.Validate())
}

func TestURLForPath(t *testing.T) {
	assert := assert.New(t)

	config := NewConfig()
	config.BaseURL = "https://feeder.example/"
	assert.NoError(config.Validate())
	assert.Equal("https://feeder.example/callback/abc", config.URLForPath("/callback/abc"))
}

func TestValidateHTTPURL(t *testing.T) {
	assert := assert.New(t)

	assert.NoError(ValidateHTTPURL("https://example.com/feed.xml"))
	assert.NoError(ValidateHTTPURL("http://127.0.0.1:8080/"))
	assert.Error(ValidateHTTPURL("ftp://example.com/feed.xml"))
	assert.Error(ValidateHTTPURL("/relative/path"))
	assert.Error(ValidateHTTPURL("not a url"))
}

func TestNormalizeURL(t *testing.T) {
	assert := assert.New(t)

	norm, err := NormalizeURL("HTTPS://Example.COM/feed.xml")
	assert.NoError(err)
	assert.Equal("https://example.com/feed.xml", norm)
}
