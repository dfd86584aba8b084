package indieweb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeader(t *testing.T) {
	assert := assert.New(t)

	test := []string{`<https://hub.example.com/>; rel="hub"`}

	links := GetHeaderLinks(test)
	assert.Equal(1, len(links))
	assert.Equal(links[0].URL.String(), "https://hub.example.com/")
	assert.Equal(links[0].Params["rel"], []string{"hub"})
}

func TestHeaderMultipleEntries(t *testing.T) {
	assert := assert.New(t)

	test := []string{`<https://example.com/feed.xml>; rel="self", <https://hub.example.com/>; rel="hub"`}

	links := GetHeaderLinks(test)
	assert.Equal(2, len(links))

	self := FindHeaderLink(links, "self")
	assert.NotNil(self)
	assert.Equal("https://example.com/feed.xml", self.URL.String())

	hub := FindHeaderLink(links, "hub")
	assert.NotNil(hub)
	assert.Equal("https://hub.example.com/", hub.URL.String())
}

func TestHeaderMultipleRels(t *testing.T) {
	assert := assert.New(t)

	links := GetHeaderLinks([]string{`<https://example.com/>; rel="self canonical"`})
	assert.Equal(1, len(links))
	assert.Equal([]string{"self", "canonical"}, links[0].Params["rel"])
	assert.NotNil(FindHeaderLink(links, "canonical"))
}

func TestHeaderMalformedEntriesSkipped(t *testing.T) {
	assert := assert.New(t)

	links := GetHeaderLinks([]string{
		`rel="hub"`,
		`<https://hub.example.com/>; rel="hub"`,
		``,
	})
	assert.Equal(1, len(links))
	assert.Equal("https://hub.example.com/", links[0].URL.String())
}

func TestFindHeaderLinkCaseInsensitive(t *testing.T) {
	assert := assert.New(t)

	links := GetHeaderLinks([]string{`<https://hub.example.com/>; rel="HUB"`})
	assert.NotNil(FindHeaderLink(links, "hub"))
}
