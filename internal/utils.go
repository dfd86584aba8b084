package internal

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/goware/urlx"
)

// GenerateRandomToken generates a random token
func GenerateRandomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NormalizeURL normalizes a URL into a canonical form suitable for use as a
// topic or feed key.
func NormalizeURL(uri string) (string, error) {
	norm, err := urlx.NormalizeString(uri)
	if err != nil {
		return "", fmt.Errorf("error normalizing url %q: %w", uri, err)
	}
	return norm, nil
}

// ValidateHTTPURL checks that the given string is an absolute http or https
// URL with a host.
func ValidateHTTPURL(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("error parsing url %q: %w", uri, err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("error: url %q must be absolute http(s)", uri)
	}
	if u.Host == "" {
		return fmt.Errorf("error: url %q has no host", uri)
	}
	return nil
}
