package indieweb

import (
	"net/url"
	"strings"
)

// Link is a single parsed HTTP Link header entry.
type Link struct {
	URL    *url.URL
	Params map[string][]string
}

// GetHeaderLinks parses a set of HTTP Link header values of the form
// `<https://example.com/hub>; rel="hub"` into Links. Malformed entries are
// skipped.
func GetHeaderLinks(headers []string) []*Link {
	var links []*Link

	for _, header := range headers {
		for _, entry := range splitHeaderEntries(header) {
			if link := parseLinkEntry(entry); link != nil {
				links = append(links, link)
			}
		}
	}

	return links
}

// splitHeaderEntries splits a Link header on commas that separate entries,
// leaving commas inside <...> target URLs alone.
func splitHeaderEntries(header string) []string {
	var (
		entries  []string
		start    int
		inTarget bool
	)
	for i, c := range header {
		switch c {
		case '<':
			inTarget = true
		case '>':
			inTarget = false
		case ',':
			if !inTarget {
				entries = append(entries, header[start:i])
				start = i + 1
			}
		}
	}
	entries = append(entries, header[start:])
	return entries
}

func parseLinkEntry(entry string) *Link {
	parts := strings.Split(entry, ";")

	target := strings.TrimSpace(parts[0])
	if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
		return nil
	}

	u, err := url.Parse(strings.Trim(target, "<>"))
	if err != nil {
		return nil
	}

	link := &Link{URL: u, Params: make(map[string][]string)}
	for _, part := range parts[1:] {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		value := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		// rel can carry multiple space-separated values
		for _, v := range strings.Fields(value) {
			link.Params[key] = append(link.Params[key], v)
		}
	}

	return link
}

// FindHeaderLink returns the first link carrying the given rel, or nil.
func FindHeaderLink(links []*Link, rel string) *Link {
	for _, link := range links {
		for _, r := range link.Params["rel"] {
			if strings.EqualFold(r, rel) {
				return link
			}
		}
	}
	return nil
}
