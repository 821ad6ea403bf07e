package safeurl

import (
	"net/url"
	"strings"
)

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
// Used to reject file://, ftp://, and other schemes in configured endpoints.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := parsed.Scheme
	return (s == "http" || s == "https") && parsed.Host != ""
}

// Origin returns scheme://host of u, or "" when u is not an http(s) URL.
func Origin(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || !IsHTTPOrHTTPS(u) {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}

// Join appends path to base with exactly one slash between them.
func Join(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
