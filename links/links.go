// Package links normalizes submitted post URLs and maps them to the
// platform they belong to.
package links

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// platformDomains is checked in order; the first platform with a
// matching domain substring wins. X stays last because t.co is a
// greedy substring.
var platformDomains = []struct {
	platform string
	domains  []string
}{
	{"reddit", []string{"reddit.com", "redd.it"}},
	{"instagram", []string{"instagram.com", "instagr.am"}},
	{"meta", []string{"facebook.com", "fb.com"}},
	{"tiktok", []string{"tiktok.com"}},
	{"youtube", []string{"youtube.com", "youtu.be"}},
	{"x", []string{"twitter.com", "x.com", "t.co"}},
}

// Clean strips query parameters, fragments, surrounding whitespace,
// and trailing slashes from a submitted URL.
func Clean(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("url cannot be empty")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid url format: %w", err)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), nil
}

// DetectPlatform returns the canonical platform name for a URL, or ""
// when no known domain matches.
func DetectPlatform(u string) string {
	if u == "" {
		return ""
	}
	lower := strings.ToLower(u)
	for _, entry := range platformDomains {
		for _, domain := range entry.domains {
			if strings.Contains(lower, domain) {
				return entry.platform
			}
		}
	}
	return ""
}

// ValidFormat reports whether the URL carries both a scheme and a host.
func ValidFormat(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	return parsed.Scheme != "" && parsed.Host != ""
}

// Process runs the full submission pipeline: clean, validate format,
// detect the platform, and check it against the platform the submitter
// claimed. An empty expectedPlatform skips the match check.
func Process(raw, expectedPlatform string) (cleanURL, detected string, err error) {
	cleanURL, err = Clean(raw)
	if err != nil {
		return "", "", err
	}
	if !ValidFormat(cleanURL) {
		return "", "", errors.New("url format is invalid")
	}
	detected = DetectPlatform(cleanURL)
	if detected == "" {
		return "", "", errors.New("could not detect platform from url")
	}
	if expectedPlatform != "" && !strings.EqualFold(detected, expectedPlatform) {
		return "", "", fmt.Errorf("url belongs to %s but expected %s", detected, strings.ToLower(expectedPlatform))
	}
	return cleanURL, detected, nil
}
