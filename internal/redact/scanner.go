// Package redact scrubs personal data from free text before it is stored
// alongside consent and usage records.
package redact

import (
	"regexp"
	"sort"
	"strings"
)

// PatternType identifies the category of sensitive data.
type PatternType string

const (
	PatternEmail PatternType = "EMAIL"
	PatternPhone PatternType = "PHONE"
	PatternCred  PatternType = "CRED"
	PatternIP    PatternType = "IP"
)

// Match is a single occurrence of sensitive data in text.
type Match struct {
	Type  PatternType
	Value string
	Start int
	End   int
}

// Compiled patterns for sensitive data detection.
var (
	emailRe = regexp.MustCompile(`\b([a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,})\b`)

	// Phone numbers: optional +country code, then 8 or more digits with
	// common separators.
	phoneRe = regexp.MustCompile(`(\+?\d[\d \-()]{7,}\d)`)

	// Credentials: key=value pairs where key suggests a secret.
	credKVRe = regexp.MustCompile(`(?i)((?:password|passwd|secret|token|api_key|apikey|auth)[ \t]*[=:][ \t]*\S+)`)

	// IPv4 addresses (simple: 4 octets, no validation of range).
	ipv4Re = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`)
)

var safeIPs = map[string]bool{
	"127.0.0.1": true,
	"0.0.0.0":   true,
}

// Scan finds all sensitive patterns in text and returns deduplicated matches
// sorted by position (earliest first).
func Scan(text string) []Match {
	seen := make(map[string]bool)
	var matches []Match

	add := func(typ PatternType, value string, start int) {
		value = strings.TrimRight(value, ".,;:\"'`)}] ")
		if value == "" || seen[value] {
			return
		}
		seen[value] = true
		matches = append(matches, Match{Type: typ, Value: value, Start: start, End: start + len(value)})
	}

	// Credentials first so a secret value is not also split into a phone number.
	for _, loc := range credKVRe.FindAllStringIndex(text, -1) {
		add(PatternCred, text[loc[0]:loc[1]], loc[0])
	}
	for _, loc := range emailRe.FindAllStringIndex(text, -1) {
		add(PatternEmail, text[loc[0]:loc[1]], loc[0])
	}
	for _, loc := range ipv4Re.FindAllStringIndex(text, -1) {
		v := text[loc[0]:loc[1]]
		if !safeIPs[v] {
			add(PatternIP, v, loc[0])
		}
	}
	for _, loc := range phoneRe.FindAllStringIndex(text, -1) {
		if overlaps(matches, loc[0], loc[1]) {
			continue
		}
		add(PatternPhone, text[loc[0]:loc[1]], loc[0])
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Start < matches[j].Start
	})
	return matches
}

func overlaps(matches []Match, start, end int) bool {
	for _, m := range matches {
		if start < m.End && m.Start < end {
			return true
		}
	}
	return false
}
