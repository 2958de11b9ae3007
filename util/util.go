package util

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

//go:embed version.txt
var embeddedVersion string

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

// UserAgent returns the value sent on every outbound federation request.
func UserAgent(origin string) string {
	return fmt.Sprintf("%s %s; %s", Name, GetVersion(), origin)
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}

// HostnameFromURI extracts the host part of a URI, without port.
func HostnameFromURI(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

// IsIPLiteral reports whether host is a raw IPv4 or IPv6 address.
func IsIPLiteral(host string) bool {
	return net.ParseIP(strings.Trim(host, "[]")) != nil
}

// mentionRegex matches @user@host mentions in post source text.
var mentionRegex = regexp.MustCompile(`(?:^|\s)@([A-Za-z0-9_.\-]+)@([A-Za-z0-9.\-]+[A-Za-z0-9])`)

// hashtagRegex matches #hashtag tokens in post source text.
var hashtagRegex = regexp.MustCompile(`(?:^|\s)#(\w+)`)

type Mention struct {
	Username string
	Hostname string
}

// ParseMentions returns the unique @user@host mentions found in text, in
// order of first appearance.
func ParseMentions(text string) []Mention {
	matches := mentionRegex.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool)
	mentions := make([]Mention, 0, len(matches))
	for _, match := range matches {
		key := strings.ToLower(match[1] + "@" + match[2])
		if seen[key] {
			continue
		}
		seen[key] = true
		mentions = append(mentions, Mention{Username: match[1], Hostname: strings.ToLower(match[2])})
	}
	return mentions
}

// ParseHashtags returns the unique lowercased hashtags found in text, in
// order of first appearance.
func ParseHashtags(text string) []string {
	matches := hashtagRegex.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool)
	tags := make([]string, 0, len(matches))
	for _, match := range matches {
		tag := strings.ToLower(match[1])
		if seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return tags
}
