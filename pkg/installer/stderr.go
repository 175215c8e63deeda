package installer

import (
	"regexp"
	"strings"
)

// harmlessRule is one allowlist entry. A rule matches when every
// non-empty stderr line matches its pattern, or when the whole output
// contains the pattern as a known benign phrase.
type harmlessRule struct {
	name    string
	pattern *regexp.Regexp
}

// harmlessRules is the published allowlist of stderr output that is
// classified as informational rather than as a failure. The rules are
// exported for tests via Harmless.
var harmlessRules = []harmlessRule{
	{
		name:    "debconf-noninteractive",
		pattern: regexp.MustCompile(`(?i)debconf: (delaying package configuration|unable to initialize frontend|falling back to frontend)`),
	},
	{
		name:    "apt-cli-warning",
		pattern: regexp.MustCompile(`(?i)apt(-get)? does not have a stable CLI interface`),
	},
	{
		name:    "init-absent-in-container",
		pattern: regexp.MustCompile(`(?i)(System has not been booted with systemd|Failed to connect to bus|Running in chroot, ignoring)`),
	},
	{
		name:    "already-exists",
		pattern: regexp.MustCompile(`(?i)already exists`),
	},
	{
		name:    "service-already-enabled",
		pattern: regexp.MustCompile(`(?i)(Synchronizing state of|Created symlink|Executing: /usr/lib/systemd)`),
	},
	{
		name:    "perl-locale",
		pattern: regexp.MustCompile(`(?i)perl: warning: (Setting locale failed|Falling back to)`),
	},
}

// Harmless reports whether stderr output matches the allowlist of
// benign patterns. Empty output is trivially harmless.
func Harmless(stderr string) bool {
	lines := nonEmptyLines(stderr)
	if len(lines) == 0 {
		return true
	}
	for _, line := range lines {
		if !harmlessLine(line) {
			return false
		}
	}
	return true
}

func harmlessLine(line string) bool {
	for _, rule := range harmlessRules {
		if rule.pattern.MatchString(line) {
			return true
		}
	}
	return false
}

func nonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
