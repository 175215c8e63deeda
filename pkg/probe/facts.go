package probe

import (
	"strconv"
	"strings"
)

// parseCores parses `nproc` output.
func parseCores(out string) int {
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// parseMemoryGB parses total memory in MB (from `free -m`) into GB.
func parseMemoryGB(out string) float64 {
	mb, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil || mb < 0 {
		return 0
	}
	return mb / 1024
}

// parseDiskGB parses the last line of `df -BG --output=avail /`,
// e.g. "  42G".
func parseDiskGB(out string) float64 {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0
	}
	val := strings.TrimSuffix(fields[len(fields)-1], "G")
	gb, err := strconv.ParseFloat(val, 64)
	if err != nil || gb < 0 {
		return 0
	}
	return gb
}

// parseOSRelease extracts ID and VERSION_ID from /etc/os-release.
func parseOSRelease(out string) (family, version string) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "ID="); ok {
			family = strings.Trim(v, `"`)
		}
		if v, ok := strings.CutPrefix(line, "VERSION_ID="); ok {
			version = strings.Trim(v, `"`)
		}
	}
	return family, version
}
