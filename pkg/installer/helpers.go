package installer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/flotillahq/flotilla/pkg/types"
)

// pkgManagerFor maps an OS family to its package manager.
func pkgManagerFor(family string) (string, error) {
	switch family {
	case "debian", "ubuntu":
		return "apt", nil
	case "centos", "rhel", "rocky", "almalinux", "fedora", "amzn":
		return "yum", nil
	case "alpine":
		return "apk", nil
	default:
		return "", fmt.Errorf("unsupported OS family %q", family)
	}
}

// installCmd renders the non-interactive package install command for the
// host's package manager.
func installCmd(facts *types.HostFacts, packages ...string) (string, error) {
	mgr, err := pkgManagerFor(facts.OSFamily)
	if err != nil {
		return "", err
	}
	pkgs := strings.Join(packages, " ")
	switch mgr {
	case "apt":
		return "DEBIAN_FRONTEND=noninteractive apt-get update -qq && " +
			"DEBIAN_FRONTEND=noninteractive apt-get install -y -qq " + pkgs, nil
	case "yum":
		return "yum install -y -q " + pkgs, nil
	default:
		return "apk add --no-cache " + pkgs, nil
	}
}

// requireFacts is the shared applicability gate: facts must exist, the
// OS family must have a package manager, and the host must clear the
// minimum memory bar.
func requireFacts(facts *types.HostFacts, minMemGB float64) error {
	if facts == nil {
		return fmt.Errorf("host has no probed facts")
	}
	if _, err := pkgManagerFor(facts.OSFamily); err != nil {
		return err
	}
	if minMemGB > 0 && facts.MemoryGB > 0 && facts.MemoryGB < minMemGB {
		return fmt.Errorf("host has %.1f GB memory, need at least %.1f GB", facts.MemoryGB, minMemGB)
	}
	return nil
}

// extractVersion pulls the first semver-looking token out of a version
// banner, e.g. "Docker version 24.0.7, build afdd53b" -> "24.0.7".
var versionToken = regexp.MustCompile(`v?(\d+\.\d+(?:\.\d+)?)`)

func extractVersion(banner string) string {
	m := versionToken.FindStringSubmatch(banner)
	if m == nil {
		return ""
	}
	return m[1]
}

// versionCompatible reports whether detected satisfies the minimum.
// Unparseable versions are treated as compatible: detection should not
// block an install over a banner format change.
func versionCompatible(detected, minimum string) bool {
	if detected == "" || minimum == "" {
		return true
	}
	v, err := semver.NewVersion(detected)
	if err != nil {
		return true
	}
	min, err := semver.NewVersion(minimum)
	if err != nil {
		return true
	}
	return !v.LessThan(min)
}
