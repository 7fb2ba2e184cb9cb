// Package version carries the build version and compares semantic versions
// for the agent minimum-version gate.
package version

import (
	"regexp"
	"strconv"
	"strings"
)

// Version and Commit are set at build time with -ldflags "-X".
var (
	Version = "dev"
	Commit  = "none"
)

// String is the version line printed by the CLI.
func String() string {
	return Version + " (" + Commit + ")"
}

var (
	prereleaseNumber = regexp.MustCompile(`(\d+)`)
	leadingDigits    = regexp.MustCompile(`^\d+`)
)

// CompareVersions compares two semantic versions
// Returns: -1 if v1 < v2, 0 if v1 == v2, 1 if v1 > v2
func CompareVersions(v1, v2 string) int {
	parts1 := parseVersion(normalizeVersion(v1))
	parts2 := parseVersion(normalizeVersion(v2))

	// Compare major, minor, patch
	for i := 0; i < 3; i++ {
		if parts1[i] < parts2[i] {
			return -1
		}
		if parts1[i] > parts2[i] {
			return 1
		}
	}

	// Compare prerelease (empty means stable, which is greater)
	pre1, pre2 := parts1[3], parts2[3]
	if pre1 == 0 && pre2 != 0 {
		return 1
	}
	if pre1 != 0 && pre2 == 0 {
		return -1
	}
	if pre1 < pre2 {
		return -1
	}
	if pre1 > pre2 {
		return 1
	}
	return 0
}

// normalizeVersion strips 'v' prefix and normalizes the version string
func normalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "v")
	v = strings.TrimPrefix(v, "V")
	return v
}

// parseVersion extracts major, minor, patch, and prerelease number
// Returns [major, minor, patch, prerelease]
func parseVersion(v string) [4]int {
	var result [4]int

	// Handle prerelease suffix (-alpha.1, -beta.2, -rc.3, etc.)
	prerelease := 0
	if idx := strings.Index(v, "-"); idx != -1 {
		prePart := v[idx+1:]
		v = v[:idx]

		if matches := prereleaseNumber.FindStringSubmatch(prePart); len(matches) > 1 {
			prerelease, _ = strconv.Atoi(matches[1])
		}

		preLower := strings.ToLower(prePart)
		switch {
		case strings.HasPrefix(preLower, "alpha"):
			prerelease += 1000 // alpha.1 = 1001
		case strings.HasPrefix(preLower, "beta"):
			prerelease += 2000 // beta.1 = 2001
		case strings.HasPrefix(preLower, "rc"):
			prerelease += 3000 // rc.1 = 3001
		default:
			prerelease += 500 // unknown prerelease
		}
	}
	result[3] = prerelease

	parts := strings.Split(v, ".")
	for i := 0; i < len(parts) && i < 3; i++ {
		if num, err := strconv.Atoi(leadingDigits.FindString(parts[i])); err == nil {
			result[i] = num
		}
	}
	return result
}

// MeetsMinimum reports whether an agent reporting v may connect when
// minimum is required. An empty minimum admits everything; an agent that
// reports no version is then rejected.
func MeetsMinimum(v, minimum string) bool {
	if strings.TrimSpace(minimum) == "" {
		return true
	}
	if strings.TrimSpace(v) == "" {
		return false
	}
	return CompareVersions(v, minimum) >= 0
}
