package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidVersion is returned for version strings that are not dotted numbers.
var ErrInvalidVersion = errors.New("schema: invalid version")

// Version is a parsed major.minor.patch triple.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses "1", "1.2", "v1.2.3" or "1.2.3-rc1". Missing
// components default to zero; pre-release and build suffixes are ignored.
func ParseVersion(s string) (Version, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "v")
	if i := strings.IndexAny(raw, "-+"); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}

	parts := strings.Split(raw, ".")
	if len(parts) > 3 {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}

	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// migrationVersion matches semantic prefixes such as "1.4.0_add_index" or
// "v2.1-rename". Plain sequence numbers like "0003_" do not match.
var migrationVersion = regexp.MustCompile(`^v?(\d+\.\d+(?:\.\d+)?)[_\-]`)

// VersionFromMigrations derives a version from the latest applied migration
// name, falling back to 1.<count>.0 when names carry no semantic prefix.
func VersionFromMigrations(names []string) (version, latest string, ok bool) {
	if len(names) == 0 {
		return "", "", false
	}
	latest = names[len(names)-1]
	if m := migrationVersion.FindStringSubmatch(latest); m != nil {
		if v, err := ParseVersion(m[1]); err == nil {
			return v.String(), latest, true
		}
	}
	return fmt.Sprintf("1.%d.0", len(names)), latest, true
}
