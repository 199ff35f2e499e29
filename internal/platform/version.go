package platform

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a major.minor.patch triple. The zero value is the "unknown"
// sentinel and prints as 0.0.0.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ZeroVersion is reported whenever a probe cannot read version metadata.
var ZeroVersion = Version{}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func (v Version) IsZero() bool {
	return v == ZeroVersion
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return sign(v.Major - o.Major)
	case v.Minor != o.Minor:
		return sign(v.Minor - o.Minor)
	default:
		return sign(v.Patch - o.Patch)
	}
}

func (v Version) AtLeast(o Version) bool {
	return v.Compare(o) >= 0
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

// ParseVersion reads up to three leading dot-separated numbers from s and
// ignores whatever follows ("3.0.2-fips", "14.4.1 (23E224)", "8"). Input
// without a leading number yields ZeroVersion.
func ParseVersion(s string) Version {
	s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"'`))
	s = strings.TrimPrefix(strings.TrimPrefix(s, "v"), "V")

	var parts [3]int
	for i := 0; i < 3; i++ {
		end := 0
		for end < len(s) && s[end] >= '0' && s[end] <= '9' {
			end++
		}
		if end == 0 {
			if i == 0 {
				return ZeroVersion
			}
			break
		}
		n, err := strconv.Atoi(s[:end])
		if err != nil {
			return ZeroVersion
		}
		parts[i] = n
		s = s[end:]
		if !strings.HasPrefix(s, ".") {
			break
		}
		s = s[1:]
	}
	return Version{Major: parts[0], Minor: parts[1], Patch: parts[2]}
}
