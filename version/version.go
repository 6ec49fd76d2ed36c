// Package version parses the package versions recorded in nuspec files.
//
// Both SemVer 2.0 versions (Major.Minor.Patch[-Prerelease][+Metadata]) and
// legacy four part versions (Major.Minor.Build.Revision) are accepted.
// String returns the normalized form used in package identities:
//
//	v, _ := version.Parse("1.01")
//	fmt.Println(v) // 1.1.0
package version

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// NuGetVersion is a parsed package version.
type NuGetVersion struct {
	Major    int
	Minor    int
	Patch    int
	Revision int

	// IsLegacyVersion is set for four part versions.
	IsLegacyVersion bool

	// ReleaseLabels holds the dot separated prerelease labels.
	ReleaseLabels []string

	// Metadata is build metadata; it never affects ordering.
	Metadata string
}

// Parse parses s. One to four numeric parts are accepted; missing parts are zero.
func Parse(s string) (*NuGetVersion, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("version string cannot be empty")
	}

	v := &NuGetVersion{}
	rest, metadata, hasMetadata := strings.Cut(s, "+")
	if hasMetadata {
		if !validLabel(metadata, true) {
			return nil, fmt.Errorf("invalid build metadata in %q", s)
		}
		v.Metadata = metadata
	}
	numbers, prerelease, hasPrerelease := strings.Cut(rest, "-")
	if hasPrerelease {
		v.ReleaseLabels = strings.Split(prerelease, ".")
		for _, label := range v.ReleaseLabels {
			if !validLabel(label, false) {
				return nil, fmt.Errorf("invalid prerelease label %q in %q", label, s)
			}
		}
	}

	parts := strings.Split(numbers, ".")
	if len(parts) > 4 {
		return nil, fmt.Errorf("invalid version format: %q", s)
	}
	fields := []*int{&v.Major, &v.Minor, &v.Patch, &v.Revision}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid version part %q in %q", p, s)
		}
		*fields[i] = n
	}
	v.IsLegacyVersion = len(parts) == 4 && v.Revision != 0
	return v, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) *NuGetVersion {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// validLabel reports whether s is a non-empty run of [0-9A-Za-z-]. Metadata
// may contain dots.
func validLabel(s string, dots bool) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-':
		case r == '.' && dots:
		default:
			return false
		}
	}
	return true
}

// String returns the normalized version: leading zeros dropped, three
// numeric parts unless the revision is set, metadata kept.
func (v *NuGetVersion) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.IsLegacyVersion {
		fmt.Fprintf(&b, ".%d", v.Revision)
	}
	if len(v.ReleaseLabels) > 0 {
		b.WriteString("-")
		b.WriteString(strings.Join(v.ReleaseLabels, "."))
	}
	if v.Metadata != "" {
		b.WriteString("+")
		b.WriteString(v.Metadata)
	}
	return b.String()
}

// IsPrerelease reports whether the version has release labels.
func (v *NuGetVersion) IsPrerelease() bool {
	return len(v.ReleaseLabels) > 0
}

// Compare orders versions; labels compare numerically when both are
// numbers and case-insensitively otherwise. Metadata is ignored.
func (v *NuGetVersion) Compare(other *NuGetVersion) int {
	if c := cmp.Compare(v.Major, other.Major); c != 0 {
		return c
	}
	if c := cmp.Compare(v.Minor, other.Minor); c != 0 {
		return c
	}
	if c := cmp.Compare(v.Patch, other.Patch); c != 0 {
		return c
	}
	if c := cmp.Compare(v.Revision, other.Revision); c != 0 {
		return c
	}

	switch {
	case !v.IsPrerelease() && !other.IsPrerelease():
		return 0
	case !v.IsPrerelease():
		return 1
	case !other.IsPrerelease():
		return -1
	}
	for i := 0; i < len(v.ReleaseLabels) && i < len(other.ReleaseLabels); i++ {
		if c := compareLabel(v.ReleaseLabels[i], other.ReleaseLabels[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(v.ReleaseLabels), len(other.ReleaseLabels))
}

func compareLabel(a, b string) int {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	switch {
	case errA == nil && errB == nil:
		return cmp.Compare(na, nb)
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return cmp.Compare(strings.ToLower(a), strings.ToLower(b))
}
