package semver

import "strings"

// Compare returns -1, 0 or 1 depending on whether a orders before, equal to,
// or after b. A version with a prerelease orders before the same release
// version; prereleases of the same release compare byte-wise. Build metadata
// never participates.
func Compare(a, b Version) int {
	if c := cmpUint(a.Major, b.Major); c != 0 {
		return c
	}
	if c := cmpUint(a.Minor, b.Minor); c != 0 {
		return c
	}
	if c := cmpUint(a.Patch, b.Patch); c != 0 {
		return c
	}

	switch {
	case a.Prerelease == "" && b.Prerelease == "":
		return 0
	case a.Prerelease == "":
		return 1
	case b.Prerelease == "":
		return -1
	}
	return strings.Compare(a.Prerelease, b.Prerelease)
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Compare is the method form of Compare.
func (v Version) Compare(o Version) int {
	return Compare(v, o)
}

func (v Version) LessThan(o Version) bool {
	return Compare(v, o) < 0
}

func (v Version) LessThanOrEqual(o Version) bool {
	return Compare(v, o) <= 0
}

func (v Version) GreaterThan(o Version) bool {
	return Compare(v, o) > 0
}

func (v Version) GreaterThanOrEqual(o Version) bool {
	return Compare(v, o) >= 0
}

// Equal reports ordering equality; build metadata is ignored.
func (v Version) Equal(o Version) bool {
	return Compare(v, o) == 0
}

func (v Version) NotEqual(o Version) bool {
	return Compare(v, o) != 0
}
