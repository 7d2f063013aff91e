// Package semver parses and orders agent release versions of the form
// major.minor.patch[-prerelease][+build].
package semver

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is an immutable semantic version. The zero value is 0.0.0.
type Version struct {
	Major      uint64
	Minor      uint64
	Patch      uint64
	Prerelease string
	Build      string
}

// ParseError reports a malformed version string.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid version %q: %s", e.Input, e.Reason)
}

// MustParse is like Parse but panics on malformed input. Intended for
// constants and tests.
func MustParse(text string) Version {
	v, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return v
}

// TryParse is the non-failing variant of Parse.
func TryParse(text string) (Version, bool) {
	v, err := Parse(text)
	if err != nil {
		return Version{}, false
	}
	return v, true
}

// Parse parses text as a semantic version. A single leading "v" is accepted
// and dropped from the normalized form.
func Parse(text string) (Version, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return Version{}, &ParseError{Input: text, Reason: "empty string"}
	}
	if s[0] == 'v' || s[0] == 'V' {
		s = s[1:]
	}

	var v Version

	if i := strings.IndexByte(s, '+'); i >= 0 {
		v.Build = s[i+1:]
		s = s[:i]
		if v.Build == "" {
			return Version{}, &ParseError{Input: text, Reason: "empty build metadata after '+'"}
		}
		if err := checkIdentifiers(v.Build); err != "" {
			return Version{}, &ParseError{Input: text, Reason: "build metadata " + err}
		}
	}

	if i := strings.IndexByte(s, '-'); i >= 0 {
		v.Prerelease = s[i+1:]
		s = s[:i]
		if v.Prerelease == "" {
			return Version{}, &ParseError{Input: text, Reason: "empty prerelease after '-'"}
		}
		if err := checkIdentifiers(v.Prerelease); err != "" {
			return Version{}, &ParseError{Input: text, Reason: "prerelease " + err}
		}
	}

	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, &ParseError{Input: text, Reason: fmt.Sprintf("expected major.minor.patch, got %d component(s)", len(parts))}
	}

	nums := [3]*uint64{&v.Major, &v.Minor, &v.Patch}
	names := [3]string{"major", "minor", "patch"}
	for i, p := range parts {
		n, reason := parseComponent(p)
		if reason != "" {
			return Version{}, &ParseError{Input: text, Reason: names[i] + " " + reason}
		}
		*nums[i] = n
	}

	return v, nil
}

func parseComponent(p string) (uint64, string) {
	if p == "" {
		return 0, "is missing"
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return 0, fmt.Sprintf("%q is not a non-negative integer", p)
		}
	}
	if len(p) > 1 && p[0] == '0' {
		return 0, fmt.Sprintf("%q has a leading zero", p)
	}
	n, err := strconv.ParseUint(p, 10, 64)
	if err != nil {
		return 0, fmt.Sprintf("%q is out of range", p)
	}
	return n, ""
}

// checkIdentifiers validates a dot-separated identifier list and returns a
// reason string on failure.
func checkIdentifiers(s string) string {
	for _, ident := range strings.Split(s, ".") {
		if ident == "" {
			return "contains an empty identifier"
		}
		for _, r := range ident {
			switch {
			case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-':
			default:
				return fmt.Sprintf("contains invalid character %q", r)
			}
		}
	}
	return ""
}

// String returns the normalized textual form.
func (v Version) String() string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(v.Major, 10))
	b.WriteByte('.')
	b.WriteString(strconv.FormatUint(v.Minor, 10))
	b.WriteByte('.')
	b.WriteString(strconv.FormatUint(v.Patch, 10))
	if v.Prerelease != "" {
		b.WriteByte('-')
		b.WriteString(v.Prerelease)
	}
	if v.Build != "" {
		b.WriteByte('+')
		b.WriteString(v.Build)
	}
	return b.String()
}

// IsPrerelease reports whether v carries a prerelease identifier.
func (v Version) IsPrerelease() bool {
	return v.Prerelease != ""
}

// IsZero reports whether v is the zero value.
func (v Version) IsZero() bool {
	return v == Version{}
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
