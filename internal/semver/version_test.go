package semver

import (
	"errors"
	"sort"
	"testing"
)

func TestParseValid(t *testing.T) {
	tests := []struct {
		in   string
		want Version
		str  string
	}{
		{"1.2.3", Version{Major: 1, Minor: 2, Patch: 3}, "1.2.3"},
		{"v5.0.1", Version{Major: 5, Minor: 0, Patch: 1}, "5.0.1"},
		{"0.0.0", Version{}, "0.0.0"},
		{"1.0.0-alpha", Version{Major: 1, Prerelease: "alpha"}, "1.0.0-alpha"},
		{"1.0.0-rc.1+build.7", Version{Major: 1, Prerelease: "rc.1", Build: "build.7"}, "1.0.0-rc.1+build.7"},
		{"2.1.0+sha-abc123", Version{Major: 2, Minor: 1, Build: "sha-abc123"}, "2.1.0+sha-abc123"},
		{" 3.4.5 ", Version{Major: 3, Minor: 4, Patch: 5}, "3.4.5"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
			if got.String() != tt.str {
				t.Fatalf("String() = %q, want %q", got.String(), tt.str)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	inputs := []string{
		"",
		"1",
		"1.2",
		"1.2.3.4",
		"1.2.",
		".1.2",
		"a.b.c",
		"1.-2.3",
		"1.2.3-",
		"1.2.3+",
		"1.2.3-alpha.",
		"1.2.3-al pha",
		"01.2.3",
		"1.2.3-+build",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			if err == nil {
				t.Fatalf("Parse(%q) should fail", in)
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("Parse(%q) error type = %T, want *ParseError", in, err)
			}
			if _, ok := TryParse(in); ok {
				t.Fatalf("TryParse(%q) should report false", in)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	versions := []Version{
		{},
		{Major: 10, Minor: 20, Patch: 30},
		{Major: 1, Prerelease: "beta.2"},
		{Major: 4, Minor: 1, Patch: 9, Prerelease: "rc-1", Build: "20240101"},
		{Major: 7, Build: "x.y"},
	}
	for _, v := range versions {
		got, err := Parse(v.String())
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", v.String(), err)
		}
		if got != v {
			t.Fatalf("round trip %q: got %+v, want %+v", v.String(), got, v)
		}
	}
}

func TestPrereleaseOrdersBeforeRelease(t *testing.T) {
	if !MustParse("1.0.0-alpha").LessThan(MustParse("1.0.0")) {
		t.Fatal("1.0.0-alpha should order before 1.0.0")
	}
	if !MustParse("1.0.0").GreaterThan(MustParse("1.0.0-rc.9")) {
		t.Fatal("release should order after any of its prereleases")
	}
	if !MustParse("1.0.0-alpha").LessThan(MustParse("1.0.0-beta")) {
		t.Fatal("alpha should order before beta")
	}
}

func TestEqualityIgnoresBuildMetadata(t *testing.T) {
	a := MustParse("2.0.0+one")
	b := MustParse("2.0.0+two")
	if !a.Equal(b) || a.NotEqual(b) {
		t.Fatal("build metadata must not affect equality")
	}
	if Compare(a, b) != 0 {
		t.Fatalf("Compare = %d, want 0", Compare(a, b))
	}
}

func TestCompareOperators(t *testing.T) {
	lo, hi := MustParse("1.9.9"), MustParse("1.10.0")
	if !lo.LessThan(hi) || !lo.LessThanOrEqual(hi) || lo.GreaterThan(hi) || lo.GreaterThanOrEqual(hi) {
		t.Fatal("numeric minor comparison is wrong")
	}
	if !hi.LessThanOrEqual(hi) || !hi.GreaterThanOrEqual(hi) {
		t.Fatal("reflexive comparisons should hold")
	}
}

func TestCompareTransitiveAndAntisymmetric(t *testing.T) {
	raw := []string{
		"0.0.1", "0.1.0", "1.0.0-alpha", "1.0.0-alpha.1", "1.0.0-beta",
		"1.0.0-rc.1", "1.0.0", "1.0.1", "1.1.0-rc.1", "1.1.0", "2.0.0",
		"2.0.0+build", "10.0.0",
	}
	vs := make([]Version, len(raw))
	for i, r := range raw {
		vs[i] = MustParse(r)
	}

	for _, a := range vs {
		for _, b := range vs {
			if Compare(a, b) != -Compare(b, a) {
				t.Fatalf("antisymmetry violated for %s, %s", a, b)
			}
			for _, c := range vs {
				if Compare(a, b) < 0 && Compare(b, c) < 0 && Compare(a, c) >= 0 {
					t.Fatalf("transitivity violated for %s < %s < %s", a, b, c)
				}
			}
		}
	}

	shuffled := []Version{vs[5], vs[12], vs[0], vs[8], vs[2], vs[10], vs[1], vs[4], vs[9], vs[3], vs[6], vs[7]}
	sort.Slice(shuffled, func(i, j int) bool { return shuffled[i].LessThan(shuffled[j]) })
	for i := 1; i < len(shuffled); i++ {
		if shuffled[i-1].GreaterThan(shuffled[i]) {
			t.Fatalf("sort produced out-of-order pair %s, %s", shuffled[i-1], shuffled[i])
		}
	}
}

func TestTextMarshalling(t *testing.T) {
	var v Version
	if err := v.UnmarshalText([]byte("v3.2.1-rc.2")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	b, _ := v.MarshalText()
	if string(b) != "3.2.1-rc.2" {
		t.Fatalf("MarshalText = %q", b)
	}
	if err := v.UnmarshalText([]byte("garbage")); err == nil {
		t.Fatal("UnmarshalText should reject garbage")
	}
}
