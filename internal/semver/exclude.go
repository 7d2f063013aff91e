package semver

import (
	"fmt"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// ExclusionList holds operator-configured versions that must never be
// offered as updates. Entries are either exact versions ("5.1.0") or
// constraint expressions ("~> 5.2", ">= 6.0.0, < 6.1.0").
type ExclusionList struct {
	exact       []Version
	constraints []goversion.Constraints
}

// NewExclusionList parses entries; the first malformed entry aborts.
func NewExclusionList(entries []string) (*ExclusionList, error) {
	l := &ExclusionList{}
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if v, ok := TryParse(entry); ok {
			l.exact = append(l.exact, v)
			continue
		}
		c, err := goversion.NewConstraint(entry)
		if err != nil {
			return nil, fmt.Errorf("excluded version %q is neither a version nor a constraint: %w", entry, err)
		}
		l.constraints = append(l.constraints, c)
	}
	return l, nil
}

// Len returns the number of configured entries.
func (l *ExclusionList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.exact) + len(l.constraints)
}

// Matches reports whether v is excluded. Safe on a nil receiver.
func (l *ExclusionList) Matches(v Version) bool {
	if l == nil {
		return false
	}
	for _, e := range l.exact {
		if e.Equal(v) {
			return true
		}
	}
	if len(l.constraints) == 0 {
		return false
	}
	gv, err := goversion.NewSemver(v.String())
	if err != nil {
		return false
	}
	for _, c := range l.constraints {
		if c.Check(gv) {
			return true
		}
	}
	return false
}
