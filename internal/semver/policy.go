package semver

// Priority ranks how urgently a candidate release should be applied.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "none"
	}
}

// IsUpdateAvailable reports whether candidate is strictly newer than current.
// Prerelease candidates only qualify when includePrerelease is set.
func IsUpdateAvailable(current, candidate Version, includePrerelease bool) bool {
	if !candidate.GreaterThan(current) {
		return false
	}
	if candidate.IsPrerelease() && !includePrerelease {
		return false
	}
	return true
}

// IsUpdateRequired reports whether current has fallen below the minimum
// supported version. A nil minimum never requires an update.
func IsUpdateRequired(current, _ Version, minimum *Version) bool {
	if minimum == nil {
		return false
	}
	return current.LessThan(*minimum)
}

// GetUpdatePriority classifies the jump from current to candidate.
func GetUpdatePriority(current, candidate Version, minimum *Version) Priority {
	if !candidate.GreaterThan(current) {
		return PriorityNone
	}
	if IsUpdateRequired(current, candidate, minimum) {
		return PriorityCritical
	}
	switch {
	case candidate.Major > current.Major:
		return PriorityHigh
	case candidate.Major == current.Major && candidate.Minor > current.Minor:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
