// Package health tracks the condition of the updater's collaborators (the
// update API, download cache, backup store, state database and mirror) so
// the status endpoint can report them.
package health

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/breeze-rmm/updater/internal/logging"
)

var log = logging.L("health")

// Status is a component's condition. Statuses are ordered from best to
// worst; Unknown ranks worst because nothing has vouched for the component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

var severity = []Status{Healthy, Degraded, Unhealthy, Unknown}

func (s Status) rank() int {
	return slices.Index(severity, s)
}

// IsValid reports whether s is one of the defined statuses.
func (s Status) IsValid() bool {
	return s.rank() >= 0
}

// Components reported by the updater.
const (
	ComponentAPI       = "api"
	ComponentDownloads = "downloads"
	ComponentBackups   = "backups"
	ComponentMirror    = "backup_mirror"
	ComponentInstaller = "installer"
	ComponentState     = "state"
)

// Check stores the latest health result for a named component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Monitor holds the latest Check per component.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
}

func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]Check)}
}

// Update records a component's status. An undefined status is stored as
// Unhealthy. Transitions into and out of Healthy are logged.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		log.Warn("undefined health status stored as unhealthy", "component", name, "status", string(status))
		status = Unhealthy
	}

	m.mu.Lock()
	prev, seen := m.checks[name]
	m.checks[name] = Check{Name: name, Status: status, Message: message, UpdatedAt: time.Now()}
	m.mu.Unlock()

	switch {
	case seen && prev.Status == status:
	case status != Healthy:
		log.Warn("component not healthy", "component", name, "status", string(status), "message", message)
	case seen:
		log.Info("component recovered", "component", name, "was", string(prev.Status))
	}
}

// Report marks name Healthy when err is nil and Degraded otherwise.
func (m *Monitor) Report(name string, err error) {
	if err != nil {
		m.Update(name, Degraded, err.Error())
		return
	}
	m.Update(name, Healthy, "")
}

func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall is the worst reported status, or Unknown before any report.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if c.Status.rank() > worst.rank() {
			worst = c.Status
		}
	}
	return worst
}

// All returns a copy of the checks ordered by component name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	out := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		out = append(out, c)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Check) int { return cmp.Compare(a.Name, b.Name) })
	return out
}
