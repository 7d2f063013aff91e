package updater

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/breeze-rmm/updater/internal/release"
	"github.com/breeze-rmm/updater/internal/semver"
)

// State is the position of the update workflow.
type State string

const (
	StateNone              State = "None"
	StateCheckingForUpdate State = "CheckingForUpdate"
	StateUpdateAvailable   State = "UpdateAvailable"
	StateDownloading       State = "Downloading"
	StateDownloaded        State = "Downloaded"
	StateBackupInProgress  State = "BackupInProgress"
	StateBackupCompleted   State = "BackupCompleted"
	StateInstalling        State = "Installing"
	StateRestartRequired   State = "RestartRequired"
	StateRollingBack       State = "RollingBack"
	StateRolledBack        State = "RolledBack"
	StateFailed            State = "Failed"
)

// InProgress reports whether s is a transient state owned by a running
// workflow.
func (s State) InProgress() bool {
	switch s {
	case StateCheckingForUpdate, StateDownloading, StateBackupInProgress, StateInstalling, StateRollingBack:
		return true
	}
	return false
}

// terminal states end an attempt and produce a history row.
func (s State) terminal() bool {
	switch s {
	case StateFailed, StateRestartRequired, StateRolledBack:
		return true
	}
	return false
}

// Metadata keys written by the workflow stages.
const (
	MetaDownloadPath               = "downloadPath"
	MetaDownloadChecksum           = "downloadChecksum"
	MetaDownloadAttempts           = "downloadAttempts"
	MetaBackupPath                 = "backupPath"
	MetaBackupVersion              = "backupVersion"
	MetaInstallerExitCode          = "installerExitCode"
	MetaLastError                  = "lastError"
	MetaErrorKind                  = "errorKind"
	MetaPriority                   = "priority"
	MetaRollbackError              = "rollbackError"
	MetaManualInterventionRequired = "manualInterventionRequired"
)

// Metadata is a string map that remembers insertion order. The zero value is
// ready to use.
type Metadata struct {
	keys   []string
	values map[string]string
}

func (m *Metadata) Set(key, value string) {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

func (m Metadata) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Value returns the value for key, or "".
func (m Metadata) Value(key string) string {
	return m.values[key]
}

func (m *Metadata) Delete(keys ...string) {
	for _, key := range keys {
		if _, ok := m.values[key]; !ok {
			continue
		}
		delete(m.values, key)
		for i, k := range m.keys {
			if k == key {
				m.keys = append(m.keys[:i], m.keys[i+1:]...)
				break
			}
		}
	}
}

// Keys returns the keys in insertion order.
func (m Metadata) Keys() []string {
	return append([]string(nil), m.keys...)
}

func (m Metadata) Len() int {
	return len(m.keys)
}

func (m Metadata) Clone() Metadata {
	out := Metadata{keys: append([]string(nil), m.keys...)}
	if m.values != nil {
		out.values = make(map[string]string, len(m.values))
		for k, v := range m.values {
			out.values[k] = v
		}
	}
	return out
}

// MarshalJSON writes the entries as an object in insertion order.
func (m Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object of strings, keeping the document order.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	*m = Metadata{}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("metadata: expected object, got %v", tok)
	}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := kt.(string)
		if !ok {
			return fmt.Errorf("metadata: expected key, got %v", kt)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("metadata %q: %w", key, err)
		}
		m.Set(key, value)
	}
	_, err = dec.Token()
	return err
}

// Session is the observable state of the update workflow.
type Session struct {
	State                  State            `json:"state"`
	Message                string           `json:"message,omitempty"`
	AttemptID              string           `json:"attemptId,omitempty"`
	LastCheckedAt          time.Time        `json:"lastCheckedAt,omitzero"`
	LastAttemptAt          time.Time        `json:"lastAttemptAt,omitzero"`
	LastSuccessfulUpdateAt *time.Time       `json:"lastSuccessfulUpdateAt,omitempty"`
	CurrentVersion         semver.Version   `json:"currentVersion"`
	AvailableVersion       *semver.Version  `json:"availableVersion,omitempty"`
	PackageInfo            *release.Package `json:"packageInfo,omitempty"`
	Metadata               Metadata         `json:"metadata"`
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	out := s
	if s.LastSuccessfulUpdateAt != nil {
		t := *s.LastSuccessfulUpdateAt
		out.LastSuccessfulUpdateAt = &t
	}
	if s.AvailableVersion != nil {
		v := *s.AvailableVersion
		out.AvailableVersion = &v
	}
	if s.PackageInfo != nil {
		p := s.PackageInfo.Clone()
		out.PackageInfo = &p
	}
	out.Metadata = s.Metadata.Clone()
	return out
}
