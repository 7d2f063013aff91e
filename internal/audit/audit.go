// Package audit keeps a tamper-evident JSONL record of everything the
// updater does to the host: downloads, backups, installs and rollbacks.
//
// Every record carries a sequence number and the hash of its predecessor, so
// a deleted, reordered or edited line is detected by VerifyChain. Rotation
// starts the new file with a marker record that links back to the last
// record of the old one.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/updater/internal/logging"
)

var log = logging.L("audit")

// Event types.
const (
	EventUpdateChecked     = "update_checked"
	EventUpdateDownloaded  = "update_downloaded"
	EventBackupCreated     = "backup_created"
	EventInstallStarted    = "install_started"
	EventInstallCompleted  = "install_completed"
	EventRollbackStarted   = "rollback_started"
	EventRollbackCompleted = "rollback_completed"
	EventUpdateFailed      = "update_failed"
	EventServiceRestart    = "service_restart"
	EventConfigChange      = "config_change"
	EventUpdaterStart      = "updater_start"
	EventUpdaterStop       = "updater_stop"
	EventLogRotated        = "log_rotated"
)

// Events that change the installation or the updater lifecycle are synced
// to disk before Log returns.
var durable = map[string]bool{
	EventInstallStarted:    true,
	EventInstallCompleted:  true,
	EventRollbackStarted:   true,
	EventRollbackCompleted: true,
	EventUpdateFailed:      true,
	EventUpdaterStart:      true,
	EventUpdaterStop:       true,
	EventConfigChange:      true,
}

const (
	fileName    = "audit.jsonl"
	genesisHash = "genesis"
	brokenHash  = "chain-broken"

	defaultMaxSizeMB  = 50
	defaultMaxBackups = 3
	maxLineBytes      = 4 << 20
)

// Entry is one audit record.
type Entry struct {
	Seq       uint64         `json:"seq"`
	Time      string         `json:"time"`
	Event     string         `json:"event"`
	AttemptID string         `json:"attemptId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Prev      string         `json:"prev"`
	Hash      string         `json:"hash"`
}

// digest hashes every field except Hash. Each field is length-prefixed so
// values containing separators cannot be shifted between fields.
func (e Entry) digest() (string, error) {
	h := sha256.New()
	fields := []string{strconv.FormatUint(e.Seq, 10), e.Time, e.Event, e.AttemptID, e.Prev}
	for _, f := range fields {
		fmt.Fprintf(h, "%d:%s", len(f), f)
	}
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(b))
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Logger appends chained records to {dir}/audit.jsonl. A nil *Logger is a
// valid no-op logger.
type Logger struct {
	mu         sync.Mutex
	path       string
	f          *os.File
	size       int64
	maxSize    int64
	maxBackups int
	seq        uint64
	prev       string
	now        func() time.Time

	dropped atomic.Int64
}

// NewLogger opens (or creates) the audit file under dir. An existing file is
// appended to and the chain continues from its last record.
func NewLogger(dir string, maxSizeMB, maxBackups int) (*Logger, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	l := newLogger(filepath.Join(dir, fileName), int64(maxSizeMB)<<20, maxBackups)
	tail, err := readTail(l.path)
	switch {
	case err != nil:
		log.Warn("audit chain not resumed, starting a new one", "path", l.path, logging.KeyError, err.Error())
	case tail != nil:
		l.seq, l.prev = tail.Seq, tail.Hash
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	log.Info("audit log opened", "path", l.path, "seq", l.seq)
	return l, nil
}

func newLogger(path string, maxSize int64, maxBackups int) *Logger {
	return &Logger{
		path:       path,
		maxSize:    maxSize,
		maxBackups: maxBackups,
		prev:       genesisHash,
		now:        time.Now,
	}
}

// Log appends one record. Failures are counted, never returned: auditing
// must not block an update. The chain only advances when the write lands.
func (l *Logger) Log(event, attemptID string, details map[string]any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	line, e, err := l.seal(event, attemptID, details)
	if err != nil {
		l.drop(event, err)
		return
	}
	if l.size+int64(len(line)) > l.maxSize {
		if err := l.rotate(); err != nil {
			l.drop(event, fmt.Errorf("rotate: %w", err))
			return
		}
		// rotation wrote a marker; relink to it
		if line, e, err = l.seal(event, attemptID, details); err != nil {
			l.drop(event, err)
			return
		}
	}
	if err := l.write(line, e); err != nil {
		l.drop(event, err)
		return
	}
	if durable[event] {
		if err := l.f.Sync(); err != nil {
			log.Warn("audit fsync failed", "event", event, logging.KeyError, err.Error())
		}
	}
}

// seal builds the next record in the chain and its encoded line.
func (l *Logger) seal(event, attemptID string, details map[string]any) ([]byte, Entry, error) {
	e := Entry{
		Seq:       l.seq + 1,
		Time:      l.now().UTC().Format(time.RFC3339Nano),
		Event:     event,
		AttemptID: attemptID,
		Details:   details,
		Prev:      l.prev,
	}
	var err error
	if e.Hash, err = e.digest(); err != nil {
		return nil, e, err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return nil, e, fmt.Errorf("marshal entry: %w", err)
	}
	return append(line, '\n'), e, nil
}

var errClosed = errors.New("audit log closed")

func (l *Logger) write(line []byte, e Entry) error {
	if l.f == nil {
		return errClosed
	}
	n, err := l.f.Write(line)
	l.size += int64(n)
	if err != nil {
		return err
	}
	l.seq, l.prev = e.Seq, e.Hash
	return nil
}

func (l *Logger) drop(event string, err error) {
	l.dropped.Add(1)
	log.Error("audit record dropped", "event", event, logging.KeyError, err.Error())
}

func (l *Logger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.f, l.size = f, info.Size()
	return nil
}

// rotate moves audit.jsonl to audit.jsonl.1 (shifting older generations up
// and discarding the oldest) and starts the new file with a marker record.
// A marker that cannot be written leaves the chain visibly broken.
func (l *Logger) rotate() error {
	if l.f != nil {
		l.f.Close()
		l.f = nil
	}
	for i := l.maxBackups; i >= 1; i-- {
		src := l.generation(i - 1)
		if i == l.maxBackups {
			os.Remove(l.generation(i))
		}
		if err := os.Rename(src, l.generation(i)); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("audit rotation rename failed", "from", src, logging.KeyError, err.Error())
		}
	}
	if err := l.open(); err != nil {
		return err
	}

	line, e, err := l.seal(EventLogRotated, "", map[string]any{"previousFile": l.generation(1)})
	if err == nil {
		err = l.write(line, e)
	}
	if err != nil {
		l.dropped.Add(1)
		l.prev = brokenHash
		log.Error("audit rotation marker lost, chain broken", logging.KeyError, err.Error())
	}
	return nil
}

// generation returns the path of backup n; 0 is the live file.
func (l *Logger) generation(n int) string {
	if n == 0 {
		return l.path
	}
	return l.path + "." + strconv.Itoa(n)
}

// Close closes the file. Safe on a nil receiver.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// DroppedCount returns how many records failed to write, or -1 for a nil
// logger so "not configured" is distinguishable from "no losses".
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// Path returns the live audit file.
func (l *Logger) Path() string {
	return l.path
}

func scanEntries(r io.Reader, fn func(Entry) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(e); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return sc.Err()
}

// readTail returns the last record in path, or nil for a missing or empty
// file.
func readTail(path string) (*Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var last *Entry
	err = scanEntries(f, func(e Entry) error {
		last = &e
		return nil
	})
	return last, err
}

// VerifyChain re-hashes every record in path and checks sequence numbers
// and links. The first record may link to anything, since it either starts
// the chain or follows a rotation. It returns the number of records checked.
func VerifyChain(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var (
		n    int
		prev Entry
	)
	err = scanEntries(f, func(e Entry) error {
		want, err := e.digest()
		if err != nil {
			return err
		}
		if want != e.Hash {
			return fmt.Errorf("%s #%d: hash mismatch", e.Event, e.Seq)
		}
		if n > 0 {
			if e.Prev != prev.Hash {
				return fmt.Errorf("%s #%d: chain broken", e.Event, e.Seq)
			}
			if e.Seq != prev.Seq+1 {
				return fmt.Errorf("%s #%d: sequence gap after #%d", e.Event, e.Seq, prev.Seq)
			}
		}
		prev = e
		n++
		return nil
	})
	return n, err
}
