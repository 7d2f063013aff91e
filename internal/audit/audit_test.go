package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger(t *testing.T, maxSize int64) *Logger {
	t.Helper()
	l := newLogger(filepath.Join(t.TempDir(), fileName), maxSize, 3)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var tick int
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	if err := l.open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func entries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var out []Entry
	if err := scanEntries(f, func(e Entry) error {
		out = append(out, e)
		return nil
	}); err != nil {
		t.Fatalf("scan %s: %v", path, err)
	}
	return out
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	l.Log(EventUpdateChecked, "a", nil)
	if err := l.Close(); err != nil {
		t.Fatalf("Close on nil logger: %v", err)
	}
	if got := l.DroppedCount(); got != -1 {
		t.Fatalf("DroppedCount on nil logger = %d, want -1", got)
	}
}

func TestLogChainsRecords(t *testing.T) {
	l := testLogger(t, 1<<20)
	l.Log(EventUpdaterStart, "", map[string]any{"version": "2.0.0"})
	l.Log(EventInstallStarted, "att-1", map[string]any{"target": "2.1.0"})
	l.Log(EventInstallCompleted, "att-1", map[string]any{"exitCode": 0})

	got := entries(t, l.Path())
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].Prev != genesisHash || got[0].Seq != 1 {
		t.Fatalf("first record = seq %d prev %q, want seq 1 prev genesis", got[0].Seq, got[0].Prev)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Prev != got[i-1].Hash {
			t.Errorf("record %d does not link to record %d", i, i-1)
		}
		if got[i].Seq != got[i-1].Seq+1 {
			t.Errorf("record %d seq = %d, want %d", i, got[i].Seq, got[i-1].Seq+1)
		}
	}
	if got[1].AttemptID != "att-1" || got[1].Event != EventInstallStarted {
		t.Fatalf("unexpected record %+v", got[1])
	}
	if l.DroppedCount() != 0 {
		t.Fatalf("DroppedCount = %d", l.DroppedCount())
	}
}

func TestDigestSeparatesFields(t *testing.T) {
	a := Entry{Seq: 1, Time: "t", Event: "ab", AttemptID: "c", Prev: genesisHash}
	b := Entry{Seq: 1, Time: "t", Event: "a", AttemptID: "bc", Prev: genesisHash}
	ha, _ := a.digest()
	hb, _ := b.digest()
	if ha == hb {
		t.Fatal("shifting bytes between fields must change the digest")
	}
}

func TestRotationLinksAcrossFiles(t *testing.T) {
	l := testLogger(t, 400)
	for i := 0; i < 8; i++ {
		l.Log(EventUpdateChecked, "att-2", map[string]any{"pass": i})
	}
	l.Close()

	live := entries(t, l.Path())
	if len(live) == 0 || live[0].Event != EventLogRotated {
		t.Fatalf("live file should start with a rotation marker, got %+v", live)
	}
	if prev, _ := live[0].Details["previousFile"].(string); prev != l.Path()+".1" {
		t.Fatalf("marker previousFile = %q", prev)
	}

	old := entries(t, l.Path()+".1")
	if len(old) == 0 {
		t.Fatal("rotated file is empty")
	}
	tail := old[len(old)-1]
	if live[0].Prev != tail.Hash || live[0].Seq != tail.Seq+1 {
		t.Fatalf("marker (seq %d prev %q) does not follow rotated tail (seq %d hash %q)",
			live[0].Seq, live[0].Prev, tail.Seq, tail.Hash)
	}
	if _, err := os.Stat(l.Path() + ".4"); !os.IsNotExist(err) {
		t.Fatalf("more generations kept than maxBackups: %v", err)
	}
}

func TestWriteFailureIsCountedAndChainHolds(t *testing.T) {
	l := testLogger(t, 1<<20)
	l.Log(EventUpdaterStart, "", nil)
	seq, prev := l.seq, l.prev

	l.f.Close()
	ro, err := os.Open(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	l.f = ro
	l.Log(EventUpdateChecked, "", nil)

	if l.DroppedCount() != 1 {
		t.Fatalf("DroppedCount = %d, want 1", l.DroppedCount())
	}
	if l.seq != seq || l.prev != prev {
		t.Fatal("a failed write must not advance the chain")
	}
}

func TestLogAfterCloseIsDropped(t *testing.T) {
	l := testLogger(t, 1<<20)
	l.Close()
	l.Log(EventUpdaterStop, "", nil)
	if l.DroppedCount() != 1 {
		t.Fatalf("DroppedCount = %d, want 1", l.DroppedCount())
	}
}

func TestNewLoggerResumesChain(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir, 1, 2)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	l.Log(EventUpdaterStart, "", nil)
	l.Log(EventUpdaterStop, "", nil)
	l.Close()

	l2, err := NewLogger(dir, 1, 2)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	l2.Log(EventUpdaterStart, "", nil)
	l2.Close()

	got := entries(t, filepath.Join(dir, fileName))
	if len(got) != 3 || got[2].Seq != 3 || got[2].Prev != got[1].Hash {
		t.Fatalf("chain not resumed: %+v", got)
	}
	if n, err := VerifyChain(l2.Path()); err != nil || n != 3 {
		t.Fatalf("VerifyChain = %d, %v", n, err)
	}
}

func TestVerifyChain(t *testing.T) {
	tests := []struct {
		name   string
		tamper func([]Entry) []Entry
		want   string
	}{
		{"intact", func(e []Entry) []Entry { return e }, ""},
		{"edited details", func(e []Entry) []Entry {
			e[1].Details["target"] = "9.9.9"
			return e
		}, "hash mismatch"},
		{"deleted record", func(e []Entry) []Entry {
			return append(e[:1], e[2:]...)
		}, "chain broken"},
		{"reordered", func(e []Entry) []Entry {
			e[1], e[2] = e[2], e[1]
			return e
		}, "chain broken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := testLogger(t, 1<<20)
			l.Log(EventUpdaterStart, "", nil)
			l.Log(EventInstallStarted, "att-3", map[string]any{"target": "2.1.0"})
			l.Log(EventInstallCompleted, "att-3", nil)
			l.Close()

			recs := tt.tamper(entries(t, l.Path()))
			var b strings.Builder
			for _, r := range recs {
				line, _ := json.Marshal(r)
				b.Write(line)
				b.WriteByte('\n')
			}
			if err := os.WriteFile(l.Path(), []byte(b.String()), 0600); err != nil {
				t.Fatal(err)
			}

			_, err := VerifyChain(l.Path())
			if tt.want == "" {
				if err != nil {
					t.Fatalf("VerifyChain: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("VerifyChain error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestDurableEvents(t *testing.T) {
	for _, e := range []string{EventInstallStarted, EventRollbackCompleted, EventUpdateFailed, EventUpdaterStop} {
		if !durable[e] {
			t.Errorf("%s should be synced", e)
		}
	}
	for _, e := range []string{EventUpdateChecked, EventUpdateDownloaded, EventBackupCreated} {
		if durable[e] {
			t.Errorf("%s should not be synced", e)
		}
	}
}
