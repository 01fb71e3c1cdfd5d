package applog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestLogsSince_ChunksAndResets(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(path, []byte("hello\nworld\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	snap := LogsSince(path, 6, 42, time.Time{})
	if snap.Text != "world\n" || snap.From != 6 || snap.To != 12 || snap.End != 12 || snap.Lost {
		t.Fatalf("unexpected chunk %+v", snap)
	}

	snap = LogsSince(path, 100, 42, time.Time{})
	if !snap.Lost || snap.From != 0 || snap.Text != "hello\nworld\n" {
		t.Fatalf("expected reset to start, got %+v", snap)
	}
}

func TestLogsSince_MissingFile(t *testing.T) {
	t.Parallel()

	snap := LogsSince(filepath.Join(t.TempDir(), "none.log"), 0, 1, time.Time{})
	if snap.Error != "" || snap.Text != "" || snap.End != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}

func TestReadLogChunk_RespectsLimit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := readLogChunk(path, 2, 4)
	if err != nil {
		t.Fatalf("readLogChunk: %v", err)
	}
	if c.from != 2 || c.to != 6 || c.end != 10 || c.lost || c.text != "2345" {
		t.Fatalf("unexpected chunk %+v", c)
	}
	if _, err := readLogChunk(path, 0, 0); err == nil {
		t.Fatalf("expected error for zero limit")
	}
}

// Setup 修改全局 logrus 输出，不并行
func TestSetup_RotatesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	t.Cleanup(func() { logrus.SetOutput(os.Stderr) })

	prev := filepath.Join(dir, fileName)
	if err := os.WriteFile(prev, []byte("previous run\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	prevTime := time.Now().Add(-time.Hour)
	if err := os.Chtimes(prev, prevTime, prevTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	stale := filepath.Join(dir, rotatedPrefix+time.Now().Add(-30*24*time.Hour).Format(rotatedLayout)+".log")
	if err := os.WriteFile(stale, []byte("old"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	sess, err := Setup(dir, 7*24*time.Hour, logrus.InfoLevel)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	logrus.Infof("[Test] hello")
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale rotation pruned, err=%v", err)
	}
	rotated := filepath.Join(dir, rotatedPrefix+prevTime.Format(rotatedLayout)+".log")
	data, err := os.ReadFile(rotated)
	if err != nil || string(data) != "previous run\n" {
		t.Fatalf("expected previous log rotated, got %q err=%v", data, err)
	}

	snap := sess.Snapshot(0)
	if !strings.Contains(snap.Text, "app start") || !strings.Contains(snap.Text, "[Test] hello") {
		t.Fatalf("unexpected app log %q", snap.Text)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]logrus.Level{
		"":      logrus.InfoLevel,
		"trace": logrus.TraceLevel,
		"DEBUG": logrus.DebugLevel,
		"warn":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q): expected %s, got %s (err=%v)", in, want, got, err)
		}
	}
	if _, err := ParseLevel("fatal"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}
