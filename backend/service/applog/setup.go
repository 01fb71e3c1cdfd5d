package applog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	fileName      = "app.log"
	rotatedPrefix = "app-"
	rotatedLayout = "20060102-150405"
)

// Session 本次运行的日志文件
type Session struct {
	Path      string
	StartedAt time.Time
	Pid       int

	f *os.File
}

// Close 关闭日志文件，之后只写 stderr
func (s *Session) Close() error {
	if s == nil || s.f == nil {
		return nil
	}
	logrus.SetOutput(os.Stderr)
	err := s.f.Close()
	s.f = nil
	return err
}

// Snapshot 读取 since 之后的日志片段
func (s *Session) Snapshot(since int64) AppLogSnapshot {
	if s == nil {
		return AppLogSnapshot{Pid: os.Getpid()}
	}
	return LogsSince(s.Path, since, s.Pid, s.StartedAt)
}

// Setup 将 logrus 输出到 stderr 与 dir/app.log。
// 上一次的 app.log 重命名为 app-<时间>.log，超过 retention 的旧文件会被删除。
func Setup(dir string, retention time.Duration, level logrus.Level) (*Session, error) {
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, fileName)
	now := time.Now()

	if st, err := os.Stat(path); err == nil && st.Size() > 0 {
		rotated := filepath.Join(dir, rotatedPrefix+st.ModTime().Format(rotatedLayout)+".log")
		if err := os.Rename(path, rotated); err != nil {
			logrus.Warnf("[AppLog] rotate %s failed: %v", path, err)
		}
	}
	if retention > 0 {
		prune(dir, now.Add(-retention))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	pid := os.Getpid()
	_, _ = fmt.Fprintf(f, "----- app start %s pid=%d -----\n", now.Format(time.RFC3339Nano), pid)
	logrus.SetOutput(io.MultiWriter(os.Stderr, f))
	logrus.Infof("[AppLog] writing to %s", path)

	return &Session{Path: path, StartedAt: now, Pid: pid, f: f}, nil
}

// prune 删除早于 cutoff 的轮转文件
func prune(dir string, cutoff time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var removed []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, rotatedPrefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, rotatedPrefix), ".log")
		t, err := time.ParseInLocation(rotatedLayout, stamp, time.Local)
		if err != nil || !t.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err == nil {
			removed = append(removed, name)
		}
	}
	if len(removed) > 0 {
		sort.Strings(removed)
		logrus.Debugf("[AppLog] pruned %v", removed)
	}
}

// ParseLevel Engine 日志级别与 logrus 级别同名；空字符串按 info 处理
func ParseLevel(s string) (logrus.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return logrus.InfoLevel, nil
	}
	switch s {
	case "trace", "debug", "info", "warn", "error":
		return logrus.ParseLevel(s)
	default:
		return logrus.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}
