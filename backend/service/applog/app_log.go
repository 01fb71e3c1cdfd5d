// Package applog 管理本进程的 app.log：写入、轮转与按偏移读取。
package applog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// maxChunk 单次读取上限
const maxChunk int64 = 512 * 1024

// AppLogSnapshot app.log 的一段内容。
// since 超过文件末尾（文件被截断或轮转）时从 0 开始读并置 Lost。
type AppLogSnapshot struct {
	Pid       int    `json:"pid,omitempty"`
	StartedAt string `json:"startedAt,omitempty"`
	Path      string `json:"path,omitempty"`

	From int64  `json:"from"`
	To   int64  `json:"to"`
	End  int64  `json:"end"`
	Lost bool   `json:"lost"`
	Text string `json:"text"`

	Error string `json:"error,omitempty"`
}

// LogsSince 读取 path 中 since 之后的内容
func LogsSince(path string, since int64, pid int, startedAt time.Time) AppLogSnapshot {
	snap := AppLogSnapshot{Pid: pid, Path: path}
	if !startedAt.IsZero() {
		snap.StartedAt = startedAt.Format(time.RFC3339Nano)
	}
	if path == "" {
		return snap
	}

	c, err := readLogChunk(path, since, maxChunk)
	snap.From, snap.To, snap.End, snap.Lost, snap.Text = c.from, c.to, c.end, c.lost, c.text
	if err != nil {
		snap.Error = err.Error()
	}
	return snap
}

type chunk struct {
	from, to, end int64
	lost          bool
	text          string
}

func readLogChunk(path string, since, limit int64) (chunk, error) {
	if limit <= 0 {
		return chunk{}, fmt.Errorf("read limit must be positive, got %d", limit)
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return chunk{}, nil
	}
	if err != nil {
		return chunk{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return chunk{}, err
	}
	c := chunk{from: max(since, 0), end: st.Size()}
	if c.from > c.end {
		c.from, c.lost = 0, true
	}
	c.to = c.from

	n := min(c.end-c.from, limit)
	if n <= 0 {
		return c, nil
	}
	buf := make([]byte, n)
	read, err := f.ReadAt(buf, c.from)
	if err != nil && !errors.Is(err, io.EOF) {
		return chunk{}, err
	}
	c.to = c.from + int64(read)
	c.text = string(buf[:read])
	return c, nil
}
