package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"leafclient/backend/domain"
	"leafclient/backend/repository"
	"leafclient/backend/repository/events"
)

const defaultDebounce = 200 * time.Millisecond

// Snapshotter 偏好变化后延迟写盘；延迟期间的多次变化合并为一次写入，
// 写入期间又有变化时再写一次。
type Snapshotter struct {
	path  string
	store repository.Snapshottable

	mu       sync.Mutex
	debounce time.Duration
	inflight bool
	dirty    bool
	idle     chan struct{}

	saveMu sync.Mutex
}

// NewSnapshotter 创建快照管理器
func NewSnapshotter(path string, store repository.Snapshottable) *Snapshotter {
	return &Snapshotter{path: path, store: store, debounce: defaultDebounce}
}

// SetDebounce 设置合并窗口
func (s *Snapshotter) SetDebounce(d time.Duration) {
	s.mu.Lock()
	s.debounce = d
	s.mu.Unlock()
}

// SubscribeEvents 偏好变化时触发持久化
func (s *Snapshotter) SubscribeEvents(bus *events.Bus) string {
	return bus.Subscribe(events.EventPreferencesChanged, func(events.Event) {
		s.Schedule()
	})
}

// Schedule 请求一次延迟写入
func (s *Snapshotter) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		s.dirty = true
		return
	}
	s.inflight = true
	s.idle = make(chan struct{})
	time.AfterFunc(s.debounce, s.flush)
}

func (s *Snapshotter) flush() {
	if err := s.save(); err != nil {
		logrus.Errorf("[Snapshot] save %s failed: %v", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty {
		s.dirty = false
		time.AfterFunc(s.debounce, s.flush)
		return
	}
	s.inflight = false
	close(s.idle)
}

// WaitIdle 等待挂起的写入完成
func (s *Snapshotter) WaitIdle(timeout time.Duration) error {
	s.mu.Lock()
	if !s.inflight {
		s.mu.Unlock()
		return nil
	}
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("snapshot still pending after %s", timeout)
	}
}

// SaveNow 同步写入
func (s *Snapshotter) SaveNow() error {
	return s.save()
}

func (s *Snapshotter) save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	state := s.store.Snapshot()
	state.SchemaVersion = SchemaVersion
	state.GeneratedAt = time.Now()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := WriteFileAtomic(s.path, data); err != nil {
		return err
	}
	logrus.Debugf("[Snapshot] saved %s (%d bytes)", s.path, len(data))
	return nil
}

// Load 读取本 Snapshotter 的文件
func (s *Snapshotter) Load() (domain.ClientState, error) {
	return Load(s.path)
}

// Load 加载状态文件；文件不存在时返回空状态，未知 schemaVersion 报错
func Load(path string) (domain.ClientState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.ClientState{SchemaVersion: SchemaVersion}, nil
		}
		return domain.ClientState{}, err
	}
	return NewMigrator().Migrate(data)
}

// WriteFileAtomic 写临时文件并 fsync 后重命名，读者看不到半截文件
func WriteFileAtomic(path string, data []byte) error {
	return WriteFileAtomicContext(context.Background(), path, data)
}

// WriteFileAtomicContext ctx 在重命名前已取消时放弃写入，目标文件保持不变
func WriteFileAtomicContext(ctx context.Context, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return err
	}
	if err := ctx.Err(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
