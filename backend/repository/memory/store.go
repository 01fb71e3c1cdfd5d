package memory

import (
	"sync"
	"time"

	"leafclient/backend/domain"
	"leafclient/backend/repository/events"
)

// Store 内存存储引擎
type Store struct {
	mu sync.RWMutex

	version     string
	preferences domain.Preferences

	// 事件总线
	eventBus *events.Bus
}

// NewStore 创建新的内存存储；version 用于生成默认 User-Agent
func NewStore(eventBus *events.Bus, version string) *Store {
	return &Store{
		version:     version,
		preferences: domain.DefaultPreferences(version),
		eventBus:    eventBus,
	}
}

// ========== 锁操作（供仓储使用）==========

// RLock 获取读锁
func (s *Store) RLock() { s.mu.RLock() }

// RUnlock 释放读锁
func (s *Store) RUnlock() { s.mu.RUnlock() }

// Lock 获取写锁
func (s *Store) Lock() { s.mu.Lock() }

// Unlock 释放写锁
func (s *Store) Unlock() { s.mu.Unlock() }

// ========== 事件发布 ==========

// PublishEvent 发布事件（异步，应在锁外调用）
func (s *Store) PublishEvent(event events.Event) {
	if s.eventBus != nil {
		s.eventBus.Publish(event)
	}
}

// ========== 数据访问（需持有锁）==========

// GetPreferences 返回偏好副本（需持有锁）
func (s *Store) GetPreferences() domain.Preferences { return s.preferences.Clone() }

// SetPreferences 设置偏好（需持有锁）
func (s *Store) SetPreferences(prefs domain.Preferences) {
	s.preferences = s.sanitize(prefs.Clone())
}

// ========== 快照 ==========

// Snapshot 导出可持久化状态
func (s *Store) Snapshot() domain.ClientState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.ClientState{
		Preferences: s.preferences.Clone(),
		GeneratedAt: time.Now(),
	}
}

// LoadState 从持久化状态恢复
func (s *Store) LoadState(state domain.ClientState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences = s.sanitize(state.Preferences.Clone())
}

// sanitize 补全缺失字段，避免旧状态文件导致无效端口或未知日志级别
func (s *Store) sanitize(prefs domain.Preferences) domain.Preferences {
	if prefs.APIPort <= 0 || prefs.APIPort > 65535 {
		prefs.APIPort = domain.DefaultAPIPort
	}
	switch prefs.LogLevel {
	case domain.LogLevelTrace, domain.LogLevelDebug, domain.LogLevelInfo, domain.LogLevelWarn, domain.LogLevelError:
	default:
		prefs.LogLevel = domain.LogLevelInfo
	}
	if prefs.CustomUserAgent == "" {
		prefs.CustomUserAgent = domain.DefaultUserAgent(s.version)
	}
	return prefs
}
