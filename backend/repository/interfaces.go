package repository

import (
	"context"

	"leafclient/backend/domain"
)

// PreferencesRepository 偏好设置仓储接口（整体读写）
type PreferencesRepository interface {
	Get(ctx context.Context) (domain.Preferences, error)
	Replace(ctx context.Context, prefs domain.Preferences) (domain.Preferences, error)

	// UpdateSubscription 仅更新订阅元数据（订阅流程内部使用）
	UpdateSubscription(ctx context.Context, meta domain.SubscriptionMeta) (domain.Preferences, error)
}

// Snapshottable 可快照的存储接口
type Snapshottable interface {
	Snapshot() domain.ClientState
	LoadState(state domain.ClientState)
}
