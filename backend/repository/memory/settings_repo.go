package memory

import (
	"context"
	"fmt"

	"leafclient/backend/domain"
	"leafclient/backend/repository"
	"leafclient/backend/repository/events"
)

// PreferencesRepo 偏好设置仓储实现
type PreferencesRepo struct {
	store *Store
}

var _ repository.PreferencesRepository = (*PreferencesRepo)(nil)

// NewPreferencesRepo 创建偏好设置仓储
func NewPreferencesRepo(store *Store) *PreferencesRepo {
	return &PreferencesRepo{store: store}
}

// Get 获取偏好设置
func (r *PreferencesRepo) Get(ctx context.Context) (domain.Preferences, error) {
	r.store.RLock()
	defer r.store.RUnlock()
	return r.store.GetPreferences(), nil
}

// Replace 整体替换偏好设置
func (r *PreferencesRepo) Replace(ctx context.Context, prefs domain.Preferences) (domain.Preferences, error) {
	if err := prefs.Validate(); err != nil {
		return domain.Preferences{}, fmt.Errorf("%w: %v", repository.ErrInvalidData, err)
	}

	r.store.Lock()
	r.store.SetPreferences(prefs)
	saved := r.store.GetPreferences()
	r.store.Unlock()

	// 在锁外发布事件
	r.store.PublishEvent(events.PreferencesEvent{Preferences: saved})

	return saved, nil
}

// UpdateSubscription 更新订阅元数据
func (r *PreferencesRepo) UpdateSubscription(ctx context.Context, meta domain.SubscriptionMeta) (domain.Preferences, error) {
	r.store.Lock()
	prefs := r.store.GetPreferences()
	prefs.Subscription = meta
	r.store.SetPreferences(prefs)
	saved := r.store.GetPreferences()
	r.store.Unlock()

	r.store.PublishEvent(events.PreferencesEvent{Preferences: saved})
	r.store.PublishEvent(events.SubscriptionEvent{Meta: meta})

	return saved, nil
}
