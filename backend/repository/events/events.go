package events

import "leafclient/backend/domain"

// EventType 事件类型
type EventType string

const (
	// 连接事件
	EventConnectionChanged EventType = "connection.changed"

	// Engine 生命周期事件
	EventEngineStarting      EventType = "engine.starting"
	EventEngineStartSuccess  EventType = "engine.start_success"
	EventEngineStartFailed   EventType = "engine.start_failed"
	EventEngineReloadSuccess EventType = "engine.reload_success"
	EventEngineReloadFailed  EventType = "engine.reload_failed"
	EventEngineStopSuccess   EventType = "engine.stop_success"
	EventEngineStopFailed    EventType = "engine.stop_failed"

	// 网络连通性事件
	EventConnectivityChanged EventType = "connectivity.changed"

	// 设置事件
	EventPreferencesChanged EventType = "settings.preferences_changed"

	// 订阅事件
	EventSubscriptionUpdated EventType = "subscription.updated"

	// 通配符事件（用于订阅所有事件）
	EventAll EventType = "*"
)

// EngineEventTypes Engine 生命周期的全部事件类型
var EngineEventTypes = []EventType{
	EventEngineStarting,
	EventEngineStartSuccess,
	EventEngineStartFailed,
	EventEngineReloadSuccess,
	EventEngineReloadFailed,
	EventEngineStopSuccess,
	EventEngineStopFailed,
}

// Event 事件接口
type Event interface {
	Type() EventType
}

// ConnectionEvent IPC 连接状态变化
type ConnectionEvent struct {
	State domain.ConnectionState
}

func (e ConnectionEvent) Type() EventType { return EventConnectionChanged }

// EngineEvent Engine 生命周期回调
type EngineEvent struct {
	EventType EventType
	Reason    string
}

func (e EngineEvent) Type() EventType { return e.EventType }

// ConnectivityEvent 网络连通性变化
type ConnectivityEvent struct {
	Change domain.ConnectivityEvent
}

func (e ConnectivityEvent) Type() EventType { return EventConnectivityChanged }

// PreferencesEvent 偏好设置变化
type PreferencesEvent struct {
	Preferences domain.Preferences
}

func (e PreferencesEvent) Type() EventType { return EventPreferencesChanged }

// SubscriptionEvent 订阅更新完成
type SubscriptionEvent struct {
	Meta domain.SubscriptionMeta
}

func (e SubscriptionEvent) Type() EventType { return EventSubscriptionUpdated }
