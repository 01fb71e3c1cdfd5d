package channel

import (
	"context"
)

// EventKind Engine 宿主推送的事件类型
type EventKind string

const (
	EventStarting      EventKind = "starting"
	EventStartSuccess  EventKind = "start_success"
	EventStartFailed   EventKind = "start_failed"
	EventReloadSuccess EventKind = "reload_success"
	EventReloadFailed  EventKind = "reload_failed"
	EventStopSuccess   EventKind = "stop_success"
	EventStopFailed    EventKind = "stop_failed"
	EventBroadcast     EventKind = "broadcast"
)

// Broadcast 系统广播消息（eventType/data/timestamp）
type Broadcast struct {
	EventType string `json:"eventType" cbor:"eventType"`
	Data      string `json:"data" cbor:"data"`
	Timestamp int64  `json:"timestamp" cbor:"timestamp"`
}

// Event Engine 宿主推送的回调
type Event struct {
	Kind      EventKind
	Message   string
	Broadcast *Broadcast
}

// Remote 与 Engine 宿主进程之间已建立的 IPC 连接。
//
// Start/Stop/Reload 只表示请求已被宿主接收，结果通过 Events 异步送达。
// Done 在连接意外断开（宿主崩溃）或 Close 后关闭。
type Remote interface {
	IsRunning(ctx context.Context) (bool, error)
	Start(ctx context.Context, sessionLabel string) error
	Stop(ctx context.Context) error
	Reload(ctx context.Context) error
	Version(ctx context.Context) (string, error)

	Events() <-chan Event
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer 建立到 Engine 宿主的连接
type Dialer interface {
	Dial(ctx context.Context) (Remote, error)
}

// DialerFunc 函数适配器
type DialerFunc func(ctx context.Context) (Remote, error)

func (f DialerFunc) Dial(ctx context.Context) (Remote, error) { return f(ctx) }
