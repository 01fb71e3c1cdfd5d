package domain

// 各状态轴相互独立，没有合并的总状态。Error 变体携带可展示的原因。

// ConnectionKind 与 Engine 宿主进程的 IPC 连接状态
type ConnectionKind string

const (
	ConnectionDisconnected ConnectionKind = "disconnected"
	ConnectionConnecting   ConnectionKind = "connecting"
	ConnectionConnected    ConnectionKind = "connected"
	ConnectionError        ConnectionKind = "error"
)

type ConnectionState struct {
	Kind   ConnectionKind `json:"kind"`
	Reason string         `json:"reason,omitempty"`
}

func ConnectionFailed(reason string) ConnectionState {
	return ConnectionState{Kind: ConnectionError, Reason: reason}
}

// EngineRunKind 客户端观察到的 Engine 生命周期
type EngineRunKind string

const (
	EngineLoading  EngineRunKind = "loading"
	EngineStarted  EngineRunKind = "started"
	EngineStopped  EngineRunKind = "stopped"
	EngineReloaded EngineRunKind = "reloaded"
	EngineError    EngineRunKind = "error"
)

type EngineRunState struct {
	Kind   EngineRunKind `json:"kind"`
	Reason string        `json:"reason,omitempty"`
}

func EngineFailed(reason string) EngineRunState {
	return EngineRunState{Kind: EngineError, Reason: reason}
}

// SubscriptionKind 订阅/配置导入操作状态
type SubscriptionKind string

const (
	SubscriptionInitial  SubscriptionKind = "initial"
	SubscriptionFetching SubscriptionKind = "fetching"
	SubscriptionSuccess  SubscriptionKind = "success"
	SubscriptionError    SubscriptionKind = "error"
)

type SubscriptionState struct {
	Kind   SubscriptionKind `json:"kind"`
	Reason string           `json:"reason,omitempty"`
}

func SubscriptionFailed(reason string) SubscriptionState {
	return SubscriptionState{Kind: SubscriptionError, Reason: reason}
}

// OutboundKind 出站列表状态
type OutboundKind string

const (
	OutboundInitial OutboundKind = "initial"
	OutboundLoading OutboundKind = "loading"
	OutboundSuccess OutboundKind = "success"
	OutboundError   OutboundKind = "error"
)

type OutboundState struct {
	Kind   OutboundKind `json:"kind"`
	Reason string       `json:"reason,omitempty"`
}

func OutboundFailed(reason string) OutboundState {
	return OutboundState{Kind: OutboundError, Reason: reason}
}

// MemoryLoggerKind 日志轮询状态
type MemoryLoggerKind string

const (
	LoggerInitial MemoryLoggerKind = "initial"
	LoggerLoading MemoryLoggerKind = "loading"
	LoggerStarted MemoryLoggerKind = "started"
	LoggerError   MemoryLoggerKind = "error"
)

type MemoryLoggerState struct {
	Kind   MemoryLoggerKind `json:"kind"`
	Reason string           `json:"reason,omitempty"`
}

func LoggerFailed(reason string) MemoryLoggerState {
	return MemoryLoggerState{Kind: LoggerError, Reason: reason}
}

// PreferencesKind 偏好加载状态
type PreferencesKind string

const (
	PreferencesInitial PreferencesKind = "initial"
	PreferencesSuccess PreferencesKind = "success"
	PreferencesError   PreferencesKind = "error"
)

type PreferencesState struct {
	Kind        PreferencesKind `json:"kind"`
	Preferences *Preferences    `json:"preferences,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}
