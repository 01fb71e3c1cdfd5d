package domain

import (
	"fmt"
	"runtime"
	"slices"
	"time"
)

// DefaultGroupTag 顶层出站选择器的标签
const DefaultGroupTag = "OUT"

// DefaultAPIPort Engine 控制面默认端口
const DefaultAPIPort = 10001

// LogLevel Engine 日志级别
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Preferences 客户端偏好设置，整体读写，不支持按字段部分更新。
type Preferences struct {
	// 网络
	EnableIPv6         bool `json:"enableIpv6"`
	PreferIPv6         bool `json:"preferIpv6"`
	BypassLan          bool `json:"bypassLan"`
	BypassLanInCore    bool `json:"bypassLanInCore"`
	FakeIP             bool `json:"fakeIp"`
	ForceResolveDomain bool `json:"forceResolveDomain"`
	InternalDNSServer  bool `json:"internalDnsServer"`

	// 日志与控制面
	MemoryLogger bool     `json:"memoryLogger"`
	LogLevel     LogLevel `json:"logLevel"`
	APIPort      int      `json:"apiPort"`

	// 路由列表（保持顺序，允许重复）
	BypassGeoipList   []string `json:"bypassGeoipList"`
	BypassGeositeList []string `json:"bypassGeositeList"`
	RejectGeoipList   []string `json:"rejectGeoipList"`
	RejectGeositeList []string `json:"rejectGeositeList"`

	CustomUserAgent string `json:"customUserAgent"`
	AutoReload      bool   `json:"autoReload"`

	Subscription SubscriptionMeta `json:"subscription"`
}

// SubscriptionMeta 订阅元数据
type SubscriptionMeta struct {
	ClientID       string `json:"clientId,omitempty"`
	LastUpdateTime int64  `json:"lastUpdateTime,omitempty"` // unix 秒，0 表示从未更新
	ExpireTime     int64  `json:"expireTime,omitempty"`     // unix 秒，0 表示不过期
	Traffic        int64  `json:"traffic"`                  // 总流量（字节），0 表示不限
	Used           int64  `json:"used"`
}

// Expired 订阅是否已过期
func (m SubscriptionMeta) Expired(now time.Time) bool {
	return m.ExpireTime > 0 && now.Unix() > m.ExpireTime
}

// Remaining 剩余流量；不限量时返回 -1
func (m SubscriptionMeta) Remaining() int64 {
	if m.Traffic <= 0 {
		return -1
	}
	if m.Used >= m.Traffic {
		return 0
	}
	return m.Traffic - m.Used
}

// DefaultUserAgent 默认 UA：Leaf/<version> (<os>; <arch>)
func DefaultUserAgent(version string) string {
	if version == "" {
		version = "dev"
	}
	return fmt.Sprintf("Leaf/%s (%s; %s)", version, runtime.GOOS, runtime.GOARCH)
}

// DefaultPreferences 首次运行时的默认偏好
func DefaultPreferences(version string) Preferences {
	return Preferences{
		EnableIPv6:        true,
		PreferIPv6:        false,
		BypassLan:         true,
		BypassLanInCore:   true,
		MemoryLogger:      true,
		LogLevel:          LogLevelInfo,
		APIPort:           DefaultAPIPort,
		BypassGeoipList:   []string{},
		BypassGeositeList: []string{},
		RejectGeoipList:   []string{},
		RejectGeositeList: []string{},
		CustomUserAgent:   DefaultUserAgent(version),
	}
}

// Clone 深拷贝（切片字段独立）
func (p Preferences) Clone() Preferences {
	out := p
	out.BypassGeoipList = cloneList(p.BypassGeoipList)
	out.BypassGeositeList = cloneList(p.BypassGeositeList)
	out.RejectGeoipList = cloneList(p.RejectGeoipList)
	out.RejectGeositeList = cloneList(p.RejectGeositeList)
	return out
}

// Validate 校验偏好设置
func (p Preferences) Validate() error {
	if p.APIPort <= 0 || p.APIPort > 65535 {
		return fmt.Errorf("%w: apiPort %d out of range", ErrInvalidInput, p.APIPort)
	}
	switch p.LogLevel {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return fmt.Errorf("%w: unknown logLevel %q", ErrInvalidInput, p.LogLevel)
	}
	return nil
}

func cloneList(in []string) []string {
	if in == nil {
		return []string{}
	}
	return slices.Clone(in)
}

// OutboundInfo 出站条目快照，真实状态以 Engine 为准
type OutboundInfo struct {
	Name       string `json:"name"`
	IsSelected bool   `json:"selected"`
}

// Health 单个出站的健康探测结果，两个字段都可能缺失
type Health struct {
	TCPMillis *int64 `json:"tcp_ms,omitempty"`
	UDPMillis *int64 `json:"udp_ms,omitempty"`
}

// Latency 优先 TCP，其次 UDP，都缺失时返回 false
func (h Health) Latency() (int64, bool) {
	if h.TCPMillis != nil {
		return *h.TCPMillis, true
	}
	if h.UDPMillis != nil {
		return *h.UDPMillis, true
	}
	return 0, false
}

// ConnectivityEvent 网络连通性变化
type ConnectivityEvent struct {
	Lost      bool  `json:"lost"`
	Timestamp int64 `json:"timestamp"`
}

// ClientState 持久化的客户端状态
type ClientState struct {
	SchemaVersion string      `json:"schemaVersion,omitempty"`
	Preferences   Preferences `json:"preferences"`
	GeneratedAt   time.Time   `json:"generatedAt"`
}
