// Package viewstate 维护单个 UI 界面观察到的客户端状态。
//
// 所有状态只在 Machine 的事件循环中修改；后台任务（IPC、控制面请求）
// 通过 post 把结果交回循环，过期任务的结果会被丢弃。
package viewstate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"leafclient/backend/domain"
	"leafclient/backend/service/controlapi"
	"leafclient/backend/service/coordinator"
	"leafclient/backend/service/shared"
)

// Coordinator Machine 依赖的协调器能力
type Coordinator interface {
	AddServiceListener(l coordinator.ServiceListener) string
	AddLeafListener(l coordinator.LeafListener) string
	AddConnectivityListener(l coordinator.ConnectivityListener) string
	RemoveListener(token string) bool

	ConnectionState() domain.ConnectionState
	IsLeafRunning(ctx context.Context) bool
	StartLeaf()
	StopLeaf()
	ReloadLeaf()
	VerifyFileIntegrity() error

	Preferences(ctx context.Context) (domain.Preferences, error)
	ApplyPreferences(ctx context.Context, prefs domain.Preferences) (domain.Preferences, bool, error)

	UpdateSubscription(clientID string, cb coordinator.SubscriptionCallback)
	ImportOfflineSubscription(path, passphrase string, keyIDs, verifyingKeys []string, cb coordinator.SubscriptionCallback)
	UpdateCustomSubscription(configText string, cb coordinator.SubscriptionCallback)
}

// ControlAPI Engine 控制面
type ControlAPI interface {
	ListOutbounds(ctx context.Context, groupTag string) ([]domain.OutboundInfo, error)
	GetSelected(ctx context.Context, groupTag string) (string, error)
	SetSelected(ctx context.Context, groupTag, name string) error
	GetHealth(ctx context.Context, outbound string) (domain.Health, error)
	GetLogs(ctx context.Context, limit, offset int) ([]string, error)
	ClearLogs(ctx context.Context) error
}

// ClientFactory 按端口创建控制面客户端。端口变化时创建新实例，不复用旧实例。
type ClientFactory func(port int) ControlAPI

// 离线订阅包的默认验签公钥
var (
	DefaultOfflineKeyIDs = []string{"k1"}
	DefaultOfflineKeys   = []string{"FjBD6zMrxVtHpWqzqsuFmT8uB7RZKmMuO94nT0N5LKo"}
)

// Config 时间参数与批量大小
type Config struct {
	SettleDelay  time.Duration
	WarmupDelay  time.Duration
	LogInterval  time.Duration
	LogBatch     int
	ProbeTimeout time.Duration
	CallTimeout  time.Duration

	OfflineKeyIDs []string
	OfflineKeys   []string

	NewClient ClientFactory
}

func (c Config) withDefaults() Config {
	if c.SettleDelay <= 0 {
		c.SettleDelay = time.Second
	}
	if c.WarmupDelay <= 0 {
		c.WarmupDelay = 3 * time.Second
	}
	if c.LogInterval <= 0 {
		c.LogInterval = time.Second
	}
	if c.LogBatch <= 0 {
		c.LogBatch = 200
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = shared.ControlTimeout
	}
	if len(c.OfflineKeyIDs) == 0 {
		c.OfflineKeyIDs = DefaultOfflineKeyIDs
		c.OfflineKeys = DefaultOfflineKeys
	}
	if c.NewClient == nil {
		timeout := c.CallTimeout
		c.NewClient = func(port int) ControlAPI { return controlapi.New(port, timeout) }
	}
	return c
}

var errNoControlAPI = errors.New("control api is not available")

// Ping 单个出站的探测结果。Pending 表示探测中，Millis 为 nil 表示失败。
type Ping struct {
	Pending bool   `json:"pending,omitempty"`
	Millis  *int64 `json:"ms,omitempty"`
}

// Snapshot 对外暴露的只读状态
type Snapshot struct {
	Service      domain.ConnectionState   `json:"service"`
	Leaf         domain.EngineRunState    `json:"leaf"`
	Subscription domain.SubscriptionState `json:"subscription"`
	Outbound     domain.OutboundState     `json:"outbound"`
	Logger       domain.MemoryLoggerState `json:"logger"`
	Preferences  domain.PreferencesState  `json:"preferences"`

	Outbounds       []domain.OutboundInfo `json:"outbounds"`
	Pings           map[string]Ping       `json:"pings"`
	RefreshingPings bool                  `json:"refreshingPings"`
	CurrentGroup    string                `json:"currentGroup"`

	NetworkLost       bool   `json:"networkLost"`
	PendingImportPath string `json:"pendingImportPath,omitempty"`
	LogCount          int    `json:"logCount"`
}

type job struct {
	cancel context.CancelFunc
}

func (j *job) stop() {
	if j != nil {
		j.cancel()
	}
}

// Machine 单个 UI 界面的状态机
type Machine struct {
	coord Coordinator
	cfg   Config

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	done   chan struct{}
	wg     sync.WaitGroup
	tokens []string

	mu sync.RWMutex

	service      domain.ConnectionState
	leaf         domain.EngineRunState
	subscription domain.SubscriptionState
	outbound     domain.OutboundState
	logger       domain.MemoryLoggerState
	preferences  domain.PreferencesState

	outbounds     []domain.OutboundInfo
	pings         map[string]Ping
	refreshing    bool
	group         string
	networkLost   bool
	pendingImport string
	logs          []string

	api     ControlAPI
	apiPort int

	// session 在断开时递增，旧连接上的后台结果被丢弃
	session    uint64
	outboundOp uint64

	pingJob     *job
	autoPingJob *job
	settleJob   *job
	loggerJob   *job

	logFetchFailed bool
}

// New 创建状态机并注册监听器；协调器已连接时立即同步一次
func New(coord Coordinator, cfg Config) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		coord:        coord,
		cfg:          cfg.withDefaults(),
		ctx:          ctx,
		cancel:       cancel,
		inbox:        make(chan func(), 256),
		done:         make(chan struct{}),
		service:      domain.ConnectionState{Kind: domain.ConnectionDisconnected},
		leaf:         domain.EngineRunState{Kind: domain.EngineLoading},
		subscription: domain.SubscriptionState{Kind: domain.SubscriptionInitial},
		outbound:     domain.OutboundState{Kind: domain.OutboundInitial},
		logger:       domain.MemoryLoggerState{Kind: domain.LoggerInitial},
		preferences:  domain.PreferencesState{Kind: domain.PreferencesInitial},
		pings:        make(map[string]Ping),
	}
	go m.loop()

	m.tokens = []string{
		coord.AddServiceListener(serviceHooks{m}),
		coord.AddLeafListener(leafHooks{m}),
		coord.AddConnectivityListener(connectivityHooks{m}),
	}
	if coord.ConnectionState().Kind == domain.ConnectionConnected {
		m.post(m.handleConnect)
	}
	return m
}

func (m *Machine) loop() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.inbox:
			m.mu.Lock()
			fn()
			m.mu.Unlock()
		case <-m.ctx.Done():
			return
		}
	}
}

// post 把 fn 交给事件循环；循环已关闭时丢弃
func (m *Machine) post(fn func()) {
	select {
	case m.inbox <- fn:
	case <-m.ctx.Done():
	}
}

// goAsync 在循环外执行后台任务，只能在循环内调用
func (m *Machine) goAsync(fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logrus.Errorf("[ViewState] background task panicked: %v", r)
			}
		}()
		fn(m.ctx)
	}()
}

// Sync 等待此前投递的所有操作处理完毕
func (m *Machine) Sync(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case m.inbox <- func() { close(ack) }:
	case <-m.ctx.Done():
		return m.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-m.ctx.Done():
		return m.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 移除监听器并取消全部后台任务
func (m *Machine) Close() {
	for _, token := range m.tokens {
		m.coord.RemoveListener(token)
	}
	m.cancel()
	<-m.done
	m.wg.Wait()
}

// Snapshot 当前状态副本
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pings := make(map[string]Ping, len(m.pings))
	for k, v := range m.pings {
		pings[k] = v
	}
	return Snapshot{
		Service:           m.service,
		Leaf:              m.leaf,
		Subscription:      m.subscription,
		Outbound:          m.outbound,
		Logger:            m.logger,
		Preferences:       m.preferences,
		Outbounds:         append([]domain.OutboundInfo{}, m.outbounds...),
		Pings:             pings,
		RefreshingPings:   m.refreshing,
		CurrentGroup:      m.currentGroup(),
		NetworkLost:       m.networkLost,
		PendingImportPath: m.pendingImport,
		LogCount:          len(m.logs),
	}
}

// Logs 返回从 since 开始的日志行
func (m *Machine) Logs(since int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if since < 0 {
		since = 0
	}
	if since >= len(m.logs) {
		return []string{}
	}
	return append([]string(nil), m.logs[since:]...)
}

func (m *Machine) currentGroup() string {
	if m.group == "" {
		return domain.DefaultGroupTag
	}
	return m.group
}

// ========== 连接 ==========

func (m *Machine) handleConnect() {
	session := m.session
	m.goAsync(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()

		prefs, prefsErr := m.coord.Preferences(ctx)
		running := m.coord.IsLeafRunning(ctx)
		m.post(func() {
			if m.session != session {
				return
			}
			m.applyPreferences(prefs, prefsErr)
			if running {
				m.fetchOutbounds("", nil)
				m.leaf = domain.EngineRunState{Kind: domain.EngineStarted}
			} else {
				m.outbound = domain.OutboundState{Kind: domain.OutboundInitial}
				m.leaf = domain.EngineRunState{Kind: domain.EngineStopped}
			}
			m.service = domain.ConnectionState{Kind: domain.ConnectionConnected}
			logrus.Debugf("[ViewState] service connected, engine running=%v", running)
		})
	})
}

func (m *Machine) handleDisconnect() {
	m.session++
	m.service = domain.ConnectionState{Kind: domain.ConnectionDisconnected}
	m.leaf = domain.EngineRunState{Kind: domain.EngineLoading}
	m.outbound = domain.OutboundState{Kind: domain.OutboundInitial}
	m.preferences = domain.PreferencesState{Kind: domain.PreferencesInitial}
	m.outbounds = nil
	m.pings = make(map[string]Ping)
	m.stopLoggerLocked()
	m.api = nil
	m.apiPort = 0
	m.cancelPings()
	m.settleJob.stop()
	m.settleJob = nil
	logrus.Debugf("[ViewState] service disconnected, state reset")
}

func (m *Machine) handleServiceError(err error) {
	m.service = domain.ConnectionFailed(domain.Reason(err))
}

// ========== 偏好设置 ==========

// applyPreferences 更新偏好状态；端口变化时重建控制面客户端
func (m *Machine) applyPreferences(prefs domain.Preferences, err error) {
	if err != nil {
		m.preferences = domain.PreferencesState{Kind: domain.PreferencesError, Reason: domain.Reason(err)}
		return
	}
	p := prefs.Clone()
	m.preferences = domain.PreferencesState{Kind: domain.PreferencesSuccess, Preferences: &p}
	if m.api == nil || m.apiPort != p.APIPort {
		m.api = m.cfg.NewClient(p.APIPort)
		m.apiPort = p.APIPort
		logrus.Debugf("[ViewState] control api client bound to port %d", p.APIPort)
	}
}

func (m *Machine) loadPreferences() {
	session := m.session
	m.goAsync(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()
		prefs, err := m.coord.Preferences(ctx)
		m.post(func() {
			if m.session == session {
				m.applyPreferences(prefs, err)
			}
		})
	})
}

// RefreshPreferences 重新读取偏好设置
func (m *Machine) RefreshPreferences() {
	m.post(m.loadPreferences)
}

// SetPreferences 保存偏好设置。Started 时先切到 Loading，协调器排入重载后由生命周期回调收尾；
// 保存失败或没有重载时恢复原状态。
func (m *Machine) SetPreferences(ctx context.Context, prefs domain.Preferences) (domain.Preferences, error) {
	var (
		prev    domain.EngineRunState
		loading bool
	)
	m.post(func() {
		prev = m.leaf
		if m.leaf.Kind == domain.EngineStarted {
			loading = true
			m.leaf = domain.EngineRunState{Kind: domain.EngineLoading}
		}
	})
	if err := m.Sync(ctx); err != nil {
		return domain.Preferences{}, err
	}

	saved, reloading, err := m.coord.ApplyPreferences(ctx, prefs)
	m.post(func() {
		if loading && !reloading && m.leaf.Kind == domain.EngineLoading {
			m.leaf = prev
		}
		if err == nil {
			m.applyPreferences(saved, nil)
		}
	})
	return saved, err
}

// ========== Engine 生命周期 ==========

// StartLeaf 请求启动
func (m *Machine) StartLeaf() {
	m.post(func() { m.leaf = domain.EngineRunState{Kind: domain.EngineLoading} })
	m.coord.StartLeaf()
}

// StopLeaf 请求停止
func (m *Machine) StopLeaf() {
	m.post(func() { m.leaf = domain.EngineRunState{Kind: domain.EngineLoading} })
	m.coord.StopLeaf()
}

// ReloadLeaf 请求重载
func (m *Machine) ReloadLeaf() {
	m.post(func() { m.leaf = domain.EngineRunState{Kind: domain.EngineLoading} })
	m.coord.ReloadLeaf()
}

// CheckFileChecksum 校验资源文件，失败时 Engine 状态置为 Error
func (m *Machine) CheckFileChecksum() error {
	err := m.coord.VerifyFileIntegrity()
	if err != nil {
		m.post(func() { m.leaf = domain.EngineFailed(domain.Reason(err)) })
	}
	return err
}

// handleStartSuccess 先拉取出站列表，列表提交后标记探测中并在预热后自动探测
func (m *Machine) handleStartSuccess() {
	m.leaf = domain.EngineRunState{Kind: domain.EngineStarted}
	m.autoPingJob.stop()
	m.autoPingJob = nil
	session := m.session
	m.fetchOutbounds("", func() {
		if m.session != session || m.leaf.Kind != domain.EngineStarted {
			return
		}
		m.markPingsPending()
		m.scheduleAutoPing()
	})
}

func (m *Machine) scheduleAutoPing() {
	m.autoPingJob.stop()
	j, ctx := m.newJob()
	m.autoPingJob = j
	m.goAsync(func(_ context.Context) {
		if !sleepCtx(ctx, m.cfg.WarmupDelay) {
			return
		}
		m.post(func() {
			if m.autoPingJob != j {
				return
			}
			m.autoPingJob = nil
			if len(m.outbounds) > 0 {
				m.refreshPings()
			}
		})
	})
}

func (m *Machine) handleReloadSuccess() {
	m.leaf = domain.EngineRunState{Kind: domain.EngineReloaded}
	m.fetchOutbounds("", nil)
	m.scheduleSettle()
}

func (m *Machine) handleReloadFailed(reason string) {
	m.leaf = domain.EngineFailed(reason)
	m.scheduleSettle()
}

// scheduleSettle 重载后等待固定时间，Engine 仍在运行则回到 Started
func (m *Machine) scheduleSettle() {
	m.settleJob.stop()
	j, ctx := m.newJob()
	m.settleJob = j
	m.goAsync(func(_ context.Context) {
		if !sleepCtx(ctx, m.cfg.SettleDelay) {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		running := m.coord.IsLeafRunning(callCtx)
		cancel()
		m.post(func() {
			if m.settleJob != j {
				return
			}
			m.settleJob = nil
			if running {
				m.leaf = domain.EngineRunState{Kind: domain.EngineStarted}
			}
		})
	})
}

func (m *Machine) handleStopSuccess() {
	m.leaf = domain.EngineRunState{Kind: domain.EngineStopped}
	m.outbound = domain.OutboundState{Kind: domain.OutboundInitial}
	m.cancelPings()
	m.settleJob.stop()
	m.settleJob = nil
}

func (m *Machine) newJob() (*job, context.Context) {
	ctx, cancel := context.WithCancel(m.ctx)
	return &job{cancel: cancel}, ctx
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// ========== 连通性与待导入文件 ==========

// SetPendingImportPath 记录等待用户确认的离线订阅文件
func (m *Machine) SetPendingImportPath(path string) {
	m.post(func() { m.pendingImport = path })
}

// ClearPendingImportPath 清除待导入文件
func (m *Machine) ClearPendingImportPath() {
	m.post(func() { m.pendingImport = "" })
}

// ========== 订阅 ==========

func (m *Machine) subscriptionCallback() coordinator.SubscriptionCallback {
	return coordinator.SubscriptionFuncs{
		Updating: func() {
			m.post(func() { m.subscription = domain.SubscriptionState{Kind: domain.SubscriptionFetching} })
		},
		Success: func() {
			m.post(func() {
				m.subscription = domain.SubscriptionState{Kind: domain.SubscriptionSuccess}
				m.loadPreferences()
			})
		},
		Failure: func(err error) {
			m.post(func() { m.subscription = domain.SubscriptionFailed(domain.Reason(err)) })
		},
	}
}

// UpdateSubscription 拉取在线订阅
func (m *Machine) UpdateSubscription(clientID string) {
	m.coord.UpdateSubscription(clientID, m.subscriptionCallback())
}

// ImportOfflineSubscription 导入离线订阅包，使用内置验签公钥
func (m *Machine) ImportOfflineSubscription(path, passphrase string) {
	m.coord.ImportOfflineSubscription(path, passphrase, m.cfg.OfflineKeyIDs, m.cfg.OfflineKeys, m.subscriptionCallback())
}

// UpdateCustomSubscription 应用自定义配置
func (m *Machine) UpdateCustomSubscription(configText string) {
	m.coord.UpdateCustomSubscription(configText, m.subscriptionCallback())
}

// ========== 监听器适配 ==========

type serviceHooks struct{ m *Machine }

func (h serviceHooks) OnConnect()        { h.m.post(h.m.handleConnect) }
func (h serviceHooks) OnDisconnect()     { h.m.post(h.m.handleDisconnect) }
func (h serviceHooks) OnError(err error) { h.m.post(func() { h.m.handleServiceError(err) }) }

type leafHooks struct{ m *Machine }

func (h leafHooks) OnStarting() {
	h.m.post(func() { h.m.leaf = domain.EngineRunState{Kind: domain.EngineLoading} })
}
func (h leafHooks) OnStartSuccess() { h.m.post(h.m.handleStartSuccess) }
func (h leafHooks) OnStartFailed(reason string) {
	h.m.post(func() { h.m.leaf = domain.EngineFailed(reason) })
}
func (h leafHooks) OnReloadSuccess() { h.m.post(h.m.handleReloadSuccess) }
func (h leafHooks) OnReloadFailed(reason string) {
	h.m.post(func() { h.m.handleReloadFailed(reason) })
}
func (h leafHooks) OnStopSuccess() { h.m.post(h.m.handleStopSuccess) }
func (h leafHooks) OnStopFailed(reason string) {
	h.m.post(func() { h.m.leaf = domain.EngineFailed(reason) })
}

type connectivityHooks struct{ m *Machine }

func (h connectivityHooks) OnConnectivityChanged(ev domain.ConnectivityEvent) {
	h.m.post(func() { h.m.networkLost = ev.Lost })
}
