// Package coordinator 持有到 Engine 宿主的唯一通道，负责监听器分发、
// Engine 生命周期命令与订阅操作。
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"leafclient/backend/domain"
	"leafclient/backend/repository"
	"leafclient/backend/repository/events"
	"leafclient/backend/service/channel"
	"leafclient/backend/service/connectivity"
	"leafclient/backend/service/shared"
)

const (
	defaultSessionLabel        = "Leaf VPN"
	defaultSubscriptionTimeout = 2 * time.Minute
)

// Subscriptions 订阅导入实现
type Subscriptions interface {
	Update(ctx context.Context, clientID string) (domain.SubscriptionMeta, error)
	ImportOffline(ctx context.Context, path, passphrase string, keyIDs, verifyingKeys []string) (domain.SubscriptionMeta, error)
	UpdateCustom(ctx context.Context, configText string) (domain.SubscriptionMeta, error)
}

// IntegrityChecker 资源文件校验
type IntegrityChecker interface {
	Verify() error
}

// PermissionGate VPN 授权检查
type PermissionGate interface {
	Prepare(ctx context.Context) error
}

// Deps 协调器依赖
type Deps struct {
	Dialer        channel.Dialer
	Preferences   repository.PreferencesRepository
	Subscriptions Subscriptions
	Integrity     IntegrityChecker
	Permission    PermissionGate
	Bus           *events.Bus

	SessionLabel        string
	CallTimeout         time.Duration
	DialTimeout         time.Duration
	SubscriptionTimeout time.Duration
}

// Coordinator 由组合根显式创建的单例
type Coordinator struct {
	channel    *channel.Channel
	prefs      repository.PreferencesRepository
	subs       Subscriptions
	integrity  IntegrityChecker
	permission PermissionGate
	bus        *events.Bus

	label       string
	callTimeout time.Duration
	subTimeout  time.Duration

	hostsMu sync.Mutex
	hosts   map[string]struct{}

	commands *commandQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建协调器
func New(deps Deps) *Coordinator {
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.SessionLabel == "" {
		deps.SessionLabel = defaultSessionLabel
	}
	if deps.CallTimeout <= 0 {
		deps.CallTimeout = shared.ControlTimeout
	}
	if deps.SubscriptionTimeout <= 0 {
		deps.SubscriptionTimeout = defaultSubscriptionTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		prefs:       deps.Preferences,
		subs:        deps.Subscriptions,
		integrity:   deps.Integrity,
		permission:  deps.Permission,
		bus:         deps.Bus,
		label:       deps.SessionLabel,
		callTimeout: deps.CallTimeout,
		subTimeout:  deps.SubscriptionTimeout,
		hosts:       make(map[string]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.channel = channel.New(deps.Dialer, channel.Options{
		OnState:     c.onChannelState,
		OnEvent:     c.onChannelEvent,
		DialTimeout: deps.DialTimeout,
	})
	c.commands = newCommandQueue(ctx, c.callTimeout)
	return c
}

// Bus 协调器使用的事件总线
func (c *Coordinator) Bus() *events.Bus {
	return c.bus
}

// ========== 宿主绑定 ==========

// BindService 附着一个 UI 宿主；第一个宿主附着时建立通道。
// 通道在宿主仍附着期间断开时，再次调用会重新绑定。
func (c *Coordinator) BindService(host string) {
	c.hostsMu.Lock()
	defer c.hostsMu.Unlock()
	if _, ok := c.hosts[host]; !ok {
		c.hosts[host] = struct{}{}
		logrus.Debugf("[Coordinator] host %s attached (%d total)", host, len(c.hosts))
	}
	c.channel.Bind()
}

// UnbindService 分离 UI 宿主；最后一个宿主分离时释放通道。未附着的宿主为空操作。
func (c *Coordinator) UnbindService(host string) {
	c.hostsMu.Lock()
	defer c.hostsMu.Unlock()
	if _, ok := c.hosts[host]; !ok {
		return
	}
	delete(c.hosts, host)
	logrus.Debugf("[Coordinator] host %s detached (%d left)", host, len(c.hosts))
	if len(c.hosts) == 0 {
		c.channel.Unbind()
	}
}

// AttachedHosts 当前附着的宿主数
func (c *Coordinator) AttachedHosts() int {
	c.hostsMu.Lock()
	defer c.hostsMu.Unlock()
	return len(c.hosts)
}

// ConnectionState 通道状态
func (c *Coordinator) ConnectionState() domain.ConnectionState {
	return c.channel.State()
}

// ========== 监听器 ==========

// AddServiceListener 注册连接监听器，返回用于移除的 token
func (c *Coordinator) AddServiceListener(l ServiceListener) string {
	return c.bus.Subscribe(events.EventConnectionChanged, func(ev events.Event) {
		e, ok := ev.(events.ConnectionEvent)
		if !ok {
			return
		}
		switch e.State.Kind {
		case domain.ConnectionConnected:
			l.OnConnect()
		case domain.ConnectionDisconnected:
			l.OnDisconnect()
		case domain.ConnectionError:
			l.OnError(fmt.Errorf("%w: %s", domain.ErrRemoteUnavailable, e.State.Reason))
		}
	})
}

// AddLeafListener 注册 Engine 生命周期监听器
func (c *Coordinator) AddLeafListener(l LeafListener) string {
	return c.bus.SubscribeAll(func(ev events.Event) {
		e, ok := ev.(events.EngineEvent)
		if !ok {
			return
		}
		switch e.EventType {
		case events.EventEngineStarting:
			l.OnStarting()
		case events.EventEngineStartSuccess:
			l.OnStartSuccess()
		case events.EventEngineStartFailed:
			l.OnStartFailed(e.Reason)
		case events.EventEngineReloadSuccess:
			l.OnReloadSuccess()
		case events.EventEngineReloadFailed:
			l.OnReloadFailed(e.Reason)
		case events.EventEngineStopSuccess:
			l.OnStopSuccess()
		case events.EventEngineStopFailed:
			l.OnStopFailed(e.Reason)
		}
	})
}

// AddConnectivityListener 注册网络连通性监听器
func (c *Coordinator) AddConnectivityListener(l ConnectivityListener) string {
	return c.bus.Subscribe(events.EventConnectivityChanged, func(ev events.Event) {
		if e, ok := ev.(events.ConnectivityEvent); ok {
			l.OnConnectivityChanged(e.Change)
		}
	})
}

// RemoveListener 按 token 移除任意类别的监听器
func (c *Coordinator) RemoveListener(token string) bool {
	return c.bus.Unsubscribe(token)
}

// ========== 通道回调 ==========

// onChannelState 在通道锁内调用，只做入队
func (c *Coordinator) onChannelState(state domain.ConnectionState) {
	c.bus.Publish(events.ConnectionEvent{State: state})
}

var engineEventTypes = map[channel.EventKind]events.EventType{
	channel.EventStarting:      events.EventEngineStarting,
	channel.EventStartSuccess:  events.EventEngineStartSuccess,
	channel.EventStartFailed:   events.EventEngineStartFailed,
	channel.EventReloadSuccess: events.EventEngineReloadSuccess,
	channel.EventReloadFailed:  events.EventEngineReloadFailed,
	channel.EventStopSuccess:   events.EventEngineStopSuccess,
	channel.EventStopFailed:    events.EventEngineStopFailed,
}

func (c *Coordinator) onChannelEvent(ev channel.Event) {
	if ev.Kind == channel.EventBroadcast {
		if ev.Broadcast != nil {
			c.HandleBroadcast(*ev.Broadcast)
		}
		return
	}
	eventType, ok := engineEventTypes[ev.Kind]
	if !ok {
		logrus.Warnf("[Coordinator] unknown engine event %q", ev.Kind)
		return
	}
	logrus.Debugf("[Coordinator] engine event %s %s", ev.Kind, ev.Message)
	c.bus.Publish(events.EngineEvent{EventType: eventType, Reason: ev.Message})
}

// HandleBroadcast 处理系统广播；只识别 connectivity_changed
func (c *Coordinator) HandleBroadcast(b channel.Broadcast) bool {
	change, ok := connectivity.Parse(b.EventType, b.Data, b.Timestamp)
	if !ok {
		return false
	}
	c.bus.Publish(events.ConnectivityEvent{Change: change})
	return true
}

// ========== Engine 生命周期 ==========

// StartLeaf 请求启动 Engine。结果只通过 LeafListener 送达。
// 资源校验与授权检查失败时直接报告 start_failed，不会调用 Engine。
func (c *Coordinator) StartLeaf() {
	c.commands.enqueue("start", func(ctx context.Context) {
		if err := c.VerifyFileIntegrity(); err != nil {
			logrus.Errorf("[Coordinator] start blocked by integrity check: %v", err)
			c.publishFailure(events.EventEngineStartFailed, err)
			return
		}
		if c.permission != nil {
			if err := c.permission.Prepare(ctx); err != nil {
				logrus.Warnf("[Coordinator] start blocked by permission gate: %v", err)
				c.publishFailure(events.EventEngineStartFailed, err)
				return
			}
		}
		if err := c.channel.Start(ctx, c.label); err != nil {
			logrus.Errorf("[Coordinator] start failed: %v", err)
			c.publishFailure(events.EventEngineStartFailed, err)
		}
	})
}

// StopLeaf 请求停止 Engine
func (c *Coordinator) StopLeaf() {
	c.commands.enqueue("stop", func(ctx context.Context) {
		if err := c.channel.Stop(ctx); err != nil {
			logrus.Errorf("[Coordinator] stop failed: %v", err)
			c.publishFailure(events.EventEngineStopFailed, err)
		}
	})
}

// ReloadLeaf 请求重载 Engine
func (c *Coordinator) ReloadLeaf() {
	c.commands.enqueue("reload", func(ctx context.Context) {
		if err := c.channel.Reload(ctx); err != nil {
			logrus.Errorf("[Coordinator] reload failed: %v", err)
			c.publishFailure(events.EventEngineReloadFailed, err)
		}
	})
}

func (c *Coordinator) publishFailure(eventType events.EventType, err error) {
	c.bus.Publish(events.EngineEvent{EventType: eventType, Reason: domain.Reason(err)})
}

// IsLeafRunning 查询 Engine 是否运行；通道不可用时视为未运行
func (c *Coordinator) IsLeafRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	running, err := c.channel.IsRunning(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrRemoteUnavailable) {
			logrus.Warnf("[Coordinator] isRunning failed: %v", err)
		}
		return false
	}
	return running
}

// Version Engine 版本
func (c *Coordinator) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.channel.Version(ctx)
}

// VerifyFileIntegrity 校验随附资源文件
func (c *Coordinator) VerifyFileIntegrity() error {
	if c.integrity == nil {
		return nil
	}
	return c.integrity.Verify()
}

// ========== 偏好设置 ==========

// Preferences 当前偏好设置
func (c *Coordinator) Preferences(ctx context.Context) (domain.Preferences, error) {
	return c.prefs.Get(ctx)
}

// SetPreferences 保存偏好设置；Engine 运行时触发一次重载
func (c *Coordinator) SetPreferences(ctx context.Context, prefs domain.Preferences) (domain.Preferences, error) {
	saved, _, err := c.ApplyPreferences(ctx, prefs)
	return saved, err
}

// ApplyPreferences 同 SetPreferences，reloading 表示是否已排入重载
func (c *Coordinator) ApplyPreferences(ctx context.Context, prefs domain.Preferences) (saved domain.Preferences, reloading bool, err error) {
	saved, err = c.prefs.Replace(ctx, prefs)
	if err != nil {
		return domain.Preferences{}, false, err
	}
	if c.IsLeafRunning(ctx) {
		logrus.Infof("[Coordinator] preferences changed while running, reloading engine")
		c.ReloadLeaf()
		return saved, true, nil
	}
	return saved, false, nil
}

// ========== 订阅 ==========

// UpdateSubscription 按 client ID 拉取在线订阅
func (c *Coordinator) UpdateSubscription(clientID string, cb SubscriptionCallback) {
	c.runSubscription("update", cb, func(ctx context.Context) (domain.SubscriptionMeta, error) {
		return c.subs.Update(ctx, clientID)
	})
}

// ImportOfflineSubscription 导入离线订阅包，签名校验失败以 OnFailure 报告
func (c *Coordinator) ImportOfflineSubscription(path, passphrase string, keyIDs, verifyingKeys []string, cb SubscriptionCallback) {
	c.runSubscription("import", cb, func(ctx context.Context) (domain.SubscriptionMeta, error) {
		return c.subs.ImportOffline(ctx, path, passphrase, keyIDs, verifyingKeys)
	})
}

// UpdateCustomSubscription 应用自定义配置
func (c *Coordinator) UpdateCustomSubscription(configText string, cb SubscriptionCallback) {
	c.runSubscription("custom", cb, func(ctx context.Context) (domain.SubscriptionMeta, error) {
		return c.subs.UpdateCustom(ctx, configText)
	})
}

type subscriptionResult struct {
	meta domain.SubscriptionMeta
	err  error
}

// runSubscription 保证在有限时间内恰好一次终止回调
func (c *Coordinator) runSubscription(op string, cb SubscriptionCallback, fn func(context.Context) (domain.SubscriptionMeta, error)) {
	if cb == nil {
		cb = SubscriptionFuncs{}
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		var once sync.Once
		finish := func(err error) {
			once.Do(func() {
				if err != nil {
					logrus.Warnf("[Coordinator] subscription %s failed: %v", op, err)
					cb.OnFailure(err)
					return
				}
				logrus.Infof("[Coordinator] subscription %s succeeded", op)
				cb.OnSuccess()
			})
		}
		defer func() {
			if r := recover(); r != nil {
				finish(fmt.Errorf("subscription %s panicked: %v", op, r))
			}
		}()

		if c.subs == nil {
			finish(fmt.Errorf("%w: subscriptions are not configured", domain.ErrInvalidInput))
			return
		}

		cb.OnUpdating()

		ctx, cancel := context.WithTimeout(c.ctx, c.subTimeout)
		defer cancel()

		done := make(chan subscriptionResult, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- subscriptionResult{err: fmt.Errorf("subscription %s panicked: %v", op, r)}
				}
			}()
			meta, err := fn(ctx)
			done <- subscriptionResult{meta: meta, err: err}
		}()

		select {
		case res := <-done:
			if res.err != nil {
				finish(res.err)
				return
			}
			finish(nil)
			c.reloadAfterSubscription(ctx)
		case <-ctx.Done():
			finish(fmt.Errorf("subscription %s: %w", op, ctx.Err()))
		}
	}()
}

// reloadAfterSubscription autoReload 开启且 Engine 运行时重载
func (c *Coordinator) reloadAfterSubscription(ctx context.Context) {
	prefs, err := c.prefs.Get(ctx)
	if err != nil || !prefs.AutoReload {
		return
	}
	if c.IsLeafRunning(ctx) {
		c.ReloadLeaf()
	}
}

// Close 释放通道并停止后台任务
func (c *Coordinator) Close() {
	c.cancel()
	c.commands.close()
	c.channel.Unbind()
	c.wg.Wait()
}
