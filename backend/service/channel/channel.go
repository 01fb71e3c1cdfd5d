package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"leafclient/backend/domain"
)

const defaultDialTimeout = 10 * time.Second

// Options Channel 回调配置
type Options struct {
	// OnState 连接状态变化。持锁调用，必须非阻塞。
	OnState func(state domain.ConnectionState)
	// OnEvent Engine 回调与广播，在每个连接自己的 goroutine 中按序调用。
	OnEvent func(event Event)

	DialTimeout time.Duration
}

// Channel 到 Engine 宿主的唯一 IPC 通道
type Channel struct {
	dialer Dialer
	opts   Options

	mu     sync.Mutex
	state  domain.ConnectionState
	remote Remote
	gen    uint64
	cancel context.CancelFunc
}

// New 创建通道（初始为 Disconnected）
func New(dialer Dialer, opts Options) *Channel {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	return &Channel{
		dialer: dialer,
		opts:   opts,
		state:  domain.ConnectionState{Kind: domain.ConnectionDisconnected},
	}
}

// State 当前连接状态
func (c *Channel) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Bind 异步建立连接；已连接或正在连接时为空操作。结果通过 OnState 送达。
func (c *Channel) Bind() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.Kind {
	case domain.ConnectionConnecting, domain.ConnectionConnected:
		return
	}

	c.gen++
	gen := c.gen
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	c.cancel = cancel
	c.setStateLocked(domain.ConnectionState{Kind: domain.ConnectionConnecting})

	go c.dial(ctx, gen)
}

func (c *Channel) dial(ctx context.Context, gen uint64) {
	remote, err := c.dialer.Dial(ctx)
	if err == nil && remote == nil {
		err = errors.New("dialer returned no remote")
	}

	c.mu.Lock()
	if c.gen != gen {
		// 期间已 Unbind 或重新 Bind
		c.mu.Unlock()
		if remote != nil {
			_ = remote.Close()
		}
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if err != nil {
		logrus.Warnf("[Channel] bind failed: %v", err)
		c.setStateLocked(domain.ConnectionFailed(err.Error()))
		c.mu.Unlock()
		return
	}
	c.remote = remote
	c.setStateLocked(domain.ConnectionState{Kind: domain.ConnectionConnected})
	c.mu.Unlock()

	logrus.Infof("[Channel] bound to engine host")
	go c.watch(remote, gen)
}

// watch 转发事件并监听连接死亡
func (c *Channel) watch(remote Remote, gen uint64) {
	events := remote.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.emit(ev)
		case <-remote.Done():
			c.drain(events)
			c.handleDeath(remote, gen)
			return
		}
	}
}

func (c *Channel) drain(events <-chan Event) {
	if events == nil {
		return
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.emit(ev)
		default:
			return
		}
	}
}

func (c *Channel) emit(ev Event) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
}

func (c *Channel) handleDeath(remote Remote, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.remote != remote {
		return
	}
	c.remote = nil
	logrus.Warnf("[Channel] engine host died: %v", remote.Err())
	c.setStateLocked(domain.ConnectionState{Kind: domain.ConnectionDisconnected})
}

// Unbind 释放连接；从未绑定时为空操作
func (c *Channel) Unbind() {
	c.mu.Lock()
	if c.state.Kind == domain.ConnectionDisconnected && c.remote == nil {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	remote := c.remote
	c.remote = nil
	c.setStateLocked(domain.ConnectionState{Kind: domain.ConnectionDisconnected})
	c.mu.Unlock()

	if remote != nil {
		if err := remote.Close(); err != nil {
			logrus.Debugf("[Channel] close remote: %v", err)
		}
	}
}

func (c *Channel) setStateLocked(state domain.ConnectionState) {
	if c.state == state {
		return
	}
	c.state = state
	if c.opts.OnState != nil {
		c.opts.OnState(state)
	}
}

func (c *Channel) current() (Remote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return nil, domain.ErrRemoteUnavailable
	}
	return c.remote, nil
}

// IsRunning 查询 Engine 是否运行
func (c *Channel) IsRunning(ctx context.Context) (bool, error) {
	remote, err := c.current()
	if err != nil {
		return false, err
	}
	return remote.IsRunning(ctx)
}

// Start 请求启动 Engine
func (c *Channel) Start(ctx context.Context, sessionLabel string) error {
	remote, err := c.current()
	if err != nil {
		return err
	}
	return wrapCall("start", remote.Start(ctx, sessionLabel))
}

// Stop 请求停止 Engine
func (c *Channel) Stop(ctx context.Context) error {
	remote, err := c.current()
	if err != nil {
		return err
	}
	return wrapCall("stop", remote.Stop(ctx))
}

// Reload 请求重载 Engine
func (c *Channel) Reload(ctx context.Context) error {
	remote, err := c.current()
	if err != nil {
		return err
	}
	return wrapCall("reload", remote.Reload(ctx))
}

// Version 查询 Engine 版本
func (c *Channel) Version(ctx context.Context) (string, error) {
	remote, err := c.current()
	if err != nil {
		return "", err
	}
	return remote.Version(ctx)
}

func wrapCall(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrRemoteUnavailable) {
		return err
	}
	var opErr *domain.OperationFailedError
	if errors.As(err, &opErr) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
