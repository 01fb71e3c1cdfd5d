// Package channeltest 提供内存中的 Engine 宿主替身，供测试使用。
package channeltest

import (
	"context"
	"sync"

	"leafclient/backend/domain"
	"leafclient/backend/service/channel"
)

// Remote 可编程的内存 Remote。
//
// 默认行为：Start 推送 starting + start_success，Reload 推送 reload_success，
// Stop 推送 stop_success，并同步更新 Running。
type Remote struct {
	mu      sync.Mutex
	running bool
	calls   []string
	version string

	// 注入失败
	StartErr  error
	StopErr   error
	ReloadErr error

	// 为 true 时不自动推送事件，由测试调用 Emit
	Manual bool

	events chan channel.Event
	done   chan struct{}
	once   sync.Once
	err    error
}

// NewRemote 创建 Remote
func NewRemote() *Remote {
	return &Remote{
		version: "0.0.0-test",
		events:  make(chan channel.Event, 64),
		done:    make(chan struct{}),
	}
}

// SetRunning 设置 IsRunning 返回值
func (r *Remote) SetRunning(running bool) {
	r.mu.Lock()
	r.running = running
	r.mu.Unlock()
}

// Calls 返回已发生的调用（按顺序）
func (r *Remote) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Count 统计某个调用出现的次数
func (r *Remote) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (r *Remote) record(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
}

// Emit 推送事件
func (r *Remote) Emit(ev channel.Event) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

// Kill 模拟宿主进程崩溃
func (r *Remote) Kill() {
	r.once.Do(func() {
		r.mu.Lock()
		r.err = domain.ErrRemoteUnavailable
		r.mu.Unlock()
		close(r.done)
	})
}

func (r *Remote) alive() error {
	select {
	case <-r.done:
		return domain.ErrRemoteUnavailable
	default:
		return nil
	}
}

func (r *Remote) IsRunning(ctx context.Context) (bool, error) {
	if err := r.alive(); err != nil {
		return false, err
	}
	r.record("is_running")
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running, nil
}

func (r *Remote) Start(ctx context.Context, sessionLabel string) error {
	if err := r.alive(); err != nil {
		return err
	}
	r.record("start")
	if r.StartErr != nil {
		return r.StartErr
	}
	if !r.Manual {
		r.SetRunning(true)
		r.Emit(channel.Event{Kind: channel.EventStarting})
		r.Emit(channel.Event{Kind: channel.EventStartSuccess})
	}
	return nil
}

func (r *Remote) Stop(ctx context.Context) error {
	if err := r.alive(); err != nil {
		return err
	}
	r.record("stop")
	if r.StopErr != nil {
		return r.StopErr
	}
	if !r.Manual {
		r.SetRunning(false)
		r.Emit(channel.Event{Kind: channel.EventStopSuccess})
	}
	return nil
}

func (r *Remote) Reload(ctx context.Context) error {
	if err := r.alive(); err != nil {
		return err
	}
	r.record("reload")
	if r.ReloadErr != nil {
		return r.ReloadErr
	}
	if !r.Manual {
		r.Emit(channel.Event{Kind: channel.EventReloadSuccess})
	}
	return nil
}

func (r *Remote) Version(ctx context.Context) (string, error) {
	if err := r.alive(); err != nil {
		return "", err
	}
	r.record("version")
	return r.version, nil
}

func (r *Remote) Events() <-chan channel.Event { return r.events }
func (r *Remote) Done() <-chan struct{}        { return r.done }

func (r *Remote) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Remote) Close() error {
	r.Kill()
	return nil
}

// Dialer 每次 Dial 返回 Next 提供的 Remote，并记录拨号次数
type Dialer struct {
	mu    sync.Mutex
	dials int
	Err   error
	Next  func() *Remote

	last *Remote
}

// NewDialer 创建总是返回新 Remote 的 Dialer
func NewDialer() *Dialer {
	return &Dialer{Next: NewRemote}
}

func (d *Dialer) Dial(ctx context.Context) (channel.Remote, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.Err != nil {
		return nil, d.Err
	}
	r := d.Next()
	d.last = r
	return r, nil
}

// Dials 拨号次数
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last 最近一次拨号返回的 Remote
func (d *Dialer) Last() *Remote {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}
