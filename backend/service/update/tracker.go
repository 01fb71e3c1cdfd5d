package update

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Kind 更新检查状态
type Kind string

const (
	Initial        Kind = "initial"
	Checking       Kind = "checking"
	ManualChecking Kind = "manual_checking"
	Available      Kind = "available"
	NotAvailable   Kind = "not_available"
	Error          Kind = "error"
)

// State 更新检查状态；Available 时携带 Info
type State struct {
	Kind   Kind      `json:"kind"`
	Info   *Response `json:"info,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// Fetcher 更新查询
type Fetcher interface {
	Fetch(ctx context.Context) (Response, error)
	Version() string
}

// Tracker 记录最近一次检查结果，同一时间只有一次检查
type Tracker struct {
	fetcher Fetcher

	mu      sync.Mutex
	state   State
	running bool
}

// NewTracker 创建 Tracker
func NewTracker(fetcher Fetcher) *Tracker {
	return &Tracker{fetcher: fetcher, state: State{Kind: Initial}}
}

// State 当前状态
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Check 后台检查；manual 为 true 时状态为 ManualChecking。
// 已有检查在进行时直接返回当前状态。
func (t *Tracker) Check(ctx context.Context, manual bool) State {
	t.mu.Lock()
	if t.running {
		st := t.state
		t.mu.Unlock()
		return st
	}
	t.running = true
	if manual {
		t.state = State{Kind: ManualChecking}
	} else {
		t.state = State{Kind: Checking}
	}
	t.mu.Unlock()

	resp, err := t.fetcher.Fetch(ctx)
	next := t.evaluate(resp, err)

	t.mu.Lock()
	t.state = next
	t.running = false
	t.mu.Unlock()
	return next
}

func (t *Tracker) evaluate(resp Response, err error) State {
	if err != nil {
		logrus.Warnf("[Update] check failed: %v", err)
		return State{Kind: Error, Reason: err.Error()}
	}
	if resp.Available && IsVersionNewer(resp.LatestVersionName, t.fetcher.Version()) {
		logrus.Infof("[Update] new version %s available", resp.LatestVersionName)
		return State{Kind: Available, Info: &resp}
	}
	return State{Kind: NotAvailable}
}
