package tasks

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"leafclient/backend/domain"
	"leafclient/backend/service/update"
)

// PreferencesSource 读取当前偏好
type PreferencesSource interface {
	Preferences(ctx context.Context) (domain.Preferences, error)
}

// SubscriptionUpdater 按 client ID 刷新在线订阅
type SubscriptionUpdater interface {
	UpdateSubscription(clientID string)
}

// UpdateChecker 新版本检查
type UpdateChecker interface {
	Check(ctx context.Context, manual bool) update.State
}

// Options 调度器依赖；周期为 0 的任务不启动
type Options struct {
	Preferences          PreferencesSource
	Subscriptions        SubscriptionUpdater
	SubscriptionInterval time.Duration

	Updates        UpdateChecker
	UpdateInterval time.Duration

	// tick 检查订阅是否到期的周期
	tick time.Duration
	now  func() time.Time
}

type Scheduler struct {
	opts Options
}

func NewScheduler(opts Options) *Scheduler {
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.tick <= 0 {
		opts.tick = time.Minute
	}
	return &Scheduler{opts: opts}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}

	if s.opts.Subscriptions != nil && s.opts.Preferences != nil && s.opts.SubscriptionInterval > 0 {
		go runWithTicker(ctx, s.opts.tick, "subscription refresh", s.refreshSubscription)
	}
	if s.opts.Updates != nil && s.opts.UpdateInterval > 0 {
		go runWithTicker(ctx, s.opts.UpdateInterval, "update check", func(ctx context.Context) {
			s.opts.Updates.Check(ctx, false)
		})
	}
}

// refreshSubscription 距上次更新超过周期时刷新
func (s *Scheduler) refreshSubscription(ctx context.Context) {
	prefs, err := s.opts.Preferences.Preferences(ctx)
	if err != nil {
		logrus.Warnf("[Tasks] read preferences failed: %v", err)
		return
	}
	clientID := strings.TrimSpace(prefs.Subscription.ClientID)
	if clientID == "" {
		return
	}
	last := time.Unix(prefs.Subscription.LastUpdateTime, 0)
	if prefs.Subscription.LastUpdateTime > 0 && s.opts.now().Sub(last) < s.opts.SubscriptionInterval {
		return
	}
	logrus.Infof("[Tasks] refreshing subscription %s", clientID)
	s.opts.Subscriptions.UpdateSubscription(clientID)
}

func runWithTicker(ctx context.Context, interval time.Duration, name string, fn func(context.Context)) {
	if interval <= 0 {
		interval = time.Minute
	}

	// 启动后先跑一次，避免“等待一个周期才生效”。
	safeRun(ctx, name, fn)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			safeRun(ctx, name, fn)
		}
	}
}

func safeRun(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("[Tasks] %s panicked: %v", name, r)
		}
	}()
	fn(ctx)
}
