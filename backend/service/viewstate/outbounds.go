package viewstate

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"leafclient/backend/domain"
)

// fetchOutbounds 拉取分组成员并标记当前选择；tag 为空时使用当前分组。
// then 非空时在列表提交后于状态循环中执行。
func (m *Machine) fetchOutbounds(tag string, then func()) {
	if tag == "" {
		tag = m.currentGroup()
	}
	api := m.api
	if api == nil {
		m.outbound = domain.OutboundFailed(errNoControlAPI.Error())
		return
	}
	m.outbound = domain.OutboundState{Kind: domain.OutboundLoading}
	m.outboundOp++
	op, session := m.outboundOp, m.session

	m.goAsync(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()

		list, err := api.ListOutbounds(ctx, tag)
		var selected string
		if err == nil {
			selected, err = api.GetSelected(ctx, tag)
		}
		m.post(func() {
			if m.session != session || m.outboundOp != op {
				return
			}
			if err != nil {
				logrus.Warnf("[ViewState] list outbounds of %s failed: %v", tag, err)
				m.outbound = domain.OutboundFailed(domain.Reason(err))
				return
			}
			for i := range list {
				list[i].IsSelected = list[i].Name == selected
			}
			m.outbounds = list
			m.outbound = domain.OutboundState{Kind: domain.OutboundSuccess}
		})
	})
}

// RefreshOutbounds 重新拉取当前分组
func (m *Machine) RefreshOutbounds() {
	m.post(func() { m.fetchOutbounds("", nil) })
}

// SetSubgroup 切换浏览的分组，空字符串表示顶层分组
func (m *Machine) SetSubgroup(tag string) {
	m.post(func() {
		m.group = tag
		m.fetchOutbounds(tag, nil)
	})
}

// ChangeSelectedOutbound 在当前分组中选择出站。
// 当前分组不是顶层分组时，再让顶层分组指向当前分组；第一步失败则不发第二步。
// 失败时不回滚本地列表，需要重新拉取。
func (m *Machine) ChangeSelectedOutbound(name string) {
	m.post(func() {
		api := m.api
		if api == nil {
			m.outbound = domain.OutboundFailed(errNoControlAPI.Error())
			return
		}
		tag := m.currentGroup()
		session := m.session
		m.outbound = domain.OutboundState{Kind: domain.OutboundLoading}
		m.outboundOp++
		op := m.outboundOp

		m.goAsync(func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
			defer cancel()

			err := api.SetSelected(ctx, tag, name)
			if err == nil && tag != domain.DefaultGroupTag {
				err = api.SetSelected(ctx, domain.DefaultGroupTag, tag)
			}
			m.post(func() {
				if m.session != session || m.outboundOp != op {
					return
				}
				if err != nil {
					logrus.Warnf("[ViewState] select %s/%s failed: %v", tag, name, err)
					m.outbound = domain.OutboundFailed(domain.Reason(err))
					return
				}
				for i := range m.outbounds {
					m.outbounds[i].IsSelected = m.outbounds[i].Name == name
				}
				m.outbound = domain.OutboundState{Kind: domain.OutboundSuccess}
			})
		})
	})
}

// RefreshPings 取消进行中的探测并对全部出站重新并发探测。
// 每个探测有独立超时，超时记为失败；全部探测结束后才清除 refreshing。
func (m *Machine) RefreshPings() {
	m.post(m.refreshPings)
}

func (m *Machine) refreshPings() {
	m.pingJob.stop()
	m.pingJob = nil
	m.refreshing = false
	api := m.api
	if api == nil || len(m.outbounds) == 0 {
		return
	}

	j, ctx := m.newJob()
	m.pingJob = j
	m.refreshing = true

	names := m.markPingsPending()

	m.goAsync(func(_ context.Context) {
		var wg sync.WaitGroup
		for _, name := range names {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				result := m.probe(ctx, api, name)
				if ctx.Err() != nil {
					return
				}
				m.post(func() {
					if m.pingJob == j {
						m.pings[name] = result
					}
				})
			}(name)
		}
		wg.Wait()
		m.post(func() {
			if m.pingJob == j {
				m.pingJob = nil
				m.refreshing = false
			}
		})
	})
}

// PingOutbound 探测单个出站
func (m *Machine) PingOutbound(name string) {
	m.post(func() {
		api := m.api
		if api == nil {
			return
		}
		session := m.session
		m.pings[name] = Ping{Pending: true}
		m.goAsync(func(ctx context.Context) {
			result := m.probe(ctx, api, name)
			m.post(func() {
				if m.session == session {
					m.pings[name] = result
				}
			})
		})
	})
}

// probe 单次健康检查，超时或失败返回空结果。
// 不依赖 api 自身响应取消，超时后直接返回。
func (m *Machine) probe(ctx context.Context, api ControlAPI, name string) Ping {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	type outcome struct {
		health domain.Health
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("health check panicked: %v", r)}
			}
		}()
		h, err := api.GetHealth(ctx, name)
		ch <- outcome{health: h, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			logrus.Debugf("[ViewState] ping %s failed: %v", name, out.err)
			return Ping{}
		}
		if ms, ok := out.health.Latency(); ok {
			return Ping{Millis: &ms}
		}
		return Ping{}
	case <-ctx.Done():
		logrus.Debugf("[ViewState] ping %s timed out", name)
		return Ping{}
	}
}

// markPingsPending 以当前列表重建探测结果，旧列表的结果不保留
func (m *Machine) markPingsPending() []string {
	names := make([]string, 0, len(m.outbounds))
	pings := make(map[string]Ping, len(m.outbounds))
	for _, o := range m.outbounds {
		names = append(names, o.Name)
		pings[o.Name] = Ping{Pending: true}
	}
	m.pings = pings
	return names
}

func (m *Machine) cancelPings() {
	m.pingJob.stop()
	m.pingJob = nil
	m.autoPingJob.stop()
	m.autoPingJob = nil
	m.refreshing = false
}
