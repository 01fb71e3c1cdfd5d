package viewstate

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"leafclient/backend/domain"
)

// StartLogger 启动内存日志轮询。已有轮询在运行时报错，不会启动第二个。
func (m *Machine) StartLogger() {
	m.post(func() {
		if m.loggerJob != nil {
			m.logger = domain.LoggerFailed("Logger is already running")
			return
		}
		api := m.api
		if api == nil {
			m.logger = domain.LoggerFailed(errNoControlAPI.Error())
			return
		}
		m.logger = domain.MemoryLoggerState{Kind: domain.LoggerLoading}
		j, ctx := m.newJob()
		m.loggerJob = j
		m.goAsync(func(_ context.Context) { m.pollLogs(ctx, j, api) })
		m.logger = domain.MemoryLoggerState{Kind: domain.LoggerStarted}
		logrus.Debugf("[ViewState] memory logger started")
	})
}

// pollLogs 串行执行 取批次、追加、休眠；请求失败只更新状态，不退出循环
func (m *Machine) pollLogs(ctx context.Context, j *job, api ControlAPI) {
	for {
		m.mu.RLock()
		offset := len(m.logs)
		m.mu.RUnlock()

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		lines, err := api.GetLogs(callCtx, m.cfg.LogBatch, offset)
		cancel()
		if ctx.Err() != nil {
			return
		}

		appended := make(chan struct{})
		m.post(func() {
			defer close(appended)
			if m.loggerJob != j {
				return
			}
			if err != nil {
				m.logger = domain.LoggerFailed(domain.Reason(err))
				m.logFetchFailed = true
				return
			}
			for _, line := range lines {
				if line = strings.TrimSpace(line); line != "" {
					m.logs = append(m.logs, line)
				}
			}
			if m.logFetchFailed {
				m.logFetchFailed = false
				m.logger = domain.MemoryLoggerState{Kind: domain.LoggerStarted}
			}
		})
		select {
		case <-appended:
		case <-ctx.Done():
			return
		}

		if !sleepCtx(ctx, m.cfg.LogInterval) {
			return
		}
	}
}

// StopLogger 停止轮询；进行中的请求结果不会再写入
func (m *Machine) StopLogger() {
	m.post(m.stopLoggerLocked)
}

func (m *Machine) stopLoggerLocked() {
	if m.loggerJob == nil {
		m.logger = domain.MemoryLoggerState{Kind: domain.LoggerInitial}
		return
	}
	m.logger = domain.MemoryLoggerState{Kind: domain.LoggerLoading}
	m.logFetchFailed = false
	m.loggerJob.stop()
	m.loggerJob = nil
	m.logger = domain.MemoryLoggerState{Kind: domain.LoggerInitial}
	logrus.Debugf("[ViewState] memory logger stopped")
}

// ClearLogs 清空 Engine 日志缓冲，成功后清空本地缓冲
func (m *Machine) ClearLogs() {
	m.post(func() {
		api := m.api
		if api == nil {
			m.logger = domain.LoggerFailed(errNoControlAPI.Error())
			return
		}
		m.goAsync(func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
			defer cancel()
			err := api.ClearLogs(ctx)
			m.post(func() {
				if err != nil {
					m.logger = domain.LoggerFailed(domain.Reason(err))
					return
				}
				m.logs = nil
			})
		})
	})
}
