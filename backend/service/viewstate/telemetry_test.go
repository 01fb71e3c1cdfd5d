package viewstate

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"leafclient/backend/domain"
)

// stubAPI 可逐次编排的控制面
type stubAPI struct {
	mu          sync.Mutex
	outbounds   []string
	healthCalls int
	logCalls    []int

	health func(ctx context.Context, name string, call int) (domain.Health, error)
	logs   func(ctx context.Context, offset int) ([]string, error)
}

func (s *stubAPI) ListOutbounds(ctx context.Context, groupTag string) ([]domain.OutboundInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OutboundInfo, 0, len(s.outbounds))
	for _, n := range s.outbounds {
		out = append(out, domain.OutboundInfo{Name: n})
	}
	return out, nil
}

func (s *stubAPI) GetSelected(ctx context.Context, groupTag string) (string, error) {
	return "", nil
}

func (s *stubAPI) SetSelected(ctx context.Context, groupTag, name string) error { return nil }

func (s *stubAPI) GetHealth(ctx context.Context, name string) (domain.Health, error) {
	s.mu.Lock()
	s.healthCalls++
	call := s.healthCalls
	s.mu.Unlock()
	return s.health(ctx, name, call)
}

func (s *stubAPI) GetLogs(ctx context.Context, limit, offset int) ([]string, error) {
	s.mu.Lock()
	s.logCalls = append(s.logCalls, offset)
	s.mu.Unlock()
	return s.logs(ctx, offset)
}

func (s *stubAPI) ClearLogs(ctx context.Context) error { return nil }

func (s *stubAPI) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthCalls
}

func (s *stubAPI) logOffsets() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.logCalls...)
}

func tcp(ms int64) domain.Health { return domain.Health{TCPMillis: &ms} }

func TestMachine_RefreshPingsDiscardsStaleSweep(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	api := &stubAPI{
		outbounds: []string{"A"},
		health: func(ctx context.Context, name string, call int) (domain.Health, error) {
			if call == 1 {
				// 忽略取消，放行后才返回旧结果
				<-release
				return tcp(999), nil
			}
			return tcp(20), nil
		},
	}

	h := newHarness(t, harnessOptions{running: true, api: api, cfg: Config{ProbeTimeout: 10 * time.Second}})
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})
	waitSnapshot(t, h.m, "outbounds", outboundsLoaded)

	h.m.RefreshPings()
	waitFor(t, "first health call", func() bool { return api.calls() == 1 })
	h.m.RefreshPings()
	waitSnapshot(t, h.m, "second sweep", func(s Snapshot) bool {
		return !s.RefreshingPings && pingMillis(s.Pings["A"]) == 20
	})

	close(release)
	time.Sleep(50 * time.Millisecond)
	if err := h.m.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := pingMillis(h.m.Snapshot().Pings["A"]); got != 20 {
		t.Fatalf("expected stale sweep result to be discarded, got %d", got)
	}
}

func TestMachine_RefreshPingsBoundsStalledHealthCheck(t *testing.T) {
	t.Parallel()

	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	api := &stubAPI{
		outbounds: []string{"A", "B", "C"},
		health: func(ctx context.Context, name string, call int) (domain.Health, error) {
			switch name {
			case "A":
				<-stuck
				return tcp(1), nil
			case "B":
				return tcp(15), nil
			default:
				return domain.Health{}, nil
			}
		},
	}

	h := newHarness(t, harnessOptions{running: true, api: api, cfg: Config{ProbeTimeout: 50 * time.Millisecond}})
	waitSnapshot(t, h.m, "outbounds", outboundsLoaded)

	h.m.RefreshPings()
	snap := waitSnapshot(t, h.m, "sweep finished", func(s Snapshot) bool {
		return !s.RefreshingPings && len(s.Pings) == 3 && !s.Pings["A"].Pending
	})

	want := map[string]Ping{"A": {}, "B": {Millis: ptr(15)}, "C": {}}
	if diff := cmp.Diff(want, snap.Pings); diff != "" {
		t.Fatalf("unexpected pings (-want +got):\n%s", diff)
	}
}

func TestMachine_RefreshPingsSurvivesPanickingHealthCheck(t *testing.T) {
	t.Parallel()

	api := &stubAPI{
		outbounds: []string{"A", "B"},
		health: func(ctx context.Context, name string, call int) (domain.Health, error) {
			if name == "A" {
				panic("decode health response")
			}
			return tcp(15), nil
		},
	}

	h := newHarness(t, harnessOptions{running: true, api: api, cfg: Config{ProbeTimeout: time.Second}})
	waitSnapshot(t, h.m, "outbounds", outboundsLoaded)

	h.m.RefreshPings()
	snap := waitSnapshot(t, h.m, "sweep finished", func(s Snapshot) bool {
		return !s.RefreshingPings && len(s.Pings) == 2 && !s.Pings["A"].Pending && !s.Pings["B"].Pending
	})

	want := map[string]Ping{"A": {}, "B": {Millis: ptr(15)}}
	if diff := cmp.Diff(want, snap.Pings); diff != "" {
		t.Fatalf("unexpected pings (-want +got):\n%s", diff)
	}
}

func TestMachine_RefreshPingsDropsRemovedOutbounds(t *testing.T) {
	t.Parallel()

	api := &stubAPI{
		outbounds: []string{"A", "B"},
		health: func(ctx context.Context, name string, call int) (domain.Health, error) {
			return tcp(10), nil
		},
	}

	h := newHarness(t, harnessOptions{running: true, api: api, cfg: Config{ProbeTimeout: time.Second}})
	waitSnapshot(t, h.m, "outbounds", outboundsLoaded)

	h.m.RefreshPings()
	waitSnapshot(t, h.m, "first sweep", func(s Snapshot) bool {
		return !s.RefreshingPings && pingMillis(s.Pings["A"]) == 10 && pingMillis(s.Pings["B"]) == 10
	})

	api.mu.Lock()
	api.outbounds = []string{"A"}
	api.mu.Unlock()
	h.m.RefreshOutbounds()
	waitSnapshot(t, h.m, "shrunk list", func(s Snapshot) bool { return len(s.Outbounds) == 1 })

	h.m.RefreshPings()
	if err := h.m.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	snap := waitSnapshot(t, h.m, "second sweep", func(s Snapshot) bool {
		return !s.RefreshingPings && !s.Pings["A"].Pending
	})

	want := map[string]Ping{"A": {Millis: ptr(10)}}
	if diff := cmp.Diff(want, snap.Pings); diff != "" {
		t.Fatalf("unexpected pings (-want +got):\n%s", diff)
	}
}

func TestMachine_PingOutbound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{running: true})
	h.engine.SetHealth("US", -1, 42)
	waitSnapshot(t, h.m, "outbounds", outboundsLoaded)

	h.m.PingOutbound("US")
	waitSnapshot(t, h.m, "ping", func(s Snapshot) bool { return pingMillis(s.Pings["US"]) == 42 })
}

func ptr(v int64) *int64 { return &v }

func TestMachine_LoggerPollsWithBufferedOffset(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{running: true, cfg: Config{LogInterval: 10 * time.Millisecond}})
	h.engine.AppendLogs("first", "second")
	waitSnapshot(t, h.m, "connected", func(s Snapshot) bool { return s.Service.Kind == domain.ConnectionConnected })

	h.m.StartLogger()
	waitSnapshot(t, h.m, "two lines", func(s Snapshot) bool { return s.LogCount == 2 })
	h.engine.AppendLogs("  third  ")
	snap := waitSnapshot(t, h.m, "three lines", func(s Snapshot) bool { return s.LogCount == 3 })
	if snap.Logger.Kind != domain.LoggerStarted {
		t.Fatalf("expected logger started, got %s", snap.Logger.Kind)
	}

	if diff := cmp.Diff([]string{"first", "second", "third"}, h.m.Logs(0)); diff != "" {
		t.Fatalf("unexpected logs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"third"}, h.m.Logs(2)); diff != "" {
		t.Fatalf("unexpected logs since 2 (-want +got):\n%s", diff)
	}

	var sawOffset2 bool
	for _, c := range h.engine.Calls() {
		if c == "logs 200 2" {
			sawOffset2 = true
		}
	}
	if !sawOffset2 {
		t.Fatalf("expected offset to follow buffered count, calls=%v", h.engine.Calls())
	}
}

func TestMachine_StartLoggerIsSingleFlight(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	lines := []string{"a", "b"}
	api := &stubAPI{
		logs: func(ctx context.Context, offset int) ([]string, error) {
			mu.Lock()
			defer mu.Unlock()
			if offset >= len(lines) {
				return nil, nil
			}
			return lines[offset:], nil
		},
	}
	h := newHarness(t, harnessOptions{api: api, cfg: Config{LogInterval: 10 * time.Millisecond}})
	waitSnapshot(t, h.m, "connected", func(s Snapshot) bool { return s.Service.Kind == domain.ConnectionConnected })

	h.m.StartLogger()
	waitSnapshot(t, h.m, "lines", func(s Snapshot) bool { return s.LogCount == 2 })
	h.m.StartLogger()
	snap := waitSnapshot(t, h.m, "error", func(s Snapshot) bool { return s.Logger.Kind == domain.LoggerError })
	if snap.Logger.Reason != "Logger is already running" {
		t.Fatalf("unexpected reason %q", snap.Logger.Reason)
	}

	mu.Lock()
	lines = append(lines, "c")
	mu.Unlock()
	waitSnapshot(t, h.m, "third line", func(s Snapshot) bool { return s.LogCount == 3 })
	time.Sleep(50 * time.Millisecond)

	// 两个循环会重复追加
	if diff := cmp.Diff([]string{"a", "b", "c"}, h.m.Logs(0)); diff != "" {
		t.Fatalf("unexpected logs (-want +got):\n%s", diff)
	}
	offsets := api.logOffsets()
	for i := 1; i < len(offsets); i++ {
		if offsets[i] < offsets[i-1] {
			t.Fatalf("expected non-decreasing offsets from a single loop, got %v", offsets)
		}
	}
}

func TestMachine_LoggerErrorsDoNotStopLoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{running: true, cfg: Config{LogInterval: 10 * time.Millisecond}})
	waitSnapshot(t, h.m, "connected", func(s Snapshot) bool { return s.Service.Kind == domain.ConnectionConnected })
	h.engine.FailLogs(true)

	h.m.StartLogger()
	snap := waitSnapshot(t, h.m, "error", func(s Snapshot) bool { return s.Logger.Kind == domain.LoggerError })
	if !strings.Contains(snap.Logger.Reason, "log buffer unavailable") {
		t.Fatalf("unexpected reason %q", snap.Logger.Reason)
	}

	h.engine.FailLogs(false)
	h.engine.AppendLogs("recovered")
	waitSnapshot(t, h.m, "recovered", func(s Snapshot) bool {
		return s.LogCount == 1 && s.Logger.Kind == domain.LoggerStarted
	})
}

func TestMachine_StopLoggerDiscardsInFlightBatch(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	api := &stubAPI{
		logs: func(ctx context.Context, offset int) ([]string, error) {
			<-release
			return []string{"late"}, nil
		},
	}
	h := newHarness(t, harnessOptions{api: api})
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})
	waitSnapshot(t, h.m, "connected", func(s Snapshot) bool { return s.Service.Kind == domain.ConnectionConnected })

	h.m.StartLogger()
	waitFor(t, "fetch in flight", func() bool { return len(api.logOffsets()) == 1 })
	h.m.StopLogger()
	if err := h.m.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	close(release)
	time.Sleep(50 * time.Millisecond)
	if err := h.m.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	snap := h.m.Snapshot()
	if snap.LogCount != 0 || snap.Logger.Kind != domain.LoggerInitial {
		t.Fatalf("expected in-flight batch discarded, got count=%d logger=%s", snap.LogCount, snap.Logger.Kind)
	}
}

func TestMachine_ClearLogs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{running: true, cfg: Config{LogInterval: 10 * time.Millisecond}})
	h.engine.AppendLogs("one", "two")
	waitSnapshot(t, h.m, "connected", func(s Snapshot) bool { return s.Service.Kind == domain.ConnectionConnected })
	h.m.StartLogger()
	waitSnapshot(t, h.m, "lines", func(s Snapshot) bool { return s.LogCount == 2 })
	h.m.StopLogger()

	h.m.ClearLogs()
	waitSnapshot(t, h.m, "cleared", func(s Snapshot) bool { return s.LogCount == 0 })

	var cleared bool
	for _, c := range h.engine.Calls() {
		if c == "clear_logs" {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("expected engine log buffer to be cleared")
	}
}
