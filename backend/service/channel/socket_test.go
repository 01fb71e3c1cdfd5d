package channel

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"leafclient/backend/codec"
	"leafclient/backend/domain"
)

// fakeHost 在 unix socket 上模拟 Engine 宿主
type fakeHost struct {
	t       *testing.T
	ln      net.Listener
	running bool
	conns   chan net.Conn
}

func startFakeHost(t *testing.T) (*fakeHost, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	h := &fakeHost{t: t, ln: ln, conns: make(chan net.Conn, 1)}
	t.Cleanup(func() { _ = ln.Close() })
	go h.serve()
	return h, path
}

func (h *fakeHost) serve() {
	conn, err := h.ln.Accept()
	if err != nil {
		return
	}
	h.conns <- conn
	dec := codec.NewDecoder(conn)
	enc := codec.NewEncoder(conn)
	for {
		var req Frame
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := Frame{ID: req.ID, Kind: frameResponse, OK: true}
		switch req.Action {
		case actionIsRunning:
			resp.Data, _ = codec.Marshal(h.running)
		case actionVersion:
			resp.Data, _ = codec.Marshal("0.5.0")
		case actionStart:
			if req.Label == "" {
				resp.OK = false
				resp.Error = "missing session label"
				break
			}
			h.running = true
			_ = enc.Encode(resp)
			_ = enc.Encode(Frame{Kind: frameEvent, Event: string(EventStarting)})
			_ = enc.Encode(Frame{Kind: frameEvent, Event: string(EventStartSuccess)})
			continue
		case actionReload:
			_ = enc.Encode(resp)
			_ = enc.Encode(Frame{Kind: frameEvent, Event: string(EventReloadFailed), Message: "bad config"})
			_ = enc.Encode(Frame{Kind: frameEvent, Event: string(EventBroadcast), Broadcast: &Broadcast{
				EventType: "connectivity_changed", Data: "lost", Timestamp: 42,
			}})
			continue
		}
		_ = enc.Encode(resp)
	}
}

func nextEvent(t *testing.T, r Remote) Event {
	t.Helper()
	select {
	case ev := <-r.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for event")
		return Event{}
	}
}

func TestSocketRemote_RequestResponseAndEvents(t *testing.T) {
	t.Parallel()

	_, path := startFakeHost(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	remote, err := SocketDialer{Path: path}.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer remote.Close()

	running, err := remote.IsRunning(ctx)
	if err != nil || running {
		t.Fatalf("expected not running, got %v, %v", running, err)
	}
	version, err := remote.Version(ctx)
	if err != nil || version != "0.5.0" {
		t.Fatalf("expected version 0.5.0, got %q, %v", version, err)
	}

	if err := remote.Start(ctx, "leaf"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ev := nextEvent(t, remote); ev.Kind != EventStarting {
		t.Fatalf("expected starting, got %s", ev.Kind)
	}
	if ev := nextEvent(t, remote); ev.Kind != EventStartSuccess {
		t.Fatalf("expected start_success, got %s", ev.Kind)
	}

	if err := remote.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	ev := nextEvent(t, remote)
	if ev.Kind != EventReloadFailed || ev.Message != "bad config" {
		t.Fatalf("unexpected reload event: %+v", ev)
	}
	ev = nextEvent(t, remote)
	if ev.Kind != EventBroadcast || ev.Broadcast == nil || ev.Broadcast.Data != "lost" {
		t.Fatalf("unexpected broadcast event: %+v", ev)
	}
}

func TestSocketRemote_HostErrorIsOperationFailed(t *testing.T) {
	t.Parallel()

	_, path := startFakeHost(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	remote, err := SocketDialer{Path: path}.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer remote.Close()

	err = remote.Start(ctx, "")
	var opErr *domain.OperationFailedError
	if !errors.As(err, &opErr) || opErr.Reason != "missing session label" {
		t.Fatalf("expected OperationFailedError, got %v", err)
	}
}

func TestSocketRemote_HostDeathClosesDone(t *testing.T) {
	t.Parallel()

	host, path := startFakeHost(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	remote, err := SocketDialer{Path: path}.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer remote.Close()

	conn := <-host.conns
	_ = conn.Close()

	select {
	case <-remote.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Done to close after host death")
	}
	if !errors.Is(remote.Err(), domain.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", remote.Err())
	}
	if _, err := remote.IsRunning(ctx); !errors.Is(err, domain.ErrRemoteUnavailable) {
		t.Fatalf("expected calls after death to fail with ErrRemoteUnavailable, got %v", err)
	}
}

func TestSocketDialer_MissingSocket(t *testing.T) {
	t.Parallel()

	_, err := SocketDialer{Path: filepath.Join(t.TempDir(), "absent.sock")}.Dial(context.Background())
	if err == nil {
		t.Fatalf("expected dial error")
	}
}
