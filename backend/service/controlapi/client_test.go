package controlapi_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"leafclient/backend/domain"
	"leafclient/backend/service/controlapi"
	"leafclient/backend/service/controlapi/controlapitest"
)

func TestClient_ListAndSelect(t *testing.T) {
	t.Parallel()

	engine := controlapitest.New(t)
	engine.SetGroup("OUT", "EU", "US")
	client := engine.Client()
	ctx := context.Background()

	got, err := client.ListOutbounds(ctx, "OUT")
	if err != nil {
		t.Fatalf("ListOutbounds: %v", err)
	}
	want := []domain.OutboundInfo{{Name: "EU", IsSelected: true}, {Name: "US"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("outbounds mismatch (-want +got):\n%s", diff)
	}

	if err := client.SetSelected(ctx, "OUT", "US"); err != nil {
		t.Fatalf("SetSelected: %v", err)
	}
	selected, err := client.GetSelected(ctx, "OUT")
	if err != nil || selected != "US" {
		t.Fatalf("expected US selected, got %q, %v", selected, err)
	}
}

func TestClient_HealthFieldsOptional(t *testing.T) {
	t.Parallel()

	engine := controlapitest.New(t)
	engine.SetHealth("a", 25, -1)
	engine.SetHealth("b", -1, -1)
	client := engine.Client()

	h, err := client.GetHealth(context.Background(), "a")
	if err != nil {
		t.Fatalf("GetHealth: %v", err)
	}
	if h.TCPMillis == nil || *h.TCPMillis != 25 || h.UDPMillis != nil {
		t.Fatalf("unexpected health: %+v", h)
	}

	h, err = client.GetHealth(context.Background(), "b")
	if err != nil {
		t.Fatalf("missing latency must not be an error: %v", err)
	}
	if _, ok := h.Latency(); ok {
		t.Fatalf("expected no latency")
	}
}

func TestClient_LogsWindowAndClear(t *testing.T) {
	t.Parallel()

	engine := controlapitest.New(t)
	engine.AppendLogs("l1", "l2", "l3")
	client := engine.Client()
	ctx := context.Background()

	msgs, err := client.GetLogs(ctx, 2, 1)
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if diff := cmp.Diff([]string{"l2", "l3"}, msgs); diff != "" {
		t.Fatalf("logs mismatch (-want +got):\n%s", diff)
	}

	if err := client.ClearLogs(ctx); err != nil {
		t.Fatalf("ClearLogs: %v", err)
	}
	msgs, err = client.GetLogs(ctx, 200, 0)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected empty logs after clear, got %v, %v", msgs, err)
	}
}

func TestClient_ErrorStatusIsOperationFailed(t *testing.T) {
	t.Parallel()

	engine := controlapitest.New(t)
	engine.FailSelect("OUT", "selector locked")

	err := engine.Client().SetSelected(context.Background(), "OUT", "x")
	var opErr *domain.OperationFailedError
	if !errors.As(err, &opErr) || opErr.Reason != "selector locked" {
		t.Fatalf("expected OperationFailedError, got %v", err)
	}
}

func TestClient_RefusedPortIsEngineUnreachable(t *testing.T) {
	t.Parallel()

	// 占用一个端口后立即释放，保证无人监听
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	client := controlapi.New(port, time.Second)
	if client.Port() != port {
		t.Fatalf("expected port %d, got %d", port, client.Port())
	}
	err = client.SetSelected(context.Background(), "OUT", "x")
	if !errors.Is(err, domain.ErrEngineUnreachable) {
		t.Fatalf("expected ErrEngineUnreachable, got %v", err)
	}
}
