package permission

import (
	"context"
	"errors"
	"testing"

	"leafclient/backend/domain"
)

func TestGate_PrepareRequiresConsent(t *testing.T) {
	t.Parallel()

	g := NewGate(false, false)
	if err := g.Prepare(context.Background()); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	g.Grant()
	if err := g.Prepare(context.Background()); err != nil {
		t.Fatalf("expected granted gate to pass, got %v", err)
	}
	g.Revoke()
	if g.Granted() {
		t.Fatalf("expected revoked gate")
	}
}

func TestGate_ProbeFailureDenies(t *testing.T) {
	t.Parallel()

	g := NewGate(true, false)
	g.probe = func() error { return errors.New("missing cap_net_admin") }
	if err := g.Prepare(context.Background()); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}
