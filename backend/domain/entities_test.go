package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestPreferences_JSONPreservesRoutingLists(t *testing.T) {
	t.Parallel()

	prefs := DefaultPreferences("1.2.3")
	prefs.BypassGeoipList = []string{"ir", "cn", "ir"}
	prefs.BypassGeositeList = []string{}
	prefs.RejectGeoipList = []string{"z", "a", "m"}
	prefs.RejectGeositeList = []string{"category-ads-all", "category-ads-all"}

	data, err := json.Marshal(prefs)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Preferences
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff(prefs, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	if got.BypassGeositeList == nil {
		t.Fatalf("expected empty list to stay non-nil")
	}
}

func TestDefaultPreferences(t *testing.T) {
	t.Parallel()

	prefs := DefaultPreferences("2.0.0")
	if !prefs.EnableIPv6 || prefs.PreferIPv6 {
		t.Fatalf("unexpected ipv6 defaults: %+v", prefs)
	}
	if prefs.APIPort != DefaultAPIPort {
		t.Fatalf("expected apiPort %d, got %d", DefaultAPIPort, prefs.APIPort)
	}
	if prefs.LogLevel != LogLevelInfo || !prefs.MemoryLogger {
		t.Fatalf("unexpected logging defaults: %+v", prefs)
	}
	if prefs.AutoReload {
		t.Fatalf("expected autoReload disabled by default")
	}
	if err := prefs.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestPreferences_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	prefs := DefaultPreferences("")
	prefs.BypassGeoipList = []string{"a"}
	clone := prefs.Clone()
	clone.BypassGeoipList[0] = "b"
	if prefs.BypassGeoipList[0] != "a" {
		t.Fatalf("clone shares backing array")
	}
}

func TestPreferences_ValidateRejectsBadPort(t *testing.T) {
	t.Parallel()

	prefs := DefaultPreferences("")
	prefs.APIPort = 70000
	if err := prefs.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	prefs.APIPort = 10001
	prefs.LogLevel = "verbose"
	if err := prefs.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestHealth_LatencyPolicy(t *testing.T) {
	t.Parallel()

	tcp, udp := int64(30), int64(80)
	cases := []struct {
		name   string
		health Health
		want   int64
		ok     bool
	}{
		{name: "tcp wins", health: Health{TCPMillis: &tcp, UDPMillis: &udp}, want: 30, ok: true},
		{name: "udp fallback", health: Health{UDPMillis: &udp}, want: 80, ok: true},
		{name: "none", health: Health{}, ok: false},
	}
	for _, tc := range cases {
		got, ok := tc.health.Latency()
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%s: expected (%d,%v), got (%d,%v)", tc.name, tc.want, tc.ok, got, ok)
		}
	}
}

func TestSubscriptionMeta(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	meta := SubscriptionMeta{ExpireTime: now.Unix() - 1, Traffic: 100, Used: 120}
	if !meta.Expired(now) {
		t.Fatalf("expected expired")
	}
	if meta.Remaining() != 0 {
		t.Fatalf("expected 0 remaining, got %d", meta.Remaining())
	}
	if (SubscriptionMeta{}).Remaining() != -1 {
		t.Fatalf("expected unlimited traffic")
	}
}

func TestIsValidClientID(t *testing.T) {
	t.Parallel()

	if !IsValidClientID("3b241101-e2bb-4255-8caf-4136c566a962") {
		t.Fatalf("expected v4 uuid to be valid")
	}
	// v1
	if IsValidClientID("6ba7b810-9dad-11d1-80b4-00c04fd430c8") {
		t.Fatalf("expected non-v4 uuid to be rejected")
	}
	if IsValidClientID("not-a-uuid") || IsValidClientID("  ") {
		t.Fatalf("expected garbage to be rejected")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	err := error(&IntegrityError{Mismatched: []string{"geo.mmdb"}})
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("IntegrityError should unwrap to ErrIntegrity")
	}
	err = &VerificationError{KeyID: "k1", Reason: "bad signature"}
	if !errors.Is(err, ErrVerification) {
		t.Fatalf("VerificationError should unwrap to ErrVerification")
	}
	if got := Reason(&OperationFailedError{Op: "start", Reason: "tun busy"}); got != "tun busy" {
		t.Fatalf("expected reason %q, got %q", "tun busy", got)
	}
}
