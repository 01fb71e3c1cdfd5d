//go:build linux

package permission

import "testing"

func TestParseCapEff(t *testing.T) {
	t.Parallel()

	status := []byte("Name:\tleaf\nCapInh:\t0000000000000000\nCapEff:\t0000000000001000\n")
	mask, err := parseCapEff(status)
	if err != nil {
		t.Fatalf("parseCapEff: %v", err)
	}
	if mask&(1<<capNetAdmin) == 0 {
		t.Fatalf("expected cap_net_admin bit in %x", mask)
	}

	if _, err := parseCapEff([]byte("Name:\tleaf\n")); err == nil {
		t.Fatalf("expected error when CapEff is absent")
	}
}
