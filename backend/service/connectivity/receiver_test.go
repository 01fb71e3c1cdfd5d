package connectivity

import "testing"

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		eventType, data string
		ok, lost        bool
	}{
		{eventType: "connectivity_changed", data: "lost", ok: true, lost: true},
		{eventType: "connectivity_changed", data: "recovered", ok: true, lost: false},
		{eventType: "connectivity_changed", data: "flapping", ok: false},
		{eventType: "battery_low", data: "lost", ok: false},
		{eventType: "", data: "", ok: false},
	}
	for _, tc := range cases {
		ev, ok := Parse(tc.eventType, tc.data, 123)
		if ok != tc.ok {
			t.Fatalf("Parse(%q,%q): expected ok=%v, got %v", tc.eventType, tc.data, tc.ok, ok)
		}
		if ok && (ev.Lost != tc.lost || ev.Timestamp != 123) {
			t.Fatalf("Parse(%q,%q): unexpected event %+v", tc.eventType, tc.data, ev)
		}
	}
}
