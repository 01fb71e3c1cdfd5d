package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"leafclient/backend/domain"
	"leafclient/backend/service/update"
)

type stubPrefs struct {
	prefs domain.Preferences
	err   error
}

func (s stubPrefs) Preferences(ctx context.Context) (domain.Preferences, error) { return s.prefs, s.err }

type recordingUpdater struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingUpdater) UpdateSubscription(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, clientID)
}

func (r *recordingUpdater) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestScheduler_RefreshSubscriptionOnlyWhenDue(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	cases := []struct {
		name string
		meta domain.SubscriptionMeta
		err  error
		want int
	}{
		{"never updated", domain.SubscriptionMeta{ClientID: "abc"}, nil, 1},
		{"stale", domain.SubscriptionMeta{ClientID: "abc", LastUpdateTime: now.Add(-2 * time.Hour).Unix()}, nil, 1},
		{"fresh", domain.SubscriptionMeta{ClientID: "abc", LastUpdateTime: now.Add(-10 * time.Minute).Unix()}, nil, 0},
		{"no client id", domain.SubscriptionMeta{}, nil, 0},
		{"prefs error", domain.SubscriptionMeta{ClientID: "abc"}, errors.New("boom"), 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			up := &recordingUpdater{}
			s := NewScheduler(Options{
				Preferences:          stubPrefs{prefs: domain.Preferences{Subscription: tc.meta}, err: tc.err},
				Subscriptions:        up,
				SubscriptionInterval: time.Hour,
				now:                  func() time.Time { return now },
			})
			s.refreshSubscription(context.Background())
			if got := len(up.calls()); got != tc.want {
				t.Fatalf("expected %d refresh calls, got %d", tc.want, got)
			}
		})
	}
}

type countingChecker struct {
	mu     sync.Mutex
	manual []bool
}

func (c *countingChecker) Check(ctx context.Context, manual bool) update.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manual = append(c.manual, manual)
	return update.State{Kind: update.NotAvailable}
}

func (c *countingChecker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.manual)
}

func TestScheduler_StartRunsUpdateCheckImmediately(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker := &countingChecker{}
	NewScheduler(Options{Updates: checker, UpdateInterval: time.Hour}).Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for checker.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected update check on start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	checker.mu.Lock()
	defer checker.mu.Unlock()
	if checker.manual[0] {
		t.Fatalf("expected background check to be non-manual")
	}
}

func TestSafeRun_RecoversPanic(t *testing.T) {
	t.Parallel()

	safeRun(context.Background(), "panicky", func(context.Context) { panic("boom") })
}
