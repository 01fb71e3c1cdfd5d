package update

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"leafclient/backend/service/shared"
)

func init() {
	backoffUnit = time.Millisecond
}

func TestIsVersionNewer(t *testing.T) {
	t.Parallel()

	cases := []struct {
		latest, current string
		want            bool
	}{
		{"1.2.0", "1.1.9", true},
		{"1.2", "1.2.0", false},
		{"1.2.1", "1.2", true},
		{"1.10", "1.9", true},
		{"1.0.0", "1.0.0", false},
		{"0.9", "1.0", false},
		{"1.x.1", "1.0.0", true},
		{"", "1.0", false},
		{"v2.0", "1.9", true},
	}
	for _, tc := range cases {
		if got := IsVersionNewer(tc.latest, tc.current); got != tc.want {
			t.Fatalf("IsVersionNewer(%q, %q): expected %v, got %v", tc.latest, tc.current, tc.want, got)
		}
	}
}

func TestChecker_FetchRequestsArchAndVersionPath(t *testing.T) {
	t.Parallel()

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"available":true,"latestVersionName":"1.3.0","downloadSources":[{"type":"github","url":"https://example.com/a.apk"}],"changeLog":[{"languageCode":"en","text":"fixes"}]}`))
	}))
	t.Cleanup(srv.Close)

	c := NewChecker(Options{BaseURL: srv.URL + "/", Arch: "arm64-v8a", Version: "1.2.0", Client: srv.Client()})
	resp, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotPath != "/downloads/android/arm64-v8a/1.2.0" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	want := Response{
		Available:         true,
		LatestVersionName: "1.3.0",
		DownloadSources:   []DownloadSource{{Type: "github", URL: "https://example.com/a.apk"}},
		ChangeLog:         []ChangeLogEntry{{LanguageCode: "en", Text: "fixes"}},
	}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Fatalf("unexpected response (-want +got):\n%s", diff)
	}
}

func TestChecker_FetchRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"available":false}`))
	}))
	t.Cleanup(srv.Close)

	c := NewChecker(Options{BaseURL: srv.URL, Version: "1.0", Client: srv.Client()})
	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestChecker_FetchGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	c := NewChecker(Options{BaseURL: srv.URL, Version: "1.0", Retries: 2, Client: srv.Client()})
	_, err := c.Fetch(context.Background())
	var se *shared.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 status error, got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", hits.Load())
	}
}

type stubFetcher struct {
	version string
	resp    Response
	err     error
}

func (s stubFetcher) Fetch(ctx context.Context) (Response, error) { return s.resp, s.err }
func (s stubFetcher) Version() string                             { return s.version }

func TestTracker_Check(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		fetcher stubFetcher
		want    Kind
	}{
		{"newer", stubFetcher{version: "1.0", resp: Response{Available: true, LatestVersionName: "1.1"}}, Available},
		{"same version", stubFetcher{version: "1.1", resp: Response{Available: true, LatestVersionName: "1.1"}}, NotAvailable},
		{"server says none", stubFetcher{version: "1.0", resp: Response{LatestVersionName: "2.0"}}, NotAvailable},
		{"error", stubFetcher{version: "1.0", err: errors.New("boom")}, Error},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tr := NewTracker(tc.fetcher)
			if tr.State().Kind != Initial {
				t.Fatalf("expected initial state, got %s", tr.State().Kind)
			}
			st := tr.Check(context.Background(), true)
			if st.Kind != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, st.Kind)
			}
			if tc.want == Available && st.Info == nil {
				t.Fatalf("expected update info")
			}
			if tc.want == Error && st.Reason != "boom" {
				t.Fatalf("unexpected reason %q", st.Reason)
			}
		})
	}
}
