package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/ota-agent/internal/domain/ota"
)

type fakeBackend struct {
	mu      sync.Mutex
	manual  any
	auto    any
	status  int
	reports []map[string]string
	auth    []string
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()

	reply := func(body any) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			f.auth = append(f.auth, r.Header.Get("Authorization"))
			status := f.status
			f.mu.Unlock()

			if status != 0 {
				w.WriteHeader(status)

				return
			}

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(body)
		}
	}

	mux.HandleFunc(ManualPath, func(w http.ResponseWriter, r *http.Request) { reply(f.manual)(w, r) })
	mux.HandleFunc(AutoPath, func(w http.ResponseWriter, r *http.Request) { reply(f.auto)(w, r) })
	mux.HandleFunc(ReportPath, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		f.reports = append(f.reports, body)
		f.mu.Unlock()

		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func newClient(t *testing.T, fake *fakeBackend) *Client {
	t.Helper()

	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	return New(Options{BaseURL: server.URL + "/", Token: "secret", DeviceID: "dev-1"})
}

// TestDiscover_ManualSortedByPriority checks manual deployments win and are ordered.
func TestDiscover_ManualSortedByPriority(t *testing.T) {
	t.Parallel()

	fake := &fakeBackend{
		manual: map[string]any{
			"success":           true,
			"updates_available": true,
			"updates": []map[string]any{
				{"id": 7, "version": "1.4.0", "priority": "low", "download_url": "http://x/b.tar.gz", "size_bytes": 10},
				{
					"deployment_id": "9", "version": "1.3.0", "priority": "CRITICAL",
					"files": []map[string]any{
						{"name": "sensor", "download_url": "http://x/sensor", "checksum": "abc", "target_path": "apps/sensor", "size": 4},
					},
				},
				{"id": 8, "version": "1.3.5", "priority": "urgent?", "download_url": "http://x/c.zip"},
				{"id": 10, "priority": "high"},
			},
		},
		auto: map[string]any{"success": true, "update_available": true, "update": map[string]any{"version": "9.9.9"}},
	}

	updates, err := newClient(t, fake).Discover(context.Background(), "1.2.0")
	require.NoError(t, err)
	require.Len(t, updates, 3)

	require.Equal(t, "9", updates[0].ID)
	require.Equal(t, ota.PriorityCritical, updates[0].Priority)
	require.Equal(t, ota.SourceManual, updates[0].Source)
	require.Equal(t, []ota.PackageFile{
		{Name: "sensor", URL: "http://x/sensor", Checksum: "abc", RelPath: "apps/sensor", Size: 4},
	}, updates[0].Files)

	require.Equal(t, "7", updates[1].ID)
	require.Equal(t, "bundle.zip", updates[1].Files[0].Name)
	require.Equal(t, int64(10), updates[1].Files[0].Size)
	require.Equal(t, int64(10), updates[1].Size())

	require.Equal(t, "8", updates[2].ID)

	fake.mu.Lock()
	defer fake.mu.Unlock()

	require.Equal(t, []string{"Bearer secret"}, fake.auth)
}

// TestDiscover_FallsBackToAuto checks the auto-update path when nothing is pending.
func TestDiscover_FallsBackToAuto(t *testing.T) {
	t.Parallel()

	fake := &fakeBackend{
		manual: map[string]any{"success": true, "updates_available": false},
		auto: map[string]any{
			"success":          true,
			"update_available": true,
			"update": map[string]any{
				"version": "1.3.0", "name": "release.tar.gz", "s3_url": "http://x/release.tar.gz",
				"checksum": "sha256:00", "size": 42, "requires_reboot": true,
			},
		},
	}

	updates, err := newClient(t, fake).Discover(context.Background(), "1.2.0")
	require.NoError(t, err)
	require.Len(t, updates, 1)

	pkg := updates[0]
	require.Equal(t, "auto-1.3.0", pkg.ID)
	require.Equal(t, ota.SourceAuto, pkg.Source)
	require.Equal(t, ota.PriorityNormal, pkg.Priority)
	require.True(t, pkg.RequiresReboot)
	require.True(t, pkg.HasBundle())
	require.Equal(t, int64(42), pkg.Size())
	require.Equal(t, "http://x/release.tar.gz", pkg.Files[0].URL)
}

// TestDiscover_NoUpdate returns an empty list without error.
func TestDiscover_NoUpdate(t *testing.T) {
	t.Parallel()

	fake := &fakeBackend{
		manual: map[string]any{"success": true},
		auto:   map[string]any{"success": true, "update_available": false, "latest_version": "1.2.0"},
	}

	updates, err := newClient(t, fake).Discover(context.Background(), "1.2.0")
	require.NoError(t, err)
	require.Empty(t, updates)
}

// TestDiscover_Unreachable classifies backend failures as transient.
func TestDiscover_Unreachable(t *testing.T) {
	t.Parallel()

	fake := &fakeBackend{status: http.StatusBadGateway}

	_, err := newClient(t, fake).Discover(context.Background(), "1.2.0")
	require.Error(t, err)
	require.Equal(t, ota.KindTransient, ota.KindOf(err))
	require.ErrorIs(t, err, errBadHTTPStatus)
}

// TestReport posts the outcome with the reported error code.
func TestReport(t *testing.T) {
	t.Parallel()

	fake := &fakeBackend{}

	err := newClient(t, fake).Report(context.Background(), Report{
		Version:   "1.2.0",
		UpdateID:  "9",
		Status:    ota.StatusFailed,
		ErrorKind: ota.KindIntegrity,
		Error:     "checksum mismatch",
	})
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()

	require.Equal(t, []map[string]string{{
		"device_id":  "dev-1",
		"version":    "1.2.0",
		"update_id":  "9",
		"status":     "failed",
		"error_kind": "integrity_error",
		"error":      "checksum mismatch",
	}}, fake.reports)
}
