// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/xg2g-timeshift/internal/config"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/manifest"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/resume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockChecker struct {
	name   string
	status Status
}

func (m *mockChecker) Name() string { return m.name }

func (m *mockChecker) Check(context.Context) CheckResult {
	return CheckResult{Status: m.status}
}

func TestManager_Health(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "healthy", status: StatusHealthy})
	m.RegisterChecker(&mockChecker{name: "degraded", status: StatusDegraded})

	// Non-verbose: no checks included
	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "v1.0.0", resp.Version)
	assert.GreaterOrEqual(t, resp.Uptime, int64(0))
	assert.Nil(t, resp.Checks)

	resp = m.Health(context.Background(), true)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Len(t, resp.Checks, 2)
}

func TestManager_Ready(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []Status
		wantReady bool
		want      Status
	}{
		{"no checkers", nil, true, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, true, StatusHealthy},
		{"degraded stays ready", []Status{StatusHealthy, StatusDegraded}, true, StatusDegraded},
		{"unhealthy wins", []Status{StatusUnhealthy, StatusDegraded}, false, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager("v1")
			for i, s := range tt.statuses {
				m.RegisterChecker(&mockChecker{name: string(rune('a' + i)), status: s})
			}
			resp := m.Ready(context.Background())
			assert.Equal(t, tt.wantReady, resp.Ready)
			assert.Equal(t, tt.want, resp.Status)
		})
	}
}

func TestServeReady_StatusCode(t *testing.T) {
	m := NewManager("v1")
	m.RegisterChecker(&mockChecker{name: "down", status: StatusUnhealthy})

	rec := httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Ready)
	assert.Equal(t, StatusUnhealthy, resp.Checks["down"].Status)

	rec = httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "liveness ignores component state")
}

func TestManifestChecker(t *testing.T) {
	dir := t.TempDir()
	good, err := manifest.Encode(manifest.Snapshot{Watermark: 10, Added: 3, Removed: 1, Filenames: []string{"a.ts", "b.ts"}})
	require.NoError(t, err)

	write := func(name string, b []byte) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, b, 0o600))
		return p
	}

	tests := []struct {
		name string
		path string
		want Status
	}{
		{"valid", write("good.tsbuffer", good), StatusHealthy},
		{"missing", filepath.Join(dir, "none.tsbuffer"), StatusUnhealthy},
		{"directory", dir, StatusUnhealthy},
		{"too short", write("short.tsbuffer", good[:10]), StatusDegraded},
		{"torn trailer", write("torn.tsbuffer", append(append([]byte{}, good[:len(good)-4]...), 9, 9, 9, 9)), StatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewManifestChecker("live", tt.path, 0)
			assert.Equal(t, "stream:live", c.Name())
			res := c.Check(context.Background())
			assert.Equal(t, tt.want, res.Status, "%+v", res)
		})
	}

	res := NewManifestChecker("live", filepath.Join(dir, "good.tsbuffer"), 0).Check(context.Background())
	assert.Contains(t, res.Message, "2 segments")
}

type failingStore struct{ resume.Store }

func (failingStore) Get(context.Context, string, string) (*resume.State, error) {
	return nil, errors.New("connection refused")
}

func TestStoreChecker(t *testing.T) {
	ok := NewStoreChecker(resume.NewMemoryStore(time.Hour)).Check(context.Background())
	assert.Equal(t, StatusHealthy, ok.Status)

	bad := NewStoreChecker(failingStore{}).Check(context.Background())
	assert.Equal(t, StatusDegraded, bad.Status)
	assert.Contains(t, bad.Error, "connection refused")
}

func TestPerformStartupChecks(t *testing.T) {
	cfg := config.Defaults()
	cfg.Streams = []config.Stream{{Name: "live", Manifest: filepath.Join(t.TempDir(), "missing", "live.tsbuffer")}}
	cfg.Resume.Backend = resume.BackendSqlite
	cfg.Resume.Dir = filepath.Join(t.TempDir(), "resume")
	require.NoError(t, PerformStartupChecks(cfg))
	assert.DirExists(t, cfg.Resume.Dir)

	cfg.Server.ListenAddr = "localhost"
	require.ErrorContains(t, PerformStartupChecks(cfg), "invalid listen address")

	cfg.Server.ListenAddr = ":99999"
	require.ErrorContains(t, PerformStartupChecks(cfg), "invalid listen port")
}
