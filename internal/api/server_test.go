package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/xg2g-timeshift/internal/config"
	"github.com/ManuGH/xg2g-timeshift/internal/health"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/producer"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/resume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const segSize = 1000

type fixture struct {
	srv   *httptest.Server
	prod  *producer.Producer
	store *resume.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p, err := producer.New(producer.Options{
		Dir:         t.TempDir(),
		SegmentSize: segSize,
		Window:      6,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	cfg := config.Defaults()
	cfg.Streams = []config.Stream{
		{Name: "live", Manifest: p.ManifestPath()},
		{Name: "gone", Manifest: filepath.Join(t.TempDir(), "missing.tsbuffer")},
	}
	cfg.Server.RateLimit = 0
	cfg.Manifest.RetryPause = time.Millisecond
	cfg.Manifest.Attempts = 3
	cfg.Segment.OpenAttempts = 2
	cfg.Segment.OpenRetryDelay = time.Millisecond
	cfg.ReadAhead.Enabled = false
	cfg.Follow.PollInterval = 10 * time.Millisecond
	cfg.Follow.IdleTimeout = 150 * time.Millisecond

	store := resume.NewMemoryStore(time.Hour)
	srv := httptest.NewServer(New(cfg, store).Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, prod: p, store: store}
}

func (f *fixture) write(t *testing.T, from, n int64) {
	t.Helper()
	b := make([]byte, n)
	for i := range b {
		b[i] = producer.Pattern(from + int64(i))
	}
	_, err := f.prod.Write(b)
	require.NoError(t, err)
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func expected(from, n int64) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = producer.Pattern(from + int64(i))
	}
	return b
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The "gone" stream has no manifest, so the server is not ready.
	resp, body := f.get(t, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var ready health.ReadinessResponse
	require.NoError(t, json.Unmarshal(body, &ready))
	assert.Equal(t, health.StatusHealthy, ready.Checks["stream:live"].Status)
	assert.Equal(t, health.StatusUnhealthy, ready.Checks["stream:gone"].Status)
	assert.Equal(t, health.StatusHealthy, ready.Checks["resume_store"].Status)
}

func TestListStreams(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/streams/")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list []streamEntry
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 2)
	assert.Equal(t, "live", list[0].Name)
}

func TestStream_Errors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		path string
		code int
	}{
		{"/streams/nope", http.StatusNotFound},
		{"/streams/live?from=yesterday", http.StatusBadRequest},
		{"/streams/live?from=resume", http.StatusBadRequest},
		{"/streams/gone?from=start", http.StatusServiceUnavailable},
		{"/streams/nope/status", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, _ := f.get(t, tt.path)
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}
}

func TestStream_FromStartServesWholeBuffer(t *testing.T) {
	f := newFixture(t)
	f.write(t, 0, 4500)

	resp, body := f.get(t, "/streams/live?from=start")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get(HeaderReader))
	assert.Equal(t, FromStart, resp.Header.Get(HeaderPlacement))
	assert.Equal(t, expected(0, 4500), body)
}

func TestStream_FromLiveStartsAtEdge(t *testing.T) {
	f := newFixture(t)
	f.write(t, 0, 2500)

	resp, body := f.get(t, "/streams/live")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, FromLive, resp.Header.Get(HeaderPlacement))
	assert.Empty(t, body, "nothing new was written after the stream started")
}

func TestStream_ResumeContinuesWhereClientStopped(t *testing.T) {
	f := newFixture(t)
	f.write(t, 0, 2300)

	_, body := f.get(t, "/streams/live?from=start&client=tv")
	require.Equal(t, expected(0, 2300), body)

	st, err := f.store.Get(t.Context(), "tv", "live")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, int64(2), st.SequenceID)
	assert.Equal(t, int64(300), st.SegmentOffset)

	f.write(t, 2300, 900)
	resp, body := f.get(t, "/streams/live?from=resume&client=tv")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, resume.Exact.String(), resp.Header.Get(HeaderPlacement))
	assert.Equal(t, expected(2300, 900), body)

	// Forget, then resume falls back to live.
	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/streams/live/resume?client=tv", nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	resp, body = f.get(t, "/streams/live?from=resume&client=tv")
	assert.Equal(t, FromLive, resp.Header.Get(HeaderPlacement))
	assert.Empty(t, body)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.write(t, 0, 2500)
	require.NoError(t, f.store.Put(t.Context(), "tv", "live", &resume.State{SequenceID: 1, SegmentOffset: 10, UpdatedAt: time.Now()}))

	resp, body := f.get(t, "/streams/live/status?client=tv")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got statusResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "live", got.Stream)
	assert.False(t, got.Status.Stale)
	assert.Equal(t, int64(0), got.Status.Start)
	assert.Equal(t, int64(2500), got.Status.End)
	require.Len(t, got.Segments, 3)
	assert.Equal(t, int64(2), got.Segments[2].SequenceID)

	require.NotNil(t, got.Resume)
	assert.Equal(t, int64(1010), got.Resume.Offset)
	assert.Equal(t, resume.Exact.String(), got.Resume.Placement)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.write(t, 0, 100)
	_, _ = f.get(t, "/streams/live?from=start")

	resp, body := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "xg2g_timeshift_stream_end_total")
	assert.Contains(t, string(body), "xg2g_timeshift_http_request_duration_seconds")
}
