package buffer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/xg2g-timeshift/internal/timeshift"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/manifest"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/segfile"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/segments"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fixture plays the producer: segment files in a temp dir plus a manifest
// rewritten in place.
type fixture struct {
	t        *testing.T
	dir      string
	manifest string
	prefix   string
	names    []string
	lengths  []int64
	starts   []int64
	added    int32
	removed  int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	return &fixture{t: t, dir: dir, manifest: filepath.Join(dir, "live.tsbuffer"), prefix: "seg"}
}

// pattern is the byte at a virtual offset of the fixture stream.
func pattern(off int64) byte { return byte(off*31 + off/251) }

func span(from, to int64) []byte {
	b := make([]byte, 0, to-from)
	for off := from; off < to; off++ {
		b = append(b, pattern(off))
	}
	return b
}

func (f *fixture) end() int64 {
	if len(f.names) == 0 {
		return 0
	}
	last := len(f.names) - 1
	return f.starts[last] + f.lengths[last]
}

func (f *fixture) addSegment(n int64) {
	f.t.Helper()
	start := f.end()
	name := fmt.Sprintf("%s-%d.ts", f.prefix, f.added)
	require.NoError(f.t, os.WriteFile(filepath.Join(f.dir, name), span(start, start+n), 0o600))
	f.names = append(f.names, name)
	f.starts = append(f.starts, start)
	f.lengths = append(f.lengths, n)
	f.added++
}

func (f *fixture) grow(n int64) {
	f.t.Helper()
	last := len(f.names) - 1
	end := f.end()
	fh, err := os.OpenFile(filepath.Join(f.dir, f.names[last]), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(f.t, err)
	_, err = fh.Write(span(end, end+n))
	require.NoError(f.t, err)
	require.NoError(f.t, fh.Close())
	f.lengths[last] += n
}

func (f *fixture) evict(k int) {
	f.t.Helper()
	live := f.live()
	for _, name := range live[:k] {
		require.NoError(f.t, os.Remove(filepath.Join(f.dir, name)))
	}
	f.removed += int32(k)
}

func (f *fixture) live() []string { return f.names[f.removed:] }

func (f *fixture) snapshot() manifest.Snapshot {
	return manifest.Snapshot{
		Watermark: f.lengths[len(f.lengths)-1],
		Added:     f.added,
		Removed:   f.removed,
		Filenames: append([]string(nil), f.live()...),
	}
}

func (f *fixture) publish() {
	f.t.Helper()
	b, err := manifest.Encode(f.snapshot())
	require.NoError(f.t, err)
	require.NoError(f.t, os.WriteFile(f.manifest, b, 0o600))
}

// publishTorn writes the next membership version with a broken trailer, as a
// reader would see it in the middle of the producer's rewrite.
func (f *fixture) publishTorn() {
	f.t.Helper()
	b, err := manifest.Encode(f.snapshot())
	require.NoError(f.t, err)
	binary.LittleEndian.PutUint32(b[len(b)-8:], uint32(f.added)+7)
	require.NoError(f.t, os.WriteFile(f.manifest, b, 0o600))
}

func testOptions() Options {
	return Options{
		Manifest: manifest.Options{
			Attempts:   3,
			RetryPause: time.Millisecond,
			Handle:     segfile.Options{OpenAttempts: 2, OpenRetryDelay: time.Millisecond},
		},
		Segment: segfile.Options{OpenAttempts: 2, OpenRetryDelay: time.Millisecond},
		Prober:  segments.StableProber{Pause: time.Millisecond},
	}
}

func openReader(t *testing.T, f *fixture, opts Options) *Reader {
	t.Helper()
	r, err := Open(context.Background(), f.manifest, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// drain reads in small chunks until the live edge.
func drain(t *testing.T, r *Reader, chunk int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, chunk)
	for i := 0; i < 100000; i++ {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, timeshift.ErrPartialRead) {
			return out
		}
		require.NoError(t, err)
	}
	t.Fatal("reader never reached the live edge")
	return nil
}

func TestRead_LinearAcrossSegments(t *testing.T) {
	f := newFixture(t)
	f.addSegment(100)
	f.addSegment(150)
	f.addSegment(80)
	f.publish()

	r := openReader(t, f, testOptions())
	start, end, err := r.Bounds()
	require.NoError(t, err)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(330), end)

	got := drain(t, r, 64)
	assert.Equal(t, span(0, 330), got)
	assert.Equal(t, int64(330), r.Position())
}

func TestRead_SpansSegmentBoundary(t *testing.T) {
	f := newFixture(t)
	f.addSegment(200)
	f.addSegment(120)
	f.publish()

	r := openReader(t, f, testOptions())
	pos, err := r.Seek(100, io.SeekStart)
	require.NoError(t, err)
	require.Equal(t, int64(100), pos)

	buf := make([]byte, 150)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 150, n)
	assert.Equal(t, span(100, 200), buf[:100], "first 100 bytes from the first segment")
	assert.Equal(t, span(200, 250), buf[100:], "remaining 50 bytes from the second segment")
	assert.Equal(t, int64(250), r.Position())
}

func TestSeekThenRead_MatchesLinearRead(t *testing.T) {
	f := newFixture(t)
	for _, n := range []int64{97, 3, 250, 64, 181} {
		f.addSegment(n)
	}
	f.publish()

	r := openReader(t, f, testOptions())
	linear := drain(t, r, 33)
	end := int64(len(linear))

	for off := int64(0); off <= end; off += 17 {
		pos, err := r.Seek(off, io.SeekStart)
		require.NoError(t, err)
		require.Equal(t, off, pos)

		want := min(int64(61), end-off)
		buf := make([]byte, 61)
		got := 0
		for int64(got) < want {
			n, err := r.Read(buf[got:])
			require.NoError(t, err, "offset %d", off)
			got += n
		}
		assert.Equal(t, linear[off:off+want], buf[:got], "offset %d", off)
	}
}

func TestRead_AtLiveEdgeIsPartialRead(t *testing.T) {
	f := newFixture(t)
	f.addSegment(50)
	f.publish()

	r := openReader(t, f, testOptions())
	pos, err := r.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(50), pos)

	n, err := r.Read(make([]byte, 10))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, timeshift.ErrPartialRead)
	assert.False(t, r.Status().Stale, "the live edge is not a failure")

	// The producer extends the tail; the same read now succeeds.
	f.grow(25)
	f.publish()
	buf := make([]byte, 10)
	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, span(50, 60), buf[:n])

	length, err := r.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(75), length)
}

func TestSeek_Clamps(t *testing.T) {
	f := newFixture(t)
	f.addSegment(100)
	f.addSegment(40)
	f.publish()
	r := openReader(t, f, testOptions())

	tests := []struct {
		name   string
		offset int64
		whence int
		want   int64
	}{
		{"before start", -10, io.SeekStart, 0},
		{"absolute", 120, io.SeekStart, 120},
		{"past end", 1 << 40, io.SeekStart, 140},
		{"relative back", -30, io.SeekCurrent, 110},
		{"relative overflow", math.MaxInt64, io.SeekCurrent, 140},
		{"end relative", -15, io.SeekEnd, 125},
		{"beyond end relative", 5, io.SeekEnd, 140},
	}
	for _, tt := range tests {
		pos, err := r.Seek(tt.offset, tt.whence)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, pos, tt.name)
	}

	_, err := r.Seek(0, 42)
	assert.Error(t, err)
}

func TestRefresh_TornManifestKeepsSegmentList(t *testing.T) {
	f := newFixture(t)
	f.addSegment(100)
	f.addSegment(60)
	f.publish()

	r := openReader(t, f, testOptions())
	before := r.Segments()

	f.addSegment(30)
	f.publishTorn()

	buf := make([]byte, 10)
	n, err := r.Read(buf)
	require.NoError(t, err, "reads keep serving the previous snapshot")
	assert.Equal(t, span(0, 10), buf[:n])
	if diff := cmp.Diff(before, r.Segments()); diff != "" {
		t.Fatalf("torn manifest changed the segment list (-before +after):\n%s", diff)
	}

	st := r.Status()
	assert.True(t, st.Stale)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.ErrorIs(t, st.LastError, timeshift.ErrTorn)
	assert.NotEmpty(t, st.LastErrorMessage)

	f.publish()
	_, err = r.Read(buf)
	require.NoError(t, err)
	st = r.Status()
	assert.False(t, st.Stale)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.NoError(t, st.LastError)
	assert.Equal(t, 3, st.Segments)
	assert.Equal(t, int64(190), st.End)
}

func TestRefresh_RemoveTwoAddOne(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		f.addSegment(100)
	}
	f.publish()

	r := openReader(t, f, testOptions())
	buf := make([]byte, 10)
	_, err := r.Read(buf)
	require.NoError(t, err)

	f.evict(2)
	f.addSegment(50)
	f.publish()

	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, span(200, 200+int64(n)), buf[:n], "cursor in an evicted segment skips to the new start")

	segs := r.Segments()
	require.Len(t, segs, 3)
	for i, want := range []int64{200, 300, 400} {
		assert.Equal(t, want, segs[i].StartOffset)
		assert.Equal(t, int64(i+2), segs[i].SequenceID)
	}
	assert.Equal(t, int64(50), segs[2].Length)

	for _, off := range []int64{0, 99, 150, 199} {
		pos, err := r.Seek(off, io.SeekStart)
		require.NoError(t, err)
		assert.Equal(t, int64(200), pos, "offset %d was evicted", off)
	}
	start, end, err := r.Bounds()
	require.NoError(t, err)
	assert.Equal(t, int64(200), start)
	assert.Equal(t, int64(450), end)
}

func TestRefresh_ProducerRestartContinuesOffsets(t *testing.T) {
	f := newFixture(t)
	f.addSegment(100)
	f.addSegment(20)
	f.publish()
	r := openReader(t, f, testOptions())
	_, oldEnd, err := r.Bounds()
	require.NoError(t, err)

	// A new recording reuses the manifest with fresh counters.
	name := "restart-0.ts"
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, name), []byte("fresh-bytes"), 0o600))
	b, err := manifest.Encode(manifest.Snapshot{Watermark: 11, Added: 1, Removed: 0, Filenames: []string{name}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.manifest, b, 0o600))

	start, end, err := r.Bounds()
	require.NoError(t, err)
	assert.Equal(t, oldEnd, start)
	assert.Equal(t, oldEnd+11, end)

	got := drain(t, r, 4)
	assert.Equal(t, "fresh-bytes", string(got))
}

func TestRefresh_ProducerRestartMidSegmentReadsNewFile(t *testing.T) {
	f := newFixture(t)
	f.addSegment(100)
	f.addSegment(20)
	f.publish()
	r := openReader(t, f, testOptions())

	buf := make([]byte, 50)
	n, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	require.Equal(t, span(0, 50), buf[:n])

	name := "restart-0.ts"
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, name), []byte("fresh-bytes"), 0o600))
	b, err := manifest.Encode(manifest.Snapshot{Watermark: 11, Added: 1, Removed: 0, Filenames: []string{name}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.manifest, b, 0o600))

	got := drain(t, r, 4)
	assert.Equal(t, "fresh-bytes", string(got))

	segs := r.Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, name, segs[0].Filename)
	assert.Equal(t, int64(2), segs[0].SequenceID)
}

func TestOpen_MissingManifest(t *testing.T) {
	opts := testOptions()
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "absent.tsbuffer"), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, timeshift.ErrOpenFailed)

	var tsErr *timeshift.Error
	require.ErrorAs(t, err, &tsErr)
	assert.Equal(t, 2, tsErr.Attempts)
}

func TestOpen_TornFirstRefreshIsStale(t *testing.T) {
	f := newFixture(t)
	f.addSegment(10)
	f.publishTorn()

	r := openReader(t, f, testOptions())
	st := r.Status()
	assert.True(t, st.Stale)
	assert.Zero(t, st.Segments)

	n, err := r.Read(make([]byte, 4))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, timeshift.ErrPartialRead)

	f.publish()
	got := drain(t, r, 4)
	assert.Equal(t, span(0, 10), got)
}

func TestOpen_WaitsForManifest(t *testing.T) {
	f := newFixture(t)
	f.addSegment(10)

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.publish()
	}()

	opts := testOptions()
	opts.WaitForManifest = 5 * time.Second
	r := openReader(t, f, opts)
	_, end, err := r.Bounds()
	require.NoError(t, err)
	assert.Equal(t, int64(10), end)
}

func TestClose_Idempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	f.addSegment(10)
	f.addSegment(10)
	f.publish()

	opts := testOptions()
	opts.ReadAhead = true
	r, err := Open(context.Background(), f.manifest, opts)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err = r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, timeshift.ErrStopping)
	_, err = r.Seek(0, io.SeekStart)
	assert.ErrorIs(t, err, timeshift.ErrStopping)
	assert.True(t, r.Status().Closed)
}

// stalledFile blocks every Read until Close, like a read on a dead network share.
type stalledFile struct {
	once   sync.Once
	closed chan struct{}
}

func (s *stalledFile) Read([]byte) (int, error) {
	<-s.closed
	return 0, os.ErrClosed
}
func (s *stalledFile) Seek(offset int64, _ int) (int64, error) { return offset, nil }
func (s *stalledFile) Stat() (fs.FileInfo, error)              { return nil, errors.New("stalled") }
func (s *stalledFile) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestClose_UnblocksStalledRead(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	f.addSegment(100)
	f.publish()

	opts := testOptions()
	opts.Segment.OpenFunc = func(string) (segfile.File, error) {
		return &stalledFile{closed: make(chan struct{})}, nil
	}
	r, err := Open(context.Background(), f.manifest, opts)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Read(make([]byte, 32))
		errCh <- err
	}()
	time.Sleep(30 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- r.Close() }()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, timeshift.ErrStopping)
	case <-time.After(2 * time.Second):
		t.Fatal("stalled read did not unwind after Close")
	}
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}

// countingOpen records opens per file name.
type countingOpen struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingOpen) open(path string) (segfile.File, error) {
	c.mu.Lock()
	c.counts[filepath.Base(path)]++
	c.mu.Unlock()
	return segfile.OpenOS(path)
}

func (c *countingOpen) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

func TestReadAhead_TouchesNextSegment(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	f.addSegment(8192)
	f.addSegment(8192)
	f.addSegment(100)
	f.publish()

	counter := &countingOpen{counts: map[string]int{}}
	opts := testOptions()
	opts.Segment.OpenFunc = counter.open
	opts.ReadAheadSize = 512
	r, err := Open(context.Background(), f.manifest, opts)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()

	_, err = r.Read(make([]byte, 16))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, counter.get("seg-1.ts"), "read-ahead is off by default")

	r.SetReadAheadEnabled(true)
	assert.True(t, r.Status().ReadAheadEnabled)
	assert.Eventually(t, func() bool { return counter.get("seg-1.ts") > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, counter.get("seg-2.ts"), "only the segment after the cursor's is touched")
	assert.Equal(t, int64(16), r.Position(), "read-ahead never moves the cursor")
}

func TestReadAhead_OffsetRotates(t *testing.T) {
	ra := newReadAhead(100, time.Second, segfile.Options{}, zerolog.Nop())
	assert.Equal(t, int64(0), ra.offset(1000))
	assert.Equal(t, int64(100), ra.offset(1000))
	assert.Equal(t, int64(200), ra.offset(1000))
	assert.Equal(t, int64(0), ra.offset(50), "segment smaller than one read")
	for i := 0; i < 20; i++ {
		off := ra.offset(1000)
		assert.True(t, off >= 0 && off < 900, "offset %d out of range", off)
	}
}

func TestStatus_ReportsReader(t *testing.T) {
	f := newFixture(t)
	f.addSegment(10)
	f.publish()
	r := openReader(t, f, testOptions())

	st := r.Status()
	assert.Equal(t, r.ID(), st.ReaderID)
	assert.Equal(t, f.manifest, st.Manifest)
	assert.Equal(t, int32(1), st.Added)
	assert.Equal(t, "none", st.Cursor)
	assert.False(t, st.LastRefresh.IsZero())

	_, err := r.Read(make([]byte, 1))
	require.NoError(t, err)
	assert.Equal(t, "current", r.Status().Cursor)
	assert.True(t, strings.HasSuffix(r.Segments()[0].Path, "seg-0.ts"))
}
