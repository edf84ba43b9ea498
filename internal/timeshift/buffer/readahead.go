package buffer

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	xglog "github.com/ManuGH/xg2g-timeshift/internal/log"
	"github.com/ManuGH/xg2g-timeshift/internal/metrics"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/segfile"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// readAheadJob is an immutable description of one throwaway read.
type readAheadJob struct {
	Path   string
	Length int64
	Offset int64
	SeqID  int64
}

// readAhead issues small reads against the segment after the one being consumed
// so a network file-sharing client refreshes its cache before the consumer gets
// there. It owns its handles and never touches cursor state.
type readAhead struct {
	size    int
	hopts   segfile.Options
	log     zerolog.Logger
	limiter *rate.Limiter

	jobs     chan readAheadJob
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopping atomic.Bool
	cur      atomic.Pointer[segfile.Handle]

	// guarded by the Reader mutex
	lastSeq int64
	turn    int64
}

func newReadAhead(size int, cooldown time.Duration, hopts segfile.Options, logger zerolog.Logger) *readAhead {
	return &readAhead{
		size:    size,
		hopts:   hopts,
		log:     logger,
		limiter: rate.NewLimiter(rate.Every(cooldown), 1),
		jobs:    make(chan readAheadJob, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		lastSeq: -1,
	}
}

// offset rotates through the segment so successive reads touch different pages.
func (ra *readAhead) offset(length int64) int64 {
	span := length - int64(ra.size)
	if span <= 0 {
		return 0
	}
	off := (ra.turn * int64(ra.size)) % span
	ra.turn++
	return off
}

// submit hands a job over without blocking; a busy task drops it.
func (ra *readAhead) submit(job readAheadJob) bool {
	select {
	case ra.jobs <- job:
		return true
	default:
		metrics.IncReadAhead(metrics.ReadAheadSkipped)
		return false
	}
}

func (ra *readAhead) run(ctx context.Context) {
	defer close(ra.done)
	buf := make([]byte, ra.size)
	for {
		select {
		case <-ra.quit:
			return
		case <-ctx.Done():
			return
		case job := <-ra.jobs:
			ra.do(ctx, job, buf)
		}
	}
}

func (ra *readAhead) do(ctx context.Context, job readAheadJob, buf []byte) {
	h := segfile.New(job.Path, ra.hopts)
	ra.cur.Store(h)
	defer ra.cur.Store(nil)
	if ra.stopping.Load() {
		return
	}
	defer func() { _ = h.Close() }()

	logger := ra.log.With().
		Str(xglog.FieldSegment, job.Path).
		Int64(xglog.FieldSequenceID, job.SeqID).
		Int64(xglog.FieldOffset, job.Offset).
		Logger()

	if err := h.Open(ctx); err != nil {
		ra.fail(logger, err, "read-ahead open failed")
		return
	}
	if _, err := h.Seek(job.Offset, io.SeekStart); err != nil {
		ra.fail(logger, err, "read-ahead seek failed")
		return
	}
	n := min(int64(len(buf)), max(job.Length-job.Offset, 1))
	if _, err := h.Read(buf[:n]); err != nil && !errors.Is(err, timeshift.ErrPastEnd) {
		ra.fail(logger, err, "read-ahead read failed")
		return
	}
	metrics.IncReadAhead(metrics.ReadAheadOK)
	logger.Trace().Msg("read-ahead done")
}

func (ra *readAhead) fail(logger zerolog.Logger, err error, msg string) {
	if errors.Is(err, timeshift.ErrStopping) || errors.Is(err, context.Canceled) {
		return
	}
	metrics.IncReadAhead(metrics.ReadAheadError)
	logger.Debug().Err(err).Msg(msg)
}

// stop cancels an in-flight read without waiting for it.
func (ra *readAhead) stop() {
	ra.stopOnce.Do(func() {
		ra.stopping.Store(true)
		if h := ra.cur.Load(); h != nil {
			h.SetCancelling(true)
		}
		close(ra.quit)
	})
}

func (ra *readAhead) wait() { <-ra.done }
