package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	xglog "github.com/ManuGH/xg2g-timeshift/internal/log"
	"github.com/ManuGH/xg2g-timeshift/internal/metrics"
	"github.com/ManuGH/xg2g-timeshift/internal/telemetry"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/buffer"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/follow"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/resume"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/segments"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Start positions accepted by ?from=.
const (
	FromStart  = "start"
	FromLive   = "live"
	FromResume = "resume"
)

// Response headers describing the served stream.
const (
	HeaderReader    = "X-Timeshift-Reader"
	HeaderPlacement = "X-Timeshift-Placement"
)

// 348 TS packets, just under 64 KiB.
const streamChunk = 188 * 348

func (s *Server) readerOptions(logger *zerolog.Logger) buffer.Options {
	opts := s.cfg.ReaderOptions()
	opts.Logger = logger
	return opts
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")
	stream, ok := s.cfg.Stream(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_stream", "no stream named "+name)
		return
	}

	q := r.URL.Query()
	from := q.Get("from")
	if from == "" {
		from = FromLive
	}
	client := q.Get("client")
	switch from {
	case FromStart, FromLive:
	case FromResume:
		if client == "" {
			writeError(w, http.StatusBadRequest, "missing_client", "from=resume needs client")
			return
		}
		if s.resume == nil {
			writeError(w, http.StatusConflict, "resume_disabled", "no resume store configured")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "invalid_from", "from must be start, live or resume")
		return
	}

	logger := xglog.WithComponentFromContext(ctx, "api").With().
		Str(xglog.FieldStream, name).
		Str("from", from).
		Logger()
	began := s.now()

	reader, err := buffer.Open(ctx, stream.Manifest, s.readerOptions(&logger))
	if err != nil {
		logger.Warn().Err(err).Str(xglog.FieldEvent, "stream.open_failed").Msg("cannot open timeshift buffer")
		metrics.StreamEndTotal.WithLabelValues(metrics.StreamEndOpenFailed).Inc()
		writeError(w, http.StatusServiceUnavailable, telemetry.ErrorType(err), err.Error())
		return
	}
	defer func() { _ = reader.Close() }()

	placement := s.position(ctx, logger, reader, from, client, name)

	fopts := s.cfg.FollowOptions()
	fopts.Logger = &logger
	fr := follow.New(ctx, reader, fopts)
	defer func() { _ = fr.Close() }()

	end := metrics.StreamStarted(name)
	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(HeaderReader, reader.ID())
	w.Header().Set(HeaderPlacement, placement)
	w.WriteHeader(http.StatusOK)

	reason := pump(w, fr, from, began, logger)
	if client != "" && s.resume != nil {
		s.remember(ctx, logger, reader, client, name)
	}
	end(reason)

	logger.Debug().
		Str(xglog.FieldEvent, "stream.end").
		Str(xglog.FieldReasonCode, reason).
		Int64(xglog.FieldCursor, reader.Position()).
		Msg("stream ended")
}

// position seeks reader to the requested start and reports where it landed.
func (s *Server) position(ctx context.Context, logger zerolog.Logger, reader *buffer.Reader, from, client, name string) string {
	switch from {
	case FromStart:
		_, _ = reader.Seek(0, io.SeekStart)
		return FromStart
	case FromResume:
		st, err := s.resume.Get(ctx, client, name)
		if err != nil {
			logger.Warn().Err(err).Msg("resume lookup failed, starting live")
		}
		if st != nil {
			off, placement := resume.Offset(reader.Segments(), *st)
			_, _ = reader.Seek(off, io.SeekStart)
			return placement.String()
		}
	}
	_, _ = reader.Seek(0, io.SeekEnd)
	return FromLive
}

func (s *Server) remember(ctx context.Context, logger zerolog.Logger, reader *buffer.Reader, client, name string) {
	st, ok := resume.Anchor(reader.Segments(), reader.Position())
	if !ok {
		return
	}
	st.UpdatedAt = s.now()
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.resume.Put(pctx, client, name, &st); err != nil {
		logger.Warn().Err(err).Msg("cannot store resume position")
	}
}

// pump copies src to w until the follower gives up or the client leaves.
func pump(w http.ResponseWriter, src io.Reader, from string, began time.Time, logger zerolog.Logger) string {
	rc := http.NewResponseController(w)
	buf := make([]byte, streamChunk)
	first := true
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if first {
				metrics.ObserveStreamFirstByte(from, time.Since(began))
				first = false
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				return metrics.StreamEndClient
			}
			_ = rc.Flush()
		}
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, follow.ErrIdle):
			return metrics.StreamEndIdle
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return metrics.StreamEndClient
		default:
			logger.Error().Err(err).Str(xglog.FieldEvent, "stream.read_failed").Msg("timeshift read failed")
			return metrics.StreamEndError
		}
	}
}

type statusResponse struct {
	Stream   string             `json:"stream"`
	Status   buffer.Status      `json:"status"`
	Segments []segments.Segment `json:"segments"`
	Resume   *resumeInfo        `json:"resume,omitempty"`
}

type resumeInfo struct {
	Client    string        `json:"client"`
	State     *resume.State `json:"state,omitempty"`
	Offset    int64         `json:"offset"`
	Placement string        `json:"placement"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")
	stream, ok := s.cfg.Stream(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_stream", "no stream named "+name)
		return
	}
	logger := xglog.WithComponentFromContext(ctx, "api").With().Str(xglog.FieldStream, name).Logger()

	opts := s.readerOptions(&logger)
	opts.ReadAhead = false
	reader, err := buffer.Open(ctx, stream.Manifest, opts)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, telemetry.ErrorType(err), err.Error())
		return
	}
	defer func() { _ = reader.Close() }()

	// Seek refreshes; a fresh reader sits at the buffer start.
	_, _ = reader.Seek(0, io.SeekCurrent)
	resp := statusResponse{
		Stream:   name,
		Status:   reader.Status(),
		Segments: reader.Segments(),
	}

	if client := r.URL.Query().Get("client"); client != "" && s.resume != nil {
		info := &resumeInfo{Client: client, Placement: FromLive}
		st, err := s.resume.Get(ctx, client, name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "resume_store", err.Error())
			return
		}
		if st != nil {
			off, placement := resume.Offset(resp.Segments, *st)
			info.State, info.Offset, info.Placement = st, off, placement.String()
		}
		resp.Resume = info
	}
	writeJSON(w, http.StatusOK, resp)
}
