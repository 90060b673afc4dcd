package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrajcok/watchtower/pkg/common"
	"github.com/mrajcok/watchtower/pkg/config"
	"github.com/mrajcok/watchtower/pkg/monitoring"
	"github.com/mrajcok/watchtower/pkg/query"
)

// Response headers set on every tracked request
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderProcessTime   = "X-Process-Time"
)

// requestMiddleware assigns the correlation id, tracks the request and logs
// its acquisition and query stats. Panics become a 500 carrying the cid.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.config()
		path := r.URL.Path
		if path == "/" || (cfg.Metrics.Enabled && path == cfg.Metrics.Path) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		cid := common.NewCorrelationID(cfg.Middleware.CorrelationIDLength)
		durations := common.NewAcquireDurations()
		recorder := query.NewRecorder()

		ctx := common.ContextWithCorrelationID(r.Context(), cid)
		ctx = common.ContextWithDurations(ctx, durations)
		ctx = query.ContextWithRecorder(ctx, recorder)
		logger := monitoring.LoggerFromContext(ctx)
		client := clientHost(r)

		s.metrics.Requests.Inc(path)
		logger.Info().Str("client", client).Msgf("%s %s", r.Method, path)

		w.Header().Set(HeaderCorrelationID, cid)
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK, start: start}

		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error().
					Str("client", client).
					Interface("panic", rec).
					Str("stack", string(debug.Stack())).
					Msg("Unexpected exception processing request")
				rw.fail(cid)
			}

			duration := time.Since(start)
			logAcquisitionDurations(logger, cfg.Middleware, durations)
			queries := recorder.Queries()
			if len(queries) > 0 {
				logQueryStats(logger, r, client, cfg.Middleware.QueriesLogType, queries)
			}
			s.metrics.RequestDuration.Observe(duration.Seconds(), path)

			contentLength := rw.Header().Get("Content-Length")
			if contentLength == "" {
				contentLength = strconv.FormatInt(rw.bytes, 10)
			}
			logger.Info().
				Str("client", client).
				Int("queries", len(queries)).
				Int("status_code", rw.statusCode).
				Str("content_length", contentLength).
				Str("duration", formatSeconds(duration)).
				Msgf("%s %s results", r.Method, path)
		}()

		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

// rateLimitMiddleware rejects requests over the configured rate with 429
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			s.writeError(w, r, common.NewGatewayError(common.KindOverload, "rate limit exceeded", ""))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func logAcquisitionDurations(logger *zerolog.Logger, cfg config.MiddlewareConfig, durations *common.AcquireDurations) {
	if !cfg.LogRequestSlotDurations && !cfg.LogDBConnDurations {
		return
	}

	recorded := durations.Snapshot()
	if len(recorded) == 0 {
		return
	}

	event := logger.Info()
	for resourceID, byType := range recorded {
		for acquisitionType, d := range byType {
			switch {
			case acquisitionType == common.AcquireRequestSlot && cfg.LogRequestSlotDurations,
				acquisitionType == common.AcquireDBConnection && cfg.LogDBConnDurations:
				event = event.Float64(fmt.Sprintf("%s_%s_duration", resourceID, acquisitionType), common.Seconds(d))
			}
		}
	}
	event.Msg("Acquisition durations")
}

func logQueryStats(logger *zerolog.Logger, r *http.Request, client, logType string, queries []*query.Query) {
	if logType == config.QueriesLogNone || logType == "" {
		return
	}

	event := logger.Info().Str("client", client)
	for i, q := range queries {
		prefix := fmt.Sprintf("q%d", i+1)
		if logType == config.QueriesLogStatsAndQuery {
			event = event.Str(prefix+"_query", q.Statement)
		}
		event = event.
			Uint64(prefix+"_conn_id", q.ConnID).
			Str(prefix+"_duration", formatSeconds(q.Duration))
		if q.RowCount < 0 {
			event = event.Str(prefix+"_row_count", "<no rows>")
		} else {
			event = event.Int(prefix+"_row_count", q.RowCount)
		}
	}
	event.Msgf("%s %s query stats", r.Method, r.URL.Path)
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(common.Seconds(d), 'f', 3, 64)
}

// responseWriter captures the status and size of a response and stamps the
// process time header when the headers are written
type responseWriter struct {
	http.ResponseWriter
	start       time.Time
	statusCode  int
	bytes       int64
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.statusCode = code
	rw.Header().Set(HeaderProcessTime, formatSeconds(time.Since(rw.start)))
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Flush lets streaming handlers push partial output
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// fail writes the generic 500 body unless a response is already under way
func (rw *responseWriter) fail(cid string) {
	if rw.wroteHeader {
		rw.statusCode = http.StatusInternalServerError
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(rw).Encode(map[string]string{"detail": "unexpected exception", "cid": cid})
}
