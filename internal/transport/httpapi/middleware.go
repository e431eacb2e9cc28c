package httpapi

import (
	"crypto/subtle"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	logx "postwave/pkg/logx"
)

// bearer rejects requests without the configured token. No token configured
// means the API is open; bind it to loopback in that case.
func (s *Server) bearer(next http.Handler) http.Handler {
	want := []byte(s.cfg.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(want) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimSpace(r.Header.Get("Authorization"))
		tok, ok := strings.CutPrefix(got, "Bearer ")
		if !ok {
			// Browsers cannot set headers on websocket upgrades.
			tok = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(tok)), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="postwave"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("dur", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		}
		switch {
		case ww.Status() >= 500:
			s.log.Warn("http request", fields...)
		default:
			s.log.Debug("http request", fields...)
		}
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("http handler panicked",
					logx.String("path", r.URL.Path),
					logx.Any("panic", rec),
					logx.String("stack", string(debug.Stack())),
				)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
