package server

import (
	"context"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/tsdp/pkg/constants"
	"github.com/inferloop/tsdp/pkg/errors"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// requestIDMiddleware reuses the caller's X-Request-ID or assigns a new one
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(constants.HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(constants.HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// loggingMiddleware logs every request once it completes and feeds the
// HTTP metrics, labelled by route template rather than raw path.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		entry := s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"route":       routeTemplate(r),
			"path":        r.URL.Path,
			"status":      rec.status,
			"bytes":       rec.bytes,
			"duration_ms": elapsed.Milliseconds(),
			"request_id":  getRequestID(r),
		})
		if rec.status >= http.StatusInternalServerError {
			entry.Warn("HTTP request failed")
		} else {
			entry.Info("HTTP request")
		}

		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, routeTemplate(r), strconv.Itoa(rec.status), elapsed)
		}
	})
}

// recoveryMiddleware turns a handler panic into a 500 response
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			s.logger.WithFields(logrus.Fields{
				"panic":      p,
				"route":      routeTemplate(r),
				"request_id": getRequestID(r),
				"stack":      string(debug.Stack()),
			}).Error("Recovered from handler panic")

			s.handlers.writeError(w, r, errors.NewInternalError("internal server error"))
		}()

		next.ServeHTTP(w, r)
	})
}

// requestSizeLimitMiddleware rejects declared bodies above MaxBodyBytes and
// caps undeclared ones.
func (s *Server) requestSizeLimitMiddleware(next http.Handler) http.Handler {
	limit := s.config.MaxBodyBytes
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > limit {
			s.handlers.writeError(w, r, requestTooLargeError(limit).WithContext("content_length", r.ContentLength))
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

func requestTooLargeError(limit int64) *errors.AppError {
	err := errors.NewValidationError(errors.CodeRequestTooLarge, "request body too large").
		WithContext("limit", limit)
	err.HTTPStatus = http.StatusRequestEntityTooLarge
	return err
}

// timeoutMiddleware bounds the request context. Long experiments observe
// the deadline at cell boundaries and fail with CANCELLED.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder remembers the status code and body size of a response
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.status = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	if !sr.wroteHeader {
		sr.WriteHeader(http.StatusOK)
	}
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += n
	return n, err
}

func getRequestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

// routeTemplate returns the matched route pattern used as the path label
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if template, err := route.GetPathTemplate(); err == nil {
			return template
		}
	}
	return "unmatched"
}
