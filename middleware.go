package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/quietboard/spring83/internal/nsnetcore"
)

// CORSMiddleware applies the fixed CORS preamble every Spring '83 response
// carries, GET/PUT/OPTIONS alike.
type CORSMiddleware struct{}

func (m *CORSMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Access-Control-Allow-Methods", "GET, OPTIONS, PUT")
		w.Header().Add("Access-Control-Allow-Origin", "*")
		w.Header().Add("Access-Control-Allow-Headers", "Content-Type, If-Modified-Since, Spring-Signature, Spring-Version")
		w.Header().Add("Access-Control-Expose-Headers", "Content-Type, Last-Modified, Spring-Signature, Spring-Version")
		next.ServeHTTP(w, r)
	})
}

// ContextContainer carries per-request state that needs to flow from a
// handler back out to outer middleware, namely the status code a handler
// decided on, which CanonicalLogLineMiddleware needs after the fact.
type ContextContainer struct {
	StatusCode int
}

type contextContainerContextKey struct{}

// ContextContainerMiddleware must run before any middleware or handler that
// calls ContextContainerFrom.
type ContextContainerMiddleware struct{}

func (m *ContextContainerMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxContainer := &ContextContainer{}
		ctx := context.WithValue(r.Context(), contextContainerContextKey{}, ctxContainer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ContextContainerFrom retrieves the ContextContainer ContextContainerMiddleware
// stashed in ctx. Returns nil if the middleware never ran.
func ContextContainerFrom(ctx context.Context) *ContextContainer {
	ctxContainer, _ := ctx.Value(contextContainerContextKey{}).(*ContextContainer)
	return ctxContainer
}

// CanonicalLogLineMiddleware logs exactly one structured line per request,
// gathering everything worth knowing about it into a single log event
// rather than scattering partial context across many log lines.
type CanonicalLogLineMiddleware struct {
	logger *logrus.Logger

	// logDataChan is for testing purposes only, letting a test observe the
	// exact fields that were logged.
	logDataChan chan map[string]any
}

func (m *CanonicalLogLineMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		var statusCode int
		if ctxContainer := ContextContainerFrom(r.Context()); ctxContainer != nil {
			statusCode = ctxContainer.StatusCode
		}

		var routeTemplate string
		if route := mux.CurrentRoute(r); route != nil {
			routeTemplate, _ = route.GetPathTemplate()
		}

		logData := map[string]any{
			"content_type": r.Header.Get("Content-Type"),
			"duration":     time.Since(start).Seconds(),
			"http_method":  r.Method,
			"http_path":    r.URL.Path,
			"http_route":   routeTemplate,
			"ip":           fmt.Sprintf("%v", r.Context().Value(http.LocalAddrContextKey)),
			"query_string": r.URL.RawQuery,
			"status":       statusCode,
			"user_agent":   r.Header.Get("User-Agent"),
		}

		m.logger.WithFields(logData).Info("Handled request")

		if m.logDataChan != nil {
			m.logDataChan <- logData
		}
	})
}

// InspectableWriter wraps an http.ResponseWriter, recording the status code
// and body that were written through it so tests (and the canonical log
// line) can inspect a response after the fact.
type InspectableWriter struct {
	http.ResponseWriter

	Body        *bytes.Buffer
	StatusCode  int
	wroteHeader bool
}

func (w *InspectableWriter) WriteHeader(statusCode int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.StatusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *InspectableWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	w.Body.Write(b)
	return w.ResponseWriter.Write(b)
}

type InspectableWriterMiddleware struct{}

func NewInspectableWriterMiddleware() *InspectableWriterMiddleware {
	return &InspectableWriterMiddleware{}
}

func (m *InspectableWriterMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		iw := &InspectableWriter{ResponseWriter: w, Body: &bytes.Buffer{}, StatusCode: http.StatusOK}
		next.ServeHTTP(iw, r)
	})
}

// TimeoutMiddleware force-closes a request that runs longer than maxDuration
// allows, corresponding to NetCore's requirement that a slot stuck past a
// configured deadline be reclaimed rather than held indefinitely.
type TimeoutMiddleware struct {
	maxDuration time.Duration
}

func NewTimeoutMiddleware(maxDuration time.Duration) *TimeoutMiddleware {
	return &TimeoutMiddleware{maxDuration: maxDuration}
}

func (m *TimeoutMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx, cancel := context.WithTimeout(r.Context(), m.maxDuration)
		defer cancel()

		select {
		case <-ctx.Done():
			m.writeTimeoutResponse(w, ctx, start)
			return
		default:
		}

		done := make(chan struct{})
		go func() {
			next.ServeHTTP(w, r.WithContext(ctx))
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			m.writeTimeoutResponse(w, ctx, start)
		}
	})
}

func (m *TimeoutMiddleware) writeTimeoutResponse(w http.ResponseWriter, ctx context.Context, start time.Time) {
	elapsed := time.Since(start).Seconds()
	maxSeconds := m.maxDuration.Seconds()

	var verb string
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		verb = "canceled"
	default:
		verb = "timed out"
	}

	w.WriteHeader(http.StatusGatewayTimeout)
	fmt.Fprintf(w, "The request was %s after %0.6fs (maximum request time is %0.6fs).", verb, elapsed, maxSeconds)
}

// SlotPoolMiddleware admits each request into the fixed-size client slot
// pool before running it, and releases the slot once the handler returns,
// moving it through the reading/writing states as net/http's model allows
// them to be observed.
type SlotPoolMiddleware struct {
	pool *nsnetcore.Pool
}

func NewSlotPoolMiddleware(pool *nsnetcore.Pool) *SlotPoolMiddleware {
	return &SlotPoolMiddleware{pool: pool}
}

func (m *SlotPoolMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slot, err := m.pool.Acquire(r.Context())
		if err != nil {
			http.Error(w, "Server is at capacity, please retry.", http.StatusServiceUnavailable)
			return
		}
		defer slot.Release()

		slot.Transition(nsnetcore.StateReading)
		next.ServeHTTP(w, r)
		slot.Transition(nsnetcore.StateWriting)
	})
}
