package metrics

import (
	"bufio"
	"net"
	"net/http"
	"time"
)

// ResponseRecorder captures the status a handler writes. A successful Hijack
// marks the response as a protocol switch.
type ResponseRecorder struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

// NewResponseRecorder wraps w. The status is 200 until the handler writes one.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

// Status reports the written status, or 101 once the connection is hijacked.
func (rr *ResponseRecorder) Status() int {
	return rr.status
}

// Hijacked reports whether the handler took over the connection.
func (rr *ResponseRecorder) Hijacked() bool {
	return rr.hijacked
}

func (rr *ResponseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *ResponseRecorder) Flush() {
	if flusher, ok := rr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack hands the connection to the caller, as the WebSocket upgrader needs.
func (rr *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := hijacker.Hijack()
	if err != nil {
		return nil, nil, err
	}
	rr.hijacked = true
	rr.status = http.StatusSwitchingProtocols
	return conn, rw, nil
}

// HTTPMiddleware counts every request on recorder, or on Default when nil.
// Upgraded connections are counted as 101 without their session duration.
func HTTPMiddleware(recorder *Recorder, next http.Handler) http.Handler {
	rec := recorder
	if rec == nil {
		rec = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr := NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rr, r)
		if rr.Hijacked() {
			rec.ObserveUpgrade(r.Method, r.URL.Path)
			return
		}
		rec.ObserveRequest(r.Method, r.URL.Path, rr.Status(), time.Since(start))
	})
}
