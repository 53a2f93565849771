package metrics

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/widgets/abc123", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	expected := `lifequest_http_requests_total{method="GET",path="/widgets/:id",status="418"} 1`
	if !strings.Contains(body, expected) {
		t.Fatalf("expected metrics output to contain %q, got %q", expected, body)
	}
}

type hijackableWriter struct {
	*httptest.ResponseRecorder
}

func (hijackableWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	client.Close()
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func TestHTTPMiddlewareCountsHijackedUpgrade(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		defer conn.Close()
		time.Sleep(20 * time.Millisecond)
	}))

	handler.ServeHTTP(hijackableWriter{httptest.NewRecorder()}, httptest.NewRequest(http.MethodGet, "/ws", nil))

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()
	for _, want := range []string{
		`lifequest_http_requests_total{method="GET",path="/ws",status="101"} 1`,
		`lifequest_http_request_duration_seconds_sum{method="GET",path="/ws",status="101"} 0.000000`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output, got %q", want, body)
		}
	}
	if strings.Contains(body, `status="200"`) {
		t.Fatalf("hijacked request recorded as 200: %q", body)
	}
}

func TestResponseRecorderWithoutHijacker(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if _, _, err := rr.Hijack(); !errors.Is(err, http.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
	if rr.Hijacked() || rr.Status() != http.StatusOK {
		t.Fatalf("unexpected recorder state hijacked=%v status=%d", rr.Hijacked(), rr.Status())
	}
}
