package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// DeliveryFailureLabel keys outbound delivery failures by event and cause.
type DeliveryFailureLabel struct {
	Event  string
	Reason string
}

// JobLabel keys scheduler runs by job name and outcome.
type JobLabel struct {
	Job    string
	Status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// realtime session churn, inbound and outbound traffic, scheduler jobs and
// activity feed publishing.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	sessionEvents    map[string]uint64
	activeSessions   atomic.Int64
	inboundEvents    map[string]uint64
	deliveries       map[string]uint64
	deliveryFailures map[DeliveryFailureLabel]uint64
	jobRuns          map[JobLabel]uint64
	jobDuration      map[string]time.Duration
	feedEvents       map[JobLabel]uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder.
func New() *Recorder {
	r := &Recorder{}
	r.resetLocked()
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveUpgrade counts a request whose connection was hijacked for a protocol
// switch. The connection lifetime is not added to the duration sum.
func (r *Recorder) ObserveUpgrade(method, path string) {
	r.ObserveRequest(method, path, http.StatusSwitchingProtocols, 0)
}

// SessionOpened records an accepted handshake and bumps the active gauge.
func (r *Recorder) SessionOpened() {
	r.incrementSessionEvent("open")
	r.activeSessions.Add(1)
}

// SessionClosed records a session teardown.
func (r *Recorder) SessionClosed() {
	r.incrementSessionEvent("close")
	r.decrementGauge(&r.activeSessions)
}

// SessionRejected records a handshake that failed authentication.
func (r *Recorder) SessionRejected() {
	r.incrementSessionEvent("reject")
}

func (r *Recorder) incrementSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// ActiveSessions exposes the current number of open sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// ObserveInbound counts an inbound client message by type.
func (r *Recorder) ObserveInbound(messageType string) {
	normalized := normalizeName(messageType)
	r.mu.Lock()
	r.inboundEvents[normalized]++
	r.mu.Unlock()
}

// ObserveDelivery counts a frame successfully enqueued for a session.
func (r *Recorder) ObserveDelivery(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.deliveries[normalized]++
	r.mu.Unlock()
}

// ObserveDeliveryFailure counts a frame dropped for one session.
func (r *Recorder) ObserveDeliveryFailure(event, reason string) {
	label := DeliveryFailureLabel{Event: normalizeName(event), Reason: normalizeName(reason)}
	r.mu.Lock()
	r.deliveryFailures[label]++
	r.mu.Unlock()
}

// ObserveJob records one scheduler tick outcome ("ok", "error" or "panic").
func (r *Recorder) ObserveJob(job, status string, duration time.Duration) {
	label := JobLabel{Job: normalizeName(job), Status: normalizeName(status)}
	r.mu.Lock()
	r.jobRuns[label]++
	r.jobDuration[label.Job] += duration
	r.mu.Unlock()
}

// ObserveFeedPublish records an activity feed publish attempt by kind.
func (r *Recorder) ObserveFeedPublish(kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	label := JobLabel{Job: normalizeName(kind), Status: status}
	r.mu.Lock()
	r.feedEvents[label]++
	r.mu.Unlock()
}

// DeliveryCounts returns copies of the delivery counters.
func (r *Recorder) DeliveryCounts() (delivered map[string]uint64, failed map[DeliveryFailureLabel]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered = make(map[string]uint64, len(r.deliveries))
	for k, v := range r.deliveries {
		delivered[k] = v
	}
	failed = make(map[DeliveryFailureLabel]uint64, len(r.deliveryFailures))
	for k, v := range r.deliveryFailures {
		failed[k] = v
	}
	return delivered, failed
}

// JobCounts returns a copy of the scheduler run counters.
func (r *Recorder) JobCounts() map[JobLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[JobLabel]uint64, len(r.jobRuns))
	for k, v := range r.jobRuns {
		out[k] = v
	}
	return out
}

// InboundCounts returns a copy of the inbound message counters.
func (r *Recorder) InboundCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.inboundEvents))
	for k, v := range r.inboundEvents {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

func (r *Recorder) resetLocked() {
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.inboundEvents = make(map[string]uint64)
	r.deliveries = make(map[string]uint64)
	r.deliveryFailures = make(map[DeliveryFailureLabel]uint64)
	r.jobRuns = make(map[JobLabel]uint64)
	r.jobDuration = make(map[string]time.Duration)
	r.feedEvents = make(map[JobLabel]uint64)
	r.activeSessions.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP lifequest_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE lifequest_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "lifequest_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP lifequest_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE lifequest_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "lifequest_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP lifequest_realtime_session_events_total Realtime session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE lifequest_realtime_session_events_total counter")
	for _, event := range sortedKeys(r.sessionEvents) {
		fmt.Fprintf(w, "lifequest_realtime_session_events_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP lifequest_realtime_active_sessions Current number of open realtime sessions")
	fmt.Fprintln(w, "# TYPE lifequest_realtime_active_sessions gauge")
	fmt.Fprintf(w, "lifequest_realtime_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP lifequest_realtime_inbound_messages_total Inbound client messages by type")
	fmt.Fprintln(w, "# TYPE lifequest_realtime_inbound_messages_total counter")
	for _, event := range sortedKeys(r.inboundEvents) {
		fmt.Fprintf(w, "lifequest_realtime_inbound_messages_total{type=\"%s\"} %d\n", event, r.inboundEvents[event])
	}

	fmt.Fprintln(w, "# HELP lifequest_realtime_deliveries_total Outbound frames enqueued by event")
	fmt.Fprintln(w, "# TYPE lifequest_realtime_deliveries_total counter")
	for _, event := range sortedKeys(r.deliveries) {
		fmt.Fprintf(w, "lifequest_realtime_deliveries_total{event=\"%s\"} %d\n", event, r.deliveries[event])
	}

	fmt.Fprintln(w, "# HELP lifequest_realtime_delivery_failures_total Outbound frames dropped by event and reason")
	fmt.Fprintln(w, "# TYPE lifequest_realtime_delivery_failures_total counter")
	for _, label := range r.sortedDeliveryFailures() {
		fmt.Fprintf(w, "lifequest_realtime_delivery_failures_total{event=\"%s\",reason=\"%s\"} %d\n", label.Event, label.Reason, r.deliveryFailures[label])
	}

	fmt.Fprintln(w, "# HELP lifequest_scheduler_runs_total Scheduler job ticks by outcome")
	fmt.Fprintln(w, "# TYPE lifequest_scheduler_runs_total counter")
	for _, label := range sortedJobLabels(r.jobRuns) {
		fmt.Fprintf(w, "lifequest_scheduler_runs_total{job=\"%s\",status=\"%s\"} %d\n", label.Job, label.Status, r.jobRuns[label])
	}

	fmt.Fprintln(w, "# HELP lifequest_scheduler_run_duration_seconds_sum Cumulative scheduler job runtime in seconds")
	fmt.Fprintln(w, "# TYPE lifequest_scheduler_run_duration_seconds_sum counter")
	for _, job := range sortedKeys(r.jobDuration) {
		fmt.Fprintf(w, "lifequest_scheduler_run_duration_seconds_sum{job=\"%s\"} %f\n", job, r.jobDuration[job].Seconds())
	}

	fmt.Fprintln(w, "# HELP lifequest_feed_publish_total Activity feed publish attempts by kind and outcome")
	fmt.Fprintln(w, "# TYPE lifequest_feed_publish_total counter")
	for _, label := range sortedJobLabels(r.feedEvents) {
		fmt.Fprintf(w, "lifequest_feed_publish_total{kind=\"%s\",status=\"%s\"} %d\n", label.Job, label.Status, r.feedEvents[label])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedDeliveryFailures() []DeliveryFailureLabel {
	labels := make([]DeliveryFailureLabel, 0, len(r.deliveryFailures))
	for label := range r.deliveryFailures {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Event != labels[j].Event {
			return labels[i].Event < labels[j].Event
		}
		return labels[i].Reason < labels[j].Reason
	})
	return labels
}

func sortedJobLabels(values map[JobLabel]uint64) []JobLabel {
	labels := make([]JobLabel, 0, len(values))
	for label := range values {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Job != labels[j].Job {
			return labels[i].Job < labels[j].Job
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
