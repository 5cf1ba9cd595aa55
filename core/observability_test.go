package core

import (
	"context"
	"sync"
	"testing"
	"time"
)

type capturedCounter struct {
	name  string
	value int64
	tags  map[string]string
}

type capturedHistogram struct {
	name  string
	value float64
	tags  map[string]string
}

type captureMetricsRecorder struct {
	mu         sync.Mutex
	counters   []capturedCounter
	histograms []capturedHistogram
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, capturedCounter{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, capturedHistogram{name: name, value: value, tags: cloneTags(tags)})
}

type capturedLog struct {
	level  string
	msg    string
	fields map[string]any
}

type captureLogger struct {
	mu       *sync.Mutex
	records  *[]capturedLog
	defaults map[string]any
}

func newCaptureLogger() *captureLogger {
	records := []capturedLog{}
	return &captureLogger{mu: &sync.Mutex{}, records: &records, defaults: map[string]any{}}
}

func (l *captureLogger) WithFields(fields map[string]any) Logger {
	merged := cloneFieldMap(l.defaults)
	for key, value := range fields {
		merged[key] = value
	}
	return &captureLogger{mu: l.mu, records: l.records, defaults: merged}
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }

func (l *captureLogger) WithContext(context.Context) Logger {
	return &captureLogger{mu: l.mu, records: l.records, defaults: cloneFieldMap(l.defaults)}
}

func (l *captureLogger) record(level string, msg string, args ...any) {
	fields := cloneFieldMap(l.defaults)
	for index := 0; index+1 < len(args); index += 2 {
		key, ok := args[index].(string)
		if !ok {
			continue
		}
		fields[key] = args[index+1]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.records = append(*l.records, capturedLog{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) snapshot() []capturedLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := *l.records
	out := make([]capturedLog, len(items))
	copy(out, items)
	return out
}

func cloneFieldMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	output := make(map[string]any, len(input))
	for key, value := range input {
		output[key] = value
	}
	return output
}

func hasCounter(counters []capturedCounter, name string, status string) bool {
	for _, counter := range counters {
		if counter.name == name && counter.tags["status"] == status {
			return true
		}
	}
	return false
}

func TestObserverOperation_RecordsSuccess(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	logger := newCaptureLogger()
	observer := NewObserver("triage", logger, metrics)

	observer.Operation(context.Background(), time.Now(), "Stage Run", nil, map[string]any{
		"stage":   "fetch",
		"outcome": "complete",
		"run_id":  "run_1",
	})

	if !hasCounter(metrics.counters, "triage.stage_run.total", "success") {
		t.Fatalf("expected triage.stage_run.total success counter, got %#v", metrics.counters)
	}
	if len(metrics.histograms) != 1 || metrics.histograms[0].name != "triage.stage_run.duration_ms" {
		t.Fatalf("expected duration histogram, got %#v", metrics.histograms)
	}
	if metrics.counters[0].tags["stage"] != "fetch" || metrics.counters[0].tags["outcome"] != "complete" {
		t.Fatalf("expected stage and outcome tags, got %#v", metrics.counters[0].tags)
	}
	logs := logger.snapshot()
	if len(logs) != 1 || logs[0].level != "info" {
		t.Fatalf("expected one info log, got %#v", logs)
	}
	if logs[0].fields["run_id"] != "run_1" || logs[0].fields["status"] != "success" {
		t.Fatalf("expected run_id and status fields, got %#v", logs[0].fields)
	}
}

func TestObserverOperation_RecordsFailureKind(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	logger := newCaptureLogger()
	observer := NewObserver("", logger, metrics)

	observer.Operation(context.Background(), time.Now(), "credential_refresh", NeedsReauthorizationError("u1", nil), map[string]any{
		"user_id":       "u1",
		"refresh_token": "should-not-leak",
	})

	if !hasCounter(metrics.counters, "triage.credential_refresh.total", "failure") {
		t.Fatalf("expected failure counter, got %#v", metrics.counters)
	}
	if metrics.counters[0].tags["error_kind"] != string(KindNeedsReauthorization) {
		t.Fatalf("expected error_kind tag, got %#v", metrics.counters[0].tags)
	}
	logs := logger.snapshot()
	if len(logs) != 1 || logs[0].level != "error" {
		t.Fatalf("expected one error log, got %#v", logs)
	}
	if logs[0].fields["refresh_token"] != RedactedValue {
		t.Fatalf("expected refresh token to be redacted, got %#v", logs[0].fields["refresh_token"])
	}
	if logs[0].fields["user_id"] != "u1" {
		t.Fatalf("expected user_id to remain visible, got %#v", logs[0].fields["user_id"])
	}
}

func TestTokenRefresher_ReportsRefreshOperation(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	credential := testCredential("u1", now.Add(time.Minute))
	metrics := &captureMetricsRecorder{}
	refresher, err := NewTokenRefresher(newMemoryCredentialStore(credential), &countingExchanger{now: func() time.Time { return now }},
		WithRefresherClock(func() time.Time { return now }),
		WithRefresherObserver(NewObserver("triage", newCaptureLogger(), metrics)),
	)
	if err != nil {
		t.Fatalf("new refresher: %v", err)
	}
	if _, err := refresher.EnsureFresh(context.Background(), credential); err != nil {
		t.Fatalf("ensure fresh: %v", err)
	}
	if !hasCounter(metrics.counters, "triage.credential_refresh.total", "success") {
		t.Fatalf("expected refresh counter, got %#v", metrics.counters)
	}
}
