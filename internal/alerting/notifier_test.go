package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"market-pipeline/internal/domain"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/bottoken/sendMessage") {
			t.Fatalf("path should contain bot token and sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{
		Kind:     KindZoneQuality,
		Severity: SeverityCritical,
		Subject:  "ZONE_A",
		Title:    "zone ZONE_A is stale",
		Time:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Fields:   map[string]string{"freshness": "10m0s", "anomalies": "0"},
	}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("unexpected chat_id: %#v", received)
	}
	text := received["text"]
	if !strings.HasPrefix(text, "[pricepipe CRITICAL] zone ZONE_A is stale") {
		t.Fatalf("unexpected title line: %q", text)
	}
	if strings.Index(text, "anomalies:") > strings.Index(text, "freshness:") {
		t.Fatalf("fields should be sorted: %q", text)
	}
	if !strings.Contains(text, "Time: 2024-05-01T12:00:00Z UTC") {
		t.Fatalf("missing timestamp: %q", text)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	err := notifier.Notify(context.Background(), Notification{Kind: KindTest, Title: "test"})
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("ok=false should fail with the description, got %v", err)
	}
}

func TestTelegramNotifierHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), Notification{Title: "test"}); err == nil {
		t.Fatal("non-2xx status should fail")
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, note Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return r.err
}

func (r *recordingNotifier) sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

func TestDispatcherCooldown(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher(rec, time.Minute, testLogger())
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	ctx := context.Background()
	if !d.Send(ctx, Notification{Kind: KindSourceDisabled, Subject: "grid", Severity: SeverityCritical}) {
		t.Fatal("first alert should be sent")
	}
	if d.Send(ctx, Notification{Kind: KindSourceDisabled, Subject: "grid", Severity: SeverityCritical}) {
		t.Fatal("repeat within cooldown should be suppressed")
	}
	if !d.Send(ctx, Notification{Kind: KindSourceDisabled, Subject: "csv", Severity: SeverityCritical}) {
		t.Fatal("different subject should be sent")
	}

	now = now.Add(2 * time.Minute)
	if !d.Send(ctx, Notification{Kind: KindSourceDisabled, Subject: "grid", Severity: SeverityCritical}) {
		t.Fatal("alert after cooldown should be sent")
	}
	if got := len(rec.sent()); got != 3 {
		t.Fatalf("expected 3 notifications, got %d", got)
	}
}

func TestDispatcherSwallowsNotifierErrors(t *testing.T) {
	rec := &recordingNotifier{err: errors.New("boom")}
	d := NewDispatcher(rec, 0, testLogger())
	if !d.Send(context.Background(), Notification{Kind: KindTest}) {
		t.Fatal("notification should be handed to the notifier")
	}

	var nilDispatcher *Dispatcher
	if nilDispatcher.Send(context.Background(), Notification{Kind: KindTest}) {
		t.Fatal("nil dispatcher should not send")
	}
}

func TestDispatcherQualityTransitions(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher(rec, time.Hour, testLogger())
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	healthy := domain.QualityMetric{MarketZone: "ZONE_A", Status: domain.QualityHealthy, ComputedAt: at}
	stale := domain.QualityMetric{MarketZone: "ZONE_A", Status: domain.QualityStale, ComputedAt: at.Add(time.Minute), Reason: "no records for 10m0s"}

	d.QualityChanged(ctx, domain.QualityMetric{}, healthy)
	d.QualityChanged(ctx, healthy, stale)
	recovered := healthy
	recovered.ComputedAt = at.Add(2 * time.Minute)
	d.QualityChanged(ctx, stale, recovered)

	notes := rec.sent()
	if len(notes) != 2 {
		t.Fatalf("expected stale and recovery alerts, got %d", len(notes))
	}
	if notes[0].Severity != SeverityCritical || notes[0].Detail != stale.Reason {
		t.Fatalf("unexpected stale alert: %#v", notes[0])
	}
	if notes[1].Severity != SeverityInfo || !strings.Contains(notes[1].Title, "recovered from stale") {
		t.Fatalf("unexpected recovery alert: %#v", notes[1])
	}
}

func TestDispatcherBackfillFailed(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher(rec, 0, testLogger())
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	d.BackfillFailed(context.Background(), domain.IngestionRun{
		ID: "run-1", SourceID: "grid", RangeStart: &start, RangeEnd: &end, Error: "credentials rejected",
	})
	notes := rec.sent()
	if len(notes) != 1 {
		t.Fatalf("expected one alert, got %d", len(notes))
	}
	if notes[0].Fields["run_id"] != "run-1" || !strings.Contains(notes[0].Fields["range"], "2024-01-02T00:00:00Z") {
		t.Fatalf("unexpected fields: %#v", notes[0].Fields)
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	n := NewLogNotifier(testLogger())
	for _, sev := range []Severity{SeverityInfo, SeverityWarning, SeverityCritical} {
		if err := n.Notify(context.Background(), Notification{Severity: sev, Title: "x", Fields: map[string]string{"k": "v"}}); err != nil {
			t.Fatalf("log notifier returned %v", err)
		}
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
