package alerting

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-pipeline/internal/domain"
)

// Dispatcher routes pipeline events to a Notifier, suppressing repeats of
// the same (kind, subject, severity) within the cooldown. Delivery failures
// are logged, never returned: alerting must not stall ingestion.
type Dispatcher struct {
	notifier Notifier
	cooldown time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewDispatcher wraps notifier. A nil notifier disables delivery.
func NewDispatcher(notifier Notifier, cooldown time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		notifier: notifier,
		cooldown: cooldown,
		timeout:  10 * time.Second,
		logger:   logger.With().Str("component", "alerting").Logger(),
		now:      time.Now,
		sent:     make(map[string]time.Time),
	}
}

// Send delivers note unless an identical alert went out within the cooldown.
// It reports whether the notification was handed to the notifier.
func (d *Dispatcher) Send(ctx context.Context, note Notification) bool {
	if d == nil || d.notifier == nil {
		return false
	}
	if note.Time.IsZero() {
		note.Time = d.now().UTC()
	}
	key := string(note.Kind) + "|" + note.Subject + "|" + string(note.Severity)

	d.mu.Lock()
	if last, ok := d.sent[key]; ok && d.cooldown > 0 && note.Time.Sub(last) < d.cooldown {
		d.mu.Unlock()
		d.logger.Debug().Str("kind", string(note.Kind)).Str("subject", note.Subject).Msg("alert suppressed by cooldown")
		return false
	}
	d.sent[key] = note.Time
	d.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.notifier.Notify(sendCtx, note); err != nil {
		d.logger.Error().Err(err).Str("kind", string(note.Kind)).Str("subject", note.Subject).Msg("failed to dispatch alert")
	}
	return true
}

// QualityChanged alerts when a zone enters stale or degraded, and when it
// recovers from either.
func (d *Dispatcher) QualityChanged(ctx context.Context, prev, cur domain.QualityMetric) {
	fields := map[string]string{
		"completeness": strconv.FormatFloat(cur.CompletenessPercent, 'f', 1, 64) + "%",
		"freshness":    (time.Duration(cur.FreshnessSeconds) * time.Second).String(),
		"anomalies":    strconv.FormatInt(cur.AnomalyCount, 10),
	}
	switch cur.Status {
	case domain.QualityStale, domain.QualityDegraded:
		severity := SeverityWarning
		if cur.Status == domain.QualityStale {
			severity = SeverityCritical
		}
		d.Send(ctx, Notification{
			Kind:     KindZoneQuality,
			Severity: severity,
			Subject:  cur.MarketZone,
			Title:    fmt.Sprintf("zone %s is %s", cur.MarketZone, cur.Status),
			Detail:   cur.Reason,
			Time:     cur.ComputedAt,
			Fields:   fields,
		})
	case domain.QualityHealthy:
		if prev.Status == "" || prev.Status == domain.QualityHealthy {
			return
		}
		d.Send(ctx, Notification{
			Kind:     KindZoneQuality,
			Severity: SeverityInfo,
			Subject:  cur.MarketZone,
			Title:    fmt.Sprintf("zone %s recovered from %s", cur.MarketZone, prev.Status),
			Time:     cur.ComputedAt,
			Fields:   fields,
		})
	}
}

// SourceDisabled alerts that a source rejected its credentials.
func (d *Dispatcher) SourceDisabled(ctx context.Context, sourceID, reason string) {
	d.Send(ctx, Notification{
		Kind:     KindSourceDisabled,
		Severity: SeverityCritical,
		Subject:  sourceID,
		Title:    fmt.Sprintf("source %s disabled", sourceID),
		Detail:   reason + "\nUpdate the credentials and re-enable the source.",
	})
}

// SourceEnabled confirms an operator re-enabled a source.
func (d *Dispatcher) SourceEnabled(ctx context.Context, sourceID string) {
	d.Send(ctx, Notification{
		Kind:     KindSourceEnabled,
		Severity: SeverityInfo,
		Subject:  sourceID,
		Title:    fmt.Sprintf("source %s re-enabled", sourceID),
	})
}

// BackfillFailed alerts that a backfill ended in failed status.
func (d *Dispatcher) BackfillFailed(ctx context.Context, run domain.IngestionRun) {
	fields := map[string]string{
		"run_id":   run.ID,
		"ingested": strconv.FormatInt(run.RecordsIngested, 10),
	}
	if run.RangeStart != nil && run.RangeEnd != nil {
		fields["range"] = run.RangeStart.Format(time.RFC3339) + " .. " + run.RangeEnd.Format(time.RFC3339)
	}
	d.Send(ctx, Notification{
		Kind:     KindBackfillFailed,
		Severity: SeverityWarning,
		Subject:  run.SourceID,
		Title:    fmt.Sprintf("backfill of %s failed", run.SourceID),
		Detail:   run.Error,
		Fields:   fields,
	})
}
