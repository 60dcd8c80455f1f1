package app

import (
	"context"
	"errors"
	"time"

	"market-pipeline/internal/alerting"
)

// AlertTest sends one test notification through the configured channel.
func (a *App) AlertTest(ctx context.Context, message string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	notifier := a.newNotifier()
	if message == "" {
		message = "alert channel check from " + a.Config.App.Name
	}
	note := alerting.Notification{
		Kind:     alerting.KindTest,
		Severity: alerting.SeverityInfo,
		Subject:  a.Config.App.Environment,
		Title:    "test alert",
		Detail:   message,
		Time:     time.Now().UTC(),
	}
	// bypasses the dispatcher so a delivery failure reaches the operator
	return notifier.Notify(ctx, note)
}
