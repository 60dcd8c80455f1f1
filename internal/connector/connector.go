package connector

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/rs/zerolog"

	"market-pipeline/internal/config"
	"market-pipeline/internal/domain"
)

// Connector fetches normalised price records from one upstream source.
type Connector interface {
	// ID returns the configured source id.
	ID() string
	// FetchLatest returns the most recent observations the source publishes.
	FetchLatest(ctx context.Context) ([]domain.PriceRecord, error)
	// FetchRange pages through [start, end). The sequence is lazy and
	// restartable: every iteration starts again from the first page. A page
	// may be yielded together with a *FormatErrors describing skipped entries;
	// any other error ends the sequence.
	FetchRange(ctx context.Context, start, end time.Time) iter.Seq2[[]domain.PriceRecord, error]
}

// Kinds of connectors understood by New.
const (
	KindGridOperator = "gridop"
	KindCSV          = "csv"
	KindOracle       = "oracle"
	KindStatic       = "static"
)

// New builds the connector variant selected by cfg.Kind and wraps it so every
// record carries the source id and a monotonic ingest sequence.
func New(cfg config.SourceConfig, creds CredentialsResolver, logger zerolog.Logger) (Connector, error) {
	if creds == nil {
		creds = EnvCredentials{}
	}

	var (
		inner Connector
		err   error
	)
	switch cfg.Kind {
	case KindGridOperator:
		inner, err = NewGridOperator(cfg, creds, logger)
	case KindCSV:
		inner, err = NewCSVFeed(cfg, creds, logger)
	case KindOracle:
		inner, err = NewOracle(cfg, logger)
	case KindStatic:
		inner = NewStatic(cfg.ID, nil)
	default:
		return nil, fmt.Errorf("source %s: unsupported kind %q", cfg.ID, cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
	}
	return NewSequenced(inner), nil
}

// Reconfigurable connectors can reload credentials after an operator rotated them.
type Reconfigurable interface {
	ReloadCredentials(ctx context.Context) error
}
