package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
database:
  driver: memory
sources:
  - id: ercot-rt
    kind: gridop
    zones: [ERCOT, ERCOT_HOUSTON]
    poll_interval_seconds: 300
    auth_credentials_ref: env:ERCOT_TOKEN
    base_url: https://example.invalid
  - id: epex-da
    kind: csv
    zones: [DE_LU]
    poll_interval_seconds: 3600
    range_batch_size: 96
    plausible_band_multiplier: 2
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "memory", cfg.Bus.Driver)
	assert.Equal(t, time.Minute, cfg.Quality.Interval)
	assert.Equal(t, 8760*time.Hour, cfg.API.MaxRange)
	assert.Equal(t, -10.0, cfg.Processor.Bands["spot"].Lower)
	assert.Equal(t, 50.0, cfg.Processor.Bands["spot"].Upper)

	require.Len(t, cfg.Sources, 2)
	ercot := cfg.Sources[0]
	assert.Equal(t, 5*time.Minute, ercot.PollInterval())
	assert.Equal(t, 500, ercot.RangeBatchSize)
	assert.Equal(t, 1.0, ercot.BandMultiplier())

	epex, ok := cfg.Source("epex-da")
	require.True(t, ok)
	assert.Equal(t, 96, epex.RangeBatchSize)
	assert.Equal(t, 2.0, epex.BandMultiplier())

	assert.Equal(t, []string{"ERCOT", "ERCOT_HOUSTON", "DE_LU"}, cfg.Zones())
	assert.Equal(t, "pricepipe", cfg.Logging.Fields["service"])
}

func TestLoadRejectsMissingSourceSettings(t *testing.T) {
	_, err := Load(writeConfig(t, `
database:
  driver: memory
sources:
  - id: broken
    kind: gridop
    zones: [X]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll_interval_seconds")
}

func TestLoadRejectsDuplicateSources(t *testing.T) {
	_, err := Load(writeConfig(t, `
database:
  driver: memory
sources:
  - {id: a, kind: static, zones: [X], poll_interval_seconds: 60}
  - {id: a, kind: static, zones: [Y], poll_interval_seconds: 60}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicated")
}

func TestLoadRequiresDSNForPostgres(t *testing.T) {
	_, err := Load(writeConfig(t, "database:\n  driver: postgres\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn")
}
