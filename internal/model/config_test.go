package model_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/privacyscore/scanner/internal/model"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
database: /var/lib/scand/scand.db
traces: /var/lib/openwpm/crawl-data.sqlite
storage:
  inline_max_size: 2048
  backend: minio
  minio:
    endpoint: localhost:9000
    access_key: minio
    secret_key: minio123
scheduler:
  workers: 8
  cooldown: 2d
  timeout: 6h
  sweep:
    cron: "*/5 * * * *"
suites:
  - test: fingerprinting
  - test: screenshot
    params:
      width: 1024
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, "/var/lib/scand/scand.db", cfg.Database)
	require.Equal(t, "/var/lib/openwpm/crawl-data.sqlite", cfg.Traces)
	require.False(t, cfg.Verbose)

	require.Equal(t, int64(2048), cfg.Storage.InlineMaxSize)
	require.Equal(t, model.BackendMinIO, cfg.Storage.Backend)
	require.NotNil(t, cfg.Storage.MinIO)
	require.Equal(t, "localhost:9000", cfg.Storage.MinIO.Endpoint)
	require.Equal(t, "scand-raw-data", cfg.Storage.MinIO.Bucket)
	require.False(t, cfg.Storage.MinIO.UseSSL)

	require.Equal(t, 8, cfg.Scheduler.Workers)
	require.Equal(t, "2d", cfg.Scheduler.Cooldown)
	require.Equal(t, "6h", cfg.Scheduler.Timeout)
	require.Equal(t, "*/5 * * * *", cfg.Scheduler.Sweep.Cron)
	require.Nil(t, cfg.Scheduler.Rescan)

	require.Len(t, cfg.Suites, 2)
	require.Equal(t, "fingerprinting", cfg.Suites[0].Test)
	require.Equal(t, "screenshot", cfg.Suites[1].Test)
	require.Contains(t, cfg.Suites[1].Params, "width")
}

func TestLoadConfig_Defaults(t *testing.T) {
	yml := `
database: scand.db
storage:
  dir: raw
suites:
  - test: fingerprinting
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, int64(model.DefaultInlineMaxSize), cfg.Storage.InlineMaxSize)
	require.Equal(t, model.BackendFilesystem, cfg.Storage.Backend)
	require.Equal(t, 4, cfg.Scheduler.Workers)
	require.Equal(t, "1d", cfg.Scheduler.Cooldown)
	require.Equal(t, "12h", cfg.Scheduler.Timeout)
	require.Equal(t, "5m", cfg.Scheduler.Sweep.Every)
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		yml      string
	}{
		{"missing database", `
storage:
  dir: raw
suites:
  - test: fingerprinting
`},
		{"filesystem without dir", `
database: scand.db
suites:
  - test: fingerprinting
`},
		{"no suites", `
database: scand.db
storage:
  dir: raw
suites: []
`},
		{"bad duration", `
database: scand.db
storage:
  dir: raw
scheduler:
  timeout: 12 hours
suites:
  - test: fingerprinting
`},
		{"unknown field", `
database: scand.db
storage:
  dir: raw
suites:
  - test: fingerprinting
celery: true
`},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tt.yml))
			require.Error(t, err)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
		})
	}
}

func TestDefaultConfig_RoundTrip(t *testing.T) {
	cfg := model.DefaultConfig(t.TempDir())

	var buf bytes.Buffer
	require.NoError(t, yaml.NewEncoder(&buf).Encode(cfg))

	loaded, err := model.LoadConfig(&buf)
	require.NoError(t, err)
	require.Equal(t, cfg.Database, loaded.Database)
	require.Equal(t, cfg.Storage.Dir, loaded.Storage.Dir)
	require.Equal(t, cfg.Scheduler.Sweep, loaded.Scheduler.Sweep)
	require.Equal(t, "fingerprinting", loaded.Suites[0].Test)
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  time.Duration
	}{
		{"1d", 24 * time.Hour},
		{"12h", 12 * time.Hour},
		{"1d2h3m4s", 26*time.Hour + 3*time.Minute + 4*time.Second},
		{"90s", 90 * time.Second},
	}
	for _, tt := range testCases {
		t.Run(tt.given, func(t *testing.T) {
			d, err := model.ParseDuration(tt.given)
			require.NoError(t, err)
			require.Equal(t, tt.then, d)
		})
	}

	for _, bad := range []string{"", "1w", "5m1h", "h", "99999999999999999d"} {
		_, err := model.ParseDuration(bad)
		require.ErrorIs(t, err, model.ErrDurationFormat, bad)
	}
}

func TestParseCron(t *testing.T) {
	t.Parallel()
	require.NoError(t, model.ParseCron("*/5 * * * *"))
	require.NoError(t, model.ParseCron("@every 10m"))
	require.NoError(t, model.ParseCron("@daily"))
	require.Error(t, model.ParseCron(""))
	require.Error(t, model.ParseCron("* * * * * *"))
	require.Error(t, model.ParseCron("@fortnightly"))
}

func TestGroupStatus(t *testing.T) {
	t.Parallel()
	require.Equal(t, "scanning", model.StatusScanning.String())
	require.False(t, model.StatusReady.Terminal())
	require.False(t, model.StatusScanning.Terminal())
	require.True(t, model.StatusFinish.Terminal())
	require.True(t, model.StatusError.Terminal())

	b, err := model.StatusFinish.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `"finish"`, string(b))

	var s model.GroupStatus
	require.NoError(t, s.UnmarshalJSON([]byte(`"error"`)))
	require.Equal(t, model.StatusError, s)
	require.Error(t, s.UnmarshalJSON([]byte(`"aborted"`)))
}
