package credits

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiagent/kiagent/internal/common/logger"
)

func newTestTracker(t *testing.T, cfg Config) *Tracker {
	t.Helper()
	if cfg.UsagePath == "" {
		cfg.UsagePath = filepath.Join(t.TempDir(), "credit_usage.json")
	}
	return NewTracker(cfg, logger.Default())
}

func TestCostFor(t *testing.T) {
	tests := []struct {
		provider  string
		tokensIn  int
		tokensOut int
		want      float64
	}{
		{"gpt-4o", 1000, 1000, 0.005 + 0.015},
		{"claude-sonnet", 2000, 1000, 0.006 + 0.015},
		{"perplexity", 0, 0, 0.005},
		{"web-search", 0, 0, 0.005},
		{"mystery-llm", 5000, 5000, 0.01},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			assert.InDelta(t, tt.want, costFor(tt.provider, tt.tokensIn, tt.tokensOut), 1e-9)
		})
	}
}

func TestTrackAPICallCounters(t *testing.T) {
	tracker := newTestTracker(t, DefaultConfig())

	info, err := tracker.TrackAPICall("codesmith", "claude-sonnet", 1000, 1000, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.018, info.CallCostUSD, 1e-9)
	assert.InDelta(t, 0.018, info.SessionTotal, 1e-9)
	assert.Empty(t, info.Warnings)

	_, err = tracker.TrackAPICall("codesmith", "claude-sonnet", 1000, 1000, true)
	require.NoError(t, err)

	summary := tracker.GetUsageSummary()
	usage := summary.Agents["codesmith"]
	assert.Equal(t, 2, usage.APICalls)
	assert.Equal(t, 4000, usage.TokensUsed)
	assert.Equal(t, 1, usage.Errors)
	assert.InDelta(t, 0.036, summary.SessionTotal, 1e-9)
	assert.InDelta(t, summary.SessionTotal, summary.DayTotal, 1e-9)
}

func TestWarningAt80Percent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerSession = 0.012 // one unknown-provider call is ~83%
	tracker := newTestTracker(t, cfg)

	info, err := tracker.TrackAPICall("research", "mystery", 0, 0, false)
	require.NoError(t, err)
	require.NotEmpty(t, info.Warnings)
	assert.Contains(t, info.Warnings[0], "session")
}

func TestEmergencyShutdownIsSticky(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerSession = 0.01
	tracker := newTestTracker(t, cfg)

	info, err := tracker.TrackAPICall("research", "mystery", 0, 0, false)
	require.NoError(t, err)
	require.NotEmpty(t, info.Warnings)

	active, reason := tracker.EmergencyShutdownActive()
	assert.True(t, active)
	assert.Contains(t, reason, "session cap reached")

	_, err = tracker.TrackAPICall("research", "mystery", 0, 0, false)
	assert.ErrorIs(t, err, ErrEmergencyShutdown)
}

func TestLLMLock(t *testing.T) {
	tracker := newTestTracker(t, DefaultConfig())

	require.True(t, tracker.AcquireLLMLock(time.Second))
	assert.False(t, tracker.AcquireLLMLock(50*time.Millisecond), "second holder must time out")

	tracker.ReleaseLLMLock()
	tracker.ReleaseLLMLock() // release is idempotent
	assert.True(t, tracker.AcquireLLMLock(time.Second))
	tracker.ReleaseLLMLock()
}

func TestPersistenceRestoresDailyTotalSameDay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credit_usage.json")
	cfg := DefaultConfig()
	cfg.UsagePath = path

	tracker := NewTracker(cfg, logger.Default())
	_, err := tracker.TrackAPICall("codesmith", "gpt-4o", 1000, 0, false)
	require.NoError(t, err)
	dayTotal := tracker.GetUsageSummary().DayTotal

	restarted := NewTracker(cfg, logger.Default())
	summary := restarted.GetUsageSummary()
	assert.InDelta(t, dayTotal, summary.DayTotal, 1e-9, "daily total survives restart on the same day")
	assert.Zero(t, summary.SessionTotal, "session total resets on restart")
}

func TestPersistenceDropsDailyTotalAcrossDays(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credit_usage.json")
	cfg := DefaultConfig()
	cfg.UsagePath = path

	tracker := NewTracker(cfg, logger.Default())
	yesterday := time.Now().Add(-24 * time.Hour)
	tracker.now = func() time.Time { return yesterday }
	_, err := tracker.TrackAPICall("codesmith", "gpt-4o", 1000, 0, false)
	require.NoError(t, err)

	restarted := NewTracker(cfg, logger.Default())
	assert.Zero(t, restarted.GetUsageSummary().DayTotal, "stale daily total starts at zero")
}

func TestHourlyTrim(t *testing.T) {
	tracker := newTestTracker(t, DefaultConfig())

	base := time.Now()
	tracker.now = func() time.Time { return base.Add(-25 * time.Hour) }
	_, err := tracker.TrackAPICall("research", "mystery", 0, 0, false)
	require.NoError(t, err)

	tracker.now = func() time.Time { return base }
	info, err := tracker.TrackAPICall("research", "mystery", 0, 0, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, info.HourTotal, 1e-9, "stale entries excluded from the hour window")
	assert.Len(t, tracker.hourly, 1, "entries older than 24h are trimmed")
}
