// Package credits enforces the monetary caps of the orchestrator and holds
// the process-wide code-generator LLM lock. One tracker exists per process;
// sessions share it.
package credits

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kiagent/kiagent/internal/common/logger"
)

var (
	// ErrEmergencyShutdown is returned by TrackAPICall once the sticky
	// shutdown flag is set. It cannot be cleared within the process.
	ErrEmergencyShutdown = errors.New("credits: emergency shutdown active")
)

// Config holds the monetary caps. All values are USD.
type Config struct {
	MaxPerSession     float64
	MaxPerHour        float64
	MaxPerDay         float64
	EmergencyShutdown float64
	MaxLLMInstances   int // always 1
	MaxCallsPerMinute int
	LockTimeout       time.Duration
	// UsagePath is the JSON persistence file. Empty selects
	// ~/.ki_autoagent/usage/credit_usage.json.
	UsagePath string
}

// DefaultConfig returns the caps used when no configuration is supplied.
func DefaultConfig() Config {
	return Config{
		MaxPerSession:     10.0,
		MaxPerHour:        20.0,
		MaxPerDay:         100.0,
		EmergencyShutdown: 150.0,
		MaxLLMInstances:   1,
		MaxCallsPerMinute: 30,
		LockTimeout:       30 * time.Second,
	}
}

// AgentUsage tracks per-agent counters.
type AgentUsage struct {
	APICalls     int       `json:"calls"`
	TokensUsed   int       `json:"tokens"`
	CostUSD      float64   `json:"cost"`
	LastCallTime time.Time `json:"last_call_time"`
	Errors       int       `json:"errors"`
}

// UsageInfo is returned by TrackAPICall: the cost of the call, the current
// totals, and any cap warnings.
type UsageInfo struct {
	CallCostUSD  float64  `json:"call_cost_usd"`
	SessionTotal float64  `json:"session_total_usd"`
	HourTotal    float64  `json:"hour_total_usd"`
	DayTotal     float64  `json:"day_total_usd"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Summary is a point-in-time snapshot for status broadcasts.
type Summary struct {
	SessionTotal      float64               `json:"session_total_usd"`
	HourTotal         float64               `json:"hour_total_usd"`
	DayTotal          float64               `json:"day_total_usd"`
	EmergencyShutdown bool                  `json:"emergency_shutdown"`
	ShutdownReason    string                `json:"shutdown_reason,omitempty"`
	Agents            map[string]AgentUsage `json:"agents"`
}

type hourlyEntry struct {
	at   time.Time
	cost float64
}

// Tracker enforces the caps and owns the LLM singleton lock.
type Tracker struct {
	mu             sync.Mutex
	cfg            Config
	agents         map[string]*AgentUsage
	sessionTotal   float64
	hourly         []hourlyEntry
	dayTotal       float64
	dayDate        string // YYYY-MM-DD of dayTotal
	shutdown       bool
	shutdownReason string

	llmLock chan struct{} // capacity 1 semaphore

	now    func() time.Time
	logger *logger.Logger
}

var (
	defaultTracker     *Tracker
	defaultTrackerOnce sync.Once
)

// Default returns the process-wide tracker, constructed lazily with the
// default caps on first access.
func Default() *Tracker {
	defaultTrackerOnce.Do(func() {
		defaultTracker = NewTracker(DefaultConfig(), logger.Default())
	})
	return defaultTracker
}

// NewTracker creates a tracker and restores the persisted daily total when
// the saved timestamp falls on today's date.
func NewTracker(cfg Config, log *logger.Logger) *Tracker {
	if cfg.MaxLLMInstances != 1 {
		cfg.MaxLLMInstances = 1
	}
	if cfg.UsagePath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.UsagePath = filepath.Join(home, ".ki_autoagent", "usage", "credit_usage.json")
		}
	}
	t := &Tracker{
		cfg:     cfg,
		agents:  make(map[string]*AgentUsage),
		llmLock: make(chan struct{}, 1),
		now:     time.Now,
		logger:  log.WithFields(zap.String("component", "credits")),
	}
	t.restore()
	return t
}

// Configure replaces the caps. The change is logged; there is no other way
// to mutate limits from outside.
func (t *Tracker) Configure(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logger.Info("credit limits reconfigured",
		zap.Float64("max_per_session", cfg.MaxPerSession),
		zap.Float64("max_per_hour", cfg.MaxPerHour),
		zap.Float64("max_per_day", cfg.MaxPerDay),
		zap.Float64("emergency_shutdown", cfg.EmergencyShutdown))
	cfg.MaxLLMInstances = 1
	if cfg.UsagePath == "" {
		cfg.UsagePath = t.cfg.UsagePath
	}
	t.cfg = cfg
}

// TrackAPICall records one provider call: computes its cost, updates the
// per-agent counters and the session/hour/day aggregates, persists the
// usage file, and checks the caps in order session, hour, day, emergency.
// Crossing 80% of a cap adds a warning to the returned info; reaching 100%
// triggers the sticky emergency shutdown.
func (t *Tracker) TrackAPICall(agentName, provider string, tokensIn, tokensOut int, errFlag bool) (*UsageInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shutdown {
		return nil, fmt.Errorf("%w: %s", ErrEmergencyShutdown, t.shutdownReason)
	}

	now := t.now()
	cost := costFor(provider, tokensIn, tokensOut)

	usage, ok := t.agents[agentName]
	if !ok {
		usage = &AgentUsage{}
		t.agents[agentName] = usage
	}
	usage.APICalls++
	usage.TokensUsed += tokensIn + tokensOut
	usage.CostUSD += cost
	usage.LastCallTime = now
	if errFlag {
		usage.Errors++
	}

	t.sessionTotal += cost
	t.rollDayLocked(now)
	t.dayTotal += cost
	t.hourly = append(t.hourly, hourlyEntry{at: now, cost: cost})
	t.trimHourlyLocked(now)

	info := &UsageInfo{
		CallCostUSD:  cost,
		SessionTotal: t.sessionTotal,
		HourTotal:    t.hourTotalLocked(now),
		DayTotal:     t.dayTotal,
	}

	caps := []struct {
		name  string
		spent float64
		limit float64
	}{
		{"session", info.SessionTotal, t.cfg.MaxPerSession},
		{"hour", info.HourTotal, t.cfg.MaxPerHour},
		{"day", info.DayTotal, t.cfg.MaxPerDay},
		{"emergency", info.DayTotal, t.cfg.EmergencyShutdown},
	}
	for _, c := range caps {
		if c.limit <= 0 {
			continue
		}
		switch {
		case c.spent >= c.limit:
			t.shutdown = true
			t.shutdownReason = fmt.Sprintf("%s cap reached: $%.4f >= $%.2f", c.name, c.spent, c.limit)
			info.Warnings = append(info.Warnings, t.shutdownReason)
			t.logger.Error("emergency shutdown triggered", zap.String("reason", t.shutdownReason))
		case c.spent >= 0.8*c.limit:
			warning := fmt.Sprintf("%s spend at %.0f%% of cap ($%.4f of $%.2f)", c.name, 100*c.spent/c.limit, c.spent, c.limit)
			info.Warnings = append(info.Warnings, warning)
		}
		if t.shutdown {
			break
		}
	}

	t.persistLocked()
	return info, nil
}

// EmergencyShutdownActive reports the sticky flag and its reason.
func (t *Tracker) EmergencyShutdownActive() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shutdown, t.shutdownReason
}

// AcquireLLMLock waits up to timeout for the process-wide code-generator
// lock. A zero timeout uses the configured default. Returns false when the
// wait expires.
func (t *Tracker) AcquireLLMLock(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = t.cfg.LockTimeout
	}
	select {
	case t.llmLock <- struct{}{}:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ReleaseLLMLock releases the code-generator lock. Releasing an unheld
// lock is a no-op.
func (t *Tracker) ReleaseLLMLock() {
	select {
	case <-t.llmLock:
	default:
	}
}

// GetUsageSummary returns a snapshot of all counters.
func (t *Tracker) GetUsageSummary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	agents := make(map[string]AgentUsage, len(t.agents))
	for name, usage := range t.agents {
		agents[name] = *usage
	}
	return Summary{
		SessionTotal:      t.sessionTotal,
		HourTotal:         t.hourTotalLocked(t.now()),
		DayTotal:          t.dayTotal,
		EmergencyShutdown: t.shutdown,
		ShutdownReason:    t.shutdownReason,
		Agents:            agents,
	}
}

func (t *Tracker) hourTotalLocked(now time.Time) float64 {
	cutoff := now.Add(-time.Hour)
	var total float64
	for _, entry := range t.hourly {
		if entry.at.After(cutoff) {
			total += entry.cost
		}
	}
	return total
}

// trimHourlyLocked drops entries older than 24 hours.
func (t *Tracker) trimHourlyLocked(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	kept := t.hourly[:0]
	for _, entry := range t.hourly {
		if entry.at.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	t.hourly = kept
}

// rollDayLocked resets the daily aggregate when the calendar date changes.
func (t *Tracker) rollDayLocked(now time.Time) {
	date := now.Format("2006-01-02")
	if t.dayDate != date {
		t.dayDate = date
		t.dayTotal = 0
	}
}

// Provider pricing per 1K tokens; the search provider charges per call.
// Provider strings are matched by substring; unknown providers cost a flat
// $0.01.
const (
	gptInputPer1K     = 0.005
	gptOutputPer1K    = 0.015
	claudeInputPer1K  = 0.003
	claudeOutputPer1K = 0.015
	searchPerCall     = 0.005
	unknownFlat       = 0.01
)

func costFor(provider string, tokensIn, tokensOut int) float64 {
	p := strings.ToLower(provider)
	switch {
	case strings.Contains(p, "gpt"):
		return float64(tokensIn)/1000*gptInputPer1K + float64(tokensOut)/1000*gptOutputPer1K
	case strings.Contains(p, "claude"):
		return float64(tokensIn)/1000*claudeInputPer1K + float64(tokensOut)/1000*claudeOutputPer1K
	case strings.Contains(p, "perplexity"), strings.Contains(p, "search"):
		return searchPerCall
	default:
		return unknownFlat
	}
}
