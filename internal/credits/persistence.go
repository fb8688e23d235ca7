package credits

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// usageFile is the on-disk shape of the usage artifact. The file is
// rewritten in full on every tracked call.
type usageFile struct {
	Timestamp   time.Time             `json:"timestamp"`
	TotalCost   float64               `json:"total_cost"`
	DailyCost   float64               `json:"daily_cost"`
	SessionCost float64               `json:"session_cost"`
	Agents      map[string]AgentUsage `json:"agents"`
}

// persistLocked serializes the counters to the usage file. Persistence
// failures are logged, never surfaced: spend tracking must not fail a call.
func (t *Tracker) persistLocked() {
	if t.cfg.UsagePath == "" {
		return
	}

	agents := make(map[string]AgentUsage, len(t.agents))
	for name, usage := range t.agents {
		agents[name] = *usage
	}
	file := usageFile{
		Timestamp:   t.now(),
		TotalCost:   t.dayTotal,
		DailyCost:   t.dayTotal,
		SessionCost: t.sessionTotal,
		Agents:      agents,
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		t.logger.Warn("failed to marshal usage file", zap.Error(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(t.cfg.UsagePath), 0o755); err != nil {
		t.logger.Warn("failed to create usage directory", zap.Error(err))
		return
	}
	if err := os.WriteFile(t.cfg.UsagePath, data, 0o644); err != nil {
		t.logger.Warn("failed to write usage file", zap.Error(err))
	}
}

// restore loads the usage file. The daily total is kept only when the
// saved timestamp falls on today's date; the session total always starts
// at zero.
func (t *Tracker) restore() {
	if t.cfg.UsagePath == "" {
		return
	}
	data, err := os.ReadFile(t.cfg.UsagePath)
	if err != nil {
		return
	}
	var file usageFile
	if err := json.Unmarshal(data, &file); err != nil {
		t.logger.Warn("ignoring corrupt usage file", zap.Error(err))
		return
	}

	today := t.now().Format("2006-01-02")
	if file.Timestamp.Format("2006-01-02") == today {
		t.dayTotal = file.DailyCost
		t.dayDate = today
		t.logger.Info("restored daily usage", zap.Float64("daily_cost_usd", file.DailyCost))
	}
}
