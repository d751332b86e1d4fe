package events

import (
	"sync"
	"time"

	"github.com/isc-ryoung/remedyd/internal/logging"
	"github.com/isc-ryoung/remedyd/internal/model"
)

// UsageTracker is a side-channel observer of engine activity. It keeps
// per-command and session-wide transition counters, checked against optional
// budgets with an alert threshold. It subscribes to the event bus and is never
// consulted by the core for correctness.
type UsageTracker struct {
	mu sync.Mutex

	sessionBudget  int
	commandBudget  int
	alertThreshold float64

	sessionUsed  int
	perCommand   map[string]int
	terminalBySt map[model.State]int
	sessionStart time.Time
	alerted      bool

	log *logging.Component
}

// UsageSnapshot is a point-in-time copy of the tracker counters.
type UsageSnapshot struct {
	SessionUsed     int                 `json:"session_used"`
	SessionBudget   int                 `json:"session_budget"`
	CommandsTracked int                 `json:"commands_tracked"`
	TerminalCounts  map[model.State]int `json:"terminal_counts"`
	SessionStart    time.Time           `json:"session_start"`
}

func NewUsageTracker(cfg model.UsageConfig, log *logging.Component) *UsageTracker {
	return &UsageTracker{
		sessionBudget:  cfg.SessionBudget,
		commandBudget:  cfg.CommandBudget,
		alertThreshold: cfg.AlertThreshold,
		perCommand:     make(map[string]int),
		terminalBySt:   make(map[model.State]int),
		sessionStart:   time.Now().UTC(),
		log:            log,
	}
}

// Attach subscribes the tracker to transition events on the bus.
// Returns the unsubscribe function.
func (u *UsageTracker) Attach(bus *Bus) func() {
	return bus.Subscribe(EventTransition, u.observe)
}

func (u *UsageTracker) observe(ev Event) {
	commandID, _ := ev.Data["command_id"].(string)
	toState, _ := ev.Data["to"].(string)

	u.mu.Lock()
	defer u.mu.Unlock()

	u.sessionUsed++
	if commandID != "" {
		u.perCommand[commandID]++
	}
	if st := model.State(toState); model.IsTerminal(st) {
		u.terminalBySt[st]++
	}

	u.checkBudgetsLocked(commandID)
}

func (u *UsageTracker) checkBudgetsLocked(commandID string) {
	if u.sessionBudget > 0 && !u.alerted {
		used := float64(u.sessionUsed) / float64(u.sessionBudget)
		if used >= u.alertThreshold {
			u.alerted = true
			u.log.Warnf("usage_alert scope=session used=%d budget=%d ratio=%.2f",
				u.sessionUsed, u.sessionBudget, used)
		}
	}
	if u.commandBudget > 0 && commandID != "" {
		if n := u.perCommand[commandID]; n > u.commandBudget {
			u.log.Warnf("usage_over_budget scope=command command_id=%s used=%d budget=%d",
				commandID, n, u.commandBudget)
		}
	}
}

// Snapshot returns a copy of the current counters.
func (u *UsageTracker) Snapshot() UsageSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()

	terminal := make(map[model.State]int, len(u.terminalBySt))
	for k, v := range u.terminalBySt {
		terminal[k] = v
	}
	return UsageSnapshot{
		SessionUsed:     u.sessionUsed,
		SessionBudget:   u.sessionBudget,
		CommandsTracked: len(u.perCommand),
		TerminalCounts:  terminal,
		SessionStart:    u.sessionStart,
	}
}

// ResetSession clears the session counters.
func (u *UsageTracker) ResetSession() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sessionUsed = 0
	u.perCommand = make(map[string]int)
	u.terminalBySt = make(map[model.State]int)
	u.sessionStart = time.Now().UTC()
	u.alerted = false
}
