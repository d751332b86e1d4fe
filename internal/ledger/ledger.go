// Package ledger implements the append-only execution ledger: per-command
// state, transition history, and the JSONL audit mirror.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/isc-ryoung/remedyd/internal/model"
)

// ErrNotFound is returned by queries for unknown command ids.
var ErrNotFound = errors.New("command not found")

// Transition is one ledger entry.
type Transition struct {
	Timestamp time.Time   `json:"timestamp"`
	From      model.State `json:"from"`
	To        model.State `json:"to"`
	Detail    string      `json:"detail,omitempty"`
}

// Record is the execution record for one command. Mutated only through the
// ledger's methods; queries receive copies.
type Record struct {
	CommandID         string       `json:"command_id"`
	State             model.State  `json:"state"`
	Attempts          int          `json:"attempts"`
	LastError         string       `json:"last_error,omitempty"`
	RollbackPerformed bool         `json:"rollback_performed"`
	History           []Transition `json:"history"`
}

// Ledger owns the execution records. Entries are never mutated or deleted;
// records are retained for the process lifetime.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]*Record
	audit   *AuditWriter
	now     func() time.Time
}

// New creates a ledger. audit may be nil to disable the JSONL mirror.
func New(audit *AuditWriter) *Ledger {
	return &Ledger{
		records: make(map[string]*Record),
		audit:   audit,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Open creates the record for a freshly admitted command in state Pending.
func (l *Ledger) Open(commandID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[commandID]; ok {
		return fmt.Errorf("record for %s already exists", commandID)
	}

	entry := Transition{Timestamp: l.now(), From: "", To: model.StatePending, Detail: "admitted"}
	l.records[commandID] = &Record{
		CommandID: commandID,
		State:     model.StatePending,
		History:   []Transition{entry},
	}
	l.writeAudit(commandID, entry)
	return nil
}

// Append records a state transition. The transition is validated against the
// command state machine; an invalid transition is a programming error surfaced
// to the caller. Attempts increments on entry to InProgress; detail is retained
// as LastError on Failed and RolledBack.
func (l *Ledger) Append(commandID string, to model.State, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[commandID]
	if !ok {
		return fmt.Errorf("append %s: %w", commandID, ErrNotFound)
	}
	if err := model.ValidateTransition(rec.State, to); err != nil {
		return fmt.Errorf("append %s: %w", commandID, err)
	}

	entry := Transition{Timestamp: l.now(), From: rec.State, To: to, Detail: detail}
	rec.History = append(rec.History, entry)
	rec.State = to

	switch to {
	case model.StateInProgress:
		rec.Attempts++
	case model.StateFailed, model.StateRolledBack:
		if detail != "" {
			rec.LastError = detail
		}
	}

	l.writeAudit(commandID, entry)
	return nil
}

// RecordRollback flags whether the rollback attempt for a failed command
// actually restored the target resource.
func (l *Ledger) RecordRollback(commandID string, performed bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[commandID]
	if !ok {
		return fmt.Errorf("record rollback %s: %w", commandID, ErrNotFound)
	}
	rec.RollbackPerformed = performed
	return nil
}

// Get returns a copy of the record for a command id.
func (l *Ledger) Get(commandID string) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[commandID]
	if !ok {
		return Record{}, ErrNotFound
	}

	out := *rec
	out.History = make([]Transition, len(rec.History))
	copy(out.History, rec.History)
	return out, nil
}

// State returns the current state of a command id. The second return value
// reports whether the id is known; the scheduler uses this for dependency
// eligibility checks.
func (l *Ledger) State(commandID string) (model.State, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[commandID]
	if !ok {
		return "", false
	}
	return rec.State, true
}

func (l *Ledger) writeAudit(commandID string, tr Transition) {
	if l.audit == nil {
		return
	}
	// Audit write failures are logged by the writer; they never block a
	// transition that is already recorded in memory.
	_ = l.audit.Write(AuditEntry{
		Timestamp: tr.Timestamp,
		EventType: "transition",
		CommandID: commandID,
		From:      string(tr.From),
		To:        string(tr.To),
		Detail:    tr.Detail,
	})
}
