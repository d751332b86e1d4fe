// Package scheduler implements conflict-aware admission and ordering of
// remediation commands: per-resource serialized queues with priority-major,
// arrival-minor dispatch order and dependency gating.
package scheduler

import (
	"errors"
	"fmt"
	"sync"

	"github.com/isc-ryoung/remedyd/internal/logging"
	"github.com/isc-ryoung/remedyd/internal/model"
)

// CapacityError reports a full resource queue. The command was not admitted.
type CapacityError struct {
	Resource string
	Depth    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("queue for resource %q is full (depth %d)", e.Resource, e.Depth)
}

var (
	ErrUnknownCommand = errors.New("command not queued")
	ErrNotCancellable = errors.New("command is in progress and cannot be cancelled directly")
)

// StateFunc reports the current ledger state of a command id. The scheduler
// consults it for dependency eligibility; the boolean is false for ids the
// ledger has never seen.
type StateFunc func(id string) (model.State, bool)

type entry struct {
	cmd      model.Command
	awaiting bool // parked by the router's risk gate
}

// Scheduler owns the per-resource queues. All mutation goes through its
// mutex-guarded methods; handlers and workers never touch queue state.
type Scheduler struct {
	mu         sync.Mutex
	maxDepth   int
	queues     map[string][]*entry
	byID       map[string]*entry
	inProgress map[string]string // resource -> running command id
	stateOf    StateFunc
	log        *logging.Component
}

func New(maxDepth int, stateOf StateFunc, log *logging.Component) *Scheduler {
	if maxDepth <= 0 {
		maxDepth = 64
	}
	return &Scheduler{
		maxDepth:   maxDepth,
		queues:     make(map[string][]*entry),
		byID:       make(map[string]*entry),
		inProgress: make(map[string]string),
		stateOf:    stateOf,
		log:        log,
	}
}

// Enqueue admits a validated command to its resource queue. Insertion keeps
// the queue priority-ordered while preserving arrival order within equal
// priority.
func (s *Scheduler) Enqueue(cmd model.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[cmd.ID]; ok {
		return fmt.Errorf("command %s already queued", cmd.ID)
	}

	q := s.queues[cmd.TargetResource]
	if len(q) >= s.maxDepth {
		return &CapacityError{Resource: cmd.TargetResource, Depth: s.maxDepth}
	}

	e := &entry{cmd: cmd}
	insertAt := len(q)
	for i, existing := range q {
		if cmd.Priority.Rank() < existing.cmd.Priority.Rank() {
			insertAt = i
			break
		}
	}

	q = append(q, nil)
	copy(q[insertAt+1:], q[insertAt:])
	q[insertAt] = e
	s.queues[cmd.TargetResource] = q
	s.byID[cmd.ID] = e

	s.log.Infof("enqueued id=%s kind=%s resource=%s priority=%s position=%d depth=%d",
		cmd.ID, cmd.Kind, cmd.TargetResource, cmd.Priority, insertAt+1, len(q))
	return nil
}

// NextEligible returns the next command to dispatch, if any. A command is
// eligible iff it heads its resource queue, its resource has nothing in
// progress, it is not parked awaiting approval, and every dependency is in a
// success terminal state. Among eligible heads, priority wins, then earliest
// arrival.
func (s *Scheduler) NextEligible() (model.Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *entry
	for resource, q := range s.queues {
		if len(q) == 0 {
			continue
		}
		if _, busy := s.inProgress[resource]; busy {
			continue
		}
		head := q[0]
		if head.awaiting {
			continue
		}
		if !s.dependenciesSatisfiedLocked(head.cmd) {
			continue
		}
		if best == nil || dispatchBefore(head.cmd, best.cmd) {
			best = head
		}
	}

	if best == nil {
		return model.Command{}, false
	}
	return best.cmd, true
}

// DependencyFailed removes and returns queue heads whose dependencies have
// reached a terminal non-success state and therefore can never run. The
// caller records the cascade cancellation.
func (s *Scheduler) DependencyFailed() []model.Command {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []model.Command
	for resource, q := range s.queues {
		if len(q) == 0 {
			continue
		}
		if _, busy := s.inProgress[resource]; busy {
			continue
		}
		head := q[0]
		if !s.dependencyDoomedLocked(head.cmd) {
			continue
		}
		s.removeLocked(head.cmd.ID)
		doomed = append(doomed, head.cmd)
		s.log.Warnf("dependency_failed id=%s resource=%s deps=%v",
			head.cmd.ID, resource, head.cmd.Dependencies)
	}
	return doomed
}

// MarkInProgress records that the worker pool picked up the command. The
// entry stays at the head of its queue, blocking the resource, until
// MarkTerminal.
func (s *Scheduler) MarkInProgress(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("mark in progress %s: %w", id, ErrUnknownCommand)
	}
	resource := e.cmd.TargetResource
	if running, busy := s.inProgress[resource]; busy {
		return fmt.Errorf("resource %q already has %s in progress", resource, running)
	}
	q := s.queues[resource]
	if len(q) == 0 || q[0] != e {
		return fmt.Errorf("command %s is not at the head of its resource queue", id)
	}

	s.inProgress[resource] = id
	return nil
}

// MarkAwaiting parks a head command behind the approval gate. The resource
// stays blocked; the command is skipped by NextEligible until approved.
func (s *Scheduler) MarkAwaiting(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("mark awaiting %s: %w", id, ErrUnknownCommand)
	}
	e.awaiting = true
	return nil
}

// Approve lifts the approval gate and flags the command approved so the
// router passes it on the next dispatch.
func (s *Scheduler) Approve(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("approve %s: %w", id, ErrUnknownCommand)
	}
	if !e.awaiting {
		return fmt.Errorf("command %s is not awaiting approval", id)
	}
	e.awaiting = false
	e.cmd.Approved = true
	return nil
}

// MarkTerminal removes a finished command, unblocking its resource queue.
func (s *Scheduler) MarkTerminal(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("mark terminal %s: %w", id, ErrUnknownCommand)
	}
	if s.inProgress[e.cmd.TargetResource] == id {
		delete(s.inProgress, e.cmd.TargetResource)
	}
	s.removeLocked(id)
	return nil
}

// Cancel removes a command that has not started running.
func (s *Scheduler) Cancel(id string) (model.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return model.Command{}, fmt.Errorf("cancel %s: %w", id, ErrUnknownCommand)
	}
	if s.inProgress[e.cmd.TargetResource] == id {
		return model.Command{}, fmt.Errorf("cancel %s: %w", id, ErrNotCancellable)
	}
	s.removeLocked(id)
	s.log.Infof("cancelled id=%s resource=%s", id, e.cmd.TargetResource)
	return e.cmd, nil
}

// Get returns the queued command by id.
func (s *Scheduler) Get(id string) (model.Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return model.Command{}, false
	}
	return e.cmd, true
}

// Snapshot summarizes queue contents for status queries.
type Snapshot struct {
	Total      int                     `json:"total"`
	ByPriority map[model.Priority]int  `json:"by_priority"`
	ByKind     map[model.ActionKind]int `json:"by_kind"`
	ByResource map[string]int          `json:"by_resource"`
	InProgress map[string]string       `json:"in_progress"`
	Awaiting   []string                `json:"awaiting_approval,omitempty"`
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ByPriority: make(map[model.Priority]int),
		ByKind:     make(map[model.ActionKind]int),
		ByResource: make(map[string]int),
		InProgress: make(map[string]string),
	}
	for resource, q := range s.queues {
		if len(q) > 0 {
			snap.ByResource[resource] = len(q)
		}
		for _, e := range q {
			snap.Total++
			snap.ByPriority[e.cmd.Priority]++
			snap.ByKind[e.cmd.Kind]++
			if e.awaiting {
				snap.Awaiting = append(snap.Awaiting, e.cmd.ID)
			}
		}
	}
	for resource, id := range s.inProgress {
		snap.InProgress[resource] = id
	}
	return snap
}

func (s *Scheduler) dependenciesSatisfiedLocked(cmd model.Command) bool {
	for _, dep := range cmd.Dependencies {
		st, ok := s.stateOf(dep)
		if !ok || !model.IsSuccess(st) {
			return false
		}
	}
	return true
}

func (s *Scheduler) dependencyDoomedLocked(cmd model.Command) bool {
	for _, dep := range cmd.Dependencies {
		st, ok := s.stateOf(dep)
		// An id with no ledger record can never be satisfied; leaving it
		// queued would wedge its resource forever.
		if !ok {
			return true
		}
		if model.IsTerminal(st) && !model.IsSuccess(st) {
			return true
		}
	}
	return false
}

func (s *Scheduler) removeLocked(id string) {
	e, ok := s.byID[id]
	if !ok {
		return
	}
	resource := e.cmd.TargetResource
	q := s.queues[resource]
	for i, existing := range q {
		if existing == e {
			s.queues[resource] = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(s.queues[resource]) == 0 {
		delete(s.queues, resource)
	}
	delete(s.byID, id)
}

// dispatchBefore orders two eligible commands: priority rank, then arrival
// time, then arrival sequence.
func dispatchBefore(a, b model.Command) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() < b.Priority.Rank()
	}
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	return a.Seq < b.Seq
}
