// Package engine drives admitted commands through their lifecycle: routing,
// approval gating, handler execution with timeout, rollback on failure, and
// follow-up synthesis. Every observable state change is appended to the
// ledger before anything else reacts to it.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/isc-ryoung/remedyd/internal/events"
	"github.com/isc-ryoung/remedyd/internal/handler"
	"github.com/isc-ryoung/remedyd/internal/ledger"
	"github.com/isc-ryoung/remedyd/internal/logging"
	"github.com/isc-ryoung/remedyd/internal/model"
	"github.com/isc-ryoung/remedyd/internal/router"
	"github.com/isc-ryoung/remedyd/internal/scheduler"
)

// SubmitFunc admits a raw payload through the full intake path (validation,
// ledger open, enqueue). The engine uses it to resubmit synthesized
// follow-up commands so they face the same checks as external submissions.
type SubmitFunc func(raw map[string]any) (model.Command, error)

type Options struct {
	Workers        int
	CommandTimeout time.Duration
	PollInterval   time.Duration
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 2 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
}

// Engine owns the dispatch loop and the per-command execution sequence.
type Engine struct {
	router *router.Router
	sched  *scheduler.Scheduler
	led    *ledger.Ledger
	bus    *events.Bus
	submit SubmitFunc
	opts   Options
	log    *logging.Component

	kick chan struct{}
}

func New(r *router.Router, s *scheduler.Scheduler, l *ledger.Ledger, bus *events.Bus, submit SubmitFunc, opts Options, log *logging.Component) *Engine {
	opts.applyDefaults()
	return &Engine{
		router: r,
		sched:  s,
		led:    l,
		bus:    bus,
		submit: submit,
		opts:   opts,
		log:    log,
		kick:   make(chan struct{}, 1),
	}
}

// Kick nudges the dispatch loop without waiting for the next poll tick.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run drives dispatch until ctx is cancelled, then waits for in-flight
// commands to finish.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)

	for {
		select {
		case <-ctx.Done():
			e.log.Infof("dispatch loop stopping, draining in-flight commands")
			g.Wait()
			return ctx.Err()
		case <-ticker.C:
		case <-e.kick:
		}
		e.cancelDoomed()
		e.dispatchReady(ctx, &g)
	}
}

// dispatchReady pulls eligible commands and hands them to the worker pool.
// MarkInProgress happens here, before the next NextEligible call, so a busy
// resource is never dispatched twice.
func (e *Engine) dispatchReady(ctx context.Context, g *errgroup.Group) {
	for {
		cmd, ok := e.sched.NextEligible()
		if !ok {
			return
		}

		decision, err := e.router.Route(cmd)
		if err != nil {
			e.sched.MarkInProgress(cmd.ID)
			e.transition(cmd.ID, model.StateInProgress, "routing")
			e.transition(cmd.ID, model.StateFailed, fmt.Sprintf("routing: %v", err))
			e.sched.MarkTerminal(cmd.ID)
			continue
		}

		if decision.RequiresApproval {
			if err := e.sched.MarkAwaiting(cmd.ID); err != nil {
				e.log.Errorf("mark awaiting id=%s: %v", cmd.ID, err)
				continue
			}
			detail := fmt.Sprintf("risk=%s requires operator approval", decision.Risk)
			if decision.MatchedRule != "" {
				detail += fmt.Sprintf(" (rule %q)", decision.MatchedRule)
			}
			e.transition(cmd.ID, model.StateAwaitingApproval, detail)
			e.log.Warnf("parked id=%s kind=%s resource=%s risk=%s",
				cmd.ID, cmd.Kind, cmd.TargetResource, decision.Risk)
			continue
		}

		if err := e.sched.MarkInProgress(cmd.ID); err != nil {
			e.log.Errorf("mark in progress id=%s: %v", cmd.ID, err)
			continue
		}
		e.transition(cmd.ID, model.StateInProgress, fmt.Sprintf("risk=%s", decision.Risk))

		h := decision.Handler
		g.Go(func() error {
			e.execute(ctx, cmd, h)
			e.sched.MarkTerminal(cmd.ID)
			e.Kick()
			return nil
		})
	}
}

// execute runs the handler phases for one in-progress command and records
// the terminal transition. A single deadline covers both validate and
// execute, so a stalled precondition check cannot hold a worker slot past
// the command timeout.
func (e *Engine) execute(ctx context.Context, cmd model.Command, h handler.Handler) {
	cmdCtx, cancel := context.WithTimeout(ctx, e.opts.CommandTimeout)
	defer cancel()

	if err := h.Validate(cmdCtx, cmd.Parameters); err != nil {
		var ve *handler.ValidationError
		switch {
		case errors.As(err, &ve):
			e.transition(cmd.ID, model.StateFailed, fmt.Sprintf("precondition: %s", ve.Reason))
		case errors.Is(err, context.DeadlineExceeded):
			e.transition(cmd.ID, model.StateFailed,
				fmt.Sprintf("validation timed out after %s", e.opts.CommandTimeout))
		default:
			e.transition(cmd.ID, model.StateFailed, fmt.Sprintf("precondition: %v", err))
		}
		e.log.Warnf("precondition failed id=%s kind=%s: %v", cmd.ID, cmd.Kind, err)
		return
	}

	result, execErr := h.Execute(cmdCtx, cmd.Parameters)

	if execErr == nil {
		e.transition(cmd.ID, model.StateSucceeded, detailString(result.Detail))
		e.log.Infof("succeeded id=%s kind=%s resource=%s", cmd.ID, cmd.Kind, cmd.TargetResource)
		if result.FollowUp != nil {
			e.synthesizeFollowUp(cmd, *result.FollowUp)
		}
		return
	}

	if errors.Is(execErr, context.DeadlineExceeded) {
		execErr = fmt.Errorf("execution timed out after %s", e.opts.CommandTimeout)
	}
	e.log.Errorf("execution failed id=%s kind=%s: %v", cmd.ID, cmd.Kind, execErr)

	// The parent ctx may already be done; rollback gets its own deadline so a
	// shutdown mid-command still restores the target.
	rbCtx, rbCancel := context.WithTimeout(context.Background(), e.opts.CommandTimeout)
	rbErr := h.Rollback(rbCtx, cmd.Parameters, result)
	rbCancel()

	if rbErr != nil {
		e.led.RecordRollback(cmd.ID, false)
		e.transition(cmd.ID, model.StateFailed,
			fmt.Sprintf("%v; rollback failed: %v", execErr, rbErr))
		e.log.Errorf("rollback failed id=%s: %v", cmd.ID, rbErr)
		return
	}
	e.led.RecordRollback(cmd.ID, true)
	e.transition(cmd.ID, model.StateRolledBack, execErr.Error())
	e.log.Warnf("rolled back id=%s kind=%s resource=%s", cmd.ID, cmd.Kind, cmd.TargetResource)
}

// synthesizeFollowUp resubmits a handler-requested dependent command through
// the regular intake path. The follow-up depends on its parent and inherits
// the parent's approval, so an operator-approved chain keeps moving.
func (e *Engine) synthesizeFollowUp(parent model.Command, fu model.FollowUp) {
	if fu.Priority == "" {
		fu.Priority = model.PriorityNormal
	}
	raw := map[string]any{
		"action_kind":     string(fu.Kind),
		"target_resource": fu.TargetResource,
		"parameters":      fu.Parameters,
		"priority":        string(fu.Priority),
		"dependencies":    []any{parent.ID},
		"requester":       "engine:follow_up",
		"approved":        parent.Approved,
	}
	child, err := e.submit(raw)
	if err != nil {
		e.log.Errorf("follow-up rejected parent=%s kind=%s: %v", parent.ID, fu.Kind, err)
		return
	}
	e.bus.Publish(events.EventFollowUp, map[string]any{
		"command_id": child.ID,
		"parent_id":  parent.ID,
		"kind":       string(fu.Kind),
		"resource":   fu.TargetResource,
	})
	e.log.Infof("follow-up synthesized id=%s parent=%s kind=%s resource=%s",
		child.ID, parent.ID, fu.Kind, fu.TargetResource)
	e.Kick()
}

// cancelDoomed cascade-cancels queued commands whose dependencies failed.
func (e *Engine) cancelDoomed() {
	for _, cmd := range e.sched.DependencyFailed() {
		e.transition(cmd.ID, model.StateCancelled, "dependency reached a non-success terminal state")
	}
}

// Cancel removes a queued command and records the cancellation.
func (e *Engine) Cancel(id string) error {
	if _, err := e.sched.Cancel(id); err != nil {
		return err
	}
	e.transition(id, model.StateCancelled, "cancelled by operator")
	return nil
}

// Approve lifts the approval gate on a parked command.
func (e *Engine) Approve(id string) error {
	if err := e.sched.Approve(id); err != nil {
		return err
	}
	e.log.Infof("approved id=%s", id)
	e.Kick()
	return nil
}

// transition appends a ledger entry and mirrors it to the event bus.
func (e *Engine) transition(id string, to model.State, detail string) {
	from, _ := e.led.State(id)
	if err := e.led.Append(id, to, detail); err != nil {
		e.log.Errorf("ledger append id=%s to=%s: %v", id, to, err)
		return
	}
	e.bus.Publish(events.EventTransition, map[string]any{
		"command_id": id,
		"from":       string(from),
		"to":         string(to),
		"detail":     detail,
	})
}

func detailString(detail map[string]any) string {
	if len(detail) == 0 {
		return "completed"
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return "completed"
	}
	return string(b)
}
