package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isc-ryoung/remedyd/internal/events"
	"github.com/isc-ryoung/remedyd/internal/handler"
	"github.com/isc-ryoung/remedyd/internal/intake"
	"github.com/isc-ryoung/remedyd/internal/ledger"
	"github.com/isc-ryoung/remedyd/internal/logging"
	"github.com/isc-ryoung/remedyd/internal/model"
	"github.com/isc-ryoung/remedyd/internal/router"
	"github.com/isc-ryoung/remedyd/internal/scheduler"
)

type fakeHandler struct {
	kind     model.ActionKind
	validate func(context.Context, map[string]any) error
	execute  func(context.Context, map[string]any) (handler.Result, error)
	rollback func(map[string]any, handler.Result) error

	mu    sync.Mutex
	order []string
}

func (f *fakeHandler) Kind() model.ActionKind { return f.kind }

func (f *fakeHandler) Validate(ctx context.Context, params map[string]any) error {
	if f.validate != nil {
		return f.validate(ctx, params)
	}
	return nil
}

func (f *fakeHandler) Execute(ctx context.Context, params map[string]any) (handler.Result, error) {
	f.mu.Lock()
	if name, ok := params["name"].(string); ok {
		f.order = append(f.order, name)
	}
	f.mu.Unlock()
	if f.execute != nil {
		return f.execute(ctx, params)
	}
	return handler.Result{Detail: map[string]any{"applied": true}}, nil
}

func (f *fakeHandler) Rollback(_ context.Context, params map[string]any, prior handler.Result) error {
	if f.rollback != nil {
		return f.rollback(params, prior)
	}
	return nil
}

func (f *fakeHandler) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

type harness struct {
	t     *testing.T
	val   *intake.Validator
	led   *ledger.Ledger
	sched *scheduler.Scheduler
	eng   *Engine
}

func newHarness(t *testing.T, rules []model.GateRule, handlers ...handler.Handler) *harness {
	t.Helper()

	val, err := intake.NewValidator()
	require.NoError(t, err)

	led := ledger.New(nil)
	log := logging.NewComponent(nil, logging.LevelError, "engine")
	sched := scheduler.New(16, led.State, log)

	reg := router.NewRegistry()
	for _, h := range handlers {
		require.NoError(t, reg.Register(h))
	}
	r, err := router.New(reg, rules, log)
	require.NoError(t, err)

	bus := events.NewBus(16)
	h := &harness{t: t, val: val, led: led, sched: sched}

	submit := func(raw map[string]any) (model.Command, error) {
		cmd, _, err := val.Validate(raw)
		if err != nil {
			return model.Command{}, err
		}
		if err := led.Open(cmd.ID); err != nil {
			return model.Command{}, err
		}
		if err := sched.Enqueue(cmd); err != nil {
			return model.Command{}, err
		}
		return cmd, nil
	}

	h.eng = New(r, sched, led, bus, submit, Options{
		Workers:        2,
		CommandTimeout: 500 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
		bus.Close()
	})
	return h
}

func (h *harness) submit(raw map[string]any) model.Command {
	h.t.Helper()
	cmd, _, err := h.val.Validate(raw)
	require.NoError(h.t, err)
	require.NoError(h.t, h.led.Open(cmd.ID))
	require.NoError(h.t, h.sched.Enqueue(cmd))
	h.eng.Kick()
	return cmd
}

func (h *harness) waitForState(id string, want model.State) ledger.Record {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := h.led.Get(id)
		if err == nil && rec.State == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := h.led.Get(id)
	h.t.Fatalf("command %s never reached %s (last state %s)", id, want, rec.State)
	return ledger.Record{}
}

func configPayload(name string) map[string]any {
	return map[string]any{
		"action_kind":     "config_change",
		"target_resource": "iris.cpf",
		"parameters": map[string]any{
			"section": "Startup", "key": "globals", "value": "20000", "name": name,
		},
	}
}

func TestExecuteSuccess(t *testing.T) {
	fh := &fakeHandler{kind: model.ActionConfigChange}
	h := newHarness(t, nil, fh)

	cmd := h.submit(configPayload("only"))
	rec := h.waitForState(cmd.ID, model.StateSucceeded)

	assert.Equal(t, 1, rec.Attempts)
	assert.False(t, rec.RollbackPerformed)
	assert.Equal(t, []string{"only"}, fh.executed())

	// pending -> in_progress -> succeeded.
	require.Len(t, rec.History, 3)
	assert.Equal(t, model.StateInProgress, rec.History[1].To)
	assert.Equal(t, model.StateSucceeded, rec.History[2].To)
}

func TestPreconditionFailureSkipsExecute(t *testing.T) {
	fh := &fakeHandler{
		kind: model.ActionConfigChange,
		validate: func(context.Context, map[string]any) error {
			return &handler.ValidationError{Reason: "section missing"}
		},
	}
	h := newHarness(t, nil, fh)

	cmd := h.submit(configPayload("skipped"))
	rec := h.waitForState(cmd.ID, model.StateFailed)

	assert.Contains(t, rec.LastError, "precondition")
	assert.Contains(t, rec.LastError, "section missing")
	assert.Empty(t, fh.executed())
	assert.False(t, rec.RollbackPerformed)
}

func TestRollbackOnFailure(t *testing.T) {
	fh := &fakeHandler{
		kind: model.ActionConfigChange,
		execute: func(context.Context, map[string]any) (handler.Result, error) {
			return handler.Result{Detail: map[string]any{"backup_path": "/tmp/b"}}, errors.New("write failed")
		},
	}
	h := newHarness(t, nil, fh)

	cmd := h.submit(configPayload("rb"))
	rec := h.waitForState(cmd.ID, model.StateRolledBack)

	assert.True(t, rec.RollbackPerformed)
	assert.Contains(t, rec.LastError, "write failed")
}

func TestRollbackFailure(t *testing.T) {
	fh := &fakeHandler{
		kind: model.ActionConfigChange,
		execute: func(context.Context, map[string]any) (handler.Result, error) {
			return handler.Result{}, errors.New("write failed")
		},
		rollback: func(map[string]any, handler.Result) error {
			return errors.New("backup missing")
		},
	}
	h := newHarness(t, nil, fh)

	cmd := h.submit(configPayload("rbfail"))
	rec := h.waitForState(cmd.ID, model.StateFailed)

	assert.False(t, rec.RollbackPerformed)
	assert.Contains(t, rec.LastError, "write failed")
	assert.Contains(t, rec.LastError, "rollback failed")
	assert.Contains(t, rec.LastError, "backup missing")
}

func TestExecutionTimeout(t *testing.T) {
	fh := &fakeHandler{
		kind: model.ActionConfigChange,
		execute: func(ctx context.Context, _ map[string]any) (handler.Result, error) {
			<-ctx.Done()
			return handler.Result{}, ctx.Err()
		},
	}
	h := newHarness(t, nil, fh)

	cmd := h.submit(configPayload("slow"))
	rec := h.waitForState(cmd.ID, model.StateRolledBack)
	assert.Contains(t, rec.LastError, "timed out")
}

func TestValidationTimeout(t *testing.T) {
	fh := &fakeHandler{
		kind: model.ActionConfigChange,
		validate: func(ctx context.Context, _ map[string]any) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	h := newHarness(t, nil, fh)

	cmd := h.submit(configPayload("stuck"))
	rec := h.waitForState(cmd.ID, model.StateFailed)
	assert.Contains(t, rec.LastError, "validation timed out")
	assert.Empty(t, fh.executed())
	assert.False(t, rec.RollbackPerformed)
}

func TestApprovalFlow(t *testing.T) {
	fh := &fakeHandler{kind: model.ActionRestart}
	h := newHarness(t, nil, fh)

	cmd := h.submit(map[string]any{
		"action_kind":     "restart",
		"target_resource": "IRIS",
		"parameters":      map[string]any{"mode": "graceful", "name": "gated"},
	})
	h.waitForState(cmd.ID, model.StateAwaitingApproval)
	assert.Empty(t, fh.executed())

	require.NoError(t, h.eng.Approve(cmd.ID))
	h.waitForState(cmd.ID, model.StateSucceeded)
	assert.Equal(t, []string{"gated"}, fh.executed())
}

func TestPreApprovedHighRiskRunsImmediately(t *testing.T) {
	fh := &fakeHandler{kind: model.ActionOSReconfig}
	h := newHarness(t, nil, fh)

	cmd := h.submit(map[string]any{
		"action_kind":     "os_reconfig",
		"target_resource": "os:memory",
		"parameters":      map[string]any{"resource": "memory", "value": 4096, "name": "approved"},
		"approved":        true,
	})
	h.waitForState(cmd.ID, model.StateSucceeded)
}

func TestGateRulePark(t *testing.T) {
	rules := []model.GateRule{
		{When: `kind == "config_change" && resource == "iris.cpf"`, Risk: "high"},
	}
	fh := &fakeHandler{kind: model.ActionConfigChange}
	h := newHarness(t, rules, fh)

	cmd := h.submit(configPayload("ruled"))
	rec := h.waitForState(cmd.ID, model.StateAwaitingApproval)
	assert.Contains(t, rec.History[len(rec.History)-1].Detail, "requires operator approval")
}

func TestPriorityOrderingOnSharedResource(t *testing.T) {
	gate := make(chan struct{})
	var once sync.Once
	fh := &fakeHandler{
		kind: model.ActionOSReconfig,
		execute: func(_ context.Context, params map[string]any) (handler.Result, error) {
			// Hold the first command until both are queued.
			once.Do(func() { <-gate })
			return handler.Result{}, nil
		},
	}
	h := newHarness(t, nil, fh)

	payload := func(name, priority string) map[string]any {
		return map[string]any{
			"action_kind":     "os_reconfig",
			"target_resource": "os:memory",
			"parameters":      map[string]any{"resource": "memory", "value": 1, "name": name},
			"priority":        priority,
			"approved":        true,
		}
	}

	first := h.submit(payload("low-first", "low"))
	h.waitForState(first.ID, model.StateInProgress)
	second := h.submit(payload("high-second", "high"))
	third := h.submit(payload("normal-third", "normal"))
	close(gate)

	h.waitForState(first.ID, model.StateSucceeded)
	h.waitForState(second.ID, model.StateSucceeded)
	h.waitForState(third.ID, model.StateSucceeded)

	order := fh.executed()
	require.Len(t, order, 3)
	assert.Equal(t, "low-first", order[0], "in-flight command is never preempted")
	assert.Equal(t, "high-second", order[1])
	assert.Equal(t, "normal-third", order[2])
}

func TestResourceExclusionUnderLoad(t *testing.T) {
	// Many commands hammer a handful of resources; at no instant may two
	// commands share a resource in flight.
	resources := []string{"os:memory", "os:swap", "os:fd"}
	inFlight := make(map[string]*atomic.Int32, len(resources))
	for _, r := range resources {
		inFlight[r] = new(atomic.Int32)
	}
	var violations atomic.Int32

	fh := &fakeHandler{
		kind: model.ActionOSReconfig,
		execute: func(_ context.Context, params map[string]any) (handler.Result, error) {
			ctr := inFlight[params["res"].(string)]
			if ctr.Add(1) > 1 {
				violations.Add(1)
			}
			time.Sleep(2 * time.Millisecond)
			ctr.Add(-1)
			return handler.Result{}, nil
		},
	}
	h := newHarness(t, nil, fh)

	priorities := []string{"high", "normal", "low"}
	var ids []string
	for i := 0; i < 30; i++ {
		res := resources[i%len(resources)]
		cmd := h.submit(map[string]any{
			"action_kind":     "os_reconfig",
			"target_resource": res,
			"parameters":      map[string]any{"resource": "memory", "value": 1, "res": res},
			"priority":        priorities[i%len(priorities)],
			"approved":        true,
		})
		ids = append(ids, cmd.ID)
	}
	for _, id := range ids {
		h.waitForState(id, model.StateSucceeded)
	}
	assert.Zero(t, violations.Load(), "two commands ran concurrently on one resource")
}

func TestFollowUpSynthesis(t *testing.T) {
	cfg := &fakeHandler{
		kind: model.ActionConfigChange,
		execute: func(context.Context, map[string]any) (handler.Result, error) {
			return handler.Result{
				Detail: map[string]any{"section": "Startup", "key": "globals"},
				FollowUp: &model.FollowUp{
					Kind:           model.ActionRestart,
					TargetResource: "IRIS",
					Parameters:     map[string]any{"mode": "graceful", "name": "child"},
					Priority:       model.PriorityHigh,
				},
			}, nil
		},
	}
	restart := &fakeHandler{kind: model.ActionRestart}
	h := newHarness(t, nil, cfg, restart)

	parent := h.submit(configPayload("parent"))
	h.waitForState(parent.ID, model.StateSucceeded)

	// The synthesized restart depends on the parent and, being high risk and
	// unapproved, parks at the gate.
	var childID string
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && childID == "" {
		for _, id := range h.sched.Snapshot().Awaiting {
			childID = id
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotEmpty(t, childID, "follow-up never parked for approval")

	child, ok := h.sched.Get(childID)
	require.True(t, ok)
	assert.Equal(t, []string{parent.ID}, child.Dependencies)
	assert.Equal(t, "engine:follow_up", child.Requester)
	assert.Equal(t, model.PriorityHigh, child.Priority)

	require.NoError(t, h.eng.Approve(childID))
	h.waitForState(childID, model.StateSucceeded)
	assert.Equal(t, []string{"child"}, restart.executed())
}

func TestDependencyFailureCascade(t *testing.T) {
	fh := &fakeHandler{
		kind: model.ActionConfigChange,
		execute: func(context.Context, map[string]any) (handler.Result, error) {
			return handler.Result{}, errors.New("boom")
		},
		rollback: func(map[string]any, handler.Result) error {
			return errors.New("no backup")
		},
	}
	restart := &fakeHandler{kind: model.ActionRestart}
	h := newHarness(t, nil, fh, restart)

	parent := h.submit(configPayload("doomed-parent"))

	childPayload := map[string]any{
		"action_kind":     "restart",
		"target_resource": "IRIS",
		"parameters":      map[string]any{"mode": "graceful", "name": "doomed-child"},
		"approved":        true,
		"dependencies":    []any{parent.ID},
	}
	child := h.submit(childPayload)

	h.waitForState(parent.ID, model.StateFailed)
	rec := h.waitForState(child.ID, model.StateCancelled)
	assert.Contains(t, rec.History[len(rec.History)-1].Detail, "dependency")
	assert.Empty(t, restart.executed())
}

func TestOperatorCancel(t *testing.T) {
	gate := make(chan struct{})
	fh := &fakeHandler{
		kind: model.ActionConfigChange,
		execute: func(context.Context, map[string]any) (handler.Result, error) {
			<-gate
			return handler.Result{}, nil
		},
	}
	h := newHarness(t, nil, fh)

	running := h.submit(configPayload("running"))
	queued := h.submit(configPayload("queued"))
	h.waitForState(running.ID, model.StateInProgress)

	require.NoError(t, h.eng.Cancel(queued.ID))
	rec := h.waitForState(queued.ID, model.StateCancelled)
	assert.Equal(t, "cancelled by operator", rec.History[len(rec.History)-1].Detail)

	// In-flight commands cannot be cancelled.
	err := h.eng.Cancel(running.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, scheduler.ErrNotCancellable)

	close(gate)
	h.waitForState(running.ID, model.StateSucceeded)
}

func TestUnknownCancel(t *testing.T) {
	h := newHarness(t, nil, &fakeHandler{kind: model.ActionConfigChange})
	err := h.eng.Cancel(fmt.Sprintf("no-such-%d", time.Now().UnixNano()))
	assert.ErrorIs(t, err, scheduler.ErrUnknownCommand)
}
