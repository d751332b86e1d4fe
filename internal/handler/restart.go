package handler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/isc-ryoung/remedyd/internal/logging"
	"github.com/isc-ryoung/remedyd/internal/model"
)

// Instance abstracts the managed service lifecycle so the restart handler can
// be tested against a simulated instance.
type Instance interface {
	// Drain waits for active connections to finish.
	Drain(ctx context.Context) error
	// Stop halts the instance; force skips the careful shutdown path.
	Stop(ctx context.Context, force bool) error
	Start(ctx context.Context) error
	// Ping verifies the instance is operational.
	Ping(ctx context.Context) error
}

// SimulatedInstance models the platform instance with short phase delays.
type SimulatedInstance struct {
	mu      sync.Mutex
	name    string
	running bool
	delay   time.Duration
}

func NewSimulatedInstance(name string) *SimulatedInstance {
	return &SimulatedInstance{name: name, running: true, delay: 10 * time.Millisecond}
}

// SetPhaseDelay adjusts the simulated per-phase duration.
func (s *SimulatedInstance) SetPhaseDelay(d time.Duration) { s.delay = d }

// Running reports the simulated instance state.
func (s *SimulatedInstance) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *SimulatedInstance) Drain(ctx context.Context) error {
	return s.sleep(ctx)
}

func (s *SimulatedInstance) Stop(ctx context.Context, force bool) error {
	if !force {
		if err := s.sleep(ctx); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *SimulatedInstance) Start(ctx context.Context) error {
	if err := s.sleep(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return nil
}

func (s *SimulatedInstance) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("instance %s is not running", s.name)
	}
	return nil
}

func (s *SimulatedInstance) sleep(ctx context.Context) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RestartHandler restarts the managed instance, gracefully or forced, and
// records per-phase durations in the result detail.
type RestartHandler struct {
	instance Instance
	log      *logging.Component
}

func NewRestartHandler(instance Instance, log *logging.Component) *RestartHandler {
	return &RestartHandler{instance: instance, log: log}
}

func (h *RestartHandler) Kind() model.ActionKind {
	return model.ActionRestart
}

func (h *RestartHandler) Validate(ctx context.Context, params map[string]any) error {
	mode, err := stringParam(params, "mode")
	if err != nil {
		return err
	}
	if mode != "graceful" && mode != "forced" {
		return validationErrorf("mode must be graceful or forced, got %q", mode)
	}
	return nil
}

func (h *RestartHandler) Execute(ctx context.Context, params map[string]any) (Result, error) {
	mode, _ := stringParam(params, "mode")

	phases := map[string]int64{}
	runPhase := func(name string, f func(context.Context) error) error {
		start := time.Now()
		err := f(ctx)
		phases[name] = time.Since(start).Milliseconds()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}

	detail := map[string]any{"mode": mode, "phases_ms": phases}

	if mode == "graceful" {
		if err := runPhase("drain", h.instance.Drain); err != nil {
			return Result{Detail: detail}, err
		}
		if err := runPhase("stop", func(ctx context.Context) error {
			return h.instance.Stop(ctx, false)
		}); err != nil {
			return Result{Detail: detail}, err
		}
	} else {
		if err := runPhase("stop", func(ctx context.Context) error {
			return h.instance.Stop(ctx, true)
		}); err != nil {
			return Result{Detail: detail}, err
		}
	}

	if err := runPhase("start", h.instance.Start); err != nil {
		return Result{Detail: detail}, err
	}
	if err := runPhase("verify", h.instance.Ping); err != nil {
		return Result{Detail: detail}, err
	}

	h.log.Infof("restart_complete mode=%s phases=%v", mode, phases)
	detail["operational"] = true
	return Result{Detail: detail}, nil
}

// Rollback after a failed restart means getting the instance back up.
func (h *RestartHandler) Rollback(ctx context.Context, params map[string]any, prior Result) error {
	if err := h.instance.Ping(ctx); err == nil {
		return nil
	}
	if err := h.instance.Start(ctx); err != nil {
		return fmt.Errorf("restart rollback: start: %w", err)
	}
	if err := h.instance.Ping(ctx); err != nil {
		return fmt.Errorf("restart rollback: instance still down: %w", err)
	}
	h.log.Infof("restart_rollback_complete instance_recovered=true")
	return nil
}
