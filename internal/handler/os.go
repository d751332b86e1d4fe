package handler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/isc-ryoung/remedyd/internal/logging"
	"github.com/isc-ryoung/remedyd/internal/model"
)

const (
	hugepagesProcPath = "/proc/sys/vm/nr_hugepages"
	hugepageSizeMB    = 2
	// Allocation may legitimately fall a little short under memory pressure.
	hugepagesTolerance = 0.95
)

// Runner executes an OS command and returns its combined output. Injected so
// tests never touch sysctl.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// OSHandler reconfigures OS resources. The memory resource adjusts hugepages
// via sysctl; cpu is accepted as a recorded no-op.
type OSHandler struct {
	runner   Runner
	procPath string
	geteuid  func() int
	log      *logging.Component
}

func NewOSHandler(log *logging.Component) *OSHandler {
	return &OSHandler{
		runner:   execRunner{},
		procPath: hugepagesProcPath,
		geteuid:  os.Geteuid,
		log:      log,
	}
}

// SetRunner overrides the command runner (tests).
func (h *OSHandler) SetRunner(r Runner) { h.runner = r }

// SetProcPath overrides the hugepages proc path (tests).
func (h *OSHandler) SetProcPath(p string) { h.procPath = p }

// SetEUIDFunc overrides the effective-uid lookup (tests).
func (h *OSHandler) SetEUIDFunc(f func() int) { h.geteuid = f }

func (h *OSHandler) Kind() model.ActionKind {
	return model.ActionOSReconfig
}

func (h *OSHandler) Validate(ctx context.Context, params map[string]any) error {
	resource, err := stringParam(params, "resource")
	if err != nil {
		return err
	}
	switch resource {
	case "memory":
		if _, err := intParam(params, "value"); err != nil {
			return err
		}
		if h.geteuid() != 0 {
			return validationErrorf("insufficient permissions, root required for %s", resource)
		}
	case "cpu":
		if _, ok := params["value"]; !ok {
			return validationErrorf("missing parameter %q", "value")
		}
	default:
		return validationErrorf("unknown resource %q", resource)
	}
	return nil
}

func (h *OSHandler) Execute(ctx context.Context, params map[string]any) (Result, error) {
	resource, _ := stringParam(params, "resource")

	switch resource {
	case "memory":
		targetMB, _ := intParam(params, "value")
		return h.configureMemory(ctx, targetMB)
	case "cpu":
		// Placeholder resource: accepted and recorded without system changes.
		return Result{Detail: map[string]any{
			"resource":          "cpu",
			"new_value":         params["value"],
			"commands_executed": []string{},
			"applied":           false,
		}}, nil
	default:
		return Result{}, fmt.Errorf("unknown resource %q", resource)
	}
}

func (h *OSHandler) configureMemory(ctx context.Context, targetMB int) (Result, error) {
	oldPages, err := h.readHugepages()
	if err != nil {
		return Result{}, fmt.Errorf("read hugepages: %w", err)
	}

	targetPages := targetMB / hugepageSizeMB
	cmd := fmt.Sprintf("sysctl -w vm.nr_hugepages=%d", targetPages)

	if _, err := h.runner.Run(ctx, "sysctl", "-w", fmt.Sprintf("vm.nr_hugepages=%d", targetPages)); err != nil {
		return Result{Detail: map[string]any{
			"resource":          "memory",
			"old_pages":         oldPages,
			"commands_executed": []string{cmd},
		}}, fmt.Errorf("apply hugepages: %w", err)
	}

	newPages, err := h.readHugepages()
	if err != nil {
		return Result{}, fmt.Errorf("re-read hugepages: %w", err)
	}
	if float64(newPages) < float64(targetPages)*hugepagesTolerance {
		return Result{Detail: map[string]any{
			"resource":          "memory",
			"old_pages":         oldPages,
			"commands_executed": []string{cmd},
		}}, fmt.Errorf("hugepages allocation fell short: got %d pages, want %d", newPages, targetPages)
	}

	h.log.Infof("os_reconfig_complete resource=memory old_mb=%d new_mb=%d",
		oldPages*hugepageSizeMB, newPages*hugepageSizeMB)

	return Result{Detail: map[string]any{
		"resource":          "memory",
		"old_pages":         oldPages,
		"old_mb":            oldPages * hugepageSizeMB,
		"new_mb":            newPages * hugepageSizeMB,
		"commands_executed": []string{cmd},
	}}, nil
}

func (h *OSHandler) Rollback(ctx context.Context, params map[string]any, prior Result) error {
	resource, _ := stringParam(params, "resource")
	if resource != "memory" {
		return nil
	}

	oldPages, ok := toInt(prior.Detail["old_pages"])
	if !ok {
		return fmt.Errorf("no prior hugepages count recorded, cannot roll back")
	}
	if _, err := h.runner.Run(ctx, "sysctl", "-w", fmt.Sprintf("vm.nr_hugepages=%d", oldPages)); err != nil {
		return fmt.Errorf("restore hugepages: %w", err)
	}
	h.log.Infof("os_rollback_complete resource=memory pages=%d", oldPages)
	return nil
}

func (h *OSHandler) readHugepages() (int, error) {
	data, err := os.ReadFile(h.procPath)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
