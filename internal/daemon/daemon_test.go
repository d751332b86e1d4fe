package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isc-ryoung/remedyd/internal/ledger"
	"github.com/isc-ryoung/remedyd/internal/model"
	"github.com/isc-ryoung/remedyd/internal/scheduler"
	"github.com/isc-ryoung/remedyd/internal/uds"
)

const testCPF = `[ConfigFile]
Version=2024.1

[Startup]
globals=8192
routines=512

[config]
gmheap=393216
locksiz=33554432
`

func testConfig(t *testing.T) *model.Config {
	t.Helper()
	dir := t.TempDir()

	cpfPath := filepath.Join(dir, "iris.cpf")
	require.NoError(t, os.WriteFile(cpfPath, []byte(testCPF), 0644))

	cfg := &model.Config{}
	cfg.Daemon.DataDir = dir
	cfg.Daemon.ScanIntervalSec = 1
	cfg.Daemon.ShutdownTimeoutSec = 5
	cfg.Engine.Workers = 2
	cfg.Engine.CommandTimeoutSec = 5
	cfg.Engine.PollIntervalMs = 20
	cfg.Handlers.CPFPath = cpfPath
	cfg.Logging.Level = "error"
	cfg.ApplyDefaults()
	return cfg
}

func startDaemon(t *testing.T, cfg *model.Config) *Daemon {
	t.Helper()
	d, err := newDaemon(cfg, io.Discard, nil)
	require.NoError(t, err)
	require.NoError(t, d.start())
	t.Cleanup(d.Shutdown)
	return d
}

func call(t *testing.T, cfg *model.Config, op string, params any) *uds.Response {
	t.Helper()
	client := uds.NewClient(cfg.Daemon.SocketPath)
	client.SetTimeout(2 * time.Second)
	resp, err := client.Call(op, params)
	require.NoError(t, err)
	return resp
}

func waitStatus(t *testing.T, cfg *model.Config, id string, want model.State) ledger.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last ledger.Record
	for time.Now().Before(deadline) {
		resp := call(t, cfg, "status", idParams{ID: id})
		if resp.Success {
			require.NoError(t, json.Unmarshal(resp.Data, &last))
			if last.State == want {
				return last
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("command %s never reached %s (last %s)", id, want, last.State)
	return ledger.Record{}
}

func TestPing(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	resp := call(t, cfg, "ping", nil)
	assert.True(t, resp.Success)
}

func TestSubmitConfigChangeEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	resp := call(t, cfg, "submit", map[string]any{
		"action_kind":     "config_change",
		"target_resource": "iris.cpf",
		"parameters":      map[string]any{"section": "Startup", "key": "globals", "value": "20000"},
	})
	require.True(t, resp.Success, "submit failed: %+v", resp.Error)

	var submitted map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &submitted))
	id := submitted["id"].(string)

	rec := waitStatus(t, cfg, id, model.StateSucceeded)
	assert.Equal(t, 1, rec.Attempts)

	// The value landed in the file.
	data, err := os.ReadFile(cfg.Handlers.CPFPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "20000")
}

func TestConfigChangeSynthesizesRestartFollowUp(t *testing.T) {
	cfg := testConfig(t)
	d := startDaemon(t, cfg)

	resp := call(t, cfg, "submit", map[string]any{
		"action_kind":     "config_change",
		"target_resource": "iris.cpf",
		"parameters":      map[string]any{"section": "Startup", "key": "globals", "value": "16384"},
	})
	require.True(t, resp.Success, "submit failed: %+v", resp.Error)
	var submitted map[string]any
	json.Unmarshal(resp.Data, &submitted)
	parentID := submitted["id"].(string)

	waitStatus(t, cfg, parentID, model.StateSucceeded)

	// The synthesized restart is high risk and parks for approval.
	var childID string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && childID == "" {
		for _, id := range d.sched.Snapshot().Awaiting {
			childID = id
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, childID, "restart follow-up never parked")

	child, ok := d.sched.Get(childID)
	require.True(t, ok)
	assert.Equal(t, model.ActionRestart, child.Kind)
	assert.Equal(t, cfg.Handlers.InstanceName, child.TargetResource)
	assert.Equal(t, []string{parentID}, child.Dependencies)

	resp = call(t, cfg, "approve", idParams{ID: childID})
	require.True(t, resp.Success, "approve failed: %+v", resp.Error)
	waitStatus(t, cfg, childID, model.StateSucceeded)
}

func TestSubmitValidationError(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	resp := call(t, cfg, "submit", map[string]any{
		"action_kind": "config_change",
		"parameters":  map[string]any{},
	})
	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeValidation, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "target_resource")
}

func TestStatusNotFound(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	resp := call(t, cfg, "status", idParams{ID: "no-such-command"})
	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeNotFound, resp.Error.Code)
}

func TestQueueSnapshot(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	resp := call(t, cfg, "queue", nil)
	require.True(t, resp.Success)

	var snap scheduler.Snapshot
	require.NoError(t, json.Unmarshal(resp.Data, &snap))
}

func TestCancelQueuedCommand(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	// Unapproved restart parks at the approval gate, so it stays cancellable.
	resp := call(t, cfg, "submit", map[string]any{
		"action_kind":     "restart",
		"target_resource": cfg.Handlers.InstanceName,
		"parameters":      map[string]any{"mode": "graceful"},
	})
	require.True(t, resp.Success)
	var submitted map[string]any
	json.Unmarshal(resp.Data, &submitted)
	id := submitted["id"].(string)

	waitStatus(t, cfg, id, model.StateAwaitingApproval)

	resp = call(t, cfg, "cancel", idParams{ID: id})
	require.True(t, resp.Success, "cancel failed: %+v", resp.Error)
	waitStatus(t, cfg, id, model.StateCancelled)
}

func TestSpoolIntake(t *testing.T) {
	cfg := testConfig(t)
	d := startDaemon(t, cfg)

	payload := `{"action_kind":"config_change","target_resource":"iris.cpf",` +
		`"parameters":{"section":"config","key":"gmheap","value":"524288"}}`

	// Atomic spool write: temp name, then rename into place.
	tmp := filepath.Join(cfg.Daemon.IntakeDir(), ".cmd-1.json")
	final := filepath.Join(cfg.Daemon.IntakeDir(), "cmd-1.json")
	require.NoError(t, os.WriteFile(tmp, []byte(payload), 0644))
	require.NoError(t, os.Rename(tmp, final))

	processedDir := filepath.Join(cfg.Daemon.IntakeDir(), spoolProcessedDir)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entries, _ := os.ReadDir(processedDir)
		if len(entries) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	entries, err := os.ReadDir(processedDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "spool file never archived to processed/")
	assert.Contains(t, entries[0].Name(), "cmd-1.json")

	// The gmheap change requires restart, so a follow-up eventually parks.
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(d.sched.Snapshot().Awaiting) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected a parked restart follow-up from the gmheap change")
}

func TestSpoolRejectsMalformedFile(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	final := filepath.Join(cfg.Daemon.IntakeDir(), "bad.json")
	require.NoError(t, os.WriteFile(final, []byte(`{"action_kind":"mystery"}`), 0644))

	rejectedDir := filepath.Join(cfg.Daemon.IntakeDir(), spoolRejectedDir)
	deadline := time.Now().Add(5 * time.Second)
	var names []string
	for time.Now().Before(deadline) {
		entries, _ := os.ReadDir(rejectedDir)
		names = names[:0]
		for _, e := range entries {
			names = append(names, e.Name())
		}
		if len(names) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, names, 2, "expected rejected file plus reason sidecar, got %v", names)

	var reason string
	for _, name := range names {
		if filepath.Ext(name) == ".reason" {
			data, err := os.ReadFile(filepath.Join(rejectedDir, name))
			require.NoError(t, err)
			reason = string(data)
		}
	}
	assert.Contains(t, reason, "target_resource")
}

func TestSecondDaemonRejected(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	d2, err := newDaemon(cfg, io.Discard, nil)
	require.NoError(t, err)
	err = d2.start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock")
}

func TestShutdownIdempotent(t *testing.T) {
	cfg := testConfig(t)
	d := startDaemon(t, cfg)

	d.Shutdown()
	d.Shutdown()

	// Socket is gone after shutdown.
	client := uds.NewClient(cfg.Daemon.SocketPath)
	client.SetTimeout(200 * time.Millisecond)
	_, err := client.Call("ping", nil)
	assert.Error(t, err)
}

func TestAuditTrailWritten(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	resp := call(t, cfg, "submit", map[string]any{
		"action_kind":     "config_change",
		"target_resource": "iris.cpf",
		"parameters":      map[string]any{"section": "Startup", "key": "routines", "value": "1024"},
	})
	require.True(t, resp.Success)
	var submitted map[string]any
	json.Unmarshal(resp.Data, &submitted)
	id := fmt.Sprint(submitted["id"])

	waitStatus(t, cfg, id, model.StateSucceeded)

	data, err := os.ReadFile(cfg.Daemon.AuditPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), id)
	assert.Contains(t, string(data), string(model.StateSucceeded))
}

func TestCapacityRejectionClosesLedgerEntry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.MaxDepthPerResource = 1
	startDaemon(t, cfg)

	restart := map[string]any{
		"action_kind":     "restart",
		"target_resource": cfg.Handlers.InstanceName,
		"parameters":      map[string]any{"mode": "graceful"},
	}

	// First restart parks awaiting approval and holds the queue slot.
	resp := call(t, cfg, "submit", restart)
	require.True(t, resp.Success, "submit failed: %+v", resp.Error)

	resp = call(t, cfg, "submit", restart)
	require.False(t, resp.Success)
	assert.Equal(t, "CAPACITY", resp.Error.Code)

	// The rejected command's ledger entry was closed out, not left pending.
	data, err := os.ReadFile(cfg.Daemon.AuditPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "admission failed")
}

func TestUnknownDependencyCancelled(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	resp := call(t, cfg, "submit", map[string]any{
		"action_kind":     "config_change",
		"target_resource": "iris.cpf",
		"parameters":      map[string]any{"section": "Startup", "key": "globals", "value": "9000"},
		"dependencies":    []any{"no-such-command"},
	})
	require.True(t, resp.Success, "submit failed: %+v", resp.Error)
	var submitted map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &submitted))
	id := submitted["id"].(string)

	// The bogus dependency can never resolve; the command is cancelled
	// instead of wedging the resource queue.
	rec := waitStatus(t, cfg, id, model.StateCancelled)
	assert.Contains(t, rec.History[len(rec.History)-1].Detail, "dependency")

	// The resource stays usable.
	resp = call(t, cfg, "submit", map[string]any{
		"action_kind":     "config_change",
		"target_resource": "iris.cpf",
		"parameters":      map[string]any{"section": "Startup", "key": "globals", "value": "9001"},
	})
	require.True(t, resp.Success)
	require.NoError(t, json.Unmarshal(resp.Data, &submitted))
	waitStatus(t, cfg, submitted["id"].(string), model.StateSucceeded)
}
