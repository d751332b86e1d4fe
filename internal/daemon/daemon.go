// Package daemon wires the remediation pipeline together and runs it as a
// long-lived process: intake spool and UDS API on the front, scheduler and
// execution engine behind them, ledger and event bus underneath.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/isc-ryoung/remedyd/internal/cpf"
	"github.com/isc-ryoung/remedyd/internal/engine"
	"github.com/isc-ryoung/remedyd/internal/events"
	"github.com/isc-ryoung/remedyd/internal/handler"
	"github.com/isc-ryoung/remedyd/internal/intake"
	"github.com/isc-ryoung/remedyd/internal/ledger"
	"github.com/isc-ryoung/remedyd/internal/lock"
	"github.com/isc-ryoung/remedyd/internal/logging"
	"github.com/isc-ryoung/remedyd/internal/model"
	"github.com/isc-ryoung/remedyd/internal/router"
	"github.com/isc-ryoung/remedyd/internal/scheduler"
	"github.com/isc-ryoung/remedyd/internal/uds"
)

// Daemon is the remedyd daemon process.
type Daemon struct {
	cfg      *model.Config
	logger   *log.Logger
	logLevel logging.Level
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	validator *intake.Validator
	audit     *ledger.AuditWriter
	led       *ledger.Ledger
	sched     *scheduler.Scheduler
	eng       *engine.Engine
	bus       *events.Bus
	usage     *events.UsageTracker
	spool     *Spool

	submitMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New creates a daemon logging to data_dir/logs/remedyd.log.
func New(cfg *model.Config) (*Daemon, error) {
	logPath := filepath.Join(cfg.Daemon.DataDir, "logs", "remedyd.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(cfg, logFile, logFile)
}

func newDaemon(cfg *model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		cfg:      cfg,
		logger:   log.New(w, "", 0),
		logLevel: logging.ParseLevel(cfg.Logging.Level),
		logFile:  closer,
		fileLock: lock.NewFileLock(cfg.Daemon.LockPath()),
		ticker:   time.NewTicker(time.Duration(cfg.Daemon.ScanIntervalSec) * time.Second),
		ctx:      ctx,
		cancel:   cancel,
	}
	d.server = uds.NewServer(cfg.Daemon.SocketPath, d.component("uds"))
	return d, nil
}

func (d *Daemon) component(name string) *logging.Component {
	return logging.NewComponent(d.logger, d.logLevel, name)
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

func (d *Daemon) start() error {
	dlog := d.component("daemon")

	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	dlog.Infof("starting pid=%d data_dir=%s", os.Getpid(), d.cfg.Daemon.DataDir)

	for _, dir := range []string{
		d.cfg.Daemon.IntakeDir(),
		filepath.Join(d.cfg.Daemon.IntakeDir(), spoolProcessedDir),
		filepath.Join(d.cfg.Daemon.IntakeDir(), spoolRejectedDir),
		filepath.Dir(d.cfg.Daemon.AuditPath()),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			d.cleanup()
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}

	audit, err := ledger.NewAuditWriter(d.cfg.Daemon.AuditPath(), ledger.DefaultMaxAuditSize)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit
	d.led = ledger.New(audit)

	d.validator, err = intake.NewValidator()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("intake validator: %w", err)
	}

	d.bus = events.NewBus(100)
	d.usage = events.NewUsageTracker(d.cfg.Usage, d.component("usage"))
	d.usage.Attach(d.bus)

	d.sched = scheduler.New(d.cfg.Queue.MaxDepthPerResource, d.led.State, d.component("scheduler"))

	r, err := d.buildRouter()
	if err != nil {
		d.cleanup()
		return err
	}

	d.eng = engine.New(r, d.sched, d.led, d.bus, d.submitRaw, engine.Options{
		Workers:        d.cfg.Engine.Workers,
		CommandTimeout: time.Duration(d.cfg.Engine.CommandTimeoutSec) * time.Second,
		PollInterval:   time.Duration(d.cfg.Engine.PollIntervalMs) * time.Millisecond,
	}, d.component("engine"))

	d.spool = NewSpool(d.cfg.Daemon.IntakeDir(), d.submitJSON, d.component("spool"))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	if err := watcher.Add(d.cfg.Daemon.IntakeDir()); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", d.cfg.Daemon.IntakeDir(), err)
	}

	d.registerOps()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}

	d.wg.Add(3)
	go d.fsnotifyLoop()
	go d.tickerLoop()
	go func() {
		defer d.wg.Done()
		d.eng.Run(d.ctx)
	}()

	// Pick up anything spooled while the daemon was down.
	d.spool.Scan()

	dlog.Infof("ready socket=%s", d.cfg.Daemon.SocketPath)
	return nil
}

// buildRouter constructs the capability handlers and the routing table.
func (d *Daemon) buildRouter() (*router.Router, error) {
	instance := handler.NewSimulatedInstance(d.cfg.Handlers.InstanceName)
	instanceResource := d.cfg.Handlers.InstanceName

	reg := router.NewRegistry()
	for _, h := range []handler.Handler{
		handler.NewConfigHandler(cpf.NewManager(d.cfg.Handlers.CPFPath), instanceResource, d.component("config_handler")),
		handler.NewOSHandler(d.component("os_handler")),
		handler.NewRestartHandler(instance, d.component("restart_handler")),
	} {
		if err := reg.Register(h); err != nil {
			return nil, fmt.Errorf("register handler: %w", err)
		}
	}

	r, err := router.New(reg, d.cfg.Router.GateRules, d.component("router"))
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}
	return r, nil
}

// submitRaw admits one decoded payload: validate, open ledger, enqueue.
// The lock keeps validate-open-enqueue atomic across intake surfaces.
func (d *Daemon) submitRaw(raw map[string]any) (model.Command, error) {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()

	cmd, _, err := d.validator.Validate(raw)
	if err != nil {
		d.publishRejection(err)
		return model.Command{}, err
	}
	return d.admit(cmd)
}

func (d *Daemon) submitJSON(data []byte) (model.Command, error) {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()

	cmd, _, err := d.validator.ValidateJSON(data)
	if err != nil {
		d.publishRejection(err)
		return model.Command{}, err
	}
	return d.admit(cmd)
}

func (d *Daemon) admit(cmd model.Command) (model.Command, error) {
	if err := d.led.Open(cmd.ID); err != nil {
		return model.Command{}, err
	}
	if err := d.sched.Enqueue(cmd); err != nil {
		// Admission failed after the ledger entry; close it out.
		if aerr := d.led.Append(cmd.ID, model.StateCancelled, fmt.Sprintf("admission failed: %v", err)); aerr != nil {
			d.component("daemon").Errorf("close out %s after failed admission: %v", cmd.ID, aerr)
		}
		return model.Command{}, err
	}
	d.eng.Kick()
	return cmd, nil
}

func (d *Daemon) publishRejection(err error) {
	d.bus.Publish(events.EventRejected, map[string]any{"reason": err.Error()})
}

func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	slog := d.component("daemon")
	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				slog.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
				d.spool.HandleFile(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			slog.Errorf("fsnotify: %v", err)
		}
	}
}

func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.spool.Scan()
		}
	}
}

func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.component("daemon").Infof("received signal=%s, shutting down", sig)

	// Second signal forces exit.
	go func() {
		<-sigCh
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown stops intake, drains in-flight commands, and releases resources.
// Idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		dlog := d.component("daemon")
		dlog.Infof("shutdown started")

		d.cancel()
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			dlog.Infof("all goroutines drained")
		case <-time.After(time.Duration(d.cfg.Daemon.ShutdownTimeoutSec) * time.Second):
			dlog.Warnf("shutdown timed out after %ds", d.cfg.Daemon.ShutdownTimeoutSec)
		}

		if d.bus != nil {
			d.bus.Close()
		}
		d.cleanup()
		dlog.Infof("stopped")
	})
}

func (d *Daemon) cleanup() {
	if d.audit != nil {
		d.audit.Close()
	}
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}
